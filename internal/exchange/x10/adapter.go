// Package x10 implements internal/exchange.Port against the X10 (Extended)
// perpetuals exchange REST/WS API. Requests are signed with an HMAC keyed by
// the API secret over method+path+query+timestamp+vault id, following X10's
// StarkEx-vault account model; the API key is sent as a header.
package x10

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/exchange"
)

// Config is the subset of VenueConfig x10 needs.
type Config struct {
	APIKey  string
	Secret  string
	VaultID string
	BaseURL string
	WSURL   string
}

// Adapter implements exchange.Port for X10.
type Adapter struct {
	*exchange.BaseAdapter
	cfg Config
}

func New(cfg Config, logger core.ILogger) (*Adapter, error) {
	a := &Adapter{cfg: cfg}
	a.BaseAdapter = exchange.NewBaseAdapter("x10", cfg.BaseURL, cfg.WSURL, a, logger, 8, 16)
	return a, nil
}

// SignRequest implements pkg/http.Signer using X10's API-key/HMAC scheme.
func (a *Adapter) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.cfg.Secret))
	mac.Write([]byte(req.Method + req.URL.Path + req.URL.RawQuery + ts + a.cfg.VaultID))
	req.Header.Set("X10-Api-Key", a.cfg.APIKey)
	req.Header.Set("X10-Vault-Id", a.cfg.VaultID)
	req.Header.Set("X10-Timestamp", ts)
	req.Header.Set("X10-Signature", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error { return nil }

type marketInfoResp struct {
	BaseAsset    string          `json:"base_asset"`
	QuoteAsset   string          `json:"quote_asset"`
	TickSize     decimal.Decimal `json:"tick_size"`
	StepSize     decimal.Decimal `json:"step_size"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxLeverage  decimal.Decimal `json:"max_leverage"`
}

func (a *Adapter) GetMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	var resp marketInfoResp
	if err := a.CallGET(ctx, "/v1/markets/"+symbol, nil, &resp); err != nil {
		return domain.MarketInfo{}, err
	}
	return domain.MarketInfo{
		Symbol: symbol, Venue: "x10", BaseAsset: resp.BaseAsset, QuoteAsset: resp.QuoteAsset,
		TickSize: resp.TickSize, StepSize: resp.StepSize,
		MinOrderSize: resp.MinOrderSize, MaxLeverage: resp.MaxLeverage,
	}, nil
}

type fundingRateResp struct {
	Rate          decimal.Decimal `json:"funding_rate_hourly"`
	NextFundingMs int64           `json:"next_funding_ms"`
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	var resp fundingRateResp
	if err := a.CallGET(ctx, "/v1/funding/"+symbol, nil, &resp); err != nil {
		return domain.FundingRate{}, err
	}
	return domain.FundingRate{
		Symbol: symbol, Venue: "x10", HourlyRate: resp.Rate,
		NextFundingTime: time.UnixMilli(resp.NextFundingMs), Timestamp: time.Now().UTC(),
	}, nil
}

type depthResp struct {
	Bid [][2]decimal.Decimal `json:"bid"`
	Ask [][2]decimal.Decimal `json:"ask"`
}

func (a *Adapter) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (domain.OrderbookDepthSnapshot, error) {
	var resp depthResp
	params := map[string]string{"levels": strconv.Itoa(levels)}
	if err := a.CallGET(ctx, "/v1/orderbook/"+symbol, params, &resp); err != nil {
		return domain.OrderbookDepthSnapshot{}, err
	}
	out := domain.OrderbookDepthSnapshot{Symbol: symbol, Venue: "x10", UpdatedAt: time.Now().UTC()}
	for _, b := range resp.Bid {
		out.Bids = append(out.Bids, domain.DepthLevel{Price: b[0], Qty: b[1]})
	}
	for _, ak := range resp.Ask {
		out.Asks = append(out.Asks, domain.DepthLevel{Price: ak[0], Qty: ak[1]})
	}
	return out, nil
}

type wsBookTicker struct {
	Type       string `json:"type"`
	Symbol     string `json:"symbol"`
	BestBid    string `json:"best_bid"`
	BestBidQty string `json:"best_bid_qty"`
	BestAsk    string `json:"best_ask"`
	BestAskQty string `json:"best_ask_qty"`
}

func (a *Adapter) SubscribeOrderbook(ctx context.Context, symbol string) (<-chan domain.OrderbookSnapshot, error) {
	out := make(chan domain.OrderbookSnapshot, 64)
	client := a.ConnectWSOnce(ctx, func(raw []byte) {
		var msg wsBookTicker
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "book_ticker" || msg.Symbol != symbol {
			return
		}
		bid, _ := decimal.NewFromString(msg.BestBid)
		bidQty, _ := decimal.NewFromString(msg.BestBidQty)
		ask, _ := decimal.NewFromString(msg.BestAsk)
		askQty, _ := decimal.NewFromString(msg.BestAskQty)
		select {
		case out <- domain.OrderbookSnapshot{
			Symbol: symbol, Venue: "x10", BestBid: bid, BestBidQty: bidQty,
			BestAsk: ask, BestAskQty: askQty, UpdatedAt: time.Now().UTC(),
		}:
		default:
			a.Logger.Warn("orderbook channel full, dropping update", "symbol", symbol)
		}
	})
	client.SetOnConnected(func() {
		client.Send(map[string]interface{}{"type": "subscribe", "channel": "book_ticker", "symbol": symbol})
	})
	return out, nil
}

func (a *Adapter) SubscribeFundingRate(ctx context.Context, symbol string) (<-chan domain.FundingRate, error) {
	out := make(chan domain.FundingRate, 16)
	client := a.ConnectWSOnce(ctx, func(raw []byte) {
		var msg struct {
			Type   string `json:"type"`
			Symbol string `json:"symbol"`
			fundingRateResp
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "funding" || msg.Symbol != symbol {
			return
		}
		select {
		case out <- domain.FundingRate{
			Symbol: symbol, Venue: "x10", HourlyRate: msg.Rate,
			NextFundingTime: time.UnixMilli(msg.NextFundingMs), Timestamp: time.Now().UTC(),
		}:
		default:
		}
	})
	client.SetOnConnected(func() {
		client.Send(map[string]interface{}{"type": "subscribe", "channel": "funding", "symbol": symbol})
	})
	return out, nil
}

type positionResp struct {
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	var resp positionResp
	if err := a.CallGET(ctx, "/v1/positions/"+symbol, nil, &resp); err != nil {
		return domain.Position{}, err
	}
	side := domain.SideBuy
	if resp.Side == "SELL" {
		side = domain.SideSell
	}
	return domain.Position{
		Symbol: symbol, Venue: "x10", Side: side, Qty: resp.Size,
		EntryPrice: resp.EntryPrice, MarkPrice: resp.MarkPrice,
		LiquidationPrice: resp.LiquidationPrice, HasLiquidation: !resp.LiquidationPrice.IsZero(),
	}, nil
}

type balanceResp struct {
	AvailableMargin decimal.Decimal `json:"available_margin"`
	Equity          decimal.Decimal `json:"equity"`
}

func (a *Adapter) GetFreeMargin(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResp
	if err := a.CallGET(ctx, "/v1/balance", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.AvailableMargin, nil
}

func (a *Adapter) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResp
	if err := a.CallGET(ctx, "/v1/balance", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Equity, nil
}

type placeOrderReq struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Size          string `json:"size"`
	TIF           string `json:"time_in_force"`
	ReduceOnly    bool   `json:"reduce_only"`
	ClientOrderID string `json:"client_order_id"`
}

type orderResp struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        string          `json:"status"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Fee           decimal.Decimal `json:"fee"`
	CreatedAtMs   int64           `json:"created_at_ms"`
	UpdatedAtMs   int64           `json:"updated_at_ms"`
}

func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW", "ACCEPTED":
		return domain.OrderStatusOpen
	case "PARTIAL":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	payload := placeOrderReq{
		Symbol: req.Symbol, Side: string(req.Side), Type: string(req.Type),
		Size: req.Qty.String(), TIF: string(req.TIF), ReduceOnly: req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		payload.Price = req.Price.String()
	}
	var resp orderResp
	if err := a.CallPOST(ctx, "/v1/orders", payload, &resp); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		Symbol: req.Symbol, Venue: "x10", OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID,
		Side: req.Side, Type: req.Type, Price: req.Price, Qty: req.Qty,
		Status: mapStatus(resp.Status), FilledQty: resp.FilledSize, AvgFillPrice: resp.AvgFillPrice, Fee: resp.Fee,
		CreatedAt: time.UnixMilli(resp.CreatedAtMs), UpdatedAt: time.UnixMilli(resp.UpdatedAtMs),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.CallDELETE(ctx, "/v1/orders/"+orderID, map[string]string{"symbol": symbol})
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	var resp orderResp
	if err := a.CallGET(ctx, "/v1/orders/"+orderID, map[string]string{"symbol": symbol}, &resp); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		Symbol: symbol, Venue: "x10", OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID,
		Status: mapStatus(resp.Status), FilledQty: resp.FilledSize, AvgFillPrice: resp.AvgFillPrice, Fee: resp.Fee,
		CreatedAt: time.UnixMilli(resp.CreatedAtMs), UpdatedAt: time.UnixMilli(resp.UpdatedAtMs),
	}, nil
}

func (a *Adapter) SubscribeOrderUpdates(ctx context.Context) (<-chan domain.Order, error) {
	out := make(chan domain.Order, 64)
	client := a.ConnectWSOnce(ctx, func(raw []byte) {
		var msg struct {
			Type   string `json:"type"`
			Symbol string `json:"symbol"`
			orderResp
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "order_update" {
			return
		}
		select {
		case out <- domain.Order{
			Symbol: msg.Symbol, Venue: "x10", OrderID: msg.OrderID, ClientOrderID: msg.ClientOrderID,
			Status: mapStatus(msg.Status), FilledQty: msg.FilledSize, AvgFillPrice: msg.AvgFillPrice, Fee: msg.Fee,
			CreatedAt: time.UnixMilli(msg.CreatedAtMs), UpdatedAt: time.UnixMilli(msg.UpdatedAtMs),
		}:
		default:
			a.Logger.Warn("order-update channel full, dropping update")
		}
	})
	client.SetOnConnected(func() {
		client.Send(map[string]interface{}{"type": "subscribe", "channel": "orders", "vault_id": a.cfg.VaultID})
	})
	return out, nil
}

type fundingEventResp struct {
	Amount      decimal.Decimal `json:"amount"`
	TimestampMs int64           `json:"timestamp_ms"`
}

func (a *Adapter) GetRealizedFunding(ctx context.Context, symbol string, since int64) ([]domain.FundingEvent, error) {
	var resp []fundingEventResp
	params := map[string]string{"symbol": symbol, "since_ms": strconv.FormatInt(since, 10)}
	if err := a.CallGET(ctx, "/v1/funding/history", params, &resp); err != nil {
		return nil, err
	}
	events := make([]domain.FundingEvent, 0, len(resp))
	for _, e := range resp {
		events = append(events, domain.FundingEvent{Venue: "x10", Amount: e.Amount, Timestamp: time.UnixMilli(e.TimestampMs)})
	}
	return events, nil
}
