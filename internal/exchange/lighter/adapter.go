// Package lighter implements internal/exchange.Port against Lighter's
// REST/WS API. Signing uses an EdDSA private key over a canonical request
// digest, per Lighter's L2 order-signing scheme; HTTP resilience and rate
// limiting come from internal/exchange's shared plumbing.
package lighter

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/exchange"
)

// Config is the subset of VenueConfig lighter needs, kept venue-agnostic at
// the config package level and narrowed here.
type Config struct {
	PrivateKeyHex string
	AccountIndex  int64
	BaseURL       string
	WSURL         string
}

// Adapter implements exchange.Port for Lighter.
type Adapter struct {
	*exchange.BaseAdapter
	cfg     Config
	signKey ed25519.PrivateKey
}

// New constructs a Lighter adapter. It does not connect; call Connect.
func New(cfg Config, logger core.ILogger) (*Adapter, error) {
	seed, err := hex.DecodeString(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("lighter: invalid private key: %w", err)
	}
	a := &Adapter{cfg: cfg}
	if len(seed) == ed25519.SeedSize {
		a.signKey = ed25519.NewKeyFromSeed(seed)
	} else if len(seed) == ed25519.PrivateKeySize {
		a.signKey = ed25519.PrivateKey(seed)
	}
	a.BaseAdapter = exchange.NewBaseAdapter("lighter", cfg.BaseURL, cfg.WSURL, a, logger, 10, 20)
	return a, nil
}

// SignRequest implements pkg/http.Signer: signs method+path+query+timestamp
// with the account's EdDSA key and attaches the signature and account index
// as headers, following Lighter's L2-order-signing convention.
func (a *Adapter) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	digest := req.Method + req.URL.Path + req.URL.RawQuery + ts
	sig := ed25519.Sign(a.signKey, []byte(digest))
	req.Header.Set("L-Account-Index", strconv.FormatInt(a.cfg.AccountIndex, 10))
	req.Header.Set("L-Timestamp", ts)
	req.Header.Set("L-Signature", hex.EncodeToString(sig))
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	return nil
}

type marketInfoResp struct {
	Symbol       string          `json:"symbol"`
	BaseAsset    string          `json:"base_asset"`
	QuoteAsset   string          `json:"quote_asset"`
	TickSize     decimal.Decimal `json:"tick_size"`
	StepSize     decimal.Decimal `json:"step_size"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxLeverage  decimal.Decimal `json:"max_leverage"`
}

func (a *Adapter) GetMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	var resp marketInfoResp
	if err := a.CallGET(ctx, "/api/v1/markets/"+symbol, nil, &resp); err != nil {
		return domain.MarketInfo{}, err
	}
	return domain.MarketInfo{
		Symbol: symbol, Venue: "lighter",
		BaseAsset: resp.BaseAsset, QuoteAsset: resp.QuoteAsset,
		TickSize: resp.TickSize, StepSize: resp.StepSize,
		MinOrderSize: resp.MinOrderSize, MaxLeverage: resp.MaxLeverage,
	}, nil
}

type fundingRateResp struct {
	Rate            decimal.Decimal `json:"hourly_rate"`
	NextFundingTime int64           `json:"next_funding_time_ms"`
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	var resp fundingRateResp
	if err := a.CallGET(ctx, "/api/v1/funding/"+symbol, nil, &resp); err != nil {
		return domain.FundingRate{}, err
	}
	return domain.FundingRate{
		Symbol: symbol, Venue: "lighter",
		HourlyRate:      resp.Rate,
		NextFundingTime: time.UnixMilli(resp.NextFundingTime),
		Timestamp:       time.Now().UTC(),
	}, nil
}

type depthResp struct {
	Bids [][2]decimal.Decimal `json:"bids"`
	Asks [][2]decimal.Decimal `json:"asks"`
}

func (a *Adapter) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (domain.OrderbookDepthSnapshot, error) {
	var resp depthResp
	params := map[string]string{"depth": strconv.Itoa(levels)}
	if err := a.CallGET(ctx, "/api/v1/orderbook/"+symbol, params, &resp); err != nil {
		return domain.OrderbookDepthSnapshot{}, err
	}
	out := domain.OrderbookDepthSnapshot{Symbol: symbol, Venue: "lighter", UpdatedAt: time.Now().UTC()}
	for _, b := range resp.Bids {
		out.Bids = append(out.Bids, domain.DepthLevel{Price: b[0], Qty: b[1]})
	}
	for _, ask := range resp.Asks {
		out.Asks = append(out.Asks, domain.DepthLevel{Price: ask[0], Qty: ask[1]})
	}
	return out, nil
}

type wsOrderbookMsg struct {
	Channel string    `json:"channel"`
	Symbol  string    `json:"symbol"`
	BestBid string    `json:"best_bid"`
	BestBidQty string `json:"best_bid_qty"`
	BestAsk string    `json:"best_ask"`
	BestAskQty string `json:"best_ask_qty"`
}

func (a *Adapter) SubscribeOrderbook(ctx context.Context, symbol string) (<-chan domain.OrderbookSnapshot, error) {
	out := make(chan domain.OrderbookSnapshot, 64)
	client := a.ConnectWSOnce(ctx, func(raw []byte) {
		var msg wsOrderbookMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "orderbook" || msg.Symbol != symbol {
			return
		}
		bid, _ := decimal.NewFromString(msg.BestBid)
		bidQty, _ := decimal.NewFromString(msg.BestBidQty)
		ask, _ := decimal.NewFromString(msg.BestAsk)
		askQty, _ := decimal.NewFromString(msg.BestAskQty)
		snap := domain.OrderbookSnapshot{
			Symbol: symbol, Venue: "lighter",
			BestBid: bid, BestBidQty: bidQty, BestAsk: ask, BestAskQty: askQty,
			UpdatedAt: time.Now().UTC(),
		}
		select {
		case out <- snap:
		default:
			a.Logger.Warn("orderbook channel full, dropping update", "symbol", symbol)
		}
	})
	client.SetOnConnected(func() {
		client.Send(map[string]interface{}{"op": "subscribe", "channel": "orderbook", "symbol": symbol})
	})
	return out, nil
}

func (a *Adapter) SubscribeFundingRate(ctx context.Context, symbol string) (<-chan domain.FundingRate, error) {
	out := make(chan domain.FundingRate, 16)
	client := a.ConnectWSOnce(ctx, func(raw []byte) {
		var msg struct {
			Channel string `json:"channel"`
			Symbol  string `json:"symbol"`
			fundingRateResp
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "funding" || msg.Symbol != symbol {
			return
		}
		select {
		case out <- domain.FundingRate{
			Symbol: symbol, Venue: "lighter", HourlyRate: msg.Rate,
			NextFundingTime: time.UnixMilli(msg.NextFundingTime), Timestamp: time.Now().UTC(),
		}:
		default:
		}
	})
	client.SetOnConnected(func() {
		client.Send(map[string]interface{}{"op": "subscribe", "channel": "funding", "symbol": symbol})
	})
	return out, nil
}

type positionResp struct {
	Side             string          `json:"side"`
	Qty              decimal.Decimal `json:"qty"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	var resp positionResp
	if err := a.CallGET(ctx, "/api/v1/positions/"+symbol, nil, &resp); err != nil {
		return domain.Position{}, err
	}
	side := domain.SideBuy
	if resp.Side == "SHORT" {
		side = domain.SideSell
	}
	return domain.Position{
		Symbol: symbol, Venue: "lighter", Side: side,
		Qty: resp.Qty, EntryPrice: resp.EntryPrice, MarkPrice: resp.MarkPrice,
		LiquidationPrice: resp.LiquidationPrice, HasLiquidation: !resp.LiquidationPrice.IsZero(),
	}, nil
}

type accountResp struct {
	FreeMargin decimal.Decimal `json:"free_margin"`
	Equity     decimal.Decimal `json:"equity"`
}

func (a *Adapter) GetFreeMargin(ctx context.Context) (decimal.Decimal, error) {
	var resp accountResp
	if err := a.CallGET(ctx, "/api/v1/account", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.FreeMargin, nil
}

func (a *Adapter) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	var resp accountResp
	if err := a.CallGET(ctx, "/api/v1/account", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Equity, nil
}

type placeOrderReq struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Qty           string `json:"qty"`
	TIF           string `json:"tif"`
	ReduceOnly    bool   `json:"reduce_only"`
	ClientOrderID string `json:"client_order_id"`
}

type orderResp struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Fee           decimal.Decimal `json:"fee"`
	CreatedAtMs   int64           `json:"created_at_ms"`
	UpdatedAtMs   int64           `json:"updated_at_ms"`
}

func (r orderResp) toDomain(req domain.OrderRequest) domain.Order {
	return domain.Order{
		Symbol: req.Symbol, Venue: "lighter", OrderID: r.OrderID, ClientOrderID: r.ClientOrderID,
		Side: req.Side, Type: req.Type, Price: req.Price, Qty: req.Qty,
		Status: mapStatus(r.Status), FilledQty: r.FilledQty, AvgFillPrice: r.AvgFillPrice, Fee: r.Fee,
		CreatedAt: time.UnixMilli(r.CreatedAtMs), UpdatedAt: time.UnixMilli(r.UpdatedAtMs),
	}
}

func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "OPEN":
		return domain.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELLED":
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
		Qty: req.Qty.String(), TIF: string(req.TIF), ReduceOnly: req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		payload.Price = req.Price.String()
	}
	var resp orderResp
	if err := a.CallPOST(ctx, "/api/v1/orders", payload, &resp); err != nil {
		return domain.Order{}, err
	}
	return resp.toDomain(req), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.CallDELETE(ctx, "/api/v1/orders/"+orderID, map[string]string{"symbol": symbol})
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	var resp orderResp
	if err := a.CallGET(ctx, "/api/v1/orders/"+orderID, map[string]string{"symbol": symbol}, &resp); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		Symbol: symbol, Venue: "lighter", OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID,
		Status: mapStatus(resp.Status), FilledQty: resp.FilledQty, AvgFillPrice: resp.AvgFillPrice, Fee: resp.Fee,
		CreatedAt: time.UnixMilli(resp.CreatedAtMs), UpdatedAt: time.UnixMilli(resp.UpdatedAtMs),
	}, nil
}

func (a *Adapter) SubscribeOrderUpdates(ctx context.Context) (<-chan domain.Order, error) {
	out := make(chan domain.Order, 64)
	client := a.ConnectWSOnce(ctx, func(raw []byte) {
		var msg struct {
			Channel string `json:"channel"`
			Symbol  string `json:"symbol"`
			orderResp
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "orders" {
			return
		}
		select {
		case out <- domain.Order{
			Symbol: msg.Symbol, Venue: "lighter", OrderID: msg.OrderID, ClientOrderID: msg.ClientOrderID,
			Status: mapStatus(msg.Status), FilledQty: msg.FilledQty, AvgFillPrice: msg.AvgFillPrice, Fee: msg.Fee,
			CreatedAt: time.UnixMilli(msg.CreatedAtMs), UpdatedAt: time.UnixMilli(msg.UpdatedAtMs),
		}:
		default:
			a.Logger.Warn("order-update channel full, dropping update")
		}
	})
	client.SetOnConnected(func() {
		client.Send(map[string]interface{}{"op": "subscribe", "channel": "orders", "account_index": a.cfg.AccountIndex})
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
	if err := a.CallGET(ctx, "/api/v1/funding/history", params, &resp); err != nil {
		return nil, err
	}
	events := make([]domain.FundingEvent, 0, len(resp))
	for _, e := range resp {
		events = append(events, domain.FundingEvent{
			Venue: "lighter", Amount: e.Amount, Timestamp: time.UnixMilli(e.TimestampMs),
		})
	}
	return events, nil
}
