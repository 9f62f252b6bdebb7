// Package exchangetest provides an in-memory exchange.Port double for
// exercising the rest of the engine without a network dependency.
package exchangetest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"fundingarb/internal/domain"
)

// Fake is a minimal, concurrency-safe in-memory Port. Tests seed its fields
// directly and inspect PlacedOrders/CancelledOrderIDs after exercising code
// under test.
type Fake struct {
	mu sync.Mutex

	VenueName      string
	Markets        map[string]domain.MarketInfo
	FundingRates   map[string]domain.FundingRate
	Depths         map[string]domain.OrderbookDepthSnapshot
	Positions      map[string]domain.Position
	FreeMargin     decimal.Decimal
	AccountEquity  decimal.Decimal
	FundingEvents  map[string][]domain.FundingEvent
	NextOrderErr   error
	PlacedOrders   []domain.OrderRequest
	CancelledIDs   []string
	Orders         map[string]domain.Order
	orderBookCh    map[string]chan domain.OrderbookSnapshot
	fundingCh      map[string]chan domain.FundingRate
	orderUpdatesCh chan domain.Order
}

func New(venue string) *Fake {
	return &Fake{
		VenueName:      venue,
		Markets:        make(map[string]domain.MarketInfo),
		FundingRates:   make(map[string]domain.FundingRate),
		Depths:         make(map[string]domain.OrderbookDepthSnapshot),
		Positions:      make(map[string]domain.Position),
		FundingEvents:  make(map[string][]domain.FundingEvent),
		Orders:         make(map[string]domain.Order),
		orderBookCh:    make(map[string]chan domain.OrderbookSnapshot),
		fundingCh:      make(map[string]chan domain.FundingRate),
		orderUpdatesCh: make(chan domain.Order, 256),
	}
}

func (f *Fake) Name() string                        { return f.VenueName }
func (f *Fake) Connect(ctx context.Context) error    { return nil }
func (f *Fake) Close() error                         { return nil }

func (f *Fake) GetMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Markets[symbol], nil
}

func (f *Fake) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FundingRates[symbol], nil
}

func (f *Fake) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (domain.OrderbookDepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Depths[symbol], nil
}

func (f *Fake) SubscribeOrderbook(ctx context.Context, symbol string) (<-chan domain.OrderbookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.orderBookCh[symbol]
	if !ok {
		ch = make(chan domain.OrderbookSnapshot, 64)
		f.orderBookCh[symbol] = ch
	}
	return ch, nil
}

// PushOrderbook lets a test drive a subscription channel.
func (f *Fake) PushOrderbook(symbol string, snap domain.OrderbookSnapshot) {
	f.mu.Lock()
	ch, ok := f.orderBookCh[symbol]
	f.mu.Unlock()
	if ok {
		ch <- snap
	}
}

func (f *Fake) SubscribeFundingRate(ctx context.Context, symbol string) (<-chan domain.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.fundingCh[symbol]
	if !ok {
		ch = make(chan domain.FundingRate, 16)
		f.fundingCh[symbol] = ch
	}
	return ch, nil
}

func (f *Fake) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Positions[symbol], nil
}

func (f *Fake) GetFreeMargin(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FreeMargin, nil
}

func (f *Fake) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AccountEquity, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NextOrderErr != nil {
		err := f.NextOrderErr
		f.NextOrderErr = nil
		return domain.Order{}, err
	}
	f.PlacedOrders = append(f.PlacedOrders, req)
	order := domain.Order{
		Symbol: req.Symbol, Venue: f.VenueName, OrderID: req.ClientOrderID, ClientOrderID: req.ClientOrderID,
		Side: req.Side, Type: req.Type, Price: req.Price, Qty: req.Qty, Status: domain.OrderStatusOpen,
	}
	f.Orders[order.OrderID] = order
	return order, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelledIDs = append(f.CancelledIDs, orderID)
	if o, ok := f.Orders[orderID]; ok {
		o.Status = domain.OrderStatusCancelled
		f.Orders[orderID] = o
	}
	return nil
}

func (f *Fake) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Orders[orderID], nil
}

// FillOrder lets a test mark a previously placed order filled (fully or
// partially) and pushes the update onto the order-updates stream.
func (f *Fake) FillOrder(orderID string, filledQty, avgPrice, fee decimal.Decimal, status domain.OrderStatus) {
	f.mu.Lock()
	o, ok := f.Orders[orderID]
	if !ok {
		f.mu.Unlock()
		return
	}
	o.FilledQty = filledQty
	o.AvgFillPrice = avgPrice
	o.Fee = fee
	o.Status = status
	f.Orders[orderID] = o
	f.mu.Unlock()
	select {
	case f.orderUpdatesCh <- o:
	default:
	}
}

// MarkAllOpenFilled fills every currently-open order at its own limit price
// (or the order's price verbatim for market/IOC orders), letting tests drive
// a poll-based waitForFill loop without tracking client order IDs by hand.
func (f *Fake) MarkAllOpenFilled() {
	f.mu.Lock()
	var toFill []domain.Order
	for id, o := range f.Orders {
		if o.Status == domain.OrderStatusOpen {
			o.FilledQty = o.Qty
			o.AvgFillPrice = o.Price
			o.Status = domain.OrderStatusFilled
			f.Orders[id] = o
			toFill = append(toFill, o)
		}
	}
	f.mu.Unlock()
	for _, o := range toFill {
		select {
		case f.orderUpdatesCh <- o:
		default:
		}
	}
}

func (f *Fake) SubscribeOrderUpdates(ctx context.Context) (<-chan domain.Order, error) {
	return f.orderUpdatesCh, nil
}

// PlacedOrderAt returns the i'th placed order (0-indexed) and whether it has
// been placed yet, safe for a test goroutine to poll concurrently with the
// engine under test placing orders.
func (f *Fake) PlacedOrderAt(i int) (domain.OrderRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.PlacedOrders) {
		return domain.OrderRequest{}, false
	}
	return f.PlacedOrders[i], true
}

// SetDepth replaces a symbol's depth snapshot, safe for a test goroutine to
// call while the engine under test concurrently reads it via GetOrderbookDepth.
func (f *Fake) SetDepth(symbol string, depth domain.OrderbookDepthSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Depths[symbol] = depth
}

func (f *Fake) GetRealizedFunding(ctx context.Context, symbol string, since int64) ([]domain.FundingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FundingEvents[symbol], nil
}
