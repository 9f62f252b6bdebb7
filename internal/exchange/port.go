// Package exchange defines the venue-agnostic Port every adapter implements,
// and the shared REST/WS plumbing (rate limiting, resilience, reconnects)
// adapters build on. Concrete venues live in internal/exchange/lighter and
// internal/exchange/x10.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"fundingarb/internal/domain"
)

// Port is the venue-agnostic surface the rest of the engine depends on.
// Every exchange adapter (lighter, x10, and any future venue) implements it;
// business code never imports a venue package directly.
type Port interface {
	Name() string

	// Lifecycle
	Connect(ctx context.Context) error
	Close() error

	// Market data
	GetMarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error)
	GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error)
	GetOrderbookDepth(ctx context.Context, symbol string, levels int) (domain.OrderbookDepthSnapshot, error)
	SubscribeOrderbook(ctx context.Context, symbol string) (<-chan domain.OrderbookSnapshot, error)
	SubscribeFundingRate(ctx context.Context, symbol string) (<-chan domain.FundingRate, error)

	// Account
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	GetFreeMargin(ctx context.Context) (decimal.Decimal, error)
	GetAccountEquity(ctx context.Context) (decimal.Decimal, error)

	// Orders
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error)
	SubscribeOrderUpdates(ctx context.Context) (<-chan domain.Order, error)

	// GetRealizedFunding returns funding payments/charges settled since the
	// given time (Unix milliseconds), keyed by the trade's leg on this
	// venue (spec §4.8/§9 open question 3).
	GetRealizedFunding(ctx context.Context, symbol string, since int64) ([]domain.FundingEvent, error)
}

// ConnectorFactory constructs a Port from a venue name, used by supervisor
// wiring to stay decoupled from concrete adapter packages.
type ConnectorFactory func(venue string) (Port, error)
