// Package domain holds the plain data types shared across the engine: market
// metadata, orderbook snapshots, positions, orders, trades and their legs,
// funding events, and execution-attempt KPI rows. These replace the teacher's
// protobuf-generated messages — nothing here crosses a wire boundary that
// needs schema evolution, so plain structs plus shopspring/decimal are enough.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a leg.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes maker-style limit orders from taker market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls order resting behavior.
type TimeInForce string

const (
	TIFGTC      TimeInForce = "GTC"
	TIFIOC      TimeInForce = "IOC"
	TIFPostOnly TimeInForce = "POST_ONLY"
)

// OrderStatus is the lifecycle state of an exchange order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusOpen           OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled         OrderStatus = "FILLED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusExpired        OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status can never transition again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// MarketInfo is immutable per process lifetime, loaded at startup.
type MarketInfo struct {
	Symbol       string
	Venue        string
	BaseAsset    string
	QuoteAsset   string
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinOrderSize decimal.Decimal
	MaxLeverage  decimal.Decimal
}

// FundingRate carries an hourly-normalized rate. Per spec §3 the engine must
// enforce fundingRateIntervalHours == 1 at startup for every configured
// venue; this type only stores the already-normalized rate.
type FundingRate struct {
	Symbol          string
	Venue           string
	HourlyRate      decimal.Decimal
	NextFundingTime time.Time
	Timestamp       time.Time
}

// PriceSnapshot is a per-symbol, per-venue mark/last price with an update time.
type PriceSnapshot struct {
	Symbol    string
	Venue     string
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// OrderbookSnapshot is the L1 (best bid/ask) view.
type OrderbookSnapshot struct {
	Symbol    string
	Venue     string
	BestBid   decimal.Decimal
	BestBidQty decimal.Decimal
	BestAsk   decimal.Decimal
	BestAskQty decimal.Decimal
	UpdatedAt time.Time
}

// DepthLevel is one price/size pair in a depth snapshot.
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderbookDepthSnapshot is an N-level view of one side of the book.
type OrderbookDepthSnapshot struct {
	Symbol    string
	Venue     string
	Bids      []DepthLevel
	Asks      []DepthLevel
	UpdatedAt time.Time
}

// Position is a venue-reported open position. Venues may report Qty == 0 to
// mean "no position"; callers should treat such records as absent.
type Position struct {
	Symbol           string
	Venue            string
	Side             Side
	Qty              decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	HasLiquidation   bool
}

// IsFlat reports whether the position should be treated as absent.
func (p Position) IsFlat(tolerance decimal.Decimal) bool {
	return p.Qty.Abs().LessThanOrEqual(tolerance)
}

// OrderRequest is what callers ask an ExchangePort to place.
type OrderRequest struct {
	Symbol        string
	Venue         string
	Side          Side
	Qty           decimal.Decimal
	Type          OrderType
	Price         decimal.Decimal // zero for market orders
	TIF           TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the venue's view of a placed order.
type Order struct {
	Symbol        string
	Venue         string
	OrderID       string
	ClientOrderID string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Valid checks the invariants from spec §3: filledQty <= qty and
// avgFillPrice == 0 iff filledQty == 0.
func (o Order) Valid() bool {
	if o.FilledQty.GreaterThan(o.Qty) {
		return false
	}
	if o.FilledQty.IsZero() != o.AvgFillPrice.IsZero() {
		return false
	}
	return true
}

// TradeLegRole distinguishes the maker leg from the hedge leg.
type TradeLegRole string

const (
	LegRoleMaker TradeLegRole = "LEG1_MAKER"
	LegRoleHedge TradeLegRole = "LEG2_HEDGE"
)

// TradeLeg is one venue-side of a delta-neutral position. Legs do not point
// back to their owning Trade (spec §9: avoid ownership cycles).
type TradeLeg struct {
	Role       TradeLegRole
	Venue      string
	Side       Side
	OrderID    string
	Qty        decimal.Decimal
	FilledQty  decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Fees       decimal.Decimal
}

// TradeStatus is the coarse lifecycle state of a Trade.
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "PENDING"
	TradeStatusOpening  TradeStatus = "OPENING"
	TradeStatusOpen     TradeStatus = "OPEN"
	TradeStatusClosing  TradeStatus = "CLOSING"
	TradeStatusRollback TradeStatus = "ROLLBACK"
	TradeStatusFailed   TradeStatus = "FAILED"
	TradeStatusClosed   TradeStatus = "CLOSED"
	TradeStatusRejected TradeStatus = "REJECTED"
)

// ExecutionState is the fine-grained state machine described in spec §4.3.
type ExecutionState string

const (
	ExecPending            ExecutionState = "PENDING"
	ExecLegOneInProgress   ExecutionState = "LEG_ONE_IN_PROGRESS"
	ExecLegOneFilled       ExecutionState = "LEG_ONE_FILLED"
	ExecLegTwoInProgress   ExecutionState = "LEG_TWO_IN_PROGRESS"
	ExecOpened             ExecutionState = "OPENED"
	ExecAborted            ExecutionState = "ABORTED"
	ExecRollbackQueued     ExecutionState = "ROLLBACK_QUEUED"
	ExecRollbackInProgress ExecutionState = "ROLLBACK_IN_PROGRESS"
	ExecRollbackDone       ExecutionState = "ROLLBACK_DONE"
	ExecRollbackFailed     ExecutionState = "ROLLBACK_FAILED"
	ExecFailed             ExecutionState = "FAILED"
)

// validTradeTransitions encodes the status DAG from spec §3.
var validTradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:  {TradeStatusOpening},
	TradeStatusOpening:  {TradeStatusOpen, TradeStatusRollback, TradeStatusFailed, TradeStatusRejected},
	TradeStatusOpen:      {TradeStatusClosing},
	TradeStatusClosing:  {TradeStatusClosed, TradeStatusFailed},
	TradeStatusRollback: {TradeStatusFailed},
}

// CanTransition reports whether `to` is a permitted successor of `from`.
func CanTransition(from, to TradeStatus) bool {
	for _, s := range validTradeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TradeEvent is one entry in a Trade's append-only event log.
type TradeEvent struct {
	At      time.Time
	Kind    string
	Message string
}

// Trade is the aggregate of two legs plus lifecycle/PnL bookkeeping.
type Trade struct {
	ID             string
	Symbol         string
	LongVenue      string
	ShortVenue     string
	LegLong        *TradeLeg // side=Buy
	LegShort       *TradeLeg // side=Sell
	TargetQty      decimal.Decimal
	TargetNotional decimal.Decimal
	EntryAPY       decimal.Decimal
	EntrySpread    decimal.Decimal
	Status         TradeStatus
	ExecState      ExecutionState
	FundingCollected decimal.Decimal
	LastFundingUpdate time.Time
	RealizedPnl    decimal.Decimal
	UnrealizedPnl  decimal.Decimal
	HighWaterMark  decimal.Decimal
	CloseReason    string
	CreatedAt      time.Time
	OpenedAt       time.Time
	ClosedAt       time.Time
	Events         []TradeEvent
}

// AddEvent appends to the trade's event log.
func (t *Trade) AddEvent(kind, message string) {
	t.Events = append(t.Events, TradeEvent{At: time.Now().UTC(), Kind: kind, Message: message})
}

// LegFor returns the leg resting on the given venue, or nil.
func (t *Trade) LegFor(venue string) *TradeLeg {
	if t.LegLong != nil && t.LegLong.Venue == venue {
		return t.LegLong
	}
	if t.LegShort != nil && t.LegShort.Venue == venue {
		return t.LegShort
	}
	return nil
}

// FundingEvent records one realized funding payment/charge for a trade leg.
// Sign convention: positive = received, negative = paid.
type FundingEvent struct {
	TradeID   string
	Venue     string
	Amount    decimal.Decimal
	Timestamp time.Time
	Legacy    bool // true for a pre-split "NET" row (see DESIGN.md open question 3)
}

// AttemptMode distinguishes live trading from paper/dry-run.
type AttemptMode string

const (
	AttemptLive  AttemptMode = "LIVE"
	AttemptPaper AttemptMode = "PAPER"
)

// AttemptStatus is the outcome of an ExecutionAttempt.
type AttemptStatus string

const (
	AttemptStarted  AttemptStatus = "STARTED"
	AttemptOpened   AttemptStatus = "OPENED"
	AttemptRejected AttemptStatus = "REJECTED"
	AttemptFailed   AttemptStatus = "FAILED"
	AttemptClosed   AttemptStatus = "CLOSED"
)

// ExecutionAttempt is the append-only KPI/decision log row for one attempt to
// open, escalate, or close a trade.
type ExecutionAttempt struct {
	AttemptID     string
	TradeID       string // empty until the trade row exists
	Symbol        string
	Mode          AttemptMode
	Status        AttemptStatus
	Stage         string
	Reason        string
	EntrySpread   decimal.Decimal
	ExitSpread    decimal.Decimal
	SlippageBps   decimal.Decimal
	FillSeconds   decimal.Decimal
	HedgeLatencyMs decimal.Decimal
	ExpectedValue decimal.Decimal
	BreakevenHours decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FundingCandle is an hourly-normalized historical rate/APY sample, unique on
// (Symbol, Venue, Timestamp).
type FundingCandle struct {
	Symbol    string
	Venue     string
	Timestamp time.Time
	Rate      decimal.Decimal
	APY       decimal.Decimal
}

// Opportunity is a ranked candidate produced by the opportunity engine.
type Opportunity struct {
	Symbol            string
	LongVenue         string
	ShortVenue        string
	APY               decimal.Decimal
	Spread            decimal.Decimal
	SuggestedQty      decimal.Decimal
	SuggestedNotional decimal.Decimal
	MidPrice          decimal.Decimal
	BreakevenHours    decimal.Decimal
	ExpectedValueUSD  decimal.Decimal
}
