// Package orderbook maintains a per-(symbol, venue) local order book kept in
// sync from a venue's snapshot+incremental stream, with nonce/offset gap
// detection and resync (spec §4.2). The book is owned exclusively by its
// ExchangePort's stream consumer; nothing outside that goroutine mutates it.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/core"
)

// maxLevelsPerSide bounds retained price levels; worst-priced levels are
// evicted on overflow to keep memory flat regardless of venue book depth.
const maxLevelsPerSide = 200

// initialSyncGrace is the window after connect during which a nonce
// discontinuity is treated as expected catch-up noise rather than a gap.
const initialSyncGrace = 10 * time.Second

// Update is one incremental book delta from the venue stream.
type Update struct {
	BeginNonce int64
	Offset     int64
	Bids       []Level
	Asks       []Level
}

// Snapshot is a full book replace.
type Snapshot struct {
	Nonce int64
	Offset int64
	Bids  []Level
	Asks  []Level
}

// Level is one price/size pair; Size == 0 means "remove this level".
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Book is a single symbol's local order book.
type Book struct {
	Symbol string
	Venue  string

	mu         sync.RWMutex
	bids       map[string]decimal.Decimal // price.String() -> size
	asks       map[string]decimal.Decimal
	lastNonce  int64
	lastOffset int64
	synced     bool
	connectedAt time.Time

	logger core.ILogger
}

// NewBook creates an unsynced book; it becomes synced after the first
// snapshot is applied.
func NewBook(symbol, venue string, logger core.ILogger) *Book {
	return &Book{
		Symbol: symbol, Venue: venue,
		bids: make(map[string]decimal.Decimal), asks: make(map[string]decimal.Decimal),
		connectedAt: time.Now(),
		logger:      logger.WithField("symbol", symbol).WithField("venue", venue),
	}
}

// ApplySnapshot clears and replaces book state.
func (b *Book) ApplySnapshot(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal, len(s.Bids))
	b.asks = make(map[string]decimal.Decimal, len(s.Asks))
	for _, l := range s.Bids {
		b.bids[l.Price.String()] = l.Size
	}
	for _, l := range s.Asks {
		b.asks[l.Price.String()] = l.Size
	}
	b.lastNonce = s.Nonce
	b.lastOffset = s.Offset
	b.synced = true
	b.connectedAt = time.Now()
	b.evict()
}

// ApplyUpdate validates and applies one incremental message. It returns
// false (and marks the book unsynced) when a gap is detected, signalling
// the caller to request a fresh snapshot.
func (b *Book) ApplyUpdate(u Update) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return false
	}

	if u.BeginNonce != b.lastNonce {
		if time.Since(b.connectedAt) < initialSyncGrace {
			b.logger.Warn("nonce discontinuity during initial sync grace, resetting", "expected", b.lastNonce, "got", u.BeginNonce)
			b.lastNonce = u.BeginNonce
		} else {
			b.logger.Warn("orderbook gap detected, marking unsynced", "expected", b.lastNonce, "got", u.BeginNonce)
			b.synced = false
			return false
		}
	}

	if u.Offset <= b.lastOffset {
		// Duplicate or stale message; silently discarded per spec.
		return true
	}
	if u.Offset > b.lastOffset+1 {
		b.logger.Debug("orderbook offset jump accepted", "last_offset", b.lastOffset, "new_offset", u.Offset)
	}
	b.lastOffset = u.Offset

	for _, l := range u.Bids {
		b.applyLevel(b.bids, l)
	}
	for _, l := range u.Asks {
		b.applyLevel(b.asks, l)
	}
	b.lastNonce = u.BeginNonce + 1

	if !b.integrityOK() {
		b.logger.Warn("orderbook crossed (best_bid > best_ask), marking unsynced")
		b.synced = false
		return false
	}

	b.evict()
	return true
}

func (b *Book) applyLevel(side map[string]decimal.Decimal, l Level) {
	if l.Size.IsZero() {
		delete(side, l.Price.String())
		return
	}
	side[l.Price.String()] = l.Size
}

// integrityOK checks best_bid <= best_ask + epsilon. Must be called with
// b.mu held.
func (b *Book) integrityOK() bool {
	bid, _, bidOK := b.bestBidLocked()
	ask, _, askOK := b.bestAskLocked()
	if !bidOK || !askOK {
		return true // one-sided book during warmup is not a crossed book
	}
	const epsilon = "0.00000001"
	eps, _ := decimal.NewFromString(epsilon)
	return bid.LessThanOrEqual(ask.Add(eps))
}

// evict drops the worst-priced levels past maxLevelsPerSide. Must be called
// with b.mu held.
func (b *Book) evict() {
	evictSide(b.bids, maxLevelsPerSide, true)
	evictSide(b.asks, maxLevelsPerSide, false)
}

func evictSide(side map[string]decimal.Decimal, max int, descending bool) {
	if len(side) <= max {
		return
	}
	prices := make([]decimal.Decimal, 0, len(side))
	for k := range side {
		d, _ := decimal.NewFromString(k)
		prices = append(prices, d)
	}
	sort.Slice(prices, func(i, j int) bool {
		if descending {
			return prices[i].GreaterThan(prices[j])
		}
		return prices[i].LessThan(prices[j])
	})
	for _, p := range prices[max:] {
		delete(side, p.String())
	}
}

// Synced reports whether the book is currently considered reliable.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

func (b *Book) bestBidLocked() (price, size decimal.Decimal, ok bool) {
	return bestOf(b.bids, true)
}

func (b *Book) bestAskLocked() (price, size decimal.Decimal, ok bool) {
	return bestOf(b.asks, false)
}

func bestOf(side map[string]decimal.Decimal, highest bool) (decimal.Decimal, decimal.Decimal, bool) {
	var best decimal.Decimal
	var bestSize decimal.Decimal
	found := false
	for k, size := range side {
		if size.IsZero() {
			continue
		}
		p, err := decimal.NewFromString(k)
		if err != nil {
			continue
		}
		if !found || (highest && p.GreaterThan(best)) || (!highest && p.LessThan(best)) {
			best = p
			bestSize = size
			found = true
		}
	}
	return best, bestSize, found
}

// BestBidAsk returns the raw top-of-book.
func (b *Book) BestBidAsk() (bid, bidQty, ask, askQty decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bidP, bidQ, bidOK := b.bestBidLocked()
	askP, askQ, askOK := b.bestAskLocked()
	return bidP, bidQ, askP, askQ, bidOK && askOK
}

// EffectiveBidAsk returns the first bid/ask level on each side whose
// notional (price*qty) is at least minNotional, falling back to the raw
// best level if every level on a side is dust (spec §4.2).
func (b *Book) EffectiveBidAsk(minNotional decimal.Decimal) (bid, bidQty, ask, askQty decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bidP, bidQ, bidOK := effectiveOf(b.bids, true, minNotional)
	askP, askQ, askOK := effectiveOf(b.asks, false, minNotional)
	return bidP, bidQ, askP, askQ, bidOK && askOK
}

func effectiveOf(side map[string]decimal.Decimal, highest bool, minNotional decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	type lvl struct {
		price decimal.Decimal
		size  decimal.Decimal
	}
	levels := make([]lvl, 0, len(side))
	for k, size := range side {
		if size.IsZero() {
			continue
		}
		p, err := decimal.NewFromString(k)
		if err != nil {
			continue
		}
		levels = append(levels, lvl{price: p, size: size})
	}
	if len(levels) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	sort.Slice(levels, func(i, j int) bool {
		if highest {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})
	for _, l := range levels {
		if l.price.Mul(l.size).GreaterThanOrEqual(minNotional) {
			return l.price, l.size, true
		}
	}
	// Every level is dust: fall back to the raw best.
	return levels[0].price, levels[0].size, true
}

// Depth returns up to `levels` price/size pairs per side, best first.
func (b *Book) Depth(levels int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return depthOf(b.bids, true, levels), depthOf(b.asks, false, levels)
}

func depthOf(side map[string]decimal.Decimal, highest bool, max int) []Level {
	out := make([]Level, 0, len(side))
	for k, size := range side {
		if size.IsZero() {
			continue
		}
		p, err := decimal.NewFromString(k)
		if err != nil {
			continue
		}
		out = append(out, Level{Price: p, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if highest {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Registry keeps one Book per symbol for a venue adapter.
type Registry struct {
	mu     sync.RWMutex
	books  map[string]*Book
	logger core.ILogger
	venue  string
}

func NewRegistry(venue string, logger core.ILogger) *Registry {
	return &Registry{books: make(map[string]*Book), logger: logger, venue: venue}
}

// BookFor returns the book for a symbol, creating it on first access.
func (r *Registry) BookFor(symbol string) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[symbol]
	if !ok {
		b = NewBook(symbol, r.venue, r.logger)
		r.books[symbol] = b
	}
	return b
}
