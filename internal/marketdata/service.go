// Package marketdata is MarketDataService (C3): it unifies both venues'
// prices, funding rates, and L1/depth behind one per-(venue,symbol) cache,
// batch-refreshes on an interval, tracks staleness, and exposes "fresh"
// accessors that force a synchronous refresh when the cache has gone stale.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/exchange"
	"fundingarb/internal/orderbook"
)

func errUnknownVenue(venue string) error { return fmt.Errorf("marketdata: unknown venue %q", venue) }
func errEmptyBook(venue, symbol string) error {
	return fmt.Errorf("marketdata: empty orderbook for %s on %s", symbol, venue)
}

// entry is the cached state for one (venue, symbol) pair.
type entry struct {
	market      domain.MarketInfo
	fundingRate domain.FundingRate
	marketAt    time.Time
	fundingAt   time.Time
}

// Service fans out REST refreshes across venues/symbols with errgroup and
// layers a local Book per venue/symbol fed by streaming orderbook updates.
type Service struct {
	ports   map[string]exchange.Port // venue -> port
	symbols []string
	staleAfter time.Duration
	logger  core.ILogger

	booksMu sync.Mutex
	books   map[string]*orderbook.Registry // venue -> registry

	mu      sync.RWMutex
	entries map[string]*entry // key: venue+"|"+symbol
}

func New(ports map[string]exchange.Port, symbols []string, staleAfter time.Duration, logger core.ILogger) *Service {
	return &Service{
		ports:      ports,
		symbols:    symbols,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "marketdata"),
		entries:    make(map[string]*entry),
		books:      make(map[string]*orderbook.Registry),
	}
}

func key(venue, symbol string) string { return venue + "|" + symbol }

// Start launches one orderbook-subscription goroutine per (venue, symbol)
// and an initial batch refresh of market info and funding rates.
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for venue, port := range s.ports {
		venue, port := venue, port
		for _, symbol := range s.symbols {
			symbol := symbol
			g.Go(func() error {
				return s.refreshOne(gctx, venue, port, symbol)
			})
			g.Go(func() error {
				return s.streamOrderbook(gctx, venue, port, symbol)
			})
		}
	}

	return g.Wait()
}

// RunBatchRefresh periodically re-fetches market info and funding rate for
// every (venue, symbol) pair, tolerating individual failures without
// aborting the batch (spec §4.1 "batch-refresh + freshness tracking").
func (s *Service) RunBatchRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g, gctx := errgroup.WithContext(ctx)
			for venue, port := range s.ports {
				venue, port := venue, port
				for _, symbol := range s.symbols {
					symbol := symbol
					g.Go(func() error {
						if err := s.refreshOne(gctx, venue, port, symbol); err != nil {
							s.logger.Warn("batch refresh failed", "venue", venue, "symbol", symbol, "error", err)
						}
						return nil // never abort the whole batch on one venue's failure
					})
				}
			}
			_ = g.Wait()
		}
	}
}

func (s *Service) refreshOne(ctx context.Context, venue string, port exchange.Port, symbol string) error {
	market, err := port.GetMarketInfo(ctx, symbol)
	if err != nil {
		return err
	}
	rate, err := port.GetFundingRate(ctx, symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[key(venue, symbol)]
	if !ok {
		e = &entry{}
		s.entries[key(venue, symbol)] = e
	}
	now := time.Now()
	e.market = market
	e.marketAt = now
	e.fundingRate = rate
	e.fundingAt = now
	s.mu.Unlock()
	return nil
}

func (s *Service) streamOrderbook(ctx context.Context, venue string, port exchange.Port, symbol string) error {
	book := s.BookFor(venue, symbol)
	ch, err := port.SubscribeOrderbook(ctx, symbol)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			// The port stream is L1-only, so each tick is a full replace
			// rather than a nonce-chained delta; the gap-detection path in
			// Book is exercised by venues whose WS feed carries depth+nonce.
			book.ApplySnapshot(orderbook.Snapshot{
				Bids: []orderbook.Level{{Price: snap.BestBid, Size: snap.BestBidQty}},
				Asks: []orderbook.Level{{Price: snap.BestAsk, Size: snap.BestAskQty}},
			})
		}
	}
}

// BookFor lazily creates (and memoizes) a per-(venue,symbol) local orderbook.
func (s *Service) BookFor(venue, symbol string) *orderbook.Book {
	s.booksMu.Lock()
	reg, ok := s.books[venue]
	if !ok {
		reg = orderbook.NewRegistry(venue, s.logger)
		s.books[venue] = reg
	}
	s.booksMu.Unlock()
	return reg.BookFor(symbol)
}

// MarketInfo returns the cached market info without forcing a refresh.
func (s *Service) MarketInfo(venue, symbol string) (domain.MarketInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key(venue, symbol)]
	if !ok {
		return domain.MarketInfo{}, false
	}
	return e.market, true
}

// FundingRate returns the cached funding rate without forcing a refresh.
func (s *Service) FundingRate(venue, symbol string) (domain.FundingRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key(venue, symbol)]
	if !ok {
		return domain.FundingRate{}, false
	}
	return e.fundingRate, true
}

// IsStale reports whether the cached entry for (venue, symbol) is older
// than staleAfter, or missing entirely.
func (s *Service) IsStale(venue, symbol string) bool {
	s.mu.RLock()
	e, ok := s.entries[key(venue, symbol)]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	return time.Since(e.marketAt) > s.staleAfter || time.Since(e.fundingAt) > s.staleAfter
}

// FreshFundingRate forces a synchronous refresh before returning, used by
// callers (opportunity scoring, exit-rule evaluation) that cannot tolerate
// a stale read (spec §4.1 "fresh accessors that force a refresh").
func (s *Service) FreshFundingRate(ctx context.Context, venue, symbol string) (domain.FundingRate, error) {
	port, ok := s.ports[venue]
	if !ok {
		return domain.FundingRate{}, errUnknownVenue(venue)
	}
	if err := s.refreshOne(ctx, venue, port, symbol); err != nil {
		return domain.FundingRate{}, err
	}
	rate, _ := s.FundingRate(venue, symbol)
	return rate, nil
}

// FreshMarketInfo forces a synchronous refresh before returning.
func (s *Service) FreshMarketInfo(ctx context.Context, venue, symbol string) (domain.MarketInfo, error) {
	port, ok := s.ports[venue]
	if !ok {
		return domain.MarketInfo{}, errUnknownVenue(venue)
	}
	if err := s.refreshOne(ctx, venue, port, symbol); err != nil {
		return domain.MarketInfo{}, err
	}
	market, _ := s.MarketInfo(venue, symbol)
	return market, nil
}

// EffectiveBidAsk returns the dust-filtered top of book for (venue, symbol)
// from the local streamed orderbook, falling back to a REST depth fetch if
// the local book has not synced yet.
func (s *Service) EffectiveBidAsk(ctx context.Context, venue, symbol string, minNotional decimal.Decimal) (bid, bidQty, ask, askQty decimal.Decimal, err error) {
	book := s.BookFor(venue, symbol)
	if book.Synced() {
		b, bq, a, aq, ok := book.EffectiveBidAsk(minNotional)
		if ok {
			return b, bq, a, aq, nil
		}
	}

	port, ok := s.ports[venue]
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, errUnknownVenue(venue)
	}
	snap, err := port.GetOrderbookDepth(ctx, symbol, 10)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, errEmptyBook(venue, symbol)
	}
	return snap.Bids[0].Price, snap.Bids[0].Qty, snap.Asks[0].Price, snap.Asks[0].Qty, nil
}
