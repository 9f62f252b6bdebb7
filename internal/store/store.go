// Package store is the durable record of trades, execution attempts,
// events, and funding (C4). An in-memory cache serves reads; a bounded
// write-behind queue serializes durability, except createTrade which
// commits synchronously so no order ever reaches an exchange without a
// matching row (spec §4.6).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
)

// Store is the concrete TradeStore.
type Store struct {
	db     *sql.DB
	queue  *writeQueue
	logger core.ILogger

	mu          sync.RWMutex
	trades      map[string]*domain.Trade // keyed by trade id
	openBySym   map[string]string        // symbol -> trade id, for unique-open enforcement

	openListMu     sync.Mutex
	openListCache  []*domain.Trade
	openListAt     time.Time
	openListTTL    time.Duration
}

// Config holds the subset of database.* settings the store needs.
type Config struct {
	Path              string
	WALMode           bool
	WriteBatchSize    int
	WriteQueueMaxSize int
	OpenTradesCacheTTL time.Duration
}

func Open(cfg Config, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite + WAL: one writer connection avoids SQLITE_BUSY storms

	if cfg.WALMode {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			return nil, fmt.Errorf("store: enable WAL: %w", err)
		}
	}

	if err := applyMigrations(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	batch := cfg.WriteBatchSize
	if batch <= 0 {
		batch = 50
	}
	capacity := cfg.WriteQueueMaxSize
	if capacity <= 0 {
		capacity = 1000
	}
	ttl := cfg.OpenTradesCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	s := &Store{
		db:          db,
		queue:       newWriteQueue(db, capacity, batch, time.Second, logger),
		logger:      logger.WithField("component", "store"),
		trades:      make(map[string]*domain.Trade),
		openBySym:   make(map[string]string),
		openListTTL: ttl,
	}

	if err := s.loadCache(); err != nil {
		return nil, fmt.Errorf("store: warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) loadCache() error {
	rows, err := s.db.Query(`SELECT id, symbol, long_venue, short_venue, target_qty, target_notional,
		entry_apy, entry_spread, status, exec_state, funding_collected, last_funding_update,
		realized_pnl, unrealized_pnl, high_water_mark, close_reason, created_at, opened_at, closed_at,
		leg_long_json, leg_short_json
		FROM trades WHERE status IN ('PENDING','OPENING','OPEN','CLOSING')`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return err
		}
		s.trades[t.ID] = t
		s.openBySym[t.Symbol] = t.ID
	}
	return rows.Err()
}

// CreateTrade persists a brand-new trade synchronously, bypassing the write
// queue entirely, and only then is it safe for the caller to place leg-1
// (spec §4.3, §4.6, §5 per-symbol uniqueness). Returns an error if a trade
// is already open for the symbol.
func (s *Store) CreateTrade(ctx context.Context, t *domain.Trade) error {
	s.mu.Lock()
	if existing, ok := s.openBySym[t.Symbol]; ok {
		s.mu.Unlock()
		return fmt.Errorf("store: symbol %s already has open trade %s", t.Symbol, existing)
	}
	s.mu.Unlock()

	if err := s.insertTradeRow(ctx, t); err != nil {
		return fmt.Errorf("store: create trade: %w", err)
	}

	s.mu.Lock()
	s.trades[t.ID] = t
	s.openBySym[t.Symbol] = t.ID
	s.mu.Unlock()
	s.invalidateOpenListCache()
	return nil
}

func (s *Store) insertTradeRow(ctx context.Context, t *domain.Trade) error {
	legLong, _ := json.Marshal(t.LegLong)
	legShort, _ := json.Marshal(t.LegShort)
	_, err := s.db.ExecContext(ctx, `INSERT INTO trades
		(id, symbol, long_venue, short_venue, target_qty, target_notional, entry_apy, entry_spread,
		 status, exec_state, funding_collected, last_funding_update, realized_pnl, unrealized_pnl,
		 high_water_mark, close_reason, created_at, opened_at, closed_at, leg_long_json, leg_short_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Symbol, t.LongVenue, t.ShortVenue, t.TargetQty.String(), t.TargetNotional.String(),
		t.EntryAPY.String(), t.EntrySpread.String(), string(t.Status), string(t.ExecState),
		t.FundingCollected.String(), isoOrNil(t.LastFundingUpdate), t.RealizedPnl.String(), t.UnrealizedPnl.String(),
		t.HighWaterMark.String(), t.CloseReason, t.CreatedAt.UTC().Format(time.RFC3339Nano),
		isoOrNil(t.OpenedAt), isoOrNil(t.ClosedAt), string(legLong), string(legShort))
	return err
}

// UpdateTrade queues a durable write-behind update of the trade's mutable
// fields. The in-memory cache is updated immediately so readers never see
// stale state even though the durable write lags.
func (s *Store) UpdateTrade(ctx context.Context, t *domain.Trade) error {
	s.mu.Lock()
	s.trades[t.ID] = t
	if t.Status == domain.TradeStatusClosed || t.Status == domain.TradeStatusFailed || t.Status == domain.TradeStatusRejected {
		delete(s.openBySym, t.Symbol)
	}
	s.mu.Unlock()
	s.invalidateOpenListCache()

	legLong, _ := json.Marshal(t.LegLong)
	legShort, _ := json.Marshal(t.LegShort)
	snapshot := *t
	s.queue.enqueue(writeOp{
		kind: opUpdateTrade,
		exec: func(tx *sql.Tx) error {
			_, err := tx.Exec(`UPDATE trades SET status=?, exec_state=?, funding_collected=?, last_funding_update=?,
				realized_pnl=?, unrealized_pnl=?, high_water_mark=?, close_reason=?, opened_at=?, closed_at=?,
				leg_long_json=?, leg_short_json=? WHERE id=?`,
				string(snapshot.Status), string(snapshot.ExecState), snapshot.FundingCollected.String(),
				isoOrNil(snapshot.LastFundingUpdate), snapshot.RealizedPnl.String(), snapshot.UnrealizedPnl.String(),
				snapshot.HighWaterMark.String(), snapshot.CloseReason, isoOrNil(snapshot.OpenedAt), isoOrNil(snapshot.ClosedAt),
				string(legLong), string(legShort), snapshot.ID)
			return err
		},
	})
	return nil
}

// GetTrade returns the cached trade, or nil if not found.
func (s *Store) GetTrade(id string) *domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trades[id]
}

// GetOpenTradeForSymbol enforces spec §5's uniqueness rule for callers that
// need to know whether a symbol already has an in-flight trade.
func (s *Store) GetOpenTradeForSymbol(symbol string) *domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openBySym[symbol]
	if !ok {
		return nil
	}
	return s.trades[id]
}

// ListOpenTrades is TTL-cached (default 5s) so the heartbeat/position loop
// doesn't pay a map-copy or query on every tick (spec §4.6).
func (s *Store) ListOpenTrades() []*domain.Trade {
	s.openListMu.Lock()
	defer s.openListMu.Unlock()

	if time.Since(s.openListAt) < s.openListTTL && s.openListCache != nil {
		return s.openListCache
	}

	s.mu.RLock()
	out := make([]*domain.Trade, 0, len(s.openBySym))
	for _, id := range s.openBySym {
		out = append(out, s.trades[id])
	}
	s.mu.RUnlock()

	s.openListCache = out
	s.openListAt = time.Now()
	return out
}

func (s *Store) invalidateOpenListCache() {
	s.openListMu.Lock()
	s.openListCache = nil
	s.openListMu.Unlock()
}

// AppendEvent queues an append-only trade event row.
func (s *Store) AppendEvent(tradeID string, ev domain.TradeEvent) {
	s.queue.enqueue(writeOp{
		kind: opAppendEvent,
		exec: func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO trade_events (trade_id, at, kind, message) VALUES (?,?,?,?)`,
				tradeID, ev.At.UTC().Format(time.RFC3339Nano), ev.Kind, ev.Message)
			return err
		},
	})
}

// AppendFundingEvent queues a funding settlement row.
func (s *Store) AppendFundingEvent(ev domain.FundingEvent) {
	s.queue.enqueue(writeOp{
		kind: opAppendFunding,
		exec: func(tx *sql.Tx) error {
			legacy := 0
			if ev.Legacy {
				legacy = 1
			}
			_, err := tx.Exec(`INSERT INTO funding_events (trade_id, venue, amount, timestamp, legacy) VALUES (?,?,?,?,?)`,
				ev.TradeID, ev.Venue, ev.Amount.String(), ev.Timestamp.UTC().Format(time.RFC3339Nano), legacy)
			return err
		},
	})
}

// SumRealizedFunding returns the persisted sum of non-legacy funding events
// for (tradeID, venue), used as the baseline for idempotent delta
// accounting (spec §4.5, §8 property 6, §9 open question 3).
func (s *Store) SumRealizedFunding(ctx context.Context, tradeID, venue string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM funding_events WHERE trade_id=? AND venue=? AND legacy=0`, tradeID, venue)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	sum := decimal.Zero
	for rows.Next() {
		var amtStr string
		if err := rows.Scan(&amtStr); err != nil {
			return decimal.Zero, err
		}
		amt, err := decimal.NewFromString(amtStr)
		if err != nil {
			continue
		}
		sum = sum.Add(amt)
	}
	return sum, rows.Err()
}

// UpsertAttempt queues an execution-attempt KPI row write.
func (s *Store) UpsertAttempt(a domain.ExecutionAttempt) {
	s.queue.enqueue(writeOp{
		kind: opUpsertAttempt,
		exec: func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO execution_attempts
				(attempt_id, trade_id, symbol, mode, status, stage, reason, entry_spread, exit_spread,
				 slippage_bps, fill_seconds, hedge_latency_ms, expected_value, breakeven_hours, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
				ON CONFLICT(attempt_id) DO UPDATE SET
					trade_id=excluded.trade_id, status=excluded.status, stage=excluded.stage, reason=excluded.reason,
					exit_spread=excluded.exit_spread, slippage_bps=excluded.slippage_bps, fill_seconds=excluded.fill_seconds,
					hedge_latency_ms=excluded.hedge_latency_ms, expected_value=excluded.expected_value,
					breakeven_hours=excluded.breakeven_hours, updated_at=excluded.updated_at`,
				a.AttemptID, nullIfEmpty(a.TradeID), a.Symbol, string(a.Mode), string(a.Status), a.Stage, a.Reason,
				a.EntrySpread.String(), a.ExitSpread.String(), a.SlippageBps.String(), a.FillSeconds.String(),
				a.HedgeLatencyMs.String(), a.ExpectedValue.String(), a.BreakevenHours.String(),
				a.CreatedAt.UTC().Format(time.RFC3339Nano), a.UpdatedAt.UTC().Format(time.RFC3339Nano))
			return err
		},
	})
}

// UpsertFundingCandle queues an hourly-normalized historical rate/APY row.
func (s *Store) UpsertFundingCandle(c domain.FundingCandle) {
	s.queue.enqueue(writeOp{
		kind: opUpsertCandle,
		exec: func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO funding_candles (symbol, venue, timestamp, rate, apy) VALUES (?,?,?,?,?)
				ON CONFLICT(symbol, venue, timestamp) DO UPDATE SET rate=excluded.rate, apy=excluded.apy`,
				c.Symbol, c.Venue, c.Timestamp.UTC().Format(time.RFC3339Nano), c.Rate.String(), c.APY.String())
			return err
		},
	})
}

// FundingCandles returns stored candles for a symbol/venue within a lookback
// window, oldest first, used by the opportunity engine and the exit-rule
// Z-score/velocity evaluators.
func (s *Store) FundingCandles(ctx context.Context, symbol, venue string, since time.Time) ([]domain.FundingCandle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, venue, timestamp, rate, apy FROM funding_candles
		WHERE symbol=? AND venue=? AND timestamp >= ? ORDER BY timestamp ASC`,
		symbol, venue, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FundingCandle
	for rows.Next() {
		var c domain.FundingCandle
		var ts, rate, apy string
		if err := rows.Scan(&c.Symbol, &c.Venue, &ts, &rate, &apy); err != nil {
			return nil, err
		}
		c.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		c.Rate, _ = decimal.NewFromString(rate)
		c.APY, _ = decimal.NewFromString(apy)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Shutdown drains the write queue (§4.6: losing queued writes is
// unacceptable) and closes the database handle.
func (s *Store) Shutdown(ctx context.Context) error {
	s.queue.shutdown(ctx)
	return s.db.Close()
}

// QueueDepth exposes the current write-behind backlog for observability.
func (s *Store) QueueDepth() int {
	return len(s.queue.ch)
}

// Stats is a Control Surface read for `/status` and `/pnl`: an in-memory
// rollup over every held trade, not a query, so it never competes with the
// write-behind queue for the database handle.
type Stats struct {
	OpenTradeCount     int
	TotalUnrealizedPnl decimal.Decimal
	TotalRealizedPnl   decimal.Decimal
	TotalFundingCollected decimal.Decimal
	WriteQueueDepth    int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{WriteQueueDepth: s.QueueDepth()}
	for _, id := range s.openBySym {
		t := s.trades[id]
		if t == nil {
			continue
		}
		stats.OpenTradeCount++
		stats.TotalUnrealizedPnl = stats.TotalUnrealizedPnl.Add(t.UnrealizedPnl)
		stats.TotalRealizedPnl = stats.TotalRealizedPnl.Add(t.RealizedPnl)
		stats.TotalFundingCollected = stats.TotalFundingCollected.Add(t.FundingCollected)
	}
	return stats
}

func isoOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowsScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(rows rowsScanner) (*domain.Trade, error) {
	var t domain.Trade
	var targetQty, targetNotional, entryAPY, entrySpread, fundingCollected, realizedPnl, unrealizedPnl, highWaterMark string
	var lastFundingUpdate, closeReason, openedAt, closedAt, legLongJSON, legShortJSON sql.NullString
	var createdAt string
	var status, execState string

	if err := rows.Scan(&t.ID, &t.Symbol, &t.LongVenue, &t.ShortVenue, &targetQty, &targetNotional,
		&entryAPY, &entrySpread, &status, &execState, &fundingCollected, &lastFundingUpdate,
		&realizedPnl, &unrealizedPnl, &highWaterMark, &closeReason, &createdAt, &openedAt, &closedAt,
		&legLongJSON, &legShortJSON); err != nil {
		return nil, err
	}

	t.Status = domain.TradeStatus(status)
	t.ExecState = domain.ExecutionState(execState)
	t.TargetQty, _ = decimal.NewFromString(targetQty)
	t.TargetNotional, _ = decimal.NewFromString(targetNotional)
	t.EntryAPY, _ = decimal.NewFromString(entryAPY)
	t.EntrySpread, _ = decimal.NewFromString(entrySpread)
	t.FundingCollected, _ = decimal.NewFromString(fundingCollected)
	t.RealizedPnl, _ = decimal.NewFromString(realizedPnl)
	t.UnrealizedPnl, _ = decimal.NewFromString(unrealizedPnl)
	t.HighWaterMark, _ = decimal.NewFromString(highWaterMark)
	t.CloseReason = closeReason.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastFundingUpdate.Valid {
		t.LastFundingUpdate, _ = time.Parse(time.RFC3339Nano, lastFundingUpdate.String)
	}
	if openedAt.Valid {
		t.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt.String)
	}
	if closedAt.Valid {
		t.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt.String)
	}
	if legLongJSON.Valid {
		var leg domain.TradeLeg
		if err := json.Unmarshal([]byte(legLongJSON.String), &leg); err == nil {
			t.LegLong = &leg
		}
	}
	if legShortJSON.Valid {
		var leg domain.TradeLeg
		if err := json.Unmarshal([]byte(legShortJSON.String), &leg); err == nil {
			t.LegShort = &leg
		}
	}
	return &t, nil
}
