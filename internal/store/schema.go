package store

import "database/sql"

const currentSchemaVersion = 1

// migrations are applied additively on startup, in order, starting from the
// version found in schema_version (spec §4.6/§6). Never rewrite a past
// migration; append a new one instead.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`,

	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		target_qty TEXT NOT NULL,
		target_notional TEXT NOT NULL,
		entry_apy TEXT NOT NULL,
		entry_spread TEXT NOT NULL,
		status TEXT NOT NULL,
		exec_state TEXT NOT NULL,
		funding_collected TEXT NOT NULL,
		last_funding_update TEXT,
		realized_pnl TEXT NOT NULL,
		unrealized_pnl TEXT NOT NULL,
		high_water_mark TEXT NOT NULL,
		close_reason TEXT,
		created_at TEXT NOT NULL,
		opened_at TEXT,
		closed_at TEXT,
		leg_long_json TEXT,
		leg_short_json TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);`,

	`CREATE TABLE IF NOT EXISTS trade_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL,
		at TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_trade_events_trade_id ON trade_events(trade_id);`,

	`CREATE TABLE IF NOT EXISTS funding_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL,
		venue TEXT NOT NULL,
		amount TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		legacy INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_funding_events_trade_id ON funding_events(trade_id, venue);`,

	`CREATE TABLE IF NOT EXISTS execution_attempts (
		attempt_id TEXT PRIMARY KEY,
		trade_id TEXT,
		symbol TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT,
		reason TEXT,
		entry_spread TEXT,
		exit_spread TEXT,
		slippage_bps TEXT,
		fill_seconds TEXT,
		hedge_latency_ms TEXT,
		expected_value TEXT,
		breakeven_hours TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_execution_attempts_symbol ON execution_attempts(symbol, created_at);`,

	`CREATE TABLE IF NOT EXISTS funding_candles (
		symbol TEXT NOT NULL,
		venue TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		rate TEXT NOT NULL,
		apy TEXT NOT NULL,
		PRIMARY KEY (symbol, venue, timestamp)
	);`,
}

func applyMigrations(db *sql.DB) error {
	var version int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	err := row.Scan(&version)

	for i, stmt := range migrations {
		if i == 0 {
			if _, execErr := db.Exec(stmt); execErr != nil {
				return execErr
			}
			continue
		}
		if err == nil && i <= version {
			continue
		}
		if _, execErr := db.Exec(stmt); execErr != nil {
			return execErr
		}
	}

	if err != nil {
		if _, execErr := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, currentSchemaVersion); execErr != nil {
			return execErr
		}
	} else if version < currentSchemaVersion {
		if _, execErr := db.Exec(`UPDATE schema_version SET version = ?`, currentSchemaVersion); execErr != nil {
			return execErr
		}
	}
	return nil
}
