// Package store persists bot state in a single SQLite database: orders,
// fills, grid rebuilds, equity snapshots, operational events, and the active
// profile configuration. Writes are committed before the call returns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"
)

// Store wraps the SQLite connection.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (or opens) the database at path and ensures the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("state store initialized", zap.String("path", path))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			grid_spacing REAL NOT NULL,
			target_levels INTEGER NOT NULL,
			profit_target REAL NOT NULL,
			max_exposure_pct REAL NOT NULL,
			leverage INTEGER NOT NULL,
			is_active INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS grid_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			center_price REAL NOT NULL,
			lowest_buy REAL NOT NULL,
			highest_sell REAL NOT NULL,
			num_buy_levels INTEGER NOT NULL,
			num_sell_levels INTEGER NOT NULL,
			grid_spacing REAL NOT NULL,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT UNIQUE NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			order_type TEXT NOT NULL,
			status TEXT NOT NULL,
			grid_level INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			filled_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT UNIQUE,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			fee REAL NOT NULL,
			fee_currency TEXT NOT NULL,
			is_maker INTEGER NOT NULL,
			grid_level INTEGER,
			executed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			total_equity REAL NOT NULL,
			available_balance REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			total_positions_value REAL NOT NULL,
			snapshot_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pnl_summary (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			period TEXT NOT NULL,
			realized_pnl REAL NOT NULL,
			total_trades INTEGER NOT NULL,
			total_fees REAL NOT NULL,
			calculated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// sqliteTime renders t in the same format CURRENT_TIMESTAMP uses, so range
// comparisons against default-stamped columns stay lexicographic.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// OrderRecord is one persisted order row.
type OrderRecord struct {
	OrderID   string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	OrderType string
	Status    string
	GridLevel int
}

// SaveOrder inserts an order; duplicates by order_id are silently ignored.
func (s *Store) SaveOrder(ctx context.Context, o OrderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO orders (order_id, symbol, side, price, qty, order_type, status, grid_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.Symbol, o.Side, o.Price, o.Qty, o.OrderType, o.Status, o.GridLevel)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.OrderID, err)
	}
	return nil
}

// UpdateOrderStatus marks an order's status, optionally stamping a fill time.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string, filledAt *time.Time) error {
	var err error
	if filledAt != nil {
		_, err = s.db.ExecContext(ctx,
			"UPDATE orders SET status = ?, filled_at = ? WHERE order_id = ?",
			status, sqliteTime(*filledAt), orderID)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE orders SET status = ? WHERE order_id = ?", status, orderID)
	}
	if err != nil {
		return fmt.Errorf("update order %s status: %w", orderID, err)
	}
	return nil
}

// GetActiveOrders returns persisted orders still resting, lowest price first.
func (s *Store) GetActiveOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, side, price, qty, order_type, status, COALESCE(grid_level, 0)
		FROM orders WHERE status IN ('New', 'PartiallyFilled') ORDER BY price ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.Price, &o.Qty, &o.OrderType, &o.Status, &o.GridLevel); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// TradeRecord is one persisted fill.
type TradeRecord struct {
	TradeID     string
	OrderID     string
	Symbol      string
	Side        string
	Price       float64
	Qty         float64
	Fee         float64
	FeeCurrency string
	IsMaker     bool
	GridLevel   int
}

// SaveTrade inserts a fill and reports whether it was new. Duplicate
// executions (same trade_id) return false so the fill monitor can skip
// already-processed fills.
func (s *Store) SaveTrade(ctx context.Context, t TradeRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (trade_id, order_id, symbol, side, price, qty, fee, fee_currency, is_maker, grid_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.FeeCurrency, t.IsMaker, t.GridLevel)
	if err != nil {
		return false, fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetTradeCount returns the number of fills in the last N hours.
func (s *Store) GetTradeCount(ctx context.Context, hours int) (int, error) {
	cutoff := sqliteTime(time.Now().Add(-time.Duration(hours) * time.Hour))
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM trades WHERE executed_at >= ?", cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}

// GridSnapshot is one grid rebuild, persisted for history and recovery.
type GridSnapshot struct {
	CenterPrice   float64
	LowestBuy     float64
	HighestSell   float64
	NumBuyLevels  int
	NumSellLevels int
	GridSpacing   float64
	Reason        string
}

// SaveGridHistory appends a grid rebuild record.
func (s *Store) SaveGridHistory(ctx context.Context, g GridSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grid_history (center_price, lowest_buy, highest_sell, num_buy_levels, num_sell_levels, grid_spacing, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.CenterPrice, g.LowestBuy, g.HighestSell, g.NumBuyLevels, g.NumSellLevels, g.GridSpacing, g.Reason)
	if err != nil {
		return fmt.Errorf("save grid history: %w", err)
	}
	return nil
}

// GetLatestGrid returns the most recent grid snapshot, or nil if none exists.
func (s *Store) GetLatestGrid(ctx context.Context) (*GridSnapshot, error) {
	var g GridSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT center_price, lowest_buy, highest_sell, num_buy_levels, num_sell_levels, grid_spacing, COALESCE(reason, '')
		FROM grid_history ORDER BY id DESC LIMIT 1`).
		Scan(&g.CenterPrice, &g.LowestBuy, &g.HighestSell, &g.NumBuyLevels, &g.NumSellLevels, &g.GridSpacing, &g.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest grid: %w", err)
	}
	return &g, nil
}

// EquitySnapshot is a point-in-time account state for reporting.
type EquitySnapshot struct {
	TotalEquity         float64
	AvailableBalance    float64
	UnrealizedPnL       float64
	TotalPositionsValue float64
}

// SaveEquitySnapshot appends an equity snapshot.
func (s *Store) SaveEquitySnapshot(ctx context.Context, e EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (total_equity, available_balance, unrealized_pnl, total_positions_value)
		VALUES (?, ?, ?, ?)`,
		e.TotalEquity, e.AvailableBalance, e.UnrealizedPnL, e.TotalPositionsValue)
	if err != nil {
		return fmt.Errorf("save equity snapshot: %w", err)
	}
	return nil
}

// GetEquitySnapshots returns snapshots from the last N hours, oldest first.
func (s *Store) GetEquitySnapshots(ctx context.Context, hours int) ([]EquitySnapshot, error) {
	cutoff := sqliteTime(time.Now().Add(-time.Duration(hours) * time.Hour))
	rows, err := s.db.QueryContext(ctx, `
		SELECT total_equity, available_balance, unrealized_pnl, total_positions_value
		FROM equity_snapshots WHERE snapshot_at >= ? ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(&e.TotalEquity, &e.AvailableBalance, &e.UnrealizedPnL, &e.TotalPositionsValue); err != nil {
			return nil, fmt.Errorf("scan equity snapshot: %w", err)
		}
		snaps = append(snaps, e)
	}
	return snaps, rows.Err()
}

// LogEvent records an operational event (recenter, kill-switch, breach).
func (s *Store) LogEvent(ctx context.Context, eventType, severity, message string, details map[string]any) error {
	var detailsJSON any
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		detailsJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (event_type, severity, message, details) VALUES (?, ?, ?, ?)",
		eventType, severity, message, detailsJSON)
	if err != nil {
		return fmt.Errorf("log event %s: %w", eventType, err)
	}
	return nil
}

// Event is one persisted operational event.
type Event struct {
	Type     string
	Severity string
	Message  string
	Details  map[string]any
}

// GetRecentEvents returns up to limit events from the last N hours, newest
// first.
func (s *Store) GetRecentEvents(ctx context.Context, hours, limit int) ([]Event, error) {
	cutoff := sqliteTime(time.Now().Add(-time.Duration(hours) * time.Hour))
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, severity, message, COALESCE(details, '')
		FROM events WHERE created_at >= ? ORDER BY id DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var details string
		if err := rows.Scan(&ev.Type, &ev.Severity, &ev.Message, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if details != "" {
			_ = json.Unmarshal([]byte(details), &ev.Details)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ConfigRecord is the persisted active trading configuration.
type ConfigRecord struct {
	ProfileName    string
	Symbol         string
	GridSpacing    float64
	TargetLevels   int
	ProfitTarget   float64
	MaxExposurePct float64
	Leverage       int
}

// SaveConfig stores a new active configuration, deactivating prior rows.
func (s *Store) SaveConfig(ctx context.Context, c ConfigRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin config tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE config SET is_active = 0"); err != nil {
		return fmt.Errorf("deactivate configs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO config (profile_name, symbol, grid_spacing, target_levels, profit_target, max_exposure_pct, leverage, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		c.ProfileName, c.Symbol, c.GridSpacing, c.TargetLevels, c.ProfitTarget, c.MaxExposurePct, c.Leverage)
	if err != nil {
		return fmt.Errorf("insert config: %w", err)
	}
	return tx.Commit()
}

// GetActiveConfig returns the active configuration, or nil if none saved yet.
func (s *Store) GetActiveConfig(ctx context.Context) (*ConfigRecord, error) {
	var c ConfigRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_name, symbol, grid_spacing, target_levels, profit_target, max_exposure_pct, leverage
		FROM config WHERE is_active = 1 ORDER BY id DESC LIMIT 1`).
		Scan(&c.ProfileName, &c.Symbol, &c.GridSpacing, &c.TargetLevels, &c.ProfitTarget, &c.MaxExposurePct, &c.Leverage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active config: %w", err)
	}
	return &c, nil
}

// CalcAndSavePnL aggregates fills over a period ("24h", "7d", "30d") into the
// pnl_summary table.
func (s *Store) CalcAndSavePnL(ctx context.Context, period string) error {
	hours := map[string]int{"24h": 24, "7d": 168, "30d": 720}[period]
	if hours == 0 {
		return fmt.Errorf("unknown pnl period %q", period)
	}
	cutoff := sqliteTime(time.Now().Add(-time.Duration(hours) * time.Hour))

	var trades int
	var fees sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(fee) FROM trades WHERE executed_at >= ?", cutoff).
		Scan(&trades, &fees)
	if err != nil {
		return fmt.Errorf("aggregate pnl: %w", err)
	}
	if trades == 0 {
		return nil
	}

	// Realized PnL per grid cycle: sells minus buys over the window. A cycle
	// that is still open contributes its unrealized leg to the equity
	// snapshots instead.
	var realized sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT SUM(CASE WHEN side = 'Sell' THEN price*qty ELSE -price*qty END)
		FROM trades WHERE executed_at >= ?`, cutoff).Scan(&realized)
	if err != nil {
		return fmt.Errorf("aggregate realized pnl: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pnl_summary (period, realized_pnl, total_trades, total_fees)
		VALUES (?, ?, ?, ?)`,
		period, realized.Float64, trades, fees.Float64)
	if err != nil {
		return fmt.Errorf("save pnl summary: %w", err)
	}
	return nil
}
