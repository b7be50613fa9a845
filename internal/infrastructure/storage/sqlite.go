package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/keylevel_breakout/internal/domain"
)

// SQLiteStore persists the engine's audit trail: placed orders, closed
// positions, level snapshots and equity marks.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			ticket TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			volume REAL NOT NULL,
			price REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			level_price REAL NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			volume REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			reason TEXT NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS level_snapshots (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			price REAL NOT NULL,
			is_resistance BOOLEAN NOT NULL,
			strength REAL NOT NULL,
			touch_count INTEGER NOT NULL,
			taken_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_level_snapshots_symbol ON level_snapshots(symbol, taken_at);`,
		`CREATE TABLE IF NOT EXISTS equity_marks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time DATETIME NOT NULL,
			equity REAL NOT NULL,
			peak REAL NOT NULL,
			drawdown_pct REAL NOT NULL,
			trading_disabled BOOLEAN NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// AuditRepository implementation

func (s *SQLiteStore) SaveOrder(ctx context.Context, rec *domain.OrderRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	query := `INSERT INTO orders (id, ticket, symbol, side, volume, price, stop_loss, take_profit, level_price, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Ticket, rec.Symbol, rec.Side, rec.Volume, rec.Price,
		rec.StopLoss, rec.TakeProfit, rec.LevelPrice, rec.CreatedAt)
	return err
}

func (s *SQLiteStore) ListOrders(ctx context.Context, limit int) ([]*domain.OrderRecord, error) {
	query := `SELECT id, ticket, symbol, side, volume, price, stop_loss, take_profit, level_price, created_at
			  FROM orders ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.OrderRecord
	for rows.Next() {
		var r domain.OrderRecord
		if err := rows.Scan(&r.ID, &r.Ticket, &r.Symbol, &r.Side, &r.Volume, &r.Price,
			&r.StopLoss, &r.TakeProfit, &r.LevelPrice, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePositionHistory(ctx context.Context, hist *domain.PositionHistory) error {
	query := `INSERT INTO position_history (ticket, symbol, side, volume, entry_price, exit_price, realized_pnl, reason, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		hist.Ticket, hist.Symbol, hist.Side, hist.Volume, hist.EntryPrice,
		hist.ExitPrice, hist.RealizedPnL, hist.Reason, hist.ClosedAt)
	return err
}

func (s *SQLiteStore) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	query := `SELECT id, ticket, symbol, side, volume, entry_price, exit_price, realized_pnl, reason, closed_at
			  FROM position_history ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PositionHistory
	for rows.Next() {
		var h domain.PositionHistory
		if err := rows.Scan(&h.ID, &h.Ticket, &h.Symbol, &h.Side, &h.Volume,
			&h.EntryPrice, &h.ExitPrice, &h.RealizedPnL, &h.Reason, &h.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveLevelSnapshots(ctx context.Context, snaps []*domain.LevelSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO level_snapshots (id, symbol, timeframe, price, is_resistance, strength, touch_count, taken_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, snap := range snaps {
		if snap.ID == "" {
			snap.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, query,
			snap.ID, snap.Symbol, snap.Timeframe, snap.Price, snap.IsResistance,
			snap.Strength, snap.TouchCount, snap.TakenAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListLevelSnapshots(ctx context.Context, symbol string, limit int) ([]*domain.LevelSnapshot, error) {
	query := `SELECT id, symbol, timeframe, price, is_resistance, strength, touch_count, taken_at
			  FROM level_snapshots WHERE symbol = ? ORDER BY taken_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.LevelSnapshot
	for rows.Next() {
		var l domain.LevelSnapshot
		if err := rows.Scan(&l.ID, &l.Symbol, &l.Timeframe, &l.Price, &l.IsResistance,
			&l.Strength, &l.TouchCount, &l.TakenAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveEquityMark(ctx context.Context, mark *domain.EquityMark) error {
	query := `INSERT INTO equity_marks (time, equity, peak, drawdown_pct, trading_disabled)
			  VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		mark.Time, mark.Equity, mark.Peak, mark.DrawdownPct, mark.TradingDisabled)
	return err
}

func (s *SQLiteStore) ListEquityMarks(ctx context.Context, limit int) ([]*domain.EquityMark, error) {
	query := `SELECT time, equity, peak, drawdown_pct, trading_disabled
			  FROM equity_marks ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EquityMark
	for rows.Next() {
		var m domain.EquityMark
		if err := rows.Scan(&m.Time, &m.Equity, &m.Peak, &m.DrawdownPct, &m.TradingDisabled); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
