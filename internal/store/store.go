// Package store persists all durable bot state in a single SQLite file:
// orders, trades, positions, whale snapshots, stink bids, daily P&L,
// per-strategy state blobs, and the risk singleton.
//
// Every multi-step mutation runs inside one transaction so a crash can
// never leave a fill without its position transition (or vice versa).
// Trades are keyed by the exchange trade ID and inserted idempotently,
// so replaying a confirmation is harmless. Lifecycle transitions use
// status-guarded UPDATEs: a stale writer affects zero rows instead of
// clobbering newer state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/0xtitan6/polytrader/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrStaleTransition is returned when a status-guarded update matched no
// row, meaning the entity already moved past the expected state.
var ErrStaleTransition = errors.New("store: stale status transition")

const metaRiskState = "risk_state"

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id      TEXT NOT NULL,
	exchange_id    TEXT NOT NULL DEFAULT '',
	strategy       TEXT NOT NULL,
	market_id      TEXT NOT NULL,
	token_id       TEXT NOT NULL,
	side           TEXT NOT NULL,
	order_type     TEXT NOT NULL,
	price          REAL NOT NULL,
	size           REAL NOT NULL,
	filled_size    REAL NOT NULL DEFAULT 0,
	avg_fill_price REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	is_exit        INTEGER NOT NULL DEFAULT 0,
	fail_reason    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_exchange ON orders(exchange_id);

CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange_id TEXT NOT NULL UNIQUE,
	order_id    INTEGER NOT NULL REFERENCES orders(id),
	market_id   TEXT NOT NULL,
	token_id    TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       REAL NOT NULL,
	size        REAL NOT NULL,
	fee         REAL NOT NULL DEFAULT 0,
	executed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy      TEXT NOT NULL,
	market_id     TEXT NOT NULL,
	token_id      TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	side          TEXT NOT NULL,
	entry_price   REAL NOT NULL,
	shares        REAL NOT NULL,
	entry_shares  REAL NOT NULL,
	entry_fee     REAL NOT NULL DEFAULT 0,
	tp_levels     TEXT NOT NULL DEFAULT '[]',
	sl_price      REAL NOT NULL DEFAULT 0,
	trail_pct     REAL NOT NULL DEFAULT 0,
	trail_anchor  REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	realized_pnl  REAL NOT NULL DEFAULT 0,
	source_wallet TEXT NOT NULL DEFAULT '',
	opened_at     TIMESTAMP NOT NULL,
	closed_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);

CREATE TABLE IF NOT EXISTS whale_positions (
	wallet     TEXT NOT NULL,
	market_id  TEXT NOT NULL,
	token_id   TEXT NOT NULL,
	shares     REAL NOT NULL,
	avg_price  REAL NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(wallet, market_id, token_id)
);

CREATE TABLE IF NOT EXISTS stink_orders (
	market_id TEXT NOT NULL,
	token_id  TEXT NOT NULL,
	order_id  TEXT NOT NULL,
	price     REAL NOT NULL,
	size      REAL NOT NULL,
	placed_at TIMESTAMP NOT NULL,
	UNIQUE(market_id, token_id)
);

CREATE TABLE IF NOT EXISTS daily_pnl (
	day              TEXT PRIMARY KEY,
	starting_balance REAL NOT NULL,
	ending_balance   REAL NOT NULL DEFAULT 0,
	realized_pnl     REAL NOT NULL DEFAULT 0,
	unrealized_pnl   REAL NOT NULL DEFAULT 0,
	trades           INTEGER NOT NULL DEFAULT 0,
	wins             INTEGER NOT NULL DEFAULT 0,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_state (
	strategy   TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_metadata (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store wraps the SQLite database. Safe for concurrent use; the connection
// pool is capped at one, which serializes writers the way SQLite expects.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database file and applies pragmas and schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Debug("store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable. Used by health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// InsertOrder persists a new order and fills in its ID.
func (s *Store) InsertOrder(ctx context.Context, o *types.Order) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (signal_id, exchange_id, strategy, market_id, token_id,
			side, order_type, price, size, filled_size, avg_fill_price, status,
			is_exit, fail_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SignalID, o.ExchangeID, o.Strategy, o.MarketID, o.TokenID,
		o.Side, o.OrderType, o.Price, o.Size, o.FilledSize, o.AvgFillPrice,
		o.Status, o.IsExit, o.FailReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert order id: %w", err)
	}
	return nil
}

// UpdateOrder rewrites the mutable fields of an order row.
func (s *Store) UpdateOrder(ctx context.Context, o *types.Order) error {
	o.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET exchange_id = ?, filled_size = ?, avg_fill_price = ?,
			status = ?, fail_reason = ?, updated_at = ?
		WHERE id = ?`,
		o.ExchangeID, o.FilledSize, o.AvgFillPrice, o.Status, o.FailReason,
		o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order %d: %w", o.ID, err)
	}
	return nil
}

// OrdersByStatus returns orders in the given state, oldest first.
func (s *Store) OrdersByStatus(ctx context.Context, status types.OrderStatus) ([]*types.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, exchange_id, strategy, market_id, token_id, side,
			order_type, price, size, filled_size, avg_fill_price, status,
			is_exit, fail_reason, created_at, updated_at
		FROM orders WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		var o types.Order
		if err := rows.Scan(&o.ID, &o.SignalID, &o.ExchangeID, &o.Strategy,
			&o.MarketID, &o.TokenID, &o.Side, &o.OrderType, &o.Price, &o.Size,
			&o.FilledSize, &o.AvgFillPrice, &o.Status, &o.IsExit, &o.FailReason,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// OrderByExchangeID looks up an order by its CLOB order ID.
func (s *Store) OrderByExchangeID(ctx context.Context, exchangeID string) (*types.Order, error) {
	var o types.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, exchange_id, strategy, market_id, token_id, side,
			order_type, price, size, filled_size, avg_fill_price, status,
			is_exit, fail_reason, created_at, updated_at
		FROM orders WHERE exchange_id = ?`, exchangeID).
		Scan(&o.ID, &o.SignalID, &o.ExchangeID, &o.Strategy,
			&o.MarketID, &o.TokenID, &o.Side, &o.OrderType, &o.Price, &o.Size,
			&o.FilledSize, &o.AvgFillPrice, &o.Status, &o.IsExit, &o.FailReason,
			&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", exchangeID, err)
	}
	return &o, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fills (the one-transaction write path)
// ————————————————————————————————————————————————————————————————————————

// ApplyFill atomically records an execution outcome: the order's new state,
// the fill (idempotent on exchange trade ID), and the resulting position
// state. Either everything commits or nothing does.
//
// pos semantics: nil = no position change; pos.ID == 0 = insert a new
// position; otherwise the row is rewritten with pos's fields. A transition
// into a terminal status is guarded by WHERE status = 'closing' and returns
// ErrStaleTransition if another writer got there first.
func (s *Store) ApplyFill(ctx context.Context, o *types.Order, tr *types.Trade, pos *types.Position) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		o.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET exchange_id = ?, filled_size = ?, avg_fill_price = ?,
				status = ?, fail_reason = ?, updated_at = ?
			WHERE id = ?`,
			o.ExchangeID, o.FilledSize, o.AvgFillPrice, o.Status, o.FailReason,
			o.UpdatedAt, o.ID); err != nil {
			return fmt.Errorf("update order %d: %w", o.ID, err)
		}

		if tr != nil {
			if err := insertTradeTx(ctx, tx, tr); err != nil {
				return err
			}
		}

		if pos == nil {
			return nil
		}
		if pos.ID == 0 {
			return insertPositionTx(ctx, tx, pos)
		}
		return updatePositionTx(ctx, tx, pos)
	})
}

func insertTradeTx(ctx context.Context, tx *sql.Tx, tr *types.Trade) error {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (exchange_id, order_id, market_id, token_id,
			side, price, size, fee, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ExchangeID, tr.OrderID, tr.MarketID, tr.TokenID, tr.Side,
		tr.Price, tr.Size, tr.Fee, tr.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ExchangeID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		tr.ID, _ = res.LastInsertId()
		return nil
	}
	// Already recorded under this exchange ID; reuse the existing row.
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM trades WHERE exchange_id = ?`, tr.ExchangeID).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("lookup trade %s: %w", tr.ExchangeID, err)
	}
	return nil
}

func insertPositionTx(ctx context.Context, tx *sql.Tx, p *types.Position) error {
	levels, err := json.Marshal(p.TPLevels)
	if err != nil {
		return fmt.Errorf("marshal tp levels: %w", err)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO positions (strategy, market_id, token_id, outcome, side,
			entry_price, shares, entry_shares, entry_fee, tp_levels, sl_price,
			trail_pct, trail_anchor, status, realized_pnl, source_wallet, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Strategy, p.MarketID, p.TokenID, p.Outcome, p.Side, p.EntryPrice,
		p.Shares, p.EntryShares, p.EntryFee, string(levels), p.SLPrice,
		p.TrailPct, p.TrailAnchor, p.Status, p.RealizedPnL, p.SourceWallet,
		p.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert position id: %w", err)
	}
	return nil
}

func updatePositionTx(ctx context.Context, tx *sql.Tx, p *types.Position) error {
	levels, err := json.Marshal(p.TPLevels)
	if err != nil {
		return fmt.Errorf("marshal tp levels: %w", err)
	}
	var closedAt any
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt
	}

	// Terminal transitions may only come out of 'closing'.
	guard := ""
	if p.Status.Terminal() {
		guard = " AND status = 'closing'"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET shares = ?, tp_levels = ?, sl_price = ?,
			trail_pct = ?, trail_anchor = ?, status = ?, realized_pnl = ?,
			closed_at = ?
		WHERE id = ?`+guard,
		p.Shares, string(levels), p.SLPrice, p.TrailPct, p.TrailAnchor,
		p.Status, p.RealizedPnL, closedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update position %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %d: %w", p.ID, ErrStaleTransition)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// InsertPosition persists a new position outside a fill transaction.
// The live execution path goes through ApplyFill instead.
func (s *Store) InsertPosition(ctx context.Context, p *types.Position) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertPositionTx(ctx, tx, p)
	})
}

// UpdatePosition rewrites a position's mutable fields with status guards.
func (s *Store) UpdatePosition(ctx context.Context, p *types.Position) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updatePositionTx(ctx, tx, p)
	})
}

// GetPosition fetches one position by ID.
func (s *Store) GetPosition(ctx context.Context, id int64) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, selectPosition+` WHERE id = ?`, id)
	p, err := scanPositionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// OpenPositions returns all positions with status open or closing.
func (s *Store) OpenPositions(ctx context.Context) ([]*types.Position, error) {
	return s.queryPositions(ctx, selectPosition+` WHERE status IN ('open', 'closing') ORDER BY id`)
}

// ClosingPositions returns positions whose exit was in flight when the
// process last stopped. Startup recovery re-queues these.
func (s *Store) ClosingPositions(ctx context.Context) ([]*types.Position, error) {
	return s.queryPositions(ctx, selectPosition+` WHERE status = 'closing' ORDER BY id`)
}

// PositionsByMarket returns open/closing positions in one market.
func (s *Store) PositionsByMarket(ctx context.Context, marketID string) ([]*types.Position, error) {
	return s.queryPositions(ctx,
		selectPosition+` WHERE market_id = ? AND status IN ('open', 'closing') ORDER BY id`,
		marketID)
}

// CountOpenPositions counts positions in open or closing state.
func (s *Store) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status IN ('open', 'closing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// HasEntryExposure reports whether the market already carries an open or
// closing position, or a live entry order resting on its book.
func (s *Store) HasEntryExposure(ctx context.Context, marketID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM positions
			WHERE market_id = ? AND status IN ('open', 'closing'))
		OR EXISTS(
			SELECT 1 FROM orders
			WHERE market_id = ? AND is_exit = 0
				AND status IN ('pending', 'submitted'))`,
		marketID, marketID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("entry exposure %s: %w", marketID, err)
	}
	return n != 0, nil
}

// MarkClosing transitions open → closing. Returns ErrStaleTransition when
// the position is not open, so concurrent exit attempts lose deterministically.
func (s *Store) MarkClosing(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = 'closing' WHERE id = ? AND status = 'open'`, id)
	if err != nil {
		return fmt.Errorf("mark closing %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %d: %w", id, ErrStaleTransition)
	}
	return nil
}

// ResolvePosition closes a position at market resolution. No order trades
// on the venue: winning shares redeem at $1, losing shares expire at $0,
// so the whole remaining size settles in one guarded update. A position
// may resolve while an exit is still in flight, hence the closing guard
// is relaxed to open-or-closing.
func (s *Store) ResolvePosition(ctx context.Context, id int64, realizedPnL float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'resolved', shares = 0,
			realized_pnl = ?, closed_at = ?
		WHERE id = ? AND status IN ('open', 'closing')`,
		realizedPnL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve position %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %d: %w", id, ErrStaleTransition)
	}
	return nil
}

// RealizedPnLSince sums realized P&L over positions that closed at or after t.
func (s *Store) RealizedPnLSince(ctx context.Context, t time.Time) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE closed_at IS NOT NULL AND closed_at >= ?`, t).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("realized pnl: %w", err)
	}
	return v, nil
}

// RealizedPnLByStrategySince breaks RealizedPnLSince down per strategy.
func (s *Store) RealizedPnLByStrategySince(ctx context.Context, t time.Time) (map[types.Strategy]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy, COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE closed_at IS NOT NULL AND closed_at >= ?
		GROUP BY strategy`, t)
	if err != nil {
		return nil, fmt.Errorf("realized pnl by strategy: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Strategy]float64)
	for rows.Next() {
		var strat string
		var pnl float64
		if err := rows.Scan(&strat, &pnl); err != nil {
			return nil, fmt.Errorf("scan strategy pnl: %w", err)
		}
		out[types.Strategy(strat)] = pnl
	}
	return out, rows.Err()
}

// ClosedStatsSince counts positions closed at or after t and how many of
// them closed profitably.
func (s *Store) ClosedStatsSince(ctx context.Context, t time.Time) (closed, wins int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0)
		FROM positions WHERE closed_at IS NOT NULL AND closed_at >= ?`, t).Scan(&closed, &wins)
	if err != nil {
		return 0, 0, fmt.Errorf("closed stats: %w", err)
	}
	return closed, wins, nil
}

// CopyPnLByWallet aggregates realized P&L of copy positions per source wallet.
func (s *Store) CopyPnLByWallet(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_wallet, COALESCE(SUM(realized_pnl), 0)
		FROM positions WHERE strategy = 'copy' AND source_wallet != ''
		GROUP BY source_wallet`)
	if err != nil {
		return nil, fmt.Errorf("copy pnl: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var wallet string
		var pnl float64
		if err := rows.Scan(&wallet, &pnl); err != nil {
			return nil, fmt.Errorf("scan copy pnl: %w", err)
		}
		out[wallet] = pnl
	}
	return out, rows.Err()
}

const selectPosition = `
	SELECT id, strategy, market_id, token_id, outcome, side, entry_price,
		shares, entry_shares, entry_fee, tp_levels, sl_price, trail_pct,
		trail_anchor, status, realized_pnl, source_wallet, opened_at, closed_at
	FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPositionRow(row rowScanner) (*types.Position, error) {
	var p types.Position
	var levels string
	var closedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.Strategy, &p.MarketID, &p.TokenID, &p.Outcome,
		&p.Side, &p.EntryPrice, &p.Shares, &p.EntryShares, &p.EntryFee, &levels,
		&p.SLPrice, &p.TrailPct, &p.TrailAnchor, &p.Status, &p.RealizedPnL,
		&p.SourceWallet, &p.OpenedAt, &closedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(levels), &p.TPLevels); err != nil {
		return nil, fmt.Errorf("unmarshal tp levels: %w", err)
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Whale positions
// ————————————————————————————————————————————————————————————————————————

// WhalePositions returns the last observed holdings of one wallet.
func (s *Store) WhalePositions(ctx context.Context, wallet string) ([]types.WhalePosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, market_id, token_id, shares, avg_price, updated_at
		FROM whale_positions WHERE wallet = ?`, wallet)
	if err != nil {
		return nil, fmt.Errorf("query whale positions: %w", err)
	}
	defer rows.Close()

	var out []types.WhalePosition
	for rows.Next() {
		var wp types.WhalePosition
		if err := rows.Scan(&wp.Wallet, &wp.MarketID, &wp.TokenID, &wp.Shares,
			&wp.AvgPrice, &wp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan whale position: %w", err)
		}
		out = append(out, wp)
	}
	return out, rows.Err()
}

// ReplaceWhalePositions atomically swaps a wallet's snapshot for a new one.
func (s *Store) ReplaceWhalePositions(ctx context.Context, wallet string, positions []types.WhalePosition) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM whale_positions WHERE wallet = ?`, wallet); err != nil {
			return fmt.Errorf("clear whale positions: %w", err)
		}
		for _, wp := range positions {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO whale_positions
					(wallet, market_id, token_id, shares, avg_price, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				wallet, wp.MarketID, wp.TokenID, wp.Shares, wp.AvgPrice, now); err != nil {
				return fmt.Errorf("insert whale position: %w", err)
			}
		}
		return nil
	})
}

// ————————————————————————————————————————————————————————————————————————
// Stink orders
// ————————————————————————————————————————————————————————————————————————

// StinkOrders returns all tracked resting bids.
func (s *Store) StinkOrders(ctx context.Context) ([]types.StinkOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, token_id, order_id, price, size, placed_at
		FROM stink_orders ORDER BY placed_at`)
	if err != nil {
		return nil, fmt.Errorf("query stink orders: %w", err)
	}
	defer rows.Close()

	var out []types.StinkOrder
	for rows.Next() {
		var so types.StinkOrder
		if err := rows.Scan(&so.MarketID, &so.TokenID, &so.OrderID, &so.Price,
			&so.Size, &so.PlacedAt); err != nil {
			return nil, fmt.Errorf("scan stink order: %w", err)
		}
		out = append(out, so)
	}
	return out, rows.Err()
}

// PutStinkOrder records a resting bid. Returns false when the (market, token)
// slot is already taken, which enforces at most one bid per token.
func (s *Store) PutStinkOrder(ctx context.Context, so types.StinkOrder) (bool, error) {
	if so.PlacedAt.IsZero() {
		so.PlacedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stink_orders (market_id, token_id, order_id, price, size, placed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id, token_id) DO NOTHING`,
		so.MarketID, so.TokenID, so.OrderID, so.Price, so.Size, so.PlacedAt)
	if err != nil {
		return false, fmt.Errorf("insert stink order: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteStinkOrder frees the (market, token) slot.
func (s *Store) DeleteStinkOrder(ctx context.Context, marketID, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stink_orders WHERE market_id = ? AND token_id = ?`, marketID, tokenID)
	if err != nil {
		return fmt.Errorf("delete stink order: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Daily P&L
// ————————————————————————————————————————————————————————————————————————

// DailyPnL is one row of the daily ledger, keyed by UTC day "2006-01-02".
type DailyPnL struct {
	Day             string
	StartingBalance float64
	EndingBalance   float64
	RealizedPnL     float64
	UnrealizedPnL   float64
	Trades          int
	Wins            int
}

// UpsertDailyPnL writes the day's ledger row.
func (s *Store) UpsertDailyPnL(ctx context.Context, d DailyPnL) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (day, starting_balance, ending_balance,
			realized_pnl, unrealized_pnl, trades, wins, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			ending_balance = excluded.ending_balance,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			trades = excluded.trades,
			wins = excluded.wins,
			updated_at = excluded.updated_at`,
		d.Day, d.StartingBalance, d.EndingBalance, d.RealizedPnL,
		d.UnrealizedPnL, d.Trades, d.Wins, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert daily pnl: %w", err)
	}
	return nil
}

// GetDailyPnL fetches one day's row.
func (s *Store) GetDailyPnL(ctx context.Context, day string) (DailyPnL, error) {
	var d DailyPnL
	err := s.db.QueryRowContext(ctx, `
		SELECT day, starting_balance, ending_balance, realized_pnl,
			unrealized_pnl, trades, wins
		FROM daily_pnl WHERE day = ?`, day).
		Scan(&d.Day, &d.StartingBalance, &d.EndingBalance, &d.RealizedPnL,
			&d.UnrealizedPnL, &d.Trades, &d.Wins)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyPnL{}, ErrNotFound
	}
	if err != nil {
		return DailyPnL{}, fmt.Errorf("get daily pnl: %w", err)
	}
	return d, nil
}

// TradeCountSince counts fills executed at or after t.
func (s *Store) TradeCountSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE executed_at >= ?`, t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy state and metadata
// ————————————————————————————————————————————————————————————————————————

// GetStrategyState returns the JSON blob a strategy persisted, "" if none.
func (s *Store) GetStrategyState(ctx context.Context, strategy types.Strategy) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM strategy_state WHERE strategy = ?`, strategy).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get strategy state: %w", err)
	}
	return state, nil
}

// SetStrategyState upserts a strategy's JSON state blob.
func (s *Store) SetStrategyState(ctx context.Context, strategy types.Strategy, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_state (strategy, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(strategy) DO UPDATE SET
			state = excluded.state, updated_at = excluded.updated_at`,
		strategy, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set strategy state: %w", err)
	}
	return nil
}

// getMeta reads one bot_metadata value.
func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// setMeta upserts one bot_metadata value.
func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// GetRiskState loads the persisted risk singleton. A missing row yields the
// zero state (kill switch off).
func (s *Store) GetRiskState(ctx context.Context) (types.RiskState, error) {
	raw, ok, err := s.getMeta(ctx, metaRiskState)
	if err != nil || !ok {
		return types.RiskState{}, err
	}
	var rs types.RiskState
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return types.RiskState{}, fmt.Errorf("unmarshal risk state: %w", err)
	}
	return rs, nil
}

// SaveRiskState persists the risk singleton.
func (s *Store) SaveRiskState(ctx context.Context, rs types.RiskState) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	return s.setMeta(ctx, metaRiskState, string(raw))
}
