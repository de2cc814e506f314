// Package portfolio maintains a cached snapshot of cash, open positions,
// and per-strategy exposure.
//
// The risk gate sits on the hot path of every signal, so it never does
// I/O: it reads the tracker's last snapshot and fails closed when that
// snapshot is older than the configured maximum age. The tracker also
// owns the daily ledger: it anchors the day's starting balance at the
// first refresh after a UTC rollover and keeps the day's realized and
// unrealized P&L persisted for the summary and the daily loss limit.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

const refreshInterval = 10 * time.Second

// BalanceSource yields spendable cash in USD. Live mode reads the wallet
// on-chain; paper mode reads the simulated balance.
type BalanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// PriceSource marks positions. Backed by the book cache (WS mids with
// REST fallback).
type PriceSource interface {
	MidPrice(ctx context.Context, tokenID string) (float64, error)
}

// Daily is the day ledger the risk gate and summaries read.
type Daily struct {
	Day           string
	StartBalance  float64
	RealizedPnL   float64
	UnrealizedPnL float64
	Trades        int
	Wins          int
}

// Format renders the ledger for the end-of-day summary.
func (d Daily) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", d.Day)
	fmt.Fprintf(&b, "Start balance: $%.2f\n", d.StartBalance)
	fmt.Fprintf(&b, "Realized P&L: %+.2f\n", d.RealizedPnL)
	fmt.Fprintf(&b, "Unrealized P&L: %+.2f\n", d.UnrealizedPnL)
	fmt.Fprintf(&b, "Trades: %d (%d wins)", d.Trades, d.Wins)
	return b.String()
}

// Tracker refreshes and serves portfolio snapshots.
type Tracker struct {
	store   *store.Store
	balance BalanceSource
	prices  PriceSource
	logger  *slog.Logger

	onDayClose func(prev Daily)

	mu       sync.RWMutex
	snapshot *types.PortfolioSnapshot
	daily    Daily
}

// NewTracker wires the snapshot refresher. Call Run to start it.
func NewTracker(st *store.Store, balance BalanceSource, prices PriceSource, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:   st,
		balance: balance,
		prices:  prices,
		logger:  logger.With("component", "portfolio"),
	}
}

// SetDayCloseHook registers fn to receive the finished day's ledger on the
// first refresh after a UTC rollover. Call before Run.
func (t *Tracker) SetDayCloseHook(fn func(prev Daily)) {
	t.onDayClose = fn
}

// Run refreshes the snapshot on a fixed cadence until ctx is cancelled.
// Failed refreshes leave the previous snapshot in place; the risk gate
// treats an aging snapshot as unknown and blocks entries.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("portfolio refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh recomputes the snapshot: cash balance, open positions marked at
// current mids, per-strategy exposure, and the day ledger.
func (t *Tracker) Refresh(ctx context.Context) error {
	cash, err := t.balance.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	positions, err := t.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}

	var (
		posValue   float64
		unrealized float64
		byStrategy = make(map[types.Strategy]float64)
	)
	for _, pos := range positions {
		mark, err := t.prices.MidPrice(ctx, pos.TokenID)
		if err != nil {
			return fmt.Errorf("mark %s: %w", pos.TokenID, err)
		}
		value := pos.Shares * mark
		posValue += value
		byStrategy[pos.Strategy] += value
		unrealized += pos.UnrealizedPnL(mark)
	}

	snap := &types.PortfolioSnapshot{
		Balance:        cash,
		PositionsValue: posValue,
		Total:          cash + posValue,
		OpenPositions:  len(positions),
		ByStrategy:     byStrategy,
		TakenAt:        time.Now(),
	}

	daily, err := t.rollDay(ctx, snap, unrealized)
	if err != nil {
		return err
	}

	t.mu.Lock()
	prev := t.daily
	t.snapshot = snap
	t.daily = daily
	t.mu.Unlock()

	if t.onDayClose != nil && prev.Day != "" && prev.Day != daily.Day {
		t.onDayClose(prev)
	}

	metrics.PortfolioValue.Set(snap.Total)
	metrics.OpenPositions.Set(float64(snap.OpenPositions))
	metrics.DailyPnL.Set(daily.RealizedPnL + daily.UnrealizedPnL)
	return nil
}

// rollDay anchors a new UTC day on first refresh after rollover and keeps
// the current day's row updated.
func (t *Tracker) rollDay(ctx context.Context, snap *types.PortfolioSnapshot, unrealized float64) (Daily, error) {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	row, err := t.store.GetDailyPnL(ctx, today)
	if errors.Is(err, store.ErrNotFound) {
		row = store.DailyPnL{Day: today, StartingBalance: snap.Total}
		t.logger.Info("new trading day",
			"day", today,
			"starting_balance", snap.Total,
		)
	} else if err != nil {
		return Daily{}, fmt.Errorf("day ledger: %w", err)
	}

	realized, err := t.store.RealizedPnLSince(ctx, dayStart)
	if err != nil {
		return Daily{}, err
	}
	trades, err := t.store.TradeCountSince(ctx, dayStart)
	if err != nil {
		return Daily{}, err
	}
	_, wins, err := t.store.ClosedStatsSince(ctx, dayStart)
	if err != nil {
		return Daily{}, err
	}

	row.EndingBalance = snap.Total
	row.RealizedPnL = realized
	row.UnrealizedPnL = unrealized
	row.Trades = trades
	row.Wins = wins
	if err := t.store.UpsertDailyPnL(ctx, row); err != nil {
		return Daily{}, err
	}

	return Daily{
		Day:           today,
		StartBalance:  row.StartingBalance,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		Trades:        trades,
		Wins:          wins,
	}, nil
}

// Snapshot returns the last refreshed snapshot, nil before the first
// successful refresh. Callers must treat old snapshots as unknown state.
func (t *Tracker) Snapshot() *types.PortfolioSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snapshot == nil {
		return nil
	}
	cp := *t.snapshot
	return &cp
}

// Daily returns the cached day ledger. ok is false before the first
// successful refresh.
func (t *Tracker) Daily() (Daily, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.daily, t.daily.Day != ""
}

// FormatSummary renders the snapshot for logs and notifications.
func (t *Tracker) FormatSummary() string {
	snap := t.Snapshot()
	if snap == nil {
		return "portfolio not yet loaded"
	}
	daily, _ := t.Daily()

	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio: $%.2f (cash $%.2f, positions $%.2f)\n",
		snap.Total, snap.Balance, snap.PositionsValue)
	fmt.Fprintf(&b, "Open positions: %d\n", snap.OpenPositions)
	fmt.Fprintf(&b, "Daily P&L: %+.2f (realized %+.2f, unrealized %+.2f)\n",
		daily.RealizedPnL+daily.UnrealizedPnL, daily.RealizedPnL, daily.UnrealizedPnL)
	fmt.Fprintf(&b, "Trades today: %d (%d wins)", daily.Trades, daily.Wins)

	if len(snap.ByStrategy) > 0 {
		names := make([]string, 0, len(snap.ByStrategy))
		for s := range snap.ByStrategy {
			names = append(names, string(s))
		}
		sort.Strings(names)
		b.WriteString("\nBy strategy:")
		for _, name := range names {
			fmt.Fprintf(&b, " %s $%.2f", name, snap.ByStrategy[types.Strategy(name)])
		}
	}
	return b.String()
}
