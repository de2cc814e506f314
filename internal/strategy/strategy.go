// Package strategy holds the three signal producers: whale copy-trading,
// YES+NO parity arbitrage, and deep-discount stink bids.
//
// Strategies never touch the exchange write path themselves. Every trade
// intent leaves as a types.Signal through the order manager's queue, where
// the risk gate and accounting invariants are enforced. The only direct
// exchange calls here are reads (books, open orders, wallet holdings) and
// the stink reconciler's janitorial cancel of an untracked duplicate.
//
// Each strategy runs its own tick loop and can be paused from the control
// surface without stopping its goroutine.
package strategy

import (
	"context"
	"sync/atomic"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// shareEpsilon is the tolerance for float share arithmetic, matching the
// order manager's fill accounting.
const shareEpsilon = 1e-9

// Strategy is one autonomous signal producer run by the engine.
type Strategy interface {
	Name() types.Strategy
	Run(ctx context.Context)
	Pause()
	Resume()
	Paused() bool
}

// pauseFlag gives strategies the control-surface pause switch. A paused
// strategy keeps its loop alive and skips ticks.
type pauseFlag struct{ paused atomic.Bool }

func (p *pauseFlag) Pause()       { p.paused.Store(true) }
func (p *pauseFlag) Resume()      { p.paused.Store(false) }
func (p *pauseFlag) Paused() bool { return p.paused.Load() }

// Submitter accepts fire-and-forget signals. False means the queue is full.
type Submitter interface {
	Submit(sig *types.Signal) bool
}

// Executor runs a signal to its terminal result. Used where the strategy
// needs the outcome before its next step (arb legs, stink placements).
type Executor interface {
	SubmitWait(ctx context.Context, sig *types.Signal) (*types.ExecResult, error)
}

// MarketSource supplies the scanner's watchlist and metadata lookups.
type MarketSource interface {
	Watchlist() []types.MarketInfo
	Market(ctx context.Context, conditionID string) (*types.MarketInfo, error)
}

// PriceSource supplies live mid prices from the book cache.
type PriceSource interface {
	MidPrice(ctx context.Context, tokenID string) (float64, error)
}

// SnapshotSource supplies the portfolio view used for sizing and caps.
type SnapshotSource interface {
	Snapshot() *types.PortfolioSnapshot
}

// Halter reports whether the kill switch is engaged.
type Halter interface {
	Active() bool
}

// NotifyFunc pushes an operator notification. May be nil.
type NotifyFunc func(text string)

// exitPlan converts the configured default exit rules into the plan a
// strategy attaches to entry signals.
func exitPlan(cfg config.ExitConfig) *types.ExitPlan {
	plan := &types.ExitPlan{
		StopLossPct: cfg.StopLossPct,
		TrailPct:    cfg.TrailingStopPct,
	}
	for _, tp := range cfg.TakeProfits {
		plan.TakeProfits = append(plan.TakeProfits, types.TPPlan{
			GainPct:      tp.GainPct,
			SellFraction: tp.SellFraction,
		})
	}
	return plan
}
