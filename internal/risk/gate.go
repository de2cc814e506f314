// Package risk vets every signal before execution and owns the kill switch.
//
// The gate is a synchronous decision over caller-supplied state: the order
// manager assembles a View (portfolio snapshot, day ledger, kill flag, open
// position count, market occupancy) and gets back an approval or a
// machine-readable rejection reason. Checks run in a fixed order and
// short-circuit on the first failure. Unknown account state always rejects:
// a missing or stale snapshot blocks entries until the tracker recovers.
//
// Exit signals skip the entry-only checks (size, allocation, duplicate
// market) so positions can always be closed, and they pass through an
// active kill switch. The only thing that stops an exit is an unknown
// balance.
package risk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// Reason is a machine-readable rejection cause.
type Reason string

const (
	ReasonKillSwitch       Reason = "kill_switch"
	ReasonBalanceUnknown   Reason = "balance_unknown"
	ReasonPortfolioUnknown Reason = "portfolio_unknown"
	ReasonDailyLossLimit   Reason = "daily_loss_limit"
	ReasonInsufficientCash Reason = "insufficient_cash"
	ReasonPositionLimit    Reason = "exceeds_position_limit"
	ReasonTooManyPositions Reason = "too_many_positions"
	ReasonAllocation       Reason = "exceeds_strategy_allocation"
	ReasonDuplicateMarket  Reason = "duplicate_market"
	ReasonBelowMinEdge     Reason = "below_min_edge"
)

// View is the account state one decision reads. The caller assembles it
// immediately before checking so every field reflects the same instant.
type View struct {
	Snapshot      *types.PortfolioSnapshot // nil if the tracker has never loaded
	DayStart      float64                  // portfolio total at UTC day start
	DailyPnL      float64                  // realized + unrealized today
	KillActive    bool
	OpenPositions int  // open/closing count from the store, not the snapshot
	MarketBusy    bool // market already has a position or a live entry order
}

// Decision is the gate's verdict on one signal.
type Decision struct {
	Allowed bool
	Reason  Reason // empty when allowed
	Detail  string // context for logs and alerts
}

func approve() Decision { return Decision{Allowed: true} }

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Gate applies the configured limits to signals.
type Gate struct {
	risk   config.RiskConfig
	fees   config.FeeConfig
	allocs map[types.Strategy]float64 // percent of portfolio per strategy, 0 = uncapped
	logger *slog.Logger
}

// NewGate builds the gate from the bot config.
func NewGate(cfg *config.Config, logger *slog.Logger) *Gate {
	return &Gate{
		risk: cfg.Risk,
		fees: cfg.Fees,
		allocs: map[types.Strategy]float64{
			types.StrategyCopy:  cfg.Copy.AllocationPct,
			types.StrategyArb:   cfg.Arb.AllocationPct,
			types.StrategyStink: cfg.Stink.AllocationPct,
		},
		logger: logger.With("component", "risk"),
	}
}

// Check runs the ordered checks against the signal, logging and counting
// any rejection.
func (g *Gate) Check(sig *types.Signal, v View) Decision {
	d := g.decide(sig, v)
	if !d.Allowed {
		metrics.SignalsRejected.WithLabelValues(string(sig.Strategy), string(d.Reason)).Inc()
		g.logger.Warn("signal rejected",
			"signal", sig.ID,
			"strategy", sig.Strategy,
			"market", sig.MarketID,
			"reason", d.Reason,
			"detail", d.Detail,
		)
	}
	return d
}

func (g *Gate) decide(sig *types.Signal, v View) Decision {
	if v.KillActive && !sig.IsExit {
		return reject(ReasonKillSwitch, "kill switch active")
	}

	// Fail closed on unknown account state, exits included.
	if v.Snapshot == nil {
		return reject(ReasonBalanceUnknown, "balance never loaded")
	}
	if v.Snapshot.Stale(g.risk.SnapshotMaxAge) {
		return reject(ReasonPortfolioUnknown, "snapshot %s old, limit %s",
			time.Since(v.Snapshot.TakenAt).Round(time.Second), g.risk.SnapshotMaxAge)
	}

	if sig.IsExit {
		return approve()
	}

	total := decimal.NewFromFloat(v.Snapshot.Total)
	size := decimal.NewFromFloat(sig.SizeUSD)

	// Daily loss anchors to the day's starting balance, and unrealized
	// losses count: an open position bleeding out halts entries just as
	// a realized one does.
	lossLimit := pctOf(decimal.NewFromFloat(v.DayStart), g.risk.DailyLossLimitPct)
	if pnl := decimal.NewFromFloat(v.DailyPnL); lossLimit.IsPositive() && pnl.LessThanOrEqual(lossLimit.Neg()) {
		return reject(ReasonDailyLossLimit, "daily pnl %s breaches -%s", pnl, lossLimit)
	}

	postCash := decimal.NewFromFloat(v.Snapshot.Balance).Sub(size)
	if reserve := pctOf(total, g.risk.MinCashReservePct); postCash.LessThan(reserve) {
		return reject(ReasonInsufficientCash, "post-trade cash %s below reserve %s", postCash, reserve)
	}

	if maxPos := pctOf(total, g.risk.MaxPositionPct); size.GreaterThan(maxPos) {
		return reject(ReasonPositionLimit, "size %s exceeds per-position cap %s", size, maxPos)
	}

	if v.OpenPositions >= g.risk.MaxOpenPositions {
		return reject(ReasonTooManyPositions, "%d positions open, cap %d",
			v.OpenPositions, g.risk.MaxOpenPositions)
	}

	if alloc := g.allocs[sig.Strategy]; alloc > 0 {
		deployed := decimal.NewFromFloat(v.Snapshot.ByStrategy[sig.Strategy])
		if limit := pctOf(total, alloc); deployed.Add(size).GreaterThan(limit) {
			return reject(ReasonAllocation, "%s deployed %s + %s exceeds allocation %s",
				sig.Strategy, deployed, size, limit)
		}
	}

	// The second arb leg trades the same market as the first on purpose.
	if v.MarketBusy && sig.ArbLegOf == "" {
		return reject(ReasonDuplicateMarket, "market %s already has exposure", sig.MarketID)
	}

	if sig.EdgePct > 0 && sig.SizeUSD > 0 {
		gasPct := decimal.NewFromFloat(g.fees.EstimatedGasUSD).Div(size).Mul(hundred)
		net := decimal.NewFromFloat(sig.EdgePct).
			Sub(decimal.NewFromFloat(g.fees.TakerRatePct)).
			Sub(gasPct)
		if net.LessThan(decimal.NewFromFloat(g.risk.MinEdgePct)) {
			return reject(ReasonBelowMinEdge, "edge %s%% after fees, need %.1f%%",
				net.Round(2), g.risk.MinEdgePct)
		}
	}

	return approve()
}

var hundred = decimal.NewFromInt(100)

func pctOf(base decimal.Decimal, p float64) decimal.Decimal {
	return base.Mul(decimal.NewFromFloat(p)).Div(hundred)
}
