package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/pkg/types"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	cfg := &config.Config{
		Risk: config.RiskConfig{
			MaxPositionPct:     15,
			MaxOpenPositions:   10,
			MinEdgePct:         5,
			MinCashReservePct:  10,
			DailyLossLimitPct:  10,
			MinPositionSizeUSD: 25,
			SnapshotMaxAge:     30 * time.Second,
		},
		Fees: config.FeeConfig{TakerRatePct: 3.15, EstimatedGasUSD: 0.03},
		Copy: config.CopyConfig{AllocationPct: 40},
		Arb:  config.ArbConfig{AllocationPct: 30},
	}
	return NewGate(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// freshView is a healthy $1000 account: $500 cash, $500 in positions,
// $200 of it deployed by the copy strategy, 3 positions open.
func freshView() View {
	return View{
		Snapshot: &types.PortfolioSnapshot{
			Balance:        500,
			PositionsValue: 500,
			Total:          1000,
			OpenPositions:  3,
			ByStrategy:     map[types.Strategy]float64{types.StrategyCopy: 200},
			TakenAt:        time.Now(),
		},
		DayStart:      1000,
		DailyPnL:      0,
		OpenPositions: 3,
	}
}

func entrySignal() *types.Signal {
	return types.NewSignal(types.StrategyCopy, "market-1", "token-1",
		types.BUY, 100, 0.50, types.OrderTypeFOK, "test entry")
}

func exitSignal() *types.Signal {
	sig := types.NewSignal(types.StrategyCopy, "market-1", "token-1",
		types.SELL, 100, 0.50, types.OrderTypeFOK, "test exit")
	sig.IsExit = true
	sig.ParentPositionID = 7
	return sig
}

func TestGateApprovesCleanEntry(t *testing.T) {
	t.Parallel()

	d := testGate(t).Check(entrySignal(), freshView())
	if !d.Allowed {
		t.Fatalf("Check() rejected clean entry: %s (%s)", d.Reason, d.Detail)
	}
}

func TestGateOrderedChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(sig *types.Signal, v *View)
		want   Reason
	}{
		{
			name:   "kill switch blocks entries",
			mutate: func(_ *types.Signal, v *View) { v.KillActive = true },
			want:   ReasonKillSwitch,
		},
		{
			name:   "no snapshot yet",
			mutate: func(_ *types.Signal, v *View) { v.Snapshot = nil },
			want:   ReasonBalanceUnknown,
		},
		{
			name: "stale snapshot",
			mutate: func(_ *types.Signal, v *View) {
				v.Snapshot.TakenAt = time.Now().Add(-2 * time.Minute)
			},
			want: ReasonPortfolioUnknown,
		},
		{
			name:   "daily loss limit",
			mutate: func(_ *types.Signal, v *View) { v.DailyPnL = -100 },
			want:   ReasonDailyLossLimit,
		},
		{
			name:   "cash reserve floor",
			mutate: func(sig *types.Signal, _ *View) { sig.SizeUSD = 450 },
			want:   ReasonInsufficientCash,
		},
		{
			name:   "per-position cap",
			mutate: func(sig *types.Signal, _ *View) { sig.SizeUSD = 200 },
			want:   ReasonPositionLimit,
		},
		{
			name:   "max open positions",
			mutate: func(_ *types.Signal, v *View) { v.OpenPositions = 10 },
			want:   ReasonTooManyPositions,
		},
		{
			name: "strategy allocation",
			mutate: func(_ *types.Signal, v *View) {
				v.Snapshot.ByStrategy[types.StrategyCopy] = 350
			},
			want: ReasonAllocation,
		},
		{
			name:   "duplicate market",
			mutate: func(_ *types.Signal, v *View) { v.MarketBusy = true },
			want:   ReasonDuplicateMarket,
		},
		{
			name:   "declared edge below floor after fees",
			mutate: func(sig *types.Signal, _ *View) { sig.EdgePct = 6 },
			want:   ReasonBelowMinEdge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sig, v := entrySignal(), freshView()
			tt.mutate(sig, &v)
			d := testGate(t).Check(sig, v)
			if d.Allowed {
				t.Fatalf("Check() allowed, want reject %s", tt.want)
			}
			if d.Reason != tt.want {
				t.Errorf("Check() reason = %s, want %s (%s)", d.Reason, tt.want, d.Detail)
			}
		})
	}
}

func TestGateDailyLossBoundary(t *testing.T) {
	t.Parallel()

	g := testGate(t)

	v := freshView()
	v.DailyPnL = -99.99
	if d := g.Check(entrySignal(), v); !d.Allowed {
		t.Errorf("loss inside limit rejected: %s", d.Reason)
	}

	v = freshView()
	v.DailyPnL = -100 // exactly -10% of the $1000 day start
	if d := g.Check(entrySignal(), v); d.Allowed || d.Reason != ReasonDailyLossLimit {
		t.Errorf("loss at limit: got allowed=%v reason=%s, want daily_loss_limit", d.Allowed, d.Reason)
	}
}

func TestGateEdgeDeclaration(t *testing.T) {
	t.Parallel()

	g := testGate(t)

	// Undeclared edge skips the check entirely.
	if d := g.Check(entrySignal(), freshView()); !d.Allowed {
		t.Errorf("undeclared edge rejected: %s", d.Reason)
	}

	// 9% gross on $100 clears: 9 - 3.15 - 0.03 = 5.82 >= 5.
	sig := entrySignal()
	sig.EdgePct = 9
	if d := g.Check(sig, freshView()); !d.Allowed {
		t.Errorf("9%% gross edge rejected: %s (%s)", d.Reason, d.Detail)
	}

	// 8% gross does not: 8 - 3.15 - 0.03 = 4.82 < 5.
	sig = entrySignal()
	sig.EdgePct = 8
	if d := g.Check(sig, freshView()); d.Allowed || d.Reason != ReasonBelowMinEdge {
		t.Errorf("8%% gross edge: got allowed=%v reason=%s, want below_min_edge", d.Allowed, d.Reason)
	}
}

func TestGateArbSecondLegSkipsDuplicateMarket(t *testing.T) {
	t.Parallel()

	sig := types.NewSignal(types.StrategyArb, "market-1", "token-no",
		types.BUY, 50, 0.45, types.OrderTypeFOK, "arb leg 2")
	sig.ArbLegOf = "leg-1-signal-id"

	v := freshView()
	v.MarketBusy = true

	if d := testGate(t).Check(sig, v); !d.Allowed {
		t.Fatalf("second arb leg rejected: %s (%s)", d.Reason, d.Detail)
	}
}

func TestGateExitBypassesEntryChecks(t *testing.T) {
	t.Parallel()

	g := testGate(t)

	// Oversized exit in a busy market at the position cap, with the kill
	// switch on: still approved.
	sig := exitSignal()
	sig.SizeUSD = 900
	v := freshView()
	v.KillActive = true
	v.MarketBusy = true
	v.OpenPositions = 10
	v.DailyPnL = -500

	if d := g.Check(sig, v); !d.Allowed {
		t.Fatalf("exit rejected: %s (%s)", d.Reason, d.Detail)
	}

	// But an unknown balance still blocks exits.
	v = freshView()
	v.Snapshot = nil
	if d := g.Check(exitSignal(), v); d.Allowed || d.Reason != ReasonBalanceUnknown {
		t.Errorf("exit with unknown balance: got allowed=%v reason=%s, want balance_unknown",
			d.Allowed, d.Reason)
	}
}
