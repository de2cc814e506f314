package types

import (
	"testing"
	"time"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderPending, false},
		{OrderSubmitted, false},
		{OrderFilled, true},
		{OrderPartial, true},
		{OrderCancelled, true},
		{OrderRejected, true},
		{OrderFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPositionStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status PositionStatus
		want   bool
	}{
		{PositionOpen, false},
		{PositionClosing, false},
		{PositionClosed, true},
		{PositionResolved, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("PositionStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestNewSignal(t *testing.T) {
	t.Parallel()

	s := NewSignal(StrategyArb, "mkt1", "tok1", BUY, 50, 0.48, OrderTypeFOK, "yes+no below parity")

	if s.ID == "" {
		t.Error("NewSignal() assigned empty ID")
	}
	if s.Strategy != StrategyArb || s.Side != BUY || s.OrderType != OrderTypeFOK {
		t.Errorf("NewSignal() fields = %q/%q/%q, want arb/BUY/FOK", s.Strategy, s.Side, s.OrderType)
	}
	if s.IsExit || s.ParentPositionID != 0 {
		t.Error("NewSignal() should default to a non-exit signal")
	}

	s2 := NewSignal(StrategyArb, "mkt1", "tok2", BUY, 50, 0.49, OrderTypeFOK, "second leg")
	if s.ID == s2.ID {
		t.Error("NewSignal() produced duplicate IDs")
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	t.Parallel()

	long := &Position{Side: PositionLong, EntryPrice: 0.40, Shares: 250}
	if got := long.UnrealizedPnL(0.50); got != 25.0 {
		t.Errorf("long UnrealizedPnL(0.50) = %v, want 25.0", got)
	}
	if got := long.UnrealizedPnL(0.30); got != -25.0 {
		t.Errorf("long UnrealizedPnL(0.30) = %v, want -25.0", got)
	}

	short := &Position{Side: PositionShort, EntryPrice: 0.40, Shares: 250}
	if got := short.UnrealizedPnL(0.30); got != 25.0 {
		t.Errorf("short UnrealizedPnL(0.30) = %v, want 25.0", got)
	}
}

func TestMarketInfoTokenLookup(t *testing.T) {
	t.Parallel()

	m := &MarketInfo{YesTokenID: "yes-token", NoTokenID: "no-token"}

	if got := m.Token(OutcomeYes); got != "yes-token" {
		t.Errorf("Token(YES) = %q, want %q", got, "yes-token")
	}
	if got := m.Token(OutcomeNo); got != "no-token" {
		t.Errorf("Token(NO) = %q, want %q", got, "no-token")
	}
	if got := m.OutcomeOf("no-token"); got != OutcomeNo {
		t.Errorf("OutcomeOf(no-token) = %q, want NO", got)
	}
}

func TestPortfolioSnapshotStale(t *testing.T) {
	t.Parallel()

	var nilSnap *PortfolioSnapshot
	if !nilSnap.Stale(time.Second) {
		t.Error("nil snapshot should be stale")
	}

	fresh := &PortfolioSnapshot{TakenAt: time.Now()}
	if fresh.Stale(time.Minute) {
		t.Error("fresh snapshot reported stale")
	}

	old := &PortfolioSnapshot{TakenAt: time.Now().Add(-2 * time.Minute)}
	if !old.Stale(time.Minute) {
		t.Error("old snapshot not reported stale")
	}
}
