package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// EntryDrainer removes queued entry signals, preserving exits.
type EntryDrainer interface {
	DrainEntries() int
}

// OrderCanceller pulls every resting order off the exchange.
type OrderCanceller interface {
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
}

// AlertFunc pushes an operator alert.
type AlertFunc func(text string)

// Kill is the persistent kill switch. Activation persists the flag, drops
// queued entries, cancels all resting orders, and alerts the operator.
// The switch survives restarts; only an explicit operator clear resets it.
type Kill struct {
	store  *store.Store
	queue  EntryDrainer
	orders OrderCanceller
	alert  AlertFunc
	logger *slog.Logger

	cancelAll failsafe.Executor[*types.CancelResponse]

	mu     sync.Mutex
	active atomic.Bool
	reason string
	at     time.Time
}

// NewKill wires the switch. queue and alert may be nil.
func NewKill(st *store.Store, queue EntryDrainer, orders OrderCanceller, alert AlertFunc, logger *slog.Logger) *Kill {
	retry := retrypolicy.NewBuilder[*types.CancelResponse]().
		HandleIf(func(_ *types.CancelResponse, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}).
		WithBackoff(time.Second, 30*time.Second).
		WithMaxRetries(5).
		Build()

	return &Kill{
		store:     st,
		queue:     queue,
		orders:    orders,
		alert:     alert,
		logger:    logger.With("component", "kill_switch"),
		cancelAll: failsafe.With[*types.CancelResponse](retry),
	}
}

// Load restores persisted switch state. Called once at startup so a kill
// from a previous run stays in force.
func (k *Kill) Load(ctx context.Context) error {
	rs, err := k.store.GetRiskState(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	k.mu.Lock()
	k.active.Store(rs.KillSwitchActive)
	k.reason, k.at = rs.KillReason, rs.KilledAt
	k.mu.Unlock()

	if rs.KillSwitchActive {
		metrics.KillSwitch.Set(1)
		k.logger.Warn("kill switch still active from previous run",
			"reason", rs.KillReason,
			"killed_at", rs.KilledAt,
		)
	}
	return nil
}

// Active reports whether the switch is engaged.
func (k *Kill) Active() bool { return k.active.Load() }

// Reason returns why and when the switch engaged.
func (k *Kill) Reason() (string, time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason, k.at
}

// Activate engages the switch: persist flag, drain queued entries, cancel
// all resting orders, alert. Repeat calls while active are no-ops. The
// returned error reports a failed cancel-all; the switch is engaged
// regardless.
func (k *Kill) Activate(ctx context.Context, reason string) error {
	k.mu.Lock()
	if k.active.Load() {
		k.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	state := types.RiskState{KillSwitchActive: true, KillReason: reason, KilledAt: now}
	if err := k.store.SaveRiskState(ctx, state); err != nil {
		// Keep going: the in-memory flag still blocks entries.
		k.logger.Error("kill switch persist failed", "error", err)
	}
	k.active.Store(true)
	k.reason, k.at = reason, now
	k.mu.Unlock()

	metrics.KillSwitch.Set(1)

	dropped := 0
	if k.queue != nil {
		dropped = k.queue.DrainEntries()
	}
	k.logger.Error("KILL SWITCH ACTIVATED",
		"reason", reason,
		"dropped_signals", dropped,
	)

	_, err := k.cancelAll.WithContext(ctx).Get(func() (*types.CancelResponse, error) {
		return k.orders.CancelAll(ctx)
	})
	if err != nil {
		k.logger.Error("cancel all failed after retries", "error", err)
		k.alertf("KILL SWITCH: %s\nCancel-all FAILED: %v\nCancel resting orders manually.", reason, err)
		return fmt.Errorf("kill engaged but cancel all failed: %w", err)
	}

	k.alertf("KILL SWITCH: %s\nEntries halted, resting orders cancelled. Clear manually to resume.", reason)
	return nil
}

// Clear resets the switch. Control-surface use only.
func (k *Kill) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active.Load() {
		return nil
	}
	if err := k.store.SaveRiskState(ctx, types.RiskState{}); err != nil {
		return fmt.Errorf("clear kill switch: %w", err)
	}
	k.active.Store(false)
	k.reason, k.at = "", time.Time{}
	metrics.KillSwitch.Set(0)
	k.logger.Info("kill switch cleared")
	return nil
}

func (k *Kill) alertf(format string, args ...any) {
	if k.alert != nil {
		k.alert(fmt.Sprintf(format, args...))
	}
}
