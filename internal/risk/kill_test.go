package risk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

type stubQueue struct {
	drained int
	calls   int
}

func (q *stubQueue) DrainEntries() int {
	q.calls++
	return q.drained
}

type stubCanceller struct {
	mu        sync.Mutex
	calls     int
	failFirst int
}

func (c *stubCanceller) CancelAll(context.Context) (*types.CancelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFirst {
		return nil, fmt.Errorf("cancel all attempt %d failed", c.calls)
	}
	return &types.CancelResponse{}, nil
}

func (c *stubCanceller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newKillStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKillActivateSequence(t *testing.T) {
	t.Parallel()

	st := newKillStore(t)
	queue := &stubQueue{drained: 4}
	canceller := &stubCanceller{}
	var alerts []string
	k := NewKill(st, queue, canceller, func(text string) { alerts = append(alerts, text) }, discardLogger())
	ctx := context.Background()

	if k.Active() {
		t.Fatal("Active() = true before activation")
	}
	if err := k.Activate(ctx, "daily loss limit"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if !k.Active() {
		t.Error("Active() = false after activation")
	}
	if reason, at := k.Reason(); reason != "daily loss limit" || at.IsZero() {
		t.Errorf("Reason() = %q, %v", reason, at)
	}
	if queue.calls != 1 {
		t.Errorf("DrainEntries calls = %d, want 1", queue.calls)
	}
	if got := canceller.callCount(); got != 1 {
		t.Errorf("CancelAll calls = %d, want 1", got)
	}
	if len(alerts) != 1 || !strings.Contains(alerts[0], "KILL SWITCH") {
		t.Errorf("alerts = %v", alerts)
	}

	rs, err := st.GetRiskState(ctx)
	if err != nil {
		t.Fatalf("GetRiskState: %v", err)
	}
	if !rs.KillSwitchActive || rs.KillReason != "daily loss limit" {
		t.Errorf("persisted state = %+v", rs)
	}
}

func TestKillActivateIdempotent(t *testing.T) {
	t.Parallel()

	st := newKillStore(t)
	queue := &stubQueue{}
	canceller := &stubCanceller{}
	k := NewKill(st, queue, canceller, nil, discardLogger())
	ctx := context.Background()

	if err := k.Activate(ctx, "first"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := k.Activate(ctx, "second"); err != nil {
		t.Fatalf("repeat Activate: %v", err)
	}

	if got := canceller.callCount(); got != 1 {
		t.Errorf("CancelAll calls = %d, want 1", got)
	}
	if queue.calls != 1 {
		t.Errorf("DrainEntries calls = %d, want 1", queue.calls)
	}
	if reason, _ := k.Reason(); reason != "first" {
		t.Errorf("Reason() = %q, want the original reason", reason)
	}
}

func TestKillRetriesCancelAll(t *testing.T) {
	t.Parallel()

	canceller := &stubCanceller{failFirst: 1}
	k := NewKill(newKillStore(t), nil, canceller, nil, discardLogger())

	if err := k.Activate(context.Background(), "test"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := canceller.callCount(); got != 2 {
		t.Errorf("CancelAll calls = %d, want 2 (one retry)", got)
	}
}

func TestKillLoadRestoresPreviousRun(t *testing.T) {
	t.Parallel()

	st := newKillStore(t)
	ctx := context.Background()
	killed := time.Now().UTC().Add(-time.Hour)
	err := st.SaveRiskState(ctx, types.RiskState{
		KillSwitchActive: true,
		KillReason:       "manual",
		KilledAt:         killed,
	})
	if err != nil {
		t.Fatalf("SaveRiskState: %v", err)
	}

	k := NewKill(st, nil, &stubCanceller{}, nil, discardLogger())
	if err := k.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !k.Active() {
		t.Error("Active() = false, want the persisted kill to hold")
	}
	if reason, at := k.Reason(); reason != "manual" || !at.Equal(killed) {
		t.Errorf("Reason() = %q, %v, want manual, %v", reason, at, killed)
	}
}

func TestKillClear(t *testing.T) {
	t.Parallel()

	st := newKillStore(t)
	k := NewKill(st, nil, &stubCanceller{}, nil, discardLogger())
	ctx := context.Background()

	if err := k.Activate(ctx, "test"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := k.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if k.Active() {
		t.Error("Active() = true after Clear")
	}
	rs, err := st.GetRiskState(ctx)
	if err != nil {
		t.Fatalf("GetRiskState: %v", err)
	}
	if rs.KillSwitchActive {
		t.Errorf("persisted state still active: %+v", rs)
	}
}
