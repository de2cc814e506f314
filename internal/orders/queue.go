package orders

import (
	"context"
	"log/slog"
	"sync"

	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/pkg/types"
)

const (
	// queueCapacity bounds total buffered signals. Strategies that emit
	// faster than the worker executes lose entries, never exits.
	queueCapacity = 256

	// exitReserved slots are invisible to entries, so a queue jammed with
	// entry signals can still accept every exit.
	exitReserved = 32
)

// Queue is the bounded signal buffer feeding the order manager's worker.
// Exits dequeue before entries regardless of arrival order.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	exits   []*types.Signal
	entries []*types.Signal

	wake chan struct{}
}

func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		logger: logger.With("component", "signal_queue"),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue adds a signal and reports whether it was accepted. Never blocks.
func (q *Queue) Enqueue(sig *types.Signal) bool {
	q.mu.Lock()
	total := len(q.exits) + len(q.entries)
	switch {
	case sig.IsExit && total >= queueCapacity:
		q.mu.Unlock()
		q.logger.Error("queue full, dropping exit signal",
			"signal", sig.ID, "position", sig.ParentPositionID)
		metrics.SignalsRejected.WithLabelValues(string(sig.Strategy), "queue_full").Inc()
		return false
	case !sig.IsExit && total >= queueCapacity-exitReserved:
		q.mu.Unlock()
		q.logger.Warn("queue full, dropping entry signal",
			"signal", sig.ID, "strategy", sig.Strategy, "market", sig.MarketID)
		metrics.SignalsRejected.WithLabelValues(string(sig.Strategy), "queue_full").Inc()
		return false
	case sig.IsExit:
		q.exits = append(q.exits, sig)
	default:
		q.entries = append(q.entries, sig)
	}
	depth := len(q.exits) + len(q.entries)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Dequeue blocks until a signal is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*types.Signal, error) {
	for {
		if sig := q.pop(); sig != nil {
			return sig, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) pop() *types.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sig *types.Signal
	switch {
	case len(q.exits) > 0:
		sig, q.exits = q.exits[0], q.exits[1:]
	case len(q.entries) > 0:
		sig, q.entries = q.entries[0], q.entries[1:]
	default:
		return nil
	}
	metrics.QueueDepth.Set(float64(len(q.exits) + len(q.entries)))
	return sig
}

// DrainEntries discards every queued entry, preserving exits. The kill
// switch calls this before cancelling resting orders.
func (q *Queue) DrainEntries() int {
	q.mu.Lock()
	n := len(q.entries)
	q.entries = nil
	depth := len(q.exits)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if n > 0 {
		q.logger.Warn("drained queued entry signals", "dropped", n)
	}
	return n
}

// Len returns the number of queued exits and entries.
func (q *Queue) Len() (exits, entries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.exits), len(q.entries)
}
