// Package position watches open positions and decides when they exit.
//
// The manager consumes top-of-book price events, fires take-profit rungs,
// stop losses, and trailing stops, and turns them into exit signals for the
// order manager. It also polls tracked markets for resolution and settles
// resolved positions directly, since no order can trade on a closed book.
//
// At most one exit is in flight per position. The in-memory closing set is
// the fast-path claim; the store's open → closing transition is the durable
// one. The claim is taken before any I/O and released only when the order
// manager reports a durable outcome.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

const resolvePollInterval = time.Minute

// SignalSink accepts exit signals for execution.
type SignalSink interface {
	Submit(sig *types.Signal) bool
}

// MarketSource resolves market metadata, used here for resolution checks
// and minimum-size floors.
type MarketSource interface {
	Market(ctx context.Context, marketID string) (*types.MarketInfo, error)
}

// NotifyFunc pushes an operator notification. May be nil.
type NotifyFunc func(text string)

// Deps are the manager's collaborators, wired by the engine.
type Deps struct {
	Store   *store.Store
	Sink    SignalSink
	Markets MarketSource
	Prices  <-chan types.PriceEvent
	Fills   <-chan types.PositionEvent
	Notify  NotifyFunc
}

// Manager owns the exit lifecycle of every open position.
type Manager struct {
	store   *store.Store
	sink    SignalSink
	markets MarketSource
	prices  <-chan types.PriceEvent
	fills   <-chan types.PositionEvent
	notify  NotifyFunc
	fees    config.FeeConfig
	logger  *slog.Logger

	resolveEvery time.Duration

	mu      sync.Mutex
	tracked map[int64]*types.Position
	closing map[int64]bool // exit in flight
}

func NewManager(cfg *config.Config, d Deps, logger *slog.Logger) *Manager {
	return &Manager{
		store:        d.Store,
		sink:         d.Sink,
		markets:      d.Markets,
		prices:       d.Prices,
		fills:        d.Fills,
		notify:       d.Notify,
		fees:         cfg.Fees,
		logger:       logger.With("component", "position"),
		resolveEvery: resolvePollInterval,
		tracked:      make(map[int64]*types.Position),
		closing:      make(map[int64]bool),
	}
}

// Load restores tracked positions from the store. Positions already in
// closing keep their claim: startup recovery re-queues their exits, so the
// manager must not emit another.
func (m *Manager) Load(ctx context.Context) error {
	positions, err := m.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var inFlight int
	for _, pos := range positions {
		m.tracked[pos.ID] = pos
		if pos.Status == types.PositionClosing {
			m.closing[pos.ID] = true
			inFlight++
		}
	}
	m.logger.Info("tracking positions", "open", len(positions)-inFlight, "closing", inFlight)
	return nil
}

// Run consumes price and fill events until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.resolveEvery)
	defer ticker.Stop()

	m.logger.Info("position manager started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.prices:
			if !ok {
				return errors.New("price feed closed")
			}
			m.onPrice(ctx, ev)
		case ev := <-m.fills:
			m.onFill(ev)
		case <-ticker.C:
			m.checkResolutions(ctx)
		}
	}
}

// Positions returns copies of all tracked positions, ordered by ID.
func (m *Manager) Positions() []*types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Position, 0, len(m.tracked))
	for _, pos := range m.tracked {
		out = append(out, clonePosition(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Price-driven exits
// ————————————————————————————————————————————————————————————————————————

// onPrice evaluates every position in the event's token against the price
// it could actually exit at: the bid, falling back to mid.
func (m *Manager) onPrice(ctx context.Context, ev types.PriceEvent) {
	px := ev.Bid
	if px <= 0 {
		px = ev.Mid
	}
	if px <= 0 {
		return
	}
	for _, pos := range m.positionsForToken(ev.TokenID) {
		m.evaluate(ctx, pos, px)
	}
}

// positionsForToken returns clones; evaluate mutates its copy and writes it
// back with replace, so concurrent Positions readers never see a torn update.
func (m *Manager) positionsForToken(tokenID string) []*types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Position
	for _, pos := range m.tracked {
		if pos.TokenID == tokenID && !m.closing[pos.ID] {
			out = append(out, clonePosition(pos))
		}
	}
	return out
}

// evaluate runs the exit rules for one LONG position at one price. The
// stop loss floors everything; the trailing stop ratchets but only fires
// once armed by a take profit; rungs fire low to high, once each.
func (m *Manager) evaluate(ctx context.Context, pos *types.Position, px float64) {
	if pos.SLPrice > 0 && px <= pos.SLPrice {
		m.exitFull(ctx, pos,
			fmt.Sprintf("stop loss: $%.3f at or below $%.3f", px, pos.SLPrice))
		return
	}

	if pos.TrailAnchor > 0 && pos.TrailPct > 0 {
		if px > pos.TrailAnchor {
			pos.TrailAnchor = px
			m.persist(ctx, pos)
			m.replace(pos)
		} else if retrace := (pos.TrailAnchor - px) / pos.TrailAnchor; retrace >= pos.TrailPct {
			m.exitFull(ctx, pos,
				fmt.Sprintf("trailing stop: $%.3f retraced %.1f%% from $%.3f",
					px, retrace*100, pos.TrailAnchor))
			return
		}
	}

	for i := range pos.TPLevels {
		tp := &pos.TPLevels[i]
		if tp.Fired || px < tp.TriggerPrice {
			continue
		}
		m.fireTakeProfit(ctx, pos, i, px)
		return
	}
}

// fireTakeProfit sells the rung's fraction of current shares and arms the
// trailing stop from this price. If the sale or the remainder would be too
// small for the venue, the whole position goes instead.
func (m *Manager) fireTakeProfit(ctx context.Context, pos *types.Position, rung int, px float64) {
	shares := floorShares(pos.TPLevels[rung].FractionToSell * pos.Shares)
	remainder := pos.Shares - shares

	minSize := 1.0
	if info, err := m.markets.Market(ctx, pos.MarketID); err == nil && info.MinOrderSize > 0 {
		minSize = info.MinOrderSize
	}
	if shares < minSize || remainder < minSize {
		shares = pos.Shares
	}

	if !m.claim(pos.ID) {
		return
	}
	if err := m.store.MarkClosing(ctx, pos.ID); err != nil {
		m.release(pos.ID)
		m.logger.Warn("take profit skipped, position not open in store",
			"position", pos.ID, "error", err)
		return
	}
	pos.Status = types.PositionClosing
	pos.TPLevels[rung].Fired = true
	if pos.TrailPct > 0 && px > pos.TrailAnchor {
		pos.TrailAnchor = px
	}
	m.persist(ctx, pos)
	m.replace(pos)

	why := fmt.Sprintf("take profit %d/%d: $%.3f reached $%.3f",
		rung+1, len(pos.TPLevels), px, pos.TPLevels[rung].TriggerPrice)
	if shares >= pos.Shares {
		why += ", closing remainder"
	}
	m.emitExit(pos, shares, why)
}

func (m *Manager) exitFull(ctx context.Context, pos *types.Position, why string) {
	if !m.claim(pos.ID) {
		return
	}
	if err := m.store.MarkClosing(ctx, pos.ID); err != nil {
		m.release(pos.ID)
		m.logger.Warn("exit skipped, position not open in store",
			"position", pos.ID, "error", err)
		return
	}
	pos.Status = types.PositionClosing
	m.replace(pos)
	m.emitExit(pos, pos.Shares, why)
}

func (m *Manager) emitExit(pos *types.Position, shares float64, why string) {
	sig := types.NewSignal(pos.Strategy, pos.MarketID, pos.TokenID,
		types.SELL, 0, 0, types.OrderTypeFAK, why)
	sig.IsExit = true
	sig.ParentPositionID = pos.ID
	sig.SizeShares = shares

	metrics.SignalsEmitted.WithLabelValues(string(pos.Strategy)).Inc()
	m.logger.Info("exit signal",
		"position", pos.ID, "market", pos.MarketID, "shares", shares, "why", why)
	if !m.sink.Submit(sig) {
		// The position stays closing; startup recovery retries the exit.
		m.logger.Error("exit queue refused signal", "position", pos.ID)
		m.notifyf("CRITICAL: exit for position %d could not be queued", pos.ID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Fill events from the order manager
// ————————————————————————————————————————————————————————————————————————

// onFill reconciles the in-memory book with a durable position change.
// Partial exits release the claim so later rungs can fire.
func (m *Manager) onFill(ev types.PositionEvent) {
	pos := ev.Position
	if pos == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case types.PositionOpened:
		m.tracked[pos.ID] = clonePosition(pos)
	case types.PositionPartialExit:
		m.tracked[pos.ID] = clonePosition(pos)
		delete(m.closing, pos.ID)
	case types.PositionClosedOut:
		delete(m.tracked, pos.ID)
		delete(m.closing, pos.ID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Resolution settlement
// ————————————————————————————————————————————————————————————————————————

// checkResolutions settles positions whose market has resolved. Winning
// shares redeem at $1 less the winner fee; losing shares expire worthless.
// Settlement ignores the closing claim: a resolved book cannot fill the
// in-flight exit, and the store's status guard arbitrates any race.
func (m *Manager) checkResolutions(ctx context.Context) {
	positions := m.Positions()
	infos := make(map[string]*types.MarketInfo, len(positions))
	for _, pos := range positions {
		info, ok := infos[pos.MarketID]
		if !ok {
			var err error
			info, err = m.markets.Market(ctx, pos.MarketID)
			if err != nil {
				m.logger.Debug("resolution check failed",
					"market", pos.MarketID, "error", err)
				continue
			}
			infos[pos.MarketID] = info
		}
		if info == nil || !info.Resolved {
			continue
		}
		m.settleResolved(ctx, pos, info)
	}
}

func (m *Manager) settleResolved(ctx context.Context, pos *types.Position, info *types.MarketInfo) {
	won := info.WinningOutcome == pos.Outcome
	var entryFeeShare float64
	if pos.EntryShares > 0 {
		entryFeeShare = pos.EntryFee * pos.Shares / pos.EntryShares
	}

	var delta float64
	if won {
		winnings := (1 - pos.EntryPrice) * pos.Shares
		delta = winnings - winnings*m.fees.WinnerFeePct/100 - entryFeeShare
	} else {
		delta = -pos.EntryPrice*pos.Shares - entryFeeShare
	}
	realized := pos.RealizedPnL + delta

	if err := m.store.ResolvePosition(ctx, pos.ID, realized); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			// An exit fill beat the settlement; the position is terminal.
			m.forget(pos.ID)
			return
		}
		m.logger.Error("settle resolved position failed", "position", pos.ID, "error", err)
		return
	}
	m.forget(pos.ID)

	result := "lost"
	if won {
		result = "won"
	}
	m.logger.Info("position resolved",
		"position", pos.ID, "market", pos.MarketID,
		"outcome", pos.Outcome, "result", result, "pnl", delta)
	m.notifyf("Resolved %s: %s %s, P&L %+.2f USD", pos.MarketID, pos.Outcome, result, delta)
}

// ————————————————————————————————————————————————————————————————————————
// Claim bookkeeping
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) claim(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing[id] {
		return false
	}
	m.closing[id] = true
	return true
}

func (m *Manager) release(id int64) {
	m.mu.Lock()
	delete(m.closing, id)
	m.mu.Unlock()
}

// replace swaps the tracked copy for an updated clone, unless a fill event
// already removed the position.
func (m *Manager) replace(pos *types.Position) {
	m.mu.Lock()
	if _, ok := m.tracked[pos.ID]; ok {
		m.tracked[pos.ID] = pos
	}
	m.mu.Unlock()
}

func (m *Manager) forget(id int64) {
	m.mu.Lock()
	delete(m.tracked, id)
	delete(m.closing, id)
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context, pos *types.Position) {
	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		m.logger.Error("persist position state failed", "position", pos.ID, "error", err)
	}
}

func (m *Manager) notifyf(format string, args ...any) {
	if m.notify != nil {
		m.notify(fmt.Sprintf(format, args...))
	}
}

func clonePosition(p *types.Position) *types.Position {
	cp := *p
	cp.TPLevels = append([]types.TPLevel(nil), p.TPLevels...)
	return &cp
}

func floorShares(shares float64) float64 {
	return math.Floor(shares*100) / 100
}
