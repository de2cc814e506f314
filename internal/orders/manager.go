// Package orders turns approved signals into exchange orders and books the
// resulting fills. A single worker drains a bounded queue, so execution
// effects apply strictly in dequeue order: risk check, live price fetch,
// USD-to-share conversion, placement, fill confirmation, and one-transaction
// persistence of the order, trade, and position change.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/portfolio"
	"github.com/0xtitan6/polytrader/internal/risk"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

const (
	confirmInterval = 500 * time.Millisecond
	confirmTimeout  = 10 * time.Second

	exitRetryBase   = time.Second
	exitRetryCap    = 5 * time.Minute
	maxExitAttempts = 8

	// CLOB share sizes round to hundredths.
	shareDecimals = 100
	shareEpsilon  = 1e-9
)

// ErrQueueFull is returned by SubmitWait when the queue refuses a signal.
var ErrQueueFull = errors.New("signal queue full")

// Exchange is the adapter surface the manager drives. Both the live client
// and the paper trader satisfy it.
type Exchange interface {
	GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error)
	PlaceOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error)
}

// MarketSource resolves market metadata (tick size, outcome tokens,
// neg-risk flag, minimum size) for the market a signal trades.
type MarketSource interface {
	Market(ctx context.Context, marketID string) (*types.MarketInfo, error)
}

// PortfolioView supplies the account state the risk gate evaluates.
type PortfolioView interface {
	Snapshot() *types.PortfolioSnapshot
	Daily() (portfolio.Daily, bool)
}

// NotifyFunc pushes an operator notification. May be nil.
type NotifyFunc func(text string)

// Deps are the manager's collaborators, wired by the engine.
type Deps struct {
	Queue    *Queue
	Gate     *risk.Gate
	Kill     *risk.Kill
	Store    *store.Store
	Exchange Exchange
	Markets  MarketSource
	View     PortfolioView
	Notify   NotifyFunc
}

// Manager executes signals. Entries fail permanently on any error; exits
// retry with exponential backoff because an unclosed position is an open
// risk, while a missed entry is only a missed opportunity.
type Manager struct {
	queue   *Queue
	gate    *risk.Gate
	kill    *risk.Kill
	store   *store.Store
	exch    Exchange
	markets MarketSource
	view    PortfolioView
	notify  NotifyFunc
	fees    config.FeeConfig
	minSize float64
	logger  *slog.Logger

	events chan types.PositionEvent

	// Test hooks; production values come from the consts above.
	confirmEvery time.Duration
	confirmFor   time.Duration
	retryBase    time.Duration

	mu       sync.Mutex
	attempts map[string]int // exit signal ID → executions so far
	waiters  map[string]chan *types.ExecResult
}

func NewManager(cfg *config.Config, d Deps, logger *slog.Logger) *Manager {
	return &Manager{
		queue:        d.Queue,
		gate:         d.Gate,
		kill:         d.Kill,
		store:        d.Store,
		exch:         d.Exchange,
		markets:      d.Markets,
		view:         d.View,
		notify:       d.Notify,
		fees:         cfg.Fees,
		minSize:      cfg.Risk.MinPositionSizeUSD,
		logger:       logger.With("component", "orders"),
		events:       make(chan types.PositionEvent, 64),
		confirmEvery: confirmInterval,
		confirmFor:   confirmTimeout,
		retryBase:    exitRetryBase,
		attempts:     make(map[string]int),
		waiters:      make(map[string]chan *types.ExecResult),
	}
}

// Events is the stream of durable position changes, one event per committed
// fill transaction. The position manager is the sole consumer.
func (m *Manager) Events() <-chan types.PositionEvent { return m.events }

// Submit queues a signal for execution. False means the queue refused it.
func (m *Manager) Submit(sig *types.Signal) bool {
	return m.queue.Enqueue(sig)
}

// SubmitWait queues a signal and blocks until its terminal result: a fill,
// a rejection, a permanent entry failure, or an abandoned exit. Exits that
// are still retrying do not resolve the wait.
func (m *Manager) SubmitWait(ctx context.Context, sig *types.Signal) (*types.ExecResult, error) {
	ch := make(chan *types.ExecResult, 1)
	m.mu.Lock()
	m.waiters[sig.ID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, sig.ID)
		m.mu.Unlock()
	}()

	if !m.queue.Enqueue(sig) {
		return nil, ErrQueueFull
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes signals until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("order manager started")
	for {
		sig, err := m.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		m.process(ctx, sig)
	}
}

func (m *Manager) process(ctx context.Context, sig *types.Signal) {
	res := m.execute(ctx, sig)
	if res == nil {
		return // exit re-queued for retry, not terminal yet
	}
	m.publish(sig, res)
}

// RecoverExits re-queues an exit for every position stuck in closing from
// a previous run. Called once at startup, after the first portfolio refresh
// and before strategies start.
func (m *Manager) RecoverExits(ctx context.Context) (int, error) {
	stuck, err := m.store.ClosingPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load closing positions: %w", err)
	}
	for _, pos := range stuck {
		sig := types.NewSignal(pos.Strategy, pos.MarketID, pos.TokenID,
			types.SELL, 0, 0, types.OrderTypeFAK, "startup recovery of in-flight exit")
		sig.IsExit = true
		sig.ParentPositionID = pos.ID
		sig.SizeShares = pos.Shares
		m.queue.Enqueue(sig)
		m.logger.Warn("re-queued interrupted exit",
			"position", pos.ID, "market", pos.MarketID, "shares", pos.Shares)
	}
	return len(stuck), nil
}

// ReconcileOrders books venue outcomes for orders a previous run left in
// flight. Rows that died before venue acknowledgement are marked failed;
// immediate-mode rows settle through SettleResting, which closes the parent
// position when the interrupted order was an exit that actually filled.
// Resting GTC rows are left to their owning strategy's reconciler, which
// re-attaches the right exit plan. Runs at startup before RecoverExits so
// a filled exit is booked rather than re-run.
func (m *Manager) ReconcileOrders(ctx context.Context) (int, error) {
	pending, err := m.store.OrdersByStatus(ctx, types.OrderPending)
	if err != nil {
		return 0, fmt.Errorf("load pending orders: %w", err)
	}
	for _, order := range pending {
		order.Status = types.OrderFailed
		order.FailReason = "interrupted before venue acknowledgement"
		if err := m.store.UpdateOrder(ctx, order); err != nil {
			return 0, fmt.Errorf("persist interrupted order: %w", err)
		}
		m.logger.Warn("order interrupted before venue acknowledgement, marked failed",
			"order", order.ID, "market", order.MarketID, "side", order.Side)
	}
	if len(pending) > 0 {
		m.notifyf("Marked %d order(s) interrupted before venue acknowledgement as failed; check the book for strays", len(pending))
	}

	submitted, err := m.store.OrdersByStatus(ctx, types.OrderSubmitted)
	if err != nil {
		return 0, fmt.Errorf("load submitted orders: %w", err)
	}
	settled := 0
	for _, order := range submitted {
		if order.OrderType == types.OrderTypeGTC {
			continue
		}
		res, err := m.SettleResting(ctx, order.ExchangeID, nil)
		if err != nil {
			m.logger.Error("settle interrupted order failed",
				"order", order.ID, "exchange_id", order.ExchangeID, "error", err)
			continue
		}
		settled++
		m.logger.Warn("interrupted order settled",
			"order", order.ID, "market", order.MarketID,
			"status", res.Order.Status, "filled", res.Order.FilledSize)
	}
	return settled, nil
}

// SettleResting books the terminal outcome of an order that left the book
// without its result being recorded: GTC bids whose owning strategy finds
// them missing from open_orders, and immediate-mode orders interrupted
// before confirmation. plan supplies exit rules for a position the fill
// opens; nil attaches none. Safe to call again on an already settled order.
func (m *Manager) SettleResting(ctx context.Context, exchangeID string, plan *types.ExitPlan) (*types.ExecResult, error) {
	order, err := m.store.OrderByExchangeID(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return &types.ExecResult{Order: order}, nil
	}

	status, err := m.exch.GetOrderStatus(ctx, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	filled := math.Min(parseShares(status.SizeMatched), order.Size)
	if filled <= 0 {
		order.Status = types.OrderCancelled
		if err := m.store.UpdateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("persist cancel: %w", err)
		}
		m.logger.Info("resting order gone unfilled",
			"exchange_id", exchangeID, "market", order.MarketID, "status", status.Status)
		return &types.ExecResult{Order: order, Reason: "gone unfilled"}, nil
	}

	market, err := m.markets.Market(ctx, order.MarketID)
	if err != nil {
		return nil, fmt.Errorf("market lookup: %w", err)
	}

	// The status endpoint reports matched size only. Fills book at the
	// limit price: exact for resting makers, worst-case for takers.
	order.FilledSize = filled
	order.AvgFillPrice = order.Price
	if order.Size-filled <= shareEpsilon {
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartial
	}

	sig := &types.Signal{
		ID:        order.SignalID,
		Strategy:  order.Strategy,
		MarketID:  order.MarketID,
		TokenID:   order.TokenID,
		Side:      order.Side,
		IsExit:    order.IsExit,
		Reasoning: "settled off the book",
		ExitPlan:  plan,
	}
	if order.IsExit {
		parent, err := m.parentPosition(ctx, order)
		if err != nil {
			return nil, err
		}
		sig.ParentPositionID = parent.ID
	}
	return m.applyFill(ctx, sig, order, market), nil
}

// parentPosition resolves the closing position an exit order is selling.
// Entry exposure is exclusive per market (arb legs split by token), so the
// closing position matching the order's strategy and token is unique.
func (m *Manager) parentPosition(ctx context.Context, order *types.Order) (*types.Position, error) {
	positions, err := m.store.PositionsByMarket(ctx, order.MarketID)
	if err != nil {
		return nil, fmt.Errorf("market positions: %w", err)
	}
	for _, pos := range positions {
		if pos.Status == types.PositionClosing &&
			pos.Strategy == order.Strategy && pos.TokenID == order.TokenID {
			return pos, nil
		}
	}
	return nil, fmt.Errorf("no closing position for exit order %d in %s",
		order.ID, order.MarketID)
}

// ————————————————————————————————————————————————————————————————————————
// Execution pipeline
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) execute(ctx context.Context, sig *types.Signal) *types.ExecResult {
	if d := m.gate.Check(sig, m.riskView(ctx, sig)); !d.Allowed {
		if sig.IsExit {
			return m.exitFailed(sig, nil, fmt.Errorf("risk gate: %s", d.Reason))
		}
		m.notifyf("Rejected %s entry in %s: %s", sig.Strategy, sig.MarketID, d.Reason)
		return &types.ExecResult{Rejected: true, Reason: string(d.Reason)}
	}
	if !sig.IsExit && sig.Side != types.BUY {
		// Selling tokens the bot does not hold is not a thing on this
		// venue; a SELL that is not an exit is a strategy bug.
		return m.failEntry(sig, nil, errors.New("entry signals must be BUY"))
	}
	if !sig.IsExit && sig.SizeUSD < m.minSize {
		return m.failEntry(sig, nil,
			fmt.Errorf("size $%.2f below minimum $%.2f", sig.SizeUSD, m.minSize))
	}

	market, err := m.markets.Market(ctx, sig.MarketID)
	if err != nil {
		return m.fail(sig, nil, fmt.Errorf("market lookup: %w", err))
	}

	price, err := m.exch.GetPrice(ctx, sig.TokenID, sig.Side)
	if err != nil {
		return m.fail(sig, nil, fmt.Errorf("live price: %w", err))
	}
	if price <= 0 || price >= 1 {
		return m.fail(sig, nil, fmt.Errorf("live price %v outside (0, 1)", price))
	}

	// Sizing happens here and only here. Entries convert USD notional at
	// the live price, never at the strategy's possibly stale quote. Exits
	// carry an exact share count.
	var shares float64
	if sig.IsExit {
		shares = roundDownShares(sig.SizeShares)
	} else {
		shares = roundDownShares(sig.SizeUSD / price)
	}
	if shares <= 0 || shares < market.MinOrderSize {
		err := fmt.Errorf("%.2f shares below market minimum %.2f", shares, market.MinOrderSize)
		if sig.IsExit {
			// Retrying cannot grow a share-denominated exit.
			return m.abandonExit(sig, nil, err)
		}
		return m.failEntry(sig, nil, err)
	}

	limit := sig.LimitPrice
	if limit <= 0 {
		limit = price
	}

	order := &types.Order{
		SignalID:  sig.ID,
		Strategy:  sig.Strategy,
		MarketID:  sig.MarketID,
		TokenID:   sig.TokenID,
		Side:      sig.Side,
		OrderType: sig.OrderType,
		Price:     limit,
		Size:      shares,
		Status:    types.OrderPending,
		IsExit:    sig.IsExit,
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		return m.fail(sig, nil, fmt.Errorf("persist order: %w", err))
	}

	resp, err := m.exch.PlaceOrder(ctx, types.UserOrder{
		TokenID:   sig.TokenID,
		Price:     limit,
		Size:      shares,
		Side:      sig.Side,
		OrderType: sig.OrderType,
		TickSize:  market.TickSize,
		NegRisk:   market.NegRisk,
	})
	if err != nil {
		order.Status = types.OrderRejected
		order.FailReason = err.Error()
		if uerr := m.store.UpdateOrder(ctx, order); uerr != nil {
			m.logger.Error("persist order rejection failed", "order", order.ID, "error", uerr)
		}
		if sig.IsExit {
			return m.exitFailed(sig, order, fmt.Errorf("place order: %w", err))
		}
		metrics.OrdersFailed.WithLabelValues(string(sig.Strategy), "rejected").Inc()
		m.logger.Warn("entry rejected by exchange",
			"signal", sig.ID, "market", sig.MarketID, "error", err)
		return &types.ExecResult{Order: order, Reason: "place order: " + err.Error()}
	}

	order.ExchangeID = resp.OrderID
	order.Status = types.OrderSubmitted
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		m.logger.Error("persist order submission failed", "order", order.ID, "error", err)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(sig.Strategy), string(sig.Side)).Inc()

	// GTC orders rest on the book. The owning strategy reconciles their
	// lifecycle; there is nothing to confirm now.
	if sig.OrderType == types.OrderTypeGTC {
		m.logger.Info("order resting",
			"signal", sig.ID, "exchange_id", order.ExchangeID,
			"price", limit, "shares", shares)
		return &types.ExecResult{Order: order}
	}

	return m.confirm(ctx, sig, order, market, resp)
}

// confirm resolves an immediate-mode order to filled, partial, or failed.
func (m *Manager) confirm(ctx context.Context, sig *types.Signal, order *types.Order,
	market *types.MarketInfo, resp *types.OrderResponse) *types.ExecResult {

	var filled float64
	if strings.EqualFold(resp.Status, "matched") {
		filled = order.Size
	} else {
		filled = m.pollFill(ctx, order)
	}

	if filled <= shareEpsilon {
		order.Status = types.OrderFailed
		order.FailReason = "no fill before confirmation timeout"
		if err := m.store.UpdateOrder(ctx, order); err != nil {
			m.logger.Error("persist order timeout failed", "order", order.ID, "error", err)
		}
		metrics.OrdersFailed.WithLabelValues(string(sig.Strategy), "timeout").Inc()
		if sig.IsExit {
			return m.exitFailed(sig, order, errors.New(order.FailReason))
		}
		m.logger.Warn("entry unfilled", "signal", sig.ID, "market", sig.MarketID,
			"price", order.Price, "shares", order.Size)
		return &types.ExecResult{Order: order, Reason: order.FailReason}
	}

	if filled > order.Size {
		filled = order.Size
	}
	order.FilledSize = filled
	// The CLOB matches marketable orders at the limit or better; the limit
	// is the conservative fill price for accounting.
	order.AvgFillPrice = order.Price
	if order.Size-filled <= shareEpsilon {
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartial
	}

	return m.applyFill(ctx, sig, order, market)
}

// pollFill polls order status until the order reaches a terminal state or
// the confirmation window ends. On timeout the remainder is cancelled and
// status is read once more, so a fill that races the cancel still counts.
func (m *Manager) pollFill(ctx context.Context, order *types.Order) float64 {
	deadline := time.Now().Add(m.confirmFor)
	ticker := time.NewTicker(m.confirmEvery)
	defer ticker.Stop()

	var matched float64
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return matched
		case <-ticker.C:
		}
		st, err := m.exch.GetOrderStatus(ctx, order.ExchangeID)
		if err != nil {
			m.logger.Debug("order status poll failed", "order", order.ExchangeID, "error", err)
			continue
		}
		matched = parseShares(st.SizeMatched)
		switch strings.ToUpper(st.Status) {
		case "MATCHED":
			if matched <= 0 {
				matched = order.Size
			}
			return matched
		case "CANCELED", "CANCELLED":
			return matched
		}
	}

	if err := m.exch.CancelOrder(ctx, order.ExchangeID); err != nil {
		m.logger.Warn("cancel after confirmation timeout failed",
			"order", order.ExchangeID, "error", err)
	}
	if st, err := m.exch.GetOrderStatus(ctx, order.ExchangeID); err == nil {
		matched = parseShares(st.SizeMatched)
	}
	return matched
}

// applyFill persists the order update, the trade, and the position change
// in one transaction, then announces the change.
func (m *Manager) applyFill(ctx context.Context, sig *types.Signal, order *types.Order,
	market *types.MarketInfo) *types.ExecResult {

	notional := order.FilledSize * order.AvgFillPrice
	fee := notional * m.fees.TakerRatePct / 100

	trade := &types.Trade{
		ExchangeID: "order-" + order.ExchangeID,
		OrderID:    order.ID,
		MarketID:   order.MarketID,
		TokenID:    order.TokenID,
		Side:       order.Side,
		Price:      order.AvgFillPrice,
		Size:       order.FilledSize,
		Fee:        fee,
		ExecutedAt: time.Now().UTC(),
	}

	var pos *types.Position
	var kind types.PositionEventKind
	if sig.IsExit {
		var err error
		pos, err = m.store.GetPosition(ctx, sig.ParentPositionID)
		if err != nil {
			// The fill happened; record it on the order and scream.
			if uerr := m.store.UpdateOrder(ctx, order); uerr != nil {
				m.logger.Error("persist filled order failed", "order", order.ID, "error", uerr)
			}
			m.logger.Error("exit filled but parent position missing",
				"position", sig.ParentPositionID, "order", order.ID, "error", err)
			m.notifyf("CRITICAL: exit fill for missing position %d, books need manual review", sig.ParentPositionID)
			return &types.ExecResult{Order: order, Reason: "parent position missing"}
		}
		kind = applyExit(pos, order, fee)
	} else {
		pos = m.buildPosition(sig, order, market, fee)
		kind = types.PositionOpened
	}

	if err := m.store.ApplyFill(ctx, order, trade, pos); err != nil {
		m.logger.Error("fill persistence failed",
			"order", order.ID, "position", pos.ID, "error", err)
		m.notifyf("CRITICAL: fill for order %d not persisted: %v", order.ID, err)
		return &types.ExecResult{Order: order, Reason: "persist fill: " + err.Error()}
	}

	m.clearAttempts(sig.ID)
	metrics.FillsRecorded.WithLabelValues(string(sig.Strategy)).Inc()
	m.logger.Info("fill booked",
		"signal", sig.ID, "kind", kind, "market", order.MarketID,
		"side", order.Side, "shares", order.FilledSize, "price", order.AvgFillPrice)
	m.notifyf("%s %s: %s %.2f shares @ $%.3f ($%.2f)\n%s",
		strings.ToUpper(string(sig.Strategy)), kind, order.Side,
		order.FilledSize, order.AvgFillPrice, notional, sig.Reasoning)

	m.emit(ctx, types.PositionEvent{Kind: kind, Position: pos})
	return &types.ExecResult{Order: order, Position: pos}
}

// applyExit books a (possibly partial) exit fill onto the position and
// returns the resulting event kind.
func applyExit(pos *types.Position, order *types.Order, exitFee float64) types.PositionEventKind {
	closed := math.Min(order.FilledSize, pos.Shares)
	gross := (order.AvgFillPrice - pos.EntryPrice) * closed
	if pos.Side == types.PositionShort {
		gross = (pos.EntryPrice - order.AvgFillPrice) * closed
	}
	var entryFee float64
	if pos.EntryShares > 0 {
		entryFee = pos.EntryFee * closed / pos.EntryShares
	}
	pos.RealizedPnL += gross - entryFee - exitFee
	pos.Shares -= closed

	if pos.Shares <= shareEpsilon {
		pos.Shares = 0
		pos.Status = types.PositionClosed
		pos.ClosedAt = time.Now().UTC()
		return types.PositionClosedOut
	}
	pos.Status = types.PositionOpen
	return types.PositionPartialExit
}

// buildPosition creates the position an entry fill opens, converting the
// signal's relative exit plan into absolute trigger prices at the fill.
func (m *Manager) buildPosition(sig *types.Signal, order *types.Order,
	market *types.MarketInfo, entryFee float64) *types.Position {

	pos := &types.Position{
		Strategy:     sig.Strategy,
		MarketID:     sig.MarketID,
		TokenID:      sig.TokenID,
		Outcome:      market.OutcomeOf(sig.TokenID),
		Side:         types.PositionLong,
		EntryPrice:   order.AvgFillPrice,
		Shares:       order.FilledSize,
		EntryShares:  order.FilledSize,
		EntryFee:     entryFee,
		Status:       types.PositionOpen,
		SourceWallet: sig.SourceWallet,
		OpenedAt:     time.Now().UTC(),
	}
	plan := sig.ExitPlan
	if plan == nil {
		return pos
	}
	entry := order.AvgFillPrice
	if plan.StopLossPct > 0 {
		pos.SLPrice = entry * (1 - plan.StopLossPct/100)
	}
	pos.TrailPct = plan.TrailPct / 100
	for _, tp := range plan.TakeProfits {
		trigger := entry * (1 + tp.GainPct/100)
		if trigger >= 1 {
			trigger = 0.99
		}
		pos.TPLevels = append(pos.TPLevels, types.TPLevel{
			TriggerPrice:   trigger,
			FractionToSell: tp.SellFraction,
		})
	}
	return pos
}

// ————————————————————————————————————————————————————————————————————————
// Failure handling
// ————————————————————————————————————————————————————————————————————————

// fail routes a pipeline error: exits schedule a retry, entries drop.
func (m *Manager) fail(sig *types.Signal, order *types.Order, cause error) *types.ExecResult {
	if sig.IsExit {
		return m.exitFailed(sig, order, cause)
	}
	return m.failEntry(sig, order, cause)
}

func (m *Manager) failEntry(sig *types.Signal, order *types.Order, cause error) *types.ExecResult {
	metrics.OrdersFailed.WithLabelValues(string(sig.Strategy), "error").Inc()
	m.logger.Warn("entry dropped",
		"signal", sig.ID, "strategy", sig.Strategy, "market", sig.MarketID, "error", cause)
	return &types.ExecResult{Order: order, Reason: cause.Error()}
}

// exitFailed schedules a retry for a failed exit, or abandons it once the
// attempt budget is spent. The position stays closing either way; abandoned
// exits are re-queued by startup recovery.
func (m *Manager) exitFailed(sig *types.Signal, order *types.Order, cause error) *types.ExecResult {
	m.mu.Lock()
	m.attempts[sig.ID]++
	n := m.attempts[sig.ID]
	m.mu.Unlock()

	if n >= maxExitAttempts {
		return m.abandonExit(sig, order, cause)
	}

	delay := m.exitBackoff(n)
	m.logger.Warn("exit failed, retrying",
		"signal", sig.ID, "position", sig.ParentPositionID,
		"attempt", n, "retry_in", delay, "error", cause)
	time.AfterFunc(delay, func() { m.queue.Enqueue(sig) })
	return nil
}

func (m *Manager) abandonExit(sig *types.Signal, order *types.Order, cause error) *types.ExecResult {
	m.clearAttempts(sig.ID)
	metrics.OrdersFailed.WithLabelValues(string(sig.Strategy), "abandoned").Inc()
	m.logger.Error("exit abandoned",
		"signal", sig.ID, "position", sig.ParentPositionID, "error", cause)
	m.notifyf("CRITICAL: exit for position %d abandoned: %v\nThe position stays in closing and is retried on restart.",
		sig.ParentPositionID, cause)
	return &types.ExecResult{
		Order:  order,
		Reason: fmt.Sprintf("exit abandoned: %v", cause),
	}
}

// exitBackoff doubles from the base per completed attempt, capped.
func (m *Manager) exitBackoff(attempt int) time.Duration {
	d := m.retryBase << (attempt - 1)
	if d > exitRetryCap {
		d = exitRetryCap
	}
	return d
}

func (m *Manager) clearAttempts(signalID string) {
	m.mu.Lock()
	delete(m.attempts, signalID)
	m.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Plumbing
// ————————————————————————————————————————————————————————————————————————

// riskView assembles the gate's inputs. Any store error degrades the view
// to unknown, which the gate rejects.
func (m *Manager) riskView(ctx context.Context, sig *types.Signal) risk.View {
	v := risk.View{
		Snapshot:   m.view.Snapshot(),
		KillActive: m.kill.Active(),
	}
	if daily, ok := m.view.Daily(); ok {
		v.DayStart = daily.StartBalance
		v.DailyPnL = daily.RealizedPnL + daily.UnrealizedPnL
	}
	if sig.IsExit {
		return v
	}

	n, err := m.store.CountOpenPositions(ctx)
	if err != nil {
		m.logger.Error("open position count failed", "error", err)
		v.Snapshot = nil
		return v
	}
	v.OpenPositions = n

	busy, err := m.store.HasEntryExposure(ctx, sig.MarketID)
	if err != nil {
		m.logger.Error("entry exposure check failed", "market", sig.MarketID, "error", err)
		v.Snapshot = nil
		return v
	}
	v.MarketBusy = busy
	return v
}

func (m *Manager) publish(sig *types.Signal, res *types.ExecResult) {
	m.mu.Lock()
	ch := m.waiters[sig.ID]
	m.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

func (m *Manager) emit(ctx context.Context, ev types.PositionEvent) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Manager) notifyf(format string, args ...any) {
	if m.notify != nil {
		m.notify(fmt.Sprintf(format, args...))
	}
}

func roundDownShares(shares float64) float64 {
	return math.Floor(shares*shareDecimals) / shareDecimals
}

func parseShares(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
