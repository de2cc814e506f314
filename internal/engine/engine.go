// Package engine assembles the trading pipeline and owns its lifecycle.
//
// Signal flow: strategies produce entry signals, the position manager
// produces exit signals, both land in the order manager's queue, and a
// single worker applies them against the exchange adapter in order. The
// engine's own work is construction, startup recovery, fanning fill
// events back out, and a shutdown that leaves nothing resting on the
// venue unattended.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xtitan6/polytrader/internal/api"
	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/exchange"
	"github.com/0xtitan6/polytrader/internal/market"
	"github.com/0xtitan6/polytrader/internal/notify"
	"github.com/0xtitan6/polytrader/internal/orders"
	"github.com/0xtitan6/polytrader/internal/portfolio"
	"github.com/0xtitan6/polytrader/internal/position"
	"github.com/0xtitan6/polytrader/internal/risk"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/internal/strategy"
	"github.com/0xtitan6/polytrader/internal/wallet"
	"github.com/0xtitan6/polytrader/pkg/types"
)

const (
	// paperSettleEvery paces the simulated GTC fill check. Each tick
	// prices every resting order through the shared rate limiter, so the
	// cadence stays coarse.
	paperSettleEvery = 30 * time.Second

	// shutdownGrace bounds the whole teardown: cancel-all, in-flight
	// exits, and the final snapshot share it.
	shutdownGrace = 30 * time.Second
)

// Adapter is the exchange surface the pipeline shares. Both the live
// client and the paper trader satisfy it.
type Adapter interface {
	Healthy(ctx context.Context) error
	GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error)
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	PlaceOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	GetOrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error)
	OpenOrders(ctx context.Context, market, tokenID string) ([]types.OpenOrder, error)
	WalletPositions(ctx context.Context, wallet string) ([]types.WalletPosition, error)
}

// Engine wires every subsystem and runs them as one unit.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *store.Store
	client  *exchange.Client
	adapter Adapter
	paper   *exchange.Paper // nil in live mode
	wallet  *wallet.Wallet  // nil in paper mode
	balance portfolio.BalanceSource

	feed    *exchange.WSFeed
	books   *market.Books
	scanner *market.Scanner
	tracker *portfolio.Tracker

	queue  *orders.Queue
	kill   *risk.Kill
	desk   *orders.Manager
	posmgr *position.Manager
	strats []strategy.Strategy

	fills    chan types.PositionEvent
	notifier *notify.Notifier
	cmdbot   *notify.CommandBot
	api      *api.Server
}

// New builds the full pipeline for the configured mode. Everything that
// can fail fast fails here: store open, key parsing, credential
// derivation, and the wallet RPC dial all happen before any goroutine
// starts.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	adapter, client, auth, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		store:   st,
		client:  client,
		adapter: adapter,
		fills:   make(chan types.PositionEvent, 64),
	}

	if p, ok := adapter.(*exchange.Paper); ok {
		e.paper = p
		e.balance = p
	} else {
		w, err := wallet.New(ctx, cfg, auth.FunderAddress(), logger)
		if err != nil {
			client.Close()
			st.Close()
			return nil, fmt.Errorf("wallet: %w", err)
		}
		e.wallet = w
		e.balance = w
		logger.Info("trading wallet connected", "address", w.Address().Hex())
	}

	e.feed = exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	e.books = market.NewBooks(e.feed, adapter, logger)
	e.scanner = market.NewScanner(cfg, logger)
	e.tracker = portfolio.NewTracker(st, e.balance, e.books, logger)

	e.notifier = notify.NewNotifier(cfg.Telegram, logger)
	e.tracker.SetDayCloseHook(func(prev portfolio.Daily) {
		e.notifier.DailySummary(prev.Format())
	})

	e.queue = orders.NewQueue(logger)
	e.kill = risk.NewKill(st, e.queue, adapter, e.notifier.Notify, logger)
	e.desk = orders.NewManager(cfg, orders.Deps{
		Queue:    e.queue,
		Gate:     risk.NewGate(cfg, logger),
		Kill:     e.kill,
		Store:    st,
		Exchange: adapter,
		Markets:  e.scanner,
		View:     e.tracker,
		Notify:   e.notifier.Notify,
	}, logger)
	e.posmgr = position.NewManager(cfg, position.Deps{
		Store:   st,
		Sink:    e.desk,
		Markets: e.scanner,
		Prices:  e.books.Events(),
		Fills:   e.fills,
		Notify:  e.notifier.Notify,
	}, logger)

	if cfg.Copy.Enabled {
		e.strats = append(e.strats, strategy.NewCopyTrader(cfg, strategy.CopyDeps{
			Store:   st,
			Wallets: adapter,
			Prices:  e.books,
			View:    e.tracker,
			Sink:    e.desk,
			Kill:    e.kill,
		}, logger))
	}
	if cfg.Arb.Enabled {
		e.strats = append(e.strats, strategy.NewArbScanner(cfg, strategy.ArbDeps{
			Store:   st,
			Markets: e.scanner,
			Books:   adapter,
			Desk:    e.desk,
			Kill:    e.kill,
			Notify:  e.notifier.Notify,
		}, logger))
	}
	if cfg.Stink.Enabled {
		e.strats = append(e.strats, strategy.NewStinkBidder(cfg, strategy.StinkDeps{
			Store:   st,
			Markets: e.scanner,
			Prices:  e.books,
			Orders:  adapter,
			View:    e.tracker,
			Desk:    e.desk,
			Kill:    e.kill,
		}, logger))
	}

	e.cmdbot = notify.NewCommandBot(cfg.Telegram, e.commands(), logger)
	e.api = api.NewServer(cfg.Server, api.Checks{
		Adapter: api.AdapterCheck(adapter.Healthy),
		WS:      api.FeedCheck(e.feed.Connected, e.feed.LastMessageAt, exchange.StaleAfter),
		Store:   api.StoreCheck(st),
		Wallet:  api.WalletCheck(e.balance.Balance, cfg.Wallet.MinBalanceUSD),
		Halted:  e.kill.Active,
	}, logger)

	return e, nil
}

// buildAdapter constructs the exchange surface for the configured mode.
// Paper mode wraps the live client for market data reads; live mode
// derives L2 credentials on the spot when the config carries none.
func buildAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Adapter, *exchange.Client, *exchange.Auth, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)

	if !cfg.Live() {
		return exchange.NewPaper(cfg, client, logger), client, auth, nil
	}

	if !auth.HasL2Credentials() {
		logger.Info("no API credentials configured, deriving via L1 signature")
		creds, err := client.DeriveAPIKey(ctx)
		if err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}
	return client, client, auth, nil
}

// Run starts the pipeline and blocks until ctx is cancelled or a
// subsystem fails. Shutdown runs either way.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	// The order worker outlives the run context by the shutdown grace so
	// queued exits can still execute after intake stops.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	deskDone := make(chan error, 1)
	go func() { deskDone <- e.desk.Run(workCtx) }()
	go e.forwardFills(workCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(e.feed.Run(gctx)) })
	g.Go(func() error { e.books.Run(gctx); return nil })
	g.Go(func() error { e.scanner.Run(gctx); return nil })
	g.Go(func() error { e.tracker.Run(gctx); return nil })
	g.Go(func() error { return ignoreCancel(e.posmgr.Run(gctx)) })
	for _, s := range e.strats {
		g.Go(func() error { s.Run(gctx); return nil })
	}
	if e.paper != nil {
		g.Go(func() error { e.settlePaper(gctx); return nil })
	}
	g.Go(func() error { e.notifier.Run(gctx); return nil })
	g.Go(func() error { e.cmdbot.Run(gctx); return nil })
	if !e.notifier.Enabled() && e.cfg.Mode == config.ModeLive {
		e.logger.Warn("trading live with telegram alerts disabled, critical failures only reach the log")
	}
	g.Go(func() error { return e.api.Start() })
	g.Go(func() error {
		<-gctx.Done()
		return e.api.Stop()
	})

	e.api.SetReady()
	e.logger.Info("engine started",
		"mode", e.cfg.Mode,
		"strategies", e.strategyNames(),
	)
	e.notifier.Notify(fmt.Sprintf("Bot started in %s mode. Strategies: %s",
		e.cfg.Mode, e.strategyNames()))

	err := g.Wait()
	e.shutdown(stopWork, deskDone)
	return err
}

// startup restores persisted state and probes every dependency the
// pipeline needs, in the order later steps depend on earlier ones.
func (e *Engine) startup(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := e.adapter.Healthy(ctx); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if e.wallet != nil {
		gas, err := e.wallet.GasBalance(ctx)
		if err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
		if gas == 0 {
			e.logger.Warn("wallet holds no POL for gas")
		}
	}
	settled, err := e.desk.ReconcileOrders(ctx)
	if err != nil {
		return fmt.Errorf("order reconciliation: %w", err)
	}
	if settled > 0 {
		e.logger.Info("settled orders from interrupted run", "count", settled)
	}
	if err := e.tracker.Refresh(ctx); err != nil {
		return fmt.Errorf("portfolio: %w", err)
	}
	if err := e.kill.Load(ctx); err != nil {
		return fmt.Errorf("kill switch state: %w", err)
	}
	if e.kill.Active() {
		reason, at := e.kill.Reason()
		e.logger.Warn("kill switch engaged from a previous run, entries stay halted",
			"reason", reason,
			"since", at,
		)
	}
	if err := e.posmgr.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	e.trackOpen(ctx)

	recovered, err := e.desk.RecoverExits(ctx)
	if err != nil {
		return fmt.Errorf("exit recovery: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("re-queued exits from interrupted run", "count", recovered)
	}
	return nil
}

// trackOpen subscribes the book cache to every token an open position
// holds so exit triggers see prices from the first tick.
func (e *Engine) trackOpen(ctx context.Context) {
	seen := make(map[string]bool)
	var tokens []string
	for _, pos := range e.posmgr.Positions() {
		if !seen[pos.TokenID] {
			seen[pos.TokenID] = true
			tokens = append(tokens, pos.TokenID)
		}
	}
	if len(tokens) == 0 {
		return
	}
	if err := e.books.Track(ctx, tokens...); err != nil {
		e.logger.Warn("book tracking failed for restored positions", "error", err)
	}
}

// forwardFills fans the order manager's fill events out to the position
// manager and keeps the book cache subscribed to exactly the tokens the
// bot still holds.
func (e *Engine) forwardFills(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.desk.Events():
			e.onFill(ctx, ev)
		}
	}
}

func (e *Engine) onFill(ctx context.Context, ev types.PositionEvent) {
	switch ev.Kind {
	case types.PositionOpened:
		if err := e.books.Track(ctx, ev.Position.TokenID); err != nil {
			e.logger.Warn("book tracking failed",
				"token", ev.Position.TokenID,
				"error", err,
			)
		}
	case types.PositionClosedOut:
		// Another open position may share the token; keep the
		// subscription until the last holder is gone.
		if !e.stillHeld(ev.Position.TokenID, ev.Position.ID) {
			if err := e.books.Untrack(ctx, ev.Position.TokenID); err != nil {
				e.logger.Warn("book untracking failed",
					"token", ev.Position.TokenID,
					"error", err,
				)
			}
		}
	}

	select {
	case e.fills <- ev:
	default:
		e.logger.Warn("fill channel full, dropping event",
			"kind", ev.Kind,
			"position", ev.Position.ID,
		)
	}
}

func (e *Engine) stillHeld(tokenID string, closedID int64) bool {
	for _, pos := range e.posmgr.Positions() {
		if pos.TokenID == tokenID && pos.ID != closedID {
			return true
		}
	}
	return false
}

// settlePaper ticks the simulated exchange so resting GTC bids fill when
// the live price crosses them.
func (e *Engine) settlePaper(ctx context.Context) {
	ticker := time.NewTicker(paperSettleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.paper.CheckResting(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("paper settlement failed", "error", err)
			}
		}
	}
}

// shutdown tears the pipeline down in dependency order: venue first so
// nothing rests unattended, then the exit grace, then the final
// snapshot, then the store.
func (e *Engine) shutdown(stopWork context.CancelFunc, deskDone <-chan error) {
	e.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if _, err := e.adapter.CancelAll(ctx); err != nil {
		e.logger.Error("cancel all on shutdown failed", "error", err)
	}

	e.awaitExits(ctx)
	stopWork()
	select {
	case <-deskDone:
	case <-ctx.Done():
	}

	if err := e.tracker.Refresh(ctx); err != nil {
		e.logger.Warn("final snapshot failed", "error", err)
	}

	e.feed.Close()
	if e.wallet != nil {
		e.wallet.Close()
	}
	e.client.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// awaitExits blocks until the exit lane drains or the grace expires.
// Whatever remains is re-queued by recovery on the next start.
func (e *Engine) awaitExits(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		exits, _ := e.queue.Len()
		if exits == 0 {
			return
		}
		select {
		case <-ctx.Done():
			e.logger.Warn("exits still queued at shutdown", "count", exits)
			return
		case <-ticker.C:
		}
	}
}

// ignoreCancel maps context cancellation to nil so an orderly shutdown
// does not read as a subsystem failure.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
