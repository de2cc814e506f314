package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// Whale holding changes smaller than these are noise, not trades worth
// copying. Increases re-enter (the risk gate dedupes markets we already
// hold); decreases scale our own position down proportionally.
const (
	whaleIncreasePct = 10
	whaleDecreasePct = 30
)

// WalletSource reads a wallet's current holdings from the data API.
type WalletSource interface {
	WalletPositions(ctx context.Context, wallet string) ([]types.WalletPosition, error)
}

// CopyDeps are the copy trader's collaborators, wired by the engine.
type CopyDeps struct {
	Store   *store.Store
	Wallets WalletSource
	Prices  PriceSource
	View    SnapshotSource
	Sink    Submitter
	Kill    Halter
}

// CopyTrader mirrors tracked whale wallets. Each tick it re-reads every
// wallet's holdings, diffs them against the persisted map, and turns the
// changes into entries and exits on our own book.
type CopyTrader struct {
	pauseFlag

	cfg     config.CopyConfig
	exits   config.ExitConfig
	minSize float64
	store   *store.Store
	wallets WalletSource
	prices  PriceSource
	view    SnapshotSource
	sink    Submitter
	kill    Halter
	logger  *slog.Logger
}

func NewCopyTrader(cfg *config.Config, d CopyDeps, logger *slog.Logger) *CopyTrader {
	return &CopyTrader{
		cfg:     cfg.Copy,
		exits:   cfg.Exits,
		minSize: cfg.Risk.MinPositionSizeUSD,
		store:   d.Store,
		wallets: d.Wallets,
		prices:  d.Prices,
		view:    d.View,
		sink:    d.Sink,
		kill:    d.Kill,
		logger:  logger.With("component", "copy"),
	}
}

func (c *CopyTrader) Name() types.Strategy { return types.StrategyCopy }

// Run polls the tracked wallets until ctx ends. The first tick fires
// immediately; the slippage guard keeps stale whale positions from being
// chased on a fresh start.
func (c *CopyTrader) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("strategy started",
		"wallets", len(c.cfg.EnabledWallets()), "interval", c.cfg.Interval)
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("strategy stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *CopyTrader) tick(ctx context.Context) {
	if c.Paused() {
		c.logger.Debug("paused, skipping tick")
		return
	}
	for _, w := range c.cfg.EnabledWallets() {
		if err := c.syncWallet(ctx, w); err != nil {
			c.logger.Error("wallet sync failed", "wallet", w.Label(), "error", err)
		}
	}
}

// syncWallet diffs one whale's live holdings against the stored map, emits
// the resulting signals, and persists the new map. The map is persisted
// even when signals were dropped or rejected: a whale move is copied at
// most once, never retried against a stale diff.
func (c *CopyTrader) syncWallet(ctx context.Context, w config.TrackedWallet) error {
	live, err := c.wallets.WalletPositions(ctx, w.Address)
	if err != nil {
		return fmt.Errorf("wallet positions: %w", err)
	}
	prev, err := c.store.WhalePositions(ctx, w.Address)
	if err != nil {
		return fmt.Errorf("stored positions: %w", err)
	}
	ours, err := c.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("own positions: %w", err)
	}

	prevBy := make(map[string]types.WhalePosition, len(prev))
	for _, p := range prev {
		prevBy[p.MarketID+"/"+p.TokenID] = p
	}

	now := time.Now().UTC()
	next := make([]types.WhalePosition, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, lp := range live {
		if lp.ConditionID == "" || lp.Asset == "" || lp.Size <= 0 {
			continue
		}
		key := lp.ConditionID + "/" + lp.Asset
		seen[key] = true
		next = append(next, types.WhalePosition{
			Wallet:    w.Address,
			MarketID:  lp.ConditionID,
			TokenID:   lp.Asset,
			Shares:    lp.Size,
			AvgPrice:  lp.AvgPrice,
			UpdatedAt: now,
		})

		old, isKnown := prevBy[key]
		switch {
		case !isKnown:
			c.enter(ctx, w, lp, ours, "new holding")
		case lp.Size >= old.Shares*(1+whaleIncreasePct/100.0):
			c.enter(ctx, w, lp, ours, fmt.Sprintf("added %.0f shares", lp.Size-old.Shares))
		case lp.Size <= old.Shares*(1-whaleDecreasePct/100.0):
			fraction := (old.Shares - lp.Size) / old.Shares
			c.exit(ctx, w, lp.ConditionID, lp.Asset, fraction, ours)
		}
	}

	// Holdings that vanished from the wallet are full whale exits.
	for key, old := range prevBy {
		if !seen[key] {
			c.exit(ctx, w, old.MarketID, old.TokenID, 1, ours)
		}
	}

	if err := c.store.ReplaceWhalePositions(ctx, w.Address, next); err != nil {
		return fmt.Errorf("persist whale map: %w", err)
	}
	return nil
}

// enter emits a BUY mirroring a new or grown whale holding. Conviction is
// judged on the holding's live value, not the whale's cost basis; a stale
// basis also must not let us chase a price that already ran away.
func (c *CopyTrader) enter(ctx context.Context, w config.TrackedWallet,
	lp types.WalletPosition, ours []*types.Position, what string) {

	if c.kill.Active() {
		return
	}
	mid, err := c.prices.MidPrice(ctx, lp.Asset)
	if err != nil {
		c.logger.Warn("no live price, copy entry skipped",
			"wallet", w.Label(), "market", lp.ConditionID, "error", err)
		return
	}

	whaleValue := lp.Size * mid
	if whaleValue < c.cfg.MinConvictionUSD {
		c.logger.Debug("below conviction threshold",
			"wallet", w.Label(), "market", lp.ConditionID,
			"whale_value", whaleValue, "need", c.cfg.MinConvictionUSD)
		return
	}

	if lp.AvgPrice > 0 {
		slippage := (mid - lp.AvgPrice) / lp.AvgPrice * 100
		if slippage > c.cfg.MaxSlippagePct {
			c.logger.Info("price ran away from whale basis",
				"wallet", w.Label(), "market", lp.ConditionID,
				"whale_entry", lp.AvgPrice, "mid", mid, "slippage_pct", slippage)
			return
		}
	}

	size := c.entrySize(whaleValue)
	if size < c.minSize {
		return
	}
	if w.MaxAllocationUSD > 0 {
		deployed := walletExposure(ours, w.Address)
		if room := w.MaxAllocationUSD - deployed; size > room {
			size = room
		}
		if size < c.minSize {
			c.logger.Info("wallet allocation exhausted",
				"wallet", w.Label(), "deployed", walletExposure(ours, w.Address),
				"cap", w.MaxAllocationUSD)
			return
		}
	}

	sig := types.NewSignal(types.StrategyCopy, lp.ConditionID, lp.Asset,
		types.BUY, size, 0, types.OrderTypeFAK,
		fmt.Sprintf("copy %s: %s, holds $%.0f @ %.3f entry, mid %.3f",
			w.Label(), what, whaleValue, lp.AvgPrice, mid))
	sig.SourceWallet = w.Address
	sig.ExitPlan = exitPlan(c.exits)

	metrics.SignalsEmitted.WithLabelValues(string(types.StrategyCopy)).Inc()
	c.logger.Info("copy entry signal",
		"wallet", w.Label(), "market", lp.ConditionID,
		"size_usd", size, "whale_value", whaleValue)
	if !c.sink.Submit(sig) {
		c.logger.Warn("queue full, copy entry dropped",
			"wallet", w.Label(), "market", lp.ConditionID)
	}
}

// exit scales our copied positions down by the whale's reduction. The
// open → closing transition is the claim; losing it means another exit
// already owns the position.
func (c *CopyTrader) exit(ctx context.Context, w config.TrackedWallet,
	marketID, tokenID string, fraction float64, ours []*types.Position) {

	for _, pos := range ours {
		if pos.Strategy != types.StrategyCopy || pos.SourceWallet != w.Address {
			continue
		}
		if pos.MarketID != marketID || pos.TokenID != tokenID {
			continue
		}
		if pos.Status != types.PositionOpen {
			continue
		}

		shares := pos.Shares * fraction
		if pos.EntryPrice*shares < c.cfg.MinExitUSD {
			c.logger.Debug("copy exit below minimum, skipping",
				"wallet", w.Label(), "position", pos.ID,
				"value", pos.EntryPrice*shares, "need", c.cfg.MinExitUSD)
			continue
		}

		if err := c.store.MarkClosing(ctx, pos.ID); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				c.logger.Info("copy exit skipped, position already closing",
					"position", pos.ID)
				continue
			}
			c.logger.Error("claim position for exit failed",
				"position", pos.ID, "error", err)
			continue
		}

		what := fmt.Sprintf("whale cut %.0f%%", fraction*100)
		if fraction >= 1 {
			what = "whale exited"
		}
		sig := types.NewSignal(types.StrategyCopy, marketID, tokenID,
			types.SELL, 0, 0, types.OrderTypeFAK,
			fmt.Sprintf("copy %s: %s, selling %.2f shares", w.Label(), what, shares))
		sig.IsExit = true
		sig.ParentPositionID = pos.ID
		sig.SizeShares = shares
		sig.SourceWallet = w.Address

		metrics.SignalsEmitted.WithLabelValues(string(types.StrategyCopy)).Inc()
		c.logger.Info("copy exit signal",
			"wallet", w.Label(), "position", pos.ID, "shares", shares, "why", what)
		if !c.sink.Submit(sig) {
			// The position stays closing; startup recovery retries the exit.
			c.logger.Error("exit queue refused signal", "position", pos.ID)
		}
	}
}

// entrySize converts the whale's live holding value into our notional.
func (c *CopyTrader) entrySize(whaleValue float64) float64 {
	switch c.cfg.SizingMode {
	case "pct_portfolio":
		snap := c.view.Snapshot()
		if snap == nil {
			return 0
		}
		return snap.Total * c.cfg.SizingPct / 100
	case "pct_whale":
		return whaleValue * c.cfg.SizingPct / 100
	default: // "fixed", enforced by config validation
		return c.cfg.FixedSizeUSD
	}
}

// walletExposure sums the entry value of open positions copied from one
// wallet.
func walletExposure(positions []*types.Position, wallet string) float64 {
	var usd float64
	for _, p := range positions {
		if p.Strategy == types.StrategyCopy && p.SourceWallet == wallet {
			usd += p.EntryPrice * p.Shares
		}
	}
	return usd
}
