package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// Stink bids only make sense in the deep-discount band. Below a cent the
// exchange rejects the price; above a dime the "crash catcher" premise is
// gone.
const (
	stinkFloorPrice = 0.01
	stinkCapPrice   = 0.10
)

// OpenOrderSource reads and cancels resting orders on the exchange. The
// cancels are janitorial only: duplicates the tracking table refused, and
// bids left on markets that stopped trading.
type OpenOrderSource interface {
	OpenOrders(ctx context.Context, market, tokenID string) ([]types.OpenOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
}

// Desk is the order manager surface the stink bidder drives: placing GTC
// bids and settling the ones that left the book.
type Desk interface {
	Executor
	SettleResting(ctx context.Context, exchangeID string, plan *types.ExitPlan) (*types.ExecResult, error)
}

// StinkDeps are the stink bidder's collaborators, wired by the engine.
type StinkDeps struct {
	Store   *store.Store
	Markets MarketSource
	Prices  PriceSource
	Orders  OpenOrderSource
	View    SnapshotSource
	Desk    Desk
	Kill    Halter
}

// StinkBidder rests deep-discount GTC bids on liquid markets, hoping to
// catch panic wicks. Each tick first reconciles the tracked bids against
// the exchange's open orders, booking fills and freeing the slots of
// cancelled bids, then tops the book back up to the configured caps.
type StinkBidder struct {
	pauseFlag

	cfg     config.StinkConfig
	exits   config.ExitConfig
	store   *store.Store
	markets MarketSource
	prices  PriceSource
	exch    OpenOrderSource
	view    SnapshotSource
	desk    Desk
	kill    Halter
	logger  *slog.Logger
}

func NewStinkBidder(cfg *config.Config, d StinkDeps, logger *slog.Logger) *StinkBidder {
	return &StinkBidder{
		cfg:     cfg.Stink,
		exits:   cfg.Exits,
		store:   d.Store,
		markets: d.Markets,
		prices:  d.Prices,
		exch:    d.Orders,
		view:    d.View,
		desk:    d.Desk,
		kill:    d.Kill,
		logger:  logger.With("component", "stink"),
	}
}

func (s *StinkBidder) Name() types.Strategy { return types.StrategyStink }

// Run maintains the stink book until ctx ends.
func (s *StinkBidder) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("strategy started",
		"interval", s.cfg.Interval, "discount_pct", s.cfg.DiscountPct,
		"max_orders", s.cfg.MaxOrders)
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("strategy stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reconciles first and places second. Reconciliation runs even under
// the kill switch: the halt cancels our resting bids, and settling them is
// what frees their slots.
func (s *StinkBidder) tick(ctx context.Context) {
	if s.Paused() {
		s.logger.Debug("paused, skipping tick")
		return
	}
	tracked, err := s.store.StinkOrders(ctx)
	if err != nil {
		s.logger.Error("load tracked bids failed", "error", err)
		return
	}
	tracked = s.reconcile(ctx, tracked)
	s.retire(ctx, tracked)
	metrics.StinkBidsResting.Set(float64(len(tracked)))

	if s.kill.Active() {
		return
	}
	tracked = s.place(ctx, tracked)
	metrics.StinkBidsResting.Set(float64(len(tracked)))
}

// reconcile settles tracked bids that are no longer on the book, either
// filled or cancelled, and returns the bids still resting. A bid whose
// settlement fails keeps its slot and stays counted against the caps.
func (s *StinkBidder) reconcile(ctx context.Context, tracked []types.StinkOrder) []types.StinkOrder {
	if len(tracked) == 0 {
		return tracked
	}
	open, err := s.exch.OpenOrders(ctx, "", "")
	if err != nil {
		s.logger.Warn("open orders unavailable, skipping reconcile", "error", err)
		return tracked
	}
	onBook := make(map[string]bool, len(open))
	for _, o := range open {
		onBook[o.ID] = true
	}

	resting := tracked[:0]
	for _, so := range tracked {
		if onBook[so.OrderID] {
			resting = append(resting, so)
			continue
		}
		res, err := s.desk.SettleResting(ctx, so.OrderID, exitPlan(s.exits))
		if err != nil {
			s.logger.Error("settle resting bid failed",
				"exchange_id", so.OrderID, "market", so.MarketID, "error", err)
			resting = append(resting, so)
			continue
		}
		if res.Order.FilledSize > 0 {
			s.logger.Info("stink bid filled",
				"market", so.MarketID, "price", so.Price,
				"shares", res.Order.FilledSize)
		} else {
			s.logger.Info("stink bid cancelled off book",
				"market", so.MarketID, "price", so.Price)
		}
		if err := s.store.DeleteStinkOrder(ctx, so.MarketID, so.TokenID); err != nil {
			s.logger.Error("free stink slot failed",
				"market", so.MarketID, "error", err)
			resting = append(resting, so)
		}
	}
	return resting
}

// retire pulls still-resting bids off markets that stopped trading. A
// suspended or resolved market can strand a bid on the book indefinitely,
// holding its slot against the caps. The cancel empties the market; the
// next reconcile settles the bid through the normal path, so a fill that
// raced the cancel is still booked.
func (s *StinkBidder) retire(ctx context.Context, tracked []types.StinkOrder) {
	cancelled := make(map[string]bool)
	for _, so := range tracked {
		if cancelled[so.MarketID] {
			continue
		}
		info, err := s.markets.Market(ctx, so.MarketID)
		if err != nil {
			s.logger.Debug("market lookup failed, bid kept",
				"market", so.MarketID, "error", err)
			continue
		}
		if !info.Closed && !info.Resolved && info.AcceptingOrders {
			continue
		}
		cancelled[so.MarketID] = true
		if _, err := s.exch.CancelMarketOrders(ctx, so.MarketID); err != nil {
			s.logger.Error("retire stink bid failed",
				"market", so.MarketID, "exchange_id", so.OrderID, "error", err)
			continue
		}
		s.logger.Info("stink bid retired, market no longer trading",
			"market", so.MarketID, "price", so.Price)
	}
}

// place rests new bids up to the order and allocation caps. One bid per
// (market, token); candidates come from the scanner watchlist, favorites
// only, priced a fixed discount under the live mid.
func (s *StinkBidder) place(ctx context.Context, tracked []types.StinkOrder) []types.StinkOrder {
	if len(tracked) >= s.cfg.MaxOrders {
		return tracked
	}
	snap := s.view.Snapshot()
	if snap == nil {
		s.logger.Warn("no portfolio snapshot, skipping placements")
		return tracked
	}
	budget := snap.Total * s.cfg.AllocationPct / 100

	restingUSD := 0.0
	taken := make(map[string]bool, len(tracked))
	for _, so := range tracked {
		restingUSD += so.Price * so.Size
		taken[so.MarketID+"/"+so.TokenID] = true
	}

	for _, info := range s.markets.Watchlist() {
		if len(tracked) >= s.cfg.MaxOrders {
			break
		}
		if info.Volume24h < s.cfg.MinVolumeUSD {
			continue
		}
		if info.Closed || info.Resolved || !info.AcceptingOrders {
			continue
		}
		tokenID := favoriteToken(info)
		if tokenID == "" || taken[info.ConditionID+"/"+tokenID] {
			continue
		}
		if ctx.Err() != nil {
			return tracked
		}

		mid, err := s.prices.MidPrice(ctx, tokenID)
		if err != nil {
			s.logger.Debug("no live mid, market skipped",
				"market", info.ConditionID, "error", err)
			continue
		}
		price := roundDownToTick(
			clamp((1-s.cfg.DiscountPct/100)*mid, stinkFloorPrice, stinkCapPrice),
			info.TickSize.Decimals())
		if price <= 0 {
			continue
		}
		if s.cfg.OrderSizeUSD/price < info.MinOrderSize {
			continue
		}
		if restingUSD+s.cfg.OrderSizeUSD > budget {
			s.logger.Info("stink allocation exhausted",
				"resting_usd", restingUSD, "budget", budget)
			break
		}

		so, ok := s.bid(ctx, info, tokenID, mid, price)
		if !ok {
			continue
		}
		tracked = append(tracked, so)
		restingUSD += so.Price * so.Size
		taken[so.MarketID+"/"+so.TokenID] = true
	}
	return tracked
}

// bid places one GTC bid and records it in the tracking table.
func (s *StinkBidder) bid(ctx context.Context, info types.MarketInfo,
	tokenID string, mid, price float64) (types.StinkOrder, bool) {

	sig := types.NewSignal(types.StrategyStink, info.ConditionID, tokenID,
		types.BUY, s.cfg.OrderSizeUSD, price, types.OrderTypeGTC,
		fmt.Sprintf("stink bid %.0f%% under mid %.3f", s.cfg.DiscountPct, mid))
	sig.ExitPlan = exitPlan(s.exits)
	metrics.SignalsEmitted.WithLabelValues(string(types.StrategyStink)).Inc()

	res, err := s.desk.SubmitWait(ctx, sig)
	if err != nil {
		s.logger.Error("place stink bid failed",
			"market", info.Slug, "error", err)
		return types.StinkOrder{}, false
	}
	if res.Rejected || res.Order == nil || res.Order.ExchangeID == "" {
		s.logger.Info("stink bid not placed", "market", info.Slug, "reason", res.Reason)
		return types.StinkOrder{}, false
	}

	so := types.StinkOrder{
		MarketID: info.ConditionID,
		TokenID:  tokenID,
		OrderID:  res.Order.ExchangeID,
		Price:    res.Order.Price,
		Size:     res.Order.Size,
		PlacedAt: time.Now().UTC(),
	}
	ok, err := s.store.PutStinkOrder(ctx, so)
	if err != nil {
		s.logger.Error("track stink bid failed",
			"exchange_id", so.OrderID, "error", err)
		return so, true
	}
	if !ok {
		// Another bid already owns the slot; this one is a duplicate.
		s.logger.Warn("duplicate stink bid, cancelling",
			"market", info.ConditionID, "exchange_id", so.OrderID)
		if err := s.exch.CancelOrder(ctx, so.OrderID); err != nil {
			s.logger.Error("cancel duplicate stink bid failed",
				"exchange_id", so.OrderID, "error", err)
		}
		return types.StinkOrder{}, false
	}
	s.logger.Info("stink bid resting",
		"market", info.Slug, "token", tokenID,
		"price", so.Price, "shares", so.Size, "mid", mid)
	return so, true
}

// favoriteToken picks the higher-priced side. The scanner quotes the YES
// token, so a YES mid at or above a half points at YES, otherwise NO.
func favoriteToken(info types.MarketInfo) string {
	if info.BestBid <= 0 && info.BestAsk <= 0 {
		return ""
	}
	side := types.OutcomeNo
	if midYes := (info.BestBid + info.BestAsk) / 2; midYes >= 0.5 {
		side = types.OutcomeYes
	}
	return info.Token(side)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundDownToTick(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Floor(v*pow) / pow
}
