package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// maxUnwindRounds bounds how many fresh unwind signals the scanner issues
// for one naked leg before leaving the rest to startup recovery. Each
// signal already carries the order manager's own retry discipline.
const maxUnwindRounds = 3

// BookSource reads live order books. Parity math prices from the book
// only; the scanner's aggregate quotes can be minutes old.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// ArbDeps are the arb scanner's collaborators, wired by the engine.
type ArbDeps struct {
	Store   *store.Store
	Markets MarketSource
	Books   BookSource
	Desk    Executor
	Kill    Halter
	Notify  NotifyFunc
}

// ArbScanner hunts for YES+NO pairs priced under parity. A binary pair
// redeems at exactly $1, so buying both sides below 1 minus fees locks the
// gap in regardless of the outcome. Legs execute sequentially as FOK; a
// filled first leg with a failed second leg is unwound immediately rather
// than held as directional exposure.
type ArbScanner struct {
	pauseFlag

	cfg     config.ArbConfig
	fees    config.FeeConfig
	store   *store.Store
	markets MarketSource
	books   BookSource
	desk    Executor
	kill    Halter
	notify  NotifyFunc
	logger  *slog.Logger

	state arbState
}

// arbState is the persisted counter blob, kept across restarts.
type arbState struct {
	Detected int `json:"total_opportunities"`
	Executed int `json:"total_executed"`
}

// opportunity is one priced parity gap. blocked carries the reason it
// cannot be traded; an empty string means it can.
type opportunity struct {
	askYes, askNo     float64
	depthYes, depthNo float64
	shares            float64 // per leg
	totalCost         float64 // per share pair, taker fees in
	grossEdgePct      float64 // pre-fee, the risk gate nets fees out
	profitUSD         float64 // after taker fees, winner fee, and gas
	blocked           string
}

func NewArbScanner(cfg *config.Config, d ArbDeps, logger *slog.Logger) *ArbScanner {
	return &ArbScanner{
		cfg:     cfg.Arb,
		fees:    cfg.Fees,
		store:   d.Store,
		markets: d.Markets,
		books:   d.Books,
		desk:    d.Desk,
		kill:    d.Kill,
		notify:  d.Notify,
		logger:  logger.With("component", "arb"),
	}
}

func (a *ArbScanner) Name() types.Strategy { return types.StrategyArb }

// Run scans for parity gaps until ctx ends.
func (a *ArbScanner) Run(ctx context.Context) {
	a.loadState(ctx)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("strategy started",
		"interval", a.cfg.Interval, "min_margin_pct", a.cfg.MinMarginPct,
		"detected_before", a.state.Detected, "executed_before", a.state.Executed)
	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("strategy stopped")
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *ArbScanner) tick(ctx context.Context) {
	if a.Paused() {
		a.logger.Debug("paused, skipping tick")
		return
	}
	if a.kill.Active() {
		return
	}
	for _, info := range a.candidates(ctx) {
		opp, err := a.evaluate(ctx, info)
		if err != nil {
			a.logger.Debug("market scan failed", "market", info.ConditionID, "error", err)
			continue
		}
		if opp == nil {
			continue
		}
		a.record(ctx, info, opp)
		if opp.blocked != "" {
			continue
		}
		a.execute(ctx, info, opp)
	}
}

// candidates resolves the markets to scan: the configured list when one is
// set, otherwise the scanner's watchlist.
func (a *ArbScanner) candidates(ctx context.Context) []types.MarketInfo {
	if len(a.cfg.Markets) == 0 {
		return a.markets.Watchlist()
	}
	out := make([]types.MarketInfo, 0, len(a.cfg.Markets))
	for _, id := range a.cfg.Markets {
		info, err := a.markets.Market(ctx, id)
		if err != nil {
			a.logger.Warn("configured arb market unavailable", "market", id, "error", err)
			continue
		}
		out = append(out, *info)
	}
	return out
}

// evaluate prices one market's parity gap from the live books. Returns nil
// when there is no gap worth recording.
func (a *ArbScanner) evaluate(ctx context.Context, info types.MarketInfo) (*opportunity, error) {
	if info.Closed || info.Resolved || !info.AcceptingOrders {
		return nil, nil
	}
	// Both legs re-price constantly; fetch them together so the pair is
	// as close to one instant as two REST reads allow.
	var yesBook, noBook *types.BookResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := a.books.GetOrderBook(gctx, info.YesTokenID)
		if err != nil {
			return fmt.Errorf("yes book: %w", err)
		}
		yesBook = b
		return nil
	})
	g.Go(func() error {
		b, err := a.books.GetOrderBook(gctx, info.NoTokenID)
		if err != nil {
			return fmt.Errorf("no book: %w", err)
		}
		noBook = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	askYes, depthYes := bestAsk(yesBook)
	askNo, depthNo := bestAsk(noBook)
	if askYes <= 0 || askYes >= 1 || askNo <= 0 || askNo >= 1 {
		return nil, nil
	}

	// Taker fee accrues per leg on each leg's cost, so the pair cost
	// scales by one flat factor.
	rate := a.fees.TakerRatePct / 100
	totalCost := (askYes + askNo) * (1 + rate)
	if totalCost >= 1-a.cfg.MinMarginPct/100 {
		return nil, nil
	}

	sum := askYes + askNo
	opp := &opportunity{
		askYes:       askYes,
		askNo:        askNo,
		depthYes:     depthYes,
		depthNo:      depthNo,
		totalCost:    totalCost,
		grossEdgePct: (1 - sum) / sum * 100,
	}

	// Size so the pricier leg spends at most LegSizeUSD, capped by what
	// the top of each book actually offers.
	want := a.cfg.LegSizeUSD / math.Max(askYes, askNo)
	opp.shares = math.Floor(math.Min(want, math.Min(depthYes, depthNo))*100) / 100

	// A pair redeems at $1 less the winner fee on the winning side.
	payout := 1 - a.fees.WinnerFeePct/100
	opp.profitUSD = opp.shares*(payout-totalCost) - 2*a.fees.EstimatedGasUSD

	switch {
	case opp.shares < info.MinOrderSize:
		opp.blocked = fmt.Sprintf("depth %.2f shares below market minimum %.2f",
			math.Min(depthYes, depthNo), info.MinOrderSize)
	case opp.profitUSD < a.cfg.MinProfitUSD:
		opp.blocked = fmt.Sprintf("profit $%.2f below floor $%.2f",
			opp.profitUSD, a.cfg.MinProfitUSD)
	}
	return opp, nil
}

// record logs every detected gap, executable or not, and persists the
// counters.
func (a *ArbScanner) record(ctx context.Context, info types.MarketInfo, opp *opportunity) {
	a.state.Detected++
	executable := opp.blocked == ""
	metrics.ArbOpportunities.WithLabelValues(strconv.FormatBool(executable)).Inc()
	a.logger.Info("arb opportunity",
		"market", info.Slug,
		"ask_yes", opp.askYes, "ask_no", opp.askNo,
		"total_cost", opp.totalCost,
		"gross_edge_pct", opp.grossEdgePct,
		"shares", opp.shares,
		"profit_usd", opp.profitUSD,
		"executable", executable,
		"blocked", opp.blocked)
	a.saveState(ctx)
}

// execute buys both legs sequentially. Leg 2 is sized to hedge leg 1's
// actual fill and is flagged so the risk gate's duplicate-market check
// lets it through.
func (a *ArbScanner) execute(ctx context.Context, info types.MarketInfo, opp *opportunity) {
	why := fmt.Sprintf("parity arb: yes %.3f + no %.3f = %.3f, edge %.1f%%",
		opp.askYes, opp.askNo, opp.askYes+opp.askNo, opp.grossEdgePct)

	leg1 := types.NewSignal(types.StrategyArb, info.ConditionID, info.YesTokenID,
		types.BUY, opp.shares*opp.askYes, opp.askYes, types.OrderTypeFOK, why)
	leg1.EdgePct = opp.grossEdgePct
	metrics.SignalsEmitted.WithLabelValues(string(types.StrategyArb)).Inc()

	res1, err := a.desk.SubmitWait(ctx, leg1)
	if err != nil {
		a.logger.Error("arb leg 1 submit failed", "market", info.Slug, "error", err)
		return
	}
	if res1.Rejected || !res1.Filled() {
		a.logger.Info("arb leg 1 did not fill", "market", info.Slug, "reason", res1.Reason)
		return
	}
	filled := res1.Order.FilledSize

	leg2 := types.NewSignal(types.StrategyArb, info.ConditionID, info.NoTokenID,
		types.BUY, filled*opp.askNo, opp.askNo, types.OrderTypeFOK, why)
	leg2.EdgePct = opp.grossEdgePct
	leg2.ArbLegOf = leg1.ID
	metrics.SignalsEmitted.WithLabelValues(string(types.StrategyArb)).Inc()

	res2, err := a.desk.SubmitWait(ctx, leg2)
	var hedged float64
	if err == nil && res2.Filled() {
		hedged = res2.Order.FilledSize
	}
	if hedged <= 0 {
		reason := "submit failed"
		if err == nil {
			reason = res2.Reason
		}
		a.logger.Warn("arb leg 2 did not fill, unwinding leg 1",
			"market", info.Slug, "reason", reason)
		a.unwind(ctx, res1.Position, filled, leg1.ID)
		return
	}

	a.state.Executed++
	a.saveState(ctx)
	a.logger.Info("arb pair filled",
		"market", info.Slug, "shares", filled,
		"cost", filled*(opp.askYes+opp.askNo), "profit_usd", opp.profitUSD)
	a.notifyf("Arb filled on %s: %.2f share pairs at $%.3f combined, est. profit $%.2f",
		info.Slug, filled, opp.askYes+opp.askNo, opp.profitUSD)
}

// unwind sells a naked first leg back. Each round waits out the order
// manager's own exit retries; whatever is still unhedged after the last
// round is left in closing for startup recovery to finish.
func (a *ArbScanner) unwind(ctx context.Context, pos *types.Position, shares float64, legID string) {
	if pos == nil {
		a.logger.Error("unwind needed but leg 1 position missing", "leg", legID)
		a.notifyf("CRITICAL: arb leg 2 failed and leg 1 opened no position, books need manual review")
		return
	}
	a.notifyf("Arb leg 2 failed in %s, unwinding %.2f naked shares", pos.MarketID, shares)

	// Claim with a fresh context so a shutdown mid-arb still leaves the
	// position in closing, where startup recovery finds it.
	if err := a.store.MarkClosing(context.Background(), pos.ID); err != nil &&
		!errors.Is(err, store.ErrStaleTransition) {
		a.logger.Error("claim position for unwind failed", "position", pos.ID, "error", err)
	}

	remaining := shares
	for round := 1; remaining > shareEpsilon; round++ {
		if ctx.Err() != nil {
			return
		}
		sig := types.NewSignal(types.StrategyArb, pos.MarketID, pos.TokenID,
			types.SELL, 0, 0, types.OrderTypeFAK, "unwind naked arb leg")
		sig.IsExit = true
		sig.ParentPositionID = pos.ID
		sig.SizeShares = remaining
		sig.ArbLegOf = legID
		metrics.SignalsEmitted.WithLabelValues(string(types.StrategyArb)).Inc()

		res, err := a.desk.SubmitWait(ctx, sig)
		if err != nil {
			a.logger.Error("unwind submit failed",
				"position", pos.ID, "round", round, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if res.Order != nil {
			remaining -= res.Order.FilledSize
		}
		if remaining > shareEpsilon && round >= maxUnwindRounds {
			a.logger.Error("unwind incomplete, deferring to startup recovery",
				"position", pos.ID, "remaining", remaining)
			a.notifyf("CRITICAL: arb unwind for position %d incomplete, %.2f shares still naked; retrying on next start",
				pos.ID, remaining)
			return
		}
	}
	a.logger.Info("naked arb leg unwound", "position", pos.ID, "shares", shares)
}

func (a *ArbScanner) loadState(ctx context.Context) {
	raw, err := a.store.GetStrategyState(ctx, types.StrategyArb)
	if err != nil {
		a.logger.Warn("load arb counters failed", "error", err)
		return
	}
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), &a.state); err != nil {
		a.logger.Warn("arb counters corrupt, resetting", "error", err)
		a.state = arbState{}
	}
}

func (a *ArbScanner) saveState(ctx context.Context) {
	blob, err := json.Marshal(a.state)
	if err != nil {
		return
	}
	if err := a.store.SetStrategyState(ctx, types.StrategyArb, string(blob)); err != nil {
		a.logger.Warn("persist arb counters failed", "error", err)
	}
}

func (a *ArbScanner) notifyf(format string, args ...any) {
	if a.notify != nil {
		a.notify(fmt.Sprintf(format, args...))
	}
}

// bestAsk returns the lowest non-zero ask and its size. The API does not
// promise level ordering.
func bestAsk(book *types.BookResponse) (price, size float64) {
	for _, lvl := range book.Asks {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		if price == 0 || p < price {
			price = p
			size = parseLevelSize(lvl.Size)
		}
	}
	return price, size
}

func parseLevelSize(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
