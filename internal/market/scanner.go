// Package market provides market discovery and local top-of-book caching.
//
// Scanner polls the Gamma API for active binary markets, filters them by
// liquidity, volume, and end date, and publishes a ranked watchlist that
// the arb and stink strategies draw from when no explicit market list is
// configured. It also serves cached metadata lookups (tick size, minimum
// order size, resolution state) for the order and position managers.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/pkg/types"
)

const (
	pageLimit      = 100         // Gamma /markets page size
	marketCacheTTL = time.Minute // refresh window for unresolved markets

	// resolvedPrice is the outcome price at which a settled market is
	// considered decided. Final prices are published as 1 and 0 but can
	// arrive with rounding slack.
	resolvedPrice = 0.99
)

// GammaMarket is the JSON shape returned by the Gamma API. Outcomes,
// OutcomePrices, and ClobTokenIds are JSON-encoded arrays inside strings;
// entries at the same index belong to the same outcome.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	EndDate               string  `json:"endDate"`
	Liquidity             string  `json:"liquidity"`
	Volume24hr            float64 `json:"volume24hr"`
	Outcomes              string  `json:"outcomes"`
	OutcomePrices         string  `json:"outcomePrices"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	BestBid               float64 `json:"bestBid"`
	BestAsk               float64 `json:"bestAsk"`
	LastTradePrice        float64 `json:"lastTradePrice"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
	UmaResolutionStatus   string  `json:"umaResolutionStatus"`
}

// Scanner discovers tradeable markets and answers metadata lookups.
type Scanner struct {
	gamma  *resty.Client
	cfg    config.ScannerConfig
	logger *slog.Logger

	mu    sync.RWMutex
	watch []types.MarketInfo
	cache map[string]cachedMarket // keyed by condition ID
}

type cachedMarket struct {
	info    types.MarketInfo
	fetched time.Time
}

// NewScanner creates a market scanner against the Gamma API.
func NewScanner(cfg *config.Config, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		gamma:  client,
		cfg:    cfg.Scanner,
		logger: logger.With("component", "scanner"),
		cache:  make(map[string]cachedMarket),
	}
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// Watchlist returns the markets selected by the most recent scan, best
// first. Empty until the first scan completes.
func (s *Scanner) Watchlist() []types.MarketInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.MarketInfo, len(s.watch))
	copy(out, s.watch)
	return out
}

// Market returns metadata for one market by condition ID. Results are
// cached briefly; resolved markets are kept for good since a settled
// outcome cannot change.
func (s *Scanner) Market(ctx context.Context, conditionID string) (*types.MarketInfo, error) {
	s.mu.RLock()
	entry, ok := s.cache[conditionID]
	s.mu.RUnlock()

	if ok && (entry.info.Resolved || time.Since(entry.fetched) < marketCacheTTL) {
		info := entry.info
		return &info, nil
	}

	gm, err := s.fetchByCondition(ctx, conditionID)
	if err != nil {
		// Tick size and minimum order size rarely change; a stale copy
		// beats failing the order that needs them.
		if ok {
			s.logger.Warn("market refresh failed, serving cached copy",
				"market", conditionID, "error", err)
			info := entry.info
			return &info, nil
		}
		return nil, err
	}

	info, err := convertMarket(*gm)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[conditionID] = cachedMarket{info: *info, fetched: time.Now()}
	s.mu.Unlock()
	return info, nil
}

func (s *Scanner) scan(ctx context.Context) {
	raw, err := s.fetchActive(ctx)
	if err != nil {
		s.logger.Error("market scan failed", "error", err)
		return
	}

	eligible := s.filterMarkets(raw)

	infos := make([]types.MarketInfo, 0, len(eligible))
	for _, gm := range eligible {
		info, err := convertMarket(gm)
		if err != nil {
			s.logger.Debug("skipping market", "slug", gm.Slug, "error", err)
			continue
		}
		infos = append(infos, *info)
	}

	ranked := rankMarkets(infos)
	if s.cfg.MaxMarkets > 0 && len(ranked) > s.cfg.MaxMarkets {
		ranked = ranked[:s.cfg.MaxMarkets]
	}

	s.mu.Lock()
	s.watch = ranked
	now := time.Now()
	for i := range ranked {
		s.cache[ranked[i].ConditionID] = cachedMarket{info: ranked[i], fetched: now}
	}
	s.mu.Unlock()

	metrics.WatchlistSize.Set(float64(len(ranked)))
	s.logger.Info("market scan complete",
		"fetched", len(raw),
		"eligible", len(eligible),
		"selected", len(ranked),
	)
}

func (s *Scanner) fetchActive(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0

	for {
		var page []GammaMarket
		resp, err := s.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(pageLimit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)

		if len(page) < pageLimit {
			break
		}
		offset += pageLimit
	}

	return all, nil
}

func (s *Scanner) fetchByCondition(ctx context.Context, conditionID string) (*GammaMarket, error) {
	var page []GammaMarket
	resp, err := s.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"condition_ids": conditionID,
			"limit":         "1",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", conditionID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch market %s: status %d", conditionID, resp.StatusCode())
	}
	if len(page) == 0 {
		return nil, fmt.Errorf("market %s not found", conditionID)
	}
	return &page[0], nil
}

// filterMarkets applies hard filters: inactive, closed, not accepting
// orders, no order book, excluded slugs, insufficient liquidity or volume,
// end date in the past or too far out, missing outcome or token data.
func (s *Scanner) filterMarkets(markets []GammaMarket) []GammaMarket {
	excluded := make(map[string]bool)
	for _, slug := range s.cfg.ExcludeSlugs {
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug != "" {
			excluded[slug] = true
		}
	}

	now := time.Now()
	maxEnd := now.AddDate(0, 0, s.cfg.MaxEndDateDays)

	var result []GammaMarket
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
			continue
		}
		if excluded[strings.ToLower(m.Slug)] {
			continue
		}

		liquidity, _ := strconv.ParseFloat(m.Liquidity, 64)
		if liquidity < s.cfg.MinLiquidity {
			continue
		}
		if m.Volume24hr < s.cfg.MinVolume24h {
			continue
		}

		// Reject unparseable end dates outright.
		if m.EndDate != "" {
			endDate, err := time.Parse(time.RFC3339, m.EndDate)
			if err != nil {
				continue
			}
			if endDate.Before(now) || endDate.After(maxEnd) {
				continue
			}
		}

		if m.Outcomes == "" || m.ClobTokenIds == "" {
			continue
		}

		result = append(result, m)
	}

	return result
}

// rankMarkets sorts markets by a composite score: deep volume first, with
// a liquidity bonus that saturates at $10k so a single whale pool does not
// dominate the watchlist.
func rankMarkets(infos []types.MarketInfo) []types.MarketInfo {
	type scored struct {
		info  types.MarketInfo
		score float64
	}

	list := make([]scored, len(infos))
	for i, m := range infos {
		liquidityFactor := math.Min(m.Liquidity/10000.0, 1.0)
		list[i] = scored{info: m, score: math.Sqrt(m.Volume24h) * liquidityFactor}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].score > list[j].score
	})

	out := make([]types.MarketInfo, len(list))
	for i, sm := range list {
		out[i] = sm.info
	}
	return out
}

// convertMarket transforms a Gamma API response into the internal
// MarketInfo type. Tokens are matched to outcomes by their label; the API
// does not guarantee YES-first ordering, so index assumptions are unsafe.
func convertMarket(gm GammaMarket) (*types.MarketInfo, error) {
	var outcomes, tokenIDs []string
	if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil {
		return nil, fmt.Errorf("market %s: parse outcomes: %w", gm.ID, err)
	}
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
		return nil, fmt.Errorf("market %s: parse token ids: %w", gm.ID, err)
	}
	if len(outcomes) != len(tokenIDs) {
		return nil, fmt.Errorf("market %s: %d outcomes but %d tokens", gm.ID, len(outcomes), len(tokenIDs))
	}

	yesIdx, noIdx := -1, -1
	for i, outcome := range outcomes {
		switch {
		case strings.EqualFold(outcome, string(types.OutcomeYes)):
			yesIdx = i
		case strings.EqualFold(outcome, string(types.OutcomeNo)):
			noIdx = i
		}
	}
	if yesIdx < 0 || noIdx < 0 {
		return nil, fmt.Errorf("market %s: outcomes %v are not binary YES/NO", gm.ID, outcomes)
	}

	var tickSize types.TickSize
	switch {
	case gm.OrderPriceMinTickSize == 0.1:
		tickSize = types.Tick01
	case gm.OrderPriceMinTickSize == 0.001:
		tickSize = types.Tick0001
	case gm.OrderPriceMinTickSize == 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)
	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	info := &types.MarketInfo{
		ID:              gm.ID,
		ConditionID:     gm.ConditionID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		YesTokenID:      tokenIDs[yesIdx],
		NoTokenID:       tokenIDs[noIdx],
		TickSize:        tickSize,
		MinOrderSize:    gm.OrderMinSize,
		NegRisk:         gm.NegRisk,
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		EndDate:         endDate,
		Liquidity:       liquidity,
		Volume24h:       gm.Volume24hr,
		BestBid:         gm.BestBid,
		BestAsk:         gm.BestAsk,
		Spread:          gm.BestAsk - gm.BestBid,
		LastTradePrice:  gm.LastTradePrice,
	}

	// Settled markets publish final outcome prices: 1 for the winner,
	// 0 for the loser. A market is only treated as resolved once a
	// definite winner is visible.
	if gm.Closed || strings.EqualFold(gm.UmaResolutionStatus, "resolved") {
		var prices []string
		if err := json.Unmarshal([]byte(gm.OutcomePrices), &prices); err == nil && len(prices) == len(outcomes) {
			yesPx, _ := strconv.ParseFloat(prices[yesIdx], 64)
			noPx, _ := strconv.ParseFloat(prices[noIdx], 64)
			switch {
			case yesPx >= resolvedPrice:
				info.Resolved = true
				info.WinningOutcome = types.OutcomeYes
			case noPx >= resolvedPrice:
				info.Resolved = true
				info.WinningOutcome = types.OutcomeNo
			}
		}
	}

	return info, nil
}
