package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/pkg/types"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		PollInterval:   time.Minute,
		MinLiquidity:   1000,
		MinVolume24h:   500,
		MaxEndDateDays: 90,
		MaxMarkets:     3,
		ExcludeSlugs:   []string{"excluded-slug"},
	}
}

func scannerWithConfig() *Scanner {
	return &Scanner{
		cfg:    testScannerConfig(),
		cache:  make(map[string]cachedMarket),
		logger: discardLogger(),
	}
}

func newTestScanner(t *testing.T, baseURL string) *Scanner {
	t.Helper()
	cfg := &config.Config{}
	cfg.API.GammaBaseURL = baseURL
	cfg.Scanner = testScannerConfig()
	return NewScanner(cfg, discardLogger())
}

func baseGamma() GammaMarket {
	return GammaMarket{
		ID:                    "1001",
		Question:              "Will it happen?",
		ConditionID:           "0xcond1",
		Slug:                  "will-it-happen",
		Active:                true,
		AcceptingOrders:       true,
		EnableOrderBook:       true,
		EndDate:               time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339),
		Liquidity:             "5000",
		Volume24hr:            1000,
		Outcomes:              `["Yes","No"]`,
		OutcomePrices:         `["0.55","0.45"]`,
		ClobTokenIds:          `["tok-yes","tok-no"]`,
		BestBid:               0.54,
		BestAsk:               0.56,
		OrderPriceMinTickSize: 0.01,
		OrderMinSize:          5,
	}
}

// gammaServer fakes the Gamma /markets endpoint with pagination and
// condition_ids lookup.
type gammaServer struct {
	*httptest.Server

	mu      sync.Mutex
	markets []GammaMarket
	byCond  int
	pages   int
	fail    bool
}

func newGammaServer(t *testing.T, markets []GammaMarket) *gammaServer {
	t.Helper()
	gs := &gammaServer{markets: markets}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		gs.mu.Lock()
		defer gs.mu.Unlock()
		if gs.fail {
			http.Error(w, "upstream sad", http.StatusServiceUnavailable)
			return
		}

		q := r.URL.Query()
		if cid := q.Get("condition_ids"); cid != "" {
			gs.byCond++
			matched := make([]GammaMarket, 0, 1)
			for _, m := range gs.markets {
				if m.ConditionID == cid {
					matched = append(matched, m)
				}
			}
			json.NewEncoder(w).Encode(matched)
			return
		}

		gs.pages++
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = len(gs.markets)
		}
		if offset > len(gs.markets) {
			offset = len(gs.markets)
		}
		end := offset + limit
		if end > len(gs.markets) {
			end = len(gs.markets)
		}
		json.NewEncoder(w).Encode(gs.markets[offset:end])
	}))
	t.Cleanup(gs.Close)
	return gs
}

func (gs *gammaServer) conditionFetches() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.byCond
}

func (gs *gammaServer) pageFetches() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.pages
}

func (gs *gammaServer) setFail(fail bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.fail = fail
}

func TestFilterMarketsPassesValid(t *testing.T) {
	t.Parallel()
	s := scannerWithConfig()

	result := s.filterMarkets([]GammaMarket{baseGamma()})
	if len(result) != 1 {
		t.Fatalf("expected 1 market, got %d", len(result))
	}
}

func TestFilterMarketsRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*GammaMarket)
	}{
		{"inactive", func(m *GammaMarket) { m.Active = false }},
		{"closed", func(m *GammaMarket) { m.Closed = true }},
		{"not accepting orders", func(m *GammaMarket) { m.AcceptingOrders = false }},
		{"no order book", func(m *GammaMarket) { m.EnableOrderBook = false }},
		{"excluded slug", func(m *GammaMarket) { m.Slug = "excluded-slug" }},
		{"low liquidity", func(m *GammaMarket) { m.Liquidity = "100" }},
		{"low volume", func(m *GammaMarket) { m.Volume24hr = 100 }},
		{"expired", func(m *GammaMarket) {
			m.EndDate = time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
		}},
		{"ends too far out", func(m *GammaMarket) {
			m.EndDate = time.Now().Add(365 * 24 * time.Hour).Format(time.RFC3339)
		}},
		{"garbled end date", func(m *GammaMarket) { m.EndDate = "tomorrow-ish" }},
		{"missing token ids", func(m *GammaMarket) { m.ClobTokenIds = "" }},
		{"missing outcomes", func(m *GammaMarket) { m.Outcomes = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := scannerWithConfig()
			m := baseGamma()
			tc.mutate(&m)
			if got := s.filterMarkets([]GammaMarket{m}); len(got) != 0 {
				t.Errorf("filter kept %d markets, want 0", len(got))
			}
		})
	}
}

func TestConvertMatchesTokensByOutcome(t *testing.T) {
	t.Parallel()

	// NO listed first: label matching must still find the right tokens.
	gm := baseGamma()
	gm.Outcomes = `["No","Yes"]`
	gm.ClobTokenIds = `["tok-no","tok-yes"]`
	gm.OutcomePrices = `["0.45","0.55"]`

	info, err := convertMarket(gm)
	if err != nil {
		t.Fatalf("convertMarket: %v", err)
	}
	if info.YesTokenID != "tok-yes" {
		t.Errorf("YesTokenID = %s, want tok-yes", info.YesTokenID)
	}
	if info.NoTokenID != "tok-no" {
		t.Errorf("NoTokenID = %s, want tok-no", info.NoTokenID)
	}
}

func TestConvertRejectsNonBinaryMarkets(t *testing.T) {
	t.Parallel()

	gm := baseGamma()
	gm.Outcomes = `["Up","Down"]`
	gm.ClobTokenIds = `["tok-up","tok-down"]`
	if _, err := convertMarket(gm); err == nil {
		t.Error("expected error for non-YES/NO outcomes")
	}

	gm = baseGamma()
	gm.ClobTokenIds = `["only-one"]`
	if _, err := convertMarket(gm); err == nil {
		t.Error("expected error for outcome/token length mismatch")
	}

	gm = baseGamma()
	gm.Outcomes = `not json`
	if _, err := convertMarket(gm); err == nil {
		t.Error("expected error for unparseable outcomes")
	}
}

func TestConvertPopulatesExecutionFields(t *testing.T) {
	t.Parallel()

	gm := baseGamma()
	gm.NegRisk = true
	info, err := convertMarket(gm)
	if err != nil {
		t.Fatalf("convertMarket: %v", err)
	}

	if info.TickSize != types.Tick001 {
		t.Errorf("TickSize = %v, want %v", info.TickSize, types.Tick001)
	}
	if info.MinOrderSize != 5 {
		t.Errorf("MinOrderSize = %v, want 5", info.MinOrderSize)
	}
	if !info.NegRisk {
		t.Error("NegRisk not carried over")
	}
	if got := info.Spread; got < 0.0199 || got > 0.0201 {
		t.Errorf("Spread = %v, want ~0.02", got)
	}
	if info.Resolved {
		t.Error("open market should not be resolved")
	}
}

func TestConvertTickSizes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  float64
		want types.TickSize
	}{
		{0.1, types.Tick01},
		{0.01, types.Tick001},
		{0.001, types.Tick0001},
		{0.0001, types.Tick00001},
		{0, types.Tick001},
	}
	for _, tc := range cases {
		gm := baseGamma()
		gm.OrderPriceMinTickSize = tc.raw
		info, err := convertMarket(gm)
		if err != nil {
			t.Fatalf("convertMarket(tick %v): %v", tc.raw, err)
		}
		if info.TickSize != tc.want {
			t.Errorf("tick %v = %v, want %v", tc.raw, info.TickSize, tc.want)
		}
	}
}

func TestConvertParsesResolution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		outcomes string
		prices   string
		closed   bool
		uma      string
		resolved bool
		winner   types.Outcome
	}{
		{"yes wins", `["Yes","No"]`, `["1","0"]`, true, "", true, types.OutcomeYes},
		{"no wins", `["Yes","No"]`, `["0","1"]`, true, "", true, types.OutcomeNo},
		{"no listed first", `["No","Yes"]`, `["1","0"]`, true, "", true, types.OutcomeNo},
		{"uma resolved before close", `["Yes","No"]`, `["0","1"]`, false, "resolved", true, types.OutcomeNo},
		{"closed but undecided", `["Yes","No"]`, `["0.5","0.5"]`, true, "", false, ""},
		{"open market", `["Yes","No"]`, `["0.6","0.4"]`, false, "", false, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gm := baseGamma()
			gm.Outcomes = tc.outcomes
			gm.OutcomePrices = tc.prices
			gm.ClobTokenIds = `["tok-a","tok-b"]`
			gm.Closed = tc.closed
			gm.UmaResolutionStatus = tc.uma

			info, err := convertMarket(gm)
			if err != nil {
				t.Fatalf("convertMarket: %v", err)
			}
			if info.Resolved != tc.resolved {
				t.Errorf("Resolved = %v, want %v", info.Resolved, tc.resolved)
			}
			if info.WinningOutcome != tc.winner {
				t.Errorf("WinningOutcome = %q, want %q", info.WinningOutcome, tc.winner)
			}
		})
	}
}

func TestRankMarketsOrdersByScore(t *testing.T) {
	t.Parallel()

	low := types.MarketInfo{ID: "low", Volume24h: 100, Liquidity: 2000}
	high := types.MarketInfo{ID: "high", Volume24h: 10000, Liquidity: 50000}

	ranked := rankMarkets([]types.MarketInfo{low, high})
	if ranked[0].ID != "high" {
		t.Errorf("top market = %s, want high", ranked[0].ID)
	}

	// Liquidity bonus saturates at $10k: same volume above the cap
	// scores identically regardless of depth.
	a := types.MarketInfo{ID: "a", Volume24h: 1000, Liquidity: 20000}
	b := types.MarketInfo{ID: "b", Volume24h: 1000, Liquidity: 50000}
	ranked = rankMarkets([]types.MarketInfo{a, b})
	if len(ranked) != 2 {
		t.Fatalf("ranked %d markets, want 2", len(ranked))
	}
}

func TestScanPublishesWatchlist(t *testing.T) {
	t.Parallel()

	// Two pages: pageLimit on the first, the remainder on the second.
	var markets []GammaMarket
	for i := 0; i < pageLimit+2; i++ {
		m := baseGamma()
		m.ID = strconv.Itoa(2000 + i)
		m.ConditionID = "0xc" + strconv.Itoa(i)
		m.Slug = "market-" + strconv.Itoa(i)
		m.Liquidity = "20000"
		m.Volume24hr = float64(1000 + i)
		markets = append(markets, m)
	}
	gs := newGammaServer(t, markets)
	s := newTestScanner(t, gs.URL)

	s.scan(context.Background())

	if got := gs.pageFetches(); got != 2 {
		t.Errorf("page fetches = %d, want 2", got)
	}

	watch := s.Watchlist()
	if len(watch) != 3 {
		t.Fatalf("watchlist size = %d, want 3", len(watch))
	}
	if watch[0].Volume24h != float64(1000+pageLimit+1) {
		t.Errorf("top market volume = %v, want %v", watch[0].Volume24h, float64(1000+pageLimit+1))
	}

	// Watchlist entries are already cached; no condition lookup needed.
	info, err := s.Market(context.Background(), watch[0].ConditionID)
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if info.YesTokenID != "tok-yes" {
		t.Errorf("YesTokenID = %s, want tok-yes", info.YesTokenID)
	}
	if got := gs.conditionFetches(); got != 0 {
		t.Errorf("condition fetches = %d, want 0 (served from cache)", got)
	}
}

func TestMarketFetchesAndCaches(t *testing.T) {
	t.Parallel()

	gs := newGammaServer(t, []GammaMarket{baseGamma()})
	s := newTestScanner(t, gs.URL)
	ctx := context.Background()

	info, err := s.Market(ctx, "0xcond1")
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if info.ConditionID != "0xcond1" {
		t.Errorf("ConditionID = %s, want 0xcond1", info.ConditionID)
	}
	if got := gs.conditionFetches(); got != 1 {
		t.Fatalf("condition fetches = %d, want 1", got)
	}

	// A fresh entry is served from cache.
	if _, err := s.Market(ctx, "0xcond1"); err != nil {
		t.Fatalf("Market cached read: %v", err)
	}
	if got := gs.conditionFetches(); got != 1 {
		t.Errorf("condition fetches = %d, want 1 after cached read", got)
	}

	// Past the TTL the entry is refreshed.
	s.mu.Lock()
	entry := s.cache["0xcond1"]
	entry.fetched = time.Now().Add(-2 * marketCacheTTL)
	s.cache["0xcond1"] = entry
	s.mu.Unlock()

	if _, err := s.Market(ctx, "0xcond1"); err != nil {
		t.Fatalf("Market refresh: %v", err)
	}
	if got := gs.conditionFetches(); got != 2 {
		t.Errorf("condition fetches = %d, want 2 after expiry", got)
	}
}

func TestMarketServesStaleOnFetchFailure(t *testing.T) {
	t.Parallel()

	gs := newGammaServer(t, []GammaMarket{baseGamma()})
	s := newTestScanner(t, gs.URL)
	ctx := context.Background()

	if _, err := s.Market(ctx, "0xcond1"); err != nil {
		t.Fatalf("Market: %v", err)
	}

	s.mu.Lock()
	entry := s.cache["0xcond1"]
	entry.fetched = time.Now().Add(-2 * marketCacheTTL)
	s.cache["0xcond1"] = entry
	s.mu.Unlock()
	gs.setFail(true)

	info, err := s.Market(ctx, "0xcond1")
	if err != nil {
		t.Fatalf("Market should serve the stale copy, got error: %v", err)
	}
	if info.ConditionID != "0xcond1" {
		t.Errorf("ConditionID = %s, want 0xcond1", info.ConditionID)
	}

	// With no cached copy the failure surfaces.
	if _, err := s.Market(ctx, "0xmissing"); err == nil {
		t.Error("expected error for uncached market while upstream is down")
	}
}

func TestMarketResolvedCachedForever(t *testing.T) {
	t.Parallel()

	gs := newGammaServer(t, nil)
	s := newTestScanner(t, gs.URL)

	s.mu.Lock()
	s.cache["0xdone"] = cachedMarket{
		info: types.MarketInfo{
			ConditionID:    "0xdone",
			Resolved:       true,
			WinningOutcome: types.OutcomeYes,
		},
		fetched: time.Now().Add(-24 * time.Hour),
	}
	s.mu.Unlock()

	info, err := s.Market(context.Background(), "0xdone")
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if !info.Resolved || info.WinningOutcome != types.OutcomeYes {
		t.Errorf("resolved cache entry = %+v, want resolved YES", info)
	}
	if got := gs.conditionFetches(); got != 0 {
		t.Errorf("condition fetches = %d, want 0 for resolved market", got)
	}
}
