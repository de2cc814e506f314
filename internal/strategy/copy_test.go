package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/store"
	"github.com/0xtitan6/polytrader/pkg/types"
)

type stubWallets struct {
	positions map[string][]types.WalletPosition
	err       error
}

func (w *stubWallets) WalletPositions(_ context.Context, wallet string) ([]types.WalletPosition, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.positions[wallet], nil
}

type copyFixture struct {
	c       *CopyTrader
	st      *store.Store
	sink    *sinkRecorder
	prices  *stubPrices
	wallets *stubWallets
	kill    *stubHalter
	view    *stubView
}

func newCopyFixture(t *testing.T, cfg *config.Config) *copyFixture {
	t.Helper()
	st := openStore(t)
	sink := &sinkRecorder{}
	prices := &stubPrices{mids: map[string]float64{}}
	wallets := &stubWallets{positions: map[string][]types.WalletPosition{}}
	kill := &stubHalter{}
	view := &stubView{snap: &types.PortfolioSnapshot{Balance: 1000, Total: 1000, TakenAt: time.Now()}}

	c := NewCopyTrader(cfg, CopyDeps{
		Store:   st,
		Wallets: wallets,
		Prices:  prices,
		View:    view,
		Sink:    sink,
		Kill:    kill,
	}, discardLogger())
	return &copyFixture{c: c, st: st, sink: sink, prices: prices, wallets: wallets, kill: kill, view: view}
}

// holding returns a whale API position for the fixture market.
func holding(shares, avgPrice float64) types.WalletPosition {
	return types.WalletPosition{
		ProxyWallet: whaleAddr,
		ConditionID: "cond-1",
		Asset:       "tok-yes",
		Size:        shares,
		AvgPrice:    avgPrice,
	}
}

// seedWhaleMap stores a previous observation of the whale's book.
func (f *copyFixture) seedWhaleMap(t *testing.T, shares, avgPrice float64) {
	t.Helper()
	err := f.st.ReplaceWhalePositions(context.Background(), whaleAddr, []types.WhalePosition{{
		Wallet:    whaleAddr,
		MarketID:  "cond-1",
		TokenID:   "tok-yes",
		Shares:    shares,
		AvgPrice:  avgPrice,
		UpdatedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("ReplaceWhalePositions() error: %v", err)
	}
}

// seedCopyPosition inserts an open position previously copied from the whale.
func (f *copyFixture) seedCopyPosition(t *testing.T, shares, entryPrice float64) *types.Position {
	t.Helper()
	pos := &types.Position{
		Strategy:     types.StrategyCopy,
		MarketID:     "cond-1",
		TokenID:      "tok-yes",
		Outcome:      types.OutcomeYes,
		Side:         types.PositionLong,
		EntryPrice:   entryPrice,
		Shares:       shares,
		EntryShares:  shares,
		Status:       types.PositionOpen,
		SourceWallet: whaleAddr,
	}
	if err := f.st.InsertPosition(context.Background(), pos); err != nil {
		t.Fatalf("InsertPosition() error: %v", err)
	}
	return pos
}

func TestCopyNewHoldingEmitsEntry(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.50)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	sigs := f.sink.all()
	if len(sigs) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.BUY || sig.OrderType != types.OrderTypeFAK {
		t.Errorf("signal = %s %s, want BUY FAK", sig.Side, sig.OrderType)
	}
	if sig.MarketID != "cond-1" || sig.TokenID != "tok-yes" {
		t.Errorf("signal target = %s/%s, want cond-1/tok-yes", sig.MarketID, sig.TokenID)
	}
	if sig.SizeUSD != 100 {
		t.Errorf("SizeUSD = %v, want fixed size 100", sig.SizeUSD)
	}
	if sig.SourceWallet != whaleAddr {
		t.Errorf("SourceWallet = %q, want whale address", sig.SourceWallet)
	}
	if sig.ExitPlan == nil || sig.ExitPlan.StopLossPct != 20 {
		t.Errorf("ExitPlan = %+v, want default stop loss attached", sig.ExitPlan)
	}

	saved, err := f.st.WhalePositions(context.Background(), whaleAddr)
	if err != nil {
		t.Fatalf("WhalePositions() error: %v", err)
	}
	if len(saved) != 1 || saved[0].Shares != 2000 {
		t.Errorf("saved map = %+v, want one row of 2000 shares", saved)
	}
}

func TestCopyConvictionFilter(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	// 100 shares at $0.50 mid is a $50 holding, below the $500 floor.
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(100, 0.50)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0", got)
	}
	saved, err := f.st.WhalePositions(context.Background(), whaleAddr)
	if err != nil {
		t.Fatalf("WhalePositions() error: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("holding below conviction must still be remembered, got %d rows", len(saved))
	}
}

func TestCopySlippageGuard(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	// Whale entered at 0.40, market now 0.50: 25% past their basis.
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.40)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0 when price ran away", got)
	}
}

func TestCopyFavorableSlippageAllowed(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	// Mid below the whale's basis is a better entry than theirs.
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.60)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("len(signals) = %d, want 1", got)
	}
}

func TestCopyIncreaseThreshold(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		liveShares  float64
		wantSignals int
	}{
		{"five percent add is noise", 1050, 0},
		{"twenty percent add is copied", 1200, 1},
		{"unchanged holding ignored", 1000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newCopyFixture(t, testConfig())
			f.seedWhaleMap(t, 1000, 0.50)
			f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(tc.liveShares, 0.50)}
			f.prices.mids["tok-yes"] = 0.50

			f.c.tick(context.Background())

			if got := len(f.sink.all()); got != tc.wantSignals {
				t.Errorf("len(signals) = %d, want %d", got, tc.wantSignals)
			}
		})
	}
}

func TestCopyReductionEmitsProportionalExit(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.seedWhaleMap(t, 1000, 0.50)
	pos := f.seedCopyPosition(t, 80, 0.50)
	// Whale halved the holding; we sell half of ours.
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(500, 0.50)}

	f.c.tick(context.Background())

	sigs := f.sink.all()
	if len(sigs) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if !sig.IsExit || sig.Side != types.SELL {
		t.Errorf("signal = %+v, want SELL exit", sig)
	}
	if sig.ParentPositionID != pos.ID {
		t.Errorf("ParentPositionID = %d, want %d", sig.ParentPositionID, pos.ID)
	}
	if sig.SizeShares != 40 {
		t.Errorf("SizeShares = %v, want 40", sig.SizeShares)
	}

	got, err := f.st.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if got.Status != types.PositionClosing {
		t.Errorf("position status = %s, want closing after claim", got.Status)
	}
}

func TestCopyVanishedHoldingExitsInFull(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.seedWhaleMap(t, 1000, 0.50)
	pos := f.seedCopyPosition(t, 80, 0.50)
	f.wallets.positions[whaleAddr] = nil

	f.c.tick(context.Background())

	sigs := f.sink.all()
	if len(sigs) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(sigs))
	}
	if sigs[0].SizeShares != pos.Shares {
		t.Errorf("SizeShares = %v, want full %v", sigs[0].SizeShares, pos.Shares)
	}
	saved, err := f.st.WhalePositions(context.Background(), whaleAddr)
	if err != nil {
		t.Fatalf("WhalePositions() error: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("saved map = %+v, want empty after whale exit", saved)
	}
}

func TestCopyExitBelowMinimumSkipped(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.seedWhaleMap(t, 1000, 0.50)
	// Half of 30 shares at $0.50 entry is $7.50, under the $10 exit floor.
	pos := f.seedCopyPosition(t, 30, 0.50)
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(500, 0.50)}

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0", got)
	}
	got, err := f.st.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if got.Status != types.PositionOpen {
		t.Errorf("position status = %s, want still open", got.Status)
	}
}

func TestCopyExitSkipsClaimedPosition(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.seedWhaleMap(t, 1000, 0.50)
	pos := f.seedCopyPosition(t, 80, 0.50)
	if err := f.st.MarkClosing(context.Background(), pos.ID); err != nil {
		t.Fatalf("MarkClosing() error: %v", err)
	}
	f.wallets.positions[whaleAddr] = nil

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0 for an already claimed position", got)
	}
}

func TestCopyKillBlocksEntries(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.kill.active = true
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.50)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0 under kill switch", got)
	}
	saved, err := f.st.WhalePositions(context.Background(), whaleAddr)
	if err != nil {
		t.Fatalf("WhalePositions() error: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("whale map rows = %d, want 1 even under kill", len(saved))
	}
}

func TestCopyWalletAllocationCap(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		deployed  float64 // entry value of an existing copied position
		wantSize  float64
		wantCount int
	}{
		{"room clamps the entry", 50, 70, 1},
		{"cap exhausted skips", 100, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Copy.Wallets[0].MaxAllocationUSD = 120
			f := newCopyFixture(t, cfg)
			f.seedCopyPosition(t, tc.deployed/0.50, 0.50)
			f.wallets.positions[whaleAddr] = []types.WalletPosition{
				{ProxyWallet: whaleAddr, ConditionID: "cond-2", Asset: "tok-2", Size: 2000, AvgPrice: 0.50},
			}
			f.prices.mids["tok-2"] = 0.50

			f.c.tick(context.Background())

			sigs := f.sink.all()
			if len(sigs) != tc.wantCount {
				t.Fatalf("len(signals) = %d, want %d", len(sigs), tc.wantCount)
			}
			if tc.wantCount == 1 && sigs[0].SizeUSD != tc.wantSize {
				t.Errorf("SizeUSD = %v, want clamped %v", sigs[0].SizeUSD, tc.wantSize)
			}
		})
	}
}

func TestCopySizingModes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		mode     string
		pct      float64
		noSnap   bool
		wantSize float64 // 0 means no signal
	}{
		{"fixed", "fixed", 0, false, 100},
		{"pct of whale holding", "pct_whale", 10, false, 100}, // 10% of $1000
		{"pct of portfolio", "pct_portfolio", 5, false, 50},   // 5% of $1000
		{"pct of portfolio without snapshot", "pct_portfolio", 5, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Copy.SizingMode = tc.mode
			cfg.Copy.SizingPct = tc.pct
			f := newCopyFixture(t, cfg)
			if tc.noSnap {
				f.view.snap = nil
			}
			f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.50)}
			f.prices.mids["tok-yes"] = 0.50

			f.c.tick(context.Background())

			sigs := f.sink.all()
			if tc.wantSize == 0 {
				if len(sigs) != 0 {
					t.Fatalf("len(signals) = %d, want 0", len(sigs))
				}
				return
			}
			if len(sigs) != 1 {
				t.Fatalf("len(signals) = %d, want 1", len(sigs))
			}
			if sigs[0].SizeUSD != tc.wantSize {
				t.Errorf("SizeUSD = %v, want %v", sigs[0].SizeUSD, tc.wantSize)
			}
		})
	}
}

func TestCopyQueueFullStillPersistsMap(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.sink.full = true
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.50)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	// A dropped signal is not retried; the observation is still recorded.
	saved, err := f.st.WhalePositions(context.Background(), whaleAddr)
	if err != nil {
		t.Fatalf("WhalePositions() error: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("whale map rows = %d, want 1", len(saved))
	}
}

func TestCopyAPIFailureKeepsOldMap(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.seedWhaleMap(t, 1000, 0.50)
	f.wallets.err = errNoPrice

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0", got)
	}
	saved, err := f.st.WhalePositions(context.Background(), whaleAddr)
	if err != nil {
		t.Fatalf("WhalePositions() error: %v", err)
	}
	if len(saved) != 1 || saved[0].Shares != 1000 {
		t.Errorf("saved map = %+v, want untouched prior observation", saved)
	}
}

func TestCopyPausedSkipsTick(t *testing.T) {
	t.Parallel()
	f := newCopyFixture(t, testConfig())
	f.c.Pause()
	f.wallets.positions[whaleAddr] = []types.WalletPosition{holding(2000, 0.50)}
	f.prices.mids["tok-yes"] = 0.50

	f.c.tick(context.Background())

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("len(signals) = %d, want 0 while paused", got)
	}
}
