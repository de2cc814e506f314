package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/0xtitan6/polytrader/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubFeed struct {
	bookCh  chan types.WSBookEvent
	priceCh chan types.WSPriceChangeEvent

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func newStubFeed() *stubFeed {
	return &stubFeed{
		bookCh:  make(chan types.WSBookEvent, 8),
		priceCh: make(chan types.WSPriceChangeEvent, 8),
	}
}

func (f *stubFeed) BookEvents() <-chan types.WSBookEvent               { return f.bookCh }
func (f *stubFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceCh }

func (f *stubFeed) Subscribe(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, ids...)
	return nil
}

func (f *stubFeed) Unsubscribe(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, ids...)
	return nil
}

func (f *stubFeed) subs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *stubFeed) unsubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type stubFetcher struct {
	mu    sync.Mutex
	books map[string]*types.BookResponse
	err   error
	calls int
}

func (f *stubFetcher) GetOrderBook(_ context.Context, tokenID string) (*types.BookResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	book, ok := f.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("no book for %s", tokenID)
	}
	return book, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *stubFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func restBook(token, bid, ask string) *types.BookResponse {
	return &types.BookResponse{
		AssetID: token,
		Bids:    []types.PriceLevel{{Price: bid, Size: "100"}},
		Asks:    []types.PriceLevel{{Price: ask, Size: "100"}},
	}
}

func runBooks(t *testing.T, b *Books) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
}

func waitEvent(t *testing.T, b *Books) types.PriceEvent {
	t.Helper()
	select {
	case evt := <-b.Events():
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for price event")
		return types.PriceEvent{}
	}
}

func drainEvents(b *Books) {
	for {
		select {
		case <-b.Events():
		default:
			return
		}
	}
}

func TestTrackSubscribesAndPrimes(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-1": restBook("tok-1", "0.55", "0.57"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	if err := b.Track(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if got := feed.subs(); len(got) != 1 || got[0] != "tok-1" {
		t.Errorf("subscribed = %v, want [tok-1]", got)
	}
	if got := fetch.callCount(); got != 1 {
		t.Errorf("rest calls = %d, want 1", got)
	}

	evt := waitEvent(t, b)
	if evt.Bid != 0.55 || evt.Ask != 0.57 {
		t.Errorf("primed event = %v/%v, want 0.55/0.57", evt.Bid, evt.Ask)
	}
	if evt.Mid != 0.56 {
		t.Errorf("mid = %v, want 0.56", evt.Mid)
	}

	// The cached book should serve mids without another REST read.
	mid, err := b.MidPrice(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 0.56 {
		t.Errorf("mid = %v, want 0.56", mid)
	}
	if got := fetch.callCount(); got != 1 {
		t.Errorf("rest calls after cached read = %d, want 1", got)
	}
}

func TestRunAppliesBookSnapshots(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-1": restBook("tok-1", "0.50", "0.52"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	if err := b.Track(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainEvents(b)
	runBooks(t, b)

	// Levels arrive unordered; the best of each side must win.
	feed.bookCh <- types.WSBookEvent{
		AssetID: "tok-1",
		Buys:    []types.PriceLevel{{Price: "0.54", Size: "10"}, {Price: "0.55", Size: "20"}},
		Sells:   []types.PriceLevel{{Price: "0.60", Size: "10"}, {Price: "0.57", Size: "20"}},
	}

	evt := waitEvent(t, b)
	if evt.TokenID != "tok-1" {
		t.Fatalf("event token = %s, want tok-1", evt.TokenID)
	}
	if evt.Bid != 0.55 {
		t.Errorf("bid = %v, want 0.55", evt.Bid)
	}
	if evt.Ask != 0.57 {
		t.Errorf("ask = %v, want 0.57", evt.Ask)
	}
}

func TestPriceChangeUpdatesBook(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-1": restBook("tok-1", "0.50", "0.52"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	if err := b.Track(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainEvents(b)
	runBooks(t, b)

	feed.priceCh <- types.WSPriceChangeEvent{
		PriceChanges: []types.WSPriceChange{
			{AssetID: "tok-1", BestBid: "0.61", BestAsk: "0.63"},
		},
	}

	evt := waitEvent(t, b)
	if evt.Bid != 0.61 || evt.Ask != 0.63 {
		t.Errorf("event = %v/%v, want 0.61/0.63", evt.Bid, evt.Ask)
	}

	mid, err := b.MidPrice(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 0.62 {
		t.Errorf("mid = %v, want 0.62", mid)
	}
	if got := fetch.callCount(); got != 1 {
		t.Errorf("rest calls = %d, want 1 (prime only)", got)
	}
}

func TestUntrackedTokensIgnored(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-a": restBook("tok-a", "0.40", "0.42"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	if err := b.Track(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainEvents(b)
	runBooks(t, b)

	// tok-b is not tracked; its event must be dropped. The tok-a event
	// behind it proves the first one was consumed.
	feed.bookCh <- types.WSBookEvent{
		AssetID: "tok-b",
		Buys:    []types.PriceLevel{{Price: "0.10", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.12", Size: "10"}},
	}
	feed.bookCh <- types.WSBookEvent{
		AssetID: "tok-a",
		Buys:    []types.PriceLevel{{Price: "0.45", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.47", Size: "10"}},
	}

	evt := waitEvent(t, b)
	if evt.TokenID != "tok-a" {
		t.Errorf("event token = %s, want tok-a (tok-b dropped)", evt.TokenID)
	}
	select {
	case extra := <-b.Events():
		t.Errorf("unexpected extra event for %s", extra.TokenID)
	default:
	}
}

func TestUntrackIsReferenceCounted(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-1": restBook("tok-1", "0.50", "0.52"),
		"tok-2": restBook("tok-2", "0.30", "0.32"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	ctx := context.Background()
	if err := b.Track(ctx, "tok-1"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := b.Track(ctx, "tok-1"); err != nil {
		t.Fatalf("Track second ref: %v", err)
	}
	if err := b.Track(ctx, "tok-2"); err != nil {
		t.Fatalf("Track tok-2: %v", err)
	}
	drainEvents(b)
	runBooks(t, b)

	// One reference remains, so the token stays subscribed and live.
	if err := b.Untrack(ctx, "tok-1"); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if got := feed.unsubs(); len(got) != 0 {
		t.Fatalf("unsubscribed = %v, want none while refs remain", got)
	}

	feed.bookCh <- types.WSBookEvent{
		AssetID: "tok-1",
		Buys:    []types.PriceLevel{{Price: "0.51", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.53", Size: "10"}},
	}
	if evt := waitEvent(t, b); evt.TokenID != "tok-1" {
		t.Fatalf("event token = %s, want tok-1", evt.TokenID)
	}

	// Last reference gone: unsubscribe and stop emitting.
	if err := b.Untrack(ctx, "tok-1"); err != nil {
		t.Fatalf("Untrack last ref: %v", err)
	}
	if got := feed.unsubs(); len(got) != 1 || got[0] != "tok-1" {
		t.Errorf("unsubscribed = %v, want [tok-1]", got)
	}

	feed.bookCh <- types.WSBookEvent{
		AssetID: "tok-1",
		Buys:    []types.PriceLevel{{Price: "0.52", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.54", Size: "10"}},
	}
	feed.bookCh <- types.WSBookEvent{
		AssetID: "tok-2",
		Buys:    []types.PriceLevel{{Price: "0.31", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.33", Size: "10"}},
	}
	if evt := waitEvent(t, b); evt.TokenID != "tok-2" {
		t.Errorf("event token = %s, want tok-2 (tok-1 untracked)", evt.TokenID)
	}
}

func TestMidPriceFallsBackToRest(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-1": restBook("tok-1", "0.44", "0.46"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	mid, err := b.MidPrice(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 0.45 {
		t.Errorf("mid = %v, want 0.45", mid)
	}

	// Untracked tokens are not cached, so each read goes to REST.
	if _, err := b.MidPrice(context.Background(), "tok-1"); err != nil {
		t.Fatalf("MidPrice second read: %v", err)
	}
	if got := fetch.callCount(); got != 2 {
		t.Errorf("rest calls = %d, want 2", got)
	}
}

func TestMidPriceErrorsWhenBookMissing(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{}}
	b := NewBooks(feed, fetch, discardLogger())

	if _, err := b.MidPrice(context.Background(), "ghost"); err == nil {
		t.Error("MidPrice should fail for a token with no book")
	}

	fetch.mu.Lock()
	fetch.books["empty"] = &types.BookResponse{AssetID: "empty"}
	fetch.mu.Unlock()

	if _, err := b.MidPrice(context.Background(), "empty"); err == nil {
		t.Error("MidPrice should fail for an empty book")
	}
}

func TestMidPriceServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()
	feed := newStubFeed()
	fetch := &stubFetcher{books: map[string]*types.BookResponse{
		"tok-1": restBook("tok-1", "0.50", "0.52"),
	}}
	b := NewBooks(feed, fetch, discardLogger())

	if err := b.Track(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainEvents(b)

	// Age the cached book past its TTL, then break REST.
	b.mu.Lock()
	tob := b.books["tok-1"]
	tob.updated = time.Now().Add(-time.Minute)
	b.books["tok-1"] = tob
	b.mu.Unlock()
	fetch.setErr(errors.New("gateway timeout"))

	mid, err := b.MidPrice(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 0.51 {
		t.Errorf("stale mid = %v, want 0.51", mid)
	}
}

func TestBestLevelsIgnoresOrdering(t *testing.T) {
	t.Parallel()

	bid, ask := bestLevels(
		[]types.PriceLevel{{Price: "0.54"}, {Price: "0.55"}, {Price: "0.40"}},
		[]types.PriceLevel{{Price: "0.60"}, {Price: "0.57"}, {Price: "0.90"}},
	)
	if bid != 0.55 {
		t.Errorf("bid = %v, want 0.55", bid)
	}
	if ask != 0.57 {
		t.Errorf("ask = %v, want 0.57", ask)
	}

	bid, ask = bestLevels(nil, nil)
	if bid != 0 || ask != 0 {
		t.Errorf("empty book = %v/%v, want 0/0", bid, ask)
	}
}
