// book.go maintains local top-of-book state for every token the bot holds
// or watches. Updates arrive from the market WebSocket as full "book"
// snapshots and incremental "price_change" deltas; reads that cannot
// tolerate staleness fall back to a REST book fetch. Every update to a
// tracked token fans out as a types.PriceEvent, which drives the position
// manager's exit triggers.

package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/0xtitan6/polytrader/pkg/types"
)

const (
	priceEventBuffer = 256

	// bookTTL matches the feed's staleness window: past it a cached book
	// is no longer trusted and reads go to REST.
	bookTTL = 30 * time.Second
)

// Feed delivers order book updates. Implemented by exchange.WSFeed.
type Feed interface {
	BookEvents() <-chan types.WSBookEvent
	PriceChangeEvents() <-chan types.WSPriceChangeEvent
	Subscribe(ctx context.Context, ids []string) error
	Unsubscribe(ctx context.Context, ids []string) error
}

// BookFetcher reads a book over REST. Implemented by exchange.Client.
type BookFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

type topOfBook struct {
	bid     float64
	ask     float64
	updated time.Time
}

// Books is the shared top-of-book cache. Tracking is reference counted:
// a token stays subscribed while at least one holder wants it.
type Books struct {
	feed   Feed
	rest   BookFetcher
	logger *slog.Logger

	mu    sync.RWMutex
	books map[string]topOfBook
	refs  map[string]int

	events chan types.PriceEvent
}

// NewBooks creates the book cache over a WebSocket feed with REST fallback.
func NewBooks(feed Feed, rest BookFetcher, logger *slog.Logger) *Books {
	return &Books{
		feed:   feed,
		rest:   rest,
		logger: logger.With("component", "books"),
		books:  make(map[string]topOfBook),
		refs:   make(map[string]int),
		events: make(chan types.PriceEvent, priceEventBuffer),
	}
}

// Events returns the price event stream for tracked tokens.
func (b *Books) Events() <-chan types.PriceEvent {
	return b.events
}

// Run consumes feed events and keeps the cache current. Blocks until ctx
// is cancelled.
func (b *Books) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.feed.BookEvents():
			bid, ask := bestLevels(evt.Buys, evt.Sells)
			b.apply(evt.AssetID, bid, ask)
		case evt := <-b.feed.PriceChangeEvents():
			b.applyChanges(evt)
		}
	}
}

// Track subscribes tokens to the feed and primes their books over REST so
// consumers have a price before the first WebSocket tick. Tokens already
// tracked only gain a reference.
func (b *Books) Track(ctx context.Context, tokenIDs ...string) error {
	var fresh []string
	b.mu.Lock()
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		b.refs[id]++
		if b.refs[id] == 1 {
			fresh = append(fresh, id)
		}
	}
	b.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	if err := b.feed.Subscribe(ctx, fresh); err != nil {
		return fmt.Errorf("subscribe %d tokens: %w", len(fresh), err)
	}

	for _, id := range fresh {
		if _, err := b.refresh(ctx, id); err != nil {
			b.logger.Warn("initial book read failed", "token", id, "error", err)
		}
	}
	return nil
}

// Untrack drops one reference per token and unsubscribes tokens nobody
// holds anymore.
func (b *Books) Untrack(ctx context.Context, tokenIDs ...string) error {
	var gone []string
	b.mu.Lock()
	for _, id := range tokenIDs {
		n, ok := b.refs[id]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(b.refs, id)
			delete(b.books, id)
			gone = append(gone, id)
		} else {
			b.refs[id] = n - 1
		}
	}
	b.mu.Unlock()

	if len(gone) == 0 {
		return nil
	}
	if err := b.feed.Unsubscribe(ctx, gone); err != nil {
		return fmt.Errorf("unsubscribe %d tokens: %w", len(gone), err)
	}
	return nil
}

// MidPrice returns the midpoint for one token. Cached books are served
// while fresh; stale or missing books are re-read over REST. The portfolio
// tracker marks open positions with this.
func (b *Books) MidPrice(ctx context.Context, tokenID string) (float64, error) {
	b.mu.RLock()
	tob, ok := b.books[tokenID]
	b.mu.RUnlock()

	if !ok || time.Since(tob.updated) > bookTTL {
		refreshed, err := b.refresh(ctx, tokenID)
		if err != nil {
			if !ok {
				return 0, err
			}
			b.logger.Warn("book refresh failed, serving stale mid",
				"token", tokenID, "error", err)
		} else {
			tob = refreshed
		}
	}

	m := mid(tob.bid, tob.ask)
	if m <= 0 {
		return 0, fmt.Errorf("no book for token %s", tokenID)
	}
	return m, nil
}

// refresh reads the book over REST and applies it to the cache.
func (b *Books) refresh(ctx context.Context, tokenID string) (topOfBook, error) {
	resp, err := b.rest.GetOrderBook(ctx, tokenID)
	if err != nil {
		return topOfBook{}, fmt.Errorf("book read %s: %w", tokenID, err)
	}
	bid, ask := bestLevels(resp.Bids, resp.Asks)
	b.apply(tokenID, bid, ask)
	return topOfBook{bid: bid, ask: ask, updated: time.Now()}, nil
}

func (b *Books) applyChanges(evt types.WSPriceChangeEvent) {
	for _, pc := range evt.PriceChanges {
		bid := parsePrice(pc.BestBid)
		ask := parsePrice(pc.BestAsk)
		if bid == 0 && ask == 0 {
			continue
		}
		b.apply(pc.AssetID, bid, ask)
	}
}

// apply stores the new top of book for a tracked token and fans it out.
// Updates for untracked tokens (late events after an untrack) are dropped.
func (b *Books) apply(tokenID string, bid, ask float64) {
	b.mu.Lock()
	if _, ok := b.refs[tokenID]; !ok {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	b.books[tokenID] = topOfBook{bid: bid, ask: ask, updated: now}
	b.mu.Unlock()

	evt := types.PriceEvent{
		TokenID: tokenID,
		Bid:     bid,
		Ask:     ask,
		Mid:     mid(bid, ask),
		At:      now,
	}
	select {
	case b.events <- evt:
	default:
		b.logger.Warn("price event buffer full, dropping", "token", tokenID)
	}
}

// bestLevels extracts the best bid and ask from raw levels. The API does
// not promise level ordering, so take the extremes rather than trusting
// index zero.
func bestLevels(bids, asks []types.PriceLevel) (bid, ask float64) {
	for _, l := range bids {
		if p := parsePrice(l.Price); p > bid {
			bid = p
		}
	}
	for _, l := range asks {
		p := parsePrice(l.Price)
		if p > 0 && (ask == 0 || p < ask) {
			ask = p
		}
	}
	return bid, ask
}

// mid is the midpoint when both sides exist, or the surviving side of a
// one-sided book.
func mid(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
