// Package market maintains each connector's local order books: one
// scaled-integer depth map per subscribed symbol, kept in sync with the
// venue's snapshot+delta depth stream.
package market

import (
	"sync"
	"time"

	"github.com/nexusquant/perpx/pkg/types"
)

// Level is a single scaled price/size point.
type Level struct {
	PriceI int64
	SizeI  int64
}

// Book mirrors one symbol's depth for one connector. It is concurrency-safe
// and exposes the derived top-of-book the strategy layer reads.
type Book struct {
	mu     sync.RWMutex
	symbol string
	scale  int64

	bids map[int64]int64 // priceI -> sizeI
	asks map[int64]int64

	lastUpdateID int64
	hasSnapshot  bool
	needsResnap  bool
	updated      time.Time
}

// NewBook creates an empty, unsnapshotted book for symbol.
func NewBook(symbol string, scale int64) *Book {
	return &Book{
		symbol: symbol,
		scale:  scale,
		bids:   make(map[int64]int64),
		asks:   make(map[int64]int64),
	}
}

// ApplySnapshot replaces the book wholesale. Used on initial subscribe,
// reconnect, and whenever ApplyDelta signals a gap that requires one.
func (b *Book) ApplySnapshot(bids, asks []Level, lastUpdateID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[int64]int64, len(bids))
	for _, l := range bids {
		if l.SizeI > 0 {
			b.bids[l.PriceI] = l.SizeI
		}
	}
	b.asks = make(map[int64]int64, len(asks))
	for _, l := range asks {
		if l.SizeI > 0 {
			b.asks[l.PriceI] = l.SizeI
		}
	}
	b.lastUpdateID = lastUpdateID
	b.hasSnapshot = true
	b.needsResnap = false
	b.updated = time.Now()
}

// ApplyDelta applies an incremental depth update bounded by
// [firstUpdateID, lastUpdateID]. A stale delta (lastUpdateID <= the book's
// current id) is dropped silently and reported as handled (true). It
// returns false when the delta could not be applied and the caller must
// force a fresh snapshot:
//   - no snapshot has been applied yet;
//   - the delta has a gap (firstUpdateID > current id + 1) — the book is
//     marked as needing a resnapshot and the delta is dropped.
func (b *Book) ApplyDelta(firstUpdateID, lastUpdateID int64, bidUpdates, askUpdates []Level) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasSnapshot {
		return false
	}
	if lastUpdateID <= b.lastUpdateID {
		return true // stale, silently dropped
	}
	if firstUpdateID > b.lastUpdateID+1 {
		b.needsResnap = true
		return false
	}

	for _, l := range bidUpdates {
		applyLevel(b.bids, l)
	}
	for _, l := range askUpdates {
		applyLevel(b.asks, l)
	}
	b.lastUpdateID = lastUpdateID
	b.updated = time.Now()
	return true
}

func applyLevel(side map[int64]int64, l Level) {
	if l.SizeI <= 0 {
		delete(side, l.PriceI)
		return
	}
	side[l.PriceI] = l.SizeI
}

// NeedsResnapshot reports whether a delta gap was detected since the last
// snapshot, and clears the flag (callers resnapshot at most once per signal).
func (b *Book) NeedsResnapshot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.needsResnap
	b.needsResnap = false
	return v
}

// BestBidAsk returns the best scaled bid/ask prices.
func (b *Book) BestBidAsk() (bidI, askI int64, hasBid, hasAsk bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for p := range b.bids {
		if !hasBid || p > bidI {
			bidI, hasBid = p, true
		}
	}
	for p := range b.asks {
		if !hasAsk || p < askI {
			askI, hasAsk = p, true
		}
	}
	return bidI, askI, hasBid, hasAsk
}

// TopOfBook renders BestBidAsk as the shared types.TopOfBook cache shape.
func (b *Book) TopOfBook() types.TopOfBook {
	bidI, askI, hasBid, hasAsk := b.BestBidAsk()
	b.mu.RLock()
	scale := b.scale
	b.mu.RUnlock()
	return types.TopOfBook{BidI: bidI, AskI: askI, Scale: scale, HasBid: hasBid, HasAsk: hasAsk}
}

// IsStale reports whether the book hasn't been updated within maxAge, or
// has never received a snapshot at all.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot or delta.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// HasSnapshot reports whether an initial snapshot has ever been applied.
func (b *Book) HasSnapshot() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasSnapshot
}
