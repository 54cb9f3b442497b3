// Package ids allocates client-order-ids and tracks per-API-key nonces, the
// two per-venue sequence counters every submit path depends on.
package ids

import (
	"sync"
	"time"
)

const defaultCOILimit = (1 << 32) - 1

// COIAllocator hands out monotonic per-venue client-order-ids with
// wrap-around below a venue-specific limit. Next is the only mutator on
// the hot path and must stay O(1); a single mutex guards the whole table,
// which is cheap enough that contention is negligible.
type COIAllocator struct {
	mu     sync.Mutex
	venues map[string]*coiState
}

type coiState struct {
	limit   int64
	current int64
}

// NewCOIAllocator creates an empty allocator; venues register on first use.
func NewCOIAllocator() *COIAllocator {
	return &COIAllocator{venues: make(map[string]*coiState)}
}

// RegisterLimit sets (or resets) the wrap-around ceiling for a venue. If
// limit is non-positive, the default 2^32-1 ceiling is used. If the
// current sequence value would fall outside the new bound, it resets to 0
// so the next Next() call reseeds at 1.
func (a *COIAllocator) RegisterLimit(venue string, limit int64) {
	if limit <= 0 {
		limit = defaultCOILimit
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.ensureLocked(venue)
	st.limit = limit
	if st.current > limit {
		st.current = 0
	}
}

// Seed sets the current counter for a venue. If value is nil, it derives a
// seed from time-now-ms mod limit (non-zero), matching how a fresh process
// avoids colliding with the previous session's sequence.
func (a *COIAllocator) Seed(venue string, value *int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.ensureLocked(venue)
	var seed int64
	if value != nil {
		seed = *value
	} else {
		seed = timeSeed(st.limit)
	}
	if seed <= 0 {
		seed = 1
	} else {
		seed = seed % st.limit
		if seed == 0 {
			seed = 1
		}
	}
	st.current = seed
	return seed
}

// Next returns the next id for venue: current+1, wrapping to 1 once the
// limit is reached. An allocator that was never seeded starts at 0, so its
// first Next() returns 1 — this is the hot-path behavior; Seed is only
// needed when a caller wants to avoid colliding with a prior session.
func (a *COIAllocator) Next(venue string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.ensureLocked(venue)
	if st.current >= st.limit {
		st.current = 1
	} else {
		st.current++
	}
	return st.current
}

func (a *COIAllocator) ensureLocked(venue string) *coiState {
	st, ok := a.venues[venue]
	if !ok {
		st = &coiState{limit: defaultCOILimit}
		a.venues[venue] = st
	}
	if st.limit <= 0 {
		st.limit = defaultCOILimit
	}
	return st
}

func timeSeed(limit int64) int64 {
	seed := time.Now().UnixMilli() % limit
	if seed == 0 {
		return 1
	}
	return seed
}
