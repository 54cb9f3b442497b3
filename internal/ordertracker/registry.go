package ordertracker

import (
	"log/slog"
	"strconv"
	"sync"
)

// Registry indexes live orders by both client order id and (once known)
// exchange order id, so a connector can route either a WS push keyed by
// client id or a REST poll result keyed by exchange id to the same Order.
type Registry struct {
	mu         sync.RWMutex
	byClientID map[string]*Order // "<venue>:<clientOrderID>"
	byExchID   map[string]*Order // "<venue>:<exchangeOrderID>"
	log        *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byClientID: make(map[string]*Order),
		byExchID:   make(map[string]*Order),
		log:        log,
	}
}

// Track creates and indexes a new order for venue/clientOrderID, or returns
// the existing one if already tracked (idempotent, matching connector
// reconnect-and-resubscribe flows where the same order may be seen again).
func (r *Registry) Track(venue string, clientOrderID int64) *Order {
	key := clientKey(venue, clientOrderID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.byClientID[key]; ok {
		return o
	}
	o := New(venue, clientOrderID, r.log)
	r.byClientID[key] = o
	return o
}

// LinkExchangeID records the exchange-assigned order id for an already
// tracked order, so future lookups by exchange id resolve to it.
func (r *Registry) LinkExchangeID(venue string, clientOrderID int64, exchangeOrderID string) {
	if exchangeOrderID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byClientID[clientKey(venue, clientOrderID)]
	if !ok {
		return
	}
	o.ExchangeOrderID = exchangeOrderID
	r.byExchID[exchKey(venue, exchangeOrderID)] = o
}

// ByClientID looks up a tracked order by client order id.
func (r *Registry) ByClientID(venue string, clientOrderID int64) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byClientID[clientKey(venue, clientOrderID)]
	return o, ok
}

// ByExchangeID looks up a tracked order by exchange order id.
func (r *Registry) ByExchangeID(venue, exchangeOrderID string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byExchID[exchKey(venue, exchangeOrderID)]
	return o, ok
}

// Forget removes an order from both indexes. Callers should only do this
// once an order is terminal and no longer needed for diagnostics.
func (r *Registry) Forget(venue string, clientOrderID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := clientKey(venue, clientOrderID)
	if o, ok := r.byClientID[key]; ok {
		if o.ExchangeOrderID != "" {
			delete(r.byExchID, exchKey(venue, o.ExchangeOrderID))
		}
		delete(r.byClientID, key)
	}
}

// Snapshot returns every order currently tracked, for the diagnostic report.
func (r *Registry) Snapshot() []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Order, 0, len(r.byClientID))
	for _, o := range r.byClientID {
		out = append(out, o)
	}
	return out
}

// Open returns every tracked order whose state is not yet terminal.
func (r *Registry) Open() []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Order, 0)
	for _, o := range r.byClientID {
		if !o.State().IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

func clientKey(venue string, clientOrderID int64) string {
	return venue + ":c:" + strconv.FormatInt(clientOrderID, 10)
}

func exchKey(venue, exchangeOrderID string) string {
	return venue + ":x:" + exchangeOrderID
}
