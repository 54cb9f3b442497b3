// Package ordertracker implements the per-order state machine described by
// the execution core: reconciling optimistic local state against
// asynchronous REST responses and two racing event streams.
package ordertracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexusquant/perpx/pkg/types"
)

// Event is a single update applied to an order, carrying whatever timing
// and quantity fields the venue payload supplied. Fields the venue omitted
// stay nil/zero rather than being treated as errors.
type Event struct {
	State          types.OrderState
	FilledBaseI    *int64
	RemainingBaseI *int64
	EngineTS       *float64
	CancelAckTS    *float64
	WSSeq          *int64
	Timestamp      time.Time
	Info           map[string]any
	Source         string // "ws" or "rest"
}

// effectiveTS returns the event's engine timestamp if present, else its
// local receipt timestamp converted to a float unix-seconds value.
func (e Event) effectiveTS() (float64, bool) {
	if e.EngineTS != nil {
		return *e.EngineTS, true
	}
	if !e.Timestamp.IsZero() {
		return float64(e.Timestamp.UnixNano()) / 1e9, true
	}
	return 0, false
}

// Order is the single source of truth for one venue order's lifecycle.
// Mutations are serialized by mu; waiters observe state through channels
// that are closed (and, for next-update, replaced) on every applied event.
type Order struct {
	mu sync.Mutex

	ID              string
	Venue           string
	Symbol          string
	Side            types.Side
	ClientOrderID   int64
	ExchangeOrderID string
	PriceI          int64
	SizeI           int64

	state       types.OrderState
	filledBaseI int64
	history     []Event

	finalCh  chan struct{}
	finalSet bool
	updateCh chan struct{}

	log *slog.Logger
}

// New creates an order in state NEW for venue/clientOrderID. symbol and
// side may be filled in later as they become known (e.g. from the first
// acknowledgement) by calling SetMeta.
func New(venue string, clientOrderID int64, log *slog.Logger) *Order {
	if log == nil {
		log = slog.Default()
	}
	return &Order{
		ID:            fmt.Sprintf("%s:%d", venue, clientOrderID),
		Venue:         venue,
		ClientOrderID: clientOrderID,
		state:         types.StateNew,
		finalCh:       make(chan struct{}),
		updateCh:      make(chan struct{}),
		log:           log,
	}
}

// SetMeta fills in symbol/side/price/size once known; it never overwrites
// an already-populated field with an empty one.
func (o *Order) SetMeta(symbol string, side types.Side, priceI, sizeI int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if symbol != "" {
		o.Symbol = symbol
	}
	if side != "" {
		o.Side = side
	}
	if priceI != 0 {
		o.PriceI = priceI
	}
	if sizeI != 0 {
		o.SizeI = sizeI
	}
}

// State returns the current lifecycle state.
func (o *Order) State() types.OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// FilledBaseI returns the cumulative filled base quantity.
func (o *Order) FilledBaseI() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filledBaseI
}

// History returns a copy of the applied event list, oldest first.
func (o *Order) History() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.history))
	copy(out, o.history)
	return out
}

// ApplyUpdate merges ev into the order per the reconciliation rules:
//  1. the first event is always accepted;
//  2. an event with the same state as the last one is dropped (no-op);
//  3. FILLED -> CANCELLED is accepted only when the incoming event's
//     timestamp is strictly later than the recorded FILLED event's —
//     otherwise the fill wins and the cancel is logged and dropped;
//  4. CANCELLED -> FILLED is always accepted (a late fill dominates a
//     stale cancellation);
//  5. once any other terminal state is reached, further transitions are
//     dropped — only state 3/4 above cross a terminal boundary.
//
// Every event is appended to history regardless of acceptance, so
// timeline analysis and race detection can see what was rejected and why.
func (o *Order) ApplyUpdate(ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	o.mu.Lock()
	accept := o.shouldTransitionLocked(ev)
	o.history = append(o.history, ev)
	if accept {
		o.state = ev.State
		if ev.FilledBaseI != nil {
			o.filledBaseI = *ev.FilledBaseI
		}
	}
	finalNow := o.state.IsTerminal()
	o.mu.Unlock()

	o.broadcastUpdate()
	if finalNow {
		o.broadcastFinal()
	}
	return ev
}

func (o *Order) shouldTransitionLocked(ev Event) bool {
	if len(o.history) == 0 {
		return true
	}
	last := o.history[len(o.history)-1]
	if last.State == ev.State {
		return false
	}
	if o.state == types.StateCancelled && ev.State == types.StateFilled {
		return true
	}
	if o.state == types.StateFilled && ev.State == types.StateCancelled {
		fill := last
		for i := len(o.history) - 1; i >= 0; i-- {
			if o.history[i].State == types.StateFilled {
				fill = o.history[i]
				break
			}
		}
		lastTS, lastOK := fill.effectiveTS()
		newTS, newOK := ev.effectiveTS()
		if lastOK && newOK && newTS > lastTS {
			return true
		}
		o.log.Info("rejected CANCELLED event after FILLED",
			"order_id", o.ID, "fill_ts", lastTS, "cancel_ts", newTS)
		return false
	}
	if o.state.IsTerminal() {
		return false
	}
	return true
}

func (o *Order) broadcastUpdate() {
	o.mu.Lock()
	close(o.updateCh)
	o.updateCh = make(chan struct{})
	o.mu.Unlock()
}

func (o *Order) broadcastFinal() {
	o.mu.Lock()
	if !o.finalSet {
		o.finalSet = true
		close(o.finalCh)
	}
	o.mu.Unlock()
}

// Snapshot returns the last applied event, or a synthesized event carrying
// just the current state if no event has ever been applied.
func (o *Order) Snapshot() Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return Event{State: o.state, Timestamp: time.Now()}
	}
	return o.history[len(o.history)-1]
}

// WaitFinal suspends until the order reaches a terminal state, ctx is
// cancelled, or the optional timeout elapses (timeout<=0 means no timeout
// beyond ctx). Cancelling the wait never affects the order itself: the
// tracker keeps accepting events and a later waiter still observes them.
func (o *Order) WaitFinal(ctx context.Context, timeout time.Duration) (Event, error) {
	o.mu.Lock()
	if o.state.IsTerminal() {
		o.mu.Unlock()
		return o.Snapshot(), nil
	}
	ch := o.finalCh
	o.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ch:
		return o.Snapshot(), nil
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// WaitNext suspends until the next event is applied, ctx is cancelled, or
// timeout elapses.
func (o *Order) WaitNext(ctx context.Context, timeout time.Duration) (Event, error) {
	o.mu.Lock()
	ch := o.updateCh
	o.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ch:
		return o.Snapshot(), nil
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// TimelineSummary renders a compact human-readable summary of the order's
// event history, surfaced by the diagnostic harness's per-order report.
func (o *Order) TimelineSummary() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return ""
	}
	first, last := o.history[0], o.history[len(o.history)-1]
	durationMS := last.Timestamp.Sub(first.Timestamp).Seconds() * 1000
	return fmt.Sprintf("initial=%s final=%s events=%d duration_ms=%.1f",
		first.State, last.State, len(o.history), durationMS)
}

// RaceConditions scans the history for FILLED->CANCELLED adjacencies,
// regardless of whether the cancellation was ultimately accepted — a
// rejected-but-recorded cancel is still evidence of a race worth surfacing.
func (o *Order) RaceConditions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var issues []string
	for i := 0; i < len(o.history)-1; i++ {
		cur, next := o.history[i], o.history[i+1]
		if cur.State == types.StateFilled && next.State == types.StateCancelled {
			issues = append(issues, fmt.Sprintf(
				"FILLED->CANCELLED race: filled_ts=%v cancel_ack_ts=%v", cur.EngineTS, next.CancelAckTS))
		}
	}
	return issues
}
