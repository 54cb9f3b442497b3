package ordertracker

import (
	"context"
	"testing"
	"time"

	"github.com/nexusquant/perpx/pkg/types"
)

func ptrF(f float64) *float64 { return &f }

func TestFirstEventAlwaysAccepted(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateOpen})
	if got := o.State(); got != types.StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}
}

func TestDuplicateStateDropped(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateOpen})
	o.ApplyUpdate(Event{State: types.StateOpen})
	if len(o.History()) != 2 {
		t.Fatalf("history len = %d, want 2 (both recorded even though dropped)", len(o.History()))
	}
	if got := o.State(); got != types.StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}
}

// Scenario 4: FILLED at engine_ts=10.0 then CANCELLED at engine_ts=9.5 (a
// strictly earlier timestamp) leaves the order FILLED, with both events
// recorded in history.
func TestRaceFilledThenStaleCancelledRejected(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateFilled, EngineTS: ptrF(10.0)})
	o.ApplyUpdate(Event{State: types.StateCancelled, EngineTS: ptrF(9.5)})

	if got := o.State(); got != types.StateFilled {
		t.Fatalf("state = %s, want FILLED (stale cancel must be rejected)", got)
	}
	if len(o.History()) != 2 {
		t.Fatalf("history len = %d, want 2", len(o.History()))
	}
}

func TestRaceFilledThenNewerCancelledAccepted(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateFilled, EngineTS: ptrF(10.0)})
	o.ApplyUpdate(Event{State: types.StateCancelled, EngineTS: ptrF(10.5)})

	if got := o.State(); got != types.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED (genuinely later cancel must win)", got)
	}
}

func TestRaceCancelledThenFilledAlwaysAccepted(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateCancelled, EngineTS: ptrF(5.0)})
	o.ApplyUpdate(Event{State: types.StateFilled, EngineTS: ptrF(1.0)})

	if got := o.State(); got != types.StateFilled {
		t.Fatalf("state = %s, want FILLED (late fill dominates regardless of ts)", got)
	}
}

func TestTerminalStateFrozenAgainstOtherTransitions(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateFailed})
	o.ApplyUpdate(Event{State: types.StateOpen})

	if got := o.State(); got != types.StateFailed {
		t.Fatalf("state = %s, want FAILED (terminal state must stay frozen)", got)
	}
	if len(o.History()) != 2 {
		t.Fatalf("history len = %d, want 2 (rejected event still recorded)", len(o.History()))
	}
}

// Scenario 2: status normalization plus fill accounting.
func TestStatusNormalizationAndFillAccounting(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.SetMeta("BTC-PERP", types.Buy, 0, 1_000_000)

	raw := map[string]any{"status": "PartiallyFilled", "z": "0.5"}
	ev := FromRaw(raw, "ws")
	if ev.State != types.StatePartiallyFilled {
		t.Fatalf("normalized state = %s, want PARTIALLY_FILLED", ev.State)
	}

	sizeScale := int64(1_000_000)
	filled := int64(0.5 * float64(sizeScale))
	ev.FilledBaseI = &filled
	o.ApplyUpdate(ev)

	if got := o.State(); got != types.StatePartiallyFilled {
		t.Fatalf("state = %s, want PARTIALLY_FILLED", got)
	}
	if got := o.FilledBaseI(); got != 500_000 {
		t.Fatalf("filled_base_i = %d, want 500000", got)
	}
}

func TestWaitFinalReturnsImmediatelyIfAlreadyTerminal(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateFilled})

	ev, err := o.WaitFinal(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitFinal err = %v", err)
	}
	if ev.State != types.StateFilled {
		t.Fatalf("WaitFinal state = %s, want FILLED", ev.State)
	}
}

func TestWaitFinalUnblocksOnLaterEvent(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateOpen})

	done := make(chan Event, 1)
	go func() {
		ev, _ := o.WaitFinal(context.Background(), 2*time.Second)
		done <- ev
	}()

	time.Sleep(20 * time.Millisecond)
	o.ApplyUpdate(Event{State: types.StateFilled})

	select {
	case ev := <-done:
		if ev.State != types.StateFilled {
			t.Fatalf("WaitFinal state = %s, want FILLED", ev.State)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFinal never unblocked")
	}
}

func TestWaitFinalRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateOpen})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := o.WaitFinal(ctx, 0)
	if err == nil {
		t.Fatal("WaitFinal should have returned an error on context deadline")
	}
	if o.State() != types.StateOpen {
		t.Fatalf("cancelling a wait must not mutate the order state, got %s", o.State())
	}
}

func TestRaceConditionsSurfacesRejectedCancel(t *testing.T) {
	t.Parallel()
	o := New("vertex", 1, nil)
	o.ApplyUpdate(Event{State: types.StateFilled, EngineTS: ptrF(10.0)})
	o.ApplyUpdate(Event{State: types.StateCancelled, EngineTS: ptrF(9.5), CancelAckTS: ptrF(9.5)})

	issues := o.RaceConditions()
	if len(issues) != 1 {
		t.Fatalf("RaceConditions len = %d, want 1", len(issues))
	}
}

func TestRegistryTracksByClientAndExchangeID(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	o := r.Track("vertex", 7)
	r.LinkExchangeID("vertex", 7, "ex-123")

	byClient, ok := r.ByClientID("vertex", 7)
	if !ok || byClient != o {
		t.Fatal("ByClientID did not return the tracked order")
	}
	byExch, ok := r.ByExchangeID("vertex", "ex-123")
	if !ok || byExch != o {
		t.Fatal("ByExchangeID did not return the linked order")
	}
}

func TestRegistryTrackIsIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	a := r.Track("vertex", 3)
	b := r.Track("vertex", 3)
	if a != b {
		t.Fatal("Track should return the same order for a repeated client id")
	}
}

func TestRegistryOpenExcludesTerminal(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	open := r.Track("vertex", 1)
	open.ApplyUpdate(Event{State: types.StateOpen})

	done := r.Track("vertex", 2)
	done.ApplyUpdate(Event{State: types.StateFilled})

	openOrders := r.Open()
	if len(openOrders) != 1 || openOrders[0] != open {
		t.Fatalf("Open() = %v, want only the non-terminal order", openOrders)
	}
}
