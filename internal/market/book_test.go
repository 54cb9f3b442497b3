package market

import (
	"testing"
	"time"
)

func TestApplySnapshotThenBestBidAsk(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-PERP", 100)

	b.ApplySnapshot(
		[]Level{{PriceI: 5500, SizeI: 100}, {PriceI: 5400, SizeI: 200}},
		[]Level{{PriceI: 5700, SizeI: 150}},
		10,
	)

	bidI, askI, hasBid, hasAsk := b.BestBidAsk()
	if !hasBid || !hasAsk {
		t.Fatal("expected both sides present after snapshot")
	}
	if bidI != 5500 {
		t.Errorf("bidI = %d, want 5500", bidI)
	}
	if askI != 5700 {
		t.Errorf("askI = %d, want 5700", askI)
	}
}

func TestApplyDeltaUpdatesAndRemovesLevels(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-PERP", 100)
	b.ApplySnapshot([]Level{{PriceI: 100, SizeI: 10}}, []Level{{PriceI: 110, SizeI: 10}}, 5)

	ok := b.ApplyDelta(6, 6, []Level{{PriceI: 100, SizeI: 0}, {PriceI: 101, SizeI: 5}}, nil)
	if !ok {
		t.Fatal("ApplyDelta should succeed for a contiguous update")
	}

	bidI, _, hasBid, _ := b.BestBidAsk()
	if !hasBid || bidI != 101 {
		t.Fatalf("bidI = %d hasBid=%v, want 101/true (old level removed, new level added)", bidI, hasBid)
	}
}

func TestApplyDeltaDropsStale(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-PERP", 100)
	b.ApplySnapshot([]Level{{PriceI: 100, SizeI: 10}}, nil, 10)

	ok := b.ApplyDelta(5, 8, []Level{{PriceI: 100, SizeI: 999}}, nil)
	if !ok {
		t.Fatal("a stale delta should be reported as handled (dropped), not as an error")
	}
	bidI, _, _, _ := b.BestBidAsk()
	if bidI != 100 {
		t.Fatalf("stale delta must not mutate book, bidI = %d, want 100", bidI)
	}
}

func TestApplyDeltaGapForcesResnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-PERP", 100)
	b.ApplySnapshot([]Level{{PriceI: 100, SizeI: 10}}, nil, 10)

	ok := b.ApplyDelta(20, 25, []Level{{PriceI: 100, SizeI: 1}}, nil)
	if ok {
		t.Fatal("a delta with a gap should be rejected")
	}
	if !b.NeedsResnapshot() {
		t.Fatal("a gapped delta should set the needs-resnapshot flag")
	}
	if b.NeedsResnapshot() {
		t.Fatal("NeedsResnapshot should clear the flag after being read once")
	}
}

func TestBestBidAskEmptyBook(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-PERP", 100)
	_, _, hasBid, hasAsk := b.BestBidAsk()
	if hasBid || hasAsk {
		t.Fatal("an empty book should report neither side present")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-PERP", 100)
	if !b.IsStale(time.Second) {
		t.Error("a book with no snapshot should be stale")
	}

	b.ApplySnapshot([]Level{{PriceI: 100, SizeI: 10}}, []Level{{PriceI: 110, SizeI: 10}}, 1)
	if b.IsStale(time.Second) {
		t.Error("a just-snapshotted book should not be stale")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.IsStale(10 * time.Millisecond) {
		t.Error("book should be stale after maxAge elapses")
	}
}
