package types

import "testing"

func TestSideFromIsAsk(t *testing.T) {
	t.Parallel()

	if got := SideFromIsAsk(true); got != Sell {
		t.Errorf("SideFromIsAsk(true) = %q, want %q", got, Sell)
	}
	if got := SideFromIsAsk(false); got != Buy {
		t.Errorf("SideFromIsAsk(false) = %q, want %q", got, Buy)
	}
	if !Sell.IsAsk() {
		t.Error("Sell.IsAsk() = false, want true")
	}
	if Buy.IsAsk() {
		t.Error("Buy.IsAsk() = true, want false")
	}
}

func TestParseSideToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tok  string
		want Side
	}{
		{"ask", Sell},
		{"SELL", Sell},
		{" s ", Sell},
		{"bid", Buy},
		{"Buy", Buy},
		{"b", Buy},
		{"unknown", Buy}, // fail-open default
		{"", Buy},
	}

	for _, tt := range tests {
		if got := ParseSideToken(tt.tok); got != tt.want {
			t.Errorf("ParseSideToken(%q) = %q, want %q", tt.tok, got, tt.want)
		}
	}
}

func TestOrderStateIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderState{StateFilled, StateCancelled, StateFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q.IsTerminal() = false, want true", s)
		}
	}

	nonTerminal := []OrderState{StateNew, StateSubmitting, StateOpen, StatePartiallyFilled}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%q.IsTerminal() = true, want false", s)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   OrderState
	}{
		{"new", StateNew},
		{"Created", StateNew},
		{"pending", StateSubmitting},
		{"working", StateOpen},
		{"OPEN", StateOpen},
		{"partiallyfilled", StatePartiallyFilled},
		{"partially_filled", StatePartiallyFilled},
		{"filled", StateFilled},
		{"canceled", StateCancelled},
		{"cancelled", StateCancelled},
		{"expired", StateCancelled},
		{"rejected", StateFailed},
		{"failed", StateFailed},
		{"something_else", StateOpen}, // fail-open default
	}

	for _, tt := range tests {
		if got := NormalizeStatus(tt.status); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestMarketMetadataScaling(t *testing.T) {
	t.Parallel()

	m := MarketMetadata{
		PriceDecimals: 2,
		SizeDecimals:  4,
		MinQty:        0.001,
	}

	if got := m.PriceScale(); got != 100 {
		t.Errorf("PriceScale() = %d, want 100", got)
	}
	if got := m.SizeScale(); got != 10000 {
		t.Errorf("SizeScale() = %d, want 10000", got)
	}
	if got := m.MinSizeI(); got != 10 {
		t.Errorf("MinSizeI() = %d, want 10", got)
	}
}

func TestMarketMetadataZeroDecimals(t *testing.T) {
	t.Parallel()

	m := MarketMetadata{}
	if got := m.PriceScale(); got != 1 {
		t.Errorf("PriceScale() = %d, want 1", got)
	}
	if got := m.SizeScale(); got != 1 {
		t.Errorf("SizeScale() = %d, want 1", got)
	}
}
