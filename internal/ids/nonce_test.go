package ids

import (
	"context"
	"errors"
	"testing"
)

type fakeNonceSource struct {
	current      uint64
	hasCurrent   bool
	refreshCalls int
	refreshErr   error
	refreshed    uint64
}

func (f *fakeNonceSource) CurrentNonce(apiKeyIndex int) (uint64, bool) {
	return f.current, f.hasCurrent
}

func (f *fakeNonceSource) HardRefresh(ctx context.Context, apiKeyIndex int) (uint64, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return 0, f.refreshErr
	}
	return f.refreshed, nil
}

func TestNonceManagerSnapshot(t *testing.T) {
	t.Parallel()
	m := NewNonceManager(nil)
	src := &fakeNonceSource{current: 42, hasCurrent: true}
	if got := m.Snapshot(src, 0); got != "42" {
		t.Fatalf("Snapshot = %q, want 42", got)
	}
}

func TestNonceManagerRefreshSwallowsError(t *testing.T) {
	t.Parallel()
	m := NewNonceManager(nil)
	src := &fakeNonceSource{refreshErr: errors.New("boom")}
	m.Refresh(context.Background(), src, 1) // must not panic or propagate
	if src.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1", src.refreshCalls)
	}
}

func TestIsNonceError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		reason string
		info   map[string]string
		want   bool
	}{
		{reason: "Invalid Nonce supplied", want: true},
		{info: map[string]string{"code": "21104"}, want: true},
		{info: map[string]string{"code": "100001"}, want: true},
		{info: map[string]string{"message": "nonce is invalid for this account"}, want: true},
		{info: map[string]string{"message": "nonce out of sync"}, want: true},
		{reason: "insufficient balance", want: false},
		{info: map[string]string{"message": "bad request"}, want: false},
	}
	for _, c := range cases {
		if got := IsNonceError(c.reason, c.info); got != c.want {
			t.Errorf("IsNonceError(%q, %v) = %v, want %v", c.reason, c.info, got, c.want)
		}
	}
}
