package ids

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// NonceSource is implemented by venue signers whose protocol carries an
// explicit nonce (the Helix flavor). HardRefresh fetches the next-valid
// nonce for an API-key index directly from the venue, discarding any
// locally cached value.
type NonceSource interface {
	CurrentNonce(apiKeyIndex int) (uint64, bool)
	HardRefresh(ctx context.Context, apiKeyIndex int) (uint64, error)
}

// NonceManager snapshots and refreshes nonce state for nonce-carrying
// venues. It holds no state of its own beyond a logger; the nonce itself
// lives with the connector's signer (NonceSource).
type NonceManager struct {
	mu  sync.Mutex
	log *slog.Logger
}

// NewNonceManager constructs a manager logging through log.
func NewNonceManager(log *slog.Logger) *NonceManager {
	if log == nil {
		log = slog.Default()
	}
	return &NonceManager{log: log}
}

// Snapshot renders the source's current nonce for a key index, for logging
// only — never used to drive signing decisions.
func (m *NonceManager) Snapshot(src NonceSource, apiKeyIndex int) string {
	if src == nil {
		return ""
	}
	if n, ok := src.CurrentNonce(apiKeyIndex); ok {
		return strconv.FormatUint(n, 10)
	}
	return ""
}

// Refresh hard-refetches the nonce for apiKeyIndex from the venue. It is
// idempotent and cheap to retry; refresh failures are logged, never
// propagated, so a caller's retry loop can simply try the signed call again.
func (m *NonceManager) Refresh(ctx context.Context, src NonceSource, apiKeyIndex int) {
	if src == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := src.HardRefresh(ctx, apiKeyIndex)
	if err != nil {
		m.log.Warn("nonce refresh failed", "api_key_index", apiKeyIndex, "error", err)
		return
	}
	m.log.Debug("nonce refreshed", "api_key_index", apiKeyIndex, "nonce", n)
}

// IsNonceError pattern-matches a small set of known nonce-rejection codes
// and substrings against the error's reason text and an optional info map
// (e.g. parsed JSON fields from the venue's error body).
func IsNonceError(reason string, info map[string]string) bool {
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "invalid nonce") {
		return true
	}
	if strings.Contains(lower, "nonce") && strings.Contains(lower, "refresh") {
		return true
	}
	if info != nil {
		code := strings.TrimSpace(info["code"])
		if code == "21104" || code == "100001" {
			return true
		}
		msg := strings.ToLower(info["message"])
		if msg == "" {
			msg = strings.ToLower(info["error"])
		}
		if strings.Contains(msg, "nonce") && (strings.Contains(msg, "invalid") || strings.Contains(msg, "out of sync")) {
			return true
		}
	}
	return false
}
