// Package vertex implements the Ed25519-signed REST+WS connector flavor.
package vertex

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credentials holds the Ed25519 keypair and API key identifying this
// account to the venue.
type Credentials struct {
	APIKey     string
	PrivateKey ed25519.PrivateKey
}

// Auth signs REST requests and WS subscriptions with the Ed25519 key.
type Auth struct {
	creds    Credentials
	windowMS int64
}

// NewAuth builds an Auth from a raw (already decoded) Ed25519 seed.
// privateKeySeed must be the 32-byte Ed25519 seed; NewKeyFromSeed expands
// it to the full 64-byte signing key.
func NewAuth(apiKey string, privateKeySeed []byte, windowMS int64) (*Auth, error) {
	if len(privateKeySeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("vertex: private key seed must be %d bytes, got %d", ed25519.SeedSize, len(privateKeySeed))
	}
	if windowMS <= 0 {
		windowMS = 5000
	}
	return &Auth{
		creds: Credentials{
			APIKey:     apiKey,
			PrivateKey: ed25519.NewKeyFromSeed(privateKeySeed),
		},
		windowMS: windowMS,
	}, nil
}

// Headers signs instruction op with params and returns the four headers
// the venue expects on every authenticated request.
func (a *Auth) Headers(op string, params map[string]string) map[string]string {
	ts := time.Now().UnixMilli()
	msg := canonicalMessage(op, params, ts, a.windowMS)
	sig := ed25519.Sign(a.creds.PrivateKey, []byte(msg))

	return map[string]string{
		"api_key":      a.creds.APIKey,
		"timestamp_ms": strconv.FormatInt(ts, 10),
		"window_ms":    strconv.FormatInt(a.windowMS, 10),
		"signature":    base64.StdEncoding.EncodeToString(sig),
	}
}

// canonicalMessage builds the signing message: instruction=<op>&<sorted kv
// of params, booleans lowercased>&timestamp=<ms>&timestamp=<ms>&window=<ms>.
// The timestamp field appears twice per the venue's documented signing
// convention — this is not a typo in the implementation, it mirrors the
// wire contract verbatim.
func canonicalMessage(op string, params map[string]string, tsMS, windowMS int64) string {
	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(op)

	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := params[k]
			if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
				v = strings.ToLower(v)
			}
			b.WriteByte('&')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}

	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(tsMS, 10))
	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(tsMS, 10))
	b.WriteString("&window=")
	b.WriteString(strconv.FormatInt(windowMS, 10))
	return b.String()
}
