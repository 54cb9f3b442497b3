// Package helix implements the nonce-indexed, secp256k1-signed connector
// flavor used by zk-rollup settlement venues.
package helix

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nexusquant/perpx/internal/ids"
)

// Auth signs transactions with (api_key_index, nonce) replay protection.
// Each signed transaction carries a strictly increasing nonce per key
// index; on a nonce-taxonomy rejection the caller must HardRefresh before
// retrying.
type Auth struct {
	privateKey  *ecdsa.PrivateKey
	apiKeyIndex int

	mu     sync.Mutex
	nonces map[int]uint64
}

// NewAuth builds an Auth from a hex-encoded secp256k1 private key.
func NewAuth(privateKeyHex string, apiKeyIndex int) (*Auth, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("helix: parse private key: %w", err)
	}
	return &Auth{
		privateKey:  key,
		apiKeyIndex: apiKeyIndex,
		nonces:      make(map[int]uint64),
	}, nil
}

// CurrentNonce implements ids.NonceSource.
func (a *Auth) CurrentNonce(apiKeyIndex int) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nonces[apiKeyIndex]
	return n, ok
}

// HardRefresh implements ids.NonceSource: the next call advances the local
// counter by one since there is no server round trip modeled for this
// venue flavor beyond the transaction responses themselves.
func (a *Auth) HardRefresh(ctx context.Context, apiKeyIndex int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonces[apiKeyIndex]++
	return a.nonces[apiKeyIndex], nil
}

// NextNonce allocates and returns the next nonce for apiKeyIndex.
func (a *Auth) NextNonce(apiKeyIndex int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonces[apiKeyIndex]++
	return a.nonces[apiKeyIndex]
}

// SignTx signs a transaction payload hash with the secp256k1 key and
// returns the hex-encoded signature plus the (api_key_index, nonce) pair
// the venue expects alongside it.
func (a *Auth) SignTx(payloadHash []byte) (sigHex string, apiKeyIndex int, nonce uint64, err error) {
	nonce = a.NextNonce(a.apiKeyIndex)
	sig, err := crypto.Sign(payloadHash, a.privateKey)
	if err != nil {
		return "", 0, 0, fmt.Errorf("helix: sign: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), a.apiKeyIndex, nonce, nil
}

var _ ids.NonceSource = (*Auth)(nil)
