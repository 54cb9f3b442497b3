package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/market"
	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/pkg/types"
)

const (
	streamReconnectDelay = time.Second
	streamWriteTimeout   = 10 * time.Second
	streamReadTimeout    = 90 * time.Second
)

// listenerSet is a tiny concurrency-safe slice of connector.Listener, kept
// local to avoid a dependency from connector back onto helix.
type listenerSet struct {
	mu   sync.RWMutex
	list []connector.Listener
}

func (s *listenerSet) add(l connector.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, l)
}

func (s *listenerSet) remove(l connector.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.list {
		if x == l {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []connector.Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]connector.Listener, len(s.list))
	copy(out, s.list)
	return out
}

// Stream owns one websocket connection subscribed to public depth plus the
// private order/position channels. Subscription requests are signed the
// same way REST requests are: a (api_key_index, nonce, signature) triple
// rather than a timestamp window.
type Stream struct {
	url  string
	auth *Auth

	connMu sync.Mutex
	conn   *websocket.Conn

	symbolsMu sync.RWMutex
	symbols   map[string]bool

	books     map[string]*market.Book
	booksMu   sync.RWMutex
	registry  *ordertracker.Registry
	listeners *listenerSet

	resnapshot func(ctx context.Context, symbol string)

	log *slog.Logger
}

// NewStream builds a stream for the given symbols, backed by books and
// registry owned by the parent Client.
func NewStream(url string, auth *Auth, books map[string]*market.Book, registry *ordertracker.Registry, listeners *listenerSet, log *slog.Logger) *Stream {
	return &Stream{
		url:       url,
		auth:      auth,
		symbols:   make(map[string]bool),
		books:     books,
		registry:  registry,
		listeners: listeners,
		log:       log,
	}
}

// Run connects and maintains the connection, reconnecting on any error
// after a fixed 1s backoff and forcing a fresh depth snapshot per symbol
// once reconnected.
func (s *Stream) Run(ctx context.Context, onReconnect func(ctx context.Context, symbol string)) error {
	s.resnapshot = onReconnect
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("helix stream disconnected, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamReconnectDelay):
		}
	}
}

// Subscribe adds symbols to the tracked set and, if connected, subscribes
// immediately.
func (s *Stream) Subscribe(symbols []string) {
	s.symbolsMu.Lock()
	for _, sym := range symbols {
		s.symbols[sym] = true
	}
	s.symbolsMu.Unlock()
	_ = s.writeJSON(s.subscribeMessage(symbols))
}

func (s *Stream) subscribeMessage(symbols []string) map[string]any {
	body := map[string]any{"op": "subscribe", "symbols": symbols}
	sig, apiKeyIndex, nonce, err := s.auth.SignTx([]byte(fmt.Sprintf("subscribe:%v", symbols)))
	if err != nil {
		s.log.Error("sign subscribe", "error", err)
		return body
	}
	body["api_key_index"] = apiKeyIndex
	body["nonce"] = nonce
	body["signature"] = sig
	return body
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.symbolsMu.RLock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	s.symbolsMu.RUnlock()

	if err := s.writeJSON(s.subscribeMessage(symbols)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	sig, apiKeyIndex, nonce, err := s.auth.SignTx([]byte("subscribe_private"))
	if err != nil {
		return fmt.Errorf("sign subscribe_private: %w", err)
	}
	if err := s.writeJSON(map[string]any{
		"op":            "subscribe_private",
		"api_key_index": apiKeyIndex,
		"nonce":         nonce,
		"signature":     sig,
	}); err != nil {
		return fmt.Errorf("subscribe private: %w", err)
	}

	for _, sym := range symbols {
		if s.resnapshot != nil {
			s.resnapshot(ctx, sym)
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("helix stream: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) dispatch(raw []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.log.Debug("ignoring non-json stream message")
		return
	}

	switch {
	case matchesPrefix(envelope.Stream, "depth"):
		s.handleDepth(envelope.Data)
	case matchesPrefix(envelope.Stream, "order"):
		s.handleOrder(envelope.Data)
	case matchesPrefix(envelope.Stream, "position"):
		s.handlePosition(envelope.Data)
	default:
		s.log.Debug("unknown helix stream", "stream", envelope.Stream)
	}
}

func matchesPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Stream) handleDepth(data json.RawMessage) {
	var payload struct {
		Symbol     string      `json:"symbol"`
		IsSnapshot bool        `json:"is_snapshot"`
		FirstID    int64       `json:"first_update_id"`
		LastID     int64       `json:"last_update_id"`
		Bids       [][2]string `json:"bids"`
		Asks       [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Error("unmarshal depth", "error", err)
		return
	}

	s.booksMu.RLock()
	book := s.books[payload.Symbol]
	s.booksMu.RUnlock()
	if book == nil {
		return
	}

	bids := toLevels(payload.Bids)
	asks := toLevels(payload.Asks)

	if payload.IsSnapshot {
		book.ApplySnapshot(bids, asks, payload.LastID)
	} else if !book.ApplyDelta(payload.FirstID, payload.LastID, bids, asks) {
		if book.NeedsResnapshot() && s.resnapshot != nil {
			s.resnapshot(context.Background(), payload.Symbol)
		}
	}

	connector.Broadcast(s.log, s.listeners.snapshot(), connector.Event{
		Type:    connector.EventBook,
		Payload: book.TopOfBook(),
		Meta:    map[string]any{"symbol": payload.Symbol},
	})
}

func toLevels(raw [][2]string) []market.Level {
	out := make([]market.Level, 0, len(raw))
	for _, pair := range raw {
		priceI, err1 := strconv.ParseInt(pair[0], 10, 64)
		sizeI, err2 := strconv.ParseInt(pair[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, market.Level{PriceI: priceI, SizeI: sizeI})
	}
	return out
}

// normalizeFields maps the venue's abbreviated private-event field names
// onto the canonical names ordertracker.FromRaw expects, per the spec's
// field mapping table (X->status, c->clientId, i->id, s->symbol,
// S->side, z->filledQuantity, l->remainingQuantity, q->position).
func normalizeFields(data map[string]any) map[string]any {
	alias := map[string]string{
		"X": "status", "c": "clientId", "i": "id", "s": "symbol",
		"S": "side", "z": "filledQuantity", "l": "remainingQuantity", "q": "position",
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if canon, ok := alias[k]; ok {
			out[canon] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func (s *Stream) handleOrder(data json.RawMessage) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Error("unmarshal order event", "error", err)
		return
	}
	raw = normalizeFields(raw)

	clientID, _ := toInt64(raw["clientId"])
	order, ok := s.registry.ByClientID("helix", clientID)
	if !ok {
		order = s.registry.Track("helix", clientID)
	}
	if exchID, ok := raw["id"].(string); ok && exchID != "" {
		s.registry.LinkExchangeID("helix", clientID, exchID)
	}

	ev := ordertracker.FromRaw(raw, "ws", "status")
	order.ApplyUpdate(ev)

	connector.Broadcast(s.log, s.listeners.snapshot(), connector.Event{
		Type:    connector.EventOrder,
		Payload: connector.OrderEventPayload{OrderID: order.ID, State: order.State()},
		Meta:    map[string]any{"client_order_id": clientID},
	})
}

func (s *Stream) handlePosition(data json.RawMessage) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Error("unmarshal position event", "error", err)
		return
	}
	raw = normalizeFields(raw)

	symbol, _ := raw["symbol"].(string)
	baseQty, _ := toFloat(raw["position"])
	pos := types.Position{Symbol: symbol, BaseQty: baseQty}

	connector.Broadcast(s.log, s.listeners.snapshot(), connector.Event{
		Type:    connector.EventPosition,
		Payload: pos,
		Meta:    map[string]any{"symbol": symbol},
	})
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
