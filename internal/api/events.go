package api

import (
	"time"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/pkg/types"
)

// DashboardEvent is the wrapper for everything pushed to connected
// WebSocket clients.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "order", "position", "unwind"
	Timestamp time.Time   `json:"timestamp"`
	Venue     string      `json:"venue,omitempty"`
	Data      interface{} `json:"data"`
}

// OrderEvent reports an order-tracker state transition.
type OrderEvent struct {
	OrderID       string `json:"order_id"`
	ClientOrderID int64  `json:"client_order_id"`
	State         string `json:"state"`
}

// PositionEvent reports a venue-native position update.
type PositionEvent struct {
	Symbol  string  `json:"symbol"`
	BaseQty float64 `json:"base_qty"`
}

// UnwindEvent reports the outcome of an emergency unwind.
type UnwindEvent struct {
	Symbol  string          `json:"symbol"`
	Results map[string]bool `json:"results"`
}

func newOrderEvent(payload connector.OrderEventPayload, clientOrderID int64) OrderEvent {
	return OrderEvent{
		OrderID:       payload.OrderID,
		ClientOrderID: clientOrderID,
		State:         string(payload.State),
	}
}

func newPositionEvent(p types.Position) PositionEvent {
	return PositionEvent{Symbol: p.Symbol, BaseQty: p.BaseQty}
}

// Bridge adapts connector.Listener's event fan-out into DashboardEvents
// broadcast on a Hub. One Bridge per venue, all sharing the Server's Hub;
// register each with its venue's connector (conn.RegisterListener(bridge)).
type Bridge struct {
	venue string
	hub   *Hub
}

// NewBridge builds a Bridge that tags every event with venue and forwards
// it to hub.
func NewBridge(venue string, hub *Hub) *Bridge {
	return &Bridge{venue: venue, hub: hub}
}

// OnEvent implements connector.Listener.
func (b *Bridge) OnEvent(e connector.Event) {
	var evt DashboardEvent
	switch e.Type {
	case connector.EventOrder:
		payload, ok := e.Payload.(connector.OrderEventPayload)
		if !ok {
			return
		}
		clientOrderID, _ := e.Meta["client_order_id"].(int64)
		evt = DashboardEvent{Type: "order", Timestamp: time.Now(), Venue: b.venue, Data: newOrderEvent(payload, clientOrderID)}
	case connector.EventPosition:
		pos, ok := e.Payload.(types.Position)
		if !ok {
			return
		}
		evt = DashboardEvent{Type: "position", Timestamp: time.Now(), Venue: b.venue, Data: newPositionEvent(pos)}
	default:
		return
	}
	b.hub.BroadcastEvent(evt)
}

var _ connector.Listener = (*Bridge)(nil)
