package api

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/pkg/types"
)

func TestBridgeForwardsOrderEvent(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	broadcast := make(chan broadcastMessage, 1)
	hub.broadcast = broadcast

	bridge := NewBridge("vertex", hub)
	bridge.OnEvent(connector.Event{
		Type:    connector.EventOrder,
		Payload: connector.OrderEventPayload{OrderID: "vertex-1", State: types.StateFilled},
		Meta:    map[string]any{"client_order_id": int64(7)},
	})

	select {
	case msg := <-broadcast:
		require.Equal(t, "vertex", msg.venue)
		var evt DashboardEvent
		require.NoError(t, json.Unmarshal(msg.data, &evt))
		require.Equal(t, "order", evt.Type)
		require.Equal(t, "vertex", evt.Venue)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestBridgeForwardsPositionEvent(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	broadcast := make(chan broadcastMessage, 1)
	hub.broadcast = broadcast

	bridge := NewBridge("helix", hub)
	bridge.OnEvent(connector.Event{
		Type:    connector.EventPosition,
		Payload: types.Position{Symbol: "BTC_USDC_PERP", BaseQty: 2},
	})

	select {
	case msg := <-broadcast:
		require.Equal(t, "helix", msg.venue)
		var evt DashboardEvent
		require.NoError(t, json.Unmarshal(msg.data, &evt))
		require.Equal(t, "position", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestBridgeIgnoresUnhandledEventTypes(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	broadcast := make(chan broadcastMessage, 1)
	hub.broadcast = broadcast

	bridge := NewBridge("vertex", hub)
	bridge.OnEvent(connector.Event{Type: connector.EventBook})

	select {
	case <-broadcast:
		t.Fatal("did not expect a broadcast for an unhandled event type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubFiltersBroadcastByClientVenue(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	matching := &Client{hub: hub, send: make(chan []byte, 1), venueFilter: "vertex"}
	other := &Client{hub: hub, send: make(chan []byte, 1), venueFilter: "helix"}
	unfiltered := &Client{hub: hub, send: make(chan []byte, 1)}

	hub.register <- matching
	hub.register <- other
	hub.register <- unfiltered
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastEvent(DashboardEvent{Type: "order", Venue: "vertex"})

	select {
	case <-matching.send:
	case <-time.After(time.Second):
		t.Fatal("expected the matching-venue client to receive the event")
	}
	select {
	case <-unfiltered.send:
	case <-time.After(time.Second):
		t.Fatal("expected the unfiltered client to receive the event")
	}
	select {
	case <-other.send:
		t.Fatal("did not expect the other-venue client to receive the event")
	case <-time.After(50 * time.Millisecond):
	}
}
