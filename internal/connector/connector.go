// Package connector defines the venue-agnostic surface every concrete
// connector (vertex, helix) implements, plus the event fan-out shared by
// all of them.
package connector

import (
	"context"
	"log/slog"

	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/pkg/types"
)

// EventType enumerates the kinds of events a connector fans out.
type EventType string

const (
	EventOrder    EventType = "order"
	EventTrade    EventType = "trade"
	EventPosition EventType = "position"
	EventAccount  EventType = "account"
	EventBook     EventType = "book"
)

// Event is a single fan-out notification. Payload's concrete type depends
// on Type (an OrderEventPayload for EventOrder, a types.Position for
// EventPosition, and so on); Meta carries venue/symbol context.
type Event struct {
	Type    EventType
	Payload any
	Meta    map[string]any
}

// Listener receives connector events. Implementations must not block for
// long — OnEvent runs on the connector's dispatch goroutine, and a slow
// listener delays every other listener's delivery.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Callbacks is a legacy convenience wrapper exposing the four most common
// event kinds as individual optional callbacks, for call sites that only
// care about one or two event types and don't want to switch on Type
// themselves. It implements Listener.
type Callbacks struct {
	OnOrderFilled    func(Event)
	OnOrderCancelled func(Event)
	OnTrade          func(Event)
	OnPosition       func(Event)
}

// OnEvent implements Listener, dispatching to the matching callback field.
func (c Callbacks) OnEvent(e Event) {
	switch e.Type {
	case EventOrder:
		if ot, ok := e.Payload.(OrderEventPayload); ok {
			if ot.State == types.StateFilled || ot.State == types.StatePartiallyFilled {
				if c.OnOrderFilled != nil {
					c.OnOrderFilled(e)
				}
			} else if ot.State == types.StateCancelled && c.OnOrderCancelled != nil {
				c.OnOrderCancelled(e)
			}
		}
	case EventTrade:
		if c.OnTrade != nil {
			c.OnTrade(e)
		}
	case EventPosition:
		if c.OnPosition != nil {
			c.OnPosition(e)
		}
	}
}

// OrderEventPayload is the payload carried by EventOrder events: a thin
// projection of the tracked order (its synthetic id and current state), so
// listeners receive a plain value rather than the live *ordertracker.Order.
type OrderEventPayload struct {
	OrderID string
	State   types.OrderState
}

// MarketInfo describes one symbol's venue-side trading parameters.
type MarketInfo struct {
	Meta types.MarketMetadata
}

// SubmitResult is the outcome of a place_limit/place_market call.
type SubmitResult struct {
	ExchangeOrderID string
	State           types.OrderState
	Raw             map[string]any
}

// Connector is the venue-agnostic surface the execution core drives.
// Concrete venues differ in transport encoding, signing, and private
// stream shape but agree on this contract.
type Connector interface {
	Name() string

	Start(ctx context.Context) error
	StartWSState(ctx context.Context, symbols []string) error
	StopWSState() error
	Close() error

	EnsureMarkets(ctx context.Context, force bool) error

	RegisterListener(l Listener)
	RemoveListener(l Listener)

	ListSymbols(ctx context.Context) ([]string, error)
	GetMarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
	GetTopOfBook(ctx context.Context, symbol string) (types.TopOfBook, error)
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error)
	GetCollateral(ctx context.Context) (float64, error)

	PlaceLimit(ctx context.Context, req LimitOrderRequest) (SubmitResult, error)
	PlaceMarket(ctx context.Context, req MarketOrderRequest) (SubmitResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error
	CancelByClientID(ctx context.Context, symbol string, clientOrderID int64) error
	CancelAll(ctx context.Context, symbol string) error

	// LookupTracked returns the live order tracker for a client-order-id
	// allocated against this connector, if one has been registered.
	LookupTracked(clientOrderID int64) (*ordertracker.Order, bool)
}

// OrderSnapshot is a minimal point-in-time view of an open order returned
// by GetOpenOrders.
type OrderSnapshot struct {
	ExchangeOrderID string
	ClientOrderID   int64
	Symbol          string
	Side            types.Side
	PriceI          int64
	SizeI           int64
	FilledBaseI     int64
	State           types.OrderState
}

// LimitOrderRequest is the input to PlaceLimit.
type LimitOrderRequest struct {
	Symbol        string
	ClientOrderID int64
	SizeI         int64
	PriceI        int64
	IsAsk         bool
	PostOnly      bool
	ReduceOnly    bool
}

// MarketOrderRequest is the input to PlaceMarket.
type MarketOrderRequest struct {
	Symbol        string
	ClientOrderID int64
	SizeI         int64
	IsAsk         bool
	ReduceOnly    bool
	MaxSlippage   float64 // 0 means unset
}

// broadcast fans an event out to a listener slice, logging and swallowing
// any panic or error a listener produces so one bad listener can't take
// down delivery to the rest. Shared by every concrete connector.
func Broadcast(log *slog.Logger, listeners []Listener, e Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("connector listener panicked", "event_type", e.Type, "panic", r)
				}
			}()
			l.OnEvent(e)
		}()
	}
}
