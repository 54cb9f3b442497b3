package vertex

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/market"
	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/internal/ratelimit"
	"github.com/nexusquant/perpx/internal/symbol"
	"github.com/nexusquant/perpx/internal/xerrors"
	"github.com/nexusquant/perpx/pkg/types"
)

// Config is the subset of venue configuration Client needs, independent of
// the top-level internal/config package so this file has no import-cycle
// risk.
type Config struct {
	Name         string
	RESTBaseURL  string
	WSURL        string
	APIKey       string
	PrivateKey   ed25519.PrivateKey
	WindowMS     int64
	DefaultRate  float64
	DefaultBurst int
}

// Client is the Ed25519-flavor connector implementation.
type Client struct {
	name string
	rest *RESTClient
	ws   *Stream
	rl   *ratelimit.Limiter

	mapper   *symbol.Mapper
	registry *ordertracker.Registry

	marketsMu sync.RWMutex
	markets   map[string]types.MarketMetadata

	booksMu sync.RWMutex
	books   map[string]*market.Book

	listeners *listenerSet
	log       *slog.Logger
}

// New builds a Vertex-flavor connector from Config.
func New(cfg Config, mapper *symbol.Mapper, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	auth, err := NewAuth(cfg.APIKey, cfg.PrivateKey.Seed(), cfg.WindowMS)
	if err != nil {
		return nil, err
	}
	rl := ratelimit.NewLimiter(float64(cfg.DefaultBurst), cfg.DefaultRate)

	c := &Client{
		name:      cfg.Name,
		rest:      NewRESTClient(cfg.RESTBaseURL, auth, rl),
		rl:        rl,
		mapper:    mapper,
		registry:  ordertracker.NewRegistry(log),
		markets:   make(map[string]types.MarketMetadata),
		books:     make(map[string]*market.Book),
		listeners: &listenerSet{},
		log:       log.With("connector", cfg.Name),
	}
	c.ws = NewStream(cfg.WSURL, auth, c.books, c.registry, c.listeners, c.log)
	return c, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Start(ctx context.Context) error {
	return nil
}

func (c *Client) StartWSState(ctx context.Context, symbols []string) error {
	for _, sym := range symbols {
		c.ensureBook(sym)
	}
	go func() {
		if err := c.ws.Run(ctx, c.resnapshotSymbol); err != nil && ctx.Err() == nil {
			c.log.Error("vertex stream exited", "error", err)
		}
	}()
	c.ws.Subscribe(symbols)
	return nil
}

func (c *Client) StopWSState() error { return c.ws.Close() }
func (c *Client) Close() error       { return c.ws.Close() }

func (c *Client) ensureBook(symbol string) *market.Book {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	b, ok := c.books[symbol]
	if !ok {
		scale := int64(1)
		if m, ok := c.markets[symbol]; ok {
			scale = m.PriceScale()
		}
		b = market.NewBook(symbol, scale)
		c.books[symbol] = b
	}
	return b
}

func (c *Client) resnapshotSymbol(ctx context.Context, venueSymbol string) {
	snap, err := c.rest.GetOrderBook(ctx, venueSymbol, 50)
	if err != nil {
		c.log.Warn("resnapshot failed", "symbol", venueSymbol, "error", err)
		return
	}
	c.ensureBook(venueSymbol).ApplySnapshot(toLevels(snap.Bids), toLevels(snap.Asks), snap.LastUpdateID)
}

func (c *Client) EnsureMarkets(ctx context.Context, force bool) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()
	if !force && len(c.markets) > 0 {
		return nil
	}
	entries, err := c.rest.ListMarkets(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		c.markets[e.Symbol] = types.MarketMetadata{
			Venue:         types.Venue(c.name),
			VenueSymbol:   e.Symbol,
			PriceDecimals: e.PriceDecimals,
			SizeDecimals:  e.SizeDecimals,
			TickSize:      e.TickSize,
			StepSize:      e.StepSize,
			MinQty:        e.MinQty,
		}
		c.mapper.Register(e.Symbol, map[string]string{c.name: e.Symbol})
	}
	return nil
}

func (c *Client) RegisterListener(l connector.Listener) { c.listeners.add(l) }
func (c *Client) RemoveListener(l connector.Listener)   { c.listeners.remove(l) }

// LookupTracked implements connector.Connector.
func (c *Client) LookupTracked(clientOrderID int64) (*ordertracker.Order, bool) {
	return c.registry.ByClientID(c.name, clientOrderID)
}

func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	if err := c.EnsureMarkets(ctx, false); err != nil {
		return nil, err
	}
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	out := make([]string, 0, len(c.markets))
	for sym := range c.markets {
		out = append(out, sym)
	}
	return out, nil
}

func (c *Client) GetMarketInfo(ctx context.Context, sym string) (connector.MarketInfo, error) {
	if err := c.EnsureMarkets(ctx, false); err != nil {
		return connector.MarketInfo{}, err
	}
	venueSym := c.mapper.ToVenue(sym, c.name, "")
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	m, ok := c.markets[venueSym]
	if !ok {
		return connector.MarketInfo{}, xerrors.ErrUnknownSymbol
	}
	return connector.MarketInfo{Meta: m}, nil
}

func (c *Client) GetTopOfBook(ctx context.Context, sym string) (types.TopOfBook, error) {
	venueSym := c.mapper.ToVenue(sym, c.name, "")
	c.booksMu.RLock()
	b, ok := c.books[venueSym]
	c.booksMu.RUnlock()
	if !ok || !b.HasSnapshot() {
		return types.TopOfBook{}, xerrors.ErrNoBook
	}
	return b.TopOfBook(), nil
}

func (c *Client) GetLastPrice(ctx context.Context, sym string) (float64, error) {
	tob, err := c.GetTopOfBook(ctx, sym)
	if err != nil {
		return 0, err
	}
	if !tob.HasBid || !tob.HasAsk {
		return 0, xerrors.ErrNoBook
	}
	return float64(tob.BidI+tob.AskI) / 2 / float64(tob.Scale), nil
}

func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	entries, err := c.rest.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.Position{
			Symbol:           e.Symbol,
			BaseQty:          e.BaseQty,
			EntryPrice:       e.EntryPrice,
			LiquidationPrice: e.LiquidationPrice,
			HasLiquidation:   e.LiquidationPrice != 0,
			UnrealizedPnL:    e.UnrealizedPnL,
			HasUnrealizedPnL: e.UnrealizedPnL != 0,
		})
	}
	return out, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, sym string) ([]connector.OrderSnapshot, error) {
	venueSym := c.mapper.ToVenue(sym, c.name, "")
	raws, err := c.rest.GetOpenOrders(ctx, venueSym)
	if err != nil {
		return nil, err
	}
	out := make([]connector.OrderSnapshot, 0, len(raws))
	for _, raw := range raws {
		ev := ordertracker.FromRaw(raw, "rest", "status")
		clientID, _ := toInt64(raw["client_id"])
		exchID, _ := raw["id"].(string)
		var filled int64
		if ev.FilledBaseI != nil {
			filled = *ev.FilledBaseI
		}
		out = append(out, connector.OrderSnapshot{
			ExchangeOrderID: exchID,
			ClientOrderID:   clientID,
			Symbol:          sym,
			State:           ev.State,
			FilledBaseI:     filled,
		})
	}
	return out, nil
}

func (c *Client) GetCollateral(ctx context.Context) (float64, error) {
	return c.rest.GetCollateral(ctx)
}

func (c *Client) PlaceLimit(ctx context.Context, req connector.LimitOrderRequest) (connector.SubmitResult, error) {
	venueSym := c.mapper.ToVenue(req.Symbol, c.name, "")
	order := c.registry.Track(c.name, req.ClientOrderID)
	order.SetMeta(req.Symbol, types.SideFromIsAsk(req.IsAsk), req.PriceI, req.SizeI)

	raw, err := c.rest.PlaceOrder(ctx, SubmitOrderRequest{
		Symbol: venueSym, ClientID: req.ClientOrderID, SizeI: req.SizeI, PriceI: req.PriceI,
		IsAsk: req.IsAsk, PostOnly: req.PostOnly, ReduceOnly: req.ReduceOnly, OrderType: "limit",
	})
	return c.interpretSubmit(req.ClientOrderID, raw, err)
}

func (c *Client) PlaceMarket(ctx context.Context, req connector.MarketOrderRequest) (connector.SubmitResult, error) {
	venueSym := c.mapper.ToVenue(req.Symbol, c.name, "")
	order := c.registry.Track(c.name, req.ClientOrderID)
	order.SetMeta(req.Symbol, types.SideFromIsAsk(req.IsAsk), 0, req.SizeI)

	raw, err := c.rest.PlaceOrder(ctx, SubmitOrderRequest{
		Symbol: venueSym, ClientID: req.ClientOrderID, SizeI: req.SizeI,
		IsAsk: req.IsAsk, ReduceOnly: req.ReduceOnly, OrderType: "market",
	})
	return c.interpretSubmit(req.ClientOrderID, raw, err)
}

// interpretSubmit applies the submit-response interpretation rules: an
// order is accepted if a non-null exchange id is present, code is 0 or 200
// (number or string), or status is one of the accepted tokens; otherwise the error is
// extracted from message/error at top level or a nested "order" object.
func (c *Client) interpretSubmit(clientID int64, raw map[string]any, callErr error) (connector.SubmitResult, error) {
	order, _ := c.registry.ByClientID(c.name, clientID)

	if raw == nil {
		if order != nil {
			order.ApplyUpdate(ordertracker.Event{State: types.StateFailed, Source: "rest"})
		}
		if callErr != nil {
			return connector.SubmitResult{}, callErr
		}
		return connector.SubmitResult{}, xerrors.ErrInvalidResponse
	}

	accepted, exchID, state := interpretSubmitPayload(raw)
	if !accepted {
		msg := extractError(raw)
		if order != nil {
			order.ApplyUpdate(ordertracker.Event{State: types.StateFailed, Source: "rest", Info: raw})
		}
		return connector.SubmitResult{Raw: raw}, fmt.Errorf("%w: %s", xerrors.ErrOrderRejected, msg)
	}

	if order != nil {
		if exchID != "" {
			c.registry.LinkExchangeID(c.name, clientID, exchID)
		}
		order.ApplyUpdate(ordertracker.Event{State: state, Source: "rest", Info: raw})
	}
	return connector.SubmitResult{ExchangeOrderID: exchID, State: state, Raw: raw}, callErr
}

func interpretSubmitPayload(raw map[string]any) (accepted bool, exchID string, state types.OrderState) {
	if id, ok := raw["id"]; ok && id != nil {
		if s, ok := id.(string); ok && s != "" {
			exchID = s
			accepted = true
		}
	}
	if code, ok := raw["code"]; ok {
		switch v := code.(type) {
		case float64:
			if v == 0 || v == 200 {
				accepted = true
			}
		case string:
			if v == "0" || v == "200" {
				accepted = true
			}
		case int:
			if v == 0 || v == 200 {
				accepted = true
			}
		}
	}
	statusStr := ordertracker.ExtractStatus(raw, "status")
	switch statusStr {
	case "success", "ok", "accepted", "open", "new", "working":
		accepted = true
	}
	state = types.NormalizeStatus(statusStr)
	if statusStr == "" {
		state = types.StateOpen
	}
	return accepted, exchID, state
}

func extractError(raw map[string]any) string {
	if m, ok := raw["message"].(string); ok && m != "" {
		return m
	}
	if e, ok := raw["error"].(string); ok && e != "" {
		return e
	}
	if nested, ok := raw["order"].(map[string]any); ok {
		if m, ok := nested["message"].(string); ok && m != "" {
			return m
		}
		if e, ok := nested["error"].(string); ok && e != "" {
			return e
		}
	}
	return "unknown error"
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, sym string) error {
	venueSym := c.mapper.ToVenue(sym, c.name, "")
	return c.rest.CancelOrder(ctx, exchangeOrderID, venueSym)
}

func (c *Client) CancelByClientID(ctx context.Context, sym string, clientID int64) error {
	venueSym := c.mapper.ToVenue(sym, c.name, "")
	err := c.rest.CancelByClientID(ctx, venueSym, clientID)
	if err == nil {
		return nil
	}
	// Fall back to exchange-id lookup+cancel per the spec's cancel-by-client
	// contract when the venue doesn't support client-id cancellation directly.
	order, ok := c.registry.ByClientID(c.name, clientID)
	if !ok || order.ExchangeOrderID == "" {
		return err
	}
	return c.rest.CancelOrder(ctx, order.ExchangeOrderID, venueSym)
}

func (c *Client) CancelAll(ctx context.Context, sym string) error {
	venueSym := c.mapper.ToVenue(sym, c.name, "")
	err := c.rest.CancelAll(ctx, venueSym)
	if err == nil {
		return nil
	}
	// Venue-level cancel-all failed; fall back to per-order cancel.
	orders, lookupErr := c.GetOpenOrders(ctx, sym)
	if lookupErr != nil {
		return err
	}
	var last error
	for _, o := range orders {
		if cancelErr := c.rest.CancelOrder(ctx, o.ExchangeOrderID, venueSym); cancelErr != nil {
			last = cancelErr
		}
	}
	return last
}

var _ connector.Connector = (*Client)(nil)
