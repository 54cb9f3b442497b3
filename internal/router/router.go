// Package router is the strategy-facing public facade: a stateless
// composition over connectors and every execution service (symbol mapping,
// order tracking, position/collateral, risk, tracking-limit execution). It
// adds nothing of its own beyond per-venue submit/cancel mutual exclusion
// and a single entry point (Reconcile) for externally-routed stream events.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/internal/position"
	"github.com/nexusquant/perpx/internal/risk"
	"github.com/nexusquant/perpx/internal/symbol"
	"github.com/nexusquant/perpx/internal/tracking"
	"github.com/nexusquant/perpx/internal/xerrors"
	"github.com/nexusquant/perpx/pkg/types"
)

// Router composes connectors, symbol mapping, the shared COI allocator, the
// position/risk services, and per-venue tracking-limit engines behind one
// surface. It holds no order state of its own; every read goes straight
// through to the owning connector or service.
type Router struct {
	mu     sync.RWMutex
	conns  map[string]connector.Connector
	locks  map[string]*sync.Mutex
	engine map[string]*tracking.Engine

	mapper *symbol.Mapper
	coi    *ids.COIAllocator
	pos    *position.Service
	riskM  *risk.Manager
	log    *slog.Logger
}

// New builds a Router. mapper/coi/pos/riskM are shared across the whole
// process; connectors are added via RegisterConnector.
func New(mapper *symbol.Mapper, coi *ids.COIAllocator, pos *position.Service, riskM *risk.Manager, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		conns:  make(map[string]connector.Connector),
		locks:  make(map[string]*sync.Mutex),
		engine: make(map[string]*tracking.Engine),
		mapper: mapper,
		coi:    coi,
		pos:    pos,
		riskM:  riskM,
		log:    log.With("component", "router"),
	}
}

// RegisterConnector wires conn into every composed service, seeds the
// venue's COI allocator (capped at coiLimit if non-zero), and builds a
// private tracking.Engine for that venue's limit_order calls.
func (r *Router) RegisterConnector(venue string, conn connector.Connector, coiLimit int64, apiKeyIndex *int) {
	name := strings.ToLower(venue)

	r.mu.Lock()
	r.conns[name] = conn
	r.locks[name] = &sync.Mutex{}
	r.engine[name] = tracking.New(conn, r.coi, r.log)
	r.mu.Unlock()

	if coiLimit > 0 {
		r.coi.RegisterLimit(name, coiLimit)
	}
	r.coi.Seed(name, nil)

	r.pos.RegisterConnector(venue, conn)
	r.riskM.RegisterConnector(venue, conn)

	r.log.Info("connector registered", "venue", name, "coi_limit", coiLimit, "api_key_index", apiKeyIndex)
}

// RegisterSymbol maps a canonical symbol onto its per-venue spellings.
func (r *Router) RegisterSymbol(canonical string, venues map[string]string) {
	r.mapper.Register(canonical, venues)
}

func (r *Router) connFor(venue string) (connector.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[strings.ToLower(venue)]
	if !ok {
		return nil, fmt.Errorf("router: no connector registered for venue %q", venue)
	}
	return c, nil
}

func (r *Router) engineFor(venue string) (*tracking.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engine[strings.ToLower(venue)]
	if !ok {
		return nil, fmt.Errorf("router: no connector registered for venue %q", venue)
	}
	return e, nil
}

// lockFor returns the lazily-created per-venue mutex guarding sequences
// that must not interleave: MarketOrder holds it around COI allocation and
// submit, LimitOrder for its whole tracking-limit run (submits and their
// cancels). No nonce-refresh resubmit runs under it.
func (r *Router) lockFor(venue string) *sync.Mutex {
	name := strings.ToLower(venue)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// SizeScale returns the venue/symbol's size_scale = 10^size_decimals.
func (r *Router) SizeScale(ctx context.Context, venue, canonical string) (int64, error) {
	conn, err := r.connFor(venue)
	if err != nil {
		return 0, err
	}
	info, err := conn.GetMarketInfo(ctx, canonical)
	if err != nil {
		return 0, err
	}
	return info.Meta.SizeScale(), nil
}

// MinSizeI returns the venue/symbol's minimum order size in integer units.
func (r *Router) MinSizeI(ctx context.Context, venue, canonical string) (int64, error) {
	conn, err := r.connFor(venue)
	if err != nil {
		return 0, err
	}
	info, err := conn.GetMarketInfo(ctx, canonical)
	if err != nil {
		return 0, err
	}
	return info.Meta.MinSizeI(), nil
}

// MarketOrderParams parameterizes MarketOrder beyond the required fields.
type MarketOrderParams struct {
	ReduceOnly  bool
	MaxSlippage float64 // 0 means unset
	Attempts    int     // default 1
	RetryDelay  time.Duration
	WaitTimeout time.Duration // default 30s
	Label       string
}

// MarketOrder runs a pre-order risk check, then submits a market order with
// retries, returning the tracker once it reaches FILLED, a terminal
// non-filled state, or the attempt budget is exhausted. The last observed
// tracker is returned even on failure so the caller can inspect its state.
func (r *Router) MarketOrder(ctx context.Context, venue, canonical string, sizeI int64, isAsk bool, p MarketOrderParams) (*ordertracker.Order, error) {
	if sizeI <= 0 {
		return nil, fmt.Errorf("router: size_i must be positive")
	}
	if err := r.riskM.CheckPreOrder(ctx, venue, canonical, sizeI, isAsk); err != nil {
		return nil, err
	}

	conn, err := r.connFor(venue)
	if err != nil {
		return nil, err
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	waitTimeout := p.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	label := p.Label
	if label == "" {
		label = venue
	}

	lock := r.lockFor(venue)
	var last *ordertracker.Order

	for attempt := 1; attempt <= attempts; attempt++ {
		lock.Lock()
		clientID := r.coi.Next(strings.ToLower(venue))
		req := connector.MarketOrderRequest{
			Symbol: canonical, ClientOrderID: clientID, SizeI: sizeI, IsAsk: isAsk,
			ReduceOnly: p.ReduceOnly, MaxSlippage: p.MaxSlippage,
		}
		_, submitErr := conn.PlaceMarket(ctx, req)
		lock.Unlock()

		if submitErr != nil {
			r.log.Warn("market_order submit failed", "venue", venue, "label", label, "attempt", attempt, "error", submitErr)
			continue
		}

		tracked, found := conn.LookupTracked(clientID)
		if !found {
			r.log.Warn("market_order not tracked after submit", "venue", venue, "label", label, "attempt", attempt)
			continue
		}
		last = tracked

		if _, err := tracked.WaitFinal(ctx, waitTimeout); err != nil {
			r.log.Warn("market_order wait_final timed out", "venue", venue, "label", label, "attempt", attempt)
		}

		if tracked.State() == types.StateFilled {
			r.log.Info("market_order filled", "venue", venue, "label", label, "attempt", attempt)
			return tracked, nil
		}

		r.log.Warn("market_order not filled", "venue", venue, "label", label, "attempt", attempt, "state", tracked.State())

		if attempt < attempts && p.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(p.RetryDelay):
			}
		}
	}
	return last, nil
}

// LimitOrder runs a pre-order risk check, then drives the tracking-limit
// algorithm to completion via the venue's tracking.Engine.
func (r *Router) LimitOrder(ctx context.Context, venue, canonical string, req tracking.Request, isAsk bool) (*ordertracker.Order, error) {
	if err := r.riskM.CheckPreOrder(ctx, venue, canonical, req.BaseAmountI, isAsk); err != nil {
		return nil, err
	}
	eng, err := r.engineFor(venue)
	if err != nil {
		return nil, err
	}
	req.Symbol = canonical
	req.IsAsk = isAsk

	lock := r.lockFor(venue)
	lock.Lock()
	defer lock.Unlock()
	return eng.Run(ctx, req)
}

// TopOfBook returns the venue's current top of book for canonical, used by
// the diagnostic harness's price monitor.
func (r *Router) TopOfBook(ctx context.Context, venue, canonical string) (types.TopOfBook, error) {
	conn, err := r.connFor(venue)
	if err != nil {
		return types.TopOfBook{}, err
	}
	return conn.GetTopOfBook(ctx, canonical)
}

// Position returns the venue's current signed position in canonical.
func (r *Router) Position(ctx context.Context, venue, canonical string) (float64, error) {
	return r.pos.GetPosition(ctx, venue, canonical)
}

// Collateral returns the venue's free collateral.
func (r *Router) Collateral(ctx context.Context, venue string) (float64, error) {
	return r.pos.GetCollateral(ctx, venue)
}

// PlanOrderSize sizes an order from available collateral and leverage.
func (r *Router) PlanOrderSize(ctx context.Context, venue, canonical string, leverage, minCollateral, collateralBuffer float64) (*position.PlannedOrder, error) {
	return r.pos.PlanOrderSize(ctx, venue, canonical, leverage, minCollateral, collateralBuffer)
}

// ConfirmPosition polls until the venue's position reaches target within
// tolerance, or returns nil after timeout.
func (r *Router) ConfirmPosition(ctx context.Context, venue, canonical string, target, tolerance, timeout, pollInterval float64) (*float64, error) {
	return r.pos.ConfirmPosition(ctx, venue, canonical, target, tolerance, timeout, pollInterval)
}

// Rebalance drives the venue's position to target via repeated market
// orders.
func (r *Router) Rebalance(ctx context.Context, venue, canonical string, target, tolerance float64, attempts int, retryDelay time.Duration) bool {
	return r.pos.Rebalance(ctx, venue, canonical, target, tolerance, attempts, retryDelay)
}

// UnwindAll flattens canonical's position on every venue in scope (or
// every registered venue if venues is nil), returning a per-venue success
// map. A single venue's failure never aborts the others.
func (r *Router) UnwindAll(ctx context.Context, canonical string, tolerance float64, venues []string) map[string]bool {
	if venues == nil {
		venues = r.registeredVenues()
	}
	out := make(map[string]bool, len(venues))
	for _, v := range venues {
		out[v] = r.pos.Flatten(ctx, v, canonical, tolerance, 3, 500*time.Millisecond)
	}
	return out
}

func (r *Router) registeredVenues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for v := range r.conns {
		out = append(out, v)
	}
	return out
}

// Venues returns the names of every registered connector, for status
// surfaces that need to enumerate venues (e.g. the dashboard).
func (r *Router) Venues() []string {
	return r.registeredVenues()
}

// RiskLimits returns the active risk thresholds, for status surfaces.
func (r *Router) RiskLimits() risk.Config {
	return r.riskM.Limits()
}

// RawPositions returns the venue's positions exactly as the connector
// reports them (venue-native symbols, not canonicalized), for status
// surfaces that display raw venue state rather than a single canonical
// symbol's aggregated exposure.
func (r *Router) RawPositions(ctx context.Context, venue string) ([]types.Position, error) {
	conn, err := r.connFor(venue)
	if err != nil {
		return nil, err
	}
	return conn.GetPositions(ctx)
}

// clientOrderIDFields and exchangeOrderIDFields mirror the raw field-name
// fallback list a stream payload is checked against, in order.
var (
	clientOrderIDFields   = []string{"client_order_id", "clientId", "clientID", "c"}
	exchangeOrderIDFields = []string{"exchange_order_id", "id", "orderId", "order_id", "i"}
)

// Reconcile applies one raw stream/REST payload to its tracked order. It
// extracts the client order id from data using the same field-name
// fallback list every connector's own dispatch path uses, builds an Event
// via ordertracker.FromRaw, and applies it through the order's existing
// FILLED-vs-CANCELLED race rule. Exchange order ids are not used to locate
// the order. Returns false and an error wrapping ErrOrderNotFound if no
// tracked order could be located for the payload.
func (r *Router) Reconcile(venue string, data map[string]any, source string) (bool, error) {
	conn, err := r.connFor(venue)
	if err != nil {
		return false, err
	}

	clientID, ok := extractClientOrderID(data)
	if !ok {
		return false, fmt.Errorf("router: reconcile: %w: no client_order_id in payload", xerrors.ErrOrderNotFound)
	}
	tracked, found := conn.LookupTracked(clientID)
	if !found {
		return false, fmt.Errorf("router: reconcile: %w: client_order_id=%d", xerrors.ErrOrderNotFound, clientID)
	}

	ev := ordertracker.FromRaw(data, source)
	tracked.ApplyUpdate(ev)
	return true, nil
}

func extractClientOrderID(data map[string]any) (int64, bool) {
	for _, field := range clientOrderIDFields {
		if v, ok := data[field]; ok {
			if id, ok := toInt64(v); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		var id int64
		if _, err := fmt.Sscanf(t, "%d", &id); err == nil {
			return id, true
		}
	}
	return 0, false
}
