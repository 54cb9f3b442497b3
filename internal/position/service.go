// Package position implements cross-venue position and collateral
// queries: net exposure aggregation, target confirmation, rebalancing via
// market orders, flattening, and collateral-driven order-size planning.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/symbol"
	"github.com/nexusquant/perpx/pkg/types"
)

const defaultCollateralBuffer = 0.96

// Service aggregates position/collateral reads and rebalancing actions
// across every registered venue connector.
type Service struct {
	mu     sync.RWMutex
	conns  map[string]connector.Connector
	mapper *symbol.Mapper
	coi    *ids.COIAllocator
	log    *slog.Logger
}

// New builds a Service. mapper resolves canonical symbols to venue
// symbols; coi allocates client-order-ids for rebalance/flatten market
// submissions.
func New(mapper *symbol.Mapper, coi *ids.COIAllocator, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		conns:  make(map[string]connector.Connector),
		mapper: mapper,
		coi:    coi,
		log:    log,
	}
}

// RegisterConnector makes a venue connector available to every method
// below, keyed by lowercase venue name.
func (s *Service) RegisterConnector(venue string, conn connector.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[lower(venue)] = conn
}

func (s *Service) connFor(venue string) (connector.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[lower(venue)]
	if !ok {
		return nil, fmt.Errorf("position: no connector registered for venue %q", venue)
	}
	return c, nil
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// GetPosition reads the connector's cached signed position for symbol.
func (s *Service) GetPosition(ctx context.Context, venue, canonicalSymbol string) (float64, error) {
	conn, err := s.connFor(venue)
	if err != nil {
		return 0, err
	}
	venueSym := s.mapper.ToVenue(canonicalSymbol, venue, "")
	positions, err := conn.GetPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if s.mapper.ToCanonical(venue, p.Symbol, "") == s.mapper.ToCanonical(venue, venueSym, "") {
			return p.BaseQty, nil
		}
	}
	return 0, nil
}

// GetCollateral reads the venue's free collateral.
func (s *Service) GetCollateral(ctx context.Context, venue string) (float64, error) {
	conn, err := s.connFor(venue)
	if err != nil {
		return 0, err
	}
	return conn.GetCollateral(ctx)
}

// NetExposure aggregates a symbol's position across venues, plus the net
// total.
func (s *Service) NetExposure(ctx context.Context, canonicalSymbol string, venues []string) map[string]float64 {
	if venues == nil {
		venues = s.registeredVenues()
	}
	out := make(map[string]float64, len(venues)+1)
	var net float64
	for _, v := range venues {
		qty, err := s.GetPosition(ctx, v, canonicalSymbol)
		if err != nil {
			s.log.Error("net_exposure: position read failed", "venue", v, "symbol", canonicalSymbol, "error", err)
			qty = 0
		}
		out[v] = qty
		net += qty
	}
	out["net"] = net
	return out
}

func (s *Service) registeredVenues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for v := range s.conns {
		out = append(out, v)
	}
	return out
}

// ConfirmPosition polls until the venue-reported position is within
// tolerance of target, or returns nil after timeout.
func (s *Service) ConfirmPosition(ctx context.Context, venue, canonicalSymbol string, target, tolerance, timeout, pollInterval float64) (*float64, error) {
	if tolerance < 0 {
		tolerance = 0
	}
	deadline := time.Now().Add(time.Duration(math.Max(timeout, pollInterval) * float64(time.Second)))
	for {
		current, err := s.GetPosition(ctx, venue, canonicalSymbol)
		if err != nil {
			return nil, err
		}
		if math.Abs(current-target) <= tolerance {
			return &current, nil
		}
		if time.Now().After(deadline) {
			s.log.Debug("confirm_position timeout", "venue", venue, "symbol", canonicalSymbol, "target", target, "current", current)
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(pollInterval * float64(time.Second))):
		}
	}
}

// Rebalance loops reading position, computing the delta to target, and
// submitting a market order for |delta| with side matching the sign,
// retrying up to attempts times on failure.
func (s *Service) Rebalance(ctx context.Context, venue, canonicalSymbol string, target, tolerance float64, attempts int, retryDelay time.Duration) bool {
	return s.drive(ctx, venue, canonicalSymbol, target, tolerance, attempts, retryDelay, false)
}

// Flatten is Rebalance with target 0 and reduce_only set.
func (s *Service) Flatten(ctx context.Context, venue, canonicalSymbol string, tolerance float64, attempts int, retryDelay time.Duration) bool {
	return s.drive(ctx, venue, canonicalSymbol, 0, tolerance, attempts, retryDelay, true)
}

func (s *Service) drive(ctx context.Context, venue, canonicalSymbol string, target, tolerance float64, attempts int, retryDelay time.Duration, reduceOnly bool) bool {
	if attempts < 1 {
		attempts = 1
	}
	if tolerance < 0 {
		tolerance = 0
	}
	conn, err := s.connFor(venue)
	if err != nil {
		s.log.Error("rebalance: no connector", "venue", venue, "error", err)
		return false
	}
	meta, err := conn.GetMarketInfo(ctx, canonicalSymbol)
	if err != nil {
		s.log.Error("rebalance: market info unavailable", "venue", venue, "symbol", canonicalSymbol, "error", err)
		return false
	}
	sizeScale := meta.Meta.SizeScale()
	venueSym := s.mapper.ToVenue(canonicalSymbol, venue, "")

	for attempt := 1; attempt <= attempts; attempt++ {
		current, err := s.GetPosition(ctx, venue, canonicalSymbol)
		if err != nil {
			s.log.Error("rebalance: position read failed", "venue", venue, "error", err)
			continue
		}
		delta := target - current
		if math.Abs(delta) <= tolerance {
			return true
		}
		isAsk := delta < 0
		sizeI := int64(math.Round(math.Abs(delta) * float64(sizeScale)))
		if sizeI < meta.Meta.MinSizeI() {
			sizeI = meta.Meta.MinSizeI()
		}

		clientID := s.coi.Next(conn.Name())
		_, submitErr := conn.PlaceMarket(ctx, connector.MarketOrderRequest{
			Symbol: venueSym, ClientOrderID: clientID, SizeI: sizeI, IsAsk: isAsk, ReduceOnly: reduceOnly,
		})
		if submitErr != nil {
			s.log.Warn("rebalance: submit failed", "venue", venue, "symbol", canonicalSymbol, "attempt", attempt, "error", submitErr)
		}
		tracked, ok := conn.LookupTracked(clientID)
		if ok {
			_, _ = tracked.WaitFinal(ctx, 30*time.Second)
			if tracked.State() == types.StateFilled {
				continue
			}
		}
		if attempt < attempts && retryDelay > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryDelay):
			}
		}
	}
	if current, err := s.GetPosition(ctx, venue, canonicalSymbol); err == nil && math.Abs(target-current) <= tolerance {
		return true
	}
	s.log.Error("rebalance failed", "venue", venue, "symbol", canonicalSymbol, "target", target)
	return false
}

// PlannedOrder is the output of PlanOrderSize.
type PlannedOrder struct {
	BaseAmount float64
	SizeI      int64
	Price      float64
	Collateral float64
	PriceScale int64
}

// PlanOrderSize sizes an order from available collateral and leverage:
// notional = collateral * max(leverage,1) * buffer; base = notional /
// price using the venue's ask (long) or bid (short). Returns nil if
// collateral is at or below minCollateral.
func (s *Service) PlanOrderSize(ctx context.Context, venue, canonicalSymbol string, leverage, minCollateral float64, collateralBuffer float64) (*PlannedOrder, error) {
	if collateralBuffer <= 0 || collateralBuffer > 1 {
		collateralBuffer = defaultCollateralBuffer
	}
	conn, err := s.connFor(venue)
	if err != nil {
		return nil, err
	}
	collateral, err := conn.GetCollateral(ctx)
	if err != nil {
		return nil, err
	}
	if collateral <= minCollateral {
		s.log.Warn("plan_order_size: collateral below minimum", "venue", venue, "collateral", collateral, "min", minCollateral)
		return nil, nil
	}

	tob, err := conn.GetTopOfBook(ctx, canonicalSymbol)
	if err != nil || (!tob.HasBid && !tob.HasAsk) {
		return nil, nil
	}
	meta, err := conn.GetMarketInfo(ctx, canonicalSymbol)
	if err != nil {
		return nil, err
	}

	var priceI int64
	if leverage >= 0 {
		if tob.HasAsk {
			priceI = tob.AskI
		} else {
			priceI = tob.BidI
		}
	} else {
		if tob.HasBid {
			priceI = tob.BidI
		} else {
			priceI = tob.AskI
		}
	}
	if priceI <= 0 {
		return nil, nil
	}
	price := float64(priceI) / float64(tob.Scale)

	if leverage < 1 {
		leverage = 1
	}
	effCollateral := collateral * collateralBuffer
	notional := effCollateral * leverage
	baseAmount := notional / price
	sizeI := int64(math.Round(baseAmount * float64(meta.Meta.SizeScale())))
	if sizeI < meta.Meta.MinSizeI() {
		sizeI = meta.Meta.MinSizeI()
	}
	if sizeI <= 0 {
		return nil, nil
	}

	return &PlannedOrder{
		BaseAmount: baseAmount,
		SizeI:      sizeI,
		Price:      price,
		Collateral: collateral,
		PriceScale: tob.Scale,
	}, nil
}
