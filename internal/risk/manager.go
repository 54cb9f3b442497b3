// Package risk enforces pre-order and post-order risk limits across all
// active venues.
//
// CheckPreOrder runs four checks against a candidate order, in order, and
// returns the first one that fails as an *xerrors.RiskViolation:
//
//   - MinSize:          size_i >= the venue/symbol's min_size_i
//   - Collateral:       (buy only) order size in base units <= available
//     collateral after the configured buffer; the order's price is not used
//   - PositionLimit:    |position after fill| <= collateral * max_position_ratio
//   - VenueConcentration: |venue position after fill| / |net position after
//     fill| <= max_venue_concentration, once net position is non-zero
//
// CheckPostOrder never returns an error; it reports a metrics snapshot plus
// advisory warning strings for the same two ratios.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/position"
	"github.com/nexusquant/perpx/internal/xerrors"
)

// Config enumerates the tunable risk limits.
type Config struct {
	MaxPositionRatio      float64 // default 0.8
	MinCollateralBuffer   float64 // default 0.1
	MaxVenueConcentration float64 // default 0.6
	MaxOrderSizeRatio     float64 // default 0.2, advisory only
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositionRatio:      0.8,
		MinCollateralBuffer:   0.1,
		MaxVenueConcentration: 0.6,
		MaxOrderSizeRatio:     0.2,
	}
}

// PostOrderMetrics is the advisory snapshot returned by CheckPostOrder.
type PostOrderMetrics struct {
	VenuePosition      float64
	NetPosition        float64
	TotalCollateral    float64
	PositionRatio      float64
	VenueConcentration float64
	Warnings           []string
}

// Manager evaluates risk checks for candidate orders, reading current
// position/collateral state through a shared position.Service.
type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	pos   *position.Service
	conns map[string]connector.Connector
	log   *slog.Logger
}

// NewManager builds a Manager. pos supplies position/collateral reads;
// per-venue size scale and minimums come from each registered connector's
// own GetMarketInfo.
func NewManager(cfg Config, pos *position.Service, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		pos:   pos,
		conns: make(map[string]connector.Connector),
		log:   log.With("component", "risk"),
	}
}

// RegisterConnector makes a venue connector available for market-metadata
// lookups (size scale, minimum size), in addition to registering it with
// the shared position.Service used for position/collateral reads.
func (m *Manager) RegisterConnector(venue string, conn connector.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[strings.ToLower(venue)] = conn
	m.pos.RegisterConnector(venue, conn)
}

// Configure replaces the active limits.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.log.Info("risk limits configured",
		"max_position_ratio", cfg.MaxPositionRatio,
		"min_collateral_buffer", cfg.MinCollateralBuffer,
		"max_venue_concentration", cfg.MaxVenueConcentration,
		"max_order_size_ratio", cfg.MaxOrderSizeRatio)
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Limits returns the active risk limits, for status surfaces that display
// configured thresholds alongside live exposure.
func (m *Manager) Limits() Config {
	return m.config()
}

// CheckPreOrder runs MinSize, Collateral, PositionLimit, and
// VenueConcentration in order and returns the first violation.
func (m *Manager) CheckPreOrder(ctx context.Context, venue, canonicalSymbol string, sizeI int64, isAsk bool) error {
	if err := m.checkMinSize(ctx, venue, canonicalSymbol, sizeI); err != nil {
		return err
	}
	if err := m.checkCollateral(ctx, venue, canonicalSymbol, sizeI, isAsk); err != nil {
		return err
	}
	if err := m.checkPositionLimit(ctx, venue, canonicalSymbol, sizeI, isAsk); err != nil {
		return err
	}
	if err := m.checkConcentration(ctx, venue, canonicalSymbol, sizeI, isAsk); err != nil {
		return err
	}
	return nil
}

func (m *Manager) checkMinSize(ctx context.Context, venue, canonicalSymbol string, sizeI int64) error {
	minSize, err := m.minSizeI(ctx, venue, canonicalSymbol)
	if err != nil {
		return err
	}
	if sizeI < minSize {
		return xerrors.NewRiskViolation("min_size",
			"order size %d below minimum %d for %s:%s", sizeI, minSize, venue, canonicalSymbol)
	}
	return nil
}

func (m *Manager) checkCollateral(ctx context.Context, venue, canonicalSymbol string, sizeI int64, isAsk bool) error {
	if isAsk {
		return nil
	}
	collateral, err := m.pos.GetCollateral(ctx, venue)
	if err != nil {
		return err
	}
	scale, err := m.sizeScale(ctx, venue, canonicalSymbol)
	if err != nil {
		return err
	}
	orderSize := float64(sizeI) / float64(scale)

	buffer := m.config().MinCollateralBuffer
	available := collateral * (1 - buffer)
	if orderSize > available {
		return xerrors.NewRiskViolation("collateral",
			"insufficient collateral: need %.4f, available %.4f for %s:%s",
			orderSize, available, venue, canonicalSymbol)
	}
	return nil
}

func (m *Manager) checkPositionLimit(ctx context.Context, venue, canonicalSymbol string, sizeI int64, isAsk bool) error {
	current, err := m.pos.GetPosition(ctx, venue, canonicalSymbol)
	if err != nil {
		return err
	}
	scale, err := m.sizeScale(ctx, venue, canonicalSymbol)
	if err != nil {
		return err
	}
	orderSize := float64(sizeI) / float64(scale)
	newPosition := current + signedSize(orderSize, isAsk)

	collateral, err := m.pos.GetCollateral(ctx, venue)
	if err != nil {
		return err
	}
	maxPosition := collateral * m.config().MaxPositionRatio
	if math.Abs(newPosition) > maxPosition {
		return xerrors.NewRiskViolation("position_limit",
			"position limit exceeded: new position %.4f > limit %.4f for %s:%s",
			newPosition, maxPosition, venue, canonicalSymbol)
	}
	return nil
}

func (m *Manager) checkConcentration(ctx context.Context, venue, canonicalSymbol string, sizeI int64, isAsk bool) error {
	net := m.pos.NetExposure(ctx, canonicalSymbol, nil)
	currentVenue := net[venue]
	currentNet := net["net"]

	scale, err := m.sizeScale(ctx, venue, canonicalSymbol)
	if err != nil {
		return err
	}
	orderSize := float64(sizeI) / float64(scale)
	newVenue := currentVenue + signedSize(orderSize, isAsk)
	newNet := currentNet + signedSize(orderSize, isAsk)

	if math.Abs(newNet) == 0 {
		return nil
	}
	concentration := math.Abs(newVenue) / math.Abs(newNet)
	limit := m.config().MaxVenueConcentration
	if concentration > limit {
		return xerrors.NewRiskViolation("concentration",
			"venue concentration limit exceeded: %.4f > %.4f for %s:%s",
			concentration, limit, venue, canonicalSymbol)
	}
	return nil
}

// CheckPostOrder reports a risk snapshot after a fill; it never fails, only
// annotates the metrics with advisory warnings.
func (m *Manager) CheckPostOrder(ctx context.Context, venue, canonicalSymbol string, filledSizeI int64, isAsk bool) PostOrderMetrics {
	metrics := PostOrderMetrics{}

	current, err := m.pos.GetPosition(ctx, venue, canonicalSymbol)
	if err != nil {
		m.log.Error("post_order_risk: position read failed", "venue", venue, "symbol", canonicalSymbol, "error", err)
		return metrics
	}
	scale, err := m.sizeScale(ctx, venue, canonicalSymbol)
	if err != nil {
		m.log.Error("post_order_risk: scale lookup failed", "venue", venue, "error", err)
		return metrics
	}
	filled := float64(filledSizeI) / float64(scale)
	newPosition := current + signedSize(filled, isAsk)

	net := m.pos.NetExposure(ctx, canonicalSymbol, nil)
	newNet := net["net"] + signedSize(filled, isAsk)

	totalCollateral := 0.0
	for v := range net {
		if v == "net" {
			continue
		}
		c, err := m.pos.GetCollateral(ctx, v)
		if err == nil {
			totalCollateral += c
		}
	}

	cfg := m.config()
	metrics.VenuePosition = newPosition
	metrics.NetPosition = newNet
	metrics.TotalCollateral = totalCollateral
	metrics.PositionRatio = math.Abs(newNet) / math.Max(totalCollateral, 1)
	metrics.VenueConcentration = math.Abs(newPosition) / math.Max(math.Abs(newNet), 1)

	if metrics.PositionRatio > cfg.MaxPositionRatio {
		metrics.Warnings = append(metrics.Warnings, fmt.Sprintf(
			"high position ratio: %.2f%% > %.2f%%", metrics.PositionRatio*100, cfg.MaxPositionRatio*100))
	}
	if metrics.VenueConcentration > cfg.MaxVenueConcentration {
		metrics.Warnings = append(metrics.Warnings, fmt.Sprintf(
			"high venue concentration: %.2f%% > %.2f%%", metrics.VenueConcentration*100, cfg.MaxVenueConcentration*100))
	}
	return metrics
}

// MaxOrderSize returns the largest size_i that would currently pass
// PositionLimit for side is_ask: for sells, the current long position; for
// buys, remaining collateral-based headroom. Returns 0 (never an error) if
// the result would be below the venue's minimum size.
func (m *Manager) MaxOrderSize(ctx context.Context, venue, canonicalSymbol string, isAsk bool) int64 {
	collateral, err := m.pos.GetCollateral(ctx, venue)
	if err != nil {
		m.log.Error("max_order_size: collateral read failed", "venue", venue, "error", err)
		return 0
	}
	current, err := m.pos.GetPosition(ctx, venue, canonicalSymbol)
	if err != nil {
		m.log.Error("max_order_size: position read failed", "venue", venue, "error", err)
		return 0
	}
	scale, err := m.sizeScale(ctx, venue, canonicalSymbol)
	if err != nil {
		return 0
	}
	minSize, err := m.minSizeI(ctx, venue, canonicalSymbol)
	if err != nil {
		return 0
	}

	var maxSize float64
	if isAsk {
		maxSize = math.Max(0, current)
	} else {
		maxPositionValue := collateral * m.config().MaxPositionRatio
		maxSize = maxPositionValue - math.Abs(current)
	}
	if maxSize <= 0 {
		return 0
	}
	sizeI := int64(maxSize * float64(scale))
	if sizeI < minSize {
		return 0
	}
	return sizeI
}

func (m *Manager) sizeScale(ctx context.Context, venue, canonicalSymbol string) (int64, error) {
	conn, err := m.connFor(venue)
	if err != nil {
		return 0, err
	}
	info, err := conn.GetMarketInfo(ctx, canonicalSymbol)
	if err != nil {
		return 0, err
	}
	return info.Meta.SizeScale(), nil
}

func (m *Manager) minSizeI(ctx context.Context, venue, canonicalSymbol string) (int64, error) {
	conn, err := m.connFor(venue)
	if err != nil {
		return 0, err
	}
	info, err := conn.GetMarketInfo(ctx, canonicalSymbol)
	if err != nil {
		return 0, err
	}
	return info.Meta.MinSizeI(), nil
}

func (m *Manager) connFor(venue string) (connector.Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[strings.ToLower(venue)]
	if !ok {
		return nil, fmt.Errorf("risk: no connector registered for venue %q", venue)
	}
	return conn, nil
}

func signedSize(size float64, isAsk bool) float64 {
	if isAsk {
		return -size
	}
	return size
}
