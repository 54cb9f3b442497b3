package api

import (
	"time"

	"github.com/nexusquant/perpx/internal/config"
	"github.com/nexusquant/perpx/internal/risk"
)

// DashboardSnapshot is the complete dashboard/diagnostic status surface.
type DashboardSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Venues    []VenueStatus  `json:"venues"`
	Risk      RiskSummary    `json:"risk"`
	Config    ConfigSummary  `json:"config"`
}

// VenueStatus is one connector's collateral and raw position snapshot.
type VenueStatus struct {
	Venue      string             `json:"venue"`
	Collateral float64            `json:"collateral"`
	Positions  []PositionStatus   `json:"positions"`
}

// PositionStatus is a single venue-native position.
type PositionStatus struct {
	Symbol  string  `json:"symbol"`
	BaseQty float64 `json:"base_qty"`
}

// RiskSummary mirrors the active risk.Config limits; it reports configured
// thresholds rather than computed exposure, since exposure is only
// meaningful per (venue, canonical symbol) pair and the dashboard has no
// single number to reduce it to.
type RiskSummary struct {
	MaxPositionRatio      float64 `json:"max_position_ratio"`
	MinCollateralBuffer   float64 `json:"min_collateral_buffer"`
	MaxVenueConcentration float64 `json:"max_venue_concentration"`
	MaxOrderSizeRatio     float64 `json:"max_order_size_ratio"`
}

func newRiskSummary(cfg risk.Config) RiskSummary {
	return RiskSummary{
		MaxPositionRatio:      cfg.MaxPositionRatio,
		MinCollateralBuffer:   cfg.MinCollateralBuffer,
		MaxVenueConcentration: cfg.MaxVenueConcentration,
		MaxOrderSizeRatio:     cfg.MaxOrderSizeRatio,
	}
}

// ConfigSummary is a read-only view of the active configuration.
type ConfigSummary struct {
	DryRun        bool     `json:"dry_run"`
	Venues        []string `json:"venues"`
	TickSize      float64  `json:"tick_size"`
	DashboardPort int      `json:"dashboard_port"`
}

// NewConfigSummary builds a ConfigSummary from the loaded configuration.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	venues := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		venues = append(venues, name)
	}
	return ConfigSummary{
		DryRun:        cfg.DryRun,
		Venues:        venues,
		TickSize:      cfg.Clock.TickSize,
		DashboardPort: cfg.Dashboard.Port,
	}
}
