package api

import (
	"context"
	"time"

	"github.com/nexusquant/perpx/internal/config"
	"github.com/nexusquant/perpx/internal/risk"
	"github.com/nexusquant/perpx/pkg/types"
)

// SnapshotProvider supplies the router/risk state the dashboard reports on.
// *router.Router satisfies this directly.
type SnapshotProvider interface {
	Venues() []string
	RawPositions(ctx context.Context, venue string) ([]types.Position, error)
	Collateral(ctx context.Context, venue string) (float64, error)
	RiskLimits() risk.Config
}

// BuildSnapshot aggregates state from the router into a dashboard snapshot.
func BuildSnapshot(ctx context.Context, provider SnapshotProvider, cfg config.Config) DashboardSnapshot {
	venueNames := provider.Venues()
	venues := make([]VenueStatus, 0, len(venueNames))
	for _, v := range venueNames {
		collateral, err := provider.Collateral(ctx, v)
		if err != nil {
			collateral = 0
		}
		raw, err := provider.RawPositions(ctx, v)
		if err != nil {
			raw = nil
		}
		positions := make([]PositionStatus, 0, len(raw))
		for _, p := range raw {
			positions = append(positions, PositionStatus{Symbol: p.Symbol, BaseQty: p.BaseQty})
		}
		venues = append(venues, VenueStatus{Venue: v, Collateral: collateral, Positions: positions})
	}

	return DashboardSnapshot{
		Timestamp: time.Now(),
		Venues:    venues,
		Risk:      newRiskSummary(provider.RiskLimits()),
		Config:    NewConfigSummary(cfg),
	}
}
