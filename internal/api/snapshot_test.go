package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusquant/perpx/internal/config"
	"github.com/nexusquant/perpx/internal/risk"
	"github.com/nexusquant/perpx/pkg/types"
)

type fakeProvider struct {
	venues     []string
	positions  map[string][]types.Position
	collateral map[string]float64
	limits     risk.Config
}

func (f *fakeProvider) Venues() []string { return f.venues }
func (f *fakeProvider) RawPositions(ctx context.Context, venue string) ([]types.Position, error) {
	return f.positions[venue], nil
}
func (f *fakeProvider) Collateral(ctx context.Context, venue string) (float64, error) {
	return f.collateral[venue], nil
}
func (f *fakeProvider) RiskLimits() risk.Config { return f.limits }

func TestBuildSnapshotAggregatesVenues(t *testing.T) {
	provider := &fakeProvider{
		venues: []string{"vertex", "helix"},
		positions: map[string][]types.Position{
			"vertex": {{Symbol: "BTC-PERP", BaseQty: 1.5}},
			"helix":  {{Symbol: "BTC_USDC_PERP", BaseQty: -0.5}},
		},
		collateral: map[string]float64{"vertex": 1000, "helix": 2000},
		limits:     risk.DefaultConfig(),
	}

	snap := BuildSnapshot(context.Background(), provider, config.Config{DryRun: true})

	require.Len(t, snap.Venues, 2)
	require.True(t, snap.Config.DryRun)
	require.Equal(t, risk.DefaultConfig().MaxVenueConcentration, snap.Risk.MaxVenueConcentration)

	byVenue := map[string]VenueStatus{}
	for _, v := range snap.Venues {
		byVenue[v.Venue] = v
	}
	require.Equal(t, float64(1000), byVenue["vertex"].Collateral)
	require.Equal(t, "BTC-PERP", byVenue["vertex"].Positions[0].Symbol)
	require.Equal(t, -0.5, byVenue["helix"].Positions[0].BaseQty)
}

func TestBuildSnapshotHandlesNoVenues(t *testing.T) {
	provider := &fakeProvider{limits: risk.DefaultConfig()}
	snap := BuildSnapshot(context.Background(), provider, config.Config{})
	require.Empty(t, snap.Venues)
}
