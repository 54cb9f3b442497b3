package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
dry_run: true
venues:
  vertex:
    type: vertex
    rest_base_url: https://vertex.example.com
    ws_url: wss://vertex.example.com/ws
    credentials_file: /tmp/vertex.creds
    coi_limit: 1000000
  helix:
    type: helix
    rest_base_url: https://helix.example.com
    ws_url: wss://helix.example.com/ws
    credentials_file: /tmp/helix.creds
symbols:
  BTC-PERP:
    vertex: BTC-PERP
    helix: BTC_USDC_PERP
risk:
  max_position_ratio: 0.5
clock:
  tick_size: 0.5
logging:
  level: info
  format: json
telemetry:
  enabled: true
  endpoint: https://telemetry.example.com/push
  interval: 30s
`

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadParsesVenuesAndSymbols(t *testing.T) {
	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)

	require.True(t, cfg.DryRun)
	require.Len(t, cfg.Venues, 2)
	require.Equal(t, "vertex", cfg.Venues["vertex"].Type)
	require.Equal(t, int64(1000000), cfg.Venues["vertex"].COILimit)
	require.Equal(t, "BTC-PERP", cfg.Symbols["BTC-PERP"]["vertex"])
	require.Equal(t, "BTC_USDC_PERP", cfg.Symbols["BTC-PERP"]["helix"])
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)

	require.Equal(t, 0.5, cfg.Risk.MaxPositionRatio)
	require.Equal(t, 0.1, cfg.Risk.MinCollateralBuffer)
	require.Equal(t, 0.6, cfg.Risk.MaxVenueConcentration)
	require.Equal(t, 0.5, cfg.Clock.TickSize)
	require.Equal(t, float64(10), cfg.Venues["helix"].DefaultRate)
	require.Equal(t, 30*time.Second, cfg.Telemetry.Interval)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsEmptyVenues(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownVenueType(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{
		"x": {Type: "unknown", RESTBaseURL: "https://x", CredentialsFile: "/tmp/x"},
	}}
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesTickSizeAndDebug(t *testing.T) {
	t.Setenv("PERPX_TICK_SIZE", "2.5")
	t.Setenv("PERPX_DEBUG", "1")

	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)
	require.Equal(t, 2.5, cfg.Clock.TickSize)
	require.Equal(t, "debug", cfg.Logging.Level)
}
