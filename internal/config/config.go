// Package config defines all configuration for the execution agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PERPX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                         `mapstructure:"dry_run"`
	Venues    map[string]VenueConfig       `mapstructure:"venues"`
	Symbols   map[string]map[string]string `mapstructure:"symbols"`
	Risk      RiskConfig                   `mapstructure:"risk"`
	Clock     ClockConfig                  `mapstructure:"clock"`
	Logging   LoggingConfig                `mapstructure:"logging"`
	Dashboard DashboardConfig              `mapstructure:"dashboard"`
	Notifier  NotifierConfig               `mapstructure:"notifier"`
	Telemetry TelemetryConfig              `mapstructure:"telemetry"`
}

// VenueConfig describes one connector instance. Type selects the connector
// flavor (`vertex` for the Ed25519-signed venue, `helix` for the
// nonce-managed venue); CredentialsFile points at the line-oriented file
// parsed by LoadCredentials.
type VenueConfig struct {
	Type            string  `mapstructure:"type"`
	RESTBaseURL     string  `mapstructure:"rest_base_url"`
	WSURL           string  `mapstructure:"ws_url"`
	CredentialsFile string  `mapstructure:"credentials_file"`
	COILimit        int64   `mapstructure:"coi_limit"`
	DefaultRate     float64 `mapstructure:"default_rate"`
	DefaultBurst    int     `mapstructure:"default_burst"`
}

// RiskConfig mirrors internal/risk.Config; kept as a separate mapstructure
// type so the risk package has no dependency on config loading.
type RiskConfig struct {
	MaxPositionRatio      float64 `mapstructure:"max_position_ratio"`
	MinCollateralBuffer   float64 `mapstructure:"min_collateral_buffer"`
	MaxVenueConcentration float64 `mapstructure:"max_venue_concentration"`
	MaxOrderSizeRatio     float64 `mapstructure:"max_order_size_ratio"`
}

// ClockConfig tunes the strategy tick dispatcher.
type ClockConfig struct {
	TickSize float64 `mapstructure:"tick_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the diagnostic/status HTTP surface.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NotifierConfig enables the Telegram emergency-unwind notifier. cmd/agent
// hands BotToken and ChatID from this section to the notifier as they are;
// a credentials file's `bot_token`/`chat_id` lines are not used to fill them.
type NotifierConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// TelemetryConfig controls the periodic HTTP telemetry push.
type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads config from a YAML file with env var overrides.
// Recognized overrides: PERPX_CONFIG (consulted by the caller before Load
// is invoked, not here), PERPX_DEBUG, PERPX_TICK_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERPX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if debug := os.Getenv("PERPX_DEBUG"); debug == "true" || debug == "1" {
		cfg.Logging.Level = "debug"
	}
	if tick := os.Getenv("PERPX_TICK_SIZE"); tick != "" {
		var t float64
		if _, err := fmt.Sscanf(tick, "%g", &t); err == nil && t > 0 {
			cfg.Clock.TickSize = t
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Risk.MaxPositionRatio == 0 {
		cfg.Risk.MaxPositionRatio = 0.8
	}
	if cfg.Risk.MinCollateralBuffer == 0 {
		cfg.Risk.MinCollateralBuffer = 0.1
	}
	if cfg.Risk.MaxVenueConcentration == 0 {
		cfg.Risk.MaxVenueConcentration = 0.6
	}
	if cfg.Risk.MaxOrderSizeRatio == 0 {
		cfg.Risk.MaxOrderSizeRatio = 0.2
	}
	if cfg.Clock.TickSize == 0 {
		cfg.Clock.TickSize = 1.0
	}
	for name, v := range cfg.Venues {
		if v.DefaultRate == 0 {
			v.DefaultRate = 10
		}
		if v.DefaultBurst == 0 {
			v.DefaultBurst = 20
		}
		cfg.Venues[name] = v
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one entry under venues is required")
	}
	for name, v := range c.Venues {
		switch v.Type {
		case "vertex", "helix":
		default:
			return fmt.Errorf("venues.%s.type must be one of: vertex, helix", name)
		}
		if v.RESTBaseURL == "" {
			return fmt.Errorf("venues.%s.rest_base_url is required", name)
		}
		if v.CredentialsFile == "" {
			return fmt.Errorf("venues.%s.credentials_file is required", name)
		}
	}
	if c.Risk.MaxPositionRatio <= 0 || c.Risk.MaxPositionRatio > 1 {
		return fmt.Errorf("risk.max_position_ratio must be in (0, 1]")
	}
	if c.Risk.MaxVenueConcentration <= 0 || c.Risk.MaxVenueConcentration > 1 {
		return fmt.Errorf("risk.max_venue_concentration must be in (0, 1]")
	}
	return nil
}
