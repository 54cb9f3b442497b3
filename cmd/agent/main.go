// perpx-agent is the execution-core entry point: it loads configuration
// and credentials, wires a connector per configured venue into the
// router, starts the clock and (optionally) the dashboard and telemetry
// posters, then blocks until a named strategy driver would normally take
// over. Strategy policy itself is an external, opaque producer of
// execution intents against the router's public API and is not
// implemented here — --strategy only names which driver operations
// expect to be attached.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexusquant/perpx/internal/api"
	"github.com/nexusquant/perpx/internal/clock"
	"github.com/nexusquant/perpx/internal/config"
	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/connector/helix"
	"github.com/nexusquant/perpx/internal/connector/vertex"
	"github.com/nexusquant/perpx/internal/emergency"
	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/notifier"
	"github.com/nexusquant/perpx/internal/position"
	"github.com/nexusquant/perpx/internal/risk"
	"github.com/nexusquant/perpx/internal/router"
	"github.com/nexusquant/perpx/internal/symbol"
	"github.com/nexusquant/perpx/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath  string
		strategy string
		list     bool
	)

	root := &cobra.Command{
		Use:          "perpx-agent",
		Short:        "perpx execution-core agent",
		SilenceUsage: true,
	}
	root.Flags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config.yaml")
	root.Flags().StringVar(&strategy, "strategy", "", "name of the strategy driver to attach")
	root.Flags().BoolVar(&list, "list", false, "list configured venues and symbols, then exit")

	exitCode := 0
	root.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = runAgent(cfgPath, strategy, list)
		return nil
	}

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		return 1
	}
	return exitCode
}

func defaultConfigPath() string {
	if p := os.Getenv("PERPX_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func runAgent(cfgPath, strategyName string, list bool) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(*cfg)

	if list {
		printConfigured(*cfg)
		return 0
	}

	agent, err := buildAgent(*cfg, logger)
	if err != nil {
		logger.Error("failed to build agent", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		return 1
	}

	logger.Info("perpx agent started",
		"venues", agent.router.Venues(),
		"strategy", strategyName,
		"dry_run", cfg.DryRun,
	)
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	agent.stop()

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printConfigured(cfg config.Config) {
	for venue, vc := range cfg.Venues {
		fmt.Printf("venue: %s (%s)\n", venue, vc.Type)
	}
	for canonical, venues := range cfg.Symbols {
		fmt.Printf("symbol: %s -> %v\n", canonical, venues)
	}
}

// agent holds every wired component so start/stop can be symmetric.
type agent struct {
	cfg       config.Config
	logger    *slog.Logger
	mapper    *symbol.Mapper
	coi       *ids.COIAllocator
	pos       *position.Service
	riskM     *risk.Manager
	router    *router.Router
	conns     map[string]connector.Connector
	clock     *clock.Clock
	unwinder  *emergency.Unwinder
	apiServer *api.Server
	poster    *telemetry.Poster
}

func buildAgent(cfg config.Config, logger *slog.Logger) (*agent, error) {
	mapper := symbol.NewMapper()
	for canonical, venues := range cfg.Symbols {
		mapper.Register(canonical, venues)
	}

	coi := ids.NewCOIAllocator()
	pos := position.New(mapper, coi, logger)
	riskM := risk.NewManager(cfg.Risk, pos, logger)
	rtr := router.New(mapper, coi, pos, riskM, logger)

	a := &agent{
		cfg:    cfg,
		logger: logger,
		mapper: mapper,
		coi:    coi,
		pos:    pos,
		riskM:  riskM,
		router: rtr,
		conns:  make(map[string]connector.Connector),
	}

	for name, vc := range cfg.Venues {
		conn, apiKeyIndex, err := buildConnector(name, vc, mapper, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		a.conns[name] = conn
		coi.RegisterLimit(name, vc.COILimit)
		rtr.RegisterConnector(name, conn, vc.COILimit, apiKeyIndex)
		pos.RegisterConnector(name, conn)
		riskM.RegisterConnector(name, conn)
	}

	if cfg.Notifier.Enabled {
		tg, err := notifier.NewTelegram(cfg.Notifier.BotToken, cfg.Notifier.ChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		a.unwinder = emergency.New(rtr, tg, logger)
	} else {
		a.unwinder = emergency.New(rtr, nil, logger)
	}

	a.clock = clock.New(cfg.Clock.TickSize, logger)

	if cfg.Dashboard.Enabled {
		a.apiServer = api.NewServer(cfg.Dashboard, rtr, cfg, logger)
		for name, conn := range a.conns {
			conn.RegisterListener(a.apiServer.Bridge(name))
		}
	}

	if cfg.Telemetry.Enabled {
		poster, err := telemetry.New(telemetry.Config{
			BaseURL:  cfg.Telemetry.Endpoint,
			Interval: cfg.Telemetry.Interval,
		}, a.telemetrySupplier, logger)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.poster = poster
	}

	return a, nil
}

func buildConnector(name string, vc config.VenueConfig, mapper *symbol.Mapper, logger *slog.Logger) (connector.Connector, *int, error) {
	creds, err := config.LoadCredentials(vc.CredentialsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	switch vc.Type {
	case "vertex":
		if creds.Ed25519 == nil {
			return nil, nil, fmt.Errorf("credentials file %s has no Ed25519 section", vc.CredentialsFile)
		}
		seed, err := base64.StdEncoding.DecodeString(creds.Ed25519.SecretSeedB64)
		if err != nil {
			return nil, nil, fmt.Errorf("decode API secret: %w", err)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		conn, err := vertex.New(vertex.Config{
			Name:         name,
			RESTBaseURL:  vc.RESTBaseURL,
			WSURL:        vc.WSURL,
			APIKey:       creds.Ed25519.APIKeyB64,
			PrivateKey:   priv,
			WindowMS:     5000,
			DefaultRate:  vc.DefaultRate,
			DefaultBurst: vc.DefaultBurst,
		}, mapper, logger)
		return conn, nil, err

	case "helix":
		if creds.Nonce == nil {
			return nil, nil, fmt.Errorf("credentials file %s has no nonce section", vc.CredentialsFile)
		}
		conn, err := helix.New(helix.Config{
			Name:          name,
			RESTBaseURL:   vc.RESTBaseURL,
			WSURL:         vc.WSURL,
			PrivateKeyHex: creds.Nonce.PrivateKeyHex,
			APIKeyIndex:   creds.Nonce.APIKeyIndex,
			DefaultRate:   vc.DefaultRate,
			DefaultBurst:  vc.DefaultBurst,
		}, mapper, logger)
		apiKeyIndex := creds.Nonce.APIKeyIndex
		return conn, &apiKeyIndex, err

	default:
		return nil, nil, fmt.Errorf("unknown venue type %q", vc.Type)
	}
}

func (a *agent) telemetrySupplier(ctx context.Context) (map[string]map[string]any, error) {
	payload := map[string]any{
		"venues": a.router.Venues(),
	}
	for _, v := range a.router.Venues() {
		collateral, err := a.router.Collateral(ctx, v)
		if err != nil {
			continue
		}
		payload[v+"_collateral"] = collateral
	}
	return map[string]map[string]any{"agent": payload}, nil
}

func (a *agent) start(ctx context.Context) error {
	for name, conn := range a.conns {
		if err := conn.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		if err := conn.EnsureMarkets(ctx, false); err != nil {
			return fmt.Errorf("ensure markets %s: %w", name, err)
		}
		symbols, err := conn.ListSymbols(ctx)
		if err != nil {
			return fmt.Errorf("list symbols %s: %w", name, err)
		}
		if err := conn.StartWSState(ctx, symbols); err != nil {
			return fmt.Errorf("start ws state %s: %w", name, err)
		}
	}

	a.clock.Start()

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.Start(); err != nil {
				a.logger.Error("dashboard server failed", "error", err)
			}
		}()
		a.logger.Info("dashboard started", "port", a.cfg.Dashboard.Port)
	}

	if a.poster != nil {
		a.poster.Start(ctx)
	}

	return nil
}

func (a *agent) stop() {
	a.logger.Info("shutting down")

	if a.poster != nil {
		a.poster.Stop()
	}
	if a.apiServer != nil {
		if err := a.apiServer.Stop(); err != nil {
			a.logger.Error("failed to stop dashboard", "error", err)
		}
	}
	a.clock.Stop()

	for name, conn := range a.conns {
		if err := conn.Close(); err != nil {
			a.logger.Error("failed to close connector", "venue", name, "error", err)
		}
	}
}
