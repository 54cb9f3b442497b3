// Package telemetry periodically posts strategy/position snapshots to an
// external ingestion endpoint. It never affects trading behavior: every
// post failure is logged and swallowed.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Supplier produces one payload per role (e.g. "vertex", "helix", "router")
// on each tick. A nil or empty map is a no-op tick.
type Supplier func(ctx context.Context) (map[string]map[string]any, error)

// Config configures the poster's target endpoint.
type Config struct {
	BaseURL  string
	Token    string
	Group    string
	Interval time.Duration
	// Bots maps a role to the bot name used in the ingest URL
	// (<base_url>/ingest/<bot_name>). Roles absent from Bots post to
	// "telemetry-<role>".
	Bots map[string]string
}

// Poster posts Supplier payloads to Config.BaseURL on a fixed interval.
type Poster struct {
	cfg    Config
	http   *resty.Client
	supply Supplier
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Poster. Interval defaults to 30s if unset.
func New(cfg Config, supply Supplier, log *slog.Logger) (*Poster, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("telemetry base_url required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(5 * time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		httpClient.SetHeader("x-auth-token", cfg.Token)
	}

	return &Poster{cfg: cfg, http: httpClient, supply: supply, log: log}, nil
}

// Start begins the periodic post loop. A no-op if already running.
func (p *Poster) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.run(ctx, stopCh, doneCh)
}

func (p *Poster) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poster) tick(ctx context.Context) {
	payloads, err := p.supply(ctx)
	if err != nil {
		p.log.Debug("telemetry supplier error", "error", err)
		return
	}
	if len(payloads) == 0 {
		return
	}
	p.dispatch(ctx, payloads)
}

func (p *Poster) dispatch(ctx context.Context, payloads map[string]map[string]any) {
	for role, payload := range payloads {
		botName, ok := p.cfg.Bots[role]
		if !ok {
			botName = "telemetry-" + strings.ToLower(role)
		}

		body := make(map[string]any, len(payload)+3)
		for k, v := range payload {
			body[k] = v
		}
		if _, ok := body["timestamp"]; !ok {
			body["timestamp"] = time.Now().Unix()
		}
		if _, ok := body["group"]; !ok && p.cfg.Group != "" {
			body["group"] = p.cfg.Group
		}
		if _, ok := body["telemetry_interval_secs"]; !ok {
			body["telemetry_interval_secs"] = p.cfg.Interval.Seconds()
		}

		resp, err := p.http.R().
			SetContext(ctx).
			SetBody(body).
			Post("/ingest/" + botName)
		if err != nil {
			p.log.Debug("telemetry post error", "role", role, "error", err)
			continue
		}
		if resp.StatusCode() >= 400 {
			p.log.Debug("telemetry post failed", "role", role, "status", resp.StatusCode(), "body", truncate(resp.String(), 200))
		}
	}
}

// Stop cooperatively stops the post loop, blocking until any in-flight tick
// finishes.
func (p *Poster) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	<-doneCh
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
