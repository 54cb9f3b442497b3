// Package emergency implements the last-resort unwind: flatten every
// venue's position in a symbol to zero via reduce-only market orders, then
// notify an operator with the per-venue outcome. A single venue's failure
// never aborts the others, and a notifier failure never escapes Run.
package emergency

import (
	"context"
	"log/slog"

	"github.com/nexusquant/perpx/internal/router"
)

const defaultTolerance = 1e-6

// Notifier delivers the per-venue unwind outcome to an operator (e.g.
// Telegram). A Notifier error is logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, results map[string]bool) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, results map[string]bool) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, results map[string]bool) error {
	return f(ctx, results)
}

// Unwinder drives an emergency unwind through a Router, reporting the
// outcome to an optional Notifier.
type Unwinder struct {
	router   *router.Router
	notifier Notifier
	log      *slog.Logger
}

// New builds an Unwinder. notifier may be nil, in which case Run skips
// notification entirely.
func New(r *router.Router, notifier Notifier, log *slog.Logger) *Unwinder {
	if log == nil {
		log = slog.Default()
	}
	return &Unwinder{router: r, notifier: notifier, log: log.With("component", "emergency")}
}

// Run flattens canonical's position on every venue in scope (all
// registered venues if venues is nil), then reports the result map to the
// notifier if one is configured. Returns the per-venue success map; never
// returns an error — venue and notifier failures are logged, not raised.
func (u *Unwinder) Run(ctx context.Context, canonical string, tolerance float64, venues []string) map[string]bool {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}

	results := u.router.UnwindAll(ctx, canonical, tolerance, venues)

	failed := 0
	for venue, ok := range results {
		if !ok {
			failed++
			u.log.Error("emergency unwind failed", "venue", venue, "symbol", canonical)
		} else {
			u.log.Info("emergency unwind succeeded", "venue", venue, "symbol", canonical)
		}
	}
	if failed > 0 {
		u.log.Warn("emergency unwind completed with failures", "symbol", canonical, "failed", failed, "total", len(results))
	}

	if u.notifier != nil {
		if err := u.notifier.Notify(ctx, results); err != nil {
			u.log.Debug("emergency notifier error", "error", err)
		}
	}
	return results
}
