// Package diagnostic implements the connector smoke-test harness: drive a
// handful of round-trip order tasks (limit-once, tracking-limit, market)
// against a router.Router, sample the book throughout, and emit a single
// JSON report file summarizing success/failure, order timelines, and race
// conditions observed.
package diagnostic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/internal/router"
	"github.com/nexusquant/perpx/internal/tracking"
	"github.com/nexusquant/perpx/pkg/types"
)

// Mode selects which round-trip a Task exercises.
type Mode string

const (
	ModeLimitOnce     Mode = "limit_once"
	ModeTrackingLimit Mode = "tracking_limit"
	ModeMarket        Mode = "market"
)

// Task configures one diagnostic round trip.
type Task struct {
	Venue                string
	Symbol               string
	Mode                 Mode
	IsAsk                bool
	MinMultiplier        float64
	PriceOffsetTicks     int64
	TrackingIntervalSecs float64
	TrackingTimeoutSecs  float64
	CancelWaitSecs       float64
}

// OrderSummary is one order's contribution to a TaskReport.
type OrderSummary struct {
	ID              string   `json:"id"`
	State           string   `json:"state"`
	Side            string   `json:"side"`
	TimelineSummary string   `json:"timeline_summary"`
	RaceConditions  []string `json:"race_conditions"`
}

// PriceStats summarizes the spread samples collected during a task.
type PriceStats struct {
	AvgSpreadBps float64 `json:"avg_spread_bps"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
}

// TaskReport is one task's outcome.
type TaskReport struct {
	Venue        string         `json:"venue"`
	Symbol       string         `json:"symbol"`
	Mode         string         `json:"mode"`
	Side         string         `json:"side"`
	Success      bool           `json:"success"`
	Attempts     int            `json:"attempts"`
	DurationSecs float64        `json:"duration_secs"`
	Events       []string       `json:"events"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
	Orders       []OrderSummary `json:"orders"`
	PriceStats   *PriceStats    `json:"price_stats,omitempty"`
}

// Report is the top-level JSON document written to disk.
type Report struct {
	TestRunTime    float64      `json:"test_run_time"`
	TotalTasks     int          `json:"total_tasks"`
	SuccessfulTasks int         `json:"successful_tasks"`
	FailedTasks    int          `json:"failed_tasks"`
	Reports        []TaskReport `json:"reports"`
}

// Harness runs a batch of Tasks against a Router and accumulates a Report.
type Harness struct {
	router *router.Router
	log    *slog.Logger
}

// NewHarness builds a Harness driving r.
func NewHarness(r *router.Router, log *slog.Logger) *Harness {
	if log == nil {
		log = slog.Default()
	}
	return &Harness{router: r, log: log.With("component", "diagnostic")}
}

// Run executes every task in sequence (a later task does not start until
// the earlier one's emergency cleanup finishes), pausing pauseBetween
// between tasks, and returns the aggregate Report.
func (h *Harness) Run(ctx context.Context, tasks []Task, pauseBetween time.Duration) Report {
	report := Report{TotalTasks: len(tasks)}

	for idx, task := range tasks {
		canonical := fmt.Sprintf("DIAG:%d", idx)
		h.router.RegisterSymbol(canonical, map[string]string{task.Venue: task.Symbol})

		tr := h.runTask(ctx, canonical, task)
		report.Reports = append(report.Reports, tr)
		if tr.Success {
			report.SuccessfulTasks++
		} else {
			report.FailedTasks++
		}

		h.cleanup(ctx, canonical, task.Venue)

		if idx < len(tasks)-1 && pauseBetween > 0 {
			select {
			case <-ctx.Done():
				return report
			case <-time.After(pauseBetween):
			}
		}
	}
	return report
}

func (h *Harness) cleanup(ctx context.Context, canonical, venue string) {
	results := h.router.UnwindAll(ctx, canonical, 1e-8, []string{venue})
	for v, ok := range results {
		if !ok {
			h.log.Error("diagnostic cleanup failed", "venue", v, "symbol", canonical)
		}
	}
}

func (h *Harness) runTask(ctx context.Context, canonical string, task Task) TaskReport {
	start := time.Now()
	tr := TaskReport{
		Venue: task.Venue, Symbol: task.Symbol, Mode: string(task.Mode), Side: sideLabel(task.IsAsk),
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	samples := h.monitorPrices(monitorCtx, task.Venue, canonical, &tr)
	defer func() {
		cancelMonitor()
		<-samples
		tr.DurationSecs = time.Since(start).Seconds()
	}()

	sizeI, err := h.determineSizeI(ctx, canonical, task)
	if err != nil || sizeI <= 0 {
		tr.Errors = append(tr.Errors, fmt.Sprintf("unable to compute size for %s:%s", task.Venue, task.Symbol))
		return tr
	}
	tr.Events = append(tr.Events, fmt.Sprintf("calculated size_i=%d", sizeI))

	switch task.Mode {
	case ModeLimitOnce:
		tr.Success = h.runLimitOnce(ctx, canonical, task, sizeI, &tr)
	case ModeTrackingLimit:
		tr.Success = h.runTrackingLimit(ctx, canonical, task, sizeI, &tr)
	case ModeMarket:
		tr.Success = h.runMarketRoundtrip(ctx, canonical, task, sizeI, &tr)
	default:
		tr.Errors = append(tr.Errors, fmt.Sprintf("unknown mode: %s", task.Mode))
	}
	return tr
}

func (h *Harness) determineSizeI(ctx context.Context, canonical string, task Task) (int64, error) {
	minSize, err := h.router.MinSizeI(ctx, task.Venue, canonical)
	if err != nil {
		return 0, err
	}
	mult := task.MinMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	size := int64(math.Round(float64(minSize) * mult))
	if size < minSize {
		size = minSize
	}
	return size, nil
}

func (h *Harness) runLimitOnce(ctx context.Context, canonical string, task Task, sizeI int64, tr *TaskReport) bool {
	tr.Attempts++
	tr.Events = append(tr.Events, fmt.Sprintf("placing limit order: size_i=%d, is_ask=%v", sizeI, task.IsAsk))

	order, err := h.router.LimitOrder(ctx, task.Venue, canonical, tracking.Request{
		BaseAmountI:      sizeI,
		IntervalSecs:     task.TrackingIntervalSecs,
		TimeoutSecs:      30.0,
		PriceOffsetTicks: task.PriceOffsetTicks,
		CancelWaitSecs:   task.CancelWaitSecs,
		MaxAttempts:      1,
	}, task.IsAsk)
	if err != nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("limit order error: %v", err))
		return false
	}
	appendOrder(tr, order)
	tr.Events = append(tr.Events, fmt.Sprintf("limit order final state: %s", order.State()))
	return order.State() == types.StateFilled
}

func (h *Harness) runTrackingLimit(ctx context.Context, canonical string, task Task, sizeI int64, tr *TaskReport) bool {
	tr.Attempts++
	tr.Events = append(tr.Events, fmt.Sprintf("placing tracking limit entry: size_i=%d, is_ask=%v", sizeI, task.IsAsk))

	entry, err := h.router.LimitOrder(ctx, task.Venue, canonical, tracking.Request{
		BaseAmountI:      sizeI,
		IntervalSecs:     task.TrackingIntervalSecs,
		TimeoutSecs:      task.TrackingTimeoutSecs,
		PriceOffsetTicks: task.PriceOffsetTicks,
		CancelWaitSecs:   task.CancelWaitSecs,
	}, task.IsAsk)
	if err != nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("tracking limit error: %v", err))
		return false
	}
	appendOrder(tr, entry)
	if entry.State() != types.StateFilled {
		tr.Errors = append(tr.Errors, fmt.Sprintf("entry not filled: %s", entry.State()))
		return false
	}

	filledI := entry.FilledBaseI()
	if filledI <= 0 {
		filledI = sizeI
	}
	tr.Events = append(tr.Events, fmt.Sprintf("placing market exit: size_i=%d, is_ask=%v", filledI, !task.IsAsk))

	exit, err := h.router.MarketOrder(ctx, task.Venue, canonical, filledI, !task.IsAsk, router.MarketOrderParams{
		ReduceOnly: true, WaitTimeout: 30 * time.Second,
	})
	if err != nil || exit == nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("exit order failed to create: %v", err))
		return false
	}
	appendOrder(tr, exit)
	if exit.State() != types.StateFilled {
		tr.Errors = append(tr.Errors, fmt.Sprintf("exit failed: %s", exit.State()))
		return false
	}
	return true
}

func (h *Harness) runMarketRoundtrip(ctx context.Context, canonical string, task Task, sizeI int64, tr *TaskReport) bool {
	tr.Attempts++
	tr.Events = append(tr.Events, fmt.Sprintf("placing market entry: size_i=%d, is_ask=%v", sizeI, task.IsAsk))

	entry, err := h.router.MarketOrder(ctx, task.Venue, canonical, sizeI, task.IsAsk, router.MarketOrderParams{
		WaitTimeout: 30 * time.Second,
	})
	if err != nil || entry == nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("entry order failed to create: %v", err))
		return false
	}
	appendOrder(tr, entry)
	if entry.State() != types.StateFilled {
		tr.Errors = append(tr.Errors, fmt.Sprintf("market entry failed: %s", entry.State()))
		return false
	}

	tr.Events = append(tr.Events, fmt.Sprintf("placing market exit: size_i=%d, is_ask=%v", sizeI, !task.IsAsk))
	exit, err := h.router.MarketOrder(ctx, task.Venue, canonical, sizeI, !task.IsAsk, router.MarketOrderParams{
		ReduceOnly: true, WaitTimeout: 30 * time.Second,
	})
	if err != nil || exit == nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("exit order failed to create: %v", err))
		return false
	}
	appendOrder(tr, exit)
	if exit.State() != types.StateFilled {
		tr.Errors = append(tr.Errors, fmt.Sprintf("market exit failed: %s", exit.State()))
		return false
	}
	return true
}

func appendOrder(tr *TaskReport, order *ordertracker.Order) {
	tr.Orders = append(tr.Orders, OrderSummary{
		ID:              order.ID,
		State:           string(order.State()),
		Side:            string(order.Side),
		TimelineSummary: order.TimelineSummary(),
		RaceConditions:  order.RaceConditions(),
	})
}

// monitorPrices samples the book once a second until ctx is cancelled,
// recording up to the last 100 spread observations into tr, returning a
// channel closed once sampling stops.
func (h *Harness) monitorPrices(ctx context.Context, venue, canonical string, tr *TaskReport) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var mu sync.Mutex
		var spreads []float64
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		loggedErr := false
		for {
			select {
			case <-ctx.Done():
				finalizePriceStats(tr, spreads)
				return
			case <-ticker.C:
				tob, err := h.router.TopOfBook(ctx, venue, canonical)
				if err != nil {
					mu.Lock()
					if !loggedErr {
						tr.Warnings = append(tr.Warnings, fmt.Sprintf("price monitoring error: %v", err))
						loggedErr = true
					}
					mu.Unlock()
					continue
				}
				if tob.HasBid && tob.HasAsk && tob.BidI > 0 {
					spreadBps := float64(tob.AskI-tob.BidI) / float64(tob.BidI) * 10000
					spreads = append(spreads, spreadBps)
					if len(spreads) > 100 {
						spreads = spreads[len(spreads)-100:]
					}
				}
			}
		}
	}()
	return done
}

func finalizePriceStats(tr *TaskReport, spreads []float64) {
	if len(spreads) == 0 {
		return
	}
	min, max, sum := spreads[0], spreads[0], 0.0
	for _, s := range spreads {
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	tr.PriceStats = &PriceStats{AvgSpreadBps: sum / float64(len(spreads)), Min: min, Max: max}
}

func sideLabel(isAsk bool) string {
	if isAsk {
		return "sell"
	}
	return "buy"
}

// WriteReport marshals report as indented JSON to path.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
