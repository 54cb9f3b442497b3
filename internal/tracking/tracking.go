// Package tracking implements the tracking-limit execution algorithm: it
// repeatedly re-posts a post-only limit order pegged to the current top of
// book until the target size fills, the book moves out from under it, or
// the overall deadline expires.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/internal/xerrors"
	"github.com/nexusquant/perpx/pkg/types"
)

const defaultPriceOffsetFallback = 25000

// Request parameterizes one tracking-limit run.
type Request struct {
	Symbol           string
	BaseAmountI      int64
	IsAsk            bool
	IntervalSecs     float64
	TimeoutSecs      float64
	PriceOffsetTicks int64
	CancelWaitSecs   float64
	PostOnly         bool
	ReduceOnly       bool
	MaxAttempts      int // 0 means unbounded
}

// Engine runs tracking-limit orders against one connector, allocating
// client-order-ids from the shared per-venue allocator rather than a
// tracking-limit-local sequence.
type Engine struct {
	conn connector.Connector
	coi  *ids.COIAllocator
	log  *slog.Logger
}

// New builds an Engine for conn, allocating COIs from coi.
func New(conn connector.Connector, coi *ids.COIAllocator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{conn: conn, coi: coi, log: log}
}

// Run executes the 9-step tracking-limit loop until the order fills, fails
// terminally, or the deadline expires.
func (e *Engine) Run(ctx context.Context, req Request) (*ordertracker.Order, error) {
	if req.BaseAmountI <= 0 {
		return nil, fmt.Errorf("tracking: base_amount_i must be positive")
	}

	start := time.Now()
	attempts := 0
	var last *ordertracker.Order

	for {
		elapsed := time.Since(start).Seconds()
		if elapsed >= req.TimeoutSecs {
			return last, xerrors.ErrTrackingLimitTimeout
		}

		tob, err := e.conn.GetTopOfBook(ctx, req.Symbol)
		if err != nil || (!tob.HasBid && !tob.HasAsk) {
			return last, fmt.Errorf("tracking: no top of book for %s: %w", req.Symbol, xerrors.ErrNoBook)
		}

		priceI := selectPrice(tob, req.PriceOffsetTicks, req.IsAsk)
		clientID := e.coi.Next(e.conn.Name())

		e.log.Info("tracking_limit attempt",
			"symbol", req.Symbol, "attempt", attempts+1, "is_ask", req.IsAsk,
			"price_i", priceI, "size_i", req.BaseAmountI, "client_id", clientID)

		_, submitErr := e.conn.PlaceLimit(ctx, connector.LimitOrderRequest{
			Symbol:        req.Symbol,
			ClientOrderID: clientID,
			PriceI:        priceI,
			SizeI:         req.BaseAmountI,
			IsAsk:         req.IsAsk,
			PostOnly:      req.PostOnly,
			ReduceOnly:    req.ReduceOnly,
		})
		if submitErr != nil {
			e.log.Warn("tracking_limit submit failed", "symbol", req.Symbol, "error", submitErr)
		}

		tracked, found := e.conn.LookupTracked(clientID)
		if !found {
			return last, fmt.Errorf("tracking: order %d not tracked after submit", clientID)
		}
		last = tracked

		remaining := req.TimeoutSecs - time.Since(start).Seconds()
		waitSecs := req.IntervalSecs
		if remaining < waitSecs {
			waitSecs = remaining
		}
		if waitSecs > 0 {
			_, _ = tracked.WaitFinal(ctx, time.Duration(waitSecs*float64(time.Second)))
		}

		switch tracked.State() {
		case types.StateFilled:
			return tracked, nil
		case types.StateFailed:
			return tracked, nil
		case types.StateCancelled:
			attempts++
			if req.MaxAttempts > 0 && attempts >= req.MaxAttempts {
				return tracked, nil
			}
			continue
		}

		cancelCtx, cancel := context.WithTimeout(ctx, time.Duration(req.CancelWaitSecs*float64(time.Second)))
		_ = e.conn.CancelByClientID(cancelCtx, req.Symbol, clientID)
		cancel()

		attempts++
		if req.MaxAttempts > 0 && attempts >= req.MaxAttempts {
			return tracked, nil
		}
	}
}

// selectPrice implements the spec's price selection rule: peg to the
// passive side of top of book offset by price_offset_ticks, clamped so the
// order never crosses the opposite side. When only one side is known, its
// price is the base for either direction; when neither is known, the price
// is the fixed fallback max(25000*scale, 1).
func selectPrice(tob types.TopOfBook, offsetTicks int64, isAsk bool) int64 {
	offset := offsetTicks
	if offset < 0 {
		offset = 0
	}
	fallback := int64(defaultPriceOffsetFallback) * tob.Scale
	if fallback < 1 {
		fallback = 1
	}

	if isAsk {
		base, ok := askBase(tob)
		if !ok {
			return fallback
		}
		price := base + offset
		if tob.HasBid && price <= tob.BidI {
			price = tob.BidI + 1
		}
		if price < 1 {
			price = 1
		}
		return price
	}

	base, ok := bidBase(tob)
	if !ok {
		return fallback
	}
	price := base - offset
	if price < 1 {
		price = 1
	}
	if tob.HasAsk {
		ceiling := tob.AskI - 1
		if ceiling < 1 {
			ceiling = 1
		}
		if price > ceiling {
			price = ceiling
		}
	}
	return price
}

func askBase(tob types.TopOfBook) (int64, bool) {
	if tob.HasAsk {
		return tob.AskI, true
	}
	if tob.HasBid {
		return tob.BidI, true
	}
	return 0, false
}

func bidBase(tob types.TopOfBook) (int64, bool) {
	if tob.HasBid {
		return tob.BidI, true
	}
	if tob.HasAsk {
		return tob.AskI, true
	}
	return 0, false
}
