package router

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/internal/position"
	"github.com/nexusquant/perpx/internal/risk"
	"github.com/nexusquant/perpx/internal/symbol"
	"github.com/nexusquant/perpx/internal/tracking"
	"github.com/nexusquant/perpx/pkg/types"
)

type fakeConnector struct {
	mu         sync.Mutex
	name       string
	positions  []types.Position
	collateral float64
	tob        types.TopOfBook
	meta       connector.MarketInfo
	orders     map[int64]*ordertracker.Order
	failSubmit bool
	fillAfter  int // fill starting from this attempt count (1-based), 0 means always
	submits    int
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Start(ctx context.Context) error                         { return nil }
func (f *fakeConnector) StartWSState(ctx context.Context, symbols []string) error { return nil }
func (f *fakeConnector) StopWSState() error                                      { return nil }
func (f *fakeConnector) Close() error                                            { return nil }
func (f *fakeConnector) EnsureMarkets(ctx context.Context, force bool) error      { return nil }
func (f *fakeConnector) RegisterListener(l connector.Listener)                    {}
func (f *fakeConnector) RemoveListener(l connector.Listener)                      {}
func (f *fakeConnector) ListSymbols(ctx context.Context) ([]string, error)        { return nil, nil }

func (f *fakeConnector) GetMarketInfo(ctx context.Context, symbol string) (connector.MarketInfo, error) {
	return f.meta, nil
}

func (f *fakeConnector) GetTopOfBook(ctx context.Context, symbol string) (types.TopOfBook, error) {
	return f.tob, nil
}

func (f *fakeConnector) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeConnector) GetPositions(ctx context.Context) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeConnector) GetOpenOrders(ctx context.Context, symbol string) ([]connector.OrderSnapshot, error) {
	return nil, nil
}

func (f *fakeConnector) GetCollateral(ctx context.Context) (float64, error) { return f.collateral, nil }

func (f *fakeConnector) PlaceLimit(ctx context.Context, req connector.LimitOrderRequest) (connector.SubmitResult, error) {
	return connector.SubmitResult{}, nil
}

func (f *fakeConnector) PlaceMarket(ctx context.Context, req connector.MarketOrderRequest) (connector.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.orders == nil {
		f.orders = make(map[int64]*ordertracker.Order)
	}
	order := ordertracker.New(f.name, req.ClientOrderID, slog.Default())
	order.SetMeta(req.Symbol, types.SideFromIsAsk(req.IsAsk), 0, req.SizeI)
	f.orders[req.ClientOrderID] = order

	if f.failSubmit {
		return connector.SubmitResult{}, nil
	}
	if f.fillAfter == 0 || f.submits >= f.fillAfter {
		order.ApplyUpdate(ordertracker.Event{State: types.StateFilled, Source: "test"})
		delta := float64(req.SizeI)
		if req.IsAsk {
			delta = -delta
		}
		f.applyFillLocked(req.Symbol, delta)
	} else {
		order.ApplyUpdate(ordertracker.Event{State: types.StateCancelled, Source: "test"})
	}
	return connector.SubmitResult{}, nil
}

func (f *fakeConnector) applyFillLocked(symbol string, deltaScaled float64) {
	for i := range f.positions {
		if f.positions[i].Symbol == symbol {
			f.positions[i].BaseQty += deltaScaled / float64(f.meta.Meta.SizeScale())
			return
		}
	}
	f.positions = append(f.positions, types.Position{Symbol: symbol, BaseQty: deltaScaled / float64(f.meta.Meta.SizeScale())})
}

func (f *fakeConnector) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error { return nil }
func (f *fakeConnector) CancelByClientID(ctx context.Context, symbol string, clientID int64) error {
	return nil
}
func (f *fakeConnector) CancelAll(ctx context.Context, symbol string) error { return nil }

func (f *fakeConnector) LookupTracked(clientOrderID int64) (*ordertracker.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[clientOrderID]
	return o, ok
}

var _ connector.Connector = (*fakeConnector)(nil)

func newRouter(t *testing.T) (*Router, *fakeConnector) {
	t.Helper()
	mapper := symbol.NewMapper()
	mapper.Register("BTC-PERP", map[string]string{"vertex": "BTC-PERP"})
	coi := ids.NewCOIAllocator()
	pos := position.New(mapper, coi, slog.Default())
	riskM := risk.NewManager(risk.DefaultConfig(), pos, slog.Default())
	r := New(mapper, coi, pos, riskM, slog.Default())

	conn := &fakeConnector{
		name:       "vertex",
		collateral: 100000,
		meta:       connector.MarketInfo{Meta: types.MarketMetadata{PriceDecimals: 2, SizeDecimals: 4, MinQty: 0.001}},
	}
	r.RegisterConnector("vertex", conn, 0, nil)
	return r, conn
}

// registerHelix adds a second venue holding baseQty on the same symbol, so
// venue-concentration math reflects a multi-venue book rather than the
// 100% concentration a single registered venue always produces.
func registerHelix(r *Router, baseQty float64) {
	helix := &fakeConnector{
		name:       "helix",
		collateral: 100000,
		meta:       connector.MarketInfo{Meta: types.MarketMetadata{PriceDecimals: 2, SizeDecimals: 4, MinQty: 0.001}},
		positions:  []types.Position{{Symbol: "BTC-PERP", BaseQty: baseQty}},
	}
	r.RegisterConnector("helix", helix, 0, nil)
}

func TestMarketOrderFillsOnFirstAttempt(t *testing.T) {
	r, conn := newRouter(t)
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 0}}
	registerHelix(r, 5)

	tracked, err := r.MarketOrder(context.Background(), "vertex", "BTC-PERP", 1000, false, MarketOrderParams{WaitTimeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, tracked)
	require.Equal(t, types.StateFilled, tracked.State())
}

func TestMarketOrderRejectedByRisk(t *testing.T) {
	r, conn := newRouter(t)
	conn.collateral = 1 // tiny collateral makes any non-trivial buy fail the collateral check

	_, err := r.MarketOrder(context.Background(), "vertex", "BTC-PERP", 100000, false, MarketOrderParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "collateral")
}

func TestMarketOrderRetriesUntilFilled(t *testing.T) {
	r, conn := newRouter(t)
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 0}}
	conn.fillAfter = 3
	registerHelix(r, 5)

	tracked, err := r.MarketOrder(context.Background(), "vertex", "BTC-PERP", 1000, false, MarketOrderParams{
		Attempts: 3, WaitTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, tracked)
	require.Equal(t, types.StateFilled, tracked.State())
	require.Equal(t, 3, conn.submits)
}

func TestUnwindAllAggregatesPerVenue(t *testing.T) {
	r, conn := newRouter(t)
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 2}}

	out := r.UnwindAll(context.Background(), "BTC-PERP", 0.01, nil)
	require.True(t, out["vertex"])
}

func TestReconcileAppliesEventToTrackedOrder(t *testing.T) {
	r, conn := newRouter(t)
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 0}}
	conn.fillAfter = 0
	registerHelix(r, 5)

	tracked, err := r.MarketOrder(context.Background(), "vertex", "BTC-PERP", 1000, false, MarketOrderParams{WaitTimeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, tracked)

	ok, err := r.Reconcile("vertex", map[string]any{
		"client_order_id": float64(tracked.ClientOrderID),
		"status":          "FILLED",
	}, "ws")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReconcileReturnsErrorForUnknownOrder(t *testing.T) {
	r, _ := newRouter(t)
	_, err := r.Reconcile("vertex", map[string]any{"client_order_id": float64(99999)}, "ws")
	require.Error(t, err)
}

func TestLimitOrderRejectedByRiskNeverReachesEngine(t *testing.T) {
	r, conn := newRouter(t)
	conn.collateral = 1

	_, err := r.LimitOrder(context.Background(), "vertex", "BTC-PERP", tracking.Request{
		BaseAmountI: 100000, IntervalSecs: 0.01, TimeoutSecs: 0.05, CancelWaitSecs: 0.01,
	}, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "collateral")
}
