package risk

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusquant/perpx/internal/connector"
	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/ordertracker"
	"github.com/nexusquant/perpx/internal/position"
	"github.com/nexusquant/perpx/internal/symbol"
	"github.com/nexusquant/perpx/pkg/types"
)

type fakeConnector struct {
	mu         sync.Mutex
	name       string
	positions  []types.Position
	collateral float64
	meta       types.MarketMetadata
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
	return connector.MarketInfo{Meta: f.meta}, nil
}

func (f *fakeConnector) GetTopOfBook(ctx context.Context, symbol string) (types.TopOfBook, error) {
	return types.TopOfBook{}, nil
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
	return connector.SubmitResult{}, nil
}

func (f *fakeConnector) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error { return nil }
func (f *fakeConnector) CancelByClientID(ctx context.Context, symbol string, clientID int64) error {
	return nil
}
func (f *fakeConnector) CancelAll(ctx context.Context, symbol string) error { return nil }

func (f *fakeConnector) LookupTracked(clientOrderID int64) (*ordertracker.Order, bool) {
	return nil, false
}

var _ connector.Connector = (*fakeConnector)(nil)

func newManager(t *testing.T) (*Manager, *fakeConnector) {
	t.Helper()
	mapper := symbol.NewMapper()
	mapper.Register("BTC-PERP", map[string]string{"vertex": "BTC-PERP", "helix": "BTC-PERP"})
	pos := position.New(mapper, ids.NewCOIAllocator(), slog.Default())
	conn := &fakeConnector{
		name: "vertex",
		meta: types.MarketMetadata{PriceDecimals: 2, SizeDecimals: 4, MinQty: 0.001},
	}
	mgr := NewManager(DefaultConfig(), pos, slog.Default())
	mgr.RegisterConnector("vertex", conn)
	return mgr, conn
}

// registerHelix adds a second venue holding baseQty on the same symbol, so
// venue-concentration math reflects a realistic multi-venue book rather
// than the trivial 100% concentration a single registered venue always
// produces.
func registerHelix(mgr *Manager, baseQty float64) {
	helix := &fakeConnector{
		name: "helix",
		meta: types.MarketMetadata{PriceDecimals: 2, SizeDecimals: 4, MinQty: 0.001},
		positions: []types.Position{{Symbol: "BTC-PERP", BaseQty: baseQty}},
	}
	mgr.RegisterConnector("helix", helix)
}

func TestCheckPreOrderPassesUnderLimits(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 1000
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 0}}
	registerHelix(mgr, 7) // most of the existing net position sits on helix

	err := mgr.CheckPreOrder(context.Background(), "vertex", "BTC-PERP", 1000, false)
	require.NoError(t, err)
}

func TestCheckPreOrderFailsMinSize(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 1000

	err := mgr.CheckPreOrder(context.Background(), "vertex", "BTC-PERP", 1, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "min_size")
}

func TestCheckPreOrderFailsCollateralOnBuy(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 10 // order_size = 100000/10000 = 10 exceeds 10*(1-0.1) = 9

	err := mgr.CheckPreOrder(context.Background(), "vertex", "BTC-PERP", 100000, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "collateral")
}

func TestCheckPreOrderSkipsCollateralOnSell(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 1000 // position_limit still reads collateral regardless of side
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 50}}
	registerHelix(mgr, 70)

	err := mgr.CheckPreOrder(context.Background(), "vertex", "BTC-PERP", 100, true)
	require.NoError(t, err)
}

func TestCheckPreOrderFailsPositionLimit(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 10 // max_position = 10*0.8 = 8
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 0}}

	// order_size = 90000/10000 = 9, exceeds limit of 8
	err := mgr.CheckPreOrder(context.Background(), "vertex", "BTC-PERP", 90000, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "position_limit")
}

func TestCheckPreOrderFailsConcentration(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 1_000_000
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 1}}
	registerHelix(mgr, 1) // net = 2, vertex share = 50% before the order

	// selling 1.5 flips vertex's position to -0.5 while net drops to 0.5,
	// so |venue| / |net| = 1.0, exceeding the default 60% concentration cap.
	err := mgr.CheckPreOrder(context.Background(), "vertex", "BTC-PERP", 15000, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "concentration")
}

func TestMaxOrderSizeSellLimitedByPosition(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 1000
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 2}}

	size := mgr.MaxOrderSize(context.Background(), "vertex", "BTC-PERP", true)
	require.Equal(t, int64(2*10000), size)
}

func TestMaxOrderSizeBuyLimitedByCollateral(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 100 // max_position_value = 80
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 0}}

	size := mgr.MaxOrderSize(context.Background(), "vertex", "BTC-PERP", false)
	require.Equal(t, int64(80*10000), size)
}

func TestCheckPostOrderReportsWarnings(t *testing.T) {
	mgr, conn := newManager(t)
	conn.collateral = 10
	conn.positions = []types.Position{{Symbol: "BTC-PERP", BaseQty: 9}}

	metrics := mgr.CheckPostOrder(context.Background(), "vertex", "BTC-PERP", 10000, false)
	require.NotEmpty(t, metrics.Warnings)
}
