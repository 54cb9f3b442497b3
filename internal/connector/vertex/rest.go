package vertex

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nexusquant/perpx/internal/ratelimit"
	"github.com/nexusquant/perpx/internal/xerrors"
)

// RESTClient wraps a resty client pointed at one Vertex-flavor venue,
// enforcing rate limits and signing every authenticated request.
type RESTClient struct {
	http *resty.Client
	auth *Auth
	rl   *ratelimit.Limiter
}

// NewRESTClient builds a REST client with retry on 5xx, matching the
// teacher's CLOB client conventions.
func NewRESTClient(baseURL string, auth *Auth, rl *ratelimit.Limiter) *RESTClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{http: http, auth: auth, rl: rl}
}

func (c *RESTClient) authedRequest(ctx context.Context, op string, params map[string]string) *resty.Request {
	headers := c.auth.Headers(op, params)
	return c.http.R().SetContext(ctx).SetHeaders(headers)
}

// ListMarkets fetches the full market catalog.
func (c *RESTClient) ListMarkets(ctx context.Context) ([]MarketEntry, error) {
	if err := c.rl.Acquire(ctx, "markets", 1); err != nil {
		return nil, err
	}
	var out []MarketEntry
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// MarketEntry is one row of the venue's market catalog response.
type MarketEntry struct {
	Symbol        string  `json:"symbol"`
	PriceDecimals int     `json:"price_decimals"`
	SizeDecimals  int     `json:"size_decimals"`
	TickSize      float64 `json:"tick_size"`
	StepSize      float64 `json:"step_size"`
	MinQty        float64 `json:"min_qty"`
}

// GetOrderBook fetches a depth snapshot.
func (c *RESTClient) GetOrderBook(ctx context.Context, symbol string, depth int) (BookSnapshot, error) {
	if err := c.rl.Acquire(ctx, "book", 1); err != nil {
		return BookSnapshot{}, err
	}
	var out BookSnapshot
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("depth", strconv.Itoa(depth)).
		SetResult(&out).Get("/depth")
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("get order book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return BookSnapshot{}, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// BookSnapshot is a REST depth response.
type BookSnapshot struct {
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
	LastUpdateID int64       `json:"last_update_id"`
}

// GetPositions fetches the account's positions across all symbols.
func (c *RESTClient) GetPositions(ctx context.Context) ([]PositionEntry, error) {
	if err := c.rl.Acquire(ctx, "account", 1); err != nil {
		return nil, err
	}
	var out []PositionEntry
	resp, err := c.authedRequest(ctx, "get_positions", nil).SetResult(&out).Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// PositionEntry is one row of the venue's positions response.
type PositionEntry struct {
	Symbol           string  `json:"symbol"`
	BaseQty          float64 `json:"base_qty"`
	EntryPrice       float64 `json:"entry_price"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	UnrealizedPnL    float64 `json:"unrealized_pnl,omitempty"`
}

// GetCollateral fetches the account's free collateral balance.
func (c *RESTClient) GetCollateral(ctx context.Context) (float64, error) {
	if err := c.rl.Acquire(ctx, "account", 1); err != nil {
		return 0, err
	}
	var out struct {
		Collateral float64 `json:"collateral"`
	}
	resp, err := c.authedRequest(ctx, "get_collateral", nil).SetResult(&out).Get("/account")
	if err != nil {
		return 0, fmt.Errorf("get collateral: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out.Collateral, nil
}

// GetOpenOrders fetches open orders, optionally filtered to one symbol.
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]map[string]any, error) {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return nil, err
	}
	var out []map[string]any
	req := c.authedRequest(ctx, "get_open_orders", map[string]string{"symbol": symbol})
	if symbol != "" {
		req = req.SetQueryParam("symbol", symbol)
	}
	resp, err := req.SetResult(&out).Get("/orders/open")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// SubmitOrderRequest is the wire shape for both place_limit and
// place_market submissions.
type SubmitOrderRequest struct {
	Symbol     string
	ClientID   int64
	SizeI      int64
	PriceI     int64 // 0 for market orders
	IsAsk      bool
	PostOnly   bool
	ReduceOnly bool
	OrderType  string // "limit" or "market"
}

// PlaceOrder submits a limit or market order and returns the raw response
// body for the caller to interpret per the submit-response rules.
func (c *RESTClient) PlaceOrder(ctx context.Context, req SubmitOrderRequest) (map[string]any, error) {
	class := "orders"
	if err := c.rl.Acquire(ctx, class, 1); err != nil {
		return nil, err
	}

	body := map[string]any{
		"symbol":      req.Symbol,
		"client_id":   req.ClientID,
		"size_i":      req.SizeI,
		"is_ask":      req.IsAsk,
		"post_only":   req.PostOnly,
		"reduce_only": req.ReduceOnly,
		"order_type":  req.OrderType,
	}
	if req.OrderType == "limit" {
		body["price_i"] = req.PriceI
	}

	params := map[string]string{"symbol": req.Symbol, "client_id": strconv.FormatInt(req.ClientID, 10)}
	var out map[string]any
	resp, err := c.authedRequest(ctx, "place_order", params).SetBody(body).SetResult(&out).Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return out, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// CancelOrder cancels by venue-assigned exchange order id.
func (c *RESTClient) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return err
	}
	params := map[string]string{"order_id": exchangeOrderID}
	resp, err := c.authedRequest(ctx, "cancel_order", params).
		SetBody(map[string]any{"order_id": exchangeOrderID, "symbol": symbol}).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return xerrors.ErrOrderNotFound
	}
	if resp.StatusCode() >= 300 {
		return xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelByClientID cancels by the client-assigned order id.
func (c *RESTClient) CancelByClientID(ctx context.Context, symbol string, clientID int64) error {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return err
	}
	params := map[string]string{"symbol": symbol, "client_id": strconv.FormatInt(clientID, 10)}
	resp, err := c.authedRequest(ctx, "cancel_by_client_id", params).
		SetBody(map[string]any{"symbol": symbol, "client_id": clientID}).
		Delete("/orders/by-client-id")
	if err != nil {
		return fmt.Errorf("cancel by client id: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return xerrors.ErrOrderNotFound
	}
	if resp.StatusCode() >= 300 {
		return xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll issues a venue-level cancel-all, optionally scoped to symbol.
func (c *RESTClient) CancelAll(ctx context.Context, symbol string) error {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return err
	}
	params := map[string]string{"symbol": symbol}
	resp, err := c.authedRequest(ctx, "cancel_all", params).
		SetBody(map[string]any{"symbol": symbol}).
		Delete("/orders/all")
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// PingLatency measures a best-effort round trip to the venue. Not part of
// the core trading surface; nothing in this repository calls it.
func (c *RESTClient) PingLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return time.Since(start), nil
}
