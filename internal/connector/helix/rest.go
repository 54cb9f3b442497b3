package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"

	"github.com/nexusquant/perpx/internal/ids"
	"github.com/nexusquant/perpx/internal/ratelimit"
	"github.com/nexusquant/perpx/internal/xerrors"
)

// RESTClient wraps a resty client for a nonce-flavor venue: every mutating
// request is signed with (api_key_index, nonce) instead of a timestamp
// window, and nonce-taxonomy rejections trigger a hard refresh before the
// caller retries.
type RESTClient struct {
	http   *resty.Client
	auth   *Auth
	rl     *ratelimit.Limiter
	nonces *ids.NonceManager
}

// NewRESTClient builds the REST client.
func NewRESTClient(baseURL string, auth *Auth, rl *ratelimit.Limiter, nonces *ids.NonceManager) *RESTClient {
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

	return &RESTClient{http: http, auth: auth, rl: rl, nonces: nonces}
}

// signedRequest signs body with the current nonce and sets the standard
// (api_key_index, nonce, signature) headers.
func (c *RESTClient) signedRequest(ctx context.Context, body map[string]any) (*resty.Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("helix: encode body: %w", err)
	}
	hash := crypto.Keccak256(encoded)
	sig, apiKeyIndex, nonce, err := c.auth.SignTx(hash)
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).
		SetHeader("X-Api-Key-Index", strconv.Itoa(apiKeyIndex)).
		SetHeader("X-Nonce", strconv.FormatUint(nonce, 10)).
		SetHeader("X-Signature", sig).
		SetBody(body), nil
}

// ListMarkets fetches the venue market catalog.
func (c *RESTClient) ListMarkets(ctx context.Context) ([]MarketEntry, error) {
	if err := c.rl.Acquire(ctx, "markets", 1); err != nil {
		return nil, err
	}
	var out []MarketEntry
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/api/v1/markets")
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
		SetResult(&out).Get("/api/v1/orderBook")
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

// GetPositions fetches account positions.
func (c *RESTClient) GetPositions(ctx context.Context) ([]PositionEntry, error) {
	if err := c.rl.Acquire(ctx, "account", 1); err != nil {
		return nil, err
	}
	var out []PositionEntry
	req, err := c.signedRequest(ctx, map[string]any{"op": "get_positions"})
	if err != nil {
		return nil, err
	}
	resp, err := req.SetResult(&out).Post("/api/v1/account/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.maybeRefreshOnNonceError(ctx, resp)
		return nil, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// PositionEntry is one row of the venue's positions response.
type PositionEntry struct {
	Symbol           string  `json:"symbol"`
	Sign             float64 `json:"sign"`
	BaseQty          float64 `json:"base_qty"`
	EntryPrice       float64 `json:"entry_price"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	UnrealizedPnL    float64 `json:"unrealized_pnl,omitempty"`
}

// GetCollateral fetches the account overview's free collateral.
func (c *RESTClient) GetCollateral(ctx context.Context) (float64, error) {
	if err := c.rl.Acquire(ctx, "account", 1); err != nil {
		return 0, err
	}
	var out struct {
		Collateral float64 `json:"collateral"`
	}
	req, err := c.signedRequest(ctx, map[string]any{"op": "get_account_overview"})
	if err != nil {
		return 0, err
	}
	resp, err := req.SetResult(&out).Post("/api/v1/account/overview")
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
	req, err := c.signedRequest(ctx, map[string]any{"op": "get_open_orders", "symbol": symbol})
	if err != nil {
		return nil, err
	}
	resp, err := req.SetResult(&out).Post("/api/v1/orders/open")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// SubmitOrderRequest is the wire shape for order submission.
type SubmitOrderRequest struct {
	Symbol     string
	ClientID   int64
	SizeI      int64
	PriceI     int64
	IsAsk      bool
	PostOnly   bool
	ReduceOnly bool
	OrderType  string
}

// PlaceOrder submits a limit or market order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req SubmitOrderRequest) (map[string]any, error) {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
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

	signedReq, err := c.signedRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	resp, err := signedReq.SetResult(&out).Post("/api/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		c.maybeRefreshOnNonceError(ctx, resp)
		return out, xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return out, nil
}

// CancelOrder cancels by venue-assigned exchange order id.
func (c *RESTClient) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return err
	}
	req, err := c.signedRequest(ctx, map[string]any{"op": "cancel_order", "order_id": exchangeOrderID, "symbol": symbol})
	if err != nil {
		return err
	}
	resp, err := req.Delete("/api/v1/orders")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return xerrors.ErrOrderNotFound
	}
	if resp.StatusCode() >= 300 {
		c.maybeRefreshOnNonceError(ctx, resp)
		return xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelByClientID cancels by client-assigned order id.
func (c *RESTClient) CancelByClientID(ctx context.Context, symbol string, clientID int64) error {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return err
	}
	req, err := c.signedRequest(ctx, map[string]any{"op": "cancel_by_client_id", "symbol": symbol, "client_id": clientID})
	if err != nil {
		return err
	}
	resp, err := req.Delete("/api/v1/orders/by-client-id")
	if err != nil {
		return fmt.Errorf("cancel by client id: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return xerrors.ErrOrderNotFound
	}
	if resp.StatusCode() >= 300 {
		c.maybeRefreshOnNonceError(ctx, resp)
		return xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll issues a venue-level cancel-all.
func (c *RESTClient) CancelAll(ctx context.Context, symbol string) error {
	if err := c.rl.Acquire(ctx, "orders", 1); err != nil {
		return err
	}
	req, err := c.signedRequest(ctx, map[string]any{"op": "cancel_all", "symbol": symbol})
	if err != nil {
		return err
	}
	resp, err := req.Delete("/api/v1/orders/all")
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() >= 300 {
		c.maybeRefreshOnNonceError(ctx, resp)
		return xerrors.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// maybeRefreshOnNonceError hard-refreshes the nonce when the response body
// matches the nonce error taxonomy, so the caller's next attempt uses a
// fresh value.
func (c *RESTClient) maybeRefreshOnNonceError(ctx context.Context, resp *resty.Response) {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return
	}
	if ids.IsNonceError(body.Message, map[string]string{"code": body.Code, "message": body.Message}) {
		c.nonces.Refresh(ctx, c.auth, c.auth.apiKeyIndex)
	}
}
