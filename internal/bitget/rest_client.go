package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitget-ledger-sync/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pathServerTime      = "/api/v2/public/time"
	pathAccounts        = "/api/v2/mix/account/accounts"
	pathAllPositions    = "/api/v2/mix/position/all-position"
	pathHistoryPosition = "/api/v2/mix/position/history-position"
	pathOrdersHistory   = "/api/v2/mix/order/orders-history"
	pathTicker          = "/api/v2/mix/market/ticker"
	pathTickers         = "/api/v2/mix/market/tickers"
	pathClosePositions  = "/api/v2/mix/order/close-positions"
)

// Credentials are a user's decrypted API key material. They live only for the
// duration of one reconciliation pass.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Complete reports whether key and secret are both present.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Fingerprint is a short one-way digest used to notice credential changes
// without keeping the plaintext around.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.APIKey + "\x00" + c.APISecret + "\x00" + c.Passphrase))
	return hex.EncodeToString(sum[:8])
}

// RestClientInterface defines the interface for the Bitget futures REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetAccounts(ctx context.Context) ([]Account, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]HistoryPosition, error)
	GetOrderHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]Order, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	ClosePosition(ctx context.Context, symbol, holdSide string) (*ClosePositionResult, error)
}

// RestClient is a signed client for one set of credentials.
// It implements the RestClientInterface.
type RestClient struct {
	client      *resty.Client
	creds       Credentials
	productType string
	marginCoin  string
	logger      *zap.Logger
	limiter     *rate.Limiter
	maxRetries  int
	now         func() time.Time

	readTimeout    time.Duration
	historyTimeout time.Duration
	closeTimeout   time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// Factory builds per-user clients that share one HTTP transport and keep one
// rate limiter per API key, so overlapping calls for a key share its budget.
type Factory struct {
	cfg    config.Bitget
	client *resty.Client
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFactory creates a client factory for the configured Bitget endpoint.
func NewFactory(cfg *config.Bitget, logger *zap.Logger) *Factory {
	logger.Info("Using Bitget futures API", zap.String("base_url", cfg.BaseURL), zap.String("product_type", cfg.ProductType))
	return &Factory{
		cfg:      *cfg,
		client:   resty.New().SetBaseURL(cfg.BaseURL),
		logger:   logger.Named("bitget"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithClock replaces the signing clock; used by tests.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// New returns a client signing with creds.
func (f *Factory) New(creds Credentials) *RestClient {
	return &RestClient{
		client:         f.client,
		creds:          creds,
		productType:    f.cfg.ProductType,
		marginCoin:     f.cfg.MarginCoin,
		logger:         f.logger,
		limiter:        f.limiterFor(creds.APIKey),
		maxRetries:     f.cfg.MaxRetries,
		now:            f.now,
		readTimeout:    f.cfg.ReadTimeout,
		historyTimeout: f.cfg.HistoryTimeout,
		closeTimeout:   f.cfg.CloseTimeout,
	}
}

func (f *Factory) limiterFor(apiKey string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[apiKey]
	if !ok {
		// rate.Limit is requests per second.
		l = rate.NewLimiter(rate.Limit(f.cfg.RateLimit), f.cfg.RateLimitBurst)
		f.limiters[apiKey] = l
	}
	return l
}

// Sign creates the base64 HMAC-SHA256 signature over
// timestamp + METHOD + path [+ "?" + query] + body.
func Sign(secret, timestamp, method, path, query, body string) string {
	var sb strings.Builder
	sb.WriteString(timestamp)
	sb.WriteString(strings.ToUpper(method))
	sb.WriteString(path)
	if query != "" {
		sb.WriteString("?")
		sb.WriteString(query)
	}
	sb.WriteString(body)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// request describes one logical exchange call.
type request struct {
	op        string
	method    string
	path      string
	query     url.Values
	body      any
	signed    bool
	retryable bool
	timeout   time.Duration
}

// doRequest executes r, decoding the envelope's data into out. Read calls are
// retried on rate limits, 5xx and network errors; each attempt is re-signed.
func (c *RestClient) doRequest(ctx context.Context, r request, out any) error {
	var query, body string
	if len(r.query) > 0 {
		query = r.query.Encode()
	}
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("bitget: %s: encode body: %w", r.op, err)
		}
		body = string(b)
	}
	requestPath := r.path
	if query != "" {
		requestPath += "?" + query
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	attempts := 1
	if r.retryable {
		attempts += c.maxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: r.op, Err: fmt.Errorf("rate limiter wait failed: %w", err)}
		}

		req := c.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("locale", "en-US")
		if r.signed {
			ts := strconv.FormatInt(c.now().UnixMilli(), 10)
			req.SetHeader("ACCESS-KEY", c.creds.APIKey).
				SetHeader("ACCESS-SIGN", Sign(c.creds.APISecret, ts, r.method, r.path, query, body)).
				SetHeader("ACCESS-TIMESTAMP", ts)
			if c.creds.Passphrase != "" {
				req.SetHeader("ACCESS-PASSPHRASE", c.creds.Passphrase)
			}
		}
		if body != "" {
			req.SetBody(body)
		}

		c.logger.Debug("Executing request", zap.String("op", r.op), zap.String("method", r.method), zap.String("path", r.path), zap.Int("attempt", i+1))
		resp, err := req.Execute(r.method, requestPath)
		lastErr = decodeResponse(r.op, resp, err, out)
		if lastErr == nil {
			return nil
		}

		retryAfter, shouldRetry := retryDecision(lastErr, resp)
		if !shouldRetry || i == attempts-1 || ctx.Err() != nil {
			break
		}
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("op", r.op),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return &TransportError{Op: r.op, Err: ctx.Err()}
		}
	}

	return lastErr
}

func decodeResponse(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	var env envelope
	if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr != nil {
		if resp.IsError() {
			return &APIError{HTTPStatus: resp.StatusCode(), Msg: strings.TrimSpace(resp.String())}
		}
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", jsonErr)}
	}
	if resp.IsError() || env.Code != successCode {
		return &APIError{HTTPStatus: resp.StatusCode(), Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func retryDecision(err error, resp *resty.Response) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		var tErr *TransportError
		if errors.As(err, &tErr) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return 0, false
		}
		return 0, true
	}

	switch apiErr.Kind() {
	case KindRateLimit:
		var retryAfter time.Duration
		if resp != nil {
			if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return retryAfter, true
	case KindTransient:
		return 0, true
	default:
		return 0, false
	}
}

// GetServerTime fetches the exchange clock. This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	var result struct {
		ServerTime Millis `json:"serverTime"`
	}
	err := c.doRequest(ctx, request{
		op: "server time", method: http.MethodGet, path: pathServerTime,
		retryable: true, timeout: c.readTimeout,
	}, &result)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}
	return int64(result.ServerTime), nil
}

// GetAccounts fetches the futures account balances for the product type.
func (c *RestClient) GetAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := c.doRequest(ctx, request{
		op: "accounts", method: http.MethodGet, path: pathAccounts,
		query:  url.Values{"productType": {c.productType}},
		signed: true, retryable: true, timeout: c.readTimeout,
	}, &accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetAllPositions fetches every live position for the product type.
func (c *RestClient) GetAllPositions(ctx context.Context) ([]Position, error) {
	query := url.Values{"productType": {c.productType}}
	if c.marginCoin != "" {
		query.Set("marginCoin", c.marginCoin)
	}

	var positions []Position
	err := c.doRequest(ctx, request{
		op: "all positions", method: http.MethodGet, path: pathAllPositions,
		query: query, signed: true, retryable: true, timeout: c.readTimeout,
	}, &positions)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	return positions, nil
}

// GetPositionHistory fetches closed positions for symbol between start and end.
func (c *RestClient) GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]HistoryPosition, error) {
	query := url.Values{
		"productType": {c.productType},
		"limit":       {strconv.Itoa(limit)},
	}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	if !start.IsZero() {
		query.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		query.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var page historyPage
	err := c.doRequest(ctx, request{
		op: "position history", method: http.MethodGet, path: pathHistoryPosition,
		query: query, signed: true, retryable: true, timeout: c.historyTimeout,
	}, &page)
	if err != nil {
		return nil, fmt.Errorf("failed to get position history for %s: %w", symbol, err)
	}
	return page.List, nil
}

// GetOrderHistory fetches historical orders for symbol between start and end.
func (c *RestClient) GetOrderHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]Order, error) {
	query := url.Values{
		"productType": {c.productType},
		"limit":       {strconv.Itoa(limit)},
	}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	if !start.IsZero() {
		query.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		query.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var page orderPage
	err := c.doRequest(ctx, request{
		op: "order history", method: http.MethodGet, path: pathOrdersHistory,
		query: query, signed: true, retryable: true, timeout: c.historyTimeout,
	}, &page)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	return page.EntrustedList, nil
}

// GetTicker fetches the ticker for symbol. If the single-symbol endpoint fails
// it falls back to the full ticker list.
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var tickers []Ticker
	err := c.doRequest(ctx, request{
		op: "ticker", method: http.MethodGet, path: pathTicker,
		query:     url.Values{"symbol": {symbol}, "productType": {c.productType}},
		retryable: true, timeout: c.readTimeout,
	}, &tickers)
	if err == nil && len(tickers) > 0 && tickers[0].Price() > 0 {
		return &tickers[0], nil
	}
	if err != nil && IsAuth(err) {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	if err != nil {
		c.logger.Debug("Single ticker failed, falling back to ticker list", zap.String("symbol", symbol), zap.Error(err))
	}

	tickers = nil
	err = c.doRequest(ctx, request{
		op: "tickers", method: http.MethodGet, path: pathTickers,
		query:     url.Values{"productType": {c.productType}},
		retryable: true, timeout: c.readTimeout,
	}, &tickers)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	for i := range tickers {
		if tickers[i].Symbol == symbol {
			return &tickers[i], nil
		}
	}
	return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, &APIError{HTTPStatus: http.StatusOK, Code: "symbol_not_found", Msg: "symbol not listed"})
}

// ClosePosition flash-closes a position at market. It is not idempotent and is
// therefore issued exactly once; failures are returned to the caller as-is.
func (c *RestClient) ClosePosition(ctx context.Context, symbol, holdSide string) (*ClosePositionResult, error) {
	var result ClosePositionResult
	err := c.doRequest(ctx, request{
		op: "close positions", method: http.MethodPost, path: pathClosePositions,
		body:   closePositionsRequest{Symbol: symbol, ProductType: c.productType, HoldSide: holdSide},
		signed: true, retryable: false, timeout: c.closeTimeout,
	}, &result)
	if err != nil {
		c.logger.Error("Failed to close position", zap.String("symbol", symbol), zap.String("hold_side", holdSide), zap.Error(err))
		return nil, fmt.Errorf("failed to close position: %w", err)
	}

	if len(result.SuccessList) == 0 && len(result.FailureList) > 0 {
		f := result.FailureList[0]
		return &result, fmt.Errorf("failed to close position: %w", &APIError{HTTPStatus: http.StatusOK, Code: f.ErrorCode, Msg: f.ErrorMsg})
	}

	c.logger.Info("Close position accepted", zap.String("symbol", symbol), zap.String("hold_side", holdSide))
	return &result, nil
}
