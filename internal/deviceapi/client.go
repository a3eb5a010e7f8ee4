// Package deviceapi is the HTTP client for the device JSON API. It attaches
// the bearer token, bounds every call with its own timeout and tracks whether
// the selected device demands authentication.
package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/store"
)

// maxBodySize bounds how much of a device response is read.
const maxBodySize = 4 << 20

var protectedRoutePrefixes = []string{
	"/update_",
	"/add_",
	"/remove_",
	"/toggle_",
	"/save_",
	"/sync_",
	"/restart",
	"/get_settings",
	"/cross_device/",
}

// IsProtectedRoute reports whether path is a route the firmware guards with
// the API token.
func IsProtectedRoute(path string) bool {
	path = cleanPath(path)
	for _, prefix := range protectedRoutePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Config configures a Client.
type Config struct {
	Resolver *hostaddr.Resolver
	// Store persists the API token. Required.
	Store store.Store
	// HTTPClient defaults to a client with no overall timeout; every call
	// carries its own deadline.
	HTTPClient *http.Client
	// Timeout is the default per-call timeout.
	Timeout time.Duration
	// RateLimit caps outbound requests per second across all devices.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// AuthState is the auth view of the selected device.
type AuthState struct {
	HasToken            bool   `json:"hasToken"`
	AuthRequired        bool   `json:"authRequired"`
	LastAuthError       string `json:"lastAuthError"`
	TokenPromptRequired bool   `json:"tokenPromptRequired"`
}

// RequestOptions tunes a single call.
type RequestOptions struct {
	Method string
	Body   []byte
	// Timeout overrides the client default when positive.
	Timeout time.Duration
}

// Response is a device reply of any status.
type Response struct {
	Status    int
	Body      []byte
	TokenSent bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client talks to devices. Token and auth state are shared by every
// goroutine using the client.
type Client struct {
	resolver   *hostaddr.Resolver
	store      store.Store
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu            sync.Mutex
	active        string
	token         string
	authRequired  bool
	lastAuthError string
}

// NewClient creates a client and loads the stored token.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("deviceapi: store is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = hostaddr.NewResolver(hostaddr.Origin{}, "")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	c := &Client{
		resolver:   cfg.Resolver,
		store:      cfg.Store,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		logger:     logging.ForComponent(cfg.Logger, "deviceapi"),
		metrics:    cfg.Metrics,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	token, _, err := cfg.Store.Get(store.KeyToken)
	if err != nil {
		return nil, fmt.Errorf("load api token: %w", err)
	}
	c.token = strings.TrimSpace(token)

	return c, nil
}

// Resolver returns the resolver used to build request URLs.
func (c *Client) Resolver() *hostaddr.Resolver {
	return c.resolver
}

// SelectDevice makes host the target of Call, GetJSON and PostJSON and
// resets the auth state.
func (c *Client) SelectDevice(host string) {
	host = hostaddr.Sanitize(host)

	c.mu.Lock()
	defer c.mu.Unlock()
	if host == c.active {
		return
	}
	c.active = host
	c.authRequired = false
	c.lastAuthError = ""
}

// ActiveDevice returns the selected host, or "".
func (c *Client) ActiveDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetToken stores a trimmed token. An empty token removes the stored value.
func (c *Client) SetToken(token string) error {
	token = strings.TrimSpace(token)

	c.mu.Lock()
	defer c.mu.Unlock()

	if token == "" {
		if err := c.store.Remove(store.KeyToken); err != nil {
			return fmt.Errorf("remove api token: %w", err)
		}
		c.token = ""
		return nil
	}

	if err := c.store.Set(store.KeyToken, token); err != nil {
		return fmt.Errorf("save api token: %w", err)
	}
	c.token = token
	c.lastAuthError = ""
	return nil
}

// ClearToken removes the stored token and the last auth error.
func (c *Client) ClearToken() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Remove(store.KeyToken); err != nil {
		return fmt.Errorf("remove api token: %w", err)
	}
	c.token = ""
	c.lastAuthError = ""
	return nil
}

// AuthState returns a snapshot of the auth state.
func (c *Client) AuthState() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	hasToken := c.token != ""
	return AuthState{
		HasToken:            hasToken,
		AuthRequired:        c.authRequired,
		LastAuthError:       c.lastAuthError,
		TokenPromptRequired: c.authRequired && !hasToken,
	}
}

// Call sends a request to the selected device and returns the response
// whatever its status. A 401 marks the device as requiring a token; later
// protected calls without a token fail with AuthError before any I/O.
func (c *Client) Call(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	path = cleanPath(path)

	c.mu.Lock()
	host := c.active
	token := c.token
	blocked := c.authRequired && token == "" && IsProtectedRoute(path)
	if blocked {
		c.lastAuthError = MsgProtectedBlocked
	}
	c.mu.Unlock()

	if host == "" {
		return nil, &hostaddr.ConfigurationError{Message: hostaddr.MsgNoDeviceSelected}
	}
	if blocked {
		c.metrics.RecordProtectedBlocked()
		c.metrics.RecordDeviceRequest(metricPath(path), metrics.OutcomeBlocked, 0)
		c.logger.Debug("protected call blocked", logging.KeyHost, host, logging.KeyPath, path)
		return nil, &AuthError{Message: MsgProtectedBlocked, Blocked: true}
	}

	url, err := c.resolver.AbsoluteURL(host, path)
	if err != nil {
		c.recordAuthError(host, err.Error())
		return nil, err
	}

	resp, err := c.send(ctx, host, url, path, token, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// A reply for a device that is no longer selected must not touch the
	// new device's state.
	if c.active == host {
		if resp.Status == http.StatusUnauthorized {
			c.authRequired = true
			c.lastAuthError = authMessage(resp.TokenSent)
		}
		if resp.OK() && token != "" {
			c.lastAuthError = ""
		}
	}
	c.mu.Unlock()

	if resp.Status == http.StatusUnauthorized {
		c.metrics.RecordAuthFailure(resp.TokenSent)
		c.logger.Warn("device requires authentication",
			logging.KeyHost, host,
			logging.KeyPath, path,
			"token_sent", resp.TokenSent)
	}

	return resp, nil
}

// GetJSON fetches path from the selected device and parses the JSON reply.
func (c *Client) GetJSON(ctx context.Context, path string) (gjson.Result, error) {
	resp, err := c.Call(ctx, path, RequestOptions{Method: http.MethodGet})
	if err != nil {
		return gjson.Result{}, err
	}
	if err := responseError(resp, DefaultFallbackMessage); err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, &ProtocolError{Status: resp.Status, Message: fmt.Sprintf("invalid JSON from %s", path)}
	}
	return gjson.ParseBytes(resp.Body), nil
}

// PostJSON posts payload as JSON to the selected device. A 2xx reply that is
// not JSON is reported as {"success":true}.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.Call(ctx, path, RequestOptions{Method: http.MethodPost, Body: body})
	if err != nil {
		return gjson.Result{}, err
	}
	if err := responseError(resp, DefaultFallbackMessage); err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(resp.Body) || len(bytes.TrimSpace(resp.Body)) == 0 {
		return gjson.Parse(`{"success":true}`), nil
	}
	return gjson.ParseBytes(resp.Body), nil
}

// Fetch GETs path from an arbitrary host with the stored token and its own
// timeout. It never changes the auth state; discovery and aggregation use it
// to reach peers that are not selected.
func (c *Client) Fetch(ctx context.Context, host, path string, timeout time.Duration) (gjson.Result, error) {
	path = cleanPath(path)
	host = hostaddr.Sanitize(host)

	url, err := c.resolver.AbsoluteURL(host, path)
	if err != nil {
		return gjson.Result{}, err
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	resp, err := c.send(ctx, host, url, path, token, RequestOptions{Method: http.MethodGet, Timeout: timeout})
	if err != nil {
		return gjson.Result{}, err
	}
	if !resp.OK() {
		return gjson.Result{}, &ProtocolError{Status: resp.Status, Message: fmt.Sprintf("HTTP %d", resp.Status)}
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, &ProtocolError{Status: resp.Status, Message: fmt.Sprintf("invalid JSON from %s%s", host, path)}
	}
	return gjson.ParseBytes(resp.Body), nil
}

// send performs one request bounded by its own timeout.
func (c *Client) send(ctx context.Context, host, url, path, token string, opts RequestOptions) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	label := metricPath(path)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.metrics.RecordDeviceRequest(label, metrics.OutcomeNetwork, time.Since(start).Seconds())
			return nil, &NetworkError{Host: host, Path: path, Err: err}
		}
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordDeviceRequest(label, metrics.OutcomeNetwork, time.Since(start).Seconds())
		c.logger.Debug("device request failed",
			logging.KeyMethod, req.Method,
			logging.KeyHost, host,
			logging.KeyPath, path,
			logging.KeyTimeout, timeout,
			logging.KeyError, err)
		return nil, &NetworkError{Host: host, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.metrics.RecordDeviceRequest(label, metrics.OutcomeNetwork, time.Since(start).Seconds())
		return nil, &NetworkError{Host: host, Path: path, Err: err}
	}

	c.metrics.RecordDeviceRequest(label, statusOutcome(resp.StatusCode), time.Since(start).Seconds())

	return &Response{Status: resp.StatusCode, Body: data, TokenSent: token != ""}, nil
}

func (c *Client) recordAuthError(host, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == host {
		c.lastAuthError = message
	}
}

// responseError converts a non-2xx response into AuthError or ProtocolError.
func responseError(resp *Response, fallback string) error {
	if resp.OK() {
		return nil
	}
	if resp.Status == http.StatusUnauthorized {
		return &AuthError{Message: authMessage(resp.TokenSent)}
	}
	return &ProtocolError{Status: resp.Status, Message: ErrorMessage(resp.Body, resp.Status, fallback)}
}

func statusOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return metrics.OutcomeOK
	case status == http.StatusUnauthorized:
		return metrics.OutcomeAuth
	default:
		return metrics.OutcomeProtocol
	}
}

func cleanPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// metricPath drops the query string so label cardinality stays bounded.
func metricPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
