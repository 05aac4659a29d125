// Package tably provides the official Go SDK for the Tably restaurant
// platform API.
//
// The SDK keeps a bearer-token session alive transparently (single-flight
// refresh on authorization failures) and maintains one self-healing push
// connection that fans server events out to registered handlers in arrival
// order.
//
// Example:
//
//	store := tably.NewMemoryCredentialStore()
//	client := tably.NewClient(store)
//
//	client.Auth().Login(ctx, "owner@bistro.example", "secret")
//
//	rt := client.Realtime(nil)
//	rt.OnNewOrder(func(o tably.Order) { fmt.Println("order", o.ID) })
//	rt.Subscribe(ctx, "kitchen", nil)
//	rt.Connect(ctx)
package tably

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.tably.io",
	Staging:    "https://staging.api.tably.io",
}

const (
	DefaultBaseURL = "https://api.tably.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Tably API client. It holds no token state of its own: the
// injected CredentialStore is the single source of truth for the session,
// and the token lifecycle manager replaces it atomically on refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      CredentialStore
	tokens     *tokenManager
	log        *slog.Logger

	auth      *AuthClient
	orders    *OrdersClient
	inventory *InventoryClient
	chat      *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger for request, auth and realtime lifecycle
// events. Without it the SDK is silent.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Tably client. store may be nil, in which case an
// in-memory credential store is used (sessions last as long as the process).
func NewClient(store CredentialStore, opts ...ClientOption) *Client {
	if store == nil {
		store = NewMemoryCredentialStore()
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		store:   store,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c.tokens = newTokenManager(c.store, c.sendOnce, c.log)
	c.auth = &AuthClient{client: c}
	c.orders = &OrdersClient{client: c}
	c.inventory = &InventoryClient{client: c}
	c.chat = &ChatClient{client: c}
	return c
}

// Store returns the credential store the client was built with.
func (c *Client) Store() CredentialStore {
	return c.store
}

// Auth returns the authentication sub-client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Orders returns the orders sub-client.
func (c *Client) Orders() *OrdersClient { return c.orders }

// Inventory returns the inventory sub-client.
func (c *Client) Inventory() *InventoryClient { return c.inventory }

// Chat returns the chat sub-client.
func (c *Client) Chat() *ChatClient { return c.chat }

// Realtime builds a realtime client bound to this client's base URL,
// credential store and logger. Each call returns an independent connection
// automaton; most applications keep exactly one.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	var rc RealtimeConfig
	if cfg != nil {
		rc = *cfg
	}
	rc.defaults()
	if rc.Logger == nil {
		rc.Logger = c.log
	}
	timeout := c.httpClient.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return newRealtimeClient(c.wsBaseURL()+"/ws", c.store, c.wsDialClient(), timeout, rc)
}

// ============================================================================
// Internal request helpers
// ============================================================================

// doRequest issues a request through the token lifecycle manager, which
// attaches the bearer token and recovers from authorization failures.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	return c.tokens.execute(ctx, requestSpec{method: method, path: path, body: body, query: query})
}

// do is doRequest for callers that need the full request spec, e.g. to set
// an idempotency key that survives the manager's auth retry.
func (c *Client) do(ctx context.Context, spec requestSpec) ([]byte, error) {
	return c.tokens.execute(ctx, spec)
}

// sendOnce issues a single HTTP attempt with the given bearer token. The
// token manager owns retries; this never retries anything.
func (c *Client) sendOnce(ctx context.Context, spec requestSpec, token string) (int, []byte, error) {
	u := c.baseURL + spec.path
	if len(spec.query) > 0 {
		params := url.Values{}
		for k, v := range spec.query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if spec.body != nil {
		b, err := json.Marshal(spec.body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, spec.method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if spec.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, values := range spec.header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeResult unwraps the standard {ok, data, error} envelope into T.
func decodeResult[T any](data []byte) (*T, error) {
	res, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !res.OK && res.Error != nil {
		return nil, res.Error
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &out, nil
}

// wsBaseURL rewrites the REST base URL to its WebSocket counterpart.
func (c *Client) wsBaseURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}

// wsDialClient derives the client used for the WebSocket handshake. The
// websocket library rejects a client-level Timeout (it would kill the
// stream mid-connection), so the dial deadline carries it instead.
func (c *Client) wsDialClient() *http.Client {
	return &http.Client{Transport: c.httpClient.Transport}
}

// idempotencyHeader returns a header carrying a fresh idempotency key. The
// key lives in the request spec, so the token manager's auth retry re-sends
// the same key and the server cannot apply the mutation twice.
func idempotencyHeader() http.Header {
	h := http.Header{}
	h.Set("Idempotency-Key", uuid.NewString())
	return h
}

// ============================================================================
// Orders Sub-Client
// ============================================================================

// OrdersClient covers the order endpoints.
type OrdersClient struct{ client *Client }

// List returns the company's orders, newest first.
func (o *OrdersClient) List(ctx context.Context, opts *OrderListOptions) ([]Order, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Status != "" {
			query["status"] = opts.Status
		}
		if opts.Limit > 0 {
			query["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if opts.Offset > 0 {
			query["offset"] = fmt.Sprintf("%d", opts.Offset)
		}
		if len(query) == 0 {
			query = nil
		}
	}
	data, err := o.client.doRequest(ctx, http.MethodGet, "/api/orders", nil, query)
	if err != nil {
		return nil, err
	}
	orders, err := decodeResult[[]Order](data)
	if err != nil {
		return nil, err
	}
	return *orders, nil
}

// Get fetches one order.
func (o *OrdersClient) Get(ctx context.Context, id string) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("order id is required")
	}
	data, err := o.client.doRequest(ctx, http.MethodGet, "/api/orders/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Order](data)
}

// UpdateStatus moves an order through the kitchen flow.
func (o *OrdersClient) UpdateStatus(ctx context.Context, id, status string) (*Order, error) {
	if id == "" || status == "" {
		return nil, fmt.Errorf("order id and status are required")
	}
	data, err := o.client.do(ctx, requestSpec{
		method: http.MethodPatch,
		path:   "/api/orders/" + id + "/status",
		body:   map[string]string{"status": status},
		header: idempotencyHeader(),
	})
	if err != nil {
		return nil, err
	}
	return decodeResult[Order](data)
}

// ============================================================================
// Inventory Sub-Client
// ============================================================================

// InventoryClient covers stock levels.
type InventoryClient struct{ client *Client }

// LowStock lists items at or under their reorder threshold. Pairs with the
// low-stock-alert push kind.
func (i *InventoryClient) LowStock(ctx context.Context) ([]StockItem, error) {
	data, err := i.client.doRequest(ctx, http.MethodGet, "/api/inventory/low-stock", nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeResult[[]StockItem](data)
	if err != nil {
		return nil, err
	}
	return *items, nil
}

// ============================================================================
// Chat Sub-Client
// ============================================================================

// ChatClient posts to chat channels. Inbound messages arrive on the push
// channel as chat-message events.
type ChatClient struct{ client *Client }

// Send posts a message to a chat channel.
func (ch *ChatClient) Send(ctx context.Context, channel, body string) (*ChatMessage, error) {
	if channel == "" || body == "" {
		return nil, fmt.Errorf("channel and body are required")
	}
	data, err := ch.client.do(ctx, requestSpec{
		method: http.MethodPost,
		path:   "/api/chat/" + url.PathEscape(channel) + "/messages",
		body:   map[string]string{"body": body},
		header: idempotencyHeader(),
	})
	if err != nil {
		return nil, err
	}
	return decodeResult[ChatMessage](data)
}
