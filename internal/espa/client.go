// Package espa binds the ESPA ordering API resources to Go calls.
package espa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
)

// Default service coordinates.
const (
	DefaultHost    = "https://espa.cr.usgs.gov"
	DefaultVersion = "v0"
)

// Config configures a Client.
type Config struct {
	Host     string
	Version  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client issues one request per call against {host}/api/{version}. It holds
// no mutable state apart from the cached schema and is safe for concurrent use.
type Client struct {
	host     string
	version  string
	username string
	password string
	http     *http.Client

	schemaMu sync.Mutex
	schema   *Schema
}

// NewClient creates a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		host:     strings.TrimRight(cfg.Host, "/"),
		version:  cfg.Version,
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
	}
}

// Connect creates a Client and verifies the credentials against the user
// resource.
func Connect(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	c := NewClient(cfg, httpClient)
	if _, err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// url joins the non-empty parts beneath the versioned API root.
func (c *Client) url(parts ...string) string {
	segments := []string{c.host, "api", c.version}
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method string, body []byte, parts ...string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(parts...), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resource := "root"
	if len(parts) > 0 {
		resource = parts[0]
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if m := metrics.Get(); m != nil {
		m.ObserveServiceRequestDuration(method, resource, time.Since(start).Seconds())
	}
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncServiceRequests(method, resource, "error")
		}
		return 0, nil, fmt.Errorf("espa %s %s: %w", method, resource, err)
	}
	defer resp.Body.Close()

	if m := metrics.Get(); m != nil {
		m.IncServiceRequests(method, resource, strconv.Itoa(resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", resource, err)
	}

	logging.Component("espa").Debug("request",
		"method", method,
		"resource", resource,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return resp.StatusCode, data, nil
}

// get issues a GET and decodes the JSON answer into out.
func (c *Client) get(ctx context.Context, out any, parts ...string) error {
	status, data, err := c.do(ctx, http.MethodGet, nil, parts...)
	if err != nil {
		return err
	}

	resource := strings.Join(parts, "/")
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s: http %d", ErrAuthentication, resource, status)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s returned non-JSON body (http %d)", ErrServiceUnavailable, resource, status)
	}
	if status < 200 || status >= 300 {
		return &APIError{Method: http.MethodGet, Resource: resource, StatusCode: status, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

// Operations lists the resources the API root advertises.
func (c *Client) Operations(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.get(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser returns the authenticated account.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var raw map[string]json.RawMessage
	if err := c.get(ctx, &raw, "user"); err != nil {
		return nil, err
	}

	for _, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil && strings.Contains(s, "Invalid username/password") {
			return nil, fmt.Errorf("%w: %s", ErrAuthentication, s)
		}
	}

	data, _ := json.Marshal(raw)
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// Authenticate checks the credentials and returns the account.
func (c *Client) Authenticate(ctx context.Context) (*User, error) {
	u, err := c.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	logging.Component("espa").Info("authenticated", "username", u.Username)
	return u, nil
}

// ListOrders returns the order IDs visible to the account, newest first.
// A non-empty email lists that user's orders.
func (c *Client) ListOrders(ctx context.Context, email string) ([]string, error) {
	var raw json.RawMessage
	if err := c.get(ctx, &raw, "list-orders", email); err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids, nil
	}

	var wrapped struct {
		Orders []string `json:"orders"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode list-orders: %w", err)
	}
	return wrapped.Orders, nil
}

// GetOrder returns one order document.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	var o OrderInfo
	if err := c.get(ctx, &o, "order", orderID); err != nil {
		return nil, err
	}
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	return &o, nil
}

// GetOrderStatus returns the order-level status.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	var s OrderStatus
	if err := c.get(ctx, &s, "order-status", orderID); err != nil {
		return "", err
	}
	return s.Status, nil
}

// GetItemStatus returns the items of an order. A non-empty itemID narrows the
// answer to that item.
func (c *Client) GetItemStatus(ctx context.Context, orderID, itemID string) ([]Item, error) {
	var raw json.RawMessage
	if err := c.get(ctx, &raw, "item-status", orderID, itemID); err != nil {
		return nil, err
	}
	return decodeItems(raw, orderID)
}

// decodeItems accepts both {"orderid": {"<id>": [...]}} and a bare list.
func decodeItems(raw json.RawMessage, orderID string) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	var nested struct {
		OrderID map[string][]Item `json:"orderid"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("decode item-status: %w", err)
	}

	if list, ok := nested.OrderID[orderID]; ok {
		return list, nil
	}
	for _, list := range nested.OrderID {
		items = append(items, list...)
	}
	return items, nil
}

// GetOrderSchema returns the order schema. The first successful answer is
// cached for the life of the Client.
func (c *Client) GetOrderSchema(ctx context.Context) (*Schema, error) {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()

	if c.schema != nil {
		return c.schema, nil
	}

	var raw json.RawMessage
	if err := c.get(ctx, &raw, "order-schema"); err != nil {
		return nil, err
	}

	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode order-schema: %w", err)
	}
	s.Raw = raw
	c.schema = &s
	return c.schema, nil
}

// AvailableSensors lists the sensor keys the schema accepts, sorted.
func (c *Client) AvailableSensors(ctx context.Context) ([]string, error) {
	s, err := c.GetOrderSchema(ctx)
	if err != nil {
		return nil, err
	}
	return s.Sensors(), nil
}

// GetAvailableProducts lists the products available for the given input IDs.
// An empty productID lists for the account.
func (c *Client) GetAvailableProducts(ctx context.Context, productID string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.get(ctx, &out, "available-products", productID); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProjections returns the projection definitions.
func (c *Client) GetProjections(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.get(ctx, &out, "projections"); err != nil {
		return nil, err
	}
	return out, nil
}

// PostOrder submits an order body. A rejection by the service is not an
// error: inspect SubmitResponse.Rejected.
func (c *Client) PostOrder(ctx context.Context, body []byte) (*SubmitResponse, error) {
	status, data, err := c.do(ctx, http.MethodPost, body, "order")
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: order: http %d", ErrAuthentication, status)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: order returned non-JSON body (http %d)", ErrServiceUnavailable, status)
	}

	resp := &SubmitResponse{StatusCode: status, Body: data}

	var parsed struct {
		OrderID string `json:"orderid"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		resp.OrderID = parsed.OrderID
	}
	return resp, nil
}
