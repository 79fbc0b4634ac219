// Package quickcommerce is a Go client for the dispatch service's REST API.
package quickcommerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quickcommerce/internal/domain"
	"quickcommerce/internal/engine"
	"quickcommerce/internal/util"
)

type (
	Order         = domain.Order
	OrderStatus   = domain.OrderStatus
	Partner       = domain.Partner
	ClaimOutcome  = engine.ClaimOutcome
	RestockReport = engine.RestockReport
)

// APIError is a refusal returned by the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Kind       string            `json:"kind"`
	Reason     string            `json:"reason"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quickcommerce: %s (%s, %d)", e.Message, e.Reason, e.StatusCode)
}

// HasReason reports whether err is an APIError with the given reason.
func HasReason(err error, reason string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Reason == reason
}

// Client provides a Go SDK for the dispatch server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retries    int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries retries requests the server marks retryable, such as lock
// timeouts, up to n attempts in total.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// NewClient creates a client authenticating with a bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim tries to take a pending order. A lost race is reported in the
// outcome, not as an error.
func (c *Client) Claim(ctx context.Context, orderID string) (ClaimOutcome, error) {
	var out ClaimOutcome
	err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/claim", nil, &out)
	return out, err
}

// UpdateStatus advances an order.
func (c *Client) UpdateStatus(ctx context.Context, orderID string, status OrderStatus, note string) (*Order, error) {
	var o Order
	body := map[string]any{"status": status, "note": note}
	if err := c.do(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(orderID)+"/status", body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ConfirmDelivery marks an order delivered on behalf of its partner.
func (c *Client) ConfirmDelivery(ctx context.Context, orderID, code string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/confirm-delivery", map[string]any{"code": code}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ConfirmReceipt records the customer's acknowledgement.
func (c *Client) ConfirmReceipt(ctx context.Context, orderID, signature string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/confirm-receipt", map[string]any{"signature": signature}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Cancel cancels an order and returns the stock restoration report.
func (c *Client) Cancel(ctx context.Context, orderID, reason string) (*Order, RestockReport, error) {
	var res struct {
		Order   *Order        `json:"order"`
		Restock RestockReport `json:"restock"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/cancel", map[string]any{"reason": reason}, &res); err != nil {
		return nil, RestockReport{}, err
	}
	return res.Order, res.Restock, nil
}

// Announce broadcasts a pending order to partners.
func (c *Client) Announce(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/announce", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Reassign moves an in-flight order to another partner. Admin only.
func (c *Client) Reassign(ctx context.Context, orderID, partnerID string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/reassign", map[string]any{"partnerId": partnerID}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders lists the orders visible to the caller. An empty status lists
// all of them.
func (c *Client) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	path := "/api/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var orders []Order
	err := c.do(ctx, http.MethodGet, path, nil, &orders)
	return orders, err
}

// Me returns the caller's partner profile.
func (c *Client) Me(ctx context.Context) (*Partner, error) {
	var p Partner
	if err := c.do(ctx, http.MethodGet, "/api/partners/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetAvailability toggles whether the caller takes new orders.
func (c *Client) SetAvailability(ctx context.Context, available bool) (*Partner, error) {
	var p Partner
	if err := c.do(ctx, http.MethodPatch, "/api/partners/me/availability", map[string]any{"available": available}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = b
	}

	retryable := func(err error) bool {
		var ae *APIError
		return errors.As(err, &ae) && ae.Retryable
	}
	return util.RetryIf(ctx, c.retries, 50*time.Millisecond, retryable, func() error {
		return c.once(ctx, method, path, payload, out)
	})
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env struct {
			Error APIError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Reason == "" {
			return &APIError{StatusCode: resp.StatusCode, Kind: "internal", Reason: "internal", Message: resp.Status}
		}
		env.Error.StatusCode = resp.StatusCode
		return &env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
