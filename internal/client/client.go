// README: HTTP client for the courier API used by widget, agent and tracking commands.
package client

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

	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/tenant"
	"courier/internal/types"
)

var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response. It unwraps to the domain sentinel that
// matches its status and code, so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("courier api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("courier api %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("courier base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PlaceOrderRequest is the body of POST /api/tenants/:tenant/orders.
type PlaceOrderRequest struct {
	Items         []pricing.CartLine `json:"items"`
	Fulfillment   types.Fulfillment  `json:"fulfillment"`
	ZoneID        string             `json:"zone_id,omitempty"`
	Customer      order.Customer     `json:"customer"`
	Destination   *types.Point       `json:"destination,omitempty"`
	PaymentMethod string             `json:"payment_method,omitempty"`
}

type positionRequest struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	From     string `json:"from"`
	To       string `json:"to"`
	Required *int64 `json:"required"`
	Actual   *int64 `json:"actual"`
}

func (c *Client) GetOrder(ctx context.Context, id types.ID) (*order.Order, error) {
	var o order.Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(string(id)), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) OrderEvents(ctx context.Context, id types.ID) ([]order.Event, error) {
	var out struct {
		Events []order.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(string(id))+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// OrderAgentPosition reads the live position of the agent on orderID.
func (c *Client) OrderAgentPosition(ctx context.Context, orderID types.ID) (location.AgentPosition, error) {
	var p location.AgentPosition
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(string(orderID))+"/agent/position", nil, &p)
	return p, err
}

func (c *Client) PutAgentPosition(ctx context.Context, u location.Update) (location.Result, error) {
	var res location.Result
	body := positionRequest{Lat: u.Position.Lat, Lng: u.Position.Lng, AccuracyM: u.AccuracyM, CapturedAt: u.CapturedAt}
	err := c.do(ctx, http.MethodPut, "/api/agents/"+url.PathEscape(string(u.AgentID))+"/position", body, &res)
	return res, err
}

func (c *Client) PlaceOrder(ctx context.Context, tenantID types.ID, req PlaceOrderRequest) (*order.Order, error) {
	var o order.Order
	if err := c.do(ctx, http.MethodPost, "/api/tenants/"+url.PathEscape(string(tenantID))+"/orders", req, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) TransitionStatus(ctx context.Context, id types.ID, to order.Status, note string) (*order.Order, error) {
	var o order.Order
	body := map[string]string{"status": string(to), "note": note}
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(string(id))+"/status", body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// DeliveryOptions is what a storefront needs to quote a cart for a tenant.
type DeliveryOptions struct {
	TenantID types.ID         `json:"tenant_id"`
	Pricing  pricing.Settings `json:"pricing"`
	Zones    []pricing.Zone   `json:"zones"`
}

func (c *Client) DeliveryOptions(ctx context.Context, tenantID types.ID) (DeliveryOptions, error) {
	var out DeliveryOptions
	err := c.do(ctx, http.MethodGet, "/api/tenants/"+url.PathEscape(string(tenantID))+"/zones", nil, &out)
	return out, err
}

func (c *Client) Zones(ctx context.Context, tenantID types.ID) ([]pricing.Zone, error) {
	out, err := c.DeliveryOptions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return out.Zones, nil
}

// ListZones adapts Zones to pricing.ZoneStore so a widget can quote locally.
func (c *Client) ListZones(ctx context.Context, tenantID types.ID) ([]pricing.Zone, error) {
	return c.Zones(ctx, tenantID)
}

// Lookup implements tenant.Registry against the validate endpoint. A 404 is
// a definitive rejection; transport failures and 5xx are transient.
func (c *Client) Lookup(ctx context.Context, candidate string) (tenant.Tenant, error) {
	var out struct {
		Valid       bool     `json:"valid"`
		CanonicalID types.ID `json:"canonical_id"`
		DisplayName string   `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tenants/"+url.PathEscape(candidate)+"/validate", nil, &out); err != nil {
		return tenant.Tenant{}, err
	}
	if !out.Valid || out.CanonicalID == "" {
		return tenant.Tenant{}, tenant.ErrNotRegistered
	}
	return tenant.Tenant{ID: out.CanonicalID, DisplayName: out.DisplayName}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return decodeError(resp, path)
}

func decodeError(resp *http.Response, path string) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
		if eb.Error == "" {
			eb.Error = resp.Status
		}
	}
	apiErr := &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		apiErr.kind = ErrUnauthorized
	case http.StatusNotFound:
		apiErr.kind = notFoundKind(path, eb.Code)
	case http.StatusBadRequest:
		apiErr.kind = badRequestKind(path, eb.Code)
	case http.StatusConflict:
		switch eb.Code {
		case "already_terminal":
			apiErr.kind = order.ErrAlreadyTerminal
		case "invalid_transition":
			apiErr.kind = order.ErrInvalidTransition
		default:
			apiErr.kind = order.ErrConflict
		}
	case http.StatusUnprocessableEntity:
		switch eb.Code {
		case "below_minimum_order":
			if eb.Required != nil && eb.Actual != nil {
				return &pricing.BelowMinimumError{
					Required: types.Money{Amount: *eb.Required},
					Actual:   types.Money{Amount: *eb.Actual},
				}
			}
			apiErr.kind = pricing.ErrBelowMinimumOrder
		case "zone_required":
			apiErr.kind = pricing.ErrZoneRequired
		case "zone_not_found":
			apiErr.kind = pricing.ErrZoneNotFound
		default:
			apiErr.kind = pricing.ErrInvalidCart
		}
	case http.StatusServiceUnavailable:
		if eb.Code == "registry_unavailable" {
			apiErr.kind = tenant.ErrRegistryUnavailable
		}
	}
	return apiErr
}

func notFoundKind(path, code string) error {
	switch {
	case code == "tenant_not_registered":
		return tenant.ErrNotRegistered
	case strings.HasPrefix(path, "/api/agents/"):
		return location.ErrNotFound
	default:
		return order.ErrNotFound
	}
}

func badRequestKind(path, code string) error {
	switch {
	case code == "malformed_tenant":
		return tenant.ErrMalformedIdentifier
	case strings.HasPrefix(path, "/api/agents/"):
		return location.ErrInvalidPosition
	default:
		return order.ErrBadRequest
	}
}
