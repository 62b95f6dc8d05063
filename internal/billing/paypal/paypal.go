// Package paypal is a small client for the PayPal Orders v2 API. It covers
// exactly what checkout needs: an OAuth2 client-credentials token, order
// creation with an approval link, and order capture.
package paypal

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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/metrics"
)

const (
	SandboxURL = "https://api-m.sandbox.paypal.com"
	LiveURL    = "https://api-m.paypal.com"

	statusCompleted = "COMPLETED"
	maxErrorBody    = 512
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	BrandName    string
	Timeout      time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     oauth2.TokenSource
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.tokens = cc.TokenSource(tokenCtx)
	return c
}

// Configured returns true if both API credentials are set.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// AccessToken returns a bearer token, fetching a new one only when the
// cached token has expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("%w: paypal credentials not configured", model.ErrGateway)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	tok, err := c.tokens.Token()
	c.metrics.ObserveGateway("access_token", err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("%w: access token: %v", model.ErrGateway, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token received", model.ErrGateway)
	}
	return tok.AccessToken, nil
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	Amount      money  `json:"amount"`
	Description string `json:"description,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
}

type applicationContext struct {
	BrandName   string `json:"brand_name,omitempty"`
	LandingPage string `json:"landing_page"`
	UserAction  string `json:"user_action"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
}

type createOrderBody struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
}

// CreateOrder creates a CAPTURE-intent order and returns its approval URL.
func (c *Client) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	body := createOrderBody{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			Amount: money{
				CurrencyCode: currency,
				Value:        req.Amount.StringFixed(2),
			},
			Description: req.Description,
			CustomID:    req.CustomID,
		}},
		ApplicationContext: applicationContext{
			BrandName:   c.cfg.BrandName,
			LandingPage: "BILLING",
			UserAction:  "PAY_NOW",
			ReturnURL:   req.ReturnURL,
			CancelURL:   req.CancelURL,
		},
	}

	var resp orderResponse
	start := time.Now()
	err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &resp)
	c.metrics.ObserveGateway("create_order", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	order := &model.Order{ID: resp.ID, Status: resp.Status}
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			order.ApprovalURL = l.Href
			break
		}
	}
	if order.ID == "" || order.ApprovalURL == "" {
		return nil, fmt.Errorf("%w: invalid order response: missing id or approval link", model.ErrGateway)
	}
	return order, nil
}

type captureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID       string `json:"id"`
				Status   string `json:"status"`
				CustomID string `json:"custom_id"`
				Amount   money  `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

// CaptureOrder captures a payer-approved order. An order PayPal refuses to
// capture (not approved, already captured) comes back as a non-completed
// Capture, not an error.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*model.Capture, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", model.ErrValidation)
	}
	if !model.ValidOrderID(orderID) {
		return nil, fmt.Errorf("%w: malformed order id %q", model.ErrValidation, orderID)
	}

	var resp captureResponse
	start := time.Now()
	err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", nil, &resp)
	c.metrics.ObserveGateway("capture_order", err, time.Since(start))

	var unprocessable *unprocessableError
	if errors.As(err, &unprocessable) {
		return &model.Capture{OrderID: orderID, Status: unprocessable.issue}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capture order %s: %w", orderID, err)
	}

	capture := &model.Capture{
		OrderID:   resp.ID,
		Status:    resp.Status,
		Completed: resp.Status == statusCompleted,
	}
	if capture.OrderID == "" {
		capture.OrderID = orderID
	}
	if len(resp.PurchaseUnits) > 0 {
		capture.CustomID = resp.PurchaseUnits[0].CustomID
	}
	if len(resp.PurchaseUnits) > 0 && len(resp.PurchaseUnits[0].Payments.Captures) > 0 {
		first := resp.PurchaseUnits[0].Payments.Captures[0]
		if first.CustomID != "" {
			capture.CustomID = first.CustomID
		}
		amt := first.Amount
		capture.Currency = amt.CurrencyCode
		if amt.Value != "" {
			v, err := decimal.NewFromString(amt.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: capture amount %q: %v", model.ErrGateway, amt.Value, err)
			}
			capture.Amount = v
		}
	}
	return capture, nil
}

// unprocessableError is PayPal's 422 response: the request was understood
// but the order cannot be acted on in its current state.
type unprocessableError struct {
	issue string
}

func (e *unprocessableError) Error() string {
	return "unprocessable: " + e.issue
}

func (e *unprocessableError) Unwrap() error {
	return model.ErrGateway
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("PayPal-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", model.ErrGateway, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", model.ErrGateway, err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		issue := e.Name
		if len(e.Details) > 0 && e.Details[0].Issue != "" {
			issue = e.Details[0].Issue
		}
		if issue == "" {
			issue = "UNPROCESSABLE_ENTITY"
		}
		return &unprocessableError{issue: issue}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: paypal API error: status %d: %s", model.ErrGateway, resp.StatusCode, truncate(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", model.ErrGateway, err)
		}
	}
	return nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
