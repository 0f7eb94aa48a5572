// Package credits is the HTTP client for the subscription and credits engine.
package credits

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

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const (
	providerName       = billing.SourceSubscriptions
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 512
)

// Config holds subscription provider client configuration
type Config struct {
	// BaseURL is the API root, e.g. "https://credits.example.com/v1" (required)
	BaseURL string

	// TokenSource supplies bearer tokens. When nil, APIKey is sent as a static bearer token.
	TokenSource oauth2.TokenSource
	APIKey      string

	// HTTPClient is the base client (default: 10 second timeout)
	HTTPClient *http.Client

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics billing.Metrics
}

// Client implements gobilling.SubscriptionProvider over the provider's JSON API
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    billing.Metrics
}

var _ gobilling.SubscriptionProvider = (*Client)(nil)

// APIError is a non-2xx response from the provider.
// It matches gobilling.ErrNotFound for 404 and gobilling.ErrRemoteFailure otherwise.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("credits API %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return gobilling.ErrNotFound
	}
	return gobilling.ErrRemoteFailure
}

// NewClient creates a subscription provider client
func NewClient(config Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if base == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", billing.ErrProviderNotConfigured, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	ts := config.TokenSource
	if ts == nil {
		apiKey := strings.TrimSpace(config.APIKey)
		if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
			apiKey = strings.TrimSpace(apiKey[len("bearer "):])
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: api key or token source required", billing.ErrProviderNotConfigured)
		}
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	}

	authed := *httpClient
	authed.Transport = &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, ts),
		Base:   httpClient.Transport,
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Client{baseURL: base, httpClient: &authed, metrics: metrics}, nil
}

type customerBody struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
}

type contractBody struct {
	CustomerID    string                  `json:"customerId"`
	Tier          gobilling.Tier          `json:"tier"`
	BillingPeriod gobilling.BillingPeriod `json:"billingPeriod"`
	StartDate     time.Time               `json:"startDate"`
	EndDate       time.Time               `json:"endDate"`
}

type contractPatch struct {
	BillingPeriod gobilling.BillingPeriod  `json:"billingPeriod,omitempty"`
	Status        gobilling.ContractStatus `json:"status,omitempty"`
	EndDate       *time.Time               `json:"endDate,omitempty"`
}

type invoiceBody struct {
	CustomerID string               `json:"customerId"`
	ContractID string               `json:"contractId"`
	Amount     decimal.Decimal      `json:"amount"`
	Currency   string               `json:"currency"`
	DueDate    time.Time            `json:"dueDate"`
	LineItems  []gobilling.LineItem `json:"lineItems"`
}

type creditBody struct {
	CustomerID  string `json:"customerId"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (c *Client) CreateCustomer(ctx context.Context, req *gobilling.CreateCustomerRequest) (*gobilling.Customer, error) {
	var out gobilling.Customer
	body := customerBody{EntityID: req.EntityID, Name: req.Name, Email: req.Email}
	if err := c.do(ctx, http.MethodPost, "/customers", "/customers", body, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateContract(ctx context.Context, req *gobilling.CreateContractRequest) (*gobilling.Contract, error) {
	var out gobilling.Contract
	body := contractBody{
		CustomerID:    req.CustomerID,
		Tier:          req.Tier,
		BillingPeriod: req.BillingPeriod,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	}
	if err := c.do(ctx, http.MethodPost, "/contracts", "/contracts", body, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelContract(ctx context.Context, contractID string) (*gobilling.Contract, error) {
	var out gobilling.Contract
	path := "/contracts/" + url.PathEscape(contractID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, "/contracts/{id}/cancel", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateContract(ctx context.Context, contractID string, req *gobilling.UpdateContractRequest) (*gobilling.Contract, error) {
	patch := contractPatch{BillingPeriod: req.BillingPeriod, Status: req.Status}
	if !req.EndDate.IsZero() {
		end := req.EndDate
		patch.EndDate = &end
	}

	var out gobilling.Contract
	path := "/contracts/" + url.PathEscape(contractID)
	if err := c.do(ctx, http.MethodPatch, path, "/contracts/{id}", patch, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateInvoice(ctx context.Context, req *gobilling.CreateInvoiceRequest) (*gobilling.Invoice, error) {
	body := invoiceBody{
		CustomerID: req.CustomerID,
		ContractID: req.ContractID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		DueDate:    req.DueDate,
		LineItems:  req.LineItems,
	}
	var out gobilling.Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices", "/invoices", body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PayInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	var out gobilling.Invoice
	path := "/invoices/" + url.PathEscape(invoiceID) + "/pay"
	if err := c.do(ctx, http.MethodPost, path, "/invoices/{id}/pay", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApplyCredit(ctx context.Context, req *gobilling.ApplyCreditRequest) (*gobilling.Credit, error) {
	body := creditBody{
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
	}
	var out gobilling.Credit
	if err := c.do(ctx, http.MethodPost, "/credits", "/credits", body, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCreditBalance(ctx context.Context, customerID string) (int64, error) {
	var out balanceResponse
	path := "/customers/" + url.PathEscape(customerID) + "/credits/balance"
	if err := c.do(ctx, http.MethodGet, path, "/customers/{id}/credits/balance", nil, "", &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// do sends one request and decodes a 2xx JSON response into out.
// endpoint is the path template used as a metrics label.
func (c *Client) do(ctx context.Context, method, path, endpoint string, in interface{}, idempotencyKey string, out interface{}) error {
	start := time.Now()

	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", gobilling.ErrInvalidInput, endpoint, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
		return fmt.Errorf("%s %s: %w: %w", method, endpoint, gobilling.ErrRemoteFailure, err)
	}
	defer res.Body.Close()

	c.metrics.RecordAPICall(providerName, endpoint, fmt.Sprintf("%d", res.StatusCode))
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{StatusCode: res.StatusCode, Endpoint: endpoint, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w: decode response: %w", method, endpoint, gobilling.ErrRemoteFailure, err)
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given status code
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
