package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordedRequest struct {
	Method         string
	Path           string
	Auth           string
	IdempotencyKey string
	Body           map[string]interface{}
}

// fakeAPI records requests and replies from a path->handler table
type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Auth:           r.Header.Get("Authorization"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	route, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	route(w)
}

func (f *fakeAPI) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func reply(status int, v interface{}) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func newTestClient(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{routes: routes}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "sk_test_123"})
	require.NoError(t, err)
	return c, api
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewClient(Config{BaseURL: "not a url", APIKey: "k"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewClient(Config{BaseURL: "https://credits.example.com"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewClient(Config{
		BaseURL:     "https://credits.example.com",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"}),
	})
	assert.NoError(t, err)
}

func TestClient_CreateContract(t *testing.T) {
	c, api := newTestClient(t, map[string]func(w http.ResponseWriter){
		"POST /v1/contracts": reply(http.StatusCreated, gobilling.Contract{
			ID: "ctr_2", CustomerID: "cus_1", Tier: gobilling.TierTeam,
			Status: gobilling.ContractStatusActive, BillingPeriod: gobilling.BillingPeriodMonthly,
		}),
	})

	contract, err := c.CreateContract(context.Background(), &gobilling.CreateContractRequest{
		CustomerID:     "cus_1",
		Tier:           gobilling.TierTeam,
		BillingPeriod:  gobilling.BillingPeriodMonthly,
		StartDate:      testStart,
		EndDate:        testStart.AddDate(0, 1, 0),
		IdempotencyKey: "contract-ctr_1-team",
	})
	require.NoError(t, err)
	assert.Equal(t, "ctr_2", contract.ID)
	assert.True(t, contract.IsActive())

	req := api.last(t)
	assert.Equal(t, "Bearer sk_test_123", req.Auth)
	assert.Equal(t, "contract-ctr_1-team", req.IdempotencyKey)
	assert.Equal(t, "team", req.Body["tier"])
	assert.Equal(t, "cus_1", req.Body["customerId"])
}

// slowContracts creates contracts idempotently by key and answers the first
// create only after a delay
type slowContracts struct {
	mu      sync.Mutex
	delay   time.Duration
	keys    []string
	created map[string]gobilling.Contract
}

func (s *slowContracts) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.Method + " " + r.URL.Path {
	case "POST /v1/contracts/ctr_1/cancel":
		reply(http.StatusOK, gobilling.Contract{ID: "ctr_1", CustomerID: "cus_1", Status: gobilling.ContractStatusCancelled})(w)
	case "POST /v1/contracts":
		key := r.Header.Get("Idempotency-Key")
		s.mu.Lock()
		s.keys = append(s.keys, key)
		first := len(s.keys) == 1
		contract, ok := s.created[key]
		if !ok {
			contract = gobilling.Contract{
				ID: fmt.Sprintf("ctr_%d", len(s.created)+2), CustomerID: "cus_1", Tier: gobilling.TierTeam,
				Status: gobilling.ContractStatusActive, BillingPeriod: gobilling.BillingPeriodMonthly,
			}
			s.created[key] = contract
		}
		s.mu.Unlock()
		if first {
			time.Sleep(s.delay)
		}
		reply(http.StatusCreated, contract)(w)
	case "POST /v1/credits":
		reply(http.StatusCreated, gobilling.Credit{ID: "crd_1", CustomerID: "cus_1", Amount: 40000, Balance: 40000})(w)
	case "POST /v1/invoices":
		reply(http.StatusCreated, gobilling.Invoice{ID: "inv_1", CustomerID: "cus_1", Status: gobilling.InvoiceStatusOpen})(w)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func TestClient_RetriedCreateReusesIdempotencyKey(t *testing.T) {
	api := &slowContracts{delay: 150 * time.Millisecond, created: make(map[string]gobilling.Contract)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "sk_test_123"})
	require.NoError(t, err)

	ctx := context.Background()
	store := memory.New()
	now := time.Now().UTC()
	require.NoError(t, store.SaveEntity(ctx, &gobilling.Entity{ID: "user_1", CustomerID: "cus_1"}))
	require.NoError(t, store.SaveContract(ctx, &gobilling.Contract{
		ID: "ctr_1", CustomerID: "cus_1", Tier: gobilling.TierPro, Status: gobilling.ContractStatusActive,
		BillingPeriod: gobilling.BillingPeriodMonthly, StartDate: now.AddDate(0, 0, -1),
		EndDate: now.AddDate(0, 0, 29), CreatedAt: now.AddDate(0, 0, -1),
	}))

	manager, err := gobilling.NewManager(store, c, nil, gobilling.Config{
		RemoteTimeout: 50 * time.Millisecond,
		Retry:         gobilling.RetryConfig{MaxAttempts: 3, Delay: -1},
	})
	require.NoError(t, err)

	result, err := manager.ChangeTier(ctx, "user_1", gobilling.TierTeam, "")
	require.NoError(t, err)
	assert.Equal(t, "ctr_2", result.Contract.ID)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.keys, 2)
	assert.Equal(t, api.keys[0], api.keys[1])
	assert.Len(t, api.created, 1, "the provider holds one new contract")
}

func TestClient_ContractLifecycleEndpoints(t *testing.T) {
	cancelled := gobilling.Contract{ID: "ctr_1", Status: gobilling.ContractStatusCancelled}
	updated := gobilling.Contract{ID: "ctr_1", Status: gobilling.ContractStatusActive, BillingPeriod: gobilling.BillingPeriodYearly}
	c, api := newTestClient(t, map[string]func(w http.ResponseWriter){
		"POST /v1/contracts/ctr_1/cancel": reply(http.StatusOK, cancelled),
		"PATCH /v1/contracts/ctr_1":       reply(http.StatusOK, updated),
	})
	ctx := context.Background()

	got, err := c.CancelContract(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.ContractStatusCancelled, got.Status)

	got, err = c.UpdateContract(ctx, "ctr_1", &gobilling.UpdateContractRequest{BillingPeriod: gobilling.BillingPeriodYearly})
	require.NoError(t, err)
	assert.Equal(t, gobilling.BillingPeriodYearly, got.BillingPeriod)

	req := api.last(t)
	assert.Equal(t, "yearly", req.Body["billingPeriod"])
	assert.NotContains(t, req.Body, "endDate")
	assert.NotContains(t, req.Body, "status")
}

func TestClient_InvoicesAndCredits(t *testing.T) {
	c, api := newTestClient(t, map[string]func(w http.ResponseWriter){
		"POST /v1/invoices": reply(http.StatusCreated, gobilling.Invoice{
			ID: "inv_1", Amount: decimal.RequireFromString("4.65"), Status: gobilling.InvoiceStatusOpen,
		}),
		"POST /v1/invoices/inv_1/pay":             reply(http.StatusOK, gobilling.Invoice{ID: "inv_1", Status: gobilling.InvoiceStatusPaid}),
		"POST /v1/credits":                        reply(http.StatusCreated, gobilling.Credit{ID: "crd_1", Amount: 40000, Balance: 40000}),
		"GET /v1/customers/cus_1/credits/balance": reply(http.StatusOK, map[string]int64{"balance": 50000}),
	})
	ctx := context.Background()

	inv, err := c.CreateInvoice(ctx, &gobilling.CreateInvoiceRequest{
		CustomerID: "cus_1", ContractID: "ctr_2", Amount: decimal.RequireFromString("4.65"), Currency: "usd",
	})
	require.NoError(t, err)
	assert.True(t, inv.Amount.Equal(decimal.RequireFromString("4.65")))
	assert.Equal(t, "4.65", api.last(t).Body["amount"])

	inv, err = c.PayInvoice(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.InvoiceStatusPaid, inv.Status)

	credit, err := c.ApplyCredit(ctx, &gobilling.ApplyCreditRequest{
		CustomerID: "cus_1", Amount: 40000, Currency: "usd", IdempotencyKey: "credit-ctr_2",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40000), credit.Amount)
	assert.Equal(t, "credit-ctr_2", api.last(t).IdempotencyKey)

	balance, err := c.GetCreditBalance(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), balance)
	assert.Empty(t, api.last(t).IdempotencyKey, "reads carry no idempotency key")
}

func TestClient_ErrorMapping(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(w http.ResponseWriter){
		"POST /v1/contracts/ctr_1/cancel": reply(http.StatusServiceUnavailable, map[string]string{"error": "maintenance"}),
	})
	ctx := context.Background()

	_, err := c.CancelContract(ctx, "ctr_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobilling.ErrRemoteFailure)
	assert.NotErrorIs(t, err, gobilling.ErrNotFound)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.Contains(t, err.Error(), "maintenance")

	_, err = c.CancelContract(ctx, "ctr_missing")
	assert.ErrorIs(t, err, gobilling.ErrNotFound)
	assert.True(t, gobilling.IsNotFound(err))
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: base, APIKey: "k", HTTPClient: &http.Client{Timeout: time.Second}})
	require.NoError(t, err)

	_, err = c.GetCreditBalance(context.Background(), "cus_1")
	assert.ErrorIs(t, err, gobilling.ErrRemoteFailure)
}

func TestClient_TokenSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, TokenSource: failingTokenSource{}})
	require.NoError(t, err)

	_, err = c.GetCreditBalance(context.Background(), "cus_1")
	assert.ErrorIs(t, err, gobilling.ErrRemoteFailure)
}

type failingTokenSource struct{}

func (failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, errors.New("token endpoint unavailable")
}
