package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

type fakeStatus struct {
	tiers map[string]gobilling.Tier
	err   error
}

func (f *fakeStatus) GetSubscriptionStatus(_ context.Context, entityID string) (*gobilling.SubscriptionStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	tier, ok := f.tiers[entityID]
	if !ok {
		return nil, gobilling.ErrContractNotFound
	}
	return &gobilling.SubscriptionStatus{
		EntityID: entityID,
		Contract: &gobilling.Contract{Tier: tier, Status: gobilling.ContractStatusActive},
	}, nil
}

func serve(reader gobilling.StatusReader, entityID string) *httptest.ResponseRecorder {
	e := echo.New()
	e.GET("/reports", func(c echo.Context) error {
		status, ok := StatusFromContext(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.String(http.StatusOK, string(status.Contract.Tier))
	}, Middleware(Config{
		Manager:     reader,
		GetEntityID: FromHeader("X-Entity-ID"),
		MinimumTier: gobilling.TierPro,
	}))

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if entityID != "" {
		req.Header.Set("X-Entity-ID", entityID)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	reader := &fakeStatus{tiers: map[string]gobilling.Tier{"pro": gobilling.TierPro, "free": gobilling.TierFree}}

	w := serve(reader, "pro")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pro", w.Body.String())

	assert.Equal(t, http.StatusForbidden, serve(reader, "free").Code)
	assert.Equal(t, http.StatusPaymentRequired, serve(reader, "nobody").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(reader, "").Code)
}

func TestMiddleware_LookupError(t *testing.T) {
	w := serve(&fakeStatus{err: errors.New("connection refused")}, "pro")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_PanicsWithoutExtractor(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{Manager: &fakeStatus{}}) })
}
