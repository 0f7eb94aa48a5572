package credits

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const testSecret = "whsec_credits"

const contractCreatedBody = `{"id":"evt_1","type":"contract.created","data":{"id":"ctr_1","customerId":"cus_1","tier":"pro","status":"active"},"createdAt":"2024-01-15T12:00:00Z"}`

func signed(body string) string {
	return "sha256=" + hex.EncodeToString(Sign([]byte(testSecret), []byte(body)))
}

func TestVerifier(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name    string
		sig     string
		body    string
		wantErr error
	}{
		{"valid with prefix", signed(contractCreatedBody), contractCreatedBody, nil},
		{"valid bare hex", strings.TrimPrefix(signed(contractCreatedBody), "sha256="), contractCreatedBody, nil},
		{"missing", "", contractCreatedBody, billing.ErrInvalidWebhookSignature},
		{"not hex", "sha256=zz", contractCreatedBody, billing.ErrInvalidWebhookSignature},
		{"tampered body", signed(contractCreatedBody), strings.Replace(contractCreatedBody, "pro", "enterprise", 1), billing.ErrInvalidWebhookSignature},
		{"signed garbage", signed(`{"id":`), `{"id":`, billing.ErrInvalidWebhookPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.sig != "" {
				header.Set(SignatureHeader, tt.sig)
			}
			event, err := v.Verify(header, []byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "evt_1", event.ID)
			assert.Equal(t, "contract.created", event.Type)
		})
	}

	_, err = NewVerifier("  ")
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestWebhookHandler_MirrorsContract(t *testing.T) {
	store := memory.New()
	p, err := billing.NewProcessor(store, billing.NewMirrorHandler(store, nil), billing.ProcessorConfig{
		Retry: gobilling.RetryConfig{Delay: -1},
	})
	require.NoError(t, err)

	handler, err := NewWebhookHandler(p, testSecret, billing.WebhookConfig{})
	require.NoError(t, err)

	send := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/credits", strings.NewReader(contractCreatedBody))
		req.Header.Set(SignatureHeader, sig)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send("sha256=00"))
	assert.Equal(t, http.StatusOK, send(signed(contractCreatedBody)))
	assert.Equal(t, http.StatusOK, send(signed(contractCreatedBody)))

	contract, err := store.GetContract(context.Background(), "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.TierPro, contract.Tier)
	assert.Equal(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), contract.UpdatedAt)

	events, err := store.ListWebhookEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, billing.SourceSubscriptions, events[0].Source)
}
