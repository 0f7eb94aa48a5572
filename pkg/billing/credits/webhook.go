package credits

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body, optionally prefixed with "sha256="
const SignatureHeader = "X-Credits-Signature"

// Verifier checks the HMAC signature of subscription provider deliveries
type Verifier struct {
	secret []byte
}

var _ billing.Verifier = (*Verifier)(nil)

// NewVerifier creates a verifier for the shared webhook secret
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret required", billing.ErrProviderNotConfigured)
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify implements billing.Verifier
func (v *Verifier) Verify(header http.Header, body []byte) (*gobilling.WebhookEvent, error) {
	sig := strings.TrimSpace(header.Get(SignatureHeader))
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return nil, billing.ErrInvalidWebhookSignature
	}

	expected, err := hex.DecodeString(sig)
	if err != nil {
		return nil, billing.ErrInvalidWebhookSignature
	}
	if !hmac.Equal(expected, Sign(v.secret, body)) {
		return nil, billing.ErrInvalidWebhookSignature
	}

	return billing.ParseEvent(body)
}

// Sign computes the raw HMAC-SHA256 of body
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// NewWebhookHandler returns the signed webhook endpoint for the subscription provider.
// Source and Verifier in config are set from secret.
func NewWebhookHandler(processor *billing.Processor, secret string, config billing.WebhookConfig) (http.Handler, error) {
	verifier, err := NewVerifier(secret)
	if err != nil {
		return nil, err
	}
	config.Source = billing.SourceSubscriptions
	config.Verifier = verifier
	return billing.NewWebhookHandler(processor, config)
}
