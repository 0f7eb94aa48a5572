package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const (
	entityIDParam  = "entityID"
	maxEntityIDLen = 255
	maxBodyBytes   = 16 << 10
)

// Handler provides HTTP endpoints for subscription administration
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		_, err := gobilling.ParseTier(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("billing_period", func(fl validator.FieldLevel) bool {
		_, err := gobilling.ParseBillingPeriod(fl.Field().String())
		return err == nil
	})
	return v
}

// Routes returns a router serving every endpoint under /entities/{entityID}
// and, when a Processor is configured, POST /webhooks/replay.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/entities/{"+entityIDParam+"}/subscription", func(r chi.Router) {
		r.Get("/", h.GetStatus)
		r.Put("/tier", h.ChangeTier)
		r.Post("/cancel", h.Cancel)
		r.Post("/reactivate", h.Reactivate)
	})
	if h.config.Processor != nil {
		r.Post("/webhooks/replay", h.ReplayFailed)
	}
	return r
}

// GetStatus returns the entity's active contract and credit balance
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	status, err := h.config.Manager.GetSubscriptionStatus(r.Context(), entityID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		EntityID:        status.EntityID,
		ContractID:      status.Contract.ID,
		Tier:            string(status.Contract.Tier),
		BillingPeriod:   string(status.Contract.BillingPeriod),
		Status:          string(status.Contract.Status),
		CreditBalance:   status.CreditBalance,
		NextInvoiceDate: status.NextInvoiceDate,
	})
}

// ChangeTier moves the entity to the tier named in the request body
func (h *Handler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	var req ChangeTierRequest
	if err := h.decode(r, &req, false); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	tier, _ := gobilling.ParseTier(req.Tier)
	period, _ := gobilling.ParseBillingPeriod(req.BillingPeriod)

	result, err := h.config.Manager.ChangeTier(r.Context(), entityID, tier, period)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	resp := TierChangeResponse{
		EntityID:       result.EntityID,
		OldTier:        string(result.OldTier),
		NewTier:        string(result.NewTier),
		ContractID:     result.Contract.ID,
		ProratedAmount: result.ProratedAmount.StringFixed(2),
	}
	if result.Invoice != nil {
		resp.InvoiceID = result.Invoice.ID
		resp.InvoiceStatus = string(result.Invoice.Status)
	}
	if result.Payment != nil {
		resp.PaymentID = result.Payment.ID
		resp.PaymentStatus = result.Payment.Status
	}

	h.config.Logger.Info("Tier change requested via API",
		gobilling.F("entityId", entityID),
		gobilling.F("newTier", string(tier)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// Cancel cancels the entity's active contract
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	contract, err := h.config.Manager.CancelSubscription(r.Context(), entityID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, contractResponse(contract))
}

// Reactivate starts a new contract for an entity whose contract was cancelled or expired
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.entityID(w, r)
	if !ok {
		return
	}

	var req ReactivateRequest
	if err := h.decode(r, &req, true); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	var tier gobilling.Tier
	if req.Tier != "" {
		tier, _ = gobilling.ParseTier(req.Tier)
	}
	period, _ := gobilling.ParseBillingPeriod(req.BillingPeriod)

	contract, err := h.config.Manager.ReactivateSubscription(r.Context(), entityID, tier, period)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, contractResponse(contract))
}

// ReplayFailed re-runs every dead-lettered webhook event
func (h *Handler) ReplayFailed(w http.ResponseWriter, r *http.Request) {
	if h.config.Processor == nil {
		h.handleError(w, r, fmt.Errorf("webhook processor not configured"), http.StatusNotImplemented)
		return
	}

	result, err := h.config.Processor.ReplayFailed(r.Context())
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	h.config.Logger.Info("Dead-letter replay finished",
		gobilling.F("replayed", result.Replayed),
		gobilling.F("failed", result.Failed),
	)
	writeJSON(w, http.StatusOK, ReplayResponse{Replayed: result.Replayed, Failed: result.Failed})
}

func (h *Handler) entityID(w http.ResponseWriter, r *http.Request) (string, bool) {
	entityID := h.config.GetEntityID(r)
	if entityID == "" {
		h.handleError(w, r, fmt.Errorf("entity ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(entityID) > maxEntityIDLen {
		h.handleError(w, r, fmt.Errorf("invalid entity ID format"), http.StatusBadRequest)
		return "", false
	}
	return entityID, true
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted only when optional is set.
func (h *Handler) decode(r *http.Request, dst interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps manager errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case gobilling.IsNotFound(err):
		return http.StatusNotFound
	case gobilling.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.Is(err, gobilling.ErrRemoteFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func contractResponse(c *gobilling.Contract) ContractResponse {
	return ContractResponse{
		ID:            c.ID,
		Tier:          string(c.Tier),
		BillingPeriod: string(c.BillingPeriod),
		Status:        string(c.Status),
		StartDate:     c.StartDate,
		EndDate:       c.EndDate,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("Billing API request failed",
			gobilling.F("path", r.URL.Path),
			gobilling.F("error", err),
		)
	}

	// Default error handling
	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
