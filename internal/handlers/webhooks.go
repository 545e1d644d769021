package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orderflow/api/internal/payments"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/platform/requestctx"
	"github.com/orderflow/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

const stripeSignatureHeader = "Stripe-Signature"

// WebhookHandlers receives payment gateway notifications.
type WebhookHandlers struct {
	gateway   payments.Gateway
	reconcile services.ReconcileService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(gateway payments.Gateway, reconcile services.ReconcileService) *WebhookHandlers {
	return &WebhookHandlers{
		gateway:   gateway,
		reconcile: reconcile,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeWebhook)
}

// stripeWebhook verifies the payload signature before anything else; an
// unverified payload must not influence any state.
func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "could not read webhook payload", http.StatusBadRequest))
		return
	}

	event, err := h.gateway.VerifyWebhook(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "could not parse webhook payload", http.StatusBadRequest))
		return
	}

	switch event.Type {
	case payments.EventPaymentSucceeded, payments.EventPaymentFailed:
	default:
		logger.Debug("webhook event ignored", zap.String("event", event.ID), zap.String("type", event.Type))
		writeJSONResponse(w, http.StatusOK, map[string]string{"received": event.ID})
		return
	}

	reconcileErr := h.reconcile.HandlePaymentEvent(ctx, services.PaymentEvent{
		EventID:     event.ID,
		Type:        event.Type,
		IntentID:    event.IntentID,
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		Succeeded:   event.Type == payments.EventPaymentSucceeded,
	})
	if reconcileErr != nil {
		// The event is verified, so it is acknowledged either way; the
		// gateway retries delivery only on non-2xx responses and a
		// reconciliation failure here is not resolved by a replay alone.
		logger.Error("webhook reconciliation failed",
			zap.String("event", event.ID),
			zap.String("type", event.Type),
			zap.String("order", event.OrderID),
			zap.Error(reconcileErr),
		)
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"received": event.ID})
}
