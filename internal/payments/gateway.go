package payments

import (
	"context"
	"errors"
	"math"
)

// Status enumerates the normalised payment intent states reported by the gateway.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrIntentNotFound is returned when the gateway has no record of the intent.
	ErrIntentNotFound = errors.New("payments: payment intent not found")
	// ErrUnavailable is returned when the gateway cannot be reached.
	ErrUnavailable = errors.New("payments: gateway unavailable")
)

// CreateIntentRequest captures the payload required to open a payment intent.
type CreateIntentRequest struct {
	Amount         int64
	Currency       string
	CustomerEmail  string
	Metadata       map[string]string
	IdempotencyKey string
}

// RefundRequest defines a gateway refund attempt against a captured intent.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent normalises gateway payment intent fields for storage and decisions.
// Metadata carries the order reference stamped at creation so reconciliation
// can verify an intent actually belongs to the order being confirmed.
type Intent struct {
	ID           string
	ClientSecret string
	Status       Status
	Amount       int64
	Currency     string
	Metadata     map[string]string
	Raw          map[string]any
}

// WebhookEvent is a signature-verified gateway notification.
type WebhookEvent struct {
	ID          string
	Type        string
	IntentID    string
	OrderID     string
	OrderNumber string
	Status      Status
	Raw         map[string]any
}

// Webhook event types surfaced to the reconciliation layer.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// Gateway defines the contract payment gateway adapters implement.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	Refund(ctx context.Context, req RefundRequest) (Intent, error)
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// MinorUnits converts a currency amount into the gateway's integer representation.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
