package services

import (
	"context"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	LineItem           = domain.LineItem
	Address            = domain.Address
	Payment            = domain.Payment
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	Totals             = domain.Totals
	StatusHistoryEntry = domain.StatusHistoryEntry
)

// OrderListFilter re-exports the repository filter used by administrative listings.
type OrderListFilter = repositories.OrderListFilter

// Viewer identifies the authenticated caller for access decisions on order reads.
type Viewer struct {
	UserID string
	Admin  bool
}

// CanAccess reports whether the viewer may read the given order.
func (v Viewer) CanAccess(order Order) bool {
	return v.Admin || order.OwnedBy(v.UserID)
}

// OrderService exposes order reads and the administrative lifecycle mutations.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string, viewer Viewer) (Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string, viewer Viewer) (Order, error)
	ListUserOrders(ctx context.Context, userID string, page Pagination) (domain.Page[Order], error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error)
	TransitionStatus(ctx context.Context, cmd StatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	AttachTracking(ctx context.Context, cmd AttachTrackingCommand) (Order, error)
	UpdatePayment(ctx context.Context, cmd UpdatePaymentCommand) (Order, error)
}

// StatusTransitionCommand requests one validated status change.
type StatusTransitionCommand struct {
	OrderID string
	To      OrderStatus
	Note    string
	ActorID string
}

// CancelOrderCommand requests cancellation of an order that has not shipped.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string

	// RequestedBy restricts the cancel to orders owned by this user.
	// Empty means administrative, no ownership check.
	RequestedBy string
}

// AttachTrackingCommand records carrier hand-off details on an order.
type AttachTrackingCommand struct {
	OrderID           string
	TrackingNumber    string
	EstimatedDelivery *time.Time
	ActorID           string
}

// UpdatePaymentCommand is the administrative payment-status override used for
// methods settled outside the gateway.
type UpdatePaymentCommand struct {
	OrderID       string
	Status        PaymentStatus
	TransactionID string
	ActorID       string
}

// CheckoutService turns a validated cart snapshot into a pending order and,
// for gateway-mediated methods, an open payment intent.
type CheckoutService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (CheckoutResult, error)
}

// PlaceOrderCommand carries the checkout payload assembled by the caller.
type PlaceOrderCommand struct {
	UserID          string
	CustomerEmail   string
	Items           []LineItem
	ShippingAddress Address
	BillingAddress  *Address
	PaymentMethod   PaymentMethod
	Totals          Totals
	Currency        string
	CouponCode      string
	Notes           string
	IdempotencyKey  string
}

// CheckoutResult is the order created by checkout plus the gateway intent
// details the client needs to complete payment, when one was opened.
type CheckoutResult struct {
	Order         Order
	PaymentIntent *PaymentIntentDetails
}

// PaymentIntentDetails is the client-facing slice of a gateway payment intent.
type PaymentIntentDetails struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
}

// ReconcileService settles pending orders against the payment gateway, both
// on direct client confirmation and on verified webhook events.
type ReconcileService interface {
	ConfirmOrder(ctx context.Context, cmd ConfirmOrderCommand) (Order, error)
	HandlePaymentEvent(ctx context.Context, event PaymentEvent) error
}

// ConfirmOrderCommand is the direct confirmation path: the client reports a
// completed payment and names the intent it completed.
type ConfirmOrderCommand struct {
	OrderID         string
	PaymentIntentID string
	ActorID         string
}

// PaymentEvent is a signature-verified gateway notification routed to the
// reconciler by the webhook handler.
type PaymentEvent struct {
	EventID     string
	Type        string
	IntentID    string
	OrderID     string
	OrderNumber string
	Succeeded   bool
}

// OrderEventPublisher pushes order lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// OrderEventMessage is the wire form of an order lifecycle event.
type OrderEventMessage struct {
	EventID     string    `json:"eventId"`
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// ReconciliationPublisher queues failed stock confirmations for out-of-band replay.
type ReconciliationPublisher interface {
	PublishReconciliationJob(ctx context.Context, message ReconciliationJobMessage) (string, error)
}

// ReconciliationJobMessage describes one order line whose stock confirmation
// must be replayed by the reconciliation worker.
type ReconciliationJobMessage struct {
	JobID     string    `json:"jobId"`
	OrderID   string    `json:"orderId"`
	ProductID string    `json:"productId"`
	SKU       string    `json:"sku"`
	Quantity  int       `json:"qty"`
	Reason    string    `json:"reason"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// StockConfirmer is the slice of the catalog client the reconciler depends on.
type StockConfirmer interface {
	ConfirmStock(ctx context.Context, req StockConfirmation) error
}

// StockConfirmation identifies one order line whose reservation should be
// converted into a committed deduction.
type StockConfirmation struct {
	OrderID   string
	ProductID string
	VariantID string
	SKU       string
	Quantity  int
}
