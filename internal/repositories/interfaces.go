package repositories

import (
	"context"
	"time"

	domain "github.com/orderflow/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository is the single source of truth for order records and their
// append-only status history.
type OrderRepository interface {
	// Insert persists a new order. A clash on the order number surfaces as a
	// conflict RepositoryError; callers regenerate the number and retry
	// rather than reporting the clash upstream.
	Insert(ctx context.Context, order domain.Order) error

	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	FindByUser(ctx context.Context, userID string, page domain.Pagination) (domain.Page[domain.Order], error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)

	// ApplyStatusChange atomically mutates the order's status (and the
	// optional payment/tracking fields carried on the change) and appends
	// the matching history entry in one persistence operation. When the
	// change names expected source statuses and the live status is not one
	// of them, nothing is written and applied is false; the caller decides
	// whether that is a no-op success or a conflict.
	ApplyStatusChange(ctx context.Context, orderID string, change StatusChange) (order domain.Order, applied bool, err error)

	// UpdatePayment mutates only the payment sub-record, leaving status and
	// history untouched. Used by checkout to attach the gateway reference
	// and by administrative payment overrides.
	UpdatePayment(ctx context.Context, orderID string, change PaymentChange) (domain.Order, error)
}

// StatusChange describes one validated status mutation plus the side-effect
// fields written in the same persistence operation.
type StatusChange struct {
	// ExpectedFrom guards against lost updates: the write only applies when
	// the live status is in this set. Empty means unconditional (used by
	// tracking attachment, where physical shipment is ground truth).
	ExpectedFrom []domain.OrderStatus
	To           domain.OrderStatus
	Note         string
	UpdatedBy    string
	At           time.Time

	Payment        *PaymentChange
	TrackingNumber *string

	// EstimatedDelivery overwrites the stored estimate. EstimatedDeliveryDefault
	// is written only when the order has no estimate yet, so a derived fallback
	// never clobbers a value an operator set earlier.
	EstimatedDelivery        *time.Time
	EstimatedDeliveryDefault *time.Time
}

// PaymentChange carries the mutable payment fields. Amount is fixed at
// creation and intentionally absent.
type PaymentChange struct {
	Status        domain.PaymentStatus
	TransactionID *string
	PaidAt        *time.Time
	At            time.Time
}

// OrderListFilter drives the administrative order listing.
type OrderListFilter struct {
	UserID        string
	Status        []domain.OrderStatus
	PaymentStatus []domain.PaymentStatus
	CreatedRange  domain.RangeQuery[time.Time]
	TotalRange    domain.RangeQuery[float64]
	SortBy        string
	SortOrder     domain.SortOrder
	Pagination    domain.Pagination
}
