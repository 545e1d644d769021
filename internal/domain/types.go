package domain

import (
	"math"
	"time"
)

// TotalTolerance is the maximum absolute drift accepted between an order's
// total and the sum of its financial breakdown, in currency units.
const TotalTolerance = 0.01

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// Pagination defines page-number paging inputs for list operations.
type Pagination struct {
	Page  int
	Limit int
}

// Normalised clamps paging inputs to sane bounds: page >= 1, 1 <= limit <= 100.
func (p Pagination) Normalised() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

// Offset converts the page number into a row offset.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page wraps a single page of results together with total counts.
type Page[T any] struct {
	Items      []T
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

// NewPage assembles a result page, deriving the page count from the total.
func NewPage[T any](items []T, total int64, p Pagination) Page[T] {
	p = p.Normalised()
	pages := int(total) / p.Limit
	if int(total)%p.Limit != 0 {
		pages++
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.Limit,
		TotalPages: pages,
	}
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// PaymentMethod enumerates the accepted ways an order can be paid.
type PaymentMethod string

const (
	// PaymentMethodCard is mediated by the external payment gateway.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodCOD is collected on delivery and confirmed administratively.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodBankTransfer is settled out of band and confirmed administratively.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// RequiresGateway reports whether the method is mediated by the payment gateway.
func (m PaymentMethod) RequiresGateway() bool {
	return m == PaymentMethodCard
}

// Valid reports whether the method belongs to the accepted vocabulary.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodCOD, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// PaymentStatus enumerates the payment sub-record states.
type PaymentStatus string

const (
	// PaymentStatusPending indicates the payment has not been captured yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCaptured indicates the gateway reported a successful charge.
	PaymentStatusCaptured PaymentStatus = "captured"
	// PaymentStatusFailed indicates the charge failed and will not complete.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the captured amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid reports whether the status belongs to the accepted vocabulary.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCaptured, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// Payment is the payment sub-record embedded in an order. Amount is fixed at
// creation; Status, TransactionID and PaidAt are mutated only by payment
// reconciliation or administrative overrides.
type Payment struct {
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID string
	PaidAt        *time.Time
	Amount        float64
}

// Address is a point-in-time snapshot taken when the order is placed. Later
// edits to the customer's address book must not change placed orders.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// LineItem mirrors a cart item at the time of checkout.
type LineItem struct {
	ProductID string
	VariantID string
	Name      string
	SKU       string
	Price     float64
	Quantity  int
	Subtotal  float64
}

// StatusHistoryEntry records one status the order has held. Entries are
// append-only and never edited.
type StatusHistoryEntry struct {
	Status    OrderStatus
	Timestamp time.Time
	Note      string
	UpdatedBy string
}

// Totals is the financial breakdown snapshot computed by the upstream cart
// collaborator. The order core validates the identity
// total = subtotal - discount + tax + shipping but never recomputes pricing.
type Totals struct {
	Subtotal float64
	Discount float64
	Tax      float64
	Shipping float64
	Total    float64
}

// Consistent reports whether the total matches the breakdown within tolerance.
func (t Totals) Consistent() bool {
	return math.Abs(t.Total-(t.Subtotal-t.Discount+t.Tax+t.Shipping)) < TotalTolerance
}

// NonNegative reports whether all breakdown components are >= 0.
func (t Totals) NonNegative() bool {
	return t.Subtotal >= 0 && t.Discount >= 0 && t.Tax >= 0 && t.Shipping >= 0 && t.Total >= 0
}

// Order is the root aggregate: the persisted record of a completed checkout
// and its fulfillment and payment progress. Orders are never deleted;
// cancellation and refund are statuses.
type Order struct {
	ID                string
	OrderNumber       string
	UserID            string
	Items             []LineItem
	ShippingAddress   Address
	BillingAddress    *Address
	Payment           Payment
	Totals            Totals
	Currency          string
	Status            OrderStatus
	StatusHistory     []StatusHistoryEntry
	TrackingNumber    string
	EstimatedDelivery *time.Time
	CouponCode        string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OwnedBy reports whether the order belongs to the given user.
func (o Order) OwnedBy(userID string) bool {
	return o.UserID != "" && o.UserID == userID
}
