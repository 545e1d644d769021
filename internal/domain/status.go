package domain

import (
	"fmt"
	"slices"
)

// OrderStatus enumerates the fixed lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state of every order.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment was captured and the order accepted.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared for shipment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order was handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusOutForDelivery indicates the order is on its final delivery leg.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is terminal; the order will not be fulfilled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is terminal; the captured payment was returned.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusFailed indicates payment failed; the order may retry to pending.
	OrderStatusFailed OrderStatus = "failed"
)

// statusTransitions is the single source of truth for legal status changes.
// Every mutation path consults this table; there is no bypass.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusConfirmed:      {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:        {OrderStatusOutForDelivery, OrderStatusDelivered},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
	OrderStatusDelivered:      {OrderStatusRefunded},
	OrderStatusCancelled:      {},
	OrderStatusRefunded:       {},
	OrderStatusFailed:         {OrderStatusPending},
}

// cancellableStatuses lists the states from which a cancel request is accepted.
var cancellableStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
}

// InvalidTransitionError reports an attempted status change outside the table.
type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %q to %q", e.From, e.To)
}

// Valid reports whether the status belongs to the fixed vocabulary.
func (s OrderStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether the status has no outgoing transitions.
func (s OrderStatus) Terminal() bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// Cancellable reports whether a cancel request is permitted from the status.
func (s OrderStatus) Cancellable() bool {
	return slices.Contains(cancellableStatuses, s)
}

// CanTransition reports whether moving from one status to another is legal.
// A transition to the current status is not in the table; callers that want
// idempotent no-ops must short-circuit equality before consulting it.
func CanTransition(from, to OrderStatus) bool {
	next, ok := statusTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(next, to)
}

// ValidateTransition returns an InvalidTransitionError when the change is illegal.
func ValidateTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// AllowedTargets returns the legal targets from the given status.
func AllowedTargets(from OrderStatus) []OrderStatus {
	next, ok := statusTransitions[from]
	if !ok {
		return nil
	}
	return slices.Clone(next)
}
