package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/payments"
	"github.com/orderflow/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventConfirmed     = "order.confirmed"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"
	eventIDPrefix = "evt_"

	// defaultDeliveryWindow is applied when an order enters shipped without an
	// explicit delivery estimate.
	defaultDeliveryWindow = 7 * 24 * time.Hour
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderAccessDenied indicates the viewer may not read the order.
	ErrOrderAccessDenied = errors.New("order: access denied")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderNotCancellable indicates the order has progressed past cancellation.
	ErrOrderNotCancellable = errors.New("order: not cancellable")
	// ErrOrderConflict indicates a concurrent mutation won the write.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Gateway     payments.Gateway
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders  repositories.OrderRepository
	gateway payments.Gateway
	clock   func() time.Time
	newID   func() string
	events  OrderEventPublisher
	logger  func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, viewer Viewer) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !viewer.CanAccess(order) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, orderID)
	}
	return order, nil
}

func (s *orderService) GetOrderByNumber(ctx context.Context, orderNumber string, viewer Viewer) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !viewer.CanAccess(order) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, orderNumber)
	}
	return order, nil
}

func (s *orderService) ListUserOrders(ctx context.Context, userID string, page Pagination) (domain.Page[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Page[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	result, err := s.orders.FindByUser(ctx, userID, page.Normalised())
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	for _, status := range filter.PaymentStatus {
		if !status.Valid() {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, status)
		}
	}
	filter.Pagination = filter.Pagination.Normalised()

	result, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd StatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.To.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.To)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.Status == cmd.To {
		return order, nil
	}
	if err := domain.ValidateTransition(order.Status, cmd.To); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
	}

	now := s.now()
	change := repositories.StatusChange{
		ExpectedFrom: []OrderStatus{order.Status},
		To:           cmd.To,
		Note:         strings.TrimSpace(cmd.Note),
		UpdatedBy:    strings.TrimSpace(cmd.ActorID),
		At:           now,
	}
	if cmd.To == domain.OrderStatusShipped {
		estimate := now.Add(defaultDeliveryWindow)
		change.EstimatedDeliveryDefault = &estimate
	}

	updated, applied, err := s.orders.ApplyStatusChange(ctx, orderID, change)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !applied {
		return Order{}, fmt.Errorf("%w: order %s changed concurrently", ErrOrderConflict, orderID)
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:     s.nextEventID(),
		Type:        orderEventStatusChanged,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      string(updated.Status),
		OccurredAt:  now,
	})

	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if requester := strings.TrimSpace(cmd.RequestedBy); requester != "" && !order.OwnedBy(requester) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, orderID)
	}
	if order.Status == domain.OrderStatusCancelled {
		return order, nil
	}
	if !order.Status.Cancellable() {
		return Order{}, fmt.Errorf("%w: status %s", ErrOrderNotCancellable, order.Status)
	}

	now := s.now()
	note := strings.TrimSpace(cmd.Reason)
	if note == "" {
		note = "cancelled"
	}

	change := repositories.StatusChange{
		ExpectedFrom: []OrderStatus{order.Status},
		To:           domain.OrderStatusCancelled,
		Note:         note,
		UpdatedBy:    strings.TrimSpace(cmd.ActorID),
		At:           now,
	}

	updated, applied, err := s.orders.ApplyStatusChange(ctx, orderID, change)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !applied {
		return Order{}, fmt.Errorf("%w: order %s changed concurrently", ErrOrderConflict, orderID)
	}

	if updated.Payment.Status == domain.PaymentStatusCaptured {
		updated = s.refundCapturedPayment(ctx, updated, now)
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:     s.nextEventID(),
		Type:        orderEventCancelled,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      string(updated.Status),
		OccurredAt:  now,
	})

	return updated, nil
}

// refundCapturedPayment asks the gateway to return a captured charge after a
// cancel. Gateway failure leaves the payment captured for manual follow-up;
// the cancel itself already committed.
func (s *orderService) refundCapturedPayment(ctx context.Context, order Order, now time.Time) Order {
	if s.gateway == nil || order.Payment.TransactionID == "" {
		return order
	}

	_, err := s.gateway.Refund(ctx, payments.RefundRequest{
		IntentID:       order.Payment.TransactionID,
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund-" + order.ID,
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
	})
	if err != nil {
		s.logger(ctx, "order.cancel.refund.failed", map[string]any{
			"order":  order.ID,
			"intent": order.Payment.TransactionID,
			"error":  err.Error(),
		})
		return order
	}

	updated, err := s.orders.UpdatePayment(ctx, order.ID, repositories.PaymentChange{
		Status: domain.PaymentStatusRefunded,
		At:     now,
	})
	if err != nil {
		s.logger(ctx, "order.cancel.refund.record.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return order
	}
	return updated
}

func (s *orderService) AttachTracking(ctx context.Context, cmd AttachTrackingCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if tracking == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required", ErrOrderInvalidInput)
	}

	now := s.now()

	// Physical shipment is ground truth: the write is unconditional and the
	// order is forced to shipped whatever state the record is in. An explicit
	// estimate overwrites; otherwise the carrier window only fills a blank.
	fallback := now.Add(defaultDeliveryWindow)
	change := repositories.StatusChange{
		To:                       domain.OrderStatusShipped,
		Note:                     "tracking " + tracking,
		UpdatedBy:                strings.TrimSpace(cmd.ActorID),
		At:                       now,
		TrackingNumber:           &tracking,
		EstimatedDelivery:        cmd.EstimatedDelivery,
		EstimatedDeliveryDefault: &fallback,
	}

	updated, _, err := s.orders.ApplyStatusChange(ctx, orderID, change)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:     s.nextEventID(),
		Type:        orderEventStatusChanged,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      string(updated.Status),
		OccurredAt:  now,
	})

	return updated, nil
}

func (s *orderService) UpdatePayment(ctx context.Context, cmd UpdatePaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.Status)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.Payment.Method.RequiresGateway() {
		return Order{}, fmt.Errorf("%w: payment method %s is gateway managed", ErrOrderInvalidInput, order.Payment.Method)
	}

	now := s.now()
	change := repositories.PaymentChange{
		Status: cmd.Status,
		At:     now,
	}
	if txID := strings.TrimSpace(cmd.TransactionID); txID != "" {
		change.TransactionID = &txID
	}
	if cmd.Status == domain.PaymentStatusCaptured {
		paidAt := now
		change.PaidAt = &paidAt
	}

	updated, err := s.orders.UpdatePayment(ctx, orderID, change)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapRepositoryError(err)
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextEventID() string {
	return eventIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   message.Type,
			"order":  message.OrderID,
			"status": message.Status,
			"error":  err.Error(),
		})
	}
}
