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
	jobIDPrefix = "rj_"

	reconcileActorGateway = "gateway"

	jobReasonStockConfirmation = "stock_confirmation_failed"
)

var (
	// ErrUnsupportedConfirmationMethod indicates the order's payment method is
	// not settled through the gateway.
	ErrUnsupportedConfirmationMethod = errors.New("reconcile: payment method not gateway mediated")
	// ErrPaymentNotCompleted indicates the gateway does not report the intent
	// as succeeded.
	ErrPaymentNotCompleted = errors.New("reconcile: payment not completed")
	// ErrPaymentMismatch indicates the intent succeeded but was created for a
	// different order or a different amount.
	ErrPaymentMismatch = errors.New("reconcile: payment does not match order")
	// ErrGatewayUnavailable indicates payment state could not be verified and
	// the confirmation should be retried.
	ErrGatewayUnavailable = errors.New("reconcile: gateway unavailable")
)

// ReconcileServiceDeps bundles collaborators required to construct the reconciler.
type ReconcileServiceDeps struct {
	Orders      repositories.OrderRepository
	Gateway     payments.Gateway
	Stock       StockConfirmer
	Jobs        ReconciliationPublisher
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reconcileService struct {
	orders  repositories.OrderRepository
	gateway payments.Gateway
	stock   StockConfirmer
	jobs    ReconciliationPublisher
	events  OrderEventPublisher
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewReconcileService wires dependencies into a concrete ReconcileService implementation.
func NewReconcileService(deps ReconcileServiceDeps) (ReconcileService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconcile service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconcile service: payment gateway is required")
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

	return &reconcileService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		stock:   deps.Stock,
		jobs:    deps.Jobs,
		events:  deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *reconcileService) ConfirmOrder(ctx context.Context, cmd ConfirmOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return s.confirm(ctx, order, intentID, strings.TrimSpace(cmd.ActorID))
}

func (s *reconcileService) HandlePaymentEvent(ctx context.Context, event PaymentEvent) error {
	order, err := s.resolveOrder(ctx, event)
	if err != nil {
		return err
	}

	if !event.Succeeded {
		return s.markPaymentFailed(ctx, order, event)
	}

	_, err = s.confirm(ctx, order, event.IntentID, reconcileActorGateway)
	return err
}

// confirm is the single settlement path shared by direct confirmation and the
// webhook route. The order must already exist; actor is recorded in history.
func (s *reconcileService) confirm(ctx context.Context, order Order, intentID, actor string) (Order, error) {
	if !order.Payment.Method.RequiresGateway() {
		return Order{}, fmt.Errorf("%w: method %s", ErrUnsupportedConfirmationMethod, order.Payment.Method)
	}
	if confirmedOrBeyond(order.Status) {
		return order, nil
	}

	intent, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		// A verification failure is not proof of non-payment; only a
		// definitive gateway answer may reject the confirmation.
		if errors.Is(err, payments.ErrIntentNotFound) {
			return Order{}, fmt.Errorf("%w: intent %s unknown to gateway", ErrPaymentNotCompleted, intentID)
		}
		return Order{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if intent.Status != payments.StatusSucceeded {
		return Order{}, fmt.Errorf("%w: intent %s is %s", ErrPaymentNotCompleted, intentID, intent.Status)
	}
	if err := intentMatchesOrder(intent, order); err != nil {
		return Order{}, err
	}

	now := s.clock()
	paidAt := now
	updated, applied, err := s.orders.ApplyStatusChange(ctx, order.ID, repositories.StatusChange{
		ExpectedFrom: []OrderStatus{domain.OrderStatusPending},
		To:           domain.OrderStatusConfirmed,
		Note:         "payment captured",
		UpdatedBy:    actor,
		At:           now,
		Payment: &repositories.PaymentChange{
			Status:        domain.PaymentStatusCaptured,
			TransactionID: &intentID,
			PaidAt:        &paidAt,
			At:            now,
		},
	})
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if !applied {
		// Another reconciler may have won the race; that is still a success.
		if confirmedOrBeyond(updated.Status) {
			return updated, nil
		}
		return Order{}, fmt.Errorf("%w: cannot confirm order in status %s", ErrOrderInvalidState, updated.Status)
	}

	s.confirmInventory(ctx, updated)

	s.publishEvent(ctx, OrderEventMessage{
		EventID:     eventIDPrefix + s.newID(),
		Type:        orderEventConfirmed,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      string(updated.Status),
		OccurredAt:  now,
	})

	return updated, nil
}

func (s *reconcileService) markPaymentFailed(ctx context.Context, order Order, event PaymentEvent) error {
	now := s.clock()
	_, applied, err := s.orders.ApplyStatusChange(ctx, order.ID, repositories.StatusChange{
		ExpectedFrom: []OrderStatus{domain.OrderStatusPending},
		To:           domain.OrderStatusFailed,
		Note:         "payment failed",
		UpdatedBy:    reconcileActorGateway,
		At:           now,
		Payment: &repositories.PaymentChange{
			Status: domain.PaymentStatusFailed,
			At:     now,
		},
	})
	if err != nil {
		return mapRepositoryError(err)
	}
	if !applied {
		s.logger(ctx, "reconcile.payment_failed.skipped", map[string]any{
			"order": order.ID,
			"event": event.EventID,
		})
	}
	return nil
}

func (s *reconcileService) resolveOrder(ctx context.Context, event PaymentEvent) (Order, error) {
	if orderID := strings.TrimSpace(event.OrderID); orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, mapRepositoryError(err)
		}
		return order, nil
	}
	if number := strings.TrimSpace(event.OrderNumber); number != "" {
		order, err := s.orders.FindByOrderNumber(ctx, number)
		if err != nil {
			return Order{}, mapRepositoryError(err)
		}
		return order, nil
	}
	return Order{}, fmt.Errorf("%w: event %s carries no order reference", ErrOrderNotFound, event.EventID)
}

// confirmInventory commits the stock reservation for each line. Failures are
// queued for the reconciliation worker instead of failing the confirmation.
func (s *reconcileService) confirmInventory(ctx context.Context, order Order) {
	if s.stock == nil {
		return
	}
	for _, item := range order.Items {
		err := s.stock.ConfirmStock(ctx, StockConfirmation{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
		})
		if err == nil {
			continue
		}

		s.logger(ctx, "reconcile.stock.confirm.failed", map[string]any{
			"order":   order.ID,
			"product": item.ProductID,
			"qty":     item.Quantity,
			"error":   err.Error(),
		})
		s.queueReconciliationJob(ctx, order, item)
	}
}

func (s *reconcileService) queueReconciliationJob(ctx context.Context, order Order, item LineItem) {
	if s.jobs == nil {
		return
	}
	message := ReconciliationJobMessage{
		JobID:     jobIDPrefix + s.newID(),
		OrderID:   order.ID,
		ProductID: item.ProductID,
		SKU:       item.SKU,
		Quantity:  item.Quantity,
		Reason:    jobReasonStockConfirmation,
		QueuedAt:  s.clock(),
	}
	if _, err := s.jobs.PublishReconciliationJob(ctx, message); err != nil {
		s.logger(ctx, "reconcile.job.publish.failed", map[string]any{
			"order":   order.ID,
			"product": item.ProductID,
			"error":   err.Error(),
		})
	}
}

func (s *reconcileService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  message.Type,
			"order": message.OrderID,
			"error": err.Error(),
		})
	}
}

// intentMatchesOrder verifies the intent was created for this order. Checkout
// stamps order_id and order_number into the intent metadata at creation, so a
// succeeded intent that carries no reference, references another order, or was
// charged for a different amount must not settle the order.
func intentMatchesOrder(intent payments.Intent, order Order) error {
	orderID := intent.Metadata["order_id"]
	orderNumber := intent.Metadata["order_number"]
	switch {
	case orderID == "" && orderNumber == "":
		return fmt.Errorf("%w: intent %s carries no order reference", ErrPaymentMismatch, intent.ID)
	case orderID != "" && orderID != order.ID:
		return fmt.Errorf("%w: intent %s belongs to order %s", ErrPaymentMismatch, intent.ID, orderID)
	case orderID == "" && orderNumber != order.OrderNumber:
		return fmt.Errorf("%w: intent %s belongs to order %s", ErrPaymentMismatch, intent.ID, orderNumber)
	}
	if expected := payments.MinorUnits(order.Payment.Amount); intent.Amount != expected {
		return fmt.Errorf("%w: intent %s amount %d, order expects %d", ErrPaymentMismatch, intent.ID, intent.Amount, expected)
	}
	return nil
}

// confirmedOrBeyond reports whether the order already progressed past
// confirmation, making a repeat confirmation a no-op.
func confirmedOrBeyond(status OrderStatus) bool {
	switch status {
	case domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusOutForDelivery,
		domain.OrderStatusDelivered,
		domain.OrderStatusRefunded:
		return true
	}
	return false
}
