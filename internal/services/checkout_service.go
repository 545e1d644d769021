package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/payments"
	"github.com/orderflow/api/internal/repositories"
)

// maxOrderNumberAttempts bounds regeneration when an order number collides.
const maxOrderNumberAttempts = 5

var (
	// ErrCheckoutInvalidInput signals the checkout payload failed validation.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutPaymentFailed signals the gateway rejected the payment intent
	// after the order was already persisted.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment intent creation failed")
)

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Orders          repositories.OrderRepository
	Gateway         payments.Gateway
	Clock           func() time.Time
	IDGenerator     func() string
	SuffixGenerator func() string
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders  repositories.OrderRepository
	gateway payments.Gateway
	clock   func() time.Time
	newID   func() string
	suffix  func() string
	events  OrderEventPublisher
	logger  func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
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

	suffix := deps.SuffixGenerator
	if suffix == nil {
		suffix = randomOrderSuffix
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		suffix: suffix,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (CheckoutResult, error) {
	if err := validatePlaceOrder(cmd); err != nil {
		return CheckoutResult{}, err
	}

	now := s.clock()
	order := Order{
		ID:              orderIDPrefix + s.newID(),
		UserID:          strings.TrimSpace(cmd.UserID),
		Items:           cloneLineItems(cmd.Items),
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cloneAddress(cmd.BillingAddress),
		Payment: Payment{
			Method: cmd.PaymentMethod,
			Status: domain.PaymentStatusPending,
			Amount: cmd.Totals.Total,
		},
		Totals:   cmd.Totals,
		Currency: strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Status:   domain.OrderStatusPending,
		StatusHistory: []StatusHistoryEntry{{
			Status:    domain.OrderStatusPending,
			Timestamp: now,
			Note:      "order placed",
			UpdatedBy: strings.TrimSpace(cmd.UserID),
		}},
		CouponCode: strings.TrimSpace(cmd.CouponCode),
		Notes:      strings.TrimSpace(cmd.Notes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.insertWithFreshNumber(ctx, &order, now); err != nil {
		return CheckoutResult{}, err
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:     eventIDPrefix + s.newID(),
		Type:        orderEventCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		OccurredAt:  now,
	})

	if !cmd.PaymentMethod.RequiresGateway() {
		return CheckoutResult{Order: order}, nil
	}

	intent, err := s.openPaymentIntent(ctx, order, cmd)
	if err != nil {
		// The pending order stays persisted so payment can be retried; it is
		// returned alongside the error for the caller to expose.
		return CheckoutResult{Order: order}, err
	}

	updated, err := s.orders.UpdatePayment(ctx, order.ID, repositories.PaymentChange{
		Status:        domain.PaymentStatusPending,
		TransactionID: &intent.ID,
		At:            s.clock(),
	})
	if err != nil {
		s.logger(ctx, "checkout.intent.record.failed", map[string]any{
			"order":  order.ID,
			"intent": intent.ID,
			"error":  err.Error(),
		})
	} else {
		order = updated
	}

	return CheckoutResult{
		Order: order,
		PaymentIntent: &PaymentIntentDetails{
			ID:           intent.ID,
			ClientSecret: intent.ClientSecret,
			Amount:       intent.Amount,
			Currency:     intent.Currency,
		},
	}, nil
}

// insertWithFreshNumber persists the order, regenerating the order number on
// duplicate conflicts. The clash never surfaces to the caller.
func (s *checkoutService) insertWithFreshNumber(ctx context.Context, order *Order, now time.Time) error {
	var lastErr error
	for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
		order.OrderNumber = s.generateOrderNumber(now)

		err := s.orders.Insert(ctx, *order)
		if err == nil {
			return nil
		}

		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			lastErr = err
			s.logger(ctx, "checkout.order_number.collision", map[string]any{
				"orderNumber": order.OrderNumber,
				"attempt":     attempt,
			})
			continue
		}
		return mapRepositoryError(err)
	}
	return fmt.Errorf("%w: could not allocate order number: %v", ErrOrderConflict, lastErr)
}

func (s *checkoutService) openPaymentIntent(ctx context.Context, order Order, cmd PlaceOrderCommand) (payments.Intent, error) {
	req := payments.CreateIntentRequest{
		Amount:        payments.MinorUnits(order.Totals.Total),
		Currency:      order.Currency,
		CustomerEmail: strings.TrimSpace(cmd.CustomerEmail),
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "checkout-" + order.ID
	}

	intent, err := s.gateway.CreateIntent(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.intent.create.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return payments.Intent{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}
	return intent, nil
}

func (s *checkoutService) generateOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), s.suffix())
}

func (s *checkoutService) publishEvent(ctx context.Context, message OrderEventMessage) {
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

func validatePlaceOrder(cmd PlaceOrderCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrCheckoutInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d product id is required", ErrCheckoutInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrCheckoutInvalidInput, i)
		}
		if item.Price < 0 {
			return fmt.Errorf("%w: item %d price must not be negative", ErrCheckoutInvalidInput, i)
		}
		expected := item.Price * float64(item.Quantity)
		if item.Subtotal != 0 && math.Abs(item.Subtotal-expected) > domain.TotalTolerance {
			return fmt.Errorf("%w: item %d subtotal %.2f does not match price times quantity", ErrCheckoutInvalidInput, i, item.Subtotal)
		}
	}
	if err := validateAddress(cmd.ShippingAddress); err != nil {
		return err
	}
	if cmd.BillingAddress != nil {
		if err := validateAddress(*cmd.BillingAddress); err != nil {
			return err
		}
	}
	if !cmd.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrCheckoutInvalidInput, cmd.PaymentMethod)
	}
	if strings.TrimSpace(cmd.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrCheckoutInvalidInput)
	}
	if !cmd.Totals.NonNegative() {
		return fmt.Errorf("%w: totals must not be negative", ErrCheckoutInvalidInput)
	}
	if !cmd.Totals.Consistent() {
		return fmt.Errorf("%w: total does not match breakdown", ErrCheckoutInvalidInput)
	}
	return nil
}

func validateAddress(addr Address) error {
	switch {
	case strings.TrimSpace(addr.Name) == "":
		return fmt.Errorf("%w: address name is required", ErrCheckoutInvalidInput)
	case strings.TrimSpace(addr.Line1) == "":
		return fmt.Errorf("%w: address line1 is required", ErrCheckoutInvalidInput)
	case strings.TrimSpace(addr.City) == "":
		return fmt.Errorf("%w: address city is required", ErrCheckoutInvalidInput)
	case strings.TrimSpace(addr.PostalCode) == "":
		return fmt.Errorf("%w: address postal code is required", ErrCheckoutInvalidInput)
	case strings.TrimSpace(addr.Country) == "":
		return fmt.Errorf("%w: address country is required", ErrCheckoutInvalidInput)
	}
	return nil
}

// cloneLineItems copies the request items, deriving each subtotal from price
// and quantity so the persisted value is never taken from the client verbatim.
func cloneLineItems(items []LineItem) []LineItem {
	cloned := make([]LineItem, len(items))
	copy(cloned, items)
	for i := range cloned {
		cloned[i].Subtotal = math.Round(cloned[i].Price*float64(cloned[i].Quantity)*100) / 100
	}
	return cloned
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}

func randomOrderSuffix() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return strings.ToUpper(ulid.Make().String()[20:])
	}
	return strings.ToUpper(hex.EncodeToString(buf))
}
