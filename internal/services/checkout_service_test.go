package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/payments"
	"github.com/orderflow/api/internal/repositories"
)

func validPlaceOrderCommand() PlaceOrderCommand {
	return PlaceOrderCommand{
		UserID:        "user_1",
		CustomerEmail: "dana@example.com",
		Items: []LineItem{{
			ProductID: "prod_1",
			VariantID: "var_1",
			Name:      "Ceramic mug",
			SKU:       "MUG-01",
			Price:     12.50,
			Quantity:  2,
			Subtotal:  25.00,
		}},
		ShippingAddress: Address{
			Name:       "Dana Smith",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		PaymentMethod: domain.PaymentMethodCard,
		Totals: Totals{
			Subtotal: 25.00,
			Tax:      2.09,
			Shipping: 0.50,
			Total:    27.59,
		},
		Currency: "usd",
	}
}

func newTestCheckoutService(t *testing.T, deps CheckoutServiceDeps) CheckoutService {
	t.Helper()
	if deps.Gateway == nil {
		deps.Gateway = &stubGateway{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time {
			return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
		}
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return "TESTULID" }
	}
	if deps.SuffixGenerator == nil {
		deps.SuffixGenerator = func() string { return "A1B2C3" }
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func TestCheckoutPlaceOrderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cmd *PlaceOrderCommand)
	}{
		{"missing user", func(cmd *PlaceOrderCommand) { cmd.UserID = " " }},
		{"no items", func(cmd *PlaceOrderCommand) { cmd.Items = nil }},
		{"zero quantity", func(cmd *PlaceOrderCommand) { cmd.Items[0].Quantity = 0 }},
		{"negative price", func(cmd *PlaceOrderCommand) { cmd.Items[0].Price = -1 }},
		{"missing product", func(cmd *PlaceOrderCommand) { cmd.Items[0].ProductID = "" }},
		{"missing address line", func(cmd *PlaceOrderCommand) { cmd.ShippingAddress.Line1 = "" }},
		{"missing country", func(cmd *PlaceOrderCommand) { cmd.ShippingAddress.Country = "" }},
		{"bad billing address", func(cmd *PlaceOrderCommand) { cmd.BillingAddress = &Address{} }},
		{"unknown method", func(cmd *PlaceOrderCommand) { cmd.PaymentMethod = "crypto" }},
		{"missing currency", func(cmd *PlaceOrderCommand) { cmd.Currency = "" }},
		{"negative discount", func(cmd *PlaceOrderCommand) {
			cmd.Totals.Discount = -5
			cmd.Totals.Total = cmd.Totals.Subtotal + 5 + cmd.Totals.Tax + cmd.Totals.Shipping
		}},
		{"total drift", func(cmd *PlaceOrderCommand) { cmd.Totals.Total += 0.05 }},
		{"subtotal mismatch", func(cmd *PlaceOrderCommand) { cmd.Items[0].Subtotal = 999.99 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubOrderRepo{
				insertFn: func(_ context.Context, _ domain.Order) error {
					t.Fatal("invalid input must not reach the store")
					return nil
				},
			}
			svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo})

			cmd := validPlaceOrderCommand()
			tc.mutate(&cmd)

			_, err := svc.PlaceOrder(context.Background(), cmd)
			if !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestCheckoutPlaceOrderTotalWithinTolerance(t *testing.T) {
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, _ domain.Order) error { return nil },
		updatePaymentFn: func(_ context.Context, _ string, _ repositories.PaymentChange) (domain.Order, error) {
			return sampleOrder(domain.OrderStatusPending), nil
		},
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
			return payments.Intent{ID: "pi_1", ClientSecret: "cs_1", Amount: req.Amount, Currency: req.Currency}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo, Gateway: gateway})

	cmd := validPlaceOrderCommand()
	cmd.Totals.Total += 0.005

	if _, err := svc.PlaceOrder(context.Background(), cmd); err != nil {
		t.Fatalf("sub-tolerance drift must be accepted: %v", err)
	}
}

func TestCheckoutPlaceOrderCardCreatesIntent(t *testing.T) {
	var inserted domain.Order
	var intentReq payments.CreateIntentRequest
	var recordedTx string

	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			inserted = order
			return nil
		},
		updatePaymentFn: func(_ context.Context, orderID string, change repositories.PaymentChange) (domain.Order, error) {
			if orderID != inserted.ID {
				t.Fatalf("unexpected order id %q", orderID)
			}
			if change.TransactionID == nil {
				t.Fatal("expected transaction id")
			}
			recordedTx = *change.TransactionID
			updated := inserted
			updated.Payment.TransactionID = recordedTx
			return updated, nil
		},
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
			intentReq = req
			return payments.Intent{
				ID:           "pi_123",
				ClientSecret: "cs_secret",
				Status:       payments.StatusPending,
				Amount:       req.Amount,
				Currency:     req.Currency,
			}, nil
		},
	}
	events := &captureOrderEvents{}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo, Gateway: gateway, Events: events})

	result, err := svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if inserted.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", inserted.Status)
	}
	if len(inserted.StatusHistory) != 1 || inserted.StatusHistory[0].Status != domain.OrderStatusPending {
		t.Fatalf("expected single pending history entry, got %#v", inserted.StatusHistory)
	}
	if inserted.OrderNumber != "ORD-20260831-A1B2C3" {
		t.Fatalf("unexpected order number %q", inserted.OrderNumber)
	}
	if !strings.HasPrefix(inserted.ID, "ord_") {
		t.Fatalf("unexpected order id %q", inserted.ID)
	}
	if inserted.Payment.Status != domain.PaymentStatusPending || inserted.Payment.Amount != 27.59 {
		t.Fatalf("unexpected payment record %+v", inserted.Payment)
	}
	if inserted.Currency != "USD" {
		t.Fatalf("currency not normalised: %q", inserted.Currency)
	}

	if intentReq.Amount != 2759 {
		t.Fatalf("expected 2759 minor units, got %d", intentReq.Amount)
	}
	if intentReq.Metadata["order_id"] != inserted.ID || intentReq.Metadata["order_number"] != inserted.OrderNumber {
		t.Fatalf("correlation metadata missing: %v", intentReq.Metadata)
	}
	if intentReq.CustomerEmail != "dana@example.com" {
		t.Fatalf("unexpected email %q", intentReq.CustomerEmail)
	}

	if recordedTx != "pi_123" {
		t.Fatalf("transaction id not persisted, got %q", recordedTx)
	}
	if result.PaymentIntent == nil || result.PaymentIntent.ID != "pi_123" || result.PaymentIntent.ClientSecret != "cs_secret" {
		t.Fatalf("unexpected intent details %+v", result.PaymentIntent)
	}
	if len(events.messages) != 1 || events.messages[0].Type != orderEventCreated {
		t.Fatalf("expected created event, got %#v", events.messages)
	}
}

func TestCheckoutPlaceOrderDerivesLineSubtotals(t *testing.T) {
	var inserted domain.Order
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			inserted = order
			return nil
		},
		updatePaymentFn: func(_ context.Context, _ string, _ repositories.PaymentChange) (domain.Order, error) {
			return sampleOrder(domain.OrderStatusPending), nil
		},
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
			return payments.Intent{ID: "pi_1", ClientSecret: "cs_1", Amount: req.Amount, Currency: req.Currency}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo, Gateway: gateway})

	cmd := validPlaceOrderCommand()
	cmd.Items[0].Subtotal = 0

	if _, err := svc.PlaceOrder(context.Background(), cmd); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if len(inserted.Items) != 1 || inserted.Items[0].Subtotal != 25.00 {
		t.Fatalf("subtotal not derived from price and quantity: %#v", inserted.Items)
	}
}

func TestCheckoutPlaceOrderCODSkipsGateway(t *testing.T) {
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, _ domain.Order) error { return nil },
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, _ payments.CreateIntentRequest) (payments.Intent, error) {
			t.Fatal("gateway must not be used for cash on delivery")
			return payments.Intent{}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo, Gateway: gateway})

	cmd := validPlaceOrderCommand()
	cmd.PaymentMethod = domain.PaymentMethodCOD

	result, err := svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.PaymentIntent != nil {
		t.Fatalf("unexpected intent %+v", result.PaymentIntent)
	}
	if result.Order.Payment.Method != domain.PaymentMethodCOD {
		t.Fatalf("unexpected payment method %s", result.Order.Payment.Method)
	}
}

func TestCheckoutPlaceOrderRegeneratesNumberOnConflict(t *testing.T) {
	var attempts []string
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			attempts = append(attempts, order.OrderNumber)
			if len(attempts) == 1 {
				return repoFailure{conflict: true}
			}
			return nil
		},
	}
	suffixes := []string{"AAAAAA", "BBBBBB"}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{
		Orders: repo,
		SuffixGenerator: func() string {
			next := suffixes[0]
			suffixes = suffixes[1:]
			return next
		},
	})

	cmd := validPlaceOrderCommand()
	cmd.PaymentMethod = domain.PaymentMethodCOD

	result, err := svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", len(attempts))
	}
	if attempts[0] == attempts[1] {
		t.Fatalf("order number was not regenerated: %q", attempts[0])
	}
	if result.Order.OrderNumber != "ORD-20260831-BBBBBB" {
		t.Fatalf("unexpected final number %q", result.Order.OrderNumber)
	}
}

func TestCheckoutPlaceOrderNumberExhaustion(t *testing.T) {
	var attempts int
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, _ domain.Order) error {
			attempts++
			return repoFailure{conflict: true}
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo})

	cmd := validPlaceOrderCommand()
	cmd.PaymentMethod = domain.PaymentMethodCOD

	_, err := svc.PlaceOrder(context.Background(), cmd)
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict after exhaustion, got %v", err)
	}
	if attempts != maxOrderNumberAttempts {
		t.Fatalf("expected %d attempts, got %d", maxOrderNumberAttempts, attempts)
	}
}

func TestCheckoutPlaceOrderGatewayFailureKeepsOrder(t *testing.T) {
	var inserted bool
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, _ domain.Order) error {
			inserted = true
			return nil
		},
		updatePaymentFn: func(_ context.Context, _ string, _ repositories.PaymentChange) (domain.Order, error) {
			t.Fatal("no transaction id must be recorded after a gateway failure")
			return domain.Order{}, nil
		},
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, _ payments.CreateIntentRequest) (payments.Intent, error) {
			return payments.Intent{}, payments.ErrUnavailable
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Orders: repo, Gateway: gateway})

	result, err := svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if !inserted {
		t.Fatal("order must be persisted before the gateway call")
	}
	if result.Order.ID == "" {
		t.Fatal("the pending order must be returned for retry")
	}
	if result.Order.Payment.TransactionID != "" {
		t.Fatalf("unexpected transaction id %q", result.Order.Payment.TransactionID)
	}
}
