package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/services"
)

type stubOrderService struct {
	getFn           func(ctx context.Context, orderID string, viewer services.Viewer) (services.Order, error)
	getByNumberFn   func(ctx context.Context, orderNumber string, viewer services.Viewer) (services.Order, error)
	listUserFn      func(ctx context.Context, userID string, page services.Pagination) (domain.Page[services.Order], error)
	listFn          func(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error)
	transitionFn    func(ctx context.Context, cmd services.StatusTransitionCommand) (services.Order, error)
	cancelFn        func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	trackingFn      func(ctx context.Context, cmd services.AttachTrackingCommand) (services.Order, error)
	updatePaymentFn func(ctx context.Context, cmd services.UpdatePaymentCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, viewer services.Viewer) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, viewer)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrderByNumber(ctx context.Context, orderNumber string, viewer services.Viewer) (services.Order, error) {
	if s.getByNumberFn != nil {
		return s.getByNumberFn(ctx, orderNumber, viewer)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListUserOrders(ctx context.Context, userID string, page services.Pagination) (domain.Page[services.Order], error) {
	if s.listUserFn != nil {
		return s.listUserFn(ctx, userID, page)
	}
	return domain.Page[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.Page[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.StatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) AttachTracking(ctx context.Context, cmd services.AttachTrackingCommand) (services.Order, error) {
	if s.trackingFn != nil {
		return s.trackingFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdatePayment(ctx context.Context, cmd services.UpdatePaymentCommand) (services.Order, error) {
	if s.updatePaymentFn != nil {
		return s.updatePaymentFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubCheckoutService struct {
	placeFn func(ctx context.Context, cmd services.PlaceOrderCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.CheckoutResult, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errors.New("not implemented")
}

type stubReconcileService struct {
	confirmFn func(ctx context.Context, cmd services.ConfirmOrderCommand) (services.Order, error)
	handleFn  func(ctx context.Context, event services.PaymentEvent) error
}

func (s *stubReconcileService) ConfirmOrder(ctx context.Context, cmd services.ConfirmOrderCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubReconcileService) HandlePaymentEvent(ctx context.Context, event services.PaymentEvent) error {
	if s.handleFn != nil {
		return s.handleFn(ctx, event)
	}
	return errors.New("not implemented")
}

func testOrder() services.Order {
	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return services.Order{
		ID:          "ord_1",
		OrderNumber: "ORD-20260830-AB12CD",
		UserID:      "user_1",
		Items: []domain.LineItem{{
			ProductID: "prod_1",
			Name:      "Ceramic mug",
			SKU:       "MUG-01",
			Price:     12.50,
			Quantity:  2,
			Subtotal:  25.00,
		}},
		ShippingAddress: domain.Address{
			Name:       "Dana Smith",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		Payment: domain.Payment{
			Method: domain.PaymentMethodCard,
			Status: domain.PaymentStatusPending,
			Amount: 27.59,
		},
		Totals:   domain.Totals{Subtotal: 25.00, Tax: 2.09, Shipping: 0.50, Total: 27.59},
		Currency: "USD",
		Status:   domain.OrderStatusPending,
		StatusHistory: []domain.StatusHistoryEntry{{
			Status:    domain.OrderStatusPending,
			Timestamp: created,
			Note:      "order placed",
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func authedRequest(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func TestOrderHandlersPlaceOrder(t *testing.T) {
	var captured services.PlaceOrderCommand
	checkout := &stubCheckoutService{
		placeFn: func(_ context.Context, cmd services.PlaceOrderCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				Order: testOrder(),
				PaymentIntent: &services.PaymentIntentDetails{
					ID:           "pi_123",
					ClientSecret: "cs_secret",
					Amount:       2759,
					Currency:     "usd",
				},
			}, nil
		},
	}
	handler := NewOrderHandlers(nil, &stubOrderService{}, checkout, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := bytes.NewBufferString(`{
		"items":[{"productId":"prod_1","name":"Ceramic mug","sku":"MUG-01","price":12.5,"qty":2,"subtotal":25}],
		"shippingAddress":{"name":"Dana Smith","line1":"1 Main St","city":"Springfield","postalCode":"12345","country":"US"},
		"paymentMethod":"card",
		"totals":{"subtotal":25,"discount":0,"tax":2.09,"shipping":0.5,"total":27.59},
		"currency":"USD"
	}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders", body), &auth.Identity{UID: "user_1", Email: "dana@example.com"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.UserID != "user_1" {
		t.Fatalf("expected identity user id, got %q", captured.UserID)
	}
	if captured.CustomerEmail != "dana@example.com" {
		t.Fatalf("expected identity email fallback, got %q", captured.CustomerEmail)
	}
	if captured.PaymentMethod != domain.PaymentMethodCard || len(captured.Items) != 1 {
		t.Fatalf("unexpected command %+v", captured)
	}

	var payload checkoutResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Order.ID != "ord_1" {
		t.Fatalf("unexpected order id %q", payload.Order.ID)
	}
	if payload.PaymentIntent == nil || payload.PaymentIntent.ClientSecret != "cs_secret" {
		t.Fatalf("unexpected intent payload %+v", payload.PaymentIntent)
	}
}

func TestOrderHandlersPlaceOrderInvalidInput(t *testing.T) {
	checkout := &stubCheckoutService{
		placeFn: func(_ context.Context, _ services.PlaceOrderCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, services.ErrCheckoutInvalidInput
		},
	}
	handler := NewOrderHandlers(nil, &stubOrderService{}, checkout, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(`{"items":[]}`)), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestOrderHandlersPlaceOrderGatewayFailure(t *testing.T) {
	checkout := &stubCheckoutService{
		placeFn: func(_ context.Context, _ services.PlaceOrderCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{Order: testOrder()}, services.ErrCheckoutPaymentFailed
		},
	}
	handler := NewOrderHandlers(nil, &stubOrderService{}, checkout, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"items":[{"productId":"p","qty":1}]}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders", body), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, orderID string, viewer services.Viewer) (services.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			if viewer.UserID != "user_1" || viewer.Admin {
				t.Fatalf("unexpected viewer %+v", viewer)
			}
			return testOrder(), nil
		},
	}
	handler := NewOrderHandlers(nil, orders, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload orderPayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.OrderNumber != "ORD-20260830-AB12CD" {
		t.Fatalf("unexpected order number %q", payload.OrderNumber)
	}
}

func TestOrderHandlersGetOrderAccessDenied(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, _ string, _ services.Viewer) (services.Order, error) {
			return services.Order{}, services.ErrOrderAccessDenied
		},
	}
	handler := NewOrderHandlers(nil, orders, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil), &auth.Identity{UID: "user_2"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestOrderHandlersGetOrderByNumber(t *testing.T) {
	orders := &stubOrderService{
		getByNumberFn: func(_ context.Context, orderNumber string, _ services.Viewer) (services.Order, error) {
			if orderNumber != "ORD-20260830-AB12CD" {
				t.Fatalf("unexpected order number %q", orderNumber)
			}
			return testOrder(), nil
		},
	}
	handler := NewOrderHandlers(nil, orders, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/orders/number/ORD-20260830-AB12CD", nil), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestOrderHandlersListMyOrders(t *testing.T) {
	orders := &stubOrderService{
		listUserFn: func(_ context.Context, userID string, page services.Pagination) (domain.Page[services.Order], error) {
			if userID != "user_1" {
				t.Fatalf("unexpected user %q", userID)
			}
			if page.Page != 2 || page.Limit != 5 {
				t.Fatalf("unexpected paging %+v", page)
			}
			return domain.NewPage([]services.Order{testOrder()}, 6, page), nil
		},
	}
	handler := NewOrderHandlers(nil, orders, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/orders?page=2&limit=5", nil), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload orderPagePayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 6 || payload.TotalPages != 2 || len(payload.Items) != 1 {
		t.Fatalf("unexpected page %+v", payload)
	}
}

func TestOrderHandlersConfirmOrder(t *testing.T) {
	var captured services.ConfirmOrderCommand
	confirmed := testOrder()
	confirmed.Status = domain.OrderStatusConfirmed
	reconcile := &stubReconcileService{
		confirmFn: func(_ context.Context, cmd services.ConfirmOrderCommand) (services.Order, error) {
			captured = cmd
			return confirmed, nil
		},
	}
	handler := NewOrderHandlers(nil, &stubOrderService{}, &stubCheckoutService{}, reconcile)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"paymentIntentId":"pi_123"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1:confirm", body), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.PaymentIntentID != "pi_123" || captured.ActorID != "user_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersConfirmOrderPaymentNotCompleted(t *testing.T) {
	reconcile := &stubReconcileService{
		confirmFn: func(_ context.Context, _ services.ConfirmOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrPaymentNotCompleted
		},
	}
	handler := NewOrderHandlers(nil, &stubOrderService{}, &stubCheckoutService{}, reconcile)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"paymentIntentId":"pi_123"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1:confirm", body), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.Code)
	}
}

func TestOrderHandlersConfirmOrderPaymentMismatch(t *testing.T) {
	reconcile := &stubReconcileService{
		confirmFn: func(_ context.Context, _ services.ConfirmOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrPaymentMismatch
		},
	}
	handler := NewOrderHandlers(nil, &stubOrderService{}, &stubCheckoutService{}, reconcile)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"paymentIntentId":"pi_other"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1:confirm", body), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	cancelled := testOrder()
	cancelled.Status = domain.OrderStatusCancelled
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return cancelled, nil
		},
	}
	handler := NewOrderHandlers(nil, orders, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"reason":"ordered by mistake"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1:cancel", body), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if captured.Reason != "ordered by mistake" {
		t.Fatalf("reason not forwarded: %q", captured.Reason)
	}
	if captured.RequestedBy != "user_1" {
		t.Fatalf("ownership scope missing: %q", captured.RequestedBy)
	}
}

func TestOrderHandlersCancelNotCancellable(t *testing.T) {
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, _ services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotCancellable
		},
	}
	handler := NewOrderHandlers(nil, orders, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1:cancel", bytes.NewBufferString(`{}`)), &auth.Identity{UID: "user_1"})
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{}, &stubCheckoutService{}, &stubReconcileService{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
