package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/services"
)

func adminIdentity() *auth.Identity {
	return &auth.Identity{UID: "staff_1", Roles: []string{auth.RoleStaff}}
}

func TestAdminOrderHandlersListOrdersFilter(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
			captured = filter
			return domain.NewPage([]services.Order{testOrder()}, 1, filter.Pagination), nil
		},
	}
	handler := NewAdminOrderHandlers(nil, orders)
	router := NewRouter(WithAdminRoutes(handler.Routes))

	target := "/api/v1/admin/orders?userId=user_1&status=pending,confirmed&paymentStatus=captured" +
		"&startDate=2026-08-01T00:00:00Z&endDate=2026-08-31T00:00:00Z&minTotal=10&maxTotal=100" +
		"&sortBy=total&sortOrder=asc&page=3&limit=10"
	req := authedRequest(httptest.NewRequest(http.MethodGet, target, nil), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.UserID != "user_1" {
		t.Fatalf("unexpected user filter %q", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPending || captured.Status[1] != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status filter %v", captured.Status)
	}
	if len(captured.PaymentStatus) != 1 || captured.PaymentStatus[0] != domain.PaymentStatusCaptured {
		t.Fatalf("unexpected payment status filter %v", captured.PaymentStatus)
	}
	if captured.CreatedRange.From == nil || !captured.CreatedRange.From.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created range %+v", captured.CreatedRange)
	}
	if captured.TotalRange.From == nil || *captured.TotalRange.From != 10 || captured.TotalRange.To == nil || *captured.TotalRange.To != 100 {
		t.Fatalf("unexpected total range %+v", captured.TotalRange)
	}
	if captured.SortBy != "total" || captured.SortOrder != domain.SortAsc {
		t.Fatalf("unexpected sort %+v", captured)
	}
	if captured.Pagination.Page != 3 || captured.Pagination.Limit != 10 {
		t.Fatalf("unexpected pagination %+v", captured.Pagination)
	}
}

func TestAdminOrderHandlersListOrdersRejectsUnknownStatus(t *testing.T) {
	handler := NewAdminOrderHandlers(nil, &stubOrderService{})
	router := NewRouter(WithAdminRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders?status=teleported", nil), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestAdminOrderHandlersListOrdersRejectsBadSortOrder(t *testing.T) {
	handler := NewAdminOrderHandlers(nil, &stubOrderService{})
	router := NewRouter(WithAdminRoutes(handler.Routes))

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders?sortOrder=sideways", nil), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.StatusTransitionCommand
	updated := testOrder()
	updated.Status = domain.OrderStatusProcessing
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.StatusTransitionCommand) (services.Order, error) {
			captured = cmd
			return updated, nil
		},
	}
	handler := NewAdminOrderHandlers(nil, orders)
	router := NewRouter(WithAdminRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"status":"Processing","note":"picked up by warehouse"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:status", body), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.To != domain.OrderStatusProcessing {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Note != "picked up by warehouse" || captured.ActorID != "staff_1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	var payload orderPayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != string(domain.OrderStatusProcessing) {
		t.Fatalf("unexpected status %q", payload.Status)
	}
}

func TestAdminOrderHandlersUpdateStatusInvalidTransition(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, _ services.StatusTransitionCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}
	handler := NewAdminOrderHandlers(nil, orders)
	router := NewRouter(WithAdminRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"status":"delivered"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:status", body), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestAdminOrderHandlersCancelSkipsOwnershipScope(t *testing.T) {
	var captured services.CancelOrderCommand
	cancelled := testOrder()
	cancelled.Status = domain.OrderStatusCancelled
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return cancelled, nil
		},
	}
	handler := NewAdminOrderHandlers(nil, orders)
	router := NewRouter(WithAdminRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"reason":"fraud review"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:cancel", body), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if captured.RequestedBy != "" {
		t.Fatalf("administrative cancel must not carry an ownership scope, got %q", captured.RequestedBy)
	}
	if captured.Reason != "fraud review" || captured.ActorID != "staff_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestAdminOrderHandlersUpdatePayment(t *testing.T) {
	var captured services.UpdatePaymentCommand
	updated := testOrder()
	updated.Payment.Method = domain.PaymentMethodBankTransfer
	updated.Payment.Status = domain.PaymentStatusCaptured
	orders := &stubOrderService{
		updatePaymentFn: func(_ context.Context, cmd services.UpdatePaymentCommand) (services.Order, error) {
			captured = cmd
			return updated, nil
		},
	}
	handler := NewAdminOrderHandlers(nil, orders)
	router := NewRouter(WithAdminRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"status":"captured","transactionId":"wire-42"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:payment", body), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.Status != domain.PaymentStatusCaptured || captured.TransactionID != "wire-42" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestAdminOrderHandlersAttachTracking(t *testing.T) {
	var captured services.AttachTrackingCommand
	shipped := testOrder()
	shipped.Status = domain.OrderStatusShipped
	orders := &stubOrderService{
		trackingFn: func(_ context.Context, cmd services.AttachTrackingCommand) (services.Order, error) {
			captured = cmd
			return shipped, nil
		},
	}
	handler := NewAdminOrderHandlers(nil, orders)
	router := NewRouter(WithAdminRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"trackingNumber":"TRK-777","estimatedDelivery":"2026-09-05T00:00:00Z"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:tracking", body), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.TrackingNumber != "TRK-777" {
		t.Fatalf("unexpected tracking number %q", captured.TrackingNumber)
	}
	if captured.EstimatedDelivery == nil || !captured.EstimatedDelivery.Equal(time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected estimate %v", captured.EstimatedDelivery)
	}
}

func TestAdminOrderHandlersAttachTrackingRejectsBadTimestamp(t *testing.T) {
	handler := NewAdminOrderHandlers(nil, &stubOrderService{})
	router := NewRouter(WithAdminRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"trackingNumber":"TRK-777","estimatedDelivery":"next tuesday"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:tracking", body), adminIdentity())
	resp := httptest.NewRecorder()

	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
