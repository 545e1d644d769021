package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/services"
)

type adminStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type adminCancelRequest struct {
	Reason string `json:"reason"`
}

type adminPaymentRequest struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

type adminTrackingRequest struct {
	TrackingNumber    string `json:"trackingNumber"`
	EstimatedDelivery string `json:"estimatedDelivery"`
}

// AdminOrderHandlers exposes the administrative order endpoints.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewAdminOrderHandlers constructs a new AdminOrderHandlers instance.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:status", h.updateStatus)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}:payment", h.updatePayment)
	r.Post("/orders/{orderID}:tracking", h.attachTracking)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseAdminOrderFilter(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPagePayload(result))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), viewerFrom(identity))
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req adminStatusRequest
	if err := decodeJSONBody(r, maxActionBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.StatusTransitionCommand{
		OrderID: chi.URLParam(r, "orderID"),
		To:      domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Note:    req.Note,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req adminCancelRequest
	if err := decodeJSONBody(r, maxActionBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *AdminOrderHandlers) updatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req adminPaymentRequest
	if err := decodeJSONBody(r, maxActionBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdatePayment(ctx, services.UpdatePaymentCommand{
		OrderID:       chi.URLParam(r, "orderID"),
		Status:        domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		TransactionID: req.TransactionID,
		ActorID:       identity.UID,
	})
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *AdminOrderHandlers) attachTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req adminTrackingRequest
	if err := decodeJSONBody(r, maxActionBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.AttachTrackingCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		TrackingNumber: req.TrackingNumber,
		ActorID:        identity.UID,
	}
	if raw := strings.TrimSpace(req.EstimatedDelivery); raw != "" {
		estimate, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "estimatedDelivery must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.EstimatedDelivery = &estimate
	}

	order, err := h.orders.AttachTracking(ctx, cmd)
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func parseAdminOrderFilter(r *http.Request) (services.OrderListFilter, error) {
	query := r.URL.Query()
	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(query.Get("userId")),
	}

	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.OrderStatus(raw)
		if !status.Valid() {
			return filter, errors.New("unknown status filter " + strconv.Quote(raw))
		}
		filter.Status = append(filter.Status, status)
	}
	for _, raw := range parseFilterValues(query["paymentStatus"]) {
		status := domain.PaymentStatus(raw)
		if !status.Valid() {
			return filter, errors.New("unknown payment status filter " + strconv.Quote(raw))
		}
		filter.PaymentStatus = append(filter.PaymentStatus, status)
	}

	var createdRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("startDate")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return filter, errors.New("startDate must be a valid RFC3339 timestamp")
		}
		createdRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("endDate")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return filter, errors.New("endDate must be a valid RFC3339 timestamp")
		}
		createdRange.To = &ts
	}
	filter.CreatedRange = createdRange

	var totalRange domain.RangeQuery[float64]
	if raw := strings.TrimSpace(query.Get("minTotal")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, errors.New("minTotal must be a number")
		}
		totalRange.From = &value
	}
	if raw := strings.TrimSpace(query.Get("maxTotal")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, errors.New("maxTotal must be a number")
		}
		totalRange.To = &value
	}
	filter.TotalRange = totalRange

	filter.SortBy = strings.TrimSpace(query.Get("sortBy"))
	switch strings.ToLower(strings.TrimSpace(query.Get("sortOrder"))) {
	case "", "desc":
		filter.SortOrder = domain.SortDesc
	case "asc":
		filter.SortOrder = domain.SortAsc
	default:
		return filter, errors.New("sortOrder must be asc or desc")
	}

	page := domain.Pagination{}
	if raw := strings.TrimSpace(query.Get("page")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("page must be an integer")
		}
		page.Page = value
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		page.Limit = value
	}
	filter.Pagination = page.Normalised()

	return filter, nil
}
