package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/services"
)

const (
	maxCheckoutBodySize = 64 * 1024
	maxActionBodySize   = 4 * 1024
)

type checkoutAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

func (a checkoutAddress) toDomain() domain.Address {
	return domain.Address{
		Name:       strings.TrimSpace(a.Name),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

type checkoutItem struct {
	ProductID string  `json:"productId"`
	VariantID string  `json:"variantId"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"qty"`
	Subtotal  float64 `json:"subtotal"`
}

type checkoutRequest struct {
	Items           []checkoutItem   `json:"items"`
	ShippingAddress checkoutAddress  `json:"shippingAddress"`
	BillingAddress  *checkoutAddress `json:"billingAddress"`
	PaymentMethod   string           `json:"paymentMethod"`
	Totals          totalsPayload    `json:"totals"`
	Currency        string           `json:"currency"`
	CouponCode      string           `json:"couponCode"`
	Notes           string           `json:"notes"`
	CustomerEmail   string           `json:"customerEmail"`
}

type paymentIntentPayload struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type checkoutResponse struct {
	Order         orderPayload          `json:"order"`
	PaymentIntent *paymentIntentPayload `json:"paymentIntent,omitempty"`
}

type confirmOrderRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer facing order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	checkout    services.CheckoutService
	reconcile   services.ReconcileService
	idempotency func(http.Handler) http.Handler
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, checkout services.CheckoutService, reconcile services.ReconcileService) *OrderHandlers {
	return &OrderHandlers{
		authn:     authn,
		orders:    orders,
		checkout:  checkout,
		reconcile: reconcile,
	}
}

// WithIdempotency applies the given middleware to the checkout endpoint.
func (h *OrderHandlers) WithIdempotency(mw func(http.Handler) http.Handler) *OrderHandlers {
	h.idempotency = mw
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/", h.placeOrder)
	} else {
		r.Post("/", h.placeOrder)
	}
	r.Get("/", h.listMyOrders)
	r.Get("/number/{orderNumber}", h.getOrderByNumber)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:confirm", h.confirmOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSONBody(r, maxCheckoutBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.LineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: strings.TrimSpace(item.VariantID),
			Name:      strings.TrimSpace(item.Name),
			SKU:       strings.TrimSpace(item.SKU),
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}

	cmd := services.PlaceOrderCommand{
		UserID:        identity.UID,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Items:         items,
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod: domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Totals: domain.Totals{
			Subtotal: req.Totals.Subtotal,
			Discount: req.Totals.Discount,
			Tax:      req.Totals.Tax,
			Shipping: req.Totals.Shipping,
			Total:    req.Totals.Total,
		},
		Currency:       req.Currency,
		CouponCode:     req.CouponCode,
		Notes:          req.Notes,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if req.CustomerEmail == "" {
		cmd.CustomerEmail = identity.Email
	}
	if req.BillingAddress != nil {
		billing := req.BillingAddress.toDomain()
		cmd.BillingAddress = &billing
	}

	result, err := h.checkout.PlaceOrder(ctx, cmd)
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}

	resp := checkoutResponse{Order: toOrderPayload(result.Order)}
	if result.PaymentIntent != nil {
		resp.PaymentIntent = &paymentIntentPayload{
			ID:           result.PaymentIntent.ID,
			ClientSecret: result.PaymentIntent.ClientSecret,
			Amount:       result.PaymentIntent.Amount,
			Currency:     result.PaymentIntent.Currency,
		}
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	page, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.orders.ListUserOrders(ctx, identity.UID, page)
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPagePayload(result))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrderByNumber(ctx, chi.URLParam(r, "orderNumber"), viewerFrom(identity))
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *OrderHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req confirmOrderRequest
	if err := decodeJSONBody(r, maxActionBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.reconcile.ConfirmOrder(ctx, services.ConfirmOrderCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		PaymentIntentID: req.PaymentIntentID,
		ActorID:         identity.UID,
	})
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := decodeJSONBody(r, maxActionBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:     chi.URLParam(r, "orderID"),
		Reason:      req.Reason,
		ActorID:     identity.UID,
		RequestedBy: identity.UID,
	})
	if err != nil {
		writeOrderServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func parsePagination(r *http.Request) (domain.Pagination, error) {
	page := domain.Pagination{}
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("page")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return page, errors.New("page must be an integer")
		}
		page.Page = value
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return page, errors.New("limit must be an integer")
		}
		page.Limit = value
	}
	return page.Normalised(), nil
}
