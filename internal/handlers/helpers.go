package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/services"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body exceeds limit")
)

const defaultBodyLimit = 64 * 1024

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	data, err := readLimitedBody(r, limit)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func viewerFrom(identity *auth.Identity) services.Viewer {
	return services.Viewer{
		UserID: identity.UID,
		Admin:  identity.IsAdmin(),
	}
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 timestamp")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}

type addressPayload struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type lineItemPayload struct {
	ProductID string  `json:"productId"`
	VariantID string  `json:"variantId,omitempty"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"qty"`
	Subtotal  float64 `json:"subtotal"`
}

type paymentPayload struct {
	Method        string  `json:"method"`
	Status        string  `json:"status"`
	TransactionID string  `json:"transactionId,omitempty"`
	PaidAt        *string `json:"paidAt,omitempty"`
	Amount        float64 `json:"amount"`
}

type totalsPayload struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Tax      float64 `json:"tax"`
	Shipping float64 `json:"shipping"`
	Total    float64 `json:"total"`
}

type historyEntryPayload struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Note      string `json:"note,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

type orderPayload struct {
	ID                string                `json:"id"`
	OrderNumber       string                `json:"orderNumber"`
	UserID            string                `json:"userId"`
	Items             []lineItemPayload     `json:"items"`
	ShippingAddress   addressPayload        `json:"shippingAddress"`
	BillingAddress    *addressPayload       `json:"billingAddress,omitempty"`
	Payment           paymentPayload        `json:"payment"`
	Totals            totalsPayload         `json:"totals"`
	Currency          string                `json:"currency"`
	Status            string                `json:"status"`
	StatusHistory     []historyEntryPayload `json:"statusHistory"`
	TrackingNumber    string                `json:"trackingNumber,omitempty"`
	EstimatedDelivery *string               `json:"estimatedDelivery,omitempty"`
	CouponCode        string                `json:"couponCode,omitempty"`
	Notes             string                `json:"notes,omitempty"`
	CreatedAt         string                `json:"createdAt"`
	UpdatedAt         string                `json:"updatedAt"`
}

type orderPagePayload struct {
	Items      []orderPayload `json:"items"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	TotalPages int            `json:"totalPages"`
}

func toAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Name:       addr.Name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func toOrderPayload(order domain.Order) orderPayload {
	items := make([]lineItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}

	history := make([]historyEntryPayload, 0, len(order.StatusHistory))
	for _, entry := range order.StatusHistory {
		history = append(history, historyEntryPayload{
			Status:    string(entry.Status),
			Timestamp: formatTime(entry.Timestamp),
			Note:      entry.Note,
			UpdatedBy: entry.UpdatedBy,
		})
	}

	payload := orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		Items:             items,
		ShippingAddress:   toAddressPayload(order.ShippingAddress),
		Payment: paymentPayload{
			Method:        string(order.Payment.Method),
			Status:        string(order.Payment.Status),
			TransactionID: order.Payment.TransactionID,
			PaidAt:        formatTimePtr(order.Payment.PaidAt),
			Amount:        order.Payment.Amount,
		},
		Totals: totalsPayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Total:    order.Totals.Total,
		},
		Currency:          order.Currency,
		Status:            string(order.Status),
		StatusHistory:     history,
		TrackingNumber:    order.TrackingNumber,
		EstimatedDelivery: formatTimePtr(order.EstimatedDelivery),
		CouponCode:        order.CouponCode,
		Notes:             order.Notes,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	if order.BillingAddress != nil {
		billing := toAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &billing
	}
	return payload
}

func toOrderPagePayload(page domain.Page[domain.Order]) orderPagePayload {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, toOrderPayload(order))
	}
	return orderPagePayload{
		Items:      items,
		Total:      page.Total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: page.TotalPages,
	}
}

// writeOrderServiceError maps service sentinel errors onto the HTTP envelope.
func writeOrderServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrUnsupportedConfirmationMethod):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("access_denied", "you do not have access to this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "order changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_mismatch", "payment does not match this order", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotCompleted):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_completed", "payment has not completed", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_intent_failed", "payment could not be initiated; retry later", http.StatusBadGateway))
	case errors.Is(err, services.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unreachable; retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
