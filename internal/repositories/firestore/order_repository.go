package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderflow/api/internal/domain"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderNumbersCollection = "orderNumbers"
)

// OrderRepository persists orders in Firestore. Order numbers are kept unique
// through reservation documents created in the same transaction as the order.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	numbers  *pfirestore.BaseRepository[orderNumberDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	numbers := pfirestore.NewBaseRepository[orderNumberDocument](provider, orderNumbersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders, numbers: numbers}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}
	if strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order insert: order number is required")
	}

	doc := newOrderDocument(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		numberRef, err := r.numbers.DocumentRef(ctx, order.OrderNumber)
		if err != nil {
			return err
		}
		if err := tx.Create(numberRef, orderNumberDocument{
			OrderRef:  order.ID,
			CreatedAt: order.CreatedAt.UTC(),
		}); err != nil {
			return err
		}
		return tx.Create(orderRef, doc)
	})
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.numbers == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order find: order number is required")
	}

	number, err := r.numbers.Get(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.getByNumber", err)
	}
	return r.FindByID(ctx, number.Data.OrderRef)
}

func (r *OrderRepository) FindByUser(ctx context.Context, userID string, page domain.Pagination) (domain.Page[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.Page[domain.Order]{}, errors.New("order repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Page[domain.Order]{}, errors.New("order list: user id is required")
	}

	filter := repositories.OrderListFilter{
		UserID:     userID,
		SortBy:     "createdAt",
		SortOrder:  domain.SortDesc,
		Pagination: page,
	}
	return r.List(ctx, filter)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.Page[domain.Order]{}, errors.New("order repository not initialised")
	}

	page := filter.Pagination.Normalised()

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Page[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	base := client.Collection(ordersCollection).Query
	if filter.UserID != "" {
		base = base.Where("userId", "==", strings.TrimSpace(filter.UserID))
	}
	if len(filter.Status) > 0 {
		base = base.Where("status", "in", statusStrings(filter.Status))
	}
	if len(filter.PaymentStatus) > 0 {
		base = base.Where("payment.status", "in", paymentStatusStrings(filter.PaymentStatus))
	}
	if filter.CreatedRange.From != nil {
		base = base.Where("createdAt", ">=", filter.CreatedRange.From.UTC())
	}
	if filter.CreatedRange.To != nil {
		base = base.Where("createdAt", "<=", filter.CreatedRange.To.UTC())
	}
	if filter.TotalRange.From != nil {
		base = base.Where("totals.total", ">=", *filter.TotalRange.From)
	}
	if filter.TotalRange.To != nil {
		base = base.Where("totals.total", "<=", *filter.TotalRange.To)
	}

	total, err := r.countOrders(ctx, base)
	if err != nil {
		return domain.Page[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	direction := firestore.Desc
	if filter.SortOrder == domain.SortAsc {
		direction = firestore.Asc
	}
	sortField := orderSortField(filter.SortBy)
	query := base.OrderBy(sortField, direction)
	if sortField != "createdAt" {
		query = query.OrderBy("createdAt", firestore.Desc)
	}
	query = query.Offset(page.Offset()).Limit(page.Limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.Page[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Page[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	return domain.NewPage(orders, total, page), nil
}

func (r *OrderRepository) ApplyStatusChange(ctx context.Context, orderID string, change repositories.StatusChange) (domain.Order, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, false, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, false, errors.New("order status change: id is required")
	}
	if !change.To.Valid() {
		return domain.Order{}, false, fmt.Errorf("order status change: unknown status %q", change.To)
	}

	at := change.At.UTC()
	var (
		result  domain.Order
		applied bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.WrapError("orders.statusChange", err)
			}
			return err
		}
		doc, err := decodeOrder(snap)
		if err != nil {
			return err
		}

		if len(change.ExpectedFrom) > 0 && !containsStatus(change.ExpectedFrom, domain.OrderStatus(doc.Status)) {
			result = doc.toDomain(snap.Ref.ID)
			applied = false
			return nil
		}

		doc.Status = string(change.To)
		doc.StatusHistory = append(doc.StatusHistory, historyEntryDocument{
			Status:    string(change.To),
			Timestamp: at,
			Note:      strings.TrimSpace(change.Note),
			UpdatedBy: strings.TrimSpace(change.UpdatedBy),
		})
		if change.Payment != nil {
			doc.Payment.apply(*change.Payment)
		}
		if change.TrackingNumber != nil {
			doc.TrackingNumber = strings.TrimSpace(*change.TrackingNumber)
		}
		if change.EstimatedDelivery != nil {
			delivery := change.EstimatedDelivery.UTC()
			doc.EstimatedDelivery = &delivery
		} else if change.EstimatedDeliveryDefault != nil && doc.EstimatedDelivery == nil {
			delivery := change.EstimatedDeliveryDefault.UTC()
			doc.EstimatedDelivery = &delivery
		}
		doc.UpdatedAt = at

		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}
		result = doc.toDomain(snap.Ref.ID)
		applied = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, pfirestore.WrapError("orders.statusChange", err)
	}
	return result, applied, nil
}

func (r *OrderRepository) UpdatePayment(ctx context.Context, orderID string, change repositories.PaymentChange) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order payment update: id is required")
	}

	var result domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		doc, err := decodeOrder(snap)
		if err != nil {
			return err
		}

		doc.Payment.apply(change)
		doc.UpdatedAt = change.At.UTC()

		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}
		result = doc.toDomain(snap.Ref.ID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.paymentUpdate", err)
	}
	return result, nil
}

func (r *OrderRepository) countOrders(ctx context.Context, query firestore.Query) (int64, error) {
	results, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, err
	}
	value, ok := results["total"]
	if !ok {
		return 0, errors.New("orders count: missing aggregation result")
	}
	count, ok := value.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("orders count: unexpected aggregation type %T", value)
	}
	return count.GetIntegerValue(), nil
}

func orderSortField(sortBy string) string {
	switch strings.TrimSpace(sortBy) {
	case "total":
		return "totals.total"
	case "updatedAt":
		return "updatedAt"
	default:
		return "createdAt"
	}
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func paymentStatusStrings(statuses []domain.PaymentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func containsStatus(set []domain.OrderStatus, current domain.OrderStatus) bool {
	for _, s := range set {
		if s == current {
			return true
		}
	}
	return false
}

// Document structures -------------------------------------------------------

type orderDocument struct {
	OrderNumber       string                 `firestore:"orderNumber"`
	UserID            string                 `firestore:"userId"`
	Items             []lineItemDocument     `firestore:"items"`
	ShippingAddress   addressDocument        `firestore:"shippingAddress"`
	BillingAddress    *addressDocument       `firestore:"billingAddress,omitempty"`
	Payment           paymentDocument        `firestore:"payment"`
	Totals            totalsDocument         `firestore:"totals"`
	Currency          string                 `firestore:"currency"`
	Status            string                 `firestore:"status"`
	StatusHistory     []historyEntryDocument `firestore:"statusHistory"`
	TrackingNumber    string                 `firestore:"trackingNumber,omitempty"`
	EstimatedDelivery *time.Time             `firestore:"estimatedDelivery,omitempty"`
	CouponCode        string                 `firestore:"couponCode,omitempty"`
	Notes             string                 `firestore:"notes,omitempty"`
	CreatedAt         time.Time              `firestore:"createdAt"`
	UpdatedAt         time.Time              `firestore:"updatedAt"`
}

type lineItemDocument struct {
	ProductID string  `firestore:"productId"`
	VariantID string  `firestore:"variantId,omitempty"`
	Name      string  `firestore:"name"`
	SKU       string  `firestore:"sku"`
	Price     float64 `firestore:"price"`
	Quantity  int     `firestore:"qty"`
	Subtotal  float64 `firestore:"subtotal"`
}

type addressDocument struct {
	Name       string `firestore:"name"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	Method        string     `firestore:"method"`
	Status        string     `firestore:"status"`
	TransactionID string     `firestore:"transactionId,omitempty"`
	PaidAt        *time.Time `firestore:"paidAt,omitempty"`
	Amount        float64    `firestore:"amount"`
}

func (p *paymentDocument) apply(change repositories.PaymentChange) {
	p.Status = string(change.Status)
	if change.TransactionID != nil {
		p.TransactionID = strings.TrimSpace(*change.TransactionID)
	}
	if change.PaidAt != nil {
		paidAt := change.PaidAt.UTC()
		p.PaidAt = &paidAt
	}
}

type totalsDocument struct {
	Subtotal float64 `firestore:"subtotal"`
	Discount float64 `firestore:"discount"`
	Tax      float64 `firestore:"tax"`
	Shipping float64 `firestore:"shipping"`
	Total    float64 `firestore:"total"`
}

type historyEntryDocument struct {
	Status    string    `firestore:"status"`
	Timestamp time.Time `firestore:"timestamp"`
	Note      string    `firestore:"note,omitempty"`
	UpdatedBy string    `firestore:"updatedBy,omitempty"`
}

type orderNumberDocument struct {
	OrderRef  string    `firestore:"orderRef"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]lineItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = lineItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: strings.TrimSpace(item.VariantID),
			Name:      strings.TrimSpace(item.Name),
			SKU:       strings.TrimSpace(item.SKU),
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		}
	}
	history := make([]historyEntryDocument, len(order.StatusHistory))
	for i, entry := range order.StatusHistory {
		history[i] = historyEntryDocument{
			Status:    string(entry.Status),
			Timestamp: entry.Timestamp.UTC(),
			Note:      strings.TrimSpace(entry.Note),
			UpdatedBy: strings.TrimSpace(entry.UpdatedBy),
		}
	}
	doc := orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		Items:           items,
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		Payment: paymentDocument{
			Method:        string(order.Payment.Method),
			Status:        string(order.Payment.Status),
			TransactionID: strings.TrimSpace(order.Payment.TransactionID),
			PaidAt:        order.Payment.PaidAt,
			Amount:        order.Payment.Amount,
		},
		Totals: totalsDocument{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Total:    order.Totals.Total,
		},
		Currency:          strings.TrimSpace(order.Currency),
		Status:            string(order.Status),
		StatusHistory:     history,
		TrackingNumber:    strings.TrimSpace(order.TrackingNumber),
		EstimatedDelivery: order.EstimatedDelivery,
		CouponCode:        strings.TrimSpace(order.CouponCode),
		Notes:             strings.TrimSpace(order.Notes),
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	if order.BillingAddress != nil {
		billing := newAddressDocument(*order.BillingAddress)
		doc.BillingAddress = &billing
	}
	return doc
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Name:       strings.TrimSpace(addr.Name),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.LineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.LineItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			Price:     item.Price,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		}
	}
	history := make([]domain.StatusHistoryEntry, len(d.StatusHistory))
	for i, entry := range d.StatusHistory {
		history[i] = domain.StatusHistoryEntry{
			Status:    domain.OrderStatus(entry.Status),
			Timestamp: entry.Timestamp,
			Note:      entry.Note,
			UpdatedBy: entry.UpdatedBy,
		}
	}
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Items:       items,
		ShippingAddress: domain.Address{
			Name:       d.ShippingAddress.Name,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
			Phone:      d.ShippingAddress.Phone,
		},
		Payment: domain.Payment{
			Method:        domain.PaymentMethod(d.Payment.Method),
			Status:        domain.PaymentStatus(d.Payment.Status),
			TransactionID: d.Payment.TransactionID,
			PaidAt:        d.Payment.PaidAt,
			Amount:        d.Payment.Amount,
		},
		Totals: domain.Totals{
			Subtotal: d.Totals.Subtotal,
			Discount: d.Totals.Discount,
			Tax:      d.Totals.Tax,
			Shipping: d.Totals.Shipping,
			Total:    d.Totals.Total,
		},
		Currency:          d.Currency,
		Status:            domain.OrderStatus(d.Status),
		StatusHistory:     history,
		TrackingNumber:    d.TrackingNumber,
		EstimatedDelivery: d.EstimatedDelivery,
		CouponCode:        d.CouponCode,
		Notes:             d.Notes,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	if d.BillingAddress != nil {
		order.BillingAddress = &domain.Address{
			Name:       d.BillingAddress.Name,
			Line1:      d.BillingAddress.Line1,
			Line2:      d.BillingAddress.Line2,
			City:       d.BillingAddress.City,
			State:      d.BillingAddress.State,
			PostalCode: d.BillingAddress.PostalCode,
			Country:    d.BillingAddress.Country,
			Phone:      d.BillingAddress.Phone,
		}
	}
	return order
}

func decodeOrder(snap *firestore.DocumentSnapshot) (orderDocument, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return orderDocument{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}
