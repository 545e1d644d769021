package di

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orderflow/api/internal/catalog"
	"github.com/orderflow/api/internal/payments"
	"github.com/orderflow/api/internal/platform/config"
	"github.com/orderflow/api/internal/repositories"
	"github.com/orderflow/api/internal/services"
)

// Infrastructure carries the externally constructed clients the service layer
// depends on. The caller owns their lifecycles.
type Infrastructure struct {
	Orders  repositories.OrderRepository
	Gateway payments.Gateway
	Catalog *catalog.Client
	Events  services.OrderEventPublisher
	Jobs    services.ReconciliationPublisher
	Logger  *zap.Logger
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders    services.OrderService
	Checkout  services.CheckoutService
	Reconcile services.ReconcileService
}

// Container wires repositories, gateways, and services for runtime use.
type Container struct {
	Config   config.Config
	Services Services
}

// NewContainer assembles the service layer from the provided infrastructure.
func NewContainer(_ context.Context, cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Orders == nil {
		return nil, errors.New("order repository is required")
	}
	if infra.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	logger := serviceLogger(infra.Logger)

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:  infra.Orders,
		Gateway: infra.Gateway,
		Events:  infra.Events,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:  infra.Orders,
		Gateway: infra.Gateway,
		Events:  infra.Events,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}

	reconcileSvc, err := services.NewReconcileService(services.ReconcileServiceDeps{
		Orders:  infra.Orders,
		Gateway: infra.Gateway,
		Stock:   stockConfirmer(infra.Catalog),
		Jobs:    infra.Jobs,
		Events:  infra.Events,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build reconcile service: %w", err)
	}

	return &Container{
		Config: cfg,
		Services: Services{
			Orders:    orderSvc,
			Checkout:  checkoutSvc,
			Reconcile: reconcileSvc,
		},
	}, nil
}

// catalogStockConfirmer routes stock confirmations through the catalog client.
type catalogStockConfirmer struct {
	client *catalog.Client
}

func (c catalogStockConfirmer) ConfirmStock(ctx context.Context, req services.StockConfirmation) error {
	return c.client.ConfirmStock(ctx, catalog.ConfirmStockRequest{
		OrderID:   req.OrderID,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		SKU:       req.SKU,
		Quantity:  req.Quantity,
	})
}

func stockConfirmer(client *catalog.Client) services.StockConfirmer {
	if client == nil {
		return nil
	}
	return catalogStockConfirmer{client: client}
}

func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return nil
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
