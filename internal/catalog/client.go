package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrConfirmationFailed is returned when the catalog service keeps rejecting a
// stock confirmation after all retry attempts.
var ErrConfirmationFailed = errors.New("catalog: stock confirmation failed")

// Logger defines the logging contract for catalog client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ConfirmStockRequest identifies one order line whose reserved stock should be
// converted into a committed sale.
type ConfirmStockRequest struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"qty"`
}

// Config configures the catalog service client.
type Config struct {
	BaseURL      string
	APIToken     string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       Logger
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Client confirms inventory against the catalog service over HTTP.
type Client struct {
	baseURL    string
	token      string
	maxRetries int
	backoff    time.Duration
	http       *http.Client
	logger     Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("catalog: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("catalog: invalid base url: %w", err)
	}

	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}

	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.APIToken),
		maxRetries: retries,
		backoff:    backoff,
		http:       httpClient,
		logger:     logger,
		sleep:      sleep,
	}, nil
}

// ConfirmStock posts one line confirmation, retrying transient failures with
// backoff up to the configured attempt budget.
func (c *Client) ConfirmStock(ctx context.Context, req ConfirmStockRequest) error {
	if c == nil {
		return errors.New("catalog: client not initialised")
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return errors.New("catalog: product id is required")
	}
	if req.Quantity <= 0 {
		return errors.New("catalog: quantity must be positive")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("catalog: encode confirmation: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = c.post(ctx, body)
		if lastErr == nil {
			return nil
		}

		c.logger(ctx, "catalog.confirm.retry", map[string]any{
			"orderId":   req.OrderID,
			"productId": req.ProductID,
			"attempt":   attempt,
			"error":     lastErr.Error(),
		})

		if attempt == c.maxRetries {
			break
		}
		if err := c.sleep(ctx, c.backoff*time.Duration(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %v", ErrConfirmationFailed, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/inventory:confirm", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
}
