package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc runs inside a Firestore transaction. Reads must happen before
// writes; the client library enforces this.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type txConfig struct {
	attempts int
	timeout  time.Duration
}

func defaultTxConfig() txConfig {
	return txConfig{attempts: 5, timeout: 15 * time.Second}
}

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

// WithTxAttempts overrides how often a contended transaction is retried.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the total transaction duration.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn transactionally, applying the default attempt
// and timeout budget unless the caller's context already carries a tighter
// deadline. Status transitions and order-number reservation both run
// through here.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	cfg := defaultTxConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.timeout > 0 && !hasTighterDeadline(ctx, cfg.timeout) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	var txOpts []firestore.TransactionOption
	if cfg.attempts > 0 {
		txOpts = append(txOpts, firestore.MaxAttempts(cfg.attempts))
	}

	err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, txOpts...)
	return WrapError("transaction", err)
}

func hasTighterDeadline(ctx context.Context, budget time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return ok && time.Until(deadline) <= budget
}
