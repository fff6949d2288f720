// Package ledger is the boundary to external distributed ledgers. The
// engine never assumes instant finality: every submission yields a
// transaction reference whose confirmation is polled, and transient
// failures are retried with exponential backoff inside this boundary so
// callers only ever see a definite outcome or an exhausted retry budget.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/agora-dev/agora/internal/observability"
)

// TxRef identifies a submitted ledger transaction.
type TxRef string

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusConfirmed
	StatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Errors surfaced by the retry boundary.
var (
	// ErrTxFailed is returned when the ledger definitively rejected the
	// transaction.
	ErrTxFailed = errors.New("ledger transaction failed")
	// ErrRetryExhausted is returned when the bounded retry budget ran out
	// without a definite outcome.
	ErrRetryExhausted = errors.New("ledger retry budget exhausted")
)

// Adapter abstracts chain-specific stake and payment primitives. Submissions
// must be idempotent on the adapter side so a timed-out call can be retried
// safely. Implemented externally; the engine ships only the in-memory Fake.
type Adapter interface {
	// SubmitStake deposits agent collateral on the ledger.
	SubmitStake(ctx context.Context, agentID string, amount int64) (TxRef, error)

	// SubmitDeposit places a buyer's payment under the engine's control.
	SubmitDeposit(ctx context.Context, buyerID string, amount int64) (TxRef, error)

	// SubmitPayout transfers funds from escrow to a recipient.
	SubmitPayout(ctx context.Context, recipient string, amount int64) (TxRef, error)

	// QueryConfirmation reports the current status of a transaction.
	QueryConfirmation(ctx context.Context, ref TxRef) (TxStatus, error)

	// Ping checks adapter liveness.
	Ping(ctx context.Context) error
}

// RetryConfig bounds the retry and polling behavior of the Retrier.
type RetryConfig struct {
	// MaxTries bounds submission attempts (default 5).
	MaxTries uint
	// MaxPolls bounds confirmation polls per transaction (default 30).
	MaxPolls int
	// PollInterval is the delay between confirmation polls (default 200ms).
	PollInterval time.Duration
	// RatePerSecond limits adapter calls (default 50/s, burst 10).
	RatePerSecond float64
	// Burst is the rate limiter burst size.
	Burst int
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 30
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
}

// Retrier wraps an Adapter with bounded exponential-backoff retries and a
// call rate limit. It is the only path the rest of the engine uses to reach
// a ledger.
type Retrier struct {
	adapter Adapter
	cfg     RetryConfig
	limiter *rate.Limiter
}

// NewRetrier wraps the adapter with retry and rate-limit behavior.
func NewRetrier(adapter Adapter, cfg RetryConfig) *Retrier {
	cfg.applyDefaults()
	return &Retrier{
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

func (r *Retrier) submit(ctx context.Context, kind string, op func() (TxRef, error)) (TxRef, error) {
	attempt := func() (TxRef, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		return op()
	}

	ref, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.cfg.MaxTries),
	)
	if err != nil {
		observability.RecordLedgerSubmission(kind, "error")
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrRetryExhausted, err)
	}
	observability.RecordLedgerSubmission(kind, "ok")
	return ref, nil
}

// SubmitStake submits a stake deposit with retries.
func (r *Retrier) SubmitStake(ctx context.Context, agentID string, amount int64) (TxRef, error) {
	return r.submit(ctx, "stake", func() (TxRef, error) { return r.adapter.SubmitStake(ctx, agentID, amount) })
}

// SubmitDeposit submits a buyer escrow deposit with retries.
func (r *Retrier) SubmitDeposit(ctx context.Context, buyerID string, amount int64) (TxRef, error) {
	return r.submit(ctx, "deposit", func() (TxRef, error) { return r.adapter.SubmitDeposit(ctx, buyerID, amount) })
}

// SubmitPayout submits a payout with retries.
func (r *Retrier) SubmitPayout(ctx context.Context, recipient string, amount int64) (TxRef, error) {
	return r.submit(ctx, "payout", func() (TxRef, error) { return r.adapter.SubmitPayout(ctx, recipient, amount) })
}

// AwaitConfirmation polls the transaction until it confirms, fails, or the
// poll budget runs out. A Failed status returns ErrTxFailed; an exhausted
// budget returns ErrRetryExhausted so the caller can park the contract in
// dispute instead of guessing an outcome.
func (r *Retrier) AwaitConfirmation(ctx context.Context, ref TxRef) error {
	start := time.Now()
	for polls := 0; polls < r.cfg.MaxPolls; polls++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		status, err := r.adapter.QueryConfirmation(ctx, ref)
		if err == nil {
			switch status {
			case StatusConfirmed:
				observability.RecordLedgerConfirmation(time.Since(start))
				return nil
			case StatusFailed:
				return fmt.Errorf("%w: tx %s", ErrTxFailed, ref)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
	return fmt.Errorf("%w: tx %s still pending after %d polls", ErrRetryExhausted, ref, r.cfg.MaxPolls)
}

// Ping checks adapter liveness through the rate limiter.
func (r *Retrier) Ping(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.adapter.Ping(ctx)
}
