package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxTries:      3,
		MaxPolls:      5,
		PollInterval:  time.Millisecond,
		RatePerSecond: 10_000,
		Burst:         100,
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	fake := NewFake()
	fake.FailSubmissions(2)
	r := NewRetrier(fake, fastConfig())

	ref, err := r.SubmitPayout(context.Background(), "agent-1", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Len(t, fake.Payouts(), 1)
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	fake := NewFake()
	fake.FailSubmissions(10)
	r := NewRetrier(fake, fastConfig())

	_, err := r.SubmitStake(context.Background(), "agent-1", 100)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestAwaitConfirmation(t *testing.T) {
	fake := NewFake()
	fake.ConfirmAfter(3)
	r := NewRetrier(fake, fastConfig())
	ctx := context.Background()

	ref, err := r.SubmitDeposit(ctx, "buyer-1", 50)
	require.NoError(t, err)
	require.NoError(t, r.AwaitConfirmation(ctx, ref))
}

func TestAwaitConfirmationFailedTx(t *testing.T) {
	fake := NewFake()
	fake.FailTransactions(true)
	r := NewRetrier(fake, fastConfig())
	ctx := context.Background()

	ref, err := r.SubmitDeposit(ctx, "buyer-1", 50)
	require.NoError(t, err)
	assert.ErrorIs(t, r.AwaitConfirmation(ctx, ref), ErrTxFailed)
}

func TestAwaitConfirmationExhaustsPolls(t *testing.T) {
	fake := NewFake()
	fake.ConfirmAfter(100)
	r := NewRetrier(fake, fastConfig())
	ctx := context.Background()

	ref, err := r.SubmitDeposit(ctx, "buyer-1", 50)
	require.NoError(t, err)
	assert.ErrorIs(t, r.AwaitConfirmation(ctx, ref), ErrRetryExhausted)
}

func TestAwaitConfirmationHonorsContext(t *testing.T) {
	fake := NewFake()
	fake.ConfirmAfter(1000)
	cfg := fastConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.MaxPolls = 1000
	r := NewRetrier(fake, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ref, err := r.SubmitDeposit(context.Background(), "buyer-1", 50)
	require.NoError(t, err)
	assert.ErrorIs(t, r.AwaitConfirmation(ctx, ref), context.DeadlineExceeded)
}
