package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-dev/agora/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s), s
}

func testContract() *store.Contract {
	return &store.Contract{
		ID:      "c-1",
		BuyerID: "buyer-1",
		Agents:  []store.ContractAgent{{AgentID: "agent-a", WeightBps: 10000}},
		Price:   100,
		State:   store.ContractMatched,
	}
}

func TestFund(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	contract := testContract()

	esc, err := m.Fund(ctx, contract, 100, "deposit-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowHeld, esc.Status)
	assert.Equal(t, int64(100), esc.Amount)

	// Amount must equal the price exactly.
	_, err = m.Fund(ctx, &store.Contract{ID: "c-2", Price: 100}, 99, "deposit-2")
	assert.ErrorIs(t, err, ErrAmountMismatch)

	// Double funding is rejected.
	_, err = m.Fund(ctx, contract, 100, "deposit-3")
	assert.ErrorIs(t, err, ErrAlreadyFunded)
}

func TestReleaseLifecycle(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Fund(ctx, testContract(), 100, "deposit-1")
	require.NoError(t, err)

	esc, err := m.BeginRelease(ctx, "c-1", map[string]string{"agent-a": "payout-1"})
	require.NoError(t, err)
	assert.Equal(t, store.EscrowReleasePending, esc.Status)
	assert.Equal(t, "payout-1", esc.PayoutTxRefs["agent-a"])

	esc, err = m.FinishRelease(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowReleased, esc.Status)

	// Terminal transitions are idempotent observations, not mutations.
	esc, err = m.FinishRelease(ctx, "c-1")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, store.EscrowReleased, esc.Status)
}

func TestRefundLifecycle(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Fund(ctx, testContract(), 100, "deposit-1")
	require.NoError(t, err)

	esc, err := m.BeginRefund(ctx, "c-1", "refund-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowRefundPending, esc.Status)

	esc, err = m.FinishRefund(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowRefunded, esc.Status)
}

func TestDisputeFreezesAndResolves(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Fund(ctx, testContract(), 100, "deposit-1")
	require.NoError(t, err)

	esc, err := m.Dispute(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowDisputed, esc.Status)

	// No release while disputed.
	_, err = m.BeginRelease(ctx, "c-1", nil)
	assert.ErrorIs(t, err, ErrNotHeld)

	esc, err = m.Resolve(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowHeld, esc.Status)

	_, err = m.BeginRelease(ctx, "c-1", map[string]string{"agent-a": "payout-1"})
	assert.NoError(t, err)
}

func TestDisputeFromPendingPayout(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Fund(ctx, testContract(), 100, "deposit-1")
	require.NoError(t, err)
	_, err = m.BeginRelease(ctx, "c-1", map[string]string{"agent-a": "payout-1"})
	require.NoError(t, err)

	// Retry exhaustion parks the escrow in dispute instead of guessing.
	esc, err := m.Dispute(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.EscrowDisputed, esc.Status)
}

func TestHeldTotal(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Fund(ctx, testContract(), 100, "d-1")
	require.NoError(t, err)
	_, err = m.Fund(ctx, &store.Contract{ID: "c-2", Price: 50}, 50, "d-2")
	require.NoError(t, err)

	_, err = m.BeginRefund(ctx, "c-2", "r-1")
	require.NoError(t, err)
	_, err = m.FinishRefund(ctx, "c-2")
	require.NoError(t, err)

	total, err := m.HeldTotal(ctx, []string{"c-1", "c-2", "c-unknown"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), total, "settled escrows leave the held total")
}

func TestFrozenEscrowRefusesTransition(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()

	_, err := m.Fund(ctx, testContract(), 100, "d-1")
	require.NoError(t, err)

	esc, err := s.GetEscrow(ctx, "c-1")
	require.NoError(t, err)
	esc.Frozen = true
	require.NoError(t, s.PutEscrow(ctx, esc))

	_, err = m.BeginRelease(ctx, "c-1", nil)
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestClockIsUsedForTimestamps(t *testing.T) {
	m, _ := newManager(t)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })

	esc, err := m.Fund(context.Background(), testContract(), 100, "d-1")
	require.NoError(t, err)
	assert.Equal(t, fixed, esc.CreatedAt)
}
