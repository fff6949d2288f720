// Package escrow holds a buyer's payment for a matched contract and
// controls its transitions. Escrow state only reassigns ownership of funds
// already deposited; nothing is created or destroyed here. Ledger-touching
// transitions pass through a pending status until every payout leg
// confirms, and terminal transitions are idempotent.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agora-dev/agora/internal/store"
)

// Errors returned by escrow operations.
var (
	// ErrAmountMismatch is returned when funding with an amount different
	// from the contract price.
	ErrAmountMismatch = errors.New("funded amount does not match contract price")
	// ErrAlreadyFunded is returned when funding a contract twice.
	ErrAlreadyFunded = errors.New("escrow already exists for contract")
	// ErrNotHeld is returned when a transition requires the Held status.
	ErrNotHeld = errors.New("escrow is not held")
	// ErrTerminal is returned when mutating a released or refunded escrow.
	ErrTerminal = errors.New("escrow is already settled")
	// ErrFrozen is returned for escrows frozen after an invariant violation.
	ErrFrozen = errors.New("escrow is frozen")
)

// Manager owns escrow account records. The coordinator drives the
// transitions; the manager enforces escrow-local rules.
type Manager struct {
	store store.Store
	now   func() time.Time
}

// NewManager creates an escrow manager.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Get returns the escrow account for a contract.
func (m *Manager) Get(ctx context.Context, contractID string) (*store.Escrow, error) {
	return m.store.GetEscrow(ctx, contractID)
}

// Fund creates the escrow account in Held status. The amount must equal the
// contract price exactly.
func (m *Manager) Fund(ctx context.Context, contract *store.Contract, amount int64, fundTxRef string) (*store.Escrow, error) {
	if amount != contract.Price {
		return nil, fmt.Errorf("%w: got %d, contract price is %d", ErrAmountMismatch, amount, contract.Price)
	}
	if _, err := m.store.GetEscrow(ctx, contract.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFunded, contract.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	esc := &store.Escrow{
		ContractID: contract.ID,
		Amount:     amount,
		Status:     store.EscrowHeld,
		FundTxRef:  fundTxRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.PutEscrow(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

func (m *Manager) transition(ctx context.Context, contractID string, from []store.EscrowStatus, to store.EscrowStatus, mutate func(*store.Escrow)) (*store.Escrow, error) {
	esc, err := m.store.GetEscrow(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if esc.Frozen {
		return nil, fmt.Errorf("%w: %s", ErrFrozen, contractID)
	}
	if esc.Status == store.EscrowReleased || esc.Status == store.EscrowRefunded {
		return esc, fmt.Errorf("%w: %s is %s", ErrTerminal, contractID, esc.Status)
	}

	ok := false
	for _, s := range from {
		if esc.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return esc, fmt.Errorf("%w: %s is %s", ErrNotHeld, contractID, esc.Status)
	}

	esc.Status = to
	if mutate != nil {
		mutate(esc)
	}
	esc.UpdatedAt = m.now()
	if err := m.store.PutEscrow(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// BeginRelease moves a held escrow into ReleasePending while payouts are in
// flight. payoutTxRefs records the per-recipient ledger transactions.
func (m *Manager) BeginRelease(ctx context.Context, contractID string, payoutTxRefs map[string]string) (*store.Escrow, error) {
	return m.transition(ctx, contractID, []store.EscrowStatus{store.EscrowHeld}, store.EscrowReleasePending,
		func(esc *store.Escrow) { esc.PayoutTxRefs = payoutTxRefs })
}

// FinishRelease settles the escrow as Released once every payout confirmed.
func (m *Manager) FinishRelease(ctx context.Context, contractID string) (*store.Escrow, error) {
	return m.transition(ctx, contractID, []store.EscrowStatus{store.EscrowReleasePending}, store.EscrowReleased, nil)
}

// BeginRefund moves a held escrow into RefundPending while the buyer payout
// is in flight.
func (m *Manager) BeginRefund(ctx context.Context, contractID string, refundTxRef string) (*store.Escrow, error) {
	return m.transition(ctx, contractID, []store.EscrowStatus{store.EscrowHeld}, store.EscrowRefundPending,
		func(esc *store.Escrow) { esc.PayoutTxRefs = map[string]string{"buyer": refundTxRef} })
}

// FinishRefund settles the escrow as Refunded.
func (m *Manager) FinishRefund(ctx context.Context, contractID string) (*store.Escrow, error) {
	return m.transition(ctx, contractID, []store.EscrowStatus{store.EscrowRefundPending}, store.EscrowRefunded, nil)
}

// Dispute freezes a non-terminal escrow in Disputed until an external
// resolution arrives. Pending payouts park here too when retries exhaust.
func (m *Manager) Dispute(ctx context.Context, contractID string) (*store.Escrow, error) {
	return m.transition(ctx, contractID,
		[]store.EscrowStatus{store.EscrowHeld, store.EscrowReleasePending, store.EscrowRefundPending},
		store.EscrowDisputed, nil)
}

// Resolve returns a disputed escrow to Held so the decided outcome can run
// the normal release or refund path.
func (m *Manager) Resolve(ctx context.Context, contractID string) (*store.Escrow, error) {
	return m.transition(ctx, contractID, []store.EscrowStatus{store.EscrowDisputed}, store.EscrowHeld,
		func(esc *store.Escrow) { esc.PayoutTxRefs = nil })
}

// HeldTotal sums escrow value currently held or disputed, for the
// conservation gauge.
func (m *Manager) HeldTotal(ctx context.Context, contractIDs []string) (int64, error) {
	var total int64
	for _, id := range contractIDs {
		esc, err := m.store.GetEscrow(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return 0, err
		}
		switch esc.Status {
		case store.EscrowHeld, store.EscrowDisputed, store.EscrowReleasePending, store.EscrowRefundPending:
			total += esc.Amount
		}
	}
	return total, nil
}
