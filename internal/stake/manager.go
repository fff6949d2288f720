// Package stake tracks each agent's committed collateral. All mutations to a
// single account serialize through a per-agent mutex held across the
// read-modify-write against the store; accounts of different agents proceed
// independently. Multi-agent reservations are two-phase: reserve all in
// deterministic order, then commit or release all.
package stake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/agora-dev/agora/internal/store"
)

// Errors returned by stake operations.
var (
	// ErrUnknownAgent is returned when no stake account exists for the agent.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAccountExists is returned when creating an account twice.
	ErrAccountExists = errors.New("stake account already exists")
	// ErrInsufficientUnlockedStake is returned when a lock exceeds the
	// unlocked balance.
	ErrInsufficientUnlockedStake = errors.New("insufficient unlocked stake")
	// ErrLockedStakeRemains is returned when withdrawing while collateral is
	// still committed to open contracts.
	ErrLockedStakeRemains = errors.New("locked stake remains")
	// ErrAccountFrozen is returned for accounts frozen after an invariant
	// violation.
	ErrAccountFrozen = errors.New("stake account is frozen")
)

// PartialSlashError reports a slash that was clamped because the balance was
// smaller than the requested amount. The applied portion has been recorded.
type PartialSlashError struct {
	AgentID   string
	Requested int64
	Applied   int64
}

func (e *PartialSlashError) Error() string {
	return fmt.Sprintf("partial slash for agent %s: requested %d, applied %d", e.AgentID, e.Requested, e.Applied)
}

// Manager owns all stake account mutations.
type Manager struct {
	store store.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a stake manager backed by the given store.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) agentLock(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

// withAccount runs fn against the agent's account under its mutex and
// persists the result. fn sees a private copy of the record.
func (m *Manager) withAccount(ctx context.Context, agentID string, fn func(*store.Stake) error) error {
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	acct, err := m.store.GetStake(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownAgent
		}
		return err
	}
	if acct.Frozen {
		return ErrAccountFrozen
	}

	if err := fn(acct); err != nil {
		return err
	}

	if acct.Locked > acct.Balance || acct.Locked < 0 || acct.Balance < 0 {
		// Should never happen if the operations above are correct. Freeze the
		// account rather than persist a corrupt state.
		acct.Frozen = true
		_ = m.store.PutStake(ctx, acct)
		log.Printf("[STAKE] invariant violation, account frozen: %+v", acct)
		return ErrAccountFrozen
	}

	acct.UpdatedAt = m.now()
	return m.store.PutStake(ctx, acct)
}

// CreateAccount opens a stake account with an initial confirmed deposit.
func (m *Manager) CreateAccount(ctx context.Context, agentID string, initial int64) error {
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	if _, err := m.store.GetStake(ctx, agentID); err == nil {
		return ErrAccountExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := m.now()
	return m.store.PutStake(ctx, &store.Stake{
		AgentID:   agentID,
		Balance:   initial,
		Events:    []store.StakeEvent{{Kind: store.StakeDeposit, Amount: initial, At: now}},
		UpdatedAt: now,
	})
}

// Deposit adds confirmed funds to the account balance.
func (m *Manager) Deposit(ctx context.Context, agentID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	return m.withAccount(ctx, agentID, func(acct *store.Stake) error {
		acct.Balance += amount
		acct.Events = append(acct.Events, store.StakeEvent{Kind: store.StakeDeposit, Amount: amount, At: m.now()})
		return nil
	})
}

// Lock commits part of the unlocked balance as contract collateral.
func (m *Manager) Lock(ctx context.Context, agentID string, amount int64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("lock amount must be non-negative, got %d", amount)
	}
	return m.withAccount(ctx, agentID, func(acct *store.Stake) error {
		if acct.Unlocked() < amount {
			return fmt.Errorf("%w: agent %s has %d unlocked, needs %d",
				ErrInsufficientUnlockedStake, agentID, acct.Unlocked(), amount)
		}
		acct.Locked += amount
		acct.Events = append(acct.Events, store.StakeEvent{Kind: store.StakeLock, Amount: amount, Reason: reason, At: m.now()})
		return nil
	})
}

// Unlock releases committed collateral on contract completion or
// cancellation. Unlocking more than is locked clamps to the locked amount.
func (m *Manager) Unlock(ctx context.Context, agentID string, amount int64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("unlock amount must be non-negative, got %d", amount)
	}
	return m.withAccount(ctx, agentID, func(acct *store.Stake) error {
		if amount > acct.Locked {
			amount = acct.Locked
		}
		acct.Locked -= amount
		acct.Events = append(acct.Events, store.StakeEvent{Kind: store.StakeUnlock, Amount: amount, Reason: reason, At: m.now()})
		return nil
	})
}

// Slash forfeits part of the balance as a penalty. The slashed amount comes
// out of locked collateral first, keeping locked ≤ balance. If the balance
// is smaller than requested the slash clamps and a PartialSlashError reports
// the applied portion; the account state is still updated.
func (m *Manager) Slash(ctx context.Context, agentID string, amount int64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("slash amount must be non-negative, got %d", amount)
	}
	var partial *PartialSlashError
	err := m.withAccount(ctx, agentID, func(acct *store.Stake) error {
		applied := amount
		if applied > acct.Balance {
			applied = acct.Balance
			partial = &PartialSlashError{AgentID: agentID, Requested: amount, Applied: applied}
		}
		acct.Balance -= applied
		if acct.Locked > 0 {
			reduce := applied
			if reduce > acct.Locked {
				reduce = acct.Locked
			}
			acct.Locked -= reduce
		}
		acct.Events = append(acct.Events, store.StakeEvent{Kind: store.StakeSlash, Amount: applied, Reason: reason, At: m.now()})
		return nil
	})
	if err != nil {
		return err
	}
	if partial != nil {
		return partial
	}
	return nil
}

// Restore returns previously slashed funds, used for disputes resolved in
// the agent's favor.
func (m *Manager) Restore(ctx context.Context, agentID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("restore amount must be positive, got %d", amount)
	}
	return m.withAccount(ctx, agentID, func(acct *store.Stake) error {
		acct.Balance += amount
		acct.Events = append(acct.Events, store.StakeEvent{Kind: store.StakeRestore, Amount: amount, Reason: reason, At: m.now()})
		return nil
	})
}

// Withdraw closes the account, returning the full balance. It fails with
// ErrLockedStakeRemains while any collateral is committed.
func (m *Manager) Withdraw(ctx context.Context, agentID string) (int64, error) {
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	acct, err := m.store.GetStake(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrUnknownAgent
		}
		return 0, err
	}
	if acct.Frozen {
		return 0, ErrAccountFrozen
	}
	if acct.Locked > 0 {
		return 0, fmt.Errorf("%w: agent %s has %d locked", ErrLockedStakeRemains, agentID, acct.Locked)
	}

	balance := acct.Balance
	if err := m.store.DeleteStake(ctx, agentID); err != nil {
		return 0, err
	}
	return balance, nil
}

// Account returns a snapshot of the agent's stake account.
func (m *Manager) Account(ctx context.Context, agentID string) (*store.Stake, error) {
	acct, err := m.store.GetStake(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, err
	}
	return acct, nil
}

// History returns the account's slash/restore/lock event log.
func (m *Manager) History(ctx context.Context, agentID string) ([]store.StakeEvent, error) {
	acct, err := m.Account(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return acct.Events, nil
}

// Requirement is one agent's share of a multi-agent reservation.
type Requirement struct {
	AgentID string
	Amount  int64
	Reason  string
}

// Reservation is a tentative multi-agent collateral lock. Exactly one of
// Commit or Release must be called.
type Reservation struct {
	mgr  *Manager
	reqs []Requirement
	done bool
}

// Reserve locks collateral for every requirement, in ascending agent-id
// order, as an all-or-nothing unit. If any lock fails, every lock already
// acquired is unwound and the error is returned.
func (m *Manager) Reserve(ctx context.Context, reqs []Requirement) (*Reservation, error) {
	sorted := append([]Requirement(nil), reqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	for i, req := range sorted {
		if err := m.Lock(ctx, req.AgentID, req.Amount, req.Reason); err != nil {
			for _, acquired := range sorted[:i] {
				if uerr := m.Unlock(ctx, acquired.AgentID, acquired.Amount, acquired.Reason+":rollback"); uerr != nil {
					log.Printf("[STAKE] rollback unlock failed for agent %s: %v", acquired.AgentID, uerr)
				}
			}
			return nil, err
		}
	}
	return &Reservation{mgr: m, reqs: sorted}, nil
}

// Commit finalizes the reservation; the locks stay in place as contract
// collateral.
func (r *Reservation) Commit() { r.done = true }

// Release unwinds every lock in the reservation. Safe to call after Commit
// (it becomes a no-op) so callers can defer it.
func (r *Reservation) Release(ctx context.Context) {
	if r.done {
		return
	}
	r.done = true
	for _, req := range r.reqs {
		if err := r.mgr.Unlock(ctx, req.AgentID, req.Amount, req.Reason+":release"); err != nil {
			log.Printf("[STAKE] reservation release failed for agent %s: %v", req.AgentID, err)
		}
	}
}
