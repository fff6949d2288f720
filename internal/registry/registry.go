// Package registry owns agent identity records: registration with a minimum
// stake, capability declarations, availability, and voluntary withdrawal.
// Stake balances are never touched directly; every collateral mutation goes
// through the stake manager's public operations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agora-dev/agora/internal/ledger"
	"github.com/agora-dev/agora/internal/stake"
	"github.com/agora-dev/agora/internal/store"
	"github.com/agora-dev/agora/pkg/capability"
)

// Errors returned by registry operations.
var (
	// ErrInsufficientStake is returned when the initial stake is below the
	// registration minimum.
	ErrInsufficientStake = errors.New("initial stake below minimum")
	// ErrDuplicateAgent is returned when the agent id is already registered.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrUnknownAgent is returned when the agent is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrActiveContractsExist is returned when withdrawing with open
	// contracts.
	ErrActiveContractsExist = errors.New("active contracts exist")
	// ErrInvalidCapability is returned for malformed capability declarations.
	ErrInvalidCapability = errors.New("invalid capability")
)

// nonTerminalStates are the contract states that block withdrawal.
var nonTerminalStates = []store.ContractState{
	store.ContractMatched,
	store.ContractFunded,
	store.ContractProofSubmitted,
	store.ContractAccepted,
	store.ContractDisputed,
}

// RegisterRequest carries a new agent's identity declaration.
type RegisterRequest struct {
	AgentID      string
	Capabilities []capability.Capability
	InitialStake int64
}

// Registry manages agent identities.
type Registry struct {
	store    store.Store
	stakes   *stake.Manager
	ledger   *ledger.Retrier
	minStake int64
	now      func() time.Time
}

// NewRegistry creates a registry. minStake is the registration minimum.
func NewRegistry(s store.Store, stakes *stake.Manager, l *ledger.Retrier, minStake int64) *Registry {
	return &Registry{
		store:    s,
		stakes:   stakes,
		ledger:   l,
		minStake: minStake,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register creates the agent identity once the initial stake deposit
// confirms on the ledger. The identity id must be unique and the stake at
// least the configured minimum.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.Agent, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrUnknownAgent)
	}
	if req.InitialStake < r.minStake {
		return nil, fmt.Errorf("%w: %d < minimum %d", ErrInsufficientStake, req.InitialStake, r.minStake)
	}
	for _, c := range req.Capabilities {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, c)
		}
	}

	if _, err := r.store.GetAgent(ctx, req.AgentID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, req.AgentID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// The stake deposit settles on the ledger before the identity exists;
	// a failed or unconfirmed deposit registers nothing.
	ref, err := r.ledger.SubmitStake(ctx, req.AgentID, req.InitialStake)
	if err != nil {
		return nil, fmt.Errorf("submit stake: %w", err)
	}
	if err := r.ledger.AwaitConfirmation(ctx, ref); err != nil {
		return nil, fmt.Errorf("confirm stake: %w", err)
	}

	if err := r.stakes.CreateAccount(ctx, req.AgentID, req.InitialStake); err != nil {
		if errors.Is(err, stake.ErrAccountExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, req.AgentID)
		}
		return nil, err
	}

	now := r.now()
	agent := &store.Agent{
		ID:           req.AgentID,
		Capabilities: req.Capabilities,
		Available:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, err
	}
	log.Printf("[REGISTRY] agent %s registered with stake %d (tx %s)", req.AgentID, req.InitialStake, ref)
	return agent, nil
}

// Get returns the agent identity.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		return nil, err
	}
	return agent, nil
}

// UpdateCapabilities replaces the declared capability set.
func (r *Registry) UpdateCapabilities(ctx context.Context, agentID string, caps []capability.Capability) error {
	for _, c := range caps {
		if !c.Valid() {
			return fmt.Errorf("%w: %v", ErrInvalidCapability, c)
		}
	}
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Capabilities = caps
	agent.UpdatedAt = r.now()
	return r.store.PutAgent(ctx, agent)
}

// SetAvailability toggles whether the agent accepts new matches.
func (r *Registry) SetAvailability(ctx context.Context, agentID string, available bool) error {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Available = available
	agent.UpdatedAt = r.now()
	return r.store.PutAgent(ctx, agent)
}

// Withdraw retires the agent, paying its full stake balance back out
// through the ledger. Any non-terminal contract blocks withdrawal.
func (r *Registry) Withdraw(ctx context.Context, agentID string) error {
	if _, err := r.Get(ctx, agentID); err != nil {
		return err
	}

	open, err := r.store.ContractsByAgent(ctx, agentID, nonTerminalStates...)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: agent %s has %d open contracts", ErrActiveContractsExist, agentID, len(open))
	}

	balance, err := r.stakes.Withdraw(ctx, agentID)
	if err != nil {
		return err
	}

	if balance > 0 {
		ref, err := r.ledger.SubmitPayout(ctx, agentID, balance)
		if err != nil {
			// The stake account is already closed; re-open it so no funds
			// are stranded, and surface the failure.
			if cerr := r.stakes.CreateAccount(ctx, agentID, balance); cerr != nil {
				log.Printf("[REGISTRY] failed to restore stake for %s after payout error: %v", agentID, cerr)
			}
			return fmt.Errorf("submit withdrawal payout: %w", err)
		}
		if err := r.ledger.AwaitConfirmation(ctx, ref); err != nil {
			log.Printf("[REGISTRY] withdrawal payout for %s unconfirmed (tx %s): %v", agentID, ref, err)
			return fmt.Errorf("confirm withdrawal payout: %w", err)
		}
	}

	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	log.Printf("[REGISTRY] agent %s withdrawn, %d returned", agentID, balance)
	return nil
}
