package agora

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agora-dev/agora/internal/escrow"
	"github.com/agora-dev/agora/internal/ledger"
	"github.com/agora-dev/agora/internal/market"
	"github.com/agora-dev/agora/internal/observability"
	"github.com/agora-dev/agora/internal/proof"
	"github.com/agora-dev/agora/internal/registry"
	"github.com/agora-dev/agora/internal/reputation"
	"github.com/agora-dev/agora/internal/revenue"
	"github.com/agora-dev/agora/internal/stake"
	"github.com/agora-dev/agora/internal/store"
	"github.com/agora-dev/agora/pkg/capability"
)

// Errors returned by the coordinator.
var (
	// ErrUnknownContract is returned for contract ids with no record.
	ErrUnknownContract = errors.New("unknown contract")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the contract's current state.
	ErrInvalidTransition = errors.New("invalid contract state transition")
	// ErrContractFrozen is returned for contracts frozen after an invariant
	// violation.
	ErrContractFrozen = errors.New("contract is frozen")
	// ErrNotDisputed is returned when resolving a contract that is not
	// disputed.
	ErrNotDisputed = errors.New("contract is not disputed")
	// ErrNotParty is returned when a dispute is raised by someone who is
	// neither the buyer nor a contributing agent.
	ErrNotParty = errors.New("not a party to the contract")
)

// DisputeOutcome is the external arbitration decision fed back into the
// engine.
type DisputeOutcome int

const (
	// OutcomeForAgents releases the escrow to the agents and restores any
	// collateral slashed for this contract.
	OutcomeForAgents DisputeOutcome = iota
	// OutcomeForBuyer refunds the escrow to the buyer and slashes the
	// penalty fraction of agent collateral.
	OutcomeForBuyer
)

// ProofSubmission is the (contract, proof hash, execution metadata) triple
// handed over by the external execution runtime.
type ProofSubmission struct {
	ContractID string
	AgentID    string
	Hash       string
	Metadata   map[string]string
}

// SubmitResult reports the verdict for one proof submission and whether the
// contract released as a consequence.
type SubmitResult struct {
	Proof    *store.Proof
	Accepted bool
	Reason   proof.RejectReason
	Released bool
}

// ContractStatus is the read-only view exposed to buyers and agents.
type ContractStatus struct {
	Contract *store.Contract
	Escrow   *store.Escrow
	Proofs   []*store.Proof
}

// Coordinator sequences registry, stake, marketplace, escrow, verification,
// revenue split, and reputation into the end-to-end task lifecycle. It is
// the only component exposed externally, and it exclusively owns contract
// and escrow state transitions.
type Coordinator struct {
	store      store.Store
	stakes     *stake.Manager
	registry   *registry.Registry
	reputation *reputation.Aggregator
	market     *market.Marketplace
	escrow     *escrow.Manager
	verifier   *proof.Verifier
	ledger     *ledger.Retrier

	// penaltyBps is the slash fraction applied to locked collateral on
	// refund, in basis points.
	penaltyBps int64
	now        func() time.Time

	// Per-contract mutexes serialize proof submissions, disputes, releases
	// and refunds in receipt order. Unrelated contracts proceed in parallel.
	cmu   sync.Mutex
	locks map[string]*sync.Mutex
}

// CoordinatorConfig carries the coordinator's own tunables; component
// configs travel with their components.
type CoordinatorConfig struct {
	// PenaltyBps is the slash fraction of locked collateral on refund,
	// in basis points of the collateral (default 2_000 = 20%).
	PenaltyBps int64
}

// NewCoordinator wires the engine together around a shared store handle and
// a ledger adapter boundary.
func NewCoordinator(
	s store.Store,
	stakes *stake.Manager,
	reg *registry.Registry,
	rep *reputation.Aggregator,
	mkt *market.Marketplace,
	esc *escrow.Manager,
	verifier *proof.Verifier,
	retrier *ledger.Retrier,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.PenaltyBps <= 0 {
		cfg.PenaltyBps = 2_000
	}
	return &Coordinator{
		store:      s,
		stakes:     stakes,
		registry:   reg,
		reputation: rep,
		market:     mkt,
		escrow:     esc,
		verifier:   verifier,
		ledger:     retrier,
		penaltyBps: cfg.PenaltyBps,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) contractLock(contractID string) *sync.Mutex {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	l, ok := c.locks[contractID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[contractID] = l
	}
	return l
}

// RegisterAgent registers a new economic participant with its initial
// stake.
func (c *Coordinator) RegisterAgent(ctx context.Context, agentID string, caps []capability.Capability, initialStake int64) (*store.Agent, error) {
	return c.registry.Register(ctx, registry.RegisterRequest{
		AgentID:      agentID,
		Capabilities: caps,
		InitialStake: initialStake,
	})
}

// WithdrawAgent retires an agent and pays its stake back out.
func (c *Coordinator) WithdrawAgent(ctx context.Context, agentID string) error {
	return c.registry.Withdraw(ctx, agentID)
}

// UpdateCapabilities replaces an agent's declared capability set.
func (c *Coordinator) UpdateCapabilities(ctx context.Context, agentID string, caps []capability.Capability) error {
	return c.registry.UpdateCapabilities(ctx, agentID, caps)
}

// SetAvailability toggles whether an agent accepts new matches.
func (c *Coordinator) SetAvailability(ctx context.Context, agentID string, available bool) error {
	return c.registry.SetAvailability(ctx, agentID, available)
}

// ListService advertises an agent capability at a price.
func (c *Coordinator) ListService(ctx context.Context, agentID string, cap capability.Capability, price int64) (*store.Listing, error) {
	return c.market.ListService(ctx, agentID, cap, price)
}

// CancelListing withdraws an open listing.
func (c *Coordinator) CancelListing(ctx context.Context, listingID string) error {
	return c.market.CancelListing(ctx, listingID)
}

// RequestTask returns ranked candidate listings for a task request.
func (c *Coordinator) RequestTask(ctx context.Context, req market.TaskRequest) ([]market.Candidate, error) {
	return c.market.RequestTask(ctx, req)
}

// Match forms a contract over the chosen listings, locking collateral
// all-or-nothing.
func (c *Coordinator) Match(ctx context.Context, req market.TaskRequest, listingIDs []string, weightsBps []int64) (*store.Contract, error) {
	contract, err := c.market.Match(ctx, req, listingIDs, weightsBps)
	if err != nil {
		return nil, err
	}
	observability.ContractTransition(string(contract.State))
	return contract, nil
}

func (c *Coordinator) getContract(ctx context.Context, contractID string) (*store.Contract, error) {
	contract, err := c.store.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contractID)
		}
		return nil, err
	}
	if contract.Frozen {
		return nil, fmt.Errorf("%w: %s", ErrContractFrozen, contractID)
	}
	return contract, nil
}

func (c *Coordinator) setState(ctx context.Context, contract *store.Contract, state store.ContractState) error {
	contract.State = state
	contract.UpdatedAt = c.now()
	if err := c.store.PutContract(ctx, contract); err != nil {
		return err
	}
	observability.ContractTransition(string(state))
	return nil
}

// FundContract places the buyer's payment into escrow. The amount must
// equal the contract price; the deposit confirms on the ledger before the
// contract moves to Funded.
func (c *Coordinator) FundContract(ctx context.Context, contractID string, amount int64) (*store.Escrow, error) {
	l := c.contractLock(contractID)
	l.Lock()
	defer l.Unlock()

	contract, err := c.getContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.State != store.ContractMatched {
		return nil, fmt.Errorf("%w: fund in state %s", ErrInvalidTransition, contract.State)
	}
	if amount != contract.Price {
		return nil, fmt.Errorf("%w: got %d, contract price is %d", escrow.ErrAmountMismatch, amount, contract.Price)
	}

	ref, err := c.ledger.SubmitDeposit(ctx, contract.BuyerID, amount)
	if err != nil {
		return nil, fmt.Errorf("submit deposit: %w", err)
	}
	if err := c.ledger.AwaitConfirmation(ctx, ref); err != nil {
		// No escrow exists for an unconfirmed deposit; the contract stays
		// Matched and the buyer may retry.
		return nil, fmt.Errorf("confirm deposit: %w", err)
	}

	esc, err := c.escrow.Fund(ctx, contract, amount, string(ref))
	if err != nil {
		return nil, err
	}
	if err := c.setState(ctx, contract, store.ContractFunded); err != nil {
		return nil, err
	}
	observability.EscrowHeld(amount)
	log.Printf("[COORD] contract %s funded with %d (tx %s)", contractID, amount, ref)
	return esc, nil
}

// SubmitProof records a completion claim and verifies it. A rejected proof
// leaves the contract eligible for resubmission before the deadline; once
// every contributing agent holds an accepted proof the escrow releases.
func (c *Coordinator) SubmitProof(ctx context.Context, sub ProofSubmission) (*SubmitResult, error) {
	l := c.contractLock(sub.ContractID)
	l.Lock()
	defer l.Unlock()

	contract, err := c.getContract(ctx, sub.ContractID)
	if err != nil {
		return nil, err
	}
	switch contract.State {
	case store.ContractFunded, store.ContractProofSubmitted:
	default:
		return nil, fmt.Errorf("%w: submit proof in state %s", ErrInvalidTransition, contract.State)
	}

	var agent *store.ContractAgent
	for i := range contract.Agents {
		if contract.Agents[i].AgentID == sub.AgentID {
			agent = &contract.Agents[i]
			break
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent %s on contract %s", ErrNotParty, sub.AgentID, sub.ContractID)
	}

	listing, err := c.store.GetListing(ctx, agent.ListingID)
	if err != nil {
		return nil, err
	}

	verdict := c.verifier.Verify(proof.Request{
		ContractID: sub.ContractID,
		AgentID:    sub.AgentID,
		Capability: listing.Capability,
		Hash:       sub.Hash,
		Metadata:   sub.Metadata,
		Deadline:   contract.Deadline,
		Now:        c.now(),
	})

	record := &store.Proof{
		ID:          uuid.New().String(),
		ContractID:  sub.ContractID,
		AgentID:     sub.AgentID,
		Hash:        sub.Hash,
		Metadata:    sub.Metadata,
		SubmittedAt: c.now(),
	}
	if verdict.Accepted {
		record.Verdict = store.ProofAccepted
	} else {
		record.Verdict = store.ProofRejected
		record.Reason = string(verdict.Reason) + ": " + verdict.Detail
	}
	if err := c.store.PutProof(ctx, record); err != nil {
		return nil, err
	}
	observability.ProofVerified(verdict.Accepted)

	result := &SubmitResult{Proof: record, Accepted: verdict.Accepted, Reason: verdict.Reason}

	if !verdict.Accepted {
		// Rejection is final per submission but the contract stays
		// proof-eligible until the deadline; its state is untouched so an
		// accepted proof from another agent is not regressed.
		return result, nil
	}

	if err := c.setState(ctx, contract, store.ContractProofSubmitted); err != nil {
		return nil, err
	}

	complete, err := c.allAgentsProven(ctx, contract)
	if err != nil {
		return nil, err
	}
	if !complete {
		return result, nil
	}

	if err := c.release(ctx, contract); err != nil {
		return nil, err
	}
	result.Released = true
	return result, nil
}

// allAgentsProven reports whether every contributing agent holds an
// accepted proof.
func (c *Coordinator) allAgentsProven(ctx context.Context, contract *store.Contract) (bool, error) {
	proofs, err := c.store.ProofsByContract(ctx, contract.ID)
	if err != nil {
		return false, err
	}
	proven := make(map[string]bool)
	for _, p := range proofs {
		if p.Verdict == store.ProofAccepted {
			proven[p.AgentID] = true
		}
	}
	for _, a := range contract.Agents {
		if !proven[a.AgentID] {
			return false, nil
		}
	}
	return true, nil
}

// AcceptDelivery is the buyer's explicit acceptance path: it releases the
// escrow without requiring accepted proofs.
func (c *Coordinator) AcceptDelivery(ctx context.Context, contractID string) error {
	l := c.contractLock(contractID)
	l.Lock()
	defer l.Unlock()

	contract, err := c.getContract(ctx, contractID)
	if err != nil {
		return err
	}
	switch contract.State {
	case store.ContractFunded, store.ContractProofSubmitted, store.ContractAccepted:
		return c.release(ctx, contract)
	case store.ContractReleased:
		// Idempotent: already released.
		return nil
	case store.ContractDisputed:
		return c.queueResolution(ctx, contract, store.PendingRelease)
	default:
		return fmt.Errorf("%w: accept in state %s", ErrInvalidTransition, contract.State)
	}
}

// release pays the escrow out through the revenue splitter, unlocks agent
// collateral, and records positive outcomes. Caller holds the contract
// lock. Idempotent: a released contract is a no-op.
func (c *Coordinator) release(ctx context.Context, contract *store.Contract) error {
	if contract.State == store.ContractReleased {
		return nil
	}

	esc, err := c.escrow.Get(ctx, contract.ID)
	if err != nil {
		return err
	}
	if esc.Status == store.EscrowReleased {
		return nil
	}

	// Accepted marks the payout in flight; a crash here leaves a contract
	// that AcceptDelivery can drive to completion again.
	if err := c.setState(ctx, contract, store.ContractAccepted); err != nil {
		return err
	}

	weights := make(map[string]int64, len(contract.Agents))
	for _, a := range contract.Agents {
		weights[a.AgentID] = a.WeightBps
	}
	shares, err := revenue.Split(esc.Amount, weights)
	if err != nil {
		return c.freezeContract(ctx, contract, fmt.Errorf("split held amount: %w", err))
	}

	// Submit all payout legs, then await confirmations in parallel. The
	// adapter is idempotent so a retried leg never double-pays.
	refs := make(map[string]string, len(shares))
	var refsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range contract.Agents {
		agentID, amount := a.AgentID, shares[a.AgentID]
		g.Go(func() error {
			ref, err := c.ledger.SubmitPayout(gctx, agentID, amount)
			if err != nil {
				return fmt.Errorf("payout to %s: %w", agentID, err)
			}
			refsMu.Lock()
			refs[agentID] = string(ref)
			refsMu.Unlock()
			return c.ledger.AwaitConfirmation(gctx, ref)
		})
	}
	payoutErr := g.Wait()

	if payoutErr != nil {
		// Funds may be partially in flight; park the contract in dispute
		// for manual resolution rather than guessing.
		log.Printf("[COORD] contract %s payout failed, moving to dispute: %v", contract.ID, payoutErr)
		if _, derr := c.escrow.Dispute(ctx, contract.ID); derr != nil {
			log.Printf("[COORD] contract %s escrow dispute failed: %v", contract.ID, derr)
		}
		if serr := c.setState(ctx, contract, store.ContractDisputed); serr != nil {
			return serr
		}
		return payoutErr
	}

	if _, err := c.escrow.BeginRelease(ctx, contract.ID, refs); err != nil {
		return err
	}
	if _, err := c.escrow.FinishRelease(ctx, contract.ID); err != nil {
		return err
	}

	for _, a := range contract.Agents {
		if err := c.stakes.Unlock(ctx, a.AgentID, a.Collateral, "release:"+contract.ID); err != nil {
			log.Printf("[COORD] contract %s unlock for %s failed: %v", contract.ID, a.AgentID, err)
		}
		weight := float64(a.WeightBps) / float64(revenue.WeightScale)
		if err := c.reputation.RecordOutcome(ctx, a.AgentID, reputation.Positive, weight); err != nil {
			log.Printf("[COORD] contract %s reputation update for %s failed: %v", contract.ID, a.AgentID, err)
		}
	}

	if err := c.setState(ctx, contract, store.ContractReleased); err != nil {
		return err
	}
	observability.EscrowSettled(esc.Amount, "released")
	log.Printf("[COORD] contract %s released: %d across %d agent(s)", contract.ID, esc.Amount, len(contract.Agents))
	return nil
}

// refund returns the escrow to the buyer, slashes the penalty fraction of
// each agent's collateral, unlocks the remainder, and records negative
// outcomes. Caller holds the contract lock. Idempotent.
func (c *Coordinator) refund(ctx context.Context, contract *store.Contract) error {
	if contract.State == store.ContractRefunded {
		return nil
	}

	esc, err := c.escrow.Get(ctx, contract.ID)
	if err != nil {
		return err
	}
	if esc.Status == store.EscrowRefunded {
		return nil
	}

	ref, err := c.ledger.SubmitPayout(ctx, contract.BuyerID, esc.Amount)
	if err == nil {
		err = c.ledger.AwaitConfirmation(ctx, ref)
	}
	if err != nil {
		log.Printf("[COORD] contract %s refund payout failed, moving to dispute: %v", contract.ID, err)
		if _, derr := c.escrow.Dispute(ctx, contract.ID); derr != nil {
			log.Printf("[COORD] contract %s escrow dispute failed: %v", contract.ID, derr)
		}
		if serr := c.setState(ctx, contract, store.ContractDisputed); serr != nil {
			return serr
		}
		return err
	}

	if _, err := c.escrow.BeginRefund(ctx, contract.ID, string(ref)); err != nil {
		return err
	}
	if _, err := c.escrow.FinishRefund(ctx, contract.ID); err != nil {
		return err
	}

	for _, a := range contract.Agents {
		penalty := a.Collateral * c.penaltyBps / revenue.WeightScale
		if penalty > 0 {
			if err := c.stakes.Slash(ctx, a.AgentID, penalty, "refund:"+contract.ID); err != nil {
				var partial *stake.PartialSlashError
				if !errors.As(err, &partial) {
					log.Printf("[COORD] contract %s slash for %s failed: %v", contract.ID, a.AgentID, err)
				}
			}
			observability.StakeSlashed(penalty)
		}
		if err := c.stakes.Unlock(ctx, a.AgentID, a.Collateral-penalty, "refund:"+contract.ID); err != nil {
			log.Printf("[COORD] contract %s unlock for %s failed: %v", contract.ID, a.AgentID, err)
		}
		weight := float64(a.WeightBps) / float64(revenue.WeightScale)
		if err := c.reputation.RecordOutcome(ctx, a.AgentID, reputation.Negative, weight); err != nil {
			log.Printf("[COORD] contract %s reputation update for %s failed: %v", contract.ID, a.AgentID, err)
		}
	}

	if err := c.setState(ctx, contract, store.ContractRefunded); err != nil {
		return err
	}
	observability.EscrowSettled(esc.Amount, "refunded")
	log.Printf("[COORD] contract %s refunded %d to buyer %s", contract.ID, esc.Amount, contract.BuyerID)
	return nil
}

// RefundContract refunds the buyer explicitly, outside the expiry sweep:
// callable once the deadline passed with no accepted proof. While disputed,
// the request is queued for the resolution.
func (c *Coordinator) RefundContract(ctx context.Context, contractID string) error {
	l := c.contractLock(contractID)
	l.Lock()
	defer l.Unlock()

	contract, err := c.getContract(ctx, contractID)
	if err != nil {
		return err
	}
	switch contract.State {
	case store.ContractRefunded:
		return nil
	case store.ContractDisputed:
		return c.queueResolution(ctx, contract, store.PendingRefund)
	case store.ContractFunded, store.ContractProofSubmitted:
		if contract.Deadline.After(c.now()) {
			return fmt.Errorf("%w: refund before deadline with no dispute", ErrInvalidTransition)
		}
		return c.refund(ctx, contract)
	default:
		return fmt.Errorf("%w: refund in state %s", ErrInvalidTransition, contract.State)
	}
}

func (c *Coordinator) queueResolution(ctx context.Context, contract *store.Contract, action store.PendingAction) error {
	// A release or refund arriving during a dispute queues until the
	// dispute resolves; it never executes concurrently with arbitration.
	if contract.Pending == action {
		return nil
	}
	contract.Pending = action
	contract.UpdatedAt = c.now()
	return c.store.PutContract(ctx, contract)
}

// OpenDispute freezes the contract and its escrow until an external
// resolution arrives. Only the buyer or a contributing agent may raise it.
func (c *Coordinator) OpenDispute(ctx context.Context, contractID, raisedBy string) error {
	l := c.contractLock(contractID)
	l.Lock()
	defer l.Unlock()

	contract, err := c.getContract(ctx, contractID)
	if err != nil {
		return err
	}
	switch contract.State {
	case store.ContractFunded, store.ContractProofSubmitted:
	default:
		return fmt.Errorf("%w: dispute in state %s", ErrInvalidTransition, contract.State)
	}

	if raisedBy != contract.BuyerID {
		party := false
		for _, a := range contract.Agents {
			if a.AgentID == raisedBy {
				party = true
				break
			}
		}
		if !party {
			return fmt.Errorf("%w: %s", ErrNotParty, raisedBy)
		}
	}

	if _, err := c.escrow.Dispute(ctx, contractID); err != nil {
		return err
	}
	contract.Disputant = raisedBy
	if err := c.setState(ctx, contract, store.ContractDisputed); err != nil {
		return err
	}
	observability.DisputeOpened()
	log.Printf("[COORD] contract %s disputed by %s", contractID, raisedBy)
	return nil
}

// ResolveDispute feeds the external arbitration decision back in, executing
// the decided outcome. Queued release/refund requests are superseded by the
// decision. Resolution in the agents' favor restores collateral slashed for
// this contract.
func (c *Coordinator) ResolveDispute(ctx context.Context, contractID string, outcome DisputeOutcome) error {
	l := c.contractLock(contractID)
	l.Lock()
	defer l.Unlock()

	contract, err := c.getContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != store.ContractDisputed {
		return fmt.Errorf("%w: %s is %s", ErrNotDisputed, contractID, contract.State)
	}

	if _, err := c.escrow.Resolve(ctx, contractID); err != nil {
		return err
	}
	contract.Pending = store.PendingNone
	contract.Disputant = ""
	if err := c.setState(ctx, contract, store.ContractFunded); err != nil {
		return err
	}

	switch outcome {
	case OutcomeForAgents:
		if err := c.restoreSlashed(ctx, contract); err != nil {
			log.Printf("[COORD] contract %s restore failed: %v", contractID, err)
		}
		return c.release(ctx, contract)
	case OutcomeForBuyer:
		return c.refund(ctx, contract)
	default:
		return fmt.Errorf("unknown dispute outcome %d", outcome)
	}
}

// restoreSlashed returns collateral slashed for this contract to agents
// found to be acting in good faith.
func (c *Coordinator) restoreSlashed(ctx context.Context, contract *store.Contract) error {
	reason := "refund:" + contract.ID
	for _, a := range contract.Agents {
		events, err := c.stakes.History(ctx, a.AgentID)
		if err != nil {
			return err
		}
		var slashed int64
		for _, e := range events {
			if e.Reason != reason {
				continue
			}
			switch e.Kind {
			case store.StakeSlash:
				slashed += e.Amount
			case store.StakeRestore:
				slashed -= e.Amount
			}
		}
		if slashed > 0 {
			if err := c.stakes.Restore(ctx, a.AgentID, slashed, "dispute:"+contract.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpireContracts applies deadline semantics to every non-terminal contract
// past its deadline: never-funded contracts terminate as ExpiredUnfunded,
// funded ones refund with the slashing penalty. Disputed contracts and
// contracts with payouts in flight are left for their own resolution.
// Idempotent; safe to run concurrently with normal operations.
func (c *Coordinator) ExpireContracts(ctx context.Context, now time.Time) (int, error) {
	contracts, err := c.store.ContractsExpiring(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, expiring := range contracts {
		l := c.contractLock(expiring.ID)
		l.Lock()

		// Re-read under the lock; normal operations may have advanced it.
		contract, err := c.getContract(ctx, expiring.ID)
		if err != nil {
			l.Unlock()
			if errors.Is(err, ErrContractFrozen) {
				continue
			}
			return expired, err
		}

		switch contract.State {
		case store.ContractMatched:
			for _, a := range contract.Agents {
				if err := c.stakes.Unlock(ctx, a.AgentID, a.Collateral, "expire:"+contract.ID); err != nil {
					log.Printf("[SWEEP] contract %s unlock for %s failed: %v", contract.ID, a.AgentID, err)
				}
			}
			if err := c.setState(ctx, contract, store.ContractExpiredUnfunded); err != nil {
				l.Unlock()
				return expired, err
			}
			if err := c.market.ReopenListings(ctx, contract); err != nil {
				log.Printf("[SWEEP] contract %s listing reopen failed: %v", contract.ID, err)
			}
			expired++
		case store.ContractFunded, store.ContractProofSubmitted:
			if err := c.refund(ctx, contract); err != nil {
				log.Printf("[SWEEP] contract %s expiry refund failed: %v", contract.ID, err)
			} else {
				expired++
			}
		}
		l.Unlock()
	}
	return expired, nil
}

// ExpireStaleListings delegates the listing TTL sweep.
func (c *Coordinator) ExpireStaleListings(ctx context.Context, now time.Time) (int, error) {
	return c.market.ExpireStaleListings(ctx, now)
}

// escrowReconcileHorizon is far enough past any plausible deadline that the
// deadline index returns every non-terminal contract.
const escrowReconcileHorizon = 100 * 365 * 24 * time.Hour

// HeldEscrowTotal sums the value currently held in escrow across all live
// contracts. Settled contracts leave the deadline index, so the far-horizon
// query covers exactly the contracts that can still hold funds.
func (c *Coordinator) HeldEscrowTotal(ctx context.Context) (int64, error) {
	contracts, err := c.store.ContractsExpiring(ctx, c.now().Add(escrowReconcileHorizon))
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(contracts))
	for i, contract := range contracts {
		ids[i] = contract.ID
	}
	return c.escrow.HeldTotal(ctx, ids)
}

// GetReputation returns an agent's current decayed score.
func (c *Coordinator) GetReputation(ctx context.Context, agentID string) (float64, error) {
	return c.reputation.Score(ctx, agentID)
}

// GetContractStatus returns the contract with its escrow and proof records.
func (c *Coordinator) GetContractStatus(ctx context.Context, contractID string) (*ContractStatus, error) {
	contract, err := c.store.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contractID)
		}
		return nil, err
	}

	status := &ContractStatus{Contract: contract}
	if esc, err := c.escrow.Get(ctx, contractID); err == nil {
		status.Escrow = esc
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	proofs, err := c.store.ProofsByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	status.Proofs = proofs
	return status, nil
}

// freezeContract marks the single affected contract frozen after an
// invariant violation, with full state logged for forensic resolution. The
// rest of the engine keeps running.
func (c *Coordinator) freezeContract(ctx context.Context, contract *store.Contract, cause error) error {
	contract.Frozen = true
	contract.UpdatedAt = c.now()
	if err := c.store.PutContract(ctx, contract); err != nil {
		log.Printf("[COORD] failed to freeze contract %s: %v", contract.ID, err)
	}
	log.Printf("[COORD] invariant violation, contract frozen: %+v cause: %v", contract, cause)
	return fmt.Errorf("%w: %s: %w", ErrContractFrozen, contract.ID, cause)
}
