package store

import (
	"time"

	"github.com/agora-dev/agora/pkg/capability"
)

// Agent is a registered economic participant. Cross-entity relationships are
// id references only; the stake account and contracts for an agent live in
// their own tables.
type Agent struct {
	ID           string                  `json:"id"`
	Capabilities []capability.Capability `json:"capabilities"`
	Available    bool                    `json:"available"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Frozen       bool                    `json:"frozen,omitempty"`
}

// StakeEventKind classifies one entry in a stake account's history.
type StakeEventKind string

const (
	StakeDeposit  StakeEventKind = "deposit"
	StakeLock     StakeEventKind = "lock"
	StakeUnlock   StakeEventKind = "unlock"
	StakeSlash    StakeEventKind = "slash"
	StakeRestore  StakeEventKind = "restore"
	StakeWithdraw StakeEventKind = "withdraw"
)

// StakeEvent records one mutation of a stake account.
type StakeEvent struct {
	Kind   StakeEventKind `json:"kind"`
	Amount int64          `json:"amount"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// Stake is the collateral account committed by one agent. Amounts are
// indivisible base units. Locked never exceeds Balance.
type Stake struct {
	AgentID   string       `json:"agent_id"`
	Balance   int64        `json:"balance"`
	Locked    int64        `json:"locked"`
	Events    []StakeEvent `json:"events,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
	Frozen    bool         `json:"frozen,omitempty"`
}

// Unlocked returns the portion of the balance not committed to contracts.
func (s *Stake) Unlocked() int64 { return s.Balance - s.Locked }

// ListingStatus is the lifecycle state of a service listing.
type ListingStatus string

const (
	ListingOpen      ListingStatus = "open"
	ListingMatched   ListingStatus = "matched"
	ListingWithdrawn ListingStatus = "withdrawn"
)

// Listing is an advertised capability at a price.
type Listing struct {
	ID         string                `json:"id"`
	AgentID    string                `json:"agent_id"`
	Capability capability.Capability `json:"capability"`
	Price      int64                 `json:"price"`
	Status     ListingStatus         `json:"status"`
	ContractID string                `json:"contract_id,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// ContractState is the task contract state machine position.
type ContractState string

const (
	ContractMatched         ContractState = "matched"
	ContractFunded          ContractState = "funded"
	ContractProofSubmitted  ContractState = "proof_submitted"
	ContractAccepted        ContractState = "accepted"
	ContractDisputed        ContractState = "disputed"
	ContractReleased        ContractState = "released"
	ContractRefunded        ContractState = "refunded"
	ContractExpiredUnfunded ContractState = "expired_unfunded"
)

// Terminal reports whether the state permits no further transitions.
func (s ContractState) Terminal() bool {
	switch s {
	case ContractReleased, ContractRefunded, ContractExpiredUnfunded:
		return true
	}
	return false
}

// PendingAction is a queued resolution request held back by an open dispute.
type PendingAction string

const (
	PendingNone    PendingAction = ""
	PendingRelease PendingAction = "release"
	PendingRefund  PendingAction = "refund"
)

// ContractAgent is one contributing agent with its fixed-point weight
// (basis points, 10_000 = 1.0) and the collateral locked for this contract.
type ContractAgent struct {
	AgentID    string `json:"agent_id"`
	ListingID  string `json:"listing_id"`
	WeightBps  int64  `json:"weight_bps"`
	Collateral int64  `json:"collateral"`
}

// Contract is a binding agreement between a buyer and one or more agents.
type Contract struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyer_id"`
	Agents    []ContractAgent `json:"agents"`
	Price     int64           `json:"price"`
	Deadline  time.Time       `json:"deadline"`
	State     ContractState   `json:"state"`
	Pending   PendingAction   `json:"pending,omitempty"`
	Disputant string          `json:"disputant,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Frozen    bool            `json:"frozen,omitempty"`
}

// AgentIDs returns the contributing agent ids in declaration order.
func (c *Contract) AgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.AgentID
	}
	return ids
}

// EscrowStatus is the escrow account lifecycle state. Ledger-touching
// transitions pass through the pending statuses until confirmation.
type EscrowStatus string

const (
	EscrowHeld           EscrowStatus = "held"
	EscrowDisputed       EscrowStatus = "disputed"
	EscrowReleasePending EscrowStatus = "release_pending"
	EscrowReleased       EscrowStatus = "released"
	EscrowRefundPending  EscrowStatus = "refund_pending"
	EscrowRefunded       EscrowStatus = "refunded"
)

// Escrow holds a buyer's payment for one contract.
type Escrow struct {
	ContractID   string            `json:"contract_id"`
	Amount       int64             `json:"amount"`
	Status       EscrowStatus      `json:"status"`
	FundTxRef    string            `json:"fund_tx_ref,omitempty"`
	PayoutTxRefs map[string]string `json:"payout_tx_refs,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Frozen       bool              `json:"frozen,omitempty"`
}

// ProofVerdict is the final verification result for one submission.
type ProofVerdict string

const (
	ProofAccepted ProofVerdict = "accepted"
	ProofRejected ProofVerdict = "rejected"
)

// Proof is one completion claim. Records are immutable once verified;
// resubmission creates a new record.
type Proof struct {
	ID          string            `json:"id"`
	ContractID  string            `json:"contract_id"`
	AgentID     string            `json:"agent_id"`
	Hash        string            `json:"hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Verdict     ProofVerdict      `json:"verdict"`
	Reason      string            `json:"reason,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Reputation is an agent's decayed trust score. Never deleted, only decays
// toward neutral.
type Reputation struct {
	AgentID   string    `json:"agent_id"`
	Score     float64   `json:"score"`
	Outcomes  int64     `json:"outcomes"`
	UpdatedAt time.Time `json:"updated_at"`
}
