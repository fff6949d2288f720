// Package store defines the entity tables backing the coordination engine.
// Every cross-entity relationship is an id reference into another table, so
// records can be created, persisted, and removed independently. The Store
// handle is injected into every component constructor; tests use the memory
// backend and deployments substitute the Redis backend without code changes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agora-dev/agora/pkg/capability"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("record not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store abstracts entity persistence. Implementations must be safe for
// concurrent use. Callers own the serialization of read-modify-write cycles
// per entity; the store only guarantees that individual operations are
// atomic and that returned records do not alias stored state.
type Store interface {
	// Agents table.
	PutAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Stakes table, keyed by agent id.
	PutStake(ctx context.Context, stake *Stake) error
	GetStake(ctx context.Context, agentID string) (*Stake, error)
	DeleteStake(ctx context.Context, agentID string) error

	// Listings table, indexed by capability.
	PutListing(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	ListingsByCapability(ctx context.Context, cap capability.Capability) ([]*Listing, error)
	ListListings(ctx context.Context) ([]*Listing, error)

	// Contracts table, indexed by (agent, state) and by deadline.
	PutContract(ctx context.Context, contract *Contract) error
	GetContract(ctx context.Context, id string) (*Contract, error)
	ContractsByAgent(ctx context.Context, agentID string, states ...ContractState) ([]*Contract, error)
	ContractsExpiring(ctx context.Context, before time.Time) ([]*Contract, error)

	// Escrows table, keyed by contract id.
	PutEscrow(ctx context.Context, escrow *Escrow) error
	GetEscrow(ctx context.Context, contractID string) (*Escrow, error)

	// Proofs table.
	PutProof(ctx context.Context, proof *Proof) error
	GetProof(ctx context.Context, id string) (*Proof, error)
	ProofsByContract(ctx context.Context, contractID string) ([]*Proof, error)

	// Reputations table, keyed by agent id.
	PutReputation(ctx context.Context, rep *Reputation) error
	GetReputation(ctx context.Context, agentID string) (*Reputation, error)

	// Ping checks liveness of the backing store.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
