package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agora-dev/agora/pkg/capability"
)

// MemoryStore implements Store with in-process maps. It is the default for
// tests and single-node deployments. Records are deep-copied on the way in
// and out so callers can never alias stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	stakes      map[string]*Stake
	listings    map[string]*Listing
	contracts   map[string]*Contract
	escrows     map[string]*Escrow
	proofs      map[string]*Proof
	reputations map[string]*Reputation
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*Agent),
		stakes:      make(map[string]*Stake),
		listings:    make(map[string]*Listing),
		contracts:   make(map[string]*Contract),
		escrows:     make(map[string]*Escrow),
		proofs:      make(map[string]*Proof),
		reputations: make(map[string]*Reputation),
	}
}

func (m *MemoryStore) PutAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, cloneAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (m *MemoryStore) PutStake(ctx context.Context, stake *Stake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.stakes[stake.AgentID] = cloneStake(stake)
	return nil
}

func (m *MemoryStore) GetStake(ctx context.Context, agentID string) (*Stake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	stake, ok := m.stakes[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStake(stake), nil
}

func (m *MemoryStore) DeleteStake(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.stakes[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.stakes, agentID)
	return nil
}

func (m *MemoryStore) PutListing(ctx context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.listings[listing.ID] = cloneListing(listing)
	return nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	listing, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneListing(listing), nil
}

func (m *MemoryStore) ListingsByCapability(ctx context.Context, cap capability.Capability) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var listings []*Listing
	for _, l := range m.listings {
		if l.Capability.Matches(cap) {
			listings = append(listings, cloneListing(l))
		}
	}
	sortListings(listings)
	return listings, nil
}

func (m *MemoryStore) ListListings(ctx context.Context) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	listings := make([]*Listing, 0, len(m.listings))
	for _, l := range m.listings {
		listings = append(listings, cloneListing(l))
	}
	sortListings(listings)
	return listings, nil
}

func (m *MemoryStore) PutContract(ctx context.Context, contract *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.contracts[contract.ID] = cloneContract(contract)
	return nil
}

func (m *MemoryStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	contract, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContract(contract), nil
}

func (m *MemoryStore) ContractsByAgent(ctx context.Context, agentID string, states ...ContractState) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var contracts []*Contract
	for _, c := range m.contracts {
		if !contractHasAgent(c, agentID) {
			continue
		}
		if len(states) > 0 && !stateIn(c.State, states) {
			continue
		}
		contracts = append(contracts, cloneContract(c))
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	return contracts, nil
}

func (m *MemoryStore) ContractsExpiring(ctx context.Context, before time.Time) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var contracts []*Contract
	for _, c := range m.contracts {
		if c.State.Terminal() {
			continue
		}
		if c.Deadline.Before(before) {
			contracts = append(contracts, cloneContract(c))
		}
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	return contracts, nil
}

func (m *MemoryStore) PutEscrow(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.escrows[escrow.ContractID] = cloneEscrow(escrow)
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, contractID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	escrow, ok := m.escrows[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(escrow), nil
}

func (m *MemoryStore) PutProof(ctx context.Context, proof *Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.proofs[proof.ID] = cloneProof(proof)
	return nil
}

func (m *MemoryStore) GetProof(ctx context.Context, id string) (*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	proof, ok := m.proofs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProof(proof), nil
}

func (m *MemoryStore) ProofsByContract(ctx context.Context, contractID string) ([]*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var proofs []*Proof
	for _, p := range m.proofs {
		if p.ContractID == contractID {
			proofs = append(proofs, cloneProof(p))
		}
	}
	sort.Slice(proofs, func(i, j int) bool {
		if proofs[i].SubmittedAt.Equal(proofs[j].SubmittedAt) {
			return proofs[i].ID < proofs[j].ID
		}
		return proofs[i].SubmittedAt.Before(proofs[j].SubmittedAt)
	})
	return proofs, nil
}

func (m *MemoryStore) PutReputation(ctx context.Context, rep *Reputation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	clone := *rep
	m.reputations[rep.AgentID] = &clone
	return nil
}

func (m *MemoryStore) GetReputation(ctx context.Context, agentID string) (*Reputation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	rep, ok := m.reputations[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rep
	return &clone, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortListings(listings []*Listing) {
	sort.Slice(listings, func(i, j int) bool {
		if listings[i].CreatedAt.Equal(listings[j].CreatedAt) {
			return listings[i].ID < listings[j].ID
		}
		return listings[i].CreatedAt.Before(listings[j].CreatedAt)
	})
}

func contractHasAgent(c *Contract, agentID string) bool {
	for _, a := range c.Agents {
		if a.AgentID == agentID {
			return true
		}
	}
	return false
}

func stateIn(state ContractState, states []ContractState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func cloneAgent(a *Agent) *Agent {
	clone := *a
	clone.Capabilities = append([]capability.Capability(nil), a.Capabilities...)
	return &clone
}

func cloneStake(s *Stake) *Stake {
	clone := *s
	clone.Events = append([]StakeEvent(nil), s.Events...)
	return &clone
}

func cloneListing(l *Listing) *Listing {
	clone := *l
	return &clone
}

func cloneContract(c *Contract) *Contract {
	clone := *c
	clone.Agents = append([]ContractAgent(nil), c.Agents...)
	return &clone
}

func cloneEscrow(e *Escrow) *Escrow {
	clone := *e
	if e.PayoutTxRefs != nil {
		clone.PayoutTxRefs = make(map[string]string, len(e.PayoutTxRefs))
		for k, v := range e.PayoutTxRefs {
			clone.PayoutTxRefs[k] = v
		}
	}
	return &clone
}

func cloneProof(p *Proof) *Proof {
	clone := *p
	if p.Metadata != nil {
		clone.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
