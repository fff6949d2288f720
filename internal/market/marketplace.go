// Package market matches task requests to eligible service listings. A
// listing requires availability and a marketplace-level unlocked stake
// reserve; candidate ranking weighs price against reputation with a
// deterministic earliest-listing tie-break so cheap, trusted, long-waiting
// listings win.
package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agora-dev/agora/internal/observability"
	"github.com/agora-dev/agora/internal/reputation"
	"github.com/agora-dev/agora/internal/revenue"
	"github.com/agora-dev/agora/internal/stake"
	"github.com/agora-dev/agora/internal/store"
	"github.com/agora-dev/agora/pkg/capability"
)

// Errors returned by marketplace operations.
var (
	// ErrAgentUnavailable is returned when listing while unavailable.
	ErrAgentUnavailable = errors.New("agent is not available")
	// ErrReserveNotMet is returned when the agent's unlocked stake is below
	// the marketplace reserve.
	ErrReserveNotMet = errors.New("marketplace stake reserve not met")
	// ErrListingUnavailable is returned when matching against a listing that
	// is not open.
	ErrListingUnavailable = errors.New("listing is not open")
	// ErrCapacityExceeded is returned when a candidate's unlocked stake
	// cannot cover the match collateral; no partial locks survive.
	ErrCapacityExceeded = errors.New("candidate stake capacity exceeded")
	// ErrBudgetExceeded is returned when the chosen listings price above the
	// request budget.
	ErrBudgetExceeded = errors.New("listing price exceeds budget")
	// ErrWeightMismatch is returned when the weight vector does not line up
	// with the chosen listings.
	ErrWeightMismatch = errors.New("contribution weights do not match listings")
)

// Config tunes marketplace behavior.
type Config struct {
	// Reserve is the minimum unlocked stake required to hold a listing,
	// separate from the registration minimum.
	Reserve int64
	// MinReputation filters candidates below this score (default neutral).
	MinReputation float64
	// PriceWeight and ReputationWeight shape candidate ranking.
	PriceWeight      float64
	ReputationWeight float64
	// ListingTTL withdraws listings older than this in the stale sweep.
	ListingTTL time.Duration
	// CollateralBps scales per-agent collateral as basis points of the
	// agent's share of the contract price (default 10_000 = full share).
	CollateralBps int64
}

func (c *Config) applyDefaults() {
	if c.PriceWeight == 0 {
		c.PriceWeight = 1
	}
	if c.ReputationWeight == 0 {
		c.ReputationWeight = 1
	}
	if c.ListingTTL <= 0 {
		c.ListingTTL = 24 * time.Hour
	}
	if c.CollateralBps <= 0 {
		c.CollateralBps = revenue.WeightScale
	}
}

// TaskRequest describes what a buyer needs.
type TaskRequest struct {
	BuyerID    string
	Capability capability.Capability
	Budget     int64
	Deadline   time.Time
}

// Candidate is one ranked listing with the reputation used to rank it.
type Candidate struct {
	Listing    *store.Listing
	Reputation float64
}

// Marketplace manages service listings and contract formation.
type Marketplace struct {
	store      store.Store
	stakes     *stake.Manager
	reputation *reputation.Aggregator
	cfg        Config
	now        func() time.Time
}

// NewMarketplace creates a marketplace.
func NewMarketplace(s store.Store, stakes *stake.Manager, rep *reputation.Aggregator, cfg Config) *Marketplace {
	cfg.applyDefaults()
	return &Marketplace{
		store:      s,
		stakes:     stakes,
		reputation: rep,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Marketplace) SetClock(now func() time.Time) { m.now = now }

// ListService advertises a capability at a price. The agent must be
// available and hold the marketplace stake reserve unlocked.
func (m *Marketplace) ListService(ctx context.Context, agentID string, cap capability.Capability, price int64) (*store.Listing, error) {
	if !cap.Valid() {
		return nil, fmt.Errorf("invalid capability %v", cap)
	}
	if price <= 0 {
		return nil, fmt.Errorf("listing price must be positive, got %d", price)
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("unknown agent %s", agentID)
		}
		return nil, err
	}
	if !agent.Available {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
	}

	acct, err := m.stakes.Account(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if acct.Unlocked() < m.cfg.Reserve {
		return nil, fmt.Errorf("%w: agent %s has %d unlocked, reserve is %d",
			ErrReserveNotMet, agentID, acct.Unlocked(), m.cfg.Reserve)
	}

	now := m.now()
	listing := &store.Listing{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Capability: cap,
		Price:      price,
		Status:     store.ListingOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.PutListing(ctx, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

// CancelListing withdraws an open listing.
func (m *Marketplace) CancelListing(ctx context.Context, listingID string) error {
	listing, err := m.store.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.Status != store.ListingOpen {
		return fmt.Errorf("%w: %s is %s", ErrListingUnavailable, listingID, listing.Status)
	}
	listing.Status = store.ListingWithdrawn
	listing.UpdatedAt = m.now()
	return m.store.PutListing(ctx, listing)
}

// RequestTask returns open listings that serve the capability within
// budget, filtered by the reputation threshold and ranked by a weighted
// price/reputation score. Ties break by listing creation time, earliest
// first, then by listing id.
func (m *Marketplace) RequestTask(ctx context.Context, req TaskRequest) ([]Candidate, error) {
	if req.Budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", req.Budget)
	}

	listings, err := m.store.ListingsByCapability(ctx, req.Capability)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, listing := range listings {
		if listing.Status != store.ListingOpen || listing.Price > req.Budget {
			continue
		}
		score, err := m.reputation.Score(ctx, listing.AgentID)
		if err != nil {
			return nil, err
		}
		if score < m.cfg.MinReputation {
			continue
		}
		candidates = append(candidates, Candidate{Listing: listing, Reputation: score})
	}

	rank := func(c Candidate) float64 {
		normPrice := float64(c.Listing.Price) / float64(req.Budget)
		return m.cfg.PriceWeight*normPrice - m.cfg.ReputationWeight*c.Reputation
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i]), rank(candidates[j])
		if ri != rj {
			return ri < rj
		}
		ci, cj := candidates[i].Listing.CreatedAt, candidates[j].Listing.CreatedAt
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return candidates[i].Listing.ID < candidates[j].Listing.ID
	})
	return candidates, nil
}

// Match forms a contract over the chosen listings. Per-agent collateral is
// locked proportionally to contribution weight and contract value through a
// two-phase reservation: if any candidate's unlocked stake is insufficient
// the whole match fails and no partial lock survives.
func (m *Marketplace) Match(ctx context.Context, req TaskRequest, listingIDs []string, weightsBps []int64) (*store.Contract, error) {
	if len(listingIDs) == 0 {
		return nil, errors.New("no listings chosen")
	}
	if len(listingIDs) != len(weightsBps) {
		return nil, fmt.Errorf("%w: %d listings, %d weights", ErrWeightMismatch, len(listingIDs), len(weightsBps))
	}

	weights := make(map[string]int64, len(listingIDs))
	listings := make([]*store.Listing, 0, len(listingIDs))
	var price int64
	for i, id := range listingIDs {
		listing, err := m.store.GetListing(ctx, id)
		if err != nil {
			return nil, err
		}
		if listing.Status != store.ListingOpen {
			return nil, fmt.Errorf("%w: %s is %s", ErrListingUnavailable, id, listing.Status)
		}
		if !listing.Capability.Matches(req.Capability) {
			return nil, fmt.Errorf("listing %s serves %s, not %s", id, listing.Capability, req.Capability)
		}
		if _, dup := weights[listing.AgentID]; dup {
			return nil, fmt.Errorf("agent %s appears in more than one chosen listing", listing.AgentID)
		}
		weights[listing.AgentID] = weightsBps[i]
		listings = append(listings, listing)
		price += listing.Price
	}
	if price > req.Budget {
		return nil, fmt.Errorf("%w: total price %d, budget %d", ErrBudgetExceeded, price, req.Budget)
	}
	if err := revenue.ValidateWeights(weights); err != nil {
		return nil, err
	}

	contractID := uuid.New().String()

	agents := make([]store.ContractAgent, len(listings))
	reqs := make([]stake.Requirement, len(listings))
	for i, listing := range listings {
		w := weights[listing.AgentID]
		collateral := price * w / revenue.WeightScale * m.cfg.CollateralBps / revenue.WeightScale
		agents[i] = store.ContractAgent{
			AgentID:    listing.AgentID,
			ListingID:  listing.ID,
			WeightBps:  w,
			Collateral: collateral,
		}
		reqs[i] = stake.Requirement{AgentID: listing.AgentID, Amount: collateral, Reason: "match:" + contractID}
	}

	reservation, err := m.stakes.Reserve(ctx, reqs)
	if err != nil {
		if errors.Is(err, stake.ErrInsufficientUnlockedStake) {
			return nil, fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
		}
		return nil, err
	}
	defer reservation.Release(ctx)

	now := m.now()
	contract := &store.Contract{
		ID:        contractID,
		BuyerID:   req.BuyerID,
		Agents:    agents,
		Price:     price,
		Deadline:  req.Deadline,
		State:     store.ContractMatched,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutContract(ctx, contract); err != nil {
		return nil, err
	}

	for _, listing := range listings {
		listing.Status = store.ListingMatched
		listing.ContractID = contract.ID
		listing.UpdatedAt = now
		if err := m.store.PutListing(ctx, listing); err != nil {
			return nil, err
		}
	}

	reservation.Commit()
	log.Printf("[MARKET] contract %s matched: %d agent(s), price %d", contract.ID, len(agents), price)
	return contract, nil
}

// ReopenListings returns a contract's listings to open, used when the
// contract resolves and the listed services become matchable again.
func (m *Marketplace) ReopenListings(ctx context.Context, contract *store.Contract) error {
	for _, a := range contract.Agents {
		listing, err := m.store.GetListing(ctx, a.ListingID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if listing.Status != store.ListingMatched || listing.ContractID != contract.ID {
			continue
		}
		listing.Status = store.ListingOpen
		listing.ContractID = ""
		listing.UpdatedAt = m.now()
		if err := m.store.PutListing(ctx, listing); err != nil {
			return err
		}
	}
	return nil
}

// ExpireStaleListings withdraws open listings older than the configured
// TTL. Idempotent; safe to run concurrently with normal operations.
func (m *Marketplace) ExpireStaleListings(ctx context.Context, now time.Time) (int, error) {
	listings, err := m.store.ListListings(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	open := 0
	cutoff := now.Add(-m.cfg.ListingTTL)
	for _, listing := range listings {
		if listing.Status != store.ListingOpen {
			continue
		}
		if !listing.CreatedAt.Before(cutoff) {
			open++
			continue
		}
		listing.Status = store.ListingWithdrawn
		listing.UpdatedAt = now
		if err := m.store.PutListing(ctx, listing); err != nil {
			return expired, err
		}
		expired++
	}
	observability.SetOpenListings(open)
	if expired > 0 {
		log.Printf("[MARKET] expired %d stale listing(s)", expired)
	}
	return expired, nil
}
