package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agora-dev/agora/pkg/capability"
)

// backends returns each Store implementation under a name, so every test
// runs against both the memory and the Redis-backed store.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = rs.Close() })

	ms := NewMemoryStore()
	t.Cleanup(func() { _ = ms.Close() })

	return map[string]Store{"memory": ms, "redis": rs}
}

func TestAgentCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.GetAgent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetAgent(missing) error = %v, want ErrNotFound", err)
			}

			agent := &Agent{
				ID:           "agent-a",
				Capabilities: []capability.Capability{capability.New(capability.Extract)},
				Available:    true,
				CreatedAt:    time.Now().UTC(),
			}
			if err := s.PutAgent(ctx, agent); err != nil {
				t.Fatalf("PutAgent failed: %v", err)
			}

			loaded, err := s.GetAgent(ctx, "agent-a")
			if err != nil {
				t.Fatalf("GetAgent failed: %v", err)
			}
			if !loaded.Available || len(loaded.Capabilities) != 1 {
				t.Errorf("loaded agent mismatch: %+v", loaded)
			}

			// Mutating the returned record must not alias stored state.
			loaded.Available = false
			again, err := s.GetAgent(ctx, "agent-a")
			if err != nil {
				t.Fatalf("GetAgent failed: %v", err)
			}
			if !again.Available {
				t.Error("stored agent was mutated through a returned record")
			}

			if err := s.DeleteAgent(ctx, "agent-a"); err != nil {
				t.Fatalf("DeleteAgent failed: %v", err)
			}
			if err := s.DeleteAgent(ctx, "agent-a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second DeleteAgent error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListingsByCapability(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			extract := capability.New(capability.Extract)
			search := capability.New(capability.Search)

			listings := []*Listing{
				{ID: "l-2", AgentID: "a-2", Capability: extract, Price: 20, Status: ListingOpen, CreatedAt: base.Add(time.Hour)},
				{ID: "l-1", AgentID: "a-1", Capability: extract, Price: 10, Status: ListingOpen, CreatedAt: base},
				{ID: "l-3", AgentID: "a-3", Capability: search, Price: 5, Status: ListingOpen, CreatedAt: base},
			}
			for _, l := range listings {
				if err := s.PutListing(ctx, l); err != nil {
					t.Fatalf("PutListing failed: %v", err)
				}
			}

			got, err := s.ListingsByCapability(ctx, extract)
			if err != nil {
				t.Fatalf("ListingsByCapability failed: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d listings, want 2", len(got))
			}
			// Ordered by creation time for deterministic ranking tie-breaks.
			if got[0].ID != "l-1" || got[1].ID != "l-2" {
				t.Errorf("listing order = [%s %s], want [l-1 l-2]", got[0].ID, got[1].ID)
			}
		})
	}
}

func TestContractIndexes(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			contracts := []*Contract{
				{
					ID:      "c-1",
					BuyerID: "buyer",
					Agents:  []ContractAgent{{AgentID: "a-1", WeightBps: 10000}},
					Price:   10, Deadline: now.Add(-time.Hour), State: ContractFunded,
				},
				{
					ID:      "c-2",
					BuyerID: "buyer",
					Agents:  []ContractAgent{{AgentID: "a-1", WeightBps: 10000}},
					Price:   10, Deadline: now.Add(time.Hour), State: ContractMatched,
				},
				{
					ID:      "c-3",
					BuyerID: "buyer",
					Agents:  []ContractAgent{{AgentID: "a-2", WeightBps: 10000}},
					Price:   10, Deadline: now.Add(-time.Minute), State: ContractReleased,
				},
			}
			for _, c := range contracts {
				if err := s.PutContract(ctx, c); err != nil {
					t.Fatalf("PutContract failed: %v", err)
				}
			}

			open, err := s.ContractsByAgent(ctx, "a-1", ContractMatched, ContractFunded)
			if err != nil {
				t.Fatalf("ContractsByAgent failed: %v", err)
			}
			if len(open) != 2 {
				t.Fatalf("got %d open contracts for a-1, want 2", len(open))
			}

			funded, err := s.ContractsByAgent(ctx, "a-1", ContractFunded)
			if err != nil {
				t.Fatalf("ContractsByAgent failed: %v", err)
			}
			if len(funded) != 1 || funded[0].ID != "c-1" {
				t.Fatalf("funded contracts = %+v, want [c-1]", funded)
			}

			// Expiry sweep sees only non-terminal contracts past deadline.
			expiring, err := s.ContractsExpiring(ctx, now)
			if err != nil {
				t.Fatalf("ContractsExpiring failed: %v", err)
			}
			if len(expiring) != 1 || expiring[0].ID != "c-1" {
				t.Fatalf("expiring contracts = %+v, want [c-1]", expiring)
			}
		})
	}
}

func TestEscrowAndProofs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			escrow := &Escrow{
				ContractID: "c-1",
				Amount:     100,
				Status:     EscrowHeld,
				CreatedAt:  time.Now().UTC(),
			}
			if err := s.PutEscrow(ctx, escrow); err != nil {
				t.Fatalf("PutEscrow failed: %v", err)
			}
			loaded, err := s.GetEscrow(ctx, "c-1")
			if err != nil {
				t.Fatalf("GetEscrow failed: %v", err)
			}
			if loaded.Amount != 100 || loaded.Status != EscrowHeld {
				t.Errorf("escrow mismatch: %+v", loaded)
			}

			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			proofs := []*Proof{
				{ID: "p-2", ContractID: "c-1", AgentID: "a-1", Verdict: ProofAccepted, SubmittedAt: base.Add(time.Minute)},
				{ID: "p-1", ContractID: "c-1", AgentID: "a-1", Verdict: ProofRejected, Reason: "hash mismatch", SubmittedAt: base},
			}
			for _, p := range proofs {
				if err := s.PutProof(ctx, p); err != nil {
					t.Fatalf("PutProof failed: %v", err)
				}
			}

			got, err := s.ProofsByContract(ctx, "c-1")
			if err != nil {
				t.Fatalf("ProofsByContract failed: %v", err)
			}
			if len(got) != 2 || got[0].ID != "p-1" || got[1].ID != "p-2" {
				t.Fatalf("proof order mismatch: %+v", got)
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.PutAgent(context.Background(), &Agent{ID: "a"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("PutAgent on closed store error = %v, want ErrStoreClosed", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Ping on closed store error = %v, want ErrStoreClosed", err)
	}
}
