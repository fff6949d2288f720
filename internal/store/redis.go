package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agora-dev/agora/pkg/capability"
)

// RedisStore implements Store using Redis. It provides durable, shared entity
// tables suitable for multi-node deployments. Secondary indexes are kept as
// Redis sets (listings by capability, contracts by agent) and a sorted set
// keyed by deadline for the expiry sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all engine keys (default: "agora:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agora:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agora:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (r *RedisStore) agentKey(id string) string      { return r.prefix + "agent:" + id }
func (r *RedisStore) stakeKey(id string) string      { return r.prefix + "stake:" + id }
func (r *RedisStore) listingKey(id string) string    { return r.prefix + "listing:" + id }
func (r *RedisStore) contractKey(id string) string   { return r.prefix + "contract:" + id }
func (r *RedisStore) escrowKey(id string) string     { return r.prefix + "escrow:" + id }
func (r *RedisStore) proofKey(id string) string      { return r.prefix + "proof:" + id }
func (r *RedisStore) reputationKey(id string) string { return r.prefix + "reputation:" + id }

func (r *RedisStore) agentsIndexKey() string   { return r.prefix + "idx:agents" }
func (r *RedisStore) listingsIndexKey() string { return r.prefix + "idx:listings" }
func (r *RedisStore) capabilityIndexKey(cap capability.Capability) string {
	return r.prefix + "idx:listing-cap:" + cap.String()
}
func (r *RedisStore) agentContractsKey(agentID string) string {
	return r.prefix + "idx:agent-contracts:" + agentID
}
func (r *RedisStore) deadlineIndexKey() string { return r.prefix + "idx:contract-deadline" }
func (r *RedisStore) contractProofsKey(contractID string) string {
	return r.prefix + "idx:contract-proofs:" + contractID
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

func (r *RedisStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

func (r *RedisStore) PutAgent(ctx context.Context, agent *Agent) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.agentKey(agent.ID), data, 0)
	pipe.SAdd(ctx, r.agentsIndexKey(), agent.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

func (r *RedisStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var agent Agent
	if err := r.getJSON(ctx, r.agentKey(id), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *RedisStore) DeleteAgent(ctx context.Context, id string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	deleted, err := r.client.Del(ctx, r.agentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	r.client.SRem(ctx, r.agentsIndexKey(), id)
	return nil
}

func (r *RedisStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.agentsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	sort.Strings(ids)
	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.GetAgent(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Record was deleted, clean up index.
				r.client.SRem(ctx, r.agentsIndexKey(), id)
				continue
			}
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func (r *RedisStore) PutStake(ctx context.Context, stake *Stake) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.putJSON(ctx, r.stakeKey(stake.AgentID), stake)
}

func (r *RedisStore) GetStake(ctx context.Context, agentID string) (*Stake, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var stake Stake
	if err := r.getJSON(ctx, r.stakeKey(agentID), &stake); err != nil {
		return nil, err
	}
	return &stake, nil
}

func (r *RedisStore) DeleteStake(ctx context.Context, agentID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	deleted, err := r.client.Del(ctx, r.stakeKey(agentID)).Result()
	if err != nil {
		return fmt.Errorf("delete stake: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) PutListing(ctx context.Context, listing *Listing) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("marshal listing: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.listingKey(listing.ID), data, 0)
	pipe.SAdd(ctx, r.listingsIndexKey(), listing.ID)
	pipe.SAdd(ctx, r.capabilityIndexKey(listing.Capability), listing.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put listing: %w", err)
	}
	return nil
}

func (r *RedisStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var listing Listing
	if err := r.getJSON(ctx, r.listingKey(id), &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

func (r *RedisStore) ListingsByCapability(ctx context.Context, cap capability.Capability) ([]*Listing, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.capabilityIndexKey(cap)).Result()
	if err != nil {
		return nil, fmt.Errorf("listings by capability: %w", err)
	}
	return r.loadListings(ctx, ids, r.capabilityIndexKey(cap))
}

func (r *RedisStore) ListListings(ctx context.Context) ([]*Listing, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.listingsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return r.loadListings(ctx, ids, r.listingsIndexKey())
}

func (r *RedisStore) loadListings(ctx context.Context, ids []string, indexKey string) ([]*Listing, error) {
	sort.Strings(ids)
	listings := make([]*Listing, 0, len(ids))
	for _, id := range ids {
		listing, err := r.GetListing(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.client.SRem(ctx, indexKey, id)
				continue
			}
			return nil, err
		}
		listings = append(listings, listing)
	}
	sortListings(listings)
	return listings, nil
}

func (r *RedisStore) PutContract(ctx context.Context, contract *Contract) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(contract)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.contractKey(contract.ID), data, 0)
	for _, a := range contract.Agents {
		pipe.SAdd(ctx, r.agentContractsKey(a.AgentID), contract.ID)
	}
	if contract.State.Terminal() {
		pipe.ZRem(ctx, r.deadlineIndexKey(), contract.ID)
	} else {
		pipe.ZAdd(ctx, r.deadlineIndexKey(), redis.Z{
			Score:  float64(contract.Deadline.UnixNano()),
			Member: contract.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put contract: %w", err)
	}
	return nil
}

func (r *RedisStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var contract Contract
	if err := r.getJSON(ctx, r.contractKey(id), &contract); err != nil {
		return nil, err
	}
	return &contract, nil
}

func (r *RedisStore) ContractsByAgent(ctx context.Context, agentID string, states ...ContractState) ([]*Contract, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.agentContractsKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("contracts by agent: %w", err)
	}
	sort.Strings(ids)
	contracts := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		contract, err := r.GetContract(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.client.SRem(ctx, r.agentContractsKey(agentID), id)
				continue
			}
			return nil, err
		}
		if len(states) > 0 && !stateIn(contract.State, states) {
			continue
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

func (r *RedisStore) ContractsExpiring(ctx context.Context, before time.Time) ([]*Contract, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.ZRangeByScore(ctx, r.deadlineIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("contracts expiring: %w", err)
	}
	contracts := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		contract, err := r.GetContract(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.client.ZRem(ctx, r.deadlineIndexKey(), id)
				continue
			}
			return nil, err
		}
		if contract.State.Terminal() {
			r.client.ZRem(ctx, r.deadlineIndexKey(), id)
			continue
		}
		contracts = append(contracts, contract)
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	return contracts, nil
}

func (r *RedisStore) PutEscrow(ctx context.Context, escrow *Escrow) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.putJSON(ctx, r.escrowKey(escrow.ContractID), escrow)
}

func (r *RedisStore) GetEscrow(ctx context.Context, contractID string) (*Escrow, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var escrow Escrow
	if err := r.getJSON(ctx, r.escrowKey(contractID), &escrow); err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (r *RedisStore) PutProof(ctx context.Context, proof *Proof) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("marshal proof: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.proofKey(proof.ID), data, 0)
	pipe.SAdd(ctx, r.contractProofsKey(proof.ContractID), proof.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put proof: %w", err)
	}
	return nil
}

func (r *RedisStore) GetProof(ctx context.Context, id string) (*Proof, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var proof Proof
	if err := r.getJSON(ctx, r.proofKey(id), &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

func (r *RedisStore) ProofsByContract(ctx context.Context, contractID string) ([]*Proof, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.contractProofsKey(contractID)).Result()
	if err != nil {
		return nil, fmt.Errorf("proofs by contract: %w", err)
	}
	sort.Strings(ids)
	proofs := make([]*Proof, 0, len(ids))
	for _, id := range ids {
		proof, err := r.GetProof(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.client.SRem(ctx, r.contractProofsKey(contractID), id)
				continue
			}
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	sort.Slice(proofs, func(i, j int) bool {
		if proofs[i].SubmittedAt.Equal(proofs[j].SubmittedAt) {
			return proofs[i].ID < proofs[j].ID
		}
		return proofs[i].SubmittedAt.Before(proofs[j].SubmittedAt)
	})
	return proofs, nil
}

func (r *RedisStore) PutReputation(ctx context.Context, rep *Reputation) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.putJSON(ctx, r.reputationKey(rep.AgentID), rep)
}

func (r *RedisStore) GetReputation(ctx context.Context, agentID string) (*Reputation, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var rep Reputation
	if err := r.getJSON(ctx, r.reputationKey(agentID), &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
