// Package reputation maintains a rolling, time-decayed trust score per
// agent. Old outcomes lose weight exponentially with a configurable
// half-life but never fully vanish; scores decay toward neutral and are
// never deleted.
package reputation

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agora-dev/agora/internal/store"
)

// Outcome classifies one contract resolution.
type Outcome int

const (
	Neutral Outcome = iota
	Positive
	Negative
)

func (o Outcome) value() float64 {
	switch o {
	case Positive:
		return 1
	case Negative:
		return -1
	}
	return 0
}

// Score bounds and the neutral default for agents with no history.
const (
	MinScore     = -1.0
	MaxScore     = 1.0
	NeutralScore = 0.0
)

// Report is one outcome observation, possibly originating from an external
// ledger. The caller provides identity linkage; the aggregator trusts it and
// merges weighted outcomes.
type Report struct {
	Outcome    Outcome
	Weight     float64
	ObservedAt time.Time
	// Ledger names the chain the outcome was settled on, for audit only.
	Ledger string
}

// Aggregator computes decayed scores. Updates for one agent serialize; the
// decay is applied lazily at read and update time.
type Aggregator struct {
	store    store.Store
	halfLife time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAggregator creates an aggregator with the given decay half-life.
func NewAggregator(s store.Store, halfLife time.Duration) *Aggregator {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	return &Aggregator{
		store:    s,
		halfLife: halfLife,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Intended for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

func (a *Aggregator) agentLock(agentID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[agentID] = l
	}
	return l
}

func (a *Aggregator) decayFactor(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	return math.Exp2(-float64(elapsed) / float64(a.halfLife))
}

func clamp(score float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, score))
}

// RecordOutcome folds one outcome into the agent's score at the current
// time: score' = score * decay(Δt) + weight * outcomeValue, clamped.
func (a *Aggregator) RecordOutcome(ctx context.Context, agentID string, outcome Outcome, weight float64) error {
	return a.record(ctx, agentID, []Report{{Outcome: outcome, Weight: weight, ObservedAt: a.now()}})
}

// MergeOutcomes folds outcome reports from one or more external ledgers for
// the same logical agent identity, oldest first, so the decay between
// observations is honored regardless of arrival order.
func (a *Aggregator) MergeOutcomes(ctx context.Context, agentID string, reports []Report) error {
	sorted := append([]Report(nil), reports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObservedAt.Before(sorted[j].ObservedAt) })
	return a.record(ctx, agentID, sorted)
}

func (a *Aggregator) record(ctx context.Context, agentID string, reports []Report) error {
	if len(reports) == 0 {
		return nil
	}

	l := a.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	rep, err := a.store.GetReputation(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		rep = &store.Reputation{AgentID: agentID, Score: NeutralScore}
	}

	for _, r := range reports {
		at := r.ObservedAt
		if at.IsZero() {
			at = a.now()
		}
		if !rep.UpdatedAt.IsZero() {
			rep.Score *= a.decayFactor(at.Sub(rep.UpdatedAt))
		}
		rep.Score = clamp(rep.Score + r.Weight*r.Outcome.value())
		rep.Outcomes++
		if at.After(rep.UpdatedAt) {
			rep.UpdatedAt = at
		}
	}

	return a.store.PutReputation(ctx, rep)
}

// Score returns the agent's current decayed score. Agents with no history
// return the neutral default rather than erroring.
func (a *Aggregator) Score(ctx context.Context, agentID string) (float64, error) {
	rep, err := a.store.GetReputation(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NeutralScore, nil
		}
		return 0, err
	}
	return clamp(rep.Score * a.decayFactor(a.now().Sub(rep.UpdatedAt))), nil
}
