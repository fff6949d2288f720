// Package revenue deterministically partitions a released payment across
// contributing agents. All arithmetic is integer fixed-point: weights are
// basis points (10_000 = 1.0) and shares always sum exactly to the amount.
package revenue

import (
	"errors"
	"fmt"
	"sort"
)

// WeightScale is the fixed-point denominator for contribution weights.
const WeightScale int64 = 10_000

// Errors returned by split operations.
var (
	// ErrNoContributors is returned for an empty weight vector.
	ErrNoContributors = errors.New("no contributors")
	// ErrInvalidWeights is returned when weights are non-positive or do not
	// sum to exactly WeightScale.
	ErrInvalidWeights = errors.New("invalid contribution weights")
)

// ValidateWeights checks that every weight is positive and the vector sums
// to exactly WeightScale.
func ValidateWeights(weights map[string]int64) error {
	if len(weights) == 0 {
		return ErrNoContributors
	}
	var sum int64
	for agentID, w := range weights {
		if w <= 0 {
			return fmt.Errorf("%w: weight for agent %s is %d", ErrInvalidWeights, agentID, w)
		}
		sum += w
	}
	if sum != WeightScale {
		return fmt.Errorf("%w: weights sum to %d, want %d", ErrInvalidWeights, sum, WeightScale)
	}
	return nil
}

// Split partitions amount across agents by weight. Each share is the floor
// of the proportional value; the rounding remainder goes to the first
// contributor in ascending agent-id order, so the result is identical on
// every run and never drops or creates value.
func Split(amount int64, weights map[string]int64) (map[string]int64, error) {
	if amount < 0 {
		return nil, fmt.Errorf("split amount must be non-negative, got %d", amount)
	}
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	shares := make(map[string]int64, len(ids))
	var distributed int64
	for _, id := range ids {
		share := amount * weights[id] / WeightScale
		shares[id] = share
		distributed += share
	}

	// Remainder to the first contributor by id order.
	shares[ids[0]] += amount - distributed
	return shares, nil
}
