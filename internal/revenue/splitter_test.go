package revenue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		weights map[string]int64
		want    map[string]int64
		wantErr error
	}{
		{
			name:    "even two-way",
			amount:  100,
			weights: map[string]int64{"a": 6000, "b": 4000},
			want:    map[string]int64{"a": 60, "b": 40},
		},
		{
			name:    "single contributor",
			amount:  10,
			weights: map[string]int64{"a": 10000},
			want:    map[string]int64{"a": 10},
		},
		{
			name:    "remainder to first id",
			amount:  100,
			weights: map[string]int64{"b": 3333, "a": 3333, "c": 3334},
			// Floors are 33/33/33; the leftover unit goes to "a".
			want: map[string]int64{"a": 34, "b": 33, "c": 33},
		},
		{
			name:    "zero amount",
			amount:  0,
			weights: map[string]int64{"a": 5000, "b": 5000},
			want:    map[string]int64{"a": 0, "b": 0},
		},
		{
			name:    "weights must sum to scale",
			amount:  100,
			weights: map[string]int64{"a": 5000, "b": 4000},
			wantErr: ErrInvalidWeights,
		},
		{
			name:    "negative weight",
			amount:  100,
			weights: map[string]int64{"a": 11000, "b": -1000},
			wantErr: ErrInvalidWeights,
		},
		{
			name:    "no contributors",
			amount:  100,
			weights: map[string]int64{},
			wantErr: ErrNoContributors,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.amount, tt.weights)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			var sum int64
			for _, share := range got {
				sum += share
			}
			assert.Equal(t, tt.amount, sum, "shares must sum exactly to the amount")
		})
	}
}

// The remainder assignment must be stable across runs and across map
// iteration orders.
func TestSplitDeterminism(t *testing.T) {
	weights := map[string]int64{"agent-z": 3333, "agent-a": 3333, "agent-m": 3334}
	first, err := Split(1000, weights)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Split(1000, weights)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
