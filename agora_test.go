package agora

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-dev/agora/internal/ledger"
	"github.com/agora-dev/agora/internal/store"
	"github.com/agora-dev/agora/pkg/capability"
	"github.com/agora-dev/agora/pkg/config"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.MinStake = 0

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestEngineAssemblyAndLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.EnableMetrics = false
	cfg.SweepInterval = time.Hour

	eng, err := New(cfg,
		WithLedger(ledger.NewFake()),
		WithStore(store.NewMemoryStore()),
	)
	require.NoError(t, err)

	require.NoError(t, eng.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, eng.Stop(ctx))
	}()

	// The assembled coordinator serves the full registration path.
	ctx := context.Background()
	agent, err := eng.Coordinator.RegisterAgent(ctx, "alice",
		[]capability.Capability{{Class: capability.Extract}}, 5_000)
	require.NoError(t, err)
	assert.True(t, agent.Available)

	score, err := eng.Coordinator.GetReputation(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestConfiguredRetryBudgetReachesLedger(t *testing.T) {
	cfg := config.Default()
	cfg.EnableMetrics = false
	cfg.Ledger.MaxTries = 2
	cfg.Ledger.PollInterval = time.Millisecond

	fake := ledger.NewFake()
	eng, err := New(cfg, WithLedger(fake), WithStore(store.NewMemoryStore()))
	require.NoError(t, err)

	// One transient failure fits inside the two-try budget.
	fake.FailSubmissions(1)

	ctx := context.Background()
	_, err = eng.Coordinator.RegisterAgent(ctx, "carol",
		[]capability.Capability{{Class: capability.Extract}}, 5_000)
	require.NoError(t, err)

	// Two failures exhaust it and the error surfaces.
	fake.FailSubmissions(2)
	_, err = eng.Coordinator.RegisterAgent(ctx, "dave",
		[]capability.Capability{{Class: capability.Extract}}, 5_000)
	assert.Error(t, err)
}

func TestDefaultsUseMemoryStoreAndFakeLedger(t *testing.T) {
	cfg := config.Default()
	cfg.EnableMetrics = false

	eng, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = eng.Coordinator.RegisterAgent(ctx, "bob",
		[]capability.Capability{{Class: capability.Compute}}, 5_000)
	require.NoError(t, err)

	require.NoError(t, eng.store.Close())
}
