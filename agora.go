package agora

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agora-dev/agora/internal/escrow"
	"github.com/agora-dev/agora/internal/ledger"
	"github.com/agora-dev/agora/internal/market"
	"github.com/agora-dev/agora/internal/observability"
	"github.com/agora-dev/agora/internal/proof"
	"github.com/agora-dev/agora/internal/registry"
	"github.com/agora-dev/agora/internal/reputation"
	"github.com/agora-dev/agora/internal/stake"
	"github.com/agora-dev/agora/internal/store"
	"github.com/agora-dev/agora/internal/sweep"
	"github.com/agora-dev/agora/pkg/config"
)

const shutdownTimeout = 10 * time.Second

// Engine bundles the assembled coordinator with its background services.
type Engine struct {
	Coordinator *Coordinator

	cfg     *config.Config
	store   store.Store
	sweeper *sweep.Sweeper
	obs     *observability.Server
}

// Option customizes engine assembly.
type Option func(*engineOptions)

type engineOptions struct {
	adapter ledger.Adapter
	store   store.Store
}

// WithLedger injects the settlement ledger adapter. Without it the engine
// runs against the in-process fake, which is only suitable for tests and
// local development.
func WithLedger(adapter ledger.Adapter) Option {
	return func(o *engineOptions) { o.adapter = adapter }
}

// WithStore injects a persistence backend, overriding the configured one.
func WithStore(s store.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// New assembles an engine from the configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		switch cfg.Store.Backend {
		case "redis":
			st, err = store.NewRedisStore(store.RedisConfig{
				Addr:     cfg.Store.Redis.Addr,
				Password: cfg.Store.Redis.Password,
				DB:       cfg.Store.Redis.DB,
				Prefix:   cfg.Store.Redis.Prefix,
			})
			if err != nil {
				return nil, fmt.Errorf("redis store: %w", err)
			}
		default:
			st = store.NewMemoryStore()
		}
	}

	adapter := o.adapter
	if adapter == nil {
		log.Printf("[AGORA] no ledger adapter injected, using in-process fake")
		adapter = ledger.NewFake()
	}
	retrier := ledger.NewRetrier(adapter, ledger.RetryConfig{
		MaxTries:      cfg.Ledger.MaxTries,
		MaxPolls:      cfg.Ledger.MaxPolls,
		PollInterval:  cfg.Ledger.PollInterval,
		RatePerSecond: cfg.Ledger.RatePerSecond,
		Burst:         cfg.Ledger.Burst,
	})

	stakes := stake.NewManager(st)
	rep := reputation.NewAggregator(st, cfg.Reputation.HalfLife)
	reg := registry.NewRegistry(st, stakes, retrier, cfg.Registry.MinStake)
	mkt := market.NewMarketplace(st, stakes, rep, market.Config{
		Reserve:          cfg.Market.Reserve,
		MinReputation:    cfg.Market.MinReputation,
		PriceWeight:      cfg.Market.PriceWeight,
		ReputationWeight: cfg.Market.ReputationWeight,
		ListingTTL:       cfg.Market.ListingTTL,
		CollateralBps:    cfg.Economics.CollateralBps,
	})
	esc := escrow.NewManager(st)
	verifier := proof.NewVerifier()

	coord := NewCoordinator(st, stakes, reg, rep, mkt, esc, verifier, retrier, CoordinatorConfig{
		PenaltyBps: cfg.Economics.PenaltyBps,
	})

	eng := &Engine{
		Coordinator: coord,
		cfg:         cfg,
		store:       st,
		sweeper:     sweep.New(coord, cfg.SweepInterval),
	}
	if cfg.EnableMetrics {
		eng.obs = observability.NewServer(cfg.MetricsPort)
	}

	checker := observability.InitHealthChecker()
	checker.RegisterCheck(observability.StoreCheck(st.Ping))
	checker.RegisterCheck(observability.LedgerCheck(retrier.Ping))

	return eng, nil
}

// Start launches the expiry sweeper and, when enabled, the observability
// server. It returns immediately.
func (e *Engine) Start() error {
	if e.cfg.EnableMetrics {
		observability.InitMetrics()
		go func() {
			if err := e.obs.Start(); err != nil {
				log.Printf("[AGORA] observability server stopped: %v", err)
			}
		}()
	}
	return e.sweeper.Start()
}

// Stop shuts the background services down and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.sweeper.Stop()
	if e.obs != nil {
		if err := e.obs.Shutdown(ctx); err != nil {
			log.Printf("[AGORA] observability shutdown: %v", err)
		}
	}
	return e.store.Close()
}

// Run loads the configuration, assembles the engine, and blocks until
// SIGINT or SIGTERM.
func Run(configPath string, opts ...Option) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}

	eng, err := New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}
	log.Printf("[AGORA] engine running (store=%s, metrics=%v)", cfg.Store.Backend, cfg.EnableMetrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return eng.Stop(ctx)
}
