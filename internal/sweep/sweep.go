// Package sweep runs the periodic expiry pass over contracts and listings.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agora-dev/agora/internal/observability"
)

// Expirer is the subset of the coordinator the sweeper drives.
type Expirer interface {
	ExpireContracts(ctx context.Context, now time.Time) (int, error)
	ExpireStaleListings(ctx context.Context, now time.Time) (int, error)
	HeldEscrowTotal(ctx context.Context) (int64, error)
}

// Sweeper schedules deadline enforcement on a fixed interval. Each pass is
// idempotent, so an overlapping or missed run is harmless.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

// New builds a sweeper over the given expirer. Interval defaults to one
// minute, per-pass timeout to thirty seconds.
func New(expirer Expirer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		timeout:  30 * time.Second,
		now:      time.Now,
	}
}

// Start begins the schedule. The first pass runs after one interval.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every "+s.interval.String(), s.Run)
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[SWEEP] started, interval %s", s.interval)
	return nil
}

// Stop halts the schedule, waiting for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("[SWEEP] stopped")
}

// Run executes one expiry pass. Exposed so operators and tests can trigger
// a pass outside the schedule.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := s.now()

	contracts, err := s.expirer.ExpireContracts(ctx, now)
	if err != nil {
		log.Printf("[SWEEP] contract expiry pass failed: %v", err)
	} else if contracts > 0 {
		observability.RecordSweepExpired("contract", contracts)
		log.Printf("[SWEEP] expired %d contract(s)", contracts)
	}

	listings, err := s.expirer.ExpireStaleListings(ctx, now)
	if err != nil {
		log.Printf("[SWEEP] listing expiry pass failed: %v", err)
	} else if listings > 0 {
		observability.RecordSweepExpired("listing", listings)
		log.Printf("[SWEEP] expired %d listing(s)", listings)
	}

	held, err := s.expirer.HeldEscrowTotal(ctx)
	if err != nil {
		log.Printf("[SWEEP] escrow reconciliation failed: %v", err)
	} else {
		observability.SetEscrowHeld(held)
	}
}
