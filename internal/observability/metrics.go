package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Contract lifecycle metrics
	contractTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_contract_transitions_total",
			Help: "Total number of contract state transitions",
		},
		[]string{"state"},
	)

	// Escrow metrics
	escrowHeldTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_escrow_held_base_units_total",
			Help: "Total base units placed into escrow",
		},
	)

	escrowSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_escrow_settled_base_units_total",
			Help: "Total base units settled out of escrow",
		},
		[]string{"outcome"},
	)

	// Conservation gauge: held - settled must equal the sum of live escrow
	// accounts at all times.
	escrowHeldNow = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agora_escrow_held_base_units",
			Help: "Base units currently held in escrow",
		},
	)

	// Proof metrics
	proofsVerifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_proofs_verified_total",
			Help: "Total number of proof verifications",
		},
		[]string{"verdict"},
	)

	// Dispute metrics
	disputesOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_disputes_opened_total",
			Help: "Total number of disputes opened",
		},
	)

	// Stake metrics
	stakeSlashedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_stake_slashed_base_units_total",
			Help: "Total base units slashed from agent stakes",
		},
	)

	// Ledger metrics
	ledgerSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_ledger_submissions_total",
			Help: "Total number of ledger transaction submissions",
		},
		[]string{"kind", "status"},
	)

	ledgerConfirmDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agora_ledger_confirmation_duration_seconds",
			Help:    "Time spent polling a transaction until it confirmed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Marketplace metrics
	listingsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agora_listings_open",
			Help: "Number of currently open listings",
		},
	)

	matchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_matches_total",
			Help: "Total number of contracts formed",
		},
	)

	// Sweep metrics
	sweepExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_sweep_expired_total",
			Help: "Total entities expired by the sweeper",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			contractTransitionsTotal,
			escrowHeldTotal,
			escrowSettledTotal,
			escrowHeldNow,
			proofsVerifiedTotal,
			disputesOpenedTotal,
			stakeSlashedTotal,
			ledgerSubmissionsTotal,
			ledgerConfirmDuration,
			listingsOpen,
			matchesTotal,
			sweepExpiredTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ContractTransition records a contract entering a state
func ContractTransition(state string) {
	contractTransitionsTotal.WithLabelValues(state).Inc()
	if state == "matched" {
		matchesTotal.Inc()
	}
}

// EscrowHeld records base units placed into escrow
func EscrowHeld(amount int64) {
	escrowHeldTotal.Add(float64(amount))
	escrowHeldNow.Add(float64(amount))
}

// EscrowSettled records base units leaving escrow, by outcome
func EscrowSettled(amount int64, outcome string) {
	escrowSettledTotal.WithLabelValues(outcome).Add(float64(amount))
	escrowHeldNow.Sub(float64(amount))
}

// SetEscrowHeld overwrites the held-escrow gauge with a reconciled total,
// correcting any drift from a crash between settlement and recording.
func SetEscrowHeld(total int64) {
	escrowHeldNow.Set(float64(total))
}

// ProofVerified records one proof verification verdict
func ProofVerified(accepted bool) {
	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	proofsVerifiedTotal.WithLabelValues(verdict).Inc()
}

// DisputeOpened records a dispute being opened
func DisputeOpened() {
	disputesOpenedTotal.Inc()
}

// StakeSlashed records base units slashed from agent stakes
func StakeSlashed(amount int64) {
	stakeSlashedTotal.Add(float64(amount))
}

// RecordLedgerSubmission records the outcome of a ledger submission,
// after retries
func RecordLedgerSubmission(kind, status string) {
	ledgerSubmissionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordLedgerConfirmation records confirmation polling latency
func RecordLedgerConfirmation(duration time.Duration) {
	ledgerConfirmDuration.Observe(duration.Seconds())
}

// SetOpenListings sets the open listings gauge
func SetOpenListings(count int) {
	listingsOpen.Set(float64(count))
}

// RecordSweepExpired records entities expired by the sweeper
func RecordSweepExpired(kind string, count int) {
	sweepExpiredTotal.WithLabelValues(kind).Add(float64(count))
}
