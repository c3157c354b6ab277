package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsPosted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_posted_total", Help: "Jobs accepted by PostJob"})
	ClaimResults       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_claims_total", Help: "Claim attempts by result"}, []string{"result"})
	Settlements        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_settlements_total", Help: "Jobs settled by outcome"}, []string{"outcome"})
	TokensSlashed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tokens_slashed_total", Help: "Stake burned by slashing"})
	CheckpointWrites   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_checkpoint_writes_total", Help: "Checkpoints written"})
	CheckpointFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_checkpoint_failures_total", Help: "Checkpoint writes that failed"})
	PendingEvents      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_pending_events", Help: "Scheduled events not yet fired"})
	ResourcePrice      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_resource_price", Help: "Dynamic price multiplier"}, []string{"resource"})
	ResourceAvailable  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_resource_available", Help: "Unreserved pool capacity"}, []string{"resource"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	LoopFailures       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_loop_failures_total", Help: "Failed background loop iterations"}, []string{"task"})
	AuditDropped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_audit_dropped_total", Help: "Audit rows dropped under backpressure"})
	FeedDepth          = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_feed_depth", Help: "Job ids waiting in the discovery feed"}, []string{"skill"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsPosted,
			ClaimResults,
			Settlements,
			TokensSlashed,
			CheckpointWrites,
			CheckpointFailures,
			PendingEvents,
			ResourcePrice,
			ResourceAvailable,
			RateLimitRejects,
			LoopFailures,
			AuditDropped,
			FeedDepth,
		)
	})
	return promhttp.Handler()
}
