package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "picfit_jobs_total",
		Help: "Generation jobs that reached a status.",
	}, []string{"status"})

	RefundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "picfit_refunds_total",
		Help: "Refunds issued, by reason.",
	}, []string{"reason"})

	PaymentEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "picfit_payment_events_total",
		Help: "Inbound payment events by outcome.",
	}, []string{"outcome"})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "picfit_rate_limited_total",
		Help: "Requests rejected by the rate guard.",
	}, []string{"bucket"})

	LedgerInconsistencyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "picfit_ledger_inconsistency_total",
		Help: "Refunds that failed after a debit, or balance mismatches. Page on any increase.",
	})

	ProviderDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "picfit_provider_duration_seconds",
		Help:    "Image generation provider latency.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
	}, []string{"outcome"})

	SweepResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "picfit_sweep_resolved_total",
		Help: "Stuck jobs force-failed by the reconciler.",
	})
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		RefundsTotal,
		PaymentEventsTotal,
		RateLimitedTotal,
		LedgerInconsistencyTotal,
		ProviderDuration,
		SweepResolvedTotal,
	)
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
