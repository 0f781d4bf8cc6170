// Package metrics exposes the ambient /metrics endpoint each daemon
// serves (§A ambient stack: an observability concern the spec's
// Non-goals exclude for portfolio/backtesting features, not for basic
// operational counters).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// CyclesTotal counts completed daemon loop iterations, by daemon and
	// symbol.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcperp_cycles_total",
		Help: "Completed daemon loop iterations.",
	}, []string{"daemon", "symbol"})

	// QueueDepth tracks the number of PENDING execution_queue rows
	// observed at enqueue/poll time.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "btcperp_execution_queue_depth",
		Help: "Pending execution_queue rows for a symbol.",
	}, []string{"symbol"})

	// ProtectionModeActive reports 1 while a symbol's compliance layer is
	// in protection mode, 0 otherwise.
	ProtectionModeActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "btcperp_protection_mode_active",
		Help: "1 while protection mode is active for a symbol.",
	}, []string{"symbol"})

	// ReconcileVerdictTotal counts reconcile passes by resulting verdict.
	ReconcileVerdictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcperp_reconcile_verdict_total",
		Help: "Reconcile pass outcomes by verdict.",
	}, []string{"symbol", "verdict"})
)

// Serve starts the /metrics HTTP endpoint in the background. Listener
// errors are logged, not fatal: a daemon's core loop must not depend on
// its metrics endpoint binding successfully.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint stopped")
		}
	}()
}
