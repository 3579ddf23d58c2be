// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_signals_observed_total",
		Help: "Signals produced, by source.",
	}, []string{"source"})

	DecisionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_decisions_accepted_total",
		Help: "Sizing decisions that passed all gates.",
	})

	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_rejections_total",
		Help: "Sizing rejections, by reason code.",
	}, []string{"reason"})

	OrderEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_order_events_total",
		Help: "Order lifecycle events, by type.",
	}, []string{"event"})

	Halts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_halts_total",
		Help: "Portfolio halts triggered.",
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_equity",
		Help: "Current account equity.",
	})

	Drawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_drawdown_fraction",
		Help: "Fractional decline of equity from its peak.",
	})

	OpenExposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_open_exposure",
		Help: "Total entry notional of open positions.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_open_positions",
		Help: "Number of open position lots.",
	})
)

// Serve starts the /metrics endpoint on addr. The returned server should be
// shut down on exit.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
