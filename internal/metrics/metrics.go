// Package metrics exposes Prometheus metrics for the pair bot.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds all collectors. Each instance owns its registry so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Cycle metrics
	PairAttempts       *prometheus.CounterVec // result: both_filled | both_cancelled | mismatch | failed | dry_run
	AdmissionDenials   *prometheus.CounterVec // symbol
	SubmitLatency      prometheus.Histogram
	ResolverActions    *prometheus.CounterVec // action
	ResidualExposures  prometheus.Counter
	AlertDeliveryFails prometheus.Counter

	// Risk state
	RealizedPnL prometheus.Gauge
	Inventory   *prometheus.GaugeVec // token

	// Feed
	QuoteUpdates *prometheus.CounterVec // event_type
	FeedErrors   prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "polybot"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PairAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pair",
			Name:      "attempts_total",
			Help:      "Pair submissions by outcome",
		}, []string{"result"}),
		AdmissionDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "admission_denials_total",
			Help:      "Cycles skipped because the risk gate refused admission",
		}, []string{"symbol"}),
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pair",
			Name:      "submit_seconds",
			Help:      "Latency of the two-leg batch submission",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ResolverActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hedge",
			Name:      "actions_total",
			Help:      "Mismatch resolver terminal actions",
		}, []string{"action"}),
		ResidualExposures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hedge",
			Name:      "residual_exposures_total",
			Help:      "Mismatches that ended with a possibly naked leg",
		}),
		AlertDeliveryFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hedge",
			Name:      "alert_delivery_failures_total",
			Help:      "Residual exposure alerts that could not be delivered",
		}),
		RealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "realized_pnl",
			Help:      "Realized PnL in collateral units since the last daily reset",
		}),
		Inventory: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "inventory",
			Help:      "Signed inventory per token",
		}, []string{"token"}),
		QuoteUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "updates_total",
			Help:      "Market channel events applied to the quote store",
		}, []string{"event_type"}),
		FeedErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "feed_errors_total",
			Help:      "Market channel connection and decode errors",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRisk copies a risk snapshot into the gauges.
func (m *Metrics) ObserveRisk(pnl decimal.Decimal, inventory map[string]decimal.Decimal) {
	if m == nil {
		return
	}
	m.RealizedPnL.Set(pnl.InexactFloat64())
	for tok, v := range inventory {
		m.Inventory.WithLabelValues(tok).Set(v.InexactFloat64())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("[cfg] metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
