// Package metrics exposes engine counters to prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	assemblies         prometheus.Counter
	noops              prometheus.Counter
	orderingViolations prometheus.Counter
	pageLoads          *prometheus.CounterVec
	receipts           *prometheus.CounterVec
	deletions          prometheus.Counter
	flushes            prometheus.Counter
}

// New creates the collectors. pendingDeletions and busDropped are sampled on scrape.
func New(pendingDeletions func() float64, busDropped func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		assemblies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msglist_assemblies_total",
			Help: "List assembly passes.",
		}),
		noops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msglist_assembly_noops_total",
			Help: "Assembly passes that produced no change.",
		}),
		orderingViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msglist_ordering_violations_total",
			Help: "Assembly passes rejected for descending order keys.",
		}),
		pageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msglist_page_loads_total",
			Help: "Pagination loads by direction and outcome.",
		}, []string{"direction", "outcome"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msglist_view_receipts_total",
			Help: "View receipts by outcome.",
		}, []string{"outcome"}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msglist_confidential_deletions_total",
			Help: "Confidential messages deleted after being viewed.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msglist_deletion_flushes_total",
			Help: "Batch deletion flushes that removed at least one message.",
		}),
	}
	m.registry.MustRegister(m.assemblies, m.noops, m.orderingViolations, m.pageLoads, m.receipts, m.deletions, m.flushes)
	if pendingDeletions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "msglist_pending_deletions",
			Help: "Confidential messages receipted and waiting for the deletion flush.",
		}, pendingDeletions))
	}
	if busDropped != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "msglist_bus_dropped_total",
			Help: "Bus deliveries dropped on full subscribers.",
		}, busDropped))
	}
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Assembled records one assembly pass.
func (m *Metrics) Assembled(changed bool) {
	if m == nil {
		return
	}
	m.assemblies.Inc()
	if !changed {
		m.noops.Inc()
	}
}

// OrderingViolation records a rejected pass.
func (m *Metrics) OrderingViolation() {
	if m == nil {
		return
	}
	m.orderingViolations.Inc()
}

// PageLoad records a page load. outcome is one of ok, skipped, stale, failed.
func (m *Metrics) PageLoad(direction, outcome string) {
	if m == nil {
		return
	}
	m.pageLoads.WithLabelValues(direction, outcome).Inc()
}

// Receipt records a view receipt outcome (sent, failed, delivered, delivery_failed).
func (m *Metrics) Receipt(outcome string) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(outcome).Inc()
}

// Deleted records a flush that removed n messages.
func (m *Metrics) Deleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flushes.Inc()
	m.deletions.Add(float64(n))
}

// Serve exposes /metrics on listen until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listen string, logger *zap.Logger) error {
	if m == nil || listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
