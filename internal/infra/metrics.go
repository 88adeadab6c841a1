package infra

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Metrics holds the enforcement Prometheus metrics.
// Each instance owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Decisions           *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	KioskFailures       prometheus.Counter
	PersistenceFailures prometheus.Counter
	PolicySyncs         *prometheus.CounterVec
	LockedApps          prometheus.Gauge
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focusguard_monitor_decisions_total",
				Help: "Foreground decisions by kind",
			},
			[]string{"kind"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focusguard_session_transitions_total",
				Help: "Committed focus session transitions",
			},
			[]string{"from", "to"},
		),
		KioskFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "focusguard_kiosk_engage_failures_total",
				Help: "Kiosk engage attempts that were refused",
			},
		),
		PersistenceFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "focusguard_persistence_failures_total",
				Help: "Session writes that failed after retries",
			},
		),
		PolicySyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focusguard_policy_syncs_total",
				Help: "Policy sync attempts by result",
			},
			[]string{"result"},
		),
		LockedApps: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "focusguard_policy_locked_apps",
				Help: "Number of apps in the current locked set",
			},
		),
	}
}

// ObserveDecision counts a monitor decision.
func (m *Metrics) ObserveDecision(kind domain.DecisionKind) {
	m.Decisions.WithLabelValues(string(kind)).Inc()
}

// ObserveTransition counts a committed session transition.
func (m *Metrics) ObserveTransition(from, to domain.SessionState) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveKioskFailure counts a refused kiosk engage.
func (m *Metrics) ObserveKioskFailure() {
	m.KioskFailures.Inc()
}

// ObservePersistenceFailure counts a session write that gave up.
func (m *Metrics) ObservePersistenceFailure() {
	m.PersistenceFailures.Inc()
}

// ObservePolicySync records a sync result and the new locked-app count.
func (m *Metrics) ObservePolicySync(err error, lockedApps int) {
	if err != nil {
		m.PolicySyncs.WithLabelValues("error").Inc()
		return
	}
	m.PolicySyncs.WithLabelValues("ok").Inc()
	m.LockedApps.Set(float64(lockedApps))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ domain.MetricsRecorder = (*Metrics)(nil)
