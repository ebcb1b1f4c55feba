// Package metrics provides Prometheus metrics for the dispatch pipeline.
//
// All metric structs tolerate a nil receiver: pass nil to disable a
// component's metrics with zero overhead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Label constants shared across metric families.
const (
	LabelStore   = "store"
	LabelTopic   = "topic"
	LabelOutcome = "outcome"
	LabelLoop    = "loop"
	LabelQueue   = "queue"
)

// Outcome constants for dispatch results.
const (
	OutcomeAcked     = "acked"
	OutcomeAbandoned = "abandoned"
	OutcomeFailed    = "failed"
)

// NewRegistry returns a private registry pre-loaded with the standard Go
// and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// DispatchMetrics tracks claim/handle/ack activity of the dispatcher loops.
type DispatchMetrics struct {
	claimedTotal    *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	claimBatchSize  *prometheus.HistogramVec
	inflight        *prometheus.GaugeVec
	reapedTotal     *prometheus.CounterVec
	sweptTotal      *prometheus.CounterVec
	pollIdleTotal   *prometheus.CounterVec
}

// NewDispatchMetrics creates and registers dispatch metrics. A nil registry
// creates unregistered metrics, which is what tests want.
func NewDispatchMetrics(registry prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		claimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "claimed_total",
				Help:      "Total number of rows claimed for handling",
			},
			[]string{LabelStore, LabelQueue},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "handled_total",
				Help:      "Total number of handled rows by outcome",
			},
			[]string{LabelStore, LabelTopic, LabelOutcome},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{LabelStore, LabelTopic},
		),
		claimBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "claim_batch_size",
				Help:      "Number of rows returned per claim",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{LabelStore, LabelQueue},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "inflight",
				Help:      "Handlers currently executing",
			},
			[]string{LabelStore},
		),
		reapedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "reaped_total",
				Help:      "Rows returned to pending after lease expiry",
			},
			[]string{LabelStore, LabelQueue},
		),
		sweptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "swept_total",
				Help:      "Terminal rows deleted by the retention sweep",
			},
			[]string{LabelStore, LabelQueue},
		),
		pollIdleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "dispatch",
				Name:      "poll_idle_total",
				Help:      "Polls that found nothing to claim",
			},
			[]string{LabelStore, LabelLoop},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.claimedTotal,
			m.dispatchTotal,
			m.handlerDuration,
			m.claimBatchSize,
			m.inflight,
			m.reapedTotal,
			m.sweptTotal,
			m.pollIdleTotal,
		)
	}
	return m
}

// RecordClaim records one claim call and its batch size.
func (m *DispatchMetrics) RecordClaim(store, queue string, n int) {
	if m == nil {
		return
	}
	m.claimedTotal.WithLabelValues(store, queue).Add(float64(n))
	m.claimBatchSize.WithLabelValues(store, queue).Observe(float64(n))
}

// RecordHandled records one handler completion.
func (m *DispatchMetrics) RecordHandled(store, topic, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(store, topic, outcome).Inc()
	m.handlerDuration.WithLabelValues(store, topic).Observe(duration.Seconds())
}

// HandlerStarted increments the in-flight gauge.
func (m *DispatchMetrics) HandlerStarted(store string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(store).Inc()
}

// HandlerFinished decrements the in-flight gauge.
func (m *DispatchMetrics) HandlerFinished(store string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(store).Dec()
}

// RecordReaped records rows rescued from expired leases.
func (m *DispatchMetrics) RecordReaped(store, queue string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.reapedTotal.WithLabelValues(store, queue).Add(float64(n))
}

// RecordSwept records rows removed by the retention sweep.
func (m *DispatchMetrics) RecordSwept(store, queue string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.sweptTotal.WithLabelValues(store, queue).Add(float64(n))
}

// RecordIdlePoll records a poll that claimed nothing.
func (m *DispatchMetrics) RecordIdlePoll(store, loop string) {
	if m == nil {
		return
	}
	m.pollIdleTotal.WithLabelValues(store, loop).Inc()
}

// SchedulerMetrics tracks scheduler pass activity.
type SchedulerMetrics struct {
	passTotal        *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	materializeTotal *prometheus.CounterVec
	staleTokenTotal  *prometheus.CounterVec
	leaseLostTotal   *prometheus.CounterVec
}

// NewSchedulerMetrics creates and registers scheduler metrics. A nil
// registry creates unregistered metrics.
func NewSchedulerMetrics(registry prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		passTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "scheduler",
				Name:      "pass_total",
				Help:      "Scheduler passes by outcome",
			},
			[]string{LabelStore, LabelOutcome},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conveyor",
				Subsystem: "scheduler",
				Name:      "pass_duration_seconds",
				Help:      "Scheduler pass execution time",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{LabelStore},
		),
		materializeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "scheduler",
				Name:      "materialized_total",
				Help:      "Outbox messages materialized from timers and job runs",
			},
			[]string{LabelStore, LabelQueue},
		),
		staleTokenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "scheduler",
				Name:      "stale_token_total",
				Help:      "Passes rejected by the fencing token guard",
			},
			[]string{LabelStore},
		),
		leaseLostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conveyor",
				Subsystem: "scheduler",
				Name:      "lease_lost_total",
				Help:      "Scheduler leases lost before a pass committed",
			},
			[]string{LabelStore},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.passTotal,
			m.passDuration,
			m.materializeTotal,
			m.staleTokenTotal,
			m.leaseLostTotal,
		)
	}
	return m
}

// RecordPass records one scheduler pass.
func (m *SchedulerMetrics) RecordPass(store, outcome string, duration time.Duration, timers, runs int) {
	if m == nil {
		return
	}
	m.passTotal.WithLabelValues(store, outcome).Inc()
	m.passDuration.WithLabelValues(store).Observe(duration.Seconds())
	if timers > 0 {
		m.materializeTotal.WithLabelValues(store, "timers").Add(float64(timers))
	}
	if runs > 0 {
		m.materializeTotal.WithLabelValues(store, "job_runs").Add(float64(runs))
	}
}

// RecordStaleToken records a fencing rejection.
func (m *SchedulerMetrics) RecordStaleToken(store string) {
	if m == nil {
		return
	}
	m.staleTokenTotal.WithLabelValues(store).Inc()
}

// RecordLeaseLost records a lease lost mid-pass.
func (m *SchedulerMetrics) RecordLeaseLost(store string) {
	if m == nil {
		return
	}
	m.leaseLostTotal.WithLabelValues(store).Inc()
}
