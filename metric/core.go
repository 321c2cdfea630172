package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core instruments of the rules platform
type Metrics struct {
	// Engine metrics
	EngineStatus       *prometheus.GaugeVec
	EngineDeployments  *prometheus.GaugeVec
	StateFacts         *prometheus.GaugeVec
	EventFacts         *prometheus.GaugeVec
	EvaluationDuration *prometheus.HistogramVec
	EvaluationsTotal   *prometheus.CounterVec
	RulesFired         *prometheus.CounterVec
	CompilationErrors  *prometheus.CounterVec
	ExecutionErrors    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec

	// Service metrics
	AttributeEvents *prometheus.CounterVec
	ActionsDispatch *prometheus.CounterVec
	EnginesRunning  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core instruments
func NewMetrics() *Metrics {
	return &Metrics{
		EngineStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "status",
				Help:      "Engine health (0=ready, 1=execution error, 2=compilation error, 3=disabled, 4=empty)",
			},
			[]string{"engine"},
		),

		EngineDeployments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "deployments",
				Help:      "Number of ruleset deployments held by the engine",
			},
			[]string{"engine"},
		),

		StateFacts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "facts",
				Name:      "states",
				Help:      "Number of live state facts in the engine's working memory",
			},
			[]string{"engine"},
		),

		EventFacts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "facts",
				Name:      "events",
				Help:      "Number of unexpired event facts in the engine's working memory",
			},
			[]string{"engine"},
		),

		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of one evaluation pass over all deployments",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"engine"},
		),

		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "evaluations_total",
				Help:      "Total number of evaluation passes",
			},
			[]string{"engine"},
		),

		RulesFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "rules_fired_total",
				Help:      "Total number of rule firings",
			},
			[]string{"engine", "ruleset"},
		),

		CompilationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "compilation_errors_total",
				Help:      "Total number of ruleset compilation failures",
			},
			[]string{"engine"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "execution_errors_total",
				Help:      "Total number of rule execution failures",
			},
			[]string{"engine"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "engine",
				Name:      "events_dropped_total",
				Help:      "Attribute events dropped because the engine queue was full",
			},
			[]string{"engine"},
		),

		AttributeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "service",
				Name:      "attribute_events_total",
				Help:      "Attribute events accepted by the rules service",
			},
			[]string{"realm"},
		),

		ActionsDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "service",
				Name:      "actions_dispatched_total",
				Help:      "Rule actions dispatched by kind",
			},
			[]string{"kind"},
		),

		EnginesRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "service",
				Name:      "engines_running",
				Help:      "Number of running rule engines by scope",
			},
			[]string{"scope"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "openremote",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "openremote",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordEngineStatus updates the engine health gauge
func (c *Metrics) RecordEngineStatus(engine string, status int) {
	c.EngineStatus.WithLabelValues(engine).Set(float64(status))
}

// RecordEngineDeployments updates the deployment count gauge
func (c *Metrics) RecordEngineDeployments(engine string, count int) {
	c.EngineDeployments.WithLabelValues(engine).Set(float64(count))
}

// RecordFactCounts updates the working memory population gauges
func (c *Metrics) RecordFactCounts(engine string, states, events int) {
	c.StateFacts.WithLabelValues(engine).Set(float64(states))
	c.EventFacts.WithLabelValues(engine).Set(float64(events))
}

// RecordEvaluation records one evaluation pass
func (c *Metrics) RecordEvaluation(engine string, duration time.Duration) {
	c.EvaluationsTotal.WithLabelValues(engine).Inc()
	c.EvaluationDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordRuleFired increments the firing counter for a ruleset
func (c *Metrics) RecordRuleFired(engine, rulesetID string) {
	c.RulesFired.WithLabelValues(engine, rulesetID).Inc()
}

// RecordCompilationError increments the compilation failure counter
func (c *Metrics) RecordCompilationError(engine string) {
	c.CompilationErrors.WithLabelValues(engine).Inc()
}

// RecordExecutionError increments the execution failure counter
func (c *Metrics) RecordExecutionError(engine string) {
	c.ExecutionErrors.WithLabelValues(engine).Inc()
}

// RecordEventDropped increments the queue overflow counter
func (c *Metrics) RecordEventDropped(engine string) {
	c.EventsDropped.WithLabelValues(engine).Inc()
}

// RecordAttributeEvent increments the accepted event counter for a realm
func (c *Metrics) RecordAttributeEvent(realm string) {
	c.AttributeEvents.WithLabelValues(realm).Inc()
}

// RecordActionDispatched increments the action counter by kind
func (c *Metrics) RecordActionDispatched(kind string) {
	c.ActionsDispatch.WithLabelValues(kind).Inc()
}

// RecordEnginesRunning updates the engine count gauge for a scope
func (c *Metrics) RecordEnginesRunning(scope string, count int) {
	c.EnginesRunning.WithLabelValues(scope).Set(float64(count))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
