// Package metric provides the Prometheus metrics registry and the core
// instruments of the rules platform: engine health, deployment counts, fact
// population, evaluation timing and NATS connectivity. Components register
// their own instruments through the MetricsRegistrar interface.
package metric
