// Package metrics defines and registers HakuRiver's Prometheus metrics:
// node/task gauges, API request counters, scheduling and reconciliation
// latency histograms, and container-lifecycle timings. All metrics are
// registered at package init and exposed via Handler() for scraping.
//
// It also exposes a small process health/readiness tracker (HealthHandler,
// ReadyHandler, LivenessHandler) independent of the Prometheus surface, used
// for container orchestrator liveness probes.
package metrics
