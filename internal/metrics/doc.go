// Package metrics exposes pool, queue and proxy metrics to Prometheus.
package metrics
