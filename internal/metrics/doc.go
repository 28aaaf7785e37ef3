// Package metrics exposes request counters and latency histograms in
// Prometheus exposition format.
package metrics
