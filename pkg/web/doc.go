// Package web serves the worker's HTTP debug surface: health and
// readiness probes plus the Prometheus metrics endpoint.
package web
