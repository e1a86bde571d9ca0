// Package metrics defines the Prometheus metrics of the Burrow worker.
//
// Metrics are package-level collectors registered in init and updated by
// the packages that own the underlying state: the block manager keeps the
// storage gauges current, the master sync tasks count heartbeats and pin
// list fetches, and the two servers count requests. The /metrics endpoint
// is served by pkg/web using Handler.
package metrics
