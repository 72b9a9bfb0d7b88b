// Package metrics exports bus, timer and supervisor counters to Prometheus.
//
// A Registry implements bus.Metrics and is passed to bus.New; timer pools
// and supervisors are attached afterwards. Handler serves /metrics.
package metrics
