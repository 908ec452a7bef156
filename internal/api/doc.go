// Package api exposes the HTTP interface: stored liturgy days, job run logs
// for dashboards, job submission, health probes and Prometheus metrics.
package api
