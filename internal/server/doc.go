// Package server exposes the relay over HTTP using Echo.
//
// WebSocket upgrades on any path join the relay; other requests get a fixed
// plain-text status. /health/live and /metrics serve probes and Prometheus.
package server
