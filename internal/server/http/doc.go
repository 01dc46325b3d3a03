// Package httpserver exposes the service's HTTP surface: health, the
// WebSocket endpoint, event publishing, invalidation, job enqueueing, and
// Prometheus metrics.
package httpserver
