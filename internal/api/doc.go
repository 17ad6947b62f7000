// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes (readyz pings the repository).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/cycles?location= to run a cycle on demand (409 while one runs).
//   - GET /v1/stats?location= for coverage reporting.
//   - GET /v1/targets/{id}/status and /events for a target's latest status and history.
package api
