// Package api hosts the HTTP server, middleware, and REST handlers for the
// capture service. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /api/captures to submit and list captures.
//   - GET/DELETE /api/captures/{folder} plus /archive and /files/* to read a
//     finished capture.
//   - GET /api/progress/{id} and /api/runs for live capture progress via the
//     store.RunReader interface.
package api
