// Package api hosts the HTTP server, middleware, and handlers of the hub.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/progress/{key}/stream and /api/processes/stream for SSE
//     subscribers.
//   - POST/PATCH/DELETE /api/progress/... and /api/processes/... for
//     pipelines reporting work.
//   - GET /api/runs for run history via the RunRepository interface.
package api
