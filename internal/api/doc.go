// Package api hosts the serve-mode HTTP server. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the aggregate vehicle statistics.
//   - GET /v1/vehicles/{id} for a single stored vehicle.
//   - GET /v1/runs/latest and POST /v1/runs for the crawl scheduler.
package api
