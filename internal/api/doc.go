// Package api hosts the HTTP server for operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/batches for submission, listing, and cancel/pause/resume/retry.
//   - /v1/urls for dry-run validation and version history.
//   - GET /v1/optimizer for the concurrency controller's state.
package api
