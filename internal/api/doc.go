// Package api hosts the HTTP server, middleware, and capture handlers.
// Notable routes:
//   - GET /capture (and GET /) for captures; guarded by the shared key when
//     auth is enabled.
//   - GET /healthz / readyz for Kubernetes and Cloud Run probes.
//   - GET /metrics for Prometheus scraping.
package api
