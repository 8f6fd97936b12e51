// Package api hosts the HTTP server, middleware, and REST handlers for the
// listings service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape/facebook-group to run a scrape job and ingest its dataset.
//   - /v1/posts for manual entry, listing, export, reprocessing, and status
//     updates from downstream processors.
package api
