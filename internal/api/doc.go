// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/collections to trigger a run, GET /v1/collections for the run
//     log and GET /v1/collections/current for live progress.
//   - GET /v1/records to query stored procurements, plus per-record routes to
//     view, mark as viewed and annotate.
package api
