// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/imports to upload a review export workbook.
//   - GET /v1/imports/{job_id}/status and POST /v1/imports/{job_id}/cancel
//     for the owner of a job.
package api
