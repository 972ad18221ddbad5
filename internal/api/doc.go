// Package api hosts the display HTTP server for an ingestwatch session.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session and POST /v1/session/reset for the active attempt.
//   - POST /v1/uploads to start an upload from a multipart "file" field.
//   - GET /v1/jobs and /v1/jobs/{job_id} for the job ledger.
package api
