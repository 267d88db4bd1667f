// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/migrations to migrate one module from the source database.
//   - POST /v1/modules/{module}/save to save caller-supplied records.
//   - GET /v1/mappings/{database_id}/{module}/{old_number} to resolve a
//     migrated transaction number. old_number is the rest of the path, so
//     numbers containing slashes work raw or escaped as %2F.
package api
