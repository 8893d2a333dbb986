// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /workers for the worker websocket channel (token auth, no API key).
//   - /v1/workers/... for registration, token management, and resets.
//   - /v1/tasks/... for task intake, listing, retry, and results.
//   - POST /v1/dispatch to nudge the dispatcher.
//
// Failures are returned as {"error":{"code":"...","message":"..."}} with a
// stable code derived from the fleet sentinel errors.
package api
