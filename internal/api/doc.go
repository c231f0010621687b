// Package api is the REST client for the backend status service.
//
// Endpoints:
//   - POST /api/v1/status/connection-mode  switch the status-reporting channel
//   - GET  /api/v1/status/health           backend health
//
// Requests are optionally signed (see package auth) and retried with jittered
// exponential backoff on 5xx and 429 responses.
package api
