// Package httpapi exposes the master's HTTP API.
//
// # Endpoints
//
// Job operations (bearer token required):
//
//   - POST /api/v1/jobs - Submit a job
//   - GET /api/v1/jobs/{jid} - Job snapshot
//   - GET /api/v1/jobs/{jid}/wait - Block until the job settles
//   - DELETE /api/v1/jobs/{jid} - Cancel a job
//
// Minion operations (token subject must match the path ID):
//
//   - POST /api/v1/minions/{id}/register
//   - POST /api/v1/minions/{id}/heartbeat
//   - GET /api/v1/minions/{id}/jobs - Long-poll for the next envelope
//   - POST /api/v1/minions/{id}/results
//
// GET /healthz is unauthenticated.
package httpapi
