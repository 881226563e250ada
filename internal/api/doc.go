// Package api implements the HTTP API and WebSocket feed for the dashboard.
//
// This package provides:
//   - REST endpoints for printer status, transition history and reconnects
//   - Cloud login endpoints for the email code and two-factor steps
//   - A WebSocket hub that relays printer.update and printer.heartbeat events
//   - Middleware for request IDs, logging, recovery and CORS
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Sessions broadcast through Server.Hub(), which is usable before Start.
//
// # Graceful Degradation
//
// History and cloud login are optional. Without them the matching endpoints
// answer 503 and 404; printer status keeps working.
package api
