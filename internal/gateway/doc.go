// Package gateway wires the handoff server together and manages its
// lifecycle.
//
// # Overview
//
// The Gateway owns the long-lived components: the SQLite store, the upload
// store, the lifecycle service, the agent console, and (when enabled) the
// Telegram bridge. Run starts the HTTP server and the bridge, blocks until
// the context is cancelled, then shuts everything down gracefully.
//
// # Health Endpoints
//
//	GET /health        liveness - 200 while the process is up
//	GET /health/ready  readiness - 200 once the store answers a ping
package gateway
