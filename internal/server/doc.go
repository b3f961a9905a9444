// Package server exposes GoChat over HTTP: the REST API for accounts, rooms
// and messages, and the WebSocket endpoint where each connection runs a
// Session against the room router.
//
// Configuration, origin checks, rate limiting, authentication middleware and
// the session tracker used for graceful shutdown live alongside the handlers
// in this package.
package server
