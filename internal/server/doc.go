// Package server implements the core HTTP and WebSocket functionality for the
// OneChat server.
//
// The implementation is organized into specialized files: the three state
// stores (history, rooms, presence), the broker that dispatches connection
// events across them, per-connection client management, and the configuration,
// session, and routing glue that ties the service together.
package server
