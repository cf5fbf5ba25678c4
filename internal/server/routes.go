// Package server wires HTTP handlers into a ServeMux for the OneChat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: the chat page, the WebSocket endpoint, and the health check.
func SetupRoutes(broker *ChatBroker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", ChatPageHandler)
	mux.Handle("/ws", WebSocketHandler(broker))
	mux.HandleFunc("/healthz", HealthHandler)
	return mux
}
