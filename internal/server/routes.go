// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health checks, the WebSocket endpoint, and publishing.
func SetupRoutes(api *API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", api.HealthHandler)
	mux.HandleFunc("/healthz", api.HealthHandler)
	mux.HandleFunc("/ws", api.WebSocketHandler)
	mux.HandleFunc("/api/events", api.PublishHandler)
	return mux
}
