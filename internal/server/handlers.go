// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the publish endpoint used by the application layer.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/identity"
	"github.com/Tyrowin/relay/internal/logging"
)

// maxPublishBody bounds POST /api/events request bodies.
const maxPublishBody = 1 << 20

// API serves the relay's HTTP surface.
type API struct {
	hub          *Hub
	resolver     identity.Resolver
	upgrader     websocket.Upgrader
	publishToken string
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewAPI builds the HTTP handlers for hub. A nil resolver trusts the userId
// query parameter.
func NewAPI(hub *Hub, resolver identity.Resolver) *API {
	if resolver == nil {
		resolver = identity.QueryResolver{}
	}
	cfg := hub.Config()
	origins := newOriginPolicy(cfg.AllowedOrigins, hub.logger)

	return &API{
		hub:      hub,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		publishToken: cfg.PublishToken,
		validate:     validator.New(),
		logger:       hub.logger,
	}
}

// WebSocketHandler handles WebSocket upgrade requests. It resolves the
// caller's identity from the handshake and attaches a session to the hub.
func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "Expected WebSocket upgrade", http.StatusUpgradeRequired)
		return
	}

	if !a.hub.Ready() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	id, err := a.resolver.Resolve(r)
	if err != nil {
		logging.LogError(a.logger, slog.LevelWarn, "identity resolution failed", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	a.hub.Attach(conn, r.RemoteAddr, id)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// publishRequest is the body of POST /api/events. Exactly one of Room and
// UserID addresses the event.
type publishRequest struct {
	Room   string          `json:"room" validate:"required_without=UserID,excluded_with=UserID"`
	UserID string          `json:"userId"`
	Event  string          `json:"event" validate:"required"`
	Data   json.RawMessage `json:"data"`
}

type publishResponse struct {
	Delivered int `json:"delivered"`
}

// PublishHandler lets the application layer push an event into a room.
func (a *API) PublishHandler(w http.ResponseWriter, r *http.Request) {
	if a.publishToken == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorizedPublisher(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		http.Error(w, "Invalid request: "+errorMessage(err), http.StatusBadRequest)
		return
	}

	room := req.Room
	if req.UserID != "" {
		room = UserRoom(req.UserID)
	}

	var payload any
	if !isNull(req.Data) {
		payload = req.Data
	}

	delivered, err := a.hub.BroadcastToRoom(room, req.Event, payload)
	if err != nil {
		logging.LogError(a.logger, slog.LevelWarn, "publish rejected", err)
		http.Error(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(publishResponse{Delivered: delivered}); err != nil {
		a.logger.Warn("error writing publish response", "error", err)
	}
}

func (a *API) authorizedPublisher(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.publishToken)) == 1
}
