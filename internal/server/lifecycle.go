package server

import (
	"log/slog"

	"github.com/Tyrowin/relay/internal/observability"
)

// Lifecycle runs the connect and disconnect transitions of a session.
type Lifecycle struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewLifecycle creates a lifecycle manager over registry.
func NewLifecycle(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{registry: registry, logger: logger, metrics: metrics}
}

// Connect joins s to the rooms derived from its identity and makes it
// ACTIVE. It reports false if s was not in the CONNECTING state.
func (l *Lifecycle) Connect(s *Session) bool {
	if s.State() != StateConnecting {
		return false
	}

	if userID := s.UserID(); userID != "" {
		l.registry.Join(UserRoom(userID), s)
	}
	if serverID := s.ServerID(); serverID != "" {
		l.registry.Join(ServerRoom(serverID), s)
	}

	if !s.activate() {
		// Disconnect won the race; its LeaveAll covers any room joined above.
		return false
	}

	l.metrics.SessionOpened(s.Identity().Authenticated())
	l.logger.Info("session connected",
		"session_id", s.ID(),
		"user_id", s.UserID(),
		"server_id", s.ServerID(),
		"addr", s.Addr(),
	)
	return true
}

// Disconnect removes s from every room and, when s had both a user and a
// server, tells the server room the user went offline. Only the first call
// for a session has any effect; it reports whether this call was that one.
func (l *Lifecycle) Disconnect(s *Session) bool {
	if s == nil {
		return false
	}

	previous, ok := s.markDisconnected()
	if !ok {
		return false
	}

	l.registry.LeaveAll(s)

	userID, serverID := s.UserID(), s.ServerID()
	if userID != "" && serverID != "" {
		l.registry.BroadcastToRoom(ServerRoom(serverID), EventMemberStatusUpdate,
			StatusPayload{UserID: userID, Status: StatusOffline}, nil)
	}

	s.closeSend()

	if previous == StateActive {
		l.metrics.SessionClosed()
	}
	l.logger.Info("session disconnected",
		"session_id", s.ID(),
		"user_id", userID,
		"server_id", serverID,
	)
	return true
}
