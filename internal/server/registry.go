// Package server keeps the room registry: the index from room keys to the
// sessions currently subscribed to them.
package server

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/samber/oops"

	"github.com/Tyrowin/relay/internal/observability"
)

// Room key prefixes.
const (
	userRoomPrefix   = "user:"
	serverRoomPrefix = "server:"
)

// UserRoom returns the room key for a user's devices.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// ServerRoom returns the room key for a server's members.
func ServerRoom(serverID string) string {
	return serverRoomPrefix + serverID
}

// ValidateRoom checks that key is a user or server room with a non-empty id.
func ValidateRoom(key string) error {
	for _, prefix := range []string{userRoomPrefix, serverRoomPrefix} {
		if id, ok := strings.CutPrefix(key, prefix); ok {
			if strings.TrimSpace(id) == "" {
				break
			}
			return nil
		}
	}
	return oops.Code(CodeInvalidRoom).With("room", key).Errorf("invalid room key %q", key)
}

// Registry maps room keys to member sessions. It is safe for concurrent use.
// Empty rooms are removed as soon as their last member leaves.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Session]struct{}
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. logger and metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:   make(map[string]map[*Session]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Join subscribes s to room. Joining twice is a no-op, and a disconnected
// session is never added back.
func (r *Registry) Join(room string, s *Session) {
	if s == nil || room == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.State() == StateDisconnected {
		return
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		r.rooms[room] = members
	}
	members[s] = struct{}{}
	s.addRoom(room)
}

// Leave unsubscribes s from room. Leaving a room s is not in is a no-op.
func (r *Registry) Leave(room string, s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(room, s)
}

// LeaveAll unsubscribes s from every room it belongs to.
func (r *Registry) LeaveAll(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range s.Rooms() {
		r.leaveLocked(room, s)
	}
}

func (r *Registry) leaveLocked(room string, s *Session) {
	s.removeRoom(room)

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns a snapshot of the sessions in room.
func (r *Registry) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.rooms[room])
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}

// BroadcastToRoom queues event to every member of room except exclude and
// returns how many sessions it was queued for. An empty or absent room is a
// no-op. Members joining concurrently may or may not receive the frame.
func (r *Registry) BroadcastToRoom(room, event string, payload any, exclude *Session) int {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		r.logger.Error("failed to encode broadcast", "room", room, "event", event, "error", err)
		return 0
	}

	delivered := 0
	for _, s := range r.Members(room) {
		if s == exclude {
			continue
		}
		if r.deliver(s, event, frame) {
			delivered++
		}
	}

	r.logger.Debug("broadcast to room", "room", room, "event", event, "delivered", delivered)
	return delivered
}

// SendToSession queues event to a single session and reports whether it was
// queued.
func (r *Registry) SendToSession(s *Session, event string, payload any) bool {
	if s == nil {
		return false
	}
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		r.logger.Error("failed to encode frame", "session_id", s.ID(), "event", event, "error", err)
		return false
	}
	return r.deliver(s, event, frame)
}

// deliver queues a frame and swallows failures: a dead or slow session just
// misses the frame.
func (r *Registry) deliver(s *Session, event string, frame []byte) bool {
	if err := s.enqueue(frame); err != nil {
		reason := strings.ToLower(ErrorCode(err))
		r.metrics.Dropped(reason)
		r.logger.Warn("dropped frame",
			"session_id", s.ID(),
			"user_id", s.UserID(),
			"event", event,
			"reason", reason,
		)
		return false
	}
	r.metrics.Delivered()
	return true
}
