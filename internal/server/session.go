// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and lifecycle state for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relay/internal/identity"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is the subset of *websocket.Conn a session drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// SessionState is a step of the per-connection state machine.
type SessionState int32

// Session states. DISCONNECTED is terminal.
const (
	StateConnecting SessionState = iota
	StateActive
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session represents one live connection and the identity it was opened with.
// Identity is fixed for the lifetime of the session.
type Session struct {
	id       ulid.ULID
	conn     Conn
	addr     string
	identity identity.Identity
	send     chan []byte
	state    atomic.Int32
	limiter  *rate.Limiter
	maxSize  int64
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

// NewSession creates a session in the CONNECTING state. conn may be nil for
// sessions that are only ever read through GetSendChan.
func NewSession(conn Conn, addr string, id identity.Identity, cfg Config) *Session {
	cfg = cfg.Sanitize()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	s := &Session{
		id:       ulid.Make(),
		conn:     conn,
		addr:     addr,
		identity: id,
		send:     make(chan []byte, cfg.SendBufferSize),
		limiter:  newLimiter(cfg.RateLimit),
		maxSize:  cfg.MaxMessageSize,
		rooms:    make(map[string]struct{}),
		logger:   slog.Default(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	every := cfg.RefillInterval / time.Duration(cfg.Burst)
	return rate.NewLimiter(rate.Every(every), cfg.Burst)
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id.String() }

// UserID returns the user id, or "" for an unauthenticated session.
func (s *Session) UserID() string { return s.identity.UserID }

// ServerID returns the server id the session connected with, if any.
func (s *Session) ServerID() string { return s.identity.ServerID }

// Identity returns the identity the session was opened with.
func (s *Session) Identity() identity.Identity { return s.identity }

// Addr returns the remote address.
func (s *Session) Addr() string { return s.addr }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// GetSendChan returns the session's outbound frame queue.
// It is closed when the session disconnects.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

// Rooms returns a snapshot of the rooms the session has joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// InRoom reports whether the session has joined room.
func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rooms[room]
	return ok
}

func (s *Session) addRoom(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// activate moves CONNECTING to ACTIVE.
func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// markDisconnected moves the session to DISCONNECTED. It returns the state it
// left and whether this call made the transition.
func (s *Session) markDisconnected() (SessionState, bool) {
	for {
		current := s.state.Load()
		if SessionState(current) == StateDisconnected {
			return StateDisconnected, false
		}
		if s.state.CompareAndSwap(current, int32(StateDisconnected)) {
			return SessionState(current), true
		}
	}
}

// enqueue queues a frame without blocking.
func (s *Session) enqueue(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return oops.Code(CodeSessionClosed).With("session_id", s.ID()).Errorf("session closed")
	}

	select {
	case s.send <- frame:
		return nil
	default:
		return oops.Code(CodeQueueFull).With("session_id", s.ID()).Errorf("send queue full")
	}
}

// closeSend closes the outbound queue once.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("failed to set initial read deadline", "addr", s.addr, "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.logger.Warn("failed to set read deadline in pong handler", "addr", s.addr, "error", err)
		}
		return nil
	})
}

// logReadError logs why the read loop is ending.
func (s *Session) logReadError(err error) {
	attrs := []any{"session_id", s.ID(), "addr", s.addr, "error", err}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size", append(attrs, "max_bytes", s.maxSize)...)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Info("session disconnected", attrs...)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Info("session connection closed", attrs...)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.logger.Warn("unexpected websocket close", attrs...)
	default:
		s.logger.Warn("websocket read error", attrs...)
	}
}

// allow applies the per-connection rate limit.
func (s *Session) allow() bool {
	return s.limiter.Allow()
}

// readPump feeds inbound frames to dispatch until the connection fails, then
// calls release exactly once. Frames over the rate limit are discarded, and
// limited is called on the first discarded frame of each run.
func (s *Session) readPump(
	ctx context.Context,
	dispatch func(context.Context, *Session, []byte),
	limited func(*Session),
	release func(*Session),
) {
	defer func() {
		release(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection in readPump", "addr", s.addr, "error", err)
		}
	}()

	s.setupReadConnection()

	throttled := false
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.allow() {
			if !throttled {
				throttled = true
				limited(s)
			}
			continue
		}
		throttled = false

		dispatch(ctx, s, raw)
	}
}

// writePump drains the send queue to the connection and keeps it alive with
// pings. It returns when the queue is closed or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection in writePump", "addr", s.addr, "error", err)
		}
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-s.send:
		if !ok {
			s.writeFrame(websocket.CloseMessage, []byte{})
			return false
		}
		return s.writeFrame(websocket.TextMessage, frame)
	case <-ticker.C:
		return s.writeFrame(websocket.PingMessage, nil)
	}
}

func (s *Session) writeFrame(messageType int, data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("failed to set write deadline", "addr", s.addr, "error", err)
		return false
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("websocket write failed", "session_id", s.ID(), "addr", s.addr, "error", err)
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
