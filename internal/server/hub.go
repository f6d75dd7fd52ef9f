// Package server coordinates session registration, event relay, and
// connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/Tyrowin/relay/internal/identity"
	"github.com/Tyrowin/relay/internal/observability"
)

// Hub owns the room registry, the lifecycle manager and the router for one
// relay instance, and tracks the pump goroutines of every live session.
type Hub struct {
	cfg       Config
	registry  *Registry
	lifecycle *Lifecycle
	router    *Router
	logger    *slog.Logger
	metrics   *observability.Metrics

	mutex    sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// Option configures a Hub.
type Option func(*hubOptions)

type hubOptions struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	authorizer Authorizer
}

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *hubOptions) { o.logger = logger }
}

// WithMetrics records hub activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *hubOptions) { o.metrics = m }
}

// WithAuthorizer sets the policy for server-room events.
func WithAuthorizer(a Authorizer) Option {
	return func(o *hubOptions) { o.authorizer = a }
}

// NewHub creates a ready hub. Nothing runs until sessions are attached.
func NewHub(cfg Config, opts ...Option) *Hub {
	o := hubOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.Sanitize()
	registry := NewRegistry(o.logger, o.metrics)
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		cfg:       cfg,
		registry:  registry,
		lifecycle: NewLifecycle(registry, o.logger, o.metrics),
		router:    NewRouter(registry, o.authorizer, cfg.StampSenderIdentity, o.logger, o.metrics),
		logger:    o.logger,
		metrics:   o.metrics,
		sessions:  make(map[*Session]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the hub's room registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Lifecycle returns the hub's lifecycle manager.
func (h *Hub) Lifecycle() *Lifecycle { return h.lifecycle }

// Router returns the hub's event router.
func (h *Hub) Router() *Router { return h.router }

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config { return h.cfg }

// Ready reports whether the hub accepts new sessions.
func (h *Hub) Ready() bool { return !h.stopping.Load() }

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.sessions)
}

// Attach connects a new session for conn and starts its pumps. It returns
// nil and closes conn if the hub is shutting down.
func (h *Hub) Attach(conn Conn, addr string, id identity.Identity) *Session {
	s := NewSession(conn, addr, id, h.cfg)
	s.logger = h.logger

	h.mutex.Lock()
	if h.stopping.Load() {
		h.mutex.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		h.logger.Info("rejected session during shutdown", "addr", addr)
		return nil
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(2)
	h.mutex.Unlock()

	h.lifecycle.Connect(s)

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump(h.ctx, h.dispatch, h.router.RateLimited, h.release)
	}()

	return s
}

// dispatch hands one inbound frame to the router. Dispatch logs a rejected
// frame and answers the sender itself, so its error is not used here.
func (h *Hub) dispatch(ctx context.Context, s *Session, raw []byte) {
	_ = h.router.Dispatch(ctx, s, raw)
}

// release is called once by the read pump when its connection ends.
func (h *Hub) release(s *Session) {
	h.lifecycle.Disconnect(s)

	h.mutex.Lock()
	delete(h.sessions, s)
	remaining := len(h.sessions)
	h.mutex.Unlock()

	h.logger.Debug("session released", "session_id", s.ID(), "remaining", remaining)
}

// BroadcastToRoom publishes an event to every session in room on behalf of
// the application. It returns the number of sessions the frame was queued for.
// callEnded never carries data; any payload given with it is dropped.
func (h *Hub) BroadcastToRoom(room, event string, payload any) (int, error) {
	if err := ValidateRoom(room); err != nil {
		return 0, err
	}
	if !IsRelayEvent(event) {
		return 0, oops.Code(CodeUnknownEvent).With("event", event).Errorf("unknown event %q", event)
	}
	if event == EventCallEnded {
		payload = nil
	}
	return h.registry.BroadcastToRoom(room, event, payload, nil), nil
}

// SendToUser publishes an event to every device of userID.
func (h *Hub) SendToUser(userID, event string, payload any) (int, error) {
	return h.BroadcastToRoom(UserRoom(userID), event, payload)
}

// Shutdown stops accepting sessions, closes every connection, and waits for
// all pumps to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.stopping.Store(true)
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.Unlock()

	h.cancel()

	for _, s := range sessions {
		if s.conn == nil {
			continue
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing session connection", "session_id", s.ID(), "addr", s.addr, "error", err)
		}
	}
	h.logger.Info("closed session connections", "count", len(sessions))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timed out; some sessions may still be running")
		return context.DeadlineExceeded
	}
}
