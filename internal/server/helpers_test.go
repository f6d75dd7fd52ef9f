package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/identity"
)

const (
	frameTimeout   = time.Second
	noFrameTimeout = 50 * time.Millisecond
)

// testRelay bundles the core components wired the way the hub wires them.
type testRelay struct {
	registry  *Registry
	lifecycle *Lifecycle
	router    *Router
}

func newTestRelay(t *testing.T, authorizer Authorizer) *testRelay {
	t.Helper()
	registry := NewRegistry(nil, nil)
	return &testRelay{
		registry:  registry,
		lifecycle: NewLifecycle(registry, nil, nil),
		router:    NewRouter(registry, authorizer, true, nil, nil),
	}
}

func newTestSession(userID, serverID string) *Session {
	return NewSession(nil, "127.0.0.1:0", identity.Identity{UserID: userID, ServerID: serverID}, *NewConfig())
}

// connect creates and connects a session.
func (r *testRelay) connect(t *testing.T, userID, serverID string) *Session {
	t.Helper()
	s := newTestSession(userID, serverID)
	require.True(t, r.lifecycle.Connect(s))
	return s
}

// emit dispatches an inbound frame built from event and data.
func (r *testRelay) emit(t *testing.T, s *Session, event string, data any) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	return r.router.Dispatch(t.Context(), s, raw)
}

// recvFrame waits for the next frame queued to s.
func recvFrame(t *testing.T, s *Session) Envelope {
	t.Helper()
	select {
	case frame, ok := <-s.GetSendChan():
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(frameTimeout):
		t.Fatalf("timed out waiting for frame on session %s", s.ID())
		return Envelope{}
	}
}

// recvData waits for a frame named event and decodes its data into a map.
func recvData(t *testing.T, s *Session, event string) map[string]any {
	t.Helper()
	env := recvFrame(t, s)
	require.Equal(t, event, env.Event)
	var data map[string]any
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &data))
	}
	return data
}

// expectNoFrame asserts nothing is queued to s for a short while.
func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame, ok := <-s.GetSendChan():
		if ok {
			t.Fatalf("expected no frame, got %s", frame)
		}
	case <-time.After(noFrameTimeout):
	}
}
