package server

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/observability"
)

func TestLifecycle_ConnectJoinsIdentityRooms(t *testing.T) {
	relay := newTestRelay(t, nil)

	s := relay.connect(t, "u1", "srv1")

	assert.Equal(t, StateActive, s.State())
	assert.ElementsMatch(t, []string{"user:u1", "server:srv1"}, s.Rooms())
	assert.Equal(t, []*Session{s}, relay.registry.Members("user:u1"))
	assert.Equal(t, []*Session{s}, relay.registry.Members("server:srv1"))
}

func TestLifecycle_ConnectWithoutServer(t *testing.T) {
	relay := newTestRelay(t, nil)

	s := relay.connect(t, "u1", "")

	assert.Equal(t, []string{"user:u1"}, s.Rooms())
}

func TestLifecycle_ConnectUnauthenticated(t *testing.T) {
	relay := newTestRelay(t, nil)

	anon := relay.connect(t, "", "")
	withServer := relay.connect(t, "", "srv1")

	assert.Equal(t, StateActive, anon.State())
	assert.Empty(t, anon.Rooms())
	assert.Equal(t, []string{"server:srv1"}, withServer.Rooms())
	assert.Equal(t, 1, relay.registry.RoomCount())
}

func TestLifecycle_ConnectOnlyFromConnecting(t *testing.T) {
	relay := newTestRelay(t, nil)
	s := relay.connect(t, "u1", "")

	assert.False(t, relay.lifecycle.Connect(s), "second connect")

	closed := newTestSession("u2", "")
	closed.markDisconnected()
	assert.False(t, relay.lifecycle.Connect(closed))
	assert.Empty(t, relay.registry.Members("user:u2"))
}

func TestLifecycle_MultipleDevicesShareUserRoom(t *testing.T) {
	relay := newTestRelay(t, nil)

	phone := relay.connect(t, "u1", "srv1")
	laptop := relay.connect(t, "u1", "srv1")

	assert.ElementsMatch(t, []*Session{phone, laptop}, relay.registry.Members("user:u1"))
	assert.Len(t, relay.registry.Members("server:srv1"), 2)
}

func TestLifecycle_DisconnectBroadcastsOffline(t *testing.T) {
	relay := newTestRelay(t, nil)
	leaving := relay.connect(t, "u1", "srv1")
	staying := relay.connect(t, "u2", "srv1")
	elsewhere := relay.connect(t, "u3", "srv2")

	require.True(t, relay.lifecycle.Disconnect(leaving))

	assert.Equal(t, map[string]any{"userId": "u1", "status": "offline"},
		recvData(t, staying, EventMemberStatusUpdate))
	expectNoFrame(t, elsewhere)

	assert.Equal(t, StateDisconnected, leaving.State())
	assert.Empty(t, leaving.Rooms())
	assert.Empty(t, relay.registry.Members("user:u1"))
	assert.Equal(t, []*Session{staying}, relay.registry.Members("server:srv1"))

	_, open := <-leaving.GetSendChan()
	assert.False(t, open, "send queue closed after disconnect")
}

func TestLifecycle_DisconnectWithoutServerIsSilent(t *testing.T) {
	relay := newTestRelay(t, nil)
	s := relay.connect(t, "u1", "")
	other := relay.connect(t, "u1", "")

	require.True(t, relay.lifecycle.Disconnect(s))

	expectNoFrame(t, other)
	assert.Equal(t, []*Session{other}, relay.registry.Members("user:u1"))
}

func TestLifecycle_DisconnectAnonymousIsSilent(t *testing.T) {
	relay := newTestRelay(t, nil)
	anon := relay.connect(t, "", "srv1")
	member := relay.connect(t, "u2", "srv1")

	require.True(t, relay.lifecycle.Disconnect(anon))

	expectNoFrame(t, member)
}

func TestLifecycle_DisconnectIsIdempotent(t *testing.T) {
	relay := newTestRelay(t, nil)
	s := relay.connect(t, "u1", "srv1")
	other := relay.connect(t, "u2", "srv1")

	assert.True(t, relay.lifecycle.Disconnect(s))
	assert.False(t, relay.lifecycle.Disconnect(s))
	assert.False(t, relay.lifecycle.Disconnect(nil))

	recvData(t, other, EventMemberStatusUpdate)
	expectNoFrame(t, other)
}

func TestLifecycle_ConcurrentDisconnectBroadcastsOnce(t *testing.T) {
	relay := newTestRelay(t, nil)
	s := relay.connect(t, "u1", "srv1")
	other := relay.connect(t, "u2", "srv1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if relay.lifecycle.Disconnect(s) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	recvData(t, other, EventMemberStatusUpdate)
	expectNoFrame(t, other)
}

func TestLifecycle_DisconnectBeforeConnect(t *testing.T) {
	relay := newTestRelay(t, nil)
	s := newTestSession("u1", "srv1")

	require.True(t, relay.lifecycle.Disconnect(s))
	assert.False(t, relay.lifecycle.Connect(s))

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, relay.registry.RoomCount())
}

func TestLifecycle_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, nil)
	registry := NewRegistry(nil, metrics)
	lifecycle := NewLifecycle(registry, nil, metrics)

	user := newTestSession("u1", "")
	anon := newTestSession("", "")
	require.True(t, lifecycle.Connect(user))
	require.True(t, lifecycle.Connect(anon))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("anonymous")))

	lifecycle.Disconnect(user)
	lifecycle.Disconnect(user)
	lifecycle.Disconnect(newTestSession("u9", ""))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsActive))
}
