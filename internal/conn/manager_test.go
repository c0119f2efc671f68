package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questfall/coop-client/internal/coop"
	"github.com/questfall/coop-client/pkg/wire"
)

// testServer is a minimal channel endpoint: it records every envelope the
// client sends and lets tests push events back down.
type testServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []wire.Envelope
	conns    []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}

	r := chi.NewRouter()
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.mu.Unlock()

		for {
			_, data, err := c.Read(req.Context())
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				continue
			}
			ts.mu.Lock()
			ts.received = append(ts.received, env)
			ts.mu.Unlock()
		}
	})

	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) push(t *testing.T, event string, data any) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.conns, "no client connected")
	c := ts.conns[len(ts.conns)-1]

	payload, err := wire.Encode(event, data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, payload))
}

func (ts *testServer) countReceived(event string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, env := range ts.received {
		if env.Event == event {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, Options{URL: url})
	t.Cleanup(func() {
		m.Close()
		cancel()
	})
	return m
}

func TestConnectRequiresAuthorization(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL())

	m.Connect()
	assert.False(t, m.IsConnected(), "unauthorized connect must not establish")

	// Provisional session alone authorizes.
	m.SetProvisionalSession(true)
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectOnlyWhenBothGatesFalse(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL())

	m.SetAuthenticated(true)
	m.SetProvisionalSession(true)
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	// Losing one gate keeps the channel up.
	m.SetProvisionalSession(false)
	assert.True(t, m.IsConnected())

	// Losing both drops it.
	m.SetAuthenticated(false)
	require.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, coop.ConnDisconnected, m.Phase())
}

func TestEventDispatchAndRoomRejoin(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL())

	var mu sync.Mutex
	var got []string
	m.On(wire.EvtLobbyReadyStatus, func(data json.RawMessage) {
		var p wire.ReadyStatusPayload
		require.NoError(t, json.Unmarshal(data, &p))
		mu.Lock()
		got = append(got, p.UserID)
		mu.Unlock()
	})

	m.SetAuthenticated(true)
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	m.JoinRoom("lob-1")
	require.Eventually(t, func() bool { return ts.countReceived(wire.EvtLobbyJoin) == 1 },
		2*time.Second, 10*time.Millisecond)

	ts.push(t, wire.EvtLobbyReadyStatus, wire.ReadyStatusPayload{UserID: "u2", IsReady: true})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "u2"
	}, 2*time.Second, 10*time.Millisecond)

	// Foregrounding while authorized reconnects and re-announces the room.
	m.SetForeground(false)
	m.SetForeground(true)
	require.Eventually(t, func() bool {
		return m.IsConnected() && ts.countReceived(wire.EvtLobbyJoin) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForegroundWhileUnauthorizedDoesNotConnect(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.wsURL())

	m.SetForeground(false)
	m.SetForeground(true)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.IsConnected())
	ts.mu.Lock()
	assert.Empty(t, ts.conns)
	ts.mu.Unlock()
}

func TestEmitWhileDisconnectedIsNoop(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:0/ws")

	// Must neither panic nor error back into the caller.
	m.Emit(wire.EvtLobbyReady, wire.LobbyRef{LobbyID: "lob-1"})
	m.LeaveRoom("lob-1") // safe even though never connected
	assert.False(t, m.IsConnected())
}

func logReady(json.RawMessage) {}

func TestHandlerRegistryIdempotence(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:0/ws")

	// Duplicate registration of the same handler is a no-op on add.
	m.On(wire.EvtLobbyReadyStatus, logReady)
	m.On(wire.EvtLobbyReadyStatus, logReady)
	m.mu.Lock()
	assert.Len(t, m.handlers[wire.EvtLobbyReadyStatus], 1)
	m.mu.Unlock()

	// Removal is idempotent too.
	m.Off(wire.EvtLobbyReadyStatus, logReady)
	m.Off(wire.EvtLobbyReadyStatus, logReady)
	m.mu.Lock()
	assert.Empty(t, m.handlers[wire.EvtLobbyReadyStatus])
	m.mu.Unlock()

	// Off without handlers clears the whole event.
	m.On(wire.EvtQuestStarted, logReady)
	m.Off(wire.EvtQuestStarted)
	m.mu.Lock()
	assert.Empty(t, m.handlers[wire.EvtQuestStarted])
	m.mu.Unlock()
}
