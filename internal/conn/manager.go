package conn

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/coop"
	"github.com/questfall/coop-client/pkg/wire"
)

// Handler receives the data portion of one channel event. Registering the
// same function twice for the same event is a no-op, so handler identity is
// the function pointer; closures are distinct even when textually equal.
type Handler func(data json.RawMessage)

// DialFunc opens the underlying websocket. Injectable for tests.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

var errStaleGeneration = errors.New("stale connection generation")

type Options struct {
	URL          string
	Dial         DialFunc
	Logger       *zap.Logger
	WriteTimeout time.Duration
}

// Manager owns the realtime channel lifecycle. Connection is authorized by
// either the full-auth or the provisional-session flag; it drops only when
// both are false. Transport failures are retried internally and never reach
// callers.
type Manager struct {
	mu sync.Mutex

	dial         DialFunc
	logger       *zap.Logger
	writeTimeout time.Duration

	handlers map[string]map[uintptr]Handler
	rooms    map[string]struct{}

	phase         coop.ConnPhase
	authenticated bool
	provisional   bool
	foreground    bool

	lastForegroundedAt time.Time

	// gen invalidates dial loops and read pumps left over from a previous
	// connection attempt; anything holding an old generation exits instead
	// of dispatching.
	gen int
	ws  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(parent context.Context, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := opts.Dial
	if dial == nil {
		url := opts.URL
		dial = func(ctx context.Context) (*websocket.Conn, error) {
			c, _, err := websocket.Dial(ctx, url, nil)
			return c, err
		}
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		dial:         dial,
		logger:       logger,
		writeTimeout: writeTimeout,
		handlers:     make(map[string]map[uintptr]Handler),
		rooms:        make(map[string]struct{}),
		phase:        coop.ConnDisconnected,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetAuthenticated flips the full-auth gate.
func (m *Manager) SetAuthenticated(ok bool) {
	m.mu.Lock()
	m.authenticated = ok
	m.reactLocked()
	m.mu.Unlock()
}

// SetProvisionalSession flips the pre-registration session gate.
func (m *Manager) SetProvisionalSession(ok bool) {
	m.mu.Lock()
	m.provisional = ok
	m.reactLocked()
	m.mu.Unlock()
}

// SetForeground records app foreground state. A background->foreground edge
// while authorized forces a reconnect; foregrounding unauthorized does
// nothing.
func (m *Manager) SetForeground(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasBackground := !m.foreground
	m.foreground = active
	if !active {
		return
	}
	m.lastForegroundedAt = time.Now()
	if wasBackground && m.authorizedLocked() {
		m.disconnectLocked()
		m.connectLocked()
	}
}

func (m *Manager) authorizedLocked() bool {
	return m.authenticated || m.provisional
}

// reactLocked applies the gating rule after either auth flag changes.
func (m *Manager) reactLocked() {
	if !m.authorizedLocked() {
		m.disconnectLocked()
		return
	}
	if m.phase == coop.ConnDisconnected {
		m.connectLocked()
	}
}

// Connect starts the dial loop if authorized and not already running.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.connectLocked()
	m.mu.Unlock()
}

func (m *Manager) connectLocked() {
	if !m.authorizedLocked() || m.phase != coop.ConnDisconnected {
		return
	}
	m.phase = coop.ConnConnecting
	m.gen++
	go m.run(m.gen)
}

// Disconnect tears the channel down and invalidates any in-flight dial/pump.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.disconnectLocked()
	m.mu.Unlock()
}

func (m *Manager) disconnectLocked() {
	m.gen++
	m.phase = coop.ConnDisconnected
	if m.ws != nil {
		_ = m.ws.Close(websocket.StatusNormalClosure, "bye")
		m.ws = nil
	}
}

// Close shuts the manager down for good.
func (m *Manager) Close() {
	m.cancel()
	m.Disconnect()
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == coop.ConnConnected
}

// Phase reports the current connection phase.
func (m *Manager) Phase() coop.ConnPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// On registers a handler for an event. Duplicate registration of the same
// handler is a no-op.
func (m *Manager) On(event string, h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.handlers[event]
	if !ok {
		set = make(map[uintptr]Handler)
		m.handlers[event] = set
	}
	set[handlerKey(h)] = h
}

// Off removes the given handlers for an event, or every handler for the
// event when none are given. Removing an absent handler is a no-op.
func (m *Manager) Off(event string, hs ...Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(hs) == 0 {
		delete(m.handlers, event)
		return
	}
	set := m.handlers[event]
	for _, h := range hs {
		if h != nil {
			delete(set, handlerKey(h))
		}
	}
	if len(set) == 0 {
		delete(m.handlers, event)
	}
}

func handlerKey(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Emit publishes an event. While disconnected it is a local no-op; callers
// must not assume delivery either way.
func (m *Manager) Emit(event string, data any) {
	m.mu.Lock()
	ws := m.ws
	connected := m.phase == coop.ConnConnected
	m.mu.Unlock()

	if !connected || ws == nil {
		m.logger.Debug("emit while disconnected dropped", zap.String("event", event))
		return
	}

	payload, err := wire.Encode(event, data)
	if err != nil {
		m.logger.Warn("emit encode failed", zap.String("event", event), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		m.logger.Warn("emit write failed", zap.String("event", event), zap.Error(err))
	}
}

// JoinRoom subscribes to a lobby room. The membership is remembered and
// re-announced after every reconnect.
func (m *Manager) JoinRoom(roomID string) {
	m.mu.Lock()
	m.rooms[roomID] = struct{}{}
	m.mu.Unlock()
	m.Emit(wire.EvtLobbyJoin, wire.LobbyRef{LobbyID: roomID})
}

// LeaveRoom drops the membership and sends a best-effort leave. Safe to call
// when the connection was never established.
func (m *Manager) LeaveRoom(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
	m.Emit(wire.EvtLobbyLeave, wire.LobbyRef{LobbyID: roomID})
}

// run is one connection generation: dial with backoff, pump until the
// transport drops, then re-dial, until the generation is invalidated.
func (m *Manager) run(gen int) {
	for {
		ws, err := m.dialWithBackoff(gen)
		if err != nil {
			return
		}

		m.mu.Lock()
		if gen != m.gen || !m.authorizedLocked() {
			m.mu.Unlock()
			_ = ws.Close(websocket.StatusNormalClosure, "stale")
			return
		}
		m.ws = ws
		m.phase = coop.ConnConnected
		rooms := make([]string, 0, len(m.rooms))
		for r := range m.rooms {
			rooms = append(rooms, r)
		}
		m.mu.Unlock()

		m.logger.Info("channel connected")
		for _, r := range rooms {
			m.Emit(wire.EvtLobbyJoin, wire.LobbyRef{LobbyID: r})
		}

		m.readPump(gen, ws)

		m.mu.Lock()
		if gen != m.gen || m.ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.ws = nil
		m.phase = coop.ConnConnecting
		m.mu.Unlock()
		m.logger.Info("channel dropped, redialing")
	}
}

func (m *Manager) dialWithBackoff(gen int) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0 // keep trying until cancelled or superseded

	var ws *websocket.Conn
	op := func() error {
		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return backoff.Permanent(errStaleGeneration)
		}
		c, err := m.dial(m.ctx)
		if err != nil {
			m.logger.Debug("dial failed", zap.Error(err))
			return err
		}
		ws = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, m.ctx)); err != nil {
		return nil, err
	}
	return ws, nil
}

func (m *Manager) readPump(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(m.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				m.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil || env.Event == "" {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		set := m.handlers[env.Event]
		hs := make([]Handler, 0, len(set))
		for _, h := range set {
			hs = append(hs, h)
		}
		m.mu.Unlock()

		for _, h := range hs {
			h(env.Data)
		}
	}
}
