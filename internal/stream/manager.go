// Package stream owns the downstream side of the server: per-client
// websocket channels, the {type, data} frame envelope, and the manager
// that binds every accepted channel to its owning session. Channels are
// deliberately dumb pipes; all state lives in the session that pushes
// into them.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/metrics"
)

// BindInfo identifies the session a channel was bound to.
type BindInfo struct {
	SessionID string
	UserID    string
	Restored  bool // session was rehydrated from a snapshot for this bind
}

// Binder resolves and binds channels to sessions. Implemented by the
// session registry.
type Binder interface {
	// Resolve finds the live session for sessionID, or rehydrates one
	// from the persisted snapshot for userID when the id is unknown.
	Resolve(ctx context.Context, sessionID, userID string) (BindInfo, error)

	// Attach makes ch the session's push target.
	Attach(ctx context.Context, sessionID string, ch Sender) error

	// Detach drops ch from the session. clean reports a 1000/1001 close.
	Detach(sessionID string, ch Sender, clean bool)
}

// Manager upgrades stream requests, binds the resulting channels to
// sessions, and heartbeats every live channel.
type Manager struct {
	cfg      config.StreamConfig
	binder   Binder
	m        *metrics.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[*Channel]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the channel manager. Frames are session-scoped and
// the stream carries no credentials beyond the session identity, so the
// upgrader accepts any origin.
func NewManager(cfg config.StreamConfig, binder Binder, m *metrics.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		binder: binder,
		m:      m,
		logger: logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		channels: make(map[*Channel]struct{}),
	}
}

// Start launches the heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.heartbeatLoop()
	m.logger.Info("stream manager started", "heartbeat", m.cfg.HeartbeatInterval)
	return nil
}

// Stop closes every live channel and waits for the heartbeat loop.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	open := make([]*Channel, 0, len(m.channels))
	for ch := range m.channels {
		open = append(open, ch)
	}
	m.mu.Unlock()
	for _, ch := range open {
		ch.Close(CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelCount returns the number of live channels.
func (m *Manager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Serve upgrades the request and runs the channel until the client goes
// away. sessionID comes from the stream path; userID is the optional
// rebind identity from the query string.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("stream upgrade failed", "error", err)
		return
	}

	ch := newChannel(conn, m.cfg, m.m, m.logger)
	go ch.writePump()

	info, err := m.binder.Resolve(r.Context(), sessionID, userID)
	if err != nil {
		m.logger.Debug("stream bind rejected", "session_id", sessionID, "user_id", userID, "error", err)
		ch.TrySend(ErrorNotice{Code: "session_not_found", Detail: "no session for this stream"})
		ch.Close(CloseRebindReject, "unknown session")
		return
	}

	m.register(ch)
	defer m.unregister(ch)

	// The connected frame goes out before the session can push anything
	// through Attach, so it is always the first frame on the wire.
	ch.TrySend(Connected{SessionID: info.SessionID, UserID: info.UserID, Restored: info.Restored})

	if err := m.binder.Attach(r.Context(), info.SessionID, ch); err != nil {
		m.logger.Warn("stream attach failed", "session_id", info.SessionID, "error", err)
		ch.TrySend(ErrorNotice{Code: "bind_failed", Detail: "session refused the channel"})
		ch.Close(CloseRebindReject, "bind failed")
		return
	}

	m.logger.Info("stream bound",
		"session_id", info.SessionID, "user_id", info.UserID, "restored", info.Restored)

	code := ch.readPump()
	clean := code == CloseNormal || code == CloseGoingAway
	m.binder.Detach(info.SessionID, ch, clean)
	ch.Close(CloseNormal, "")

	m.logger.Info("stream closed", "session_id", info.SessionID, "code", code, "clean", clean)
}

func (m *Manager) register(ch *Channel) {
	m.mu.Lock()
	m.channels[ch] = struct{}{}
	n := len(m.channels)
	m.mu.Unlock()
	if m.m != nil {
		m.m.StreamChannels.Set(float64(n))
	}
}

func (m *Manager) unregister(ch *Channel) {
	m.mu.Lock()
	delete(m.channels, ch)
	n := len(m.channels)
	m.mu.Unlock()
	if m.m != nil {
		m.m.StreamChannels.Set(float64(n))
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			live := make([]*Channel, 0, len(m.channels))
			for ch := range m.channels {
				live = append(live, ch)
			}
			m.mu.Unlock()
			for _, ch := range live {
				ch.TrySend(Heartbeat{TS: now})
			}
		}
	}
}
