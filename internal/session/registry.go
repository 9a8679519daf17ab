package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/feed"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/paper"
	"github.com/tickwatch/tickwatch/internal/store"
	"github.com/tickwatch/tickwatch/internal/stream"
)

// credsEntry caches one user's broker material outside the session
// loop, so the feed can fetch credentials without a command round trip.
type credsEntry struct {
	bs *broker.Session
	at time.Time
}

// Registry owns every live session. It is the feed's tick dispatcher
// and credential source, the stream manager's binder, and the flush
// worker's snapshot encoder.
type Registry struct {
	cfg    config.SessionConfig
	feed   Feed
	store  store.SnapshotStore
	engine *paper.Engine
	clk    clock.Clock
	m      *metrics.Registry
	logger *slog.Logger
	dirty  Dirtier

	// createMu serializes session creation per process so concurrent
	// logins and rebinds for one user cannot race two loops into life.
	createMu sync.Mutex

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]*Session
	creds  map[string]credsEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry wires the registry. The flush worker is attached later
// through SetDirty because it needs the registry as its encoder first.
func NewRegistry(cfg config.SessionConfig, f Feed, st store.SnapshotStore, engine *paper.Engine, clk clock.Clock, m *metrics.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		feed:   f,
		store:  st,
		engine: engine,
		clk:    clk,
		m:      m,
		logger: logger.With("component", "session"),
		byID:   make(map[string]*Session),
		byUser: make(map[string]*Session),
		creds:  make(map[string]credsEntry),
	}
}

// SetDirty attaches the write-behind flusher. Must be called before
// Start; sessions capture the sink when they are created.
func (r *Registry) SetDirty(d Dirtier) {
	r.dirty = d
}

// Start launches the idle-eviction loop.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if r.cfg.TTLWarm > 0 {
		r.wg.Add(1)
		go r.evictLoop()
	}
	r.logger.Info("session registry started",
		"ttl_warm", r.cfg.TTLWarm, "command_queue", r.cfg.CommandQueue)
	return nil
}

// Stop retires every live session, persisting final snapshots.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.RLock()
	all := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.retire(ctx, s, false)
	}
	r.logger.Info("session registry stopped", "sessions", len(all))
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Get returns the live session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// GetByUser returns the live session owned by userID.
func (r *Registry) GetByUser(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// Login creates a session for an authenticated broker session, folding
// in any persisted state for the user. A returning user gets a fresh
// session id; any still-live session is retired first. The bool reports
// whether persisted state was restored.
func (r *Registry) Login(ctx context.Context, bs *broker.Session) (*Session, bool, error) {
	if bs == nil || bs.ClientCode == "" {
		return nil, false, fmt.Errorf("%w: broker session without client code", ErrInvalid)
	}
	userID := bs.ClientCode

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if prev, ok := r.GetByUser(userID); ok {
		r.logger.Info("retiring previous session on login",
			"user_id", userID, "session_id", prev.ID())
		r.retire(ctx, prev, false)
	}

	snap, err := r.loadSnapshot(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	s := r.spawn(userID, bs, snap)
	return s, snap != nil, nil
}

// Logout retires the session and deletes the persisted snapshot. The
// returned broker session lets the caller revoke tokens upstream.
func (r *Registry) Logout(ctx context.Context, sessionID string) (*broker.Session, error) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	r.mu.RLock()
	entry := r.creds[s.userID]
	r.mu.RUnlock()

	r.retire(ctx, s, true)
	return entry.bs, nil
}

// UpdateBroker swaps renewed broker tokens into the live session and
// the registry's credential cache.
func (r *Registry) UpdateBroker(ctx context.Context, sessionID string, bs *broker.Session) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.UpdateBroker(ctx, bs); err != nil {
		return err
	}
	r.mu.Lock()
	r.creds[s.userID] = credsEntry{bs: bs, at: r.clk.Now()}
	r.mu.Unlock()
	return nil
}

// BrokerSession returns the cached broker material for a live session.
func (r *Registry) BrokerSession(sessionID string) (*broker.Session, bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.creds[s.userID]
	if !ok || entry.bs == nil {
		return nil, false
	}
	return entry.bs, true
}

// Peek reports whether sessionID is live and whether state exists to
// rehydrate userID, without creating anything.
func (r *Registry) Peek(ctx context.Context, sessionID, userID string) (live, restorable bool) {
	if _, ok := r.Get(sessionID); ok {
		return true, true
	}
	if userID == "" {
		return false, false
	}
	if _, ok := r.GetByUser(userID); ok {
		return false, true
	}
	if _, err := r.store.Load(ctx, userID); err == nil {
		return false, true
	}
	return false, false
}

// -----------------------------------------------------------------------------
// stream.Binder
// -----------------------------------------------------------------------------

// Resolve finds the session for a stream bind. An unknown session id
// with a user identity falls back to snapshot rehydration.
func (r *Registry) Resolve(ctx context.Context, sessionID, userID string) (stream.BindInfo, error) {
	if s, ok := r.Get(sessionID); ok {
		return stream.BindInfo{SessionID: s.id, UserID: s.userID}, nil
	}
	if userID == "" {
		return stream.BindInfo{}, ErrSessionNotFound
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	// A concurrent bind may have won the race already.
	if s, ok := r.GetByUser(userID); ok {
		return stream.BindInfo{SessionID: s.id, UserID: s.userID}, nil
	}

	snap, err := r.loadSnapshot(ctx, userID)
	if err != nil {
		return stream.BindInfo{}, err
	}
	if snap == nil {
		return stream.BindInfo{}, ErrSessionNotFound
	}

	s := r.spawn(userID, nil, snap)
	r.logger.Info("session rehydrated for stream",
		"session_id", s.id, "user_id", userID, "requested", sessionID)
	return stream.BindInfo{SessionID: s.id, UserID: userID, Restored: true}, nil
}

// Attach binds ch as the session's push target.
func (r *Registry) Attach(ctx context.Context, sessionID string, ch stream.Sender) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Bind(ctx, ch)
}

// Detach unbinds ch from the session, if both still exist.
func (r *Registry) Detach(sessionID string, ch stream.Sender, clean bool) {
	if s, ok := r.Get(sessionID); ok {
		s.Unbind(ch, clean)
	}
}

// -----------------------------------------------------------------------------
// feed.Dispatcher / feed.CredentialSource
// -----------------------------------------------------------------------------

// DispatchTick fans one decoded tick out to its subscribed sessions.
// Called from the feed read loop; must not block, and does not: ticks
// land in conflating mailboxes.
func (r *Registry) DispatchTick(sessionIDs []string, tick model.Tick) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range sessionIDs {
		if s, ok := r.byID[id]; ok {
			s.OfferTick(tick)
		}
	}
}

// FeedCredentials returns the freshest usable broker material across
// live sessions. The upstream socket is shared; any logged-in user's
// feed token authenticates it.
func (r *Registry) FeedCredentials() (feed.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best credsEntry
	for _, entry := range r.creds {
		if entry.bs == nil || entry.bs.Tokens.Feed == "" || entry.bs.Tokens.JWT == "" {
			continue
		}
		if best.bs == nil || entry.at.After(best.at) {
			best = entry
		}
	}
	if best.bs == nil {
		return feed.Credentials{}, feed.ErrNoCredentials
	}
	return feed.Credentials{
		JWT:        best.bs.Tokens.JWT,
		APIKey:     best.bs.APIKey,
		ClientCode: best.bs.ClientCode,
		FeedToken:  best.bs.Tokens.Feed,
	}, nil
}

// -----------------------------------------------------------------------------
// store.Encoder
// -----------------------------------------------------------------------------

// EncodeSnapshot serializes the named user's live session for the
// write-behind flusher.
func (r *Registry) EncodeSnapshot(ctx context.Context, userID string) ([]byte, error) {
	s, ok := r.GetByUser(userID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.EncodeSnapshot(ctx)
}

// -----------------------------------------------------------------------------
// internals
// -----------------------------------------------------------------------------

// spawn builds, registers and starts a session. Callers hold createMu.
func (r *Registry) spawn(userID string, bs *broker.Session, snap *snapshot) *Session {
	d := deps{
		feed:        r.feed,
		engine:      r.engine,
		clk:         r.clk,
		dirty:       r.dirty,
		m:           r.m,
		logger:      r.logger,
		alertLogCap: r.cfg.AlertLogCap,
		queueCap:    r.cfg.CommandQueue,
	}
	s := newSession(uuid.NewString(), userID, bs, snap, d)

	// Collect subscription keys before the loop starts owning state.
	keys := make([]model.InstrumentKey, 0, len(s.watchlist))
	for _, item := range s.watchlist {
		keys = append(keys, item.Instrument.Key())
	}
	effective := s.broker

	r.mu.Lock()
	r.byID[s.id] = s
	r.byUser[userID] = s
	if effective != nil {
		r.creds[userID] = credsEntry{bs: effective, at: r.clk.Now()}
	}
	n := len(r.byID)
	r.mu.Unlock()
	r.gaugeSessions(n)

	go s.run()

	// One subscribe delta covers the whole restored watchlist.
	if len(keys) > 0 {
		r.feed.Subscribe(s.id, keys)
	}
	return s
}

// retire removes the session from the indexes, persists a final
// snapshot (unless the user is logging out), stops the loop and drops
// the feed subscriptions.
func (r *Registry) retire(ctx context.Context, s *Session, dropSnapshot bool) {
	r.mu.Lock()
	if r.byID[s.id] != s {
		r.mu.Unlock()
		return
	}
	delete(r.byID, s.id)
	if r.byUser[s.userID] == s {
		delete(r.byUser, s.userID)
		delete(r.creds, s.userID)
	}
	n := len(r.byID)
	r.mu.Unlock()
	r.gaugeSessions(n)

	if !dropSnapshot {
		// Final write while the loop still lives; quarantined sessions
		// keep their last good snapshot instead.
		data, err := s.EncodeSnapshot(ctx)
		switch {
		case err == nil:
			if err := r.store.Save(ctx, s.userID, data); err != nil {
				r.logger.Error("final snapshot save failed", "user_id", s.userID, "error", err)
			}
		case errors.Is(err, ErrQuarantined):
		default:
			r.logger.Warn("final snapshot encode failed", "session_id", s.id, "error", err)
		}
	}

	if err := s.stop(ctx); err != nil {
		r.logger.Warn("session stop timed out", "session_id", s.id, "error", err)
	}
	r.feed.DropSession(s.id)

	if dropSnapshot {
		if err := r.store.Delete(ctx, s.userID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("snapshot delete failed", "user_id", s.userID, "error", err)
		}
	}
}

// loadSnapshot fetches and decodes the user's persisted state. Missing
// or unreadable snapshots mean a fresh start; infrastructure failures
// propagate so a login cannot silently orphan good state.
func (r *Registry) loadSnapshot(ctx context.Context, userID string) (*snapshot, error) {
	data, err := r.store.Load(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		r.logger.Error("snapshot unreadable, starting fresh", "user_id", userID, "error", err)
		return nil, nil
	}
	if snap.UserID != "" && snap.UserID != userID {
		r.logger.Error("snapshot user mismatch, starting fresh",
			"user_id", userID, "snapshot_user", snap.UserID)
		return nil, nil
	}
	return snap, nil
}

func (r *Registry) gaugeSessions(n int) {
	if r.m != nil {
		r.m.SessionsActive.Set(float64(n))
	}
}

func (r *Registry) evictLoop() {
	defer r.wg.Done()

	interval := r.cfg.TTLWarm / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle(r.ctx)
		}
	}
}

// evictIdle retires sessions idle past the warm TTL with no bound
// channel. Their snapshots stay in the store for rehydration.
func (r *Registry) evictIdle(ctx context.Context) int {
	now := r.clk.Now()

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.byID {
		if s.Bound() {
			continue
		}
		if now.Sub(s.LastSeen()) >= r.cfg.TTLWarm {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		r.logger.Info("evicting idle session",
			"session_id", s.ID(), "user_id", s.UserID(), "idle", now.Sub(s.LastSeen()))
		r.retire(ctx, s, false)
	}
	return len(idle)
}
