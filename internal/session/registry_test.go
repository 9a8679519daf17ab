package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/feed"
	"github.com/tickwatch/tickwatch/internal/store"
)

func brokerSession(code string) *broker.Session {
	return &broker.Session{
		ClientCode: code,
		APIKey:     "api-key",
		Tokens: broker.Tokens{
			JWT:     "jwt-" + code,
			Refresh: "refresh-" + code,
			Feed:    "feed-" + code,
		},
		IssuedAt: time.Now(),
	}
}

func newTestRegistry(t *testing.T, st store.SnapshotStore) (*Registry, *feedStub, *clock.Fake) {
	t.Helper()
	f := &feedStub{}
	clk := clock.NewFake(clock.DefaultConfig(), istTime(10, 0))
	cfg := config.SessionConfig{
		CommandQueue: 64,
		TTLWarm:      10 * time.Minute,
		TTLCold:      24 * time.Hour,
		AlertLogCap:  100,
	}
	r := NewRegistry(cfg, f, st, testEngine(t), clk, nil, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, f, clk
}

func TestLoginFreshSession(t *testing.T) {
	r, _, _ := newTestRegistry(t, store.NewMemory())
	ctx := context.Background()

	s, restored, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if restored {
		t.Error("restored = true for a first login")
	}
	if s.UserID() != "A100" || s.ID() == "" {
		t.Errorf("session id=%q user=%q", s.ID(), s.UserID())
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	if _, _, err := r.Login(ctx, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("nil login err = %v, want ErrInvalid", err)
	}
}

func TestLoginReplacesLiveSession(t *testing.T) {
	r, f, _ := newTestRegistry(t, store.NewMemory())
	ctx := context.Background()

	first, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	mustAdd(t, first, reliance)

	second, restored, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if second.ID() == first.ID() {
		t.Error("second login reused the session id")
	}
	if !restored {
		t.Error("restored = false, want the retired session's snapshot folded in")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	// The old loop is gone.
	if _, err := first.View(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("old session View err = %v, want ErrSessionClosed", err)
	}

	// The replacement rehydrated the watchlist and resubscribed.
	v := mustView(t, second)
	if len(v.Watchlist) != 1 || v.Watchlist[0].Instrument.Token != "2885" {
		t.Errorf("restored watchlist = %+v", v.Watchlist)
	}
	f.mu.Lock()
	dropped := len(f.dropped)
	f.mu.Unlock()
	if dropped != 1 {
		t.Errorf("DropSession calls = %d, want 1 for the retired session", dropped)
	}
}

func TestLogoutDeletesSnapshot(t *testing.T) {
	mem := store.NewMemory()
	r, f, _ := newTestRegistry(t, mem)
	ctx := context.Background()

	s, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAdd(t, s, reliance)

	bs, err := r.Logout(ctx, s.ID())
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if bs == nil || bs.ClientCode != "A100" {
		t.Errorf("Logout broker session = %+v", bs)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
	if got := mem.Len(); got != 0 {
		t.Errorf("store Len = %d, want snapshot deleted", got)
	}
	f.mu.Lock()
	dropped := append([]string(nil), f.dropped...)
	f.mu.Unlock()
	if len(dropped) != 1 || dropped[0] != s.ID() {
		t.Errorf("DropSession calls = %v", dropped)
	}

	if _, err := r.Logout(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Logout err = %v, want ErrSessionNotFound", err)
	}
}

func TestStopPersistsAndLoginRestores(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	r1, _, _ := newTestRegistry(t, mem)
	s, _, err := r1.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAdd(t, s, reliance)
	mustAdd(t, s, tcs)
	if _, err := s.ManualTrade(ctx, reliance, "BUY", 10, 2500); err != nil {
		t.Fatalf("ManualTrade: %v", err)
	}
	if err := r1.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := mem.Len(); got != 1 {
		t.Fatalf("store Len after Stop = %d, want 1", got)
	}

	// A new process logs the user back in and picks up where they left off.
	r2, f2, _ := newTestRegistry(t, mem)
	s2, restored, err := r2.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login after restart: %v", err)
	}
	if !restored {
		t.Fatal("restored = false after restart")
	}

	v := mustView(t, s2)
	if len(v.Watchlist) != 2 {
		t.Errorf("restored watchlist len = %d, want 2", len(v.Watchlist))
	}
	if len(v.Trades) != 1 || v.Trades[0].Status != "OPEN" {
		t.Errorf("restored trades = %+v, want the open position back", v.Trades)
	}

	// The whole restored watchlist went out as one subscribe delta.
	f2.mu.Lock()
	calls, keys := f2.subCalls, len(f2.subs)
	f2.mu.Unlock()
	if calls != 1 || keys != 2 {
		t.Errorf("subscribe calls = %d with %d keys, want 1 call with 2 keys", calls, keys)
	}
}

func TestResolveRehydratesFromSnapshot(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	r1, _, _ := newTestRegistry(t, mem)
	s, _, err := r1.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAdd(t, s, reliance)
	staleID := s.ID()
	if err := r1.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	r2, _, _ := newTestRegistry(t, mem)

	// The browser reconnects with the dead process's session id.
	info, err := r2.Resolve(ctx, staleID, "A100")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !info.Restored {
		t.Error("Restored = false, want rehydration")
	}
	if info.SessionID == staleID {
		t.Error("rehydrated session kept the stale id")
	}
	live, ok := r2.Get(info.SessionID)
	if !ok {
		t.Fatal("rehydrated session not live")
	}
	if got := mustView(t, live); len(got.Watchlist) != 1 {
		t.Errorf("rehydrated watchlist = %+v", got.Watchlist)
	}

	// A second stale id for the same user lands on the live session
	// instead of spawning another.
	again, err := r2.Resolve(ctx, "some-other-stale-id", "A100")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again.SessionID != info.SessionID || again.Restored {
		t.Errorf("second Resolve = %+v, want the live session without restore", again)
	}
	if got := r2.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	// No identity, no snapshot: nothing to bind.
	if _, err := r2.Resolve(ctx, "unknown", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resolve without user err = %v, want ErrSessionNotFound", err)
	}
}

func TestDispatchTickRoutesBySessionID(t *testing.T) {
	r, _, _ := newTestRegistry(t, store.NewMemory())
	ctx := context.Background()

	s1, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login A100: %v", err)
	}
	s2, _, err := r.Login(ctx, brokerSession("B200"))
	if err != nil {
		t.Fatalf("Login B200: %v", err)
	}
	mustAdd(t, s1, reliance)
	mustAdd(t, s2, reliance)

	r.DispatchTick([]string{s1.ID()}, tickAt(reliance, 2501))
	waitFor(t, time.Second, seenLTP(t, s1, reliance, 2501))

	if got := mustView(t, s2).Marks[reliance.Key()]; got != 0 {
		t.Errorf("unsubscribed session saw LTP %v", got)
	}

	// Unknown ids are skipped without fuss.
	r.DispatchTick([]string{"gone"}, tickAt(reliance, 2502))
}

func TestFeedCredentialsFollowLogins(t *testing.T) {
	r, _, _ := newTestRegistry(t, store.NewMemory())
	ctx := context.Background()

	if _, err := r.FeedCredentials(); !errors.Is(err, feed.ErrNoCredentials) {
		t.Fatalf("empty registry err = %v, want ErrNoCredentials", err)
	}

	s, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	creds, err := r.FeedCredentials()
	if err != nil {
		t.Fatalf("FeedCredentials: %v", err)
	}
	if creds.JWT != "jwt-A100" || creds.FeedToken != "feed-A100" || creds.ClientCode != "A100" {
		t.Errorf("creds = %+v", creds)
	}

	// Renewed tokens take over immediately.
	renewed := brokerSession("A100")
	renewed.Tokens.JWT = "jwt-renewed"
	if err := r.UpdateBroker(ctx, s.ID(), renewed); err != nil {
		t.Fatalf("UpdateBroker: %v", err)
	}
	creds, err = r.FeedCredentials()
	if err != nil {
		t.Fatalf("FeedCredentials after renew: %v", err)
	}
	if creds.JWT != "jwt-renewed" {
		t.Errorf("JWT = %q, want renewed token", creds.JWT)
	}
	if bs, ok := r.BrokerSession(s.ID()); !ok || bs.Tokens.JWT != "jwt-renewed" {
		t.Errorf("BrokerSession = %+v ok=%v", bs, ok)
	}

	if _, err := r.Logout(ctx, s.ID()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := r.FeedCredentials(); !errors.Is(err, feed.ErrNoCredentials) {
		t.Errorf("post-logout err = %v, want ErrNoCredentials", err)
	}
}

func TestEncodeSnapshotForFlush(t *testing.T) {
	r, _, _ := newTestRegistry(t, store.NewMemory())
	ctx := context.Background()

	s, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAdd(t, s, reliance)

	data, err := r.EncodeSnapshot(ctx, "A100")
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decodeSnapshot: %v", err)
	}
	if snap.UserID != "A100" || len(snap.Watchlist) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Broker == nil || snap.Broker.Tokens.Feed != "feed-A100" {
		t.Errorf("snapshot broker = %+v", snap.Broker)
	}

	if _, err := r.EncodeSnapshot(ctx, "nobody"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown user err = %v, want ErrSessionNotFound", err)
	}
}

func TestEvictIdlePersistsSnapshot(t *testing.T) {
	mem := store.NewMemory()
	r, f, clk := newTestRegistry(t, mem)
	ctx := context.Background()

	s, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mustAdd(t, s, reliance)

	// Still fresh: nothing to do.
	if n := r.evictIdle(ctx); n != 0 {
		t.Fatalf("evictIdle on fresh session = %d, want 0", n)
	}

	clk.Advance(11 * time.Minute)
	if n := r.evictIdle(ctx); n != 1 {
		t.Fatalf("evictIdle = %d, want 1", n)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
	if got := mem.Len(); got != 1 {
		t.Errorf("store Len = %d, want the idle snapshot kept", got)
	}
	f.mu.Lock()
	dropped := len(f.dropped)
	f.mu.Unlock()
	if dropped != 1 {
		t.Errorf("DropSession calls = %d, want 1", dropped)
	}
}

func TestEvictIdleSkipsBoundSessions(t *testing.T) {
	r, _, clk := newTestRegistry(t, store.NewMemory())
	ctx := context.Background()

	s, _, err := r.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.Bind(ctx, &senderStub{}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	clk.Advance(time.Hour)
	if n := r.evictIdle(ctx); n != 0 {
		t.Errorf("evictIdle = %d, want bound session kept", n)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestPeek(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	r1, _, _ := newTestRegistry(t, mem)
	s, _, err := r1.Login(ctx, brokerSession("A100"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if live, restorable := r1.Peek(ctx, s.ID(), "A100"); !live || !restorable {
		t.Errorf("Peek(live) = %v,%v, want true,true", live, restorable)
	}
	if err := r1.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	r2, _, _ := newTestRegistry(t, mem)
	if live, restorable := r2.Peek(ctx, s.ID(), "A100"); live || !restorable {
		t.Errorf("Peek(snapshot) = %v,%v, want false,true", live, restorable)
	}
	if live, restorable := r2.Peek(ctx, "unknown", "nobody"); live || restorable {
		t.Errorf("Peek(nothing) = %v,%v, want false,false", live, restorable)
	}
}
