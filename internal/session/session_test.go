package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/paper"
	"github.com/tickwatch/tickwatch/internal/stream"
)

var (
	reliance = model.Instrument{Exchange: model.ExchangeNSE, Token: "2885", Symbol: "RELIANCE-EQ"}
	tcs      = model.Instrument{Exchange: model.ExchangeNSE, Token: "11536", Symbol: "TCS-EQ"}
)

func withClose(inst model.Instrument, c float64) model.Instrument {
	inst.OHLC = &model.DayOHLC{Date: "2026-08-24", Open: c, High: c + 10, Low: c - 10, Close: c}
	return inst
}

func tickAt(inst model.Instrument, ltp float64) model.Tick {
	return model.Tick{
		Exchange:   inst.Exchange,
		Token:      inst.Token,
		LTP:        ltp,
		ReceivedAt: time.Now(),
	}
}

func istTime(hour, min int) time.Time {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	return time.Date(2026, 8, 25, hour, min, 0, 0, loc)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// feedStub records subscription traffic.
type feedStub struct {
	mu       sync.Mutex
	subs     []model.InstrumentKey
	unsubs   []model.InstrumentKey
	subCalls int
	dropped  []string
}

func (f *feedStub) Subscribe(sessionID string, keys []model.InstrumentKey) {
	f.mu.Lock()
	f.subs = append(f.subs, keys...)
	f.subCalls++
	f.mu.Unlock()
}

func (f *feedStub) Unsubscribe(sessionID string, keys []model.InstrumentKey) {
	f.mu.Lock()
	f.unsubs = append(f.unsubs, keys...)
	f.mu.Unlock()
}

func (f *feedStub) DropSession(sessionID string) {
	f.mu.Lock()
	f.dropped = append(f.dropped, sessionID)
	f.mu.Unlock()
}

func (f *feedStub) subscribed() []model.InstrumentKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InstrumentKey(nil), f.subs...)
}

func (f *feedStub) unsubscribed() []model.InstrumentKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InstrumentKey(nil), f.unsubs...)
}

// senderStub is an in-memory downstream channel.
type senderStub struct {
	mu     sync.Mutex
	frames []stream.ServerMessage
	closed bool
	code   int
}

func (c *senderStub) TrySend(msg stream.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, msg)
	return true
}

func (c *senderStub) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
	}
}

func (c *senderStub) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

// tradeUpdates returns the trade_update frames seen so far.
func (c *senderStub) tradeUpdates() []stream.TradeUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stream.TradeUpdate
	for _, f := range c.frames {
		if tu, ok := f.(stream.TradeUpdate); ok {
			out = append(out, tu)
		}
	}
	return out
}

func (c *senderStub) alertFrames() []stream.AlertTriggered {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stream.AlertTriggered
	for _, f := range c.frames {
		if at, ok := f.(stream.AlertTriggered); ok {
			out = append(out, at)
		}
	}
	return out
}

func testEngine(t *testing.T) *paper.Engine {
	t.Helper()
	e, err := paper.NewEngine(
		config.PaperConfig{PerTradeCap: 1.0, EntryStyle: "mean_reversion"},
		config.MarketConfig{
			Timezone:       "Asia/Kolkata",
			SquareOffStart: "15:15",
			SquareOffEnd:   "15:29",
			AutoSquareOff:  true,
		},
		discardLogger(),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func testDeps(t *testing.T, f Feed) deps {
	t.Helper()
	return deps{
		feed:        f,
		engine:      testEngine(t),
		clk:         clock.NewFake(clock.DefaultConfig(), istTime(10, 0)),
		logger:      discardLogger(),
		alertLogCap: 500,
		queueCap:    64,
	}
}

// startSession builds and runs a fresh session against stub deps.
func startSession(t *testing.T, mutate ...func(*deps)) (*Session, *feedStub, *clock.Fake) {
	t.Helper()
	f := &feedStub{}
	d := testDeps(t, f)
	for _, fn := range mutate {
		fn(&d)
	}
	s := newSession("sess-1", "U100", nil, nil, d)
	go s.run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.stop(ctx)
	})
	return s, f, d.clk.(*clock.Fake)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// seenLTP reports whether the session has observed ltp for the token.
func seenLTP(t *testing.T, s *Session, inst model.Instrument, ltp float64) func() bool {
	t.Helper()
	return func() bool {
		v, err := s.View(context.Background())
		if err != nil {
			return false
		}
		return v.Marks[inst.Key()] == ltp
	}
}

func mustAdd(t *testing.T, s *Session, inst model.Instrument) {
	t.Helper()
	if _, err := s.AddToWatchlist(context.Background(), inst, 0); err != nil {
		t.Fatalf("AddToWatchlist(%s): %v", inst.Symbol, err)
	}
}

func mustView(t *testing.T, s *Session) View {
	t.Helper()
	v, err := s.View(context.Background())
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return v
}

func TestAddToWatchlist(t *testing.T) {
	s, f, _ := startSession(t)
	ctx := context.Background()

	item, err := s.AddToWatchlist(ctx, reliance, 2500)
	if err != nil {
		t.Fatalf("AddToWatchlist: %v", err)
	}
	if item.Instrument.Token != "2885" || item.LTP != 2500 {
		t.Errorf("item = %+v", item)
	}

	if _, err := s.AddToWatchlist(ctx, reliance, 0); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate add err = %v, want ErrDuplicate", err)
	}

	v := mustView(t, s)
	if len(v.Watchlist) != 1 {
		t.Fatalf("watchlist len = %d, want 1", len(v.Watchlist))
	}
	subs := f.subscribed()
	if len(subs) != 1 || subs[0] != reliance.Key() {
		t.Errorf("subscribe deltas = %v, want [%v]", subs, reliance.Key())
	}
}

func TestRemoveFromWatchlistDropsAlertsAndSubscription(t *testing.T) {
	s, f, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	mustAdd(t, s, tcs)
	if _, err := s.CreateAlert(ctx, reliance, model.ConditionAbove, 2500); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if _, err := s.CreateAlert(ctx, tcs, model.ConditionBelow, 3000); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	if err := s.RemoveFromWatchlist(ctx, reliance.Key()); err != nil {
		t.Fatalf("RemoveFromWatchlist: %v", err)
	}

	v := mustView(t, s)
	if len(v.Watchlist) != 1 || v.Watchlist[0].Instrument.Token != "11536" {
		t.Errorf("watchlist = %+v", v.Watchlist)
	}
	if len(v.Alerts) != 1 || v.Alerts[0].Instrument.Token != "11536" {
		t.Errorf("alerts = %+v, want only the TCS alert", v.Alerts)
	}
	unsubs := f.unsubscribed()
	if len(unsubs) != 1 || unsubs[0] != reliance.Key() {
		t.Errorf("unsubscribe deltas = %v", unsubs)
	}

	if err := s.RemoveFromWatchlist(ctx, reliance.Key()); !errors.Is(err, ErrWatchNotFound) {
		t.Errorf("second remove err = %v, want ErrWatchNotFound", err)
	}
}

func TestEdgeTriggeredAlertFiresOnce(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	ch := &senderStub{}
	if err := s.Bind(ctx, ch); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	a, err := s.CreateAlert(ctx, reliance, model.ConditionAbove, 2500)
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	// Baseline below the level, then a crossing tick.
	s.OfferTick(tickAt(reliance, 2498))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2498))
	s.OfferTick(tickAt(reliance, 2501))
	waitFor(t, time.Second, func() bool { return len(ch.alertFrames()) == 1 })

	v := mustView(t, s)
	if len(v.AlertLog) != 1 {
		t.Fatalf("alert log len = %d, want 1", len(v.AlertLog))
	}
	if v.AlertLog[0].Alert.ID != a.ID || v.AlertLog[0].PriceObserved != 2501 {
		t.Errorf("log entry = %+v", v.AlertLog[0])
	}
	if len(v.Alerts) != 0 {
		t.Errorf("alerts still armed: %+v", v.Alerts)
	}

	// Staying above the level must not fire again.
	s.OfferTick(tickAt(reliance, 2502))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2502))
	if got := len(mustView(t, s).AlertLog); got != 1 {
		t.Errorf("alert log len after second tick = %d, want 1", got)
	}
}

func TestFirstTickSeedsFromReferenceClose(t *testing.T) {
	t.Run("gap across level fires", func(t *testing.T) {
		s, _, _ := startSession(t)
		ctx := context.Background()

		mustAdd(t, s, withClose(reliance, 2490))
		if _, err := s.CreateAlert(ctx, reliance, model.ConditionAbove, 2500); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}

		s.OfferTick(tickAt(reliance, 2510))
		waitFor(t, time.Second, func() bool { return len(mustView(t, s).AlertLog) == 1 })
	})

	t.Run("no close means first tick is baseline", func(t *testing.T) {
		s, _, _ := startSession(t)
		ctx := context.Background()

		mustAdd(t, s, reliance)
		if _, err := s.CreateAlert(ctx, reliance, model.ConditionAbove, 2500); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}

		s.OfferTick(tickAt(reliance, 2510))
		waitFor(t, time.Second, seenLTP(t, s, reliance, 2510))
		if got := len(mustView(t, s).AlertLog); got != 0 {
			t.Errorf("alert log len = %d, want 0", got)
		}
	})
}

func TestPausedAlertsKeepTrackingPrice(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	if _, err := s.CreateAlert(ctx, reliance, model.ConditionAbove, 2500); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	s.OfferTick(tickAt(reliance, 2498))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2498))

	if _, err := s.PauseAlerts(ctx, true); err != nil {
		t.Fatalf("PauseAlerts: %v", err)
	}

	// The crossing happens while paused: no trigger, but the price
	// observation advances.
	s.OfferTick(tickAt(reliance, 2501))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2501))

	if _, err := s.PauseAlerts(ctx, false); err != nil {
		t.Fatalf("PauseAlerts: %v", err)
	}

	// Already past the level; resuming must not replay the crossing.
	s.OfferTick(tickAt(reliance, 2502))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2502))

	v := mustView(t, s)
	if len(v.AlertLog) != 0 {
		t.Errorf("alert log = %+v, want empty", v.AlertLog)
	}
	if len(v.Alerts) != 1 {
		t.Errorf("alerts = %+v, want the alert still armed", v.Alerts)
	}
}

func TestAutoPaperEntryOnTrigger(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	ch := &senderStub{}
	if err := s.Bind(ctx, ch); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := s.SetPaperEnabled(ctx, true); err != nil {
		t.Fatalf("SetPaperEnabled: %v", err)
	}
	if _, err := s.CreateAlert(ctx, reliance, model.ConditionBelow, 2450); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	s.OfferTick(tickAt(reliance, 2460))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2460))
	s.OfferTick(tickAt(reliance, 2445))
	waitFor(t, time.Second, func() bool { return len(mustView(t, s).Trades) == 1 })

	v := mustView(t, s)
	tr := v.Trades[0]
	if tr.Side != model.SideBuy {
		t.Errorf("Side = %s, want BUY (manual BELOW buys under mean reversion)", tr.Side)
	}
	if tr.EntryPrice != 2445 || tr.Status != model.TradeOpen {
		t.Errorf("trade = %+v", tr)
	}
	if v.VirtualBalance != defaultVirtualBalance {
		t.Errorf("balance = %v, want untouched %v", v.VirtualBalance, defaultVirtualBalance)
	}
	if len(ch.tradeUpdates()) == 0 {
		t.Error("no trade_update frame pushed")
	}
}

func TestStopLossExitOnTick(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	tr, err := s.ManualTrade(ctx, reliance, model.SideBuy, 10, 2500)
	if err != nil {
		t.Fatalf("ManualTrade: %v", err)
	}
	if _, err := s.SetStopLoss(ctx, tr.ID, 2490); err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}

	s.OfferTick(tickAt(reliance, 2485))
	waitFor(t, time.Second, func() bool {
		v := mustView(t, s)
		return len(v.Trades) == 1 && v.Trades[0].Status == model.TradeClosed
	})

	v := mustView(t, s)
	if v.Trades[0].ExitPrice != 2485 {
		t.Errorf("ExitPrice = %v, want 2485", v.Trades[0].ExitPrice)
	}
	if v.VirtualBalance != defaultVirtualBalance-150 {
		t.Errorf("balance = %v, want %v", v.VirtualBalance, defaultVirtualBalance-150)
	}
}

func TestSquareOffClosesOpenTrades(t *testing.T) {
	s, _, clk := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	if _, err := s.ManualTrade(ctx, reliance, model.SideBuy, 10, 2500); err != nil {
		t.Fatalf("ManualTrade: %v", err)
	}

	clk.Set(istTime(15, 20))
	s.OfferTick(tickAt(reliance, 2510))
	waitFor(t, time.Second, func() bool {
		v := mustView(t, s)
		return len(v.Trades) == 1 && v.Trades[0].Status == model.TradeClosed
	})

	v := mustView(t, s)
	if v.Trades[0].ExitPrice != 2510 {
		t.Errorf("ExitPrice = %v, want 2510", v.Trades[0].ExitPrice)
	}
	if got := v.Trades[0].RealizedPnL(); got != 100 {
		t.Errorf("RealizedPnL = %v, want 100", got)
	}
	if v.VirtualBalance != defaultVirtualBalance+100 {
		t.Errorf("balance = %v, want %v", v.VirtualBalance, defaultVirtualBalance+100)
	}
}

func TestGenerateAutoAlertsReplacesLadder(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	inst := withClose(reliance, 105)
	ohlc := model.DayOHLC{Date: "2026-08-24", Open: 104, High: 110, Low: 100, Close: 105}

	first, err := s.GenerateAutoAlerts(ctx, inst, ohlc, nil)
	if err != nil {
		t.Fatalf("GenerateAutoAlerts: %v", err)
	}
	if len(first) != 14 {
		t.Fatalf("generated %d alerts, want 14", len(first))
	}

	if _, err := s.CreateAlert(ctx, inst, model.ConditionAbove, 120); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	// Regeneration is idempotent in count: the ladder is replaced, the
	// manual alert survives.
	second, err := s.GenerateAutoAlerts(ctx, inst, ohlc, nil)
	if err != nil {
		t.Fatalf("GenerateAutoAlerts again: %v", err)
	}
	if len(second) != 14 {
		t.Fatalf("regenerated %d alerts, want 14", len(second))
	}

	v := mustView(t, s)
	auto, manual := 0, 0
	for _, a := range v.Alerts {
		if a.Kind.IsAuto() {
			auto++
		} else {
			manual++
		}
	}
	if auto != 14 || manual != 1 {
		t.Errorf("alerts = %d auto + %d manual, want 14 + 1", auto, manual)
	}

	if _, err := s.GenerateAutoAlerts(ctx, inst, model.DayOHLC{}, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty ohlc err = %v, want ErrInvalid", err)
	}
}

func TestTradeAtLastObservedPrice(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)

	// No tick seen yet: nothing to price the entry with.
	if _, err := s.ManualTrade(ctx, reliance, model.SideBuy, 5, 0); !errors.Is(err, paper.ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}

	s.OfferTick(tickAt(reliance, 2500))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2500))

	tr, err := s.ManualTrade(ctx, reliance, model.SideBuy, 5, 0)
	if err != nil {
		t.Fatalf("ManualTrade: %v", err)
	}
	if tr.EntryPrice != 2500 {
		t.Errorf("EntryPrice = %v, want last tick 2500", tr.EntryPrice)
	}

	s.OfferTick(tickAt(reliance, 2510))
	waitFor(t, time.Second, seenLTP(t, s, reliance, 2510))

	closed, err := s.CloseTrade(ctx, tr.ID, 0)
	if err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	if closed.ExitPrice != 2510 {
		t.Errorf("ExitPrice = %v, want 2510", closed.ExitPrice)
	}
}

func TestBindReplaysTradesAndSupersedes(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	mustAdd(t, s, reliance)
	if _, err := s.ManualTrade(ctx, reliance, model.SideBuy, 10, 2500); err != nil {
		t.Fatalf("ManualTrade: %v", err)
	}

	before := mustView(t, s)

	c1 := &senderStub{}
	if err := s.Bind(ctx, c1); err != nil {
		t.Fatalf("Bind c1: %v", err)
	}
	if got := c1.tradeUpdates(); len(got) != 1 || len(got[0].Trades) != 1 {
		t.Fatalf("c1 replay = %+v, want one trade_update with the open trade", got)
	}

	// Clean close and rebind: state must be unchanged and the new
	// channel gets its own replay.
	s.Unbind(c1, true)
	c2 := &senderStub{}
	if err := s.Bind(ctx, c2); err != nil {
		t.Fatalf("Bind c2: %v", err)
	}
	if got := len(c2.tradeUpdates()); got != 1 {
		t.Fatalf("c2 trade_updates = %d, want 1", got)
	}

	after := mustView(t, s)
	if len(after.Watchlist) != len(before.Watchlist) ||
		len(after.Trades) != len(before.Trades) ||
		after.VirtualBalance != before.VirtualBalance {
		t.Errorf("state changed across rebind: before=%+v after=%+v", before, after)
	}

	// A third bind while c2 is live supersedes it.
	c3 := &senderStub{}
	if err := s.Bind(ctx, c3); err != nil {
		t.Fatalf("Bind c3: %v", err)
	}
	closed, code := c2.closedWith()
	if !closed || code != stream.CloseNormal {
		t.Errorf("c2 closed=%v code=%d, want clean supersede", closed, code)
	}
}

func TestCommandQueueOverflow(t *testing.T) {
	f := &feedStub{}
	d := testDeps(t, f)
	d.queueCap = 2
	// The loop is deliberately not started: the queue can only fill.
	s := newSession("sess-stall", "U100", nil, nil, d)

	if err := s.enqueue(cmdClearTrades{resp: make(chan reply[int], 1)}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.enqueue(cmdClearTrades{resp: make(chan reply[int], 1)}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := s.enqueue(cmdClearTrades{resp: make(chan reply[int], 1)}); !errors.Is(err, ErrBusy) {
		t.Errorf("third enqueue err = %v, want ErrBusy", err)
	}
}

func TestCommandsAfterStop(t *testing.T) {
	s, _, _ := startSession(t)
	ctx := context.Background()

	if err := s.stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := s.AddToWatchlist(ctx, reliance, 0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestQuarantineOnLoopFault(t *testing.T) {
	s, _, _ := startSession(t, func(d *deps) {
		d.engine = nil // any paper command now faults the loop
	})
	ctx := context.Background()

	ch := &senderStub{}
	if err := s.Bind(ctx, ch); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if _, err := s.ManualTrade(ctx, reliance, model.SideBuy, 1, 100); err == nil {
		t.Fatal("ManualTrade on faulting session succeeded")
	}

	waitFor(t, time.Second, s.Quarantined)

	if _, err := s.View(ctx); !errors.Is(err, ErrQuarantined) {
		t.Errorf("View err = %v, want ErrQuarantined", err)
	}
	closed, code := ch.closedWith()
	if !closed || code != stream.CloseQuarantined {
		t.Errorf("channel closed=%v code=%d, want quarantine close", closed, code)
	}
}

func TestAlertLogCap(t *testing.T) {
	s, _, _ := startSession(t, func(d *deps) {
		d.alertLogCap = 3
	})
	ctx := context.Background()

	mustAdd(t, s, reliance)

	for i := 0; i < 5; i++ {
		level := 2500 + float64(i*10)
		if _, err := s.CreateAlert(ctx, reliance, model.ConditionAbove, level); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
		below := level - 2
		above := level + 2
		s.OfferTick(tickAt(reliance, below))
		waitFor(t, time.Second, seenLTP(t, s, reliance, below))
		s.OfferTick(tickAt(reliance, above))
		waitFor(t, time.Second, seenLTP(t, s, reliance, above))
	}

	v := mustView(t, s)
	if len(v.AlertLog) != 3 {
		t.Fatalf("alert log len = %d, want cap 3", len(v.AlertLog))
	}
	// Oldest entries fell off; the newest survives.
	last := v.AlertLog[len(v.AlertLog)-1]
	if last.Alert.Price != 2540 {
		t.Errorf("newest log level = %v, want 2540", last.Alert.Price)
	}
}
