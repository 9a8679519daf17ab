// Package session holds the per-user state machines at the heart of the
// server. Each Session owns one user's watchlist, alerts, alert log and
// paper book, and mutates them from a single goroutine fed by a bounded
// command queue; ticks arrive through a conflating per-instrument
// mailbox so the feed can never block on a slow session. The Registry
// indexes live sessions, rehydrates them from persisted snapshots, and
// is the glue between the upstream feed, the downstream channels and
// the snapshot store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/paper"
	"github.com/tickwatch/tickwatch/internal/stream"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown session or
	// user identities.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionClosed is returned for commands against a stopped session.
	ErrSessionClosed = errors.New("session: closed")

	// ErrBusy is returned when the command queue is full. The condition
	// is transient; callers should retry.
	ErrBusy = errors.New("session: command queue full")

	// ErrQuarantined is returned once a session has been isolated after
	// an internal fault. Only a fresh login clears it.
	ErrQuarantined = errors.New("session: quarantined")

	// ErrDuplicate is returned when adding an instrument already on the
	// watchlist.
	ErrDuplicate = errors.New("session: already in watchlist")

	// ErrWatchNotFound is returned when removing an instrument that is
	// not on the watchlist.
	ErrWatchNotFound = errors.New("session: instrument not in watchlist")

	// ErrAlertNotFound is returned for operations on unknown alert ids.
	ErrAlertNotFound = errors.New("session: alert not found")

	// ErrInvalid is returned for arguments that fail validation.
	ErrInvalid = errors.New("session: invalid argument")
)

// Fresh sessions start with one lakh of virtual cash.
const defaultVirtualBalance = 100_000

// Feed is the subscription surface a session drives as its watchlist
// changes. Implemented by the upstream feed client.
type Feed interface {
	Subscribe(sessionID string, keys []model.InstrumentKey)
	Unsubscribe(sessionID string, keys []model.InstrumentKey)
	DropSession(sessionID string)
}

// Dirtier receives write-behind marks for users whose durable state
// changed. Implemented by the snapshot flush worker.
type Dirtier interface {
	MarkDirty(userID string)
}

// deps bundles everything a session needs from its environment.
type deps struct {
	feed        Feed
	engine      *paper.Engine
	clk         clock.Clock
	dirty       Dirtier
	m           *metrics.Registry
	logger      *slog.Logger
	alertLogCap int
	queueCap    int
}

// Session is one user's state machine. All fields below the lifecycle
// block are owned by the run loop and never touched from outside it;
// the public methods funnel every read and write through the command
// queue.
type Session struct {
	id     string
	userID string
	d      deps

	commands chan command
	tickCh   chan struct{}
	inbox    *mailbox

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	lastSeen    atomic.Int64 // unix nanos of the last client command
	bound       atomic.Bool
	quarantined atomic.Bool

	// run-loop owned state
	broker    *broker.Session
	watchlist []model.WatchlistItem
	alerts    []model.Alert // creation order; evaluation order matters
	alertLog  []model.AlertLogEntry
	book      *paper.Book
	autoPaper bool
	paused    bool
	refDate   string // "", or "2006-01-02" overriding the previous day
	lastLTP   map[model.InstrumentKey]float64
	seenDay   string
	channel   stream.Sender
}

// newSession builds a session from an optional persisted snapshot. An
// explicit broker session (from a live login) wins over snapshot
// tokens. The caller starts the run loop.
func newSession(id, userID string, bs *broker.Session, snap *snapshot, d deps) *Session {
	if d.queueCap <= 0 {
		d.queueCap = 1024
	}
	if d.alertLogCap <= 0 {
		d.alertLogCap = 500
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	s := &Session{
		id:       id,
		userID:   userID,
		d:        d,
		commands: make(chan command, d.queueCap),
		tickCh:   make(chan struct{}, 1),
		inbox:    newMailbox(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		lastLTP:  make(map[model.InstrumentKey]float64),
		book:     paper.NewBook(defaultVirtualBalance),
	}

	if snap != nil {
		s.watchlist = append(s.watchlist, snap.Watchlist...)
		s.alerts = append(s.alerts, snap.Alerts...)
		s.alertLog = append(s.alertLog, snap.AlertLog...)
		s.book = paper.RestoreBook(snap.Trades, snap.VirtualBalance)
		s.autoPaper = snap.AutoPaperEnabled
		s.paused = snap.AlertsPaused
		s.refDate = snap.ReferenceDate
		if snap.Broker != nil {
			s.broker = snap.Broker.session()
		}
	}
	if bs != nil {
		s.broker = bs
	}

	s.touch()
	return s
}

// ID returns the session identity. Stable for the session's lifetime.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user's stable identity.
func (s *Session) UserID() string { return s.userID }

// LastSeen returns the time of the last client command.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Bound reports whether a downstream channel is currently attached.
func (s *Session) Bound() bool { return s.bound.Load() }

// Quarantined reports whether the session has been isolated.
func (s *Session) Quarantined() bool { return s.quarantined.Load() }

func (s *Session) touch() {
	s.lastSeen.Store(s.d.clk.Now().UnixNano())
}

// OfferTick delivers one price observation. Never blocks: the tick
// lands in the conflating mailbox and the loop drains it when it can.
func (s *Session) OfferTick(t model.Tick) {
	if s.quarantined.Load() {
		return
	}
	s.inbox.put(t)
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// stop asks the run loop to exit and waits for it.
func (s *Session) stop(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View is a consistent copy of the session state, taken on the loop.
type View struct {
	SessionID        string                          `json:"session_id"`
	UserID           string                          `json:"user_id"`
	Watchlist        []model.WatchlistItem           `json:"watchlist"`
	Alerts           []model.Alert                   `json:"alerts"`
	AlertLog         []model.AlertLogEntry           `json:"alert_log"`
	Trades           []model.PaperTrade              `json:"trades"`
	VirtualBalance   float64                         `json:"virtual_balance"`
	Paper            paper.Summary                   `json:"paper"`
	AutoPaperEnabled bool                            `json:"auto_paper_enabled"`
	AlertsPaused     bool                            `json:"alerts_paused"`
	ReferenceDate    string                          `json:"reference_date,omitempty"`
	Marks            map[model.InstrumentKey]float64 `json:"-"`
}

// View returns a copy of the whole session state.
func (s *Session) View(ctx context.Context) (View, error) {
	c := cmdView{resp: make(chan reply[View], 1)}
	return submit(ctx, s, c, c.resp)
}

// AddToWatchlist starts tracking an instrument and subscribes its
// token upstream. ltp seeds the display price; zero is fine.
func (s *Session) AddToWatchlist(ctx context.Context, inst model.Instrument, ltp float64) (model.WatchlistItem, error) {
	c := cmdAddWatch{inst: inst, ltp: ltp, resp: make(chan reply[model.WatchlistItem], 1)}
	return submit(ctx, s, c, c.resp)
}

// RemoveFromWatchlist drops an instrument, its alerts, and its upstream
// subscription. Open paper trades on the instrument are left alone.
func (s *Session) RemoveFromWatchlist(ctx context.Context, key model.InstrumentKey) error {
	c := cmdRemoveWatch{key: key, resp: make(chan reply[struct{}], 1)}
	_, err := submit(ctx, s, c, c.resp)
	return err
}

// UpdateOHLC replaces the reference-day candle on a watched instrument.
func (s *Session) UpdateOHLC(ctx context.Context, key model.InstrumentKey, ohlc model.DayOHLC) (model.WatchlistItem, error) {
	c := cmdUpdateOHLC{key: key, ohlc: ohlc, resp: make(chan reply[model.WatchlistItem], 1)}
	return submit(ctx, s, c, c.resp)
}

// SetReferenceDate overrides the day whose OHLC seeds auto alerts.
// Empty reverts to the previous trading day.
func (s *Session) SetReferenceDate(ctx context.Context, date string) error {
	c := cmdSetRefDate{date: date, resp: make(chan reply[struct{}], 1)}
	_, err := submit(ctx, s, c, c.resp)
	return err
}

// CreateAlert arms a manual price-crossing alert.
func (s *Session) CreateAlert(ctx context.Context, inst model.Instrument, cond model.AlertCondition, price float64) (model.Alert, error) {
	c := cmdCreateAlert{inst: inst, cond: cond, price: price, resp: make(chan reply[model.Alert], 1)}
	return submit(ctx, s, c, c.resp)
}

// DeleteAlert removes one alert by id.
func (s *Session) DeleteAlert(ctx context.Context, id string) error {
	c := cmdDeleteAlert{id: id, resp: make(chan reply[struct{}], 1)}
	_, err := submit(ctx, s, c, c.resp)
	return err
}

// DeleteAlerts removes a batch of alerts and reports how many existed.
func (s *Session) DeleteAlerts(ctx context.Context, ids []string) (int, error) {
	c := cmdDeleteAlerts{ids: ids, resp: make(chan reply[int], 1)}
	return submit(ctx, s, c, c.resp)
}

// ClearAlerts removes every alert and reports how many were dropped.
func (s *Session) ClearAlerts(ctx context.Context) (int, error) {
	c := cmdClearAlerts{resp: make(chan reply[int], 1)}
	return submit(ctx, s, c, c.resp)
}

// PauseAlerts suspends or resumes alert evaluation. While paused, ticks
// still refresh prices so resuming does not replay stale crossings.
func (s *Session) PauseAlerts(ctx context.Context, paused bool) (bool, error) {
	c := cmdPauseAlerts{paused: paused, resp: make(chan reply[bool], 1)}
	return submit(ctx, s, c, c.resp)
}

// GenerateAutoAlerts replaces the instrument's auto alerts with a fresh
// ladder computed from the given reference-day OHLC. Manual alerts are
// untouched.
func (s *Session) GenerateAutoAlerts(ctx context.Context, inst model.Instrument, ohlc model.DayOHLC, levels []model.Level) ([]model.Alert, error) {
	c := cmdGenerateAuto{inst: inst, ohlc: ohlc, levels: levels, resp: make(chan reply[[]model.Alert], 1)}
	return submit(ctx, s, c, c.resp)
}

// SetPaperEnabled toggles automatic paper entry on alert triggers.
func (s *Session) SetPaperEnabled(ctx context.Context, enabled bool) (bool, error) {
	c := cmdSetPaper{enabled: enabled, resp: make(chan reply[bool], 1)}
	return submit(ctx, s, c, c.resp)
}

// SetVirtualBalance resets the paper wallet.
func (s *Session) SetVirtualBalance(ctx context.Context, amount float64) (float64, error) {
	c := cmdSetBalance{amount: amount, resp: make(chan reply[float64], 1)}
	return submit(ctx, s, c, c.resp)
}

// SetStopLoss attaches a stop-loss to an open trade.
func (s *Session) SetStopLoss(ctx context.Context, tradeID string, price float64) (model.PaperTrade, error) {
	c := cmdSetStop{tradeID: tradeID, price: price, resp: make(chan reply[model.PaperTrade], 1)}
	return submit(ctx, s, c, c.resp)
}

// SetTarget attaches a profit target to an open trade.
func (s *Session) SetTarget(ctx context.Context, tradeID string, price float64) (model.PaperTrade, error) {
	c := cmdSetTarget{tradeID: tradeID, price: price, resp: make(chan reply[model.PaperTrade], 1)}
	return submit(ctx, s, c, c.resp)
}

// CloseTrade exits an open trade. Zero price closes at the last
// observed tick for the trade's instrument.
func (s *Session) CloseTrade(ctx context.Context, tradeID string, price float64) (model.PaperTrade, error) {
	c := cmdCloseTrade{tradeID: tradeID, price: price, resp: make(chan reply[model.PaperTrade], 1)}
	return submit(ctx, s, c, c.resp)
}

// ManualTrade opens a position on explicit user request. Zero quantity
// sizes from the wallet; zero price uses the last observed tick.
func (s *Session) ManualTrade(ctx context.Context, inst model.Instrument, side model.Side, qty int64, price float64) (model.PaperTrade, error) {
	c := cmdManualTrade{inst: inst, side: side, qty: qty, price: price, resp: make(chan reply[model.PaperTrade], 1)}
	return submit(ctx, s, c, c.resp)
}

// ClearTrades deletes closed trade history and reports the count.
func (s *Session) ClearTrades(ctx context.Context) (int, error) {
	c := cmdClearTrades{resp: make(chan reply[int], 1)}
	return submit(ctx, s, c, c.resp)
}

// Bind makes ch the session's push target, replacing any prior channel.
func (s *Session) Bind(ctx context.Context, ch stream.Sender) error {
	c := cmdBind{ch: ch, resp: make(chan reply[struct{}], 1)}
	_, err := submit(ctx, s, c, c.resp)
	return err
}

// Unbind detaches ch if it is still the bound channel. Fire-and-forget:
// a full queue only delays the detach until the channel is replaced.
func (s *Session) Unbind(ch stream.Sender, clean bool) {
	if err := s.enqueue(cmdUnbind{ch: ch, clean: clean}); err != nil {
		s.d.logger.Debug("unbind not delivered", "session_id", s.id, "error", err)
	}
}

// UpdateBroker swaps in renewed broker tokens.
func (s *Session) UpdateBroker(ctx context.Context, bs *broker.Session) error {
	c := cmdUpdateBroker{bs: bs, resp: make(chan reply[struct{}], 1)}
	_, err := submit(ctx, s, c, c.resp)
	return err
}

// EncodeSnapshot serializes the session's durable state. Used by the
// flush worker and at retirement.
func (s *Session) EncodeSnapshot(ctx context.Context) ([]byte, error) {
	c := cmdSnapshot{resp: make(chan reply[[]byte], 1)}
	return submit(ctx, s, c, c.resp)
}
