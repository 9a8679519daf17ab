package session

import (
	"context"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/stream"
)

// command is one unit of work for a session loop. The loop applies
// commands strictly in arrival order; that single consumer is the only
// concurrency control session state needs.
type command interface {
	name() string
}

// reply carries a command's outcome back to its submitter. Every resp
// channel is buffered for exactly one reply, so handlers never block on
// an abandoned caller.
type reply[T any] struct {
	val T
	err error
}

func respond[T any](ch chan<- reply[T], val T, err error) {
	ch <- reply[T]{val: val, err: err}
}

// enqueue offers the command to the loop without blocking. A full queue
// is the session's backpressure signal.
func (s *Session) enqueue(c command) error {
	if s.quarantined.Load() {
		return ErrQuarantined
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.touch()
	select {
	case s.commands <- c:
		return nil
	default:
		if s.d.m != nil {
			s.d.m.CommandOverflows.Inc()
		}
		return ErrBusy
	}
}

// submit enqueues the command and waits for its reply, the session's
// end, or the caller's deadline.
func submit[T any](ctx context.Context, s *Session, c command, resp <-chan reply[T]) (T, error) {
	var zero T
	if err := s.enqueue(c); err != nil {
		return zero, err
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-s.done:
		return zero, ErrSessionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type cmdAddWatch struct {
	inst model.Instrument
	ltp  float64
	resp chan reply[model.WatchlistItem]
}

type cmdRemoveWatch struct {
	key  model.InstrumentKey
	resp chan reply[struct{}]
}

type cmdSetRefDate struct {
	date string
	resp chan reply[struct{}]
}

type cmdUpdateOHLC struct {
	key  model.InstrumentKey
	ohlc model.DayOHLC
	resp chan reply[model.WatchlistItem]
}

type cmdCreateAlert struct {
	inst  model.Instrument
	cond  model.AlertCondition
	price float64
	resp  chan reply[model.Alert]
}

type cmdDeleteAlert struct {
	id   string
	resp chan reply[struct{}]
}

type cmdDeleteAlerts struct {
	ids  []string
	resp chan reply[int]
}

type cmdClearAlerts struct {
	resp chan reply[int]
}

type cmdPauseAlerts struct {
	paused bool
	resp   chan reply[bool]
}

type cmdGenerateAuto struct {
	inst   model.Instrument
	ohlc   model.DayOHLC
	levels []model.Level
	resp   chan reply[[]model.Alert]
}

type cmdSetPaper struct {
	enabled bool
	resp    chan reply[bool]
}

type cmdSetBalance struct {
	amount float64
	resp   chan reply[float64]
}

type cmdSetStop struct {
	tradeID string
	price   float64
	resp    chan reply[model.PaperTrade]
}

type cmdSetTarget struct {
	tradeID string
	price   float64
	resp    chan reply[model.PaperTrade]
}

type cmdCloseTrade struct {
	tradeID string
	price   float64
	resp    chan reply[model.PaperTrade]
}

type cmdManualTrade struct {
	inst  model.Instrument
	side  model.Side
	qty   int64
	price float64
	resp  chan reply[model.PaperTrade]
}

type cmdClearTrades struct {
	resp chan reply[int]
}

type cmdBind struct {
	ch   stream.Sender
	resp chan reply[struct{}]
}

type cmdUnbind struct {
	ch    stream.Sender
	clean bool
}

type cmdUpdateBroker struct {
	bs   *broker.Session
	resp chan reply[struct{}]
}

type cmdSnapshot struct {
	resp chan reply[[]byte]
}

type cmdView struct {
	resp chan reply[View]
}

func (cmdAddWatch) name() string     { return "watchlist_add" }
func (cmdRemoveWatch) name() string  { return "watchlist_remove" }
func (cmdSetRefDate) name() string   { return "reference_date" }
func (cmdUpdateOHLC) name() string   { return "watchlist_refresh" }
func (cmdCreateAlert) name() string  { return "alert_create" }
func (cmdDeleteAlert) name() string  { return "alert_delete" }
func (cmdDeleteAlerts) name() string { return "alert_delete_many" }
func (cmdClearAlerts) name() string  { return "alert_clear" }
func (cmdPauseAlerts) name() string  { return "alert_pause" }
func (cmdGenerateAuto) name() string { return "alert_generate" }
func (cmdSetPaper) name() string     { return "paper_toggle" }
func (cmdSetBalance) name() string   { return "paper_balance" }
func (cmdSetStop) name() string      { return "paper_stop_loss" }
func (cmdSetTarget) name() string    { return "paper_target" }
func (cmdCloseTrade) name() string   { return "paper_close" }
func (cmdManualTrade) name() string  { return "paper_trade" }
func (cmdClearTrades) name() string  { return "paper_clear" }
func (cmdBind) name() string         { return "bind" }
func (cmdUnbind) name() string       { return "unbind" }
func (cmdUpdateBroker) name() string { return "broker_update" }
func (cmdSnapshot) name() string     { return "snapshot" }
func (cmdView) name() string         { return "view" }
