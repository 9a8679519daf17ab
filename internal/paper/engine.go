package paper

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/model"
)

var (
	// ErrNoBalance is returned when the wallet cannot fund any entry.
	ErrNoBalance = errors.New("virtual balance exhausted")

	// ErrPositionTooSmall is returned when the sized quantity is below one.
	ErrPositionTooSmall = errors.New("position size below one unit")

	// ErrAveragingDisabled is returned for a same-side signal on an open
	// position while averaging is off.
	ErrAveragingDisabled = errors.New("averaging is disabled")

	// ErrNoPrice is returned when no traded price is known for the
	// instrument.
	ErrNoPrice = errors.New("no price for instrument")
)

// ExitReason explains why the engine closed a position.
type ExitReason string

const (
	ExitStopLoss  ExitReason = "stop_loss"
	ExitTarget    ExitReason = "target"
	ExitSquareOff ExitReason = "square_off"
)

// Signal is one triggered alert considered for automatic entry.
type Signal struct {
	Instrument model.Instrument
	Kind       model.AlertKind
	Condition  model.AlertCondition
	Price      float64 // triggering ltp
}

// Outcome describes the book mutation produced by one entry signal.
type Outcome struct {
	Opened   *model.PaperTrade // new or averaged position
	Reversed *model.PaperTrade // opposite position closed by stop-and-reverse
	Averaged bool
}

// Exit is one position closed by a tick.
type Exit struct {
	Trade  model.PaperTrade
	Reason ExitReason
}

// Engine applies the entry and exit policy to a Book. It holds no
// per-session state and may be shared across sessions.
type Engine struct {
	breakout  bool    // invert the mean-reversion direction mapping
	cap       float64 // fraction of the wallet sizing each entry
	averaging bool
	squareOff bool
	clk       clock.Clock
	logger    *slog.Logger
}

// NewEngine builds the policy from configuration. The market timezone and
// square-off window come from the market config and are validated here.
func NewEngine(pcfg config.PaperConfig, mcfg config.MarketConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk, err := clock.New(clock.Config{
		Timezone:       mcfg.Timezone,
		SquareOffStart: mcfg.SquareOffStart,
		SquareOffEnd:   mcfg.SquareOffEnd,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		breakout:  pcfg.EntryStyle == "breakout",
		cap:       pcfg.PerTradeCap,
		averaging: pcfg.Averaging,
		squareOff: mcfg.AutoSquareOff,
		clk:       clk,
		logger:    logger.With("component", "paper"),
	}, nil
}

// DirectionFor maps a triggered alert to a trade side. Mean reversion bets
// against the move: support levels buy, resistance levels sell, and manual
// ABOVE alerts sell while BELOW alerts buy. Breakout style inverts all of
// it.
func (e *Engine) DirectionFor(kind model.AlertKind, cond model.AlertCondition) model.Side {
	var side model.Side
	if level, ok := kind.AutoLevel(); ok {
		side = model.SideSell
		if level.IsSupport() {
			side = model.SideBuy
		}
	} else {
		side = model.SideBuy
		if cond == model.ConditionAbove {
			side = model.SideSell
		}
	}
	if e.breakout {
		side = side.Opposite()
	}
	return side
}

// HandleSignal enters (or reverses) a position for one triggered alert.
func (e *Engine) HandleSignal(b *Book, sig Signal, now time.Time) (Outcome, error) {
	side := e.DirectionFor(sig.Kind, sig.Condition)
	return e.enter(b, sig.Instrument, side, sig.Price, 0, sig.Kind, now)
}

// ManualEntry opens a position on explicit user request. A zero quantity
// sizes the position from the wallet.
func (e *Engine) ManualEntry(b *Book, inst model.Instrument, side model.Side, price float64, qty int64, now time.Time) (Outcome, error) {
	return e.enter(b, inst, side, price, qty, model.KindManual, now)
}

func (e *Engine) enter(b *Book, inst model.Instrument, side model.Side, price float64, qty int64, trigger model.AlertKind, now time.Time) (Outcome, error) {
	if price <= 0 {
		return Outcome{}, ErrNoPrice
	}

	if open := b.findOpen(inst.Key()); open != nil {
		// Opposite signal: stop and reverse. The open position closes at
		// the signal price and no new position opens on this signal.
		if open.Side != side {
			closed := b.settle(open, price, now)
			e.logger.Info("stop and reverse",
				"symbol", inst.Symbol, "trade", closed.ID, "pnl", closed.RealizedPnL())
			return Outcome{Reversed: &closed}, nil
		}
		if !e.averaging {
			return Outcome{}, ErrAveragingDisabled
		}
		add, err := e.resolveQty(b.balance, price, qty)
		if err != nil {
			return Outcome{}, err
		}
		total := open.Quantity + add
		open.EntryPrice = model.RoundPrice(
			(open.EntryPrice*float64(open.Quantity) + price*float64(add)) / float64(total))
		open.Quantity = total
		open.Mode = model.ModeAveraged
		t := *open
		e.logger.Info("position averaged",
			"symbol", inst.Symbol, "trade", t.ID, "quantity", total, "entry", t.EntryPrice)
		return Outcome{Opened: &t, Averaged: true}, nil
	}

	want, err := e.resolveQty(b.balance, price, qty)
	if err != nil {
		return Outcome{}, err
	}
	t := model.PaperTrade{
		ID:           uuid.NewString(),
		Instrument:   inst,
		Side:         side,
		Quantity:     want,
		EntryPrice:   model.RoundPrice(price),
		Status:       model.TradeOpen,
		TriggerLevel: trigger,
		Mode:         model.ModeNew,
		OpenedAt:     now,
	}
	b.trades = append([]model.PaperTrade{t}, b.trades...)
	e.logger.Info("paper trade opened",
		"symbol", inst.Symbol, "side", side, "quantity", want, "entry", t.EntryPrice, "trigger", trigger)
	return Outcome{Opened: &t}, nil
}

// resolveQty validates an explicit quantity or sizes one from the wallet.
func (e *Engine) resolveQty(balance, price float64, qty int64) (int64, error) {
	if qty != 0 {
		if qty < 1 {
			return 0, ErrPositionTooSmall
		}
		return qty, nil
	}
	if balance <= 0 {
		return 0, ErrNoBalance
	}
	sized := int64(balance * e.cap / price)
	if sized < 1 {
		return 0, ErrPositionTooSmall
	}
	return sized, nil
}

// CheckExits closes any OPEN position on the instrument whose stop-loss or
// target the tick crossed, and every OPEN position on it during the
// square-off window when auto square-off is on.
func (e *Engine) CheckExits(b *Book, key model.InstrumentKey, ltp float64, now time.Time) []Exit {
	squareOff := e.squareOff && e.inSquareOffWindow(now)
	var exits []Exit
	for i := range b.trades {
		t := &b.trades[i]
		if t.Status != model.TradeOpen || t.Instrument.Key() != key {
			continue
		}
		reason, hit := exitReason(t, ltp)
		if !hit && squareOff {
			reason, hit = ExitSquareOff, true
		}
		if !hit {
			continue
		}
		closed := b.settle(t, ltp, now)
		e.logger.Info("paper trade closed",
			"symbol", closed.Instrument.Symbol, "reason", reason,
			"exit", closed.ExitPrice, "pnl", closed.RealizedPnL())
		exits = append(exits, Exit{Trade: closed, Reason: reason})
	}
	return exits
}

// exitReason reports whether the tick crossed the trade's stop-loss or
// target. BUY positions stop below and take profit above; SELL mirrors.
func exitReason(t *model.PaperTrade, ltp float64) (ExitReason, bool) {
	if t.Side == model.SideBuy {
		if t.StopLoss != nil && ltp <= *t.StopLoss {
			return ExitStopLoss, true
		}
		if t.Target != nil && ltp >= *t.Target {
			return ExitTarget, true
		}
		return "", false
	}
	if t.StopLoss != nil && ltp >= *t.StopLoss {
		return ExitStopLoss, true
	}
	if t.Target != nil && ltp <= *t.Target {
		return ExitTarget, true
	}
	return "", false
}

func (e *Engine) inSquareOffWindow(now time.Time) bool {
	return e.clk.InSquareOffWindow(now)
}
