package paper

import (
	"errors"
	"time"

	"github.com/tickwatch/tickwatch/internal/model"
)

var (
	// ErrTradeNotFound is returned when no trade carries the given ID.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrTradeNotOpen is returned when a mutation targets a CLOSED trade.
	ErrTradeNotOpen = errors.New("trade is not open")

	// ErrNegativeBalance is returned when a balance reset goes below zero.
	ErrNegativeBalance = errors.New("balance must not be negative")
)

// Book holds one session's simulated positions and virtual wallet.
// Trades are kept newest first. CLOSED trades are immutable history.
type Book struct {
	trades  []model.PaperTrade
	balance float64
}

// NewBook returns an empty book with the given starting balance.
func NewBook(balance float64) *Book {
	return &Book{balance: balance}
}

// RestoreBook rebuilds a book from snapshot state. The trade slice is
// copied; the caller keeps ownership of its argument.
func RestoreBook(trades []model.PaperTrade, balance float64) *Book {
	b := &Book{balance: balance}
	if len(trades) > 0 {
		b.trades = make([]model.PaperTrade, len(trades))
		copy(b.trades, trades)
	}
	return b
}

// Balance returns the current virtual wallet balance.
func (b *Book) Balance() float64 {
	return b.balance
}

// SetBalance resets the virtual wallet.
func (b *Book) SetBalance(v float64) error {
	if v < 0 {
		return ErrNegativeBalance
	}
	b.balance = v
	return nil
}

// Trades returns a copy of all trades, newest first.
func (b *Book) Trades() []model.PaperTrade {
	out := make([]model.PaperTrade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Get returns the trade with the given ID.
func (b *Book) Get(id string) (model.PaperTrade, bool) {
	for _, t := range b.trades {
		if t.ID == id {
			return t, true
		}
	}
	return model.PaperTrade{}, false
}

// OpenCount returns the number of OPEN trades.
func (b *Book) OpenCount() int {
	n := 0
	for _, t := range b.trades {
		if t.Status == model.TradeOpen {
			n++
		}
	}
	return n
}

// findOpen returns a pointer to the OPEN trade on the given instrument,
// or nil. At most one OPEN trade exists per instrument.
func (b *Book) findOpen(key model.InstrumentKey) *model.PaperTrade {
	for i := range b.trades {
		if b.trades[i].Status == model.TradeOpen && b.trades[i].Instrument.Key() == key {
			return &b.trades[i]
		}
	}
	return nil
}

// Close settles the trade at the given price, credits the realized profit
// to the wallet, and returns the closed trade.
func (b *Book) Close(id string, price float64, now time.Time) (model.PaperTrade, error) {
	for i := range b.trades {
		if b.trades[i].ID != id {
			continue
		}
		if b.trades[i].Status != model.TradeOpen {
			return model.PaperTrade{}, ErrTradeNotOpen
		}
		return b.settle(&b.trades[i], price, now), nil
	}
	return model.PaperTrade{}, ErrTradeNotFound
}

// settle marks an OPEN trade CLOSED at the given price and credits its
// realized profit to the wallet.
func (b *Book) settle(t *model.PaperTrade, price float64, now time.Time) model.PaperTrade {
	t.ExitPrice = model.RoundPrice(price)
	t.Status = model.TradeClosed
	t.ClosedAt = now
	b.balance += t.RealizedPnL()
	return *t
}

// SetStopLoss attaches a stop-loss to an OPEN trade.
func (b *Book) SetStopLoss(id string, price float64) (model.PaperTrade, error) {
	return b.amend(id, func(t *model.PaperTrade) {
		v := model.RoundPrice(price)
		t.StopLoss = &v
	})
}

// SetTarget attaches a target to an OPEN trade.
func (b *Book) SetTarget(id string, price float64) (model.PaperTrade, error) {
	return b.amend(id, func(t *model.PaperTrade) {
		v := model.RoundPrice(price)
		t.Target = &v
	})
}

func (b *Book) amend(id string, fn func(*model.PaperTrade)) (model.PaperTrade, error) {
	for i := range b.trades {
		if b.trades[i].ID != id {
			continue
		}
		if b.trades[i].Status != model.TradeOpen {
			return model.PaperTrade{}, ErrTradeNotOpen
		}
		fn(&b.trades[i])
		return b.trades[i], nil
	}
	return model.PaperTrade{}, ErrTradeNotFound
}

// ClearClosed drops CLOSED trades from the history and reports how many
// were removed. OPEN positions are kept.
func (b *Book) ClearClosed() int {
	kept := b.trades[:0]
	removed := 0
	for _, t := range b.trades {
		if t.Status == model.TradeClosed {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	b.trades = kept
	return removed
}

// Summary aggregates the book. Unrealized profit is marked against the
// given last-price map; positions without a mark count as flat.
type Summary struct {
	Realized    float64 `json:"realized_pnl"`
	Unrealized  float64 `json:"unrealized_pnl"`
	OpenCount   int     `json:"open_trades"`
	ClosedCount int     `json:"closed_trades"`
}

// Summarize computes realized and unrealized totals over the book.
func (b *Book) Summarize(marks map[model.InstrumentKey]float64) Summary {
	var s Summary
	for _, t := range b.trades {
		if t.Status == model.TradeClosed {
			s.ClosedCount++
			s.Realized += t.RealizedPnL()
			continue
		}
		s.OpenCount++
		if ltp, ok := marks[t.Instrument.Key()]; ok {
			s.Unrealized += t.PnLAt(ltp)
		}
	}
	return s
}
