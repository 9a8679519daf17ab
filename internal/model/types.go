package model

import (
	"math"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Instruments
// -----------------------------------------------------------------------------

// Exchange identifies a trading venue segment.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
	ExchangeNFO Exchange = "NFO"
	ExchangeMCX Exchange = "MCX"
)

// WireType returns the broker's numeric exchange-type code used in
// subscribe frames and binary ticks.
func (e Exchange) WireType() int {
	switch e {
	case ExchangeNSE:
		return 1
	case ExchangeNFO:
		return 2
	case ExchangeBSE:
		return 3
	case ExchangeMCX:
		return 5
	default:
		return 0
	}
}

// ExchangeFromWireType maps the broker's numeric code back to an Exchange.
func ExchangeFromWireType(t int) Exchange {
	switch t {
	case 1:
		return ExchangeNSE
	case 2:
		return ExchangeNFO
	case 3:
		return ExchangeBSE
	case 5:
		return ExchangeMCX
	default:
		return ""
	}
}

// DayOHLC is a single day's open/high/low/close for an instrument.
type DayOHLC struct {
	Date  string  `json:"date"` // market day, "2006-01-02"
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Instrument identifies one tradeable scrip.
type Instrument struct {
	Exchange Exchange `json:"exchange"`
	Token    string   `json:"token"`  // broker numeric token, kept as string
	Symbol   string   `json:"symbol"` // display symbol (e.g., "RELIANCE-EQ")
	OHLC     *DayOHLC `json:"ohlc,omitempty"`
}

// Key returns the ledger key for the instrument.
func (i Instrument) Key() InstrumentKey {
	return InstrumentKey{Exchange: i.Exchange, Token: i.Token}
}

// InstrumentKey is the (exchange, token) identity used by the subscription
// ledger and the per-session tick mailboxes.
type InstrumentKey struct {
	Exchange Exchange `json:"exchange"`
	Token    string   `json:"token"`
}

// WatchlistItem is one instrument tracked by a session.
type WatchlistItem struct {
	Instrument Instrument `json:"instrument"`
	LTP        float64    `json:"ltp"`
	AddedAt    time.Time  `json:"added_at"`
}

// -----------------------------------------------------------------------------
// Ticks
// -----------------------------------------------------------------------------

// Tick is one decoded price observation from the broker feed. Ephemeral;
// never persisted verbatim.
type Tick struct {
	Exchange   Exchange  // venue segment
	Token      string    // broker token
	LTP        float64   // last traded price, rupees
	ExchangeTS time.Time // broker clock
	ReceivedAt time.Time // server receive time
}

// Key returns the (exchange, token) identity of the tick.
func (t Tick) Key() InstrumentKey {
	return InstrumentKey{Exchange: t.Exchange, Token: t.Token}
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// AlertCondition is the crossing direction an alert watches.
type AlertCondition string

const (
	ConditionAbove AlertCondition = "ABOVE"
	ConditionBelow AlertCondition = "BELOW"
)

// Level names a price level derived from previous-day OHLC.
type Level string

const (
	LevelHigh Level = "HIGH"
	LevelLow  Level = "LOW"
	LevelR1   Level = "R1"
	LevelR2   Level = "R2"
	LevelR3   Level = "R3"
	LevelR4   Level = "R4"
	LevelR5   Level = "R5"
	LevelR6   Level = "R6"
	LevelS1   Level = "S1"
	LevelS2   Level = "S2"
	LevelS3   Level = "S3"
	LevelS4   Level = "S4"
	LevelS5   Level = "S5"
	LevelS6   Level = "S6"
)

// AllLevels lists every auto-alert level in canonical order.
func AllLevels() []Level {
	return []Level{
		LevelHigh, LevelLow,
		LevelR1, LevelR2, LevelR3, LevelR4, LevelR5, LevelR6,
		LevelS1, LevelS2, LevelS3, LevelS4, LevelS5, LevelS6,
	}
}

// IsResistance reports whether the level sits above the pivot family's
// midline (R1..R6 and the literal previous-day HIGH).
func (l Level) IsResistance() bool {
	return l == LevelHigh || strings.HasPrefix(string(l), "R")
}

// IsSupport reports whether the level sits below the midline (S1..S6, LOW).
func (l Level) IsSupport() bool {
	return l == LevelLow || strings.HasPrefix(string(l), "S")
}

// AlertKind distinguishes manual alerts from auto-generated level alerts.
type AlertKind string

// KindManual marks a user-created alert.
const KindManual AlertKind = "MANUAL"

const autoKindPrefix = "AUTO_"

// AutoKind returns the alert kind for an auto-generated level alert.
func AutoKind(l Level) AlertKind {
	return AlertKind(autoKindPrefix + string(l))
}

// IsAuto reports whether the kind was produced by auto-generation.
func (k AlertKind) IsAuto() bool {
	return strings.HasPrefix(string(k), autoKindPrefix)
}

// AutoLevel returns the level behind an auto kind, or false for manual kinds.
func (k AlertKind) AutoLevel() (Level, bool) {
	if !k.IsAuto() {
		return "", false
	}
	return Level(strings.TrimPrefix(string(k), autoKindPrefix)), true
}

// Alert is an armed price-level rule owned by a session.
type Alert struct {
	ID         string         `json:"id"`
	Instrument Instrument     `json:"instrument"`
	Condition  AlertCondition `json:"condition"`
	Price      float64        `json:"price"`
	Kind       AlertKind      `json:"kind"`
	Armed      bool           `json:"armed"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AlertLogEntry records one fired alert.
type AlertLogEntry struct {
	Alert         Alert     `json:"alert"`
	TriggeredAt   time.Time `json:"triggered_at"`
	PriceObserved float64   `json:"price_observed"`
}

// -----------------------------------------------------------------------------
// Paper trades
// -----------------------------------------------------------------------------

// Side is the direction of a paper trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeStatus is the lifecycle state of a paper trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// TradeMode records how the position was built.
type TradeMode string

const (
	ModeNew      TradeMode = "NEW"
	ModeAveraged TradeMode = "AVERAGED"
)

// PaperTrade is one simulated position. CLOSED trades are immutable.
type PaperTrade struct {
	ID           string      `json:"id"`
	Instrument   Instrument  `json:"instrument"`
	Side         Side        `json:"side"`
	Quantity     int64       `json:"quantity"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    float64     `json:"exit_price,omitempty"` // set when CLOSED
	StopLoss     *float64    `json:"stop_loss,omitempty"`
	Target       *float64    `json:"target,omitempty"`
	Status       TradeStatus `json:"status"`
	TriggerLevel AlertKind   `json:"trigger_level"` // alert kind that opened it
	Mode         TradeMode   `json:"mode"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     time.Time   `json:"closed_at,omitempty"`
}

// PnLAt returns the trade's profit at the given price. For OPEN trades this
// is the unrealized mark; for CLOSED trades pass ExitPrice.
func (p PaperTrade) PnLAt(ltp float64) float64 {
	pnl := (ltp - p.EntryPrice) * float64(p.Quantity)
	if p.Side == SideSell {
		pnl = -pnl
	}
	return pnl
}

// RealizedPnL returns the locked-in profit of a CLOSED trade, 0 otherwise.
func (p PaperTrade) RealizedPnL() float64 {
	if p.Status != TradeClosed {
		return 0
	}
	return p.PnLAt(p.ExitPrice)
}

// RoundPrice normalizes a rupee price to two decimals, the tick size the
// wire protocol carries.
func RoundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}
