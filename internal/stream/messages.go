package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tickwatch/tickwatch/internal/model"
)

// Close codes used on downstream channels beyond the RFC 6455 set.
const (
	CloseNormal       = 1000 // clean client close
	CloseGoingAway    = 1001 // endpoint going away
	CloseSlowConsumer = 4008 // send queue overflowed
	CloseRebindReject = 4401 // no session for the requested identity
	CloseQuarantined  = 4500 // owning session was quarantined
)

// Frame type strings on the wire, shared by server and client frames.
const (
	TypeConnected      = "connected"
	TypePriceUpdate    = "price_update"
	TypeAlertTriggered = "alert_triggered"
	TypeTradeUpdate    = "trade_update"
	TypeHeartbeat      = "heartbeat"
	TypePong           = "pong"
	TypeStatus         = "status"
	TypeError          = "error"
	TypePing           = "ping"
)

// ServerMessage is one frame pushed to a downstream channel. The set of
// implementations below is closed; every frame a client can receive is
// one of these.
type ServerMessage interface {
	frameType() string
}

// Connected is the first frame on every accepted channel.
type Connected struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Restored  bool   `json:"restored"`
}

// PriceUpdate carries one conflated tick for a watched instrument.
type PriceUpdate struct {
	Token  string    `json:"token"`
	Symbol string    `json:"symbol"`
	LTP    float64   `json:"ltp"`
	TS     time.Time `json:"ts"`
}

// AlertTriggered announces one fired alert together with its log entry.
type AlertTriggered struct {
	Alert model.Alert         `json:"alert"`
	Log   model.AlertLogEntry `json:"log"`
}

// TradeUpdate carries the full trade list after any book mutation.
type TradeUpdate struct {
	Trades         []model.PaperTrade `json:"trades"`
	VirtualBalance float64            `json:"virtual_balance"`
}

// Heartbeat is the periodic server liveness frame.
type Heartbeat struct {
	TS time.Time `json:"ts"`
}

// Pong answers a client ping.
type Pong struct {
	TS time.Time `json:"ts"`
}

// Status is a free-form informational frame.
type Status struct {
	Message string `json:"message"`
}

// ErrorNotice reports a channel-level failure to the client.
type ErrorNotice struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (Connected) frameType() string      { return TypeConnected }
func (PriceUpdate) frameType() string    { return TypePriceUpdate }
func (AlertTriggered) frameType() string { return TypeAlertTriggered }
func (TradeUpdate) frameType() string    { return TypeTradeUpdate }
func (Heartbeat) frameType() string      { return TypeHeartbeat }
func (Pong) frameType() string           { return TypePong }
func (Status) frameType() string         { return TypeStatus }
func (ErrorNotice) frameType() string    { return TypeError }

// envelope is the wire shape of every frame in either direction.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func encodeFrame(m ServerMessage) ([]byte, error) {
	buf, err := json.Marshal(envelope{Type: m.frameType(), Data: m})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.frameType(), err)
	}
	return buf, nil
}

// ClientMessage is a decoded client frame. Only ping is meaningful;
// unknown types are ignored so older clients stay compatible.
type ClientMessage struct {
	Type string `json:"type"`
}

func decodeClientFrame(data []byte) (ClientMessage, error) {
	var cm ClientMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client frame: %w", err)
	}
	return cm, nil
}
