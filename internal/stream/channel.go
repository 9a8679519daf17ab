package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/metrics"
)

// Clients only send small control frames; anything larger is abuse.
const maxClientFrameBytes = 4 << 10

// Sender is the push side of a downstream channel. Session loops hold
// their bound channel through this interface. TrySend never blocks: a
// full send queue marks the client slow and the channel starts closing.
type Sender interface {
	TrySend(msg ServerMessage) bool
	Close(code int, reason string)
}

// Channel is one established downstream websocket. All writes funnel
// through a single write pump; the read pump only consumes client pings
// and the eventual close frame.
type Channel struct {
	conn   *websocket.Conn
	cfg    config.StreamConfig
	m      *metrics.Registry
	logger *slog.Logger

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	code      int
	reason    string
}

func newChannel(conn *websocket.Conn, cfg config.StreamConfig, m *metrics.Registry, logger *slog.Logger) *Channel {
	return &Channel{
		conn:   conn,
		cfg:    cfg,
		m:      m,
		logger: logger,
		send:   make(chan []byte, cfg.SendQueue),
		closed: make(chan struct{}),
	}
}

// TrySend encodes and enqueues one frame without blocking. A false
// return means the frame was dropped: the channel is closed, closing,
// or the client is too slow to keep up.
func (c *Channel) TrySend(msg ServerMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	buf, err := encodeFrame(msg)
	if err != nil {
		c.logger.Error("frame encode failed", "error", err)
		return false
	}

	select {
	case c.send <- buf:
		if c.m != nil {
			c.m.StreamFramesSent.WithLabelValues(msg.frameType()).Inc()
		}
		return true
	case <-c.closed:
		return false
	default:
		if c.m != nil {
			c.m.StreamSlowConsumers.Inc()
		}
		c.logger.Warn("dropping slow consumer", "queued", len(c.send))
		c.Close(CloseSlowConsumer, "send queue overflow")
		return false
	}
}

// Close schedules the channel teardown. The write pump emits a close
// frame with the given code and then tears the connection down. Safe to
// call from any goroutine, any number of times; the first call wins.
func (c *Channel) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.code = code
		c.reason = reason
		close(c.closed)
	})
}

// writePump owns every write on the connection. It drains the send
// queue until the channel closes, then delivers the close frame.
func (c *Channel) writePump() {
	defer c.conn.Close()

	for {
		select {
		case buf := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.Close(CloseGoingAway, "write failed")
				return
			}
		case <-c.closed:
			// Flush frames queued before the close so the client sees
			// them ahead of the close frame.
			for {
				select {
				case buf := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
					if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(c.code, c.reason)
					c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
					c.conn.WriteMessage(websocket.CloseMessage, msg)
					return
				}
			}
		}
	}
}

// readPump consumes client frames until the connection dies and returns
// the close code observed. Pings are answered inline; unknown frame
// types are dropped silently.
func (c *Channel) readPump() int {
	c.conn.SetReadLimit(maxClientFrameBytes)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return websocket.CloseAbnormalClosure
		}

		cm, err := decodeClientFrame(data)
		if err != nil {
			c.TrySend(ErrorNotice{Code: "bad_frame", Detail: "malformed client frame"})
			continue
		}
		if cm.Type == TypePing {
			c.TrySend(Pong{TS: time.Now()})
		}
	}
}
