package feed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tickwatch/tickwatch/internal/model"
)

// tickFrameLen is the minimum SnapQuote frame length. Richer modes
// append depth fields past this offset; the tick fields live in the
// first 51 bytes regardless.
const tickFrameLen = 51

// Fixed offsets of the little-endian SnapQuote layout.
const (
	offExchangeType = 1
	offToken        = 2
	offTokenEnd     = 27
	offExchangeTS   = 35
	offLTP          = 43
)

// DecodeTick parses one binary frame into a Tick. The token is NUL-padded
// ASCII; the price arrives as int64 paise.
func DecodeTick(data []byte, receivedAt time.Time) (model.Tick, error) {
	if len(data) < tickFrameLen {
		return model.Tick{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	token := string(bytes.TrimRight(data[offToken:offTokenEnd], "\x00"))
	if token == "" {
		return model.Tick{}, fmt.Errorf("empty token in frame")
	}

	exchange := model.ExchangeFromWireType(int(data[offExchangeType]))
	if exchange == "" {
		return model.Tick{}, fmt.Errorf("unknown exchange type %d", data[offExchangeType])
	}

	tsMilli := int64(binary.LittleEndian.Uint64(data[offExchangeTS : offExchangeTS+8]))
	paise := int64(binary.LittleEndian.Uint64(data[offLTP : offLTP+8]))

	return model.Tick{
		Exchange:   exchange,
		Token:      token,
		LTP:        float64(paise) / 100,
		ExchangeTS: time.UnixMilli(tsMilli),
		ReceivedAt: receivedAt,
	}, nil
}
