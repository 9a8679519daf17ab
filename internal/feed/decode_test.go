package feed

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tickwatch/tickwatch/internal/model"
)

// buildFrame constructs a minimal SnapQuote frame.
func buildFrame(exchangeType byte, token string, tsMilli, paise int64) []byte {
	frame := make([]byte, tickFrameLen)
	frame[0] = modeSnapQuote
	frame[offExchangeType] = exchangeType
	copy(frame[offToken:offTokenEnd], token)
	binary.LittleEndian.PutUint64(frame[offExchangeTS:offExchangeTS+8], uint64(tsMilli))
	binary.LittleEndian.PutUint64(frame[offLTP:offLTP+8], uint64(paise))
	return frame
}

func TestDecodeTick(t *testing.T) {
	now := time.Now()
	frame := buildFrame(1, "2885", 1756093500000, 251025)

	tick, err := DecodeTick(frame, now)
	if err != nil {
		t.Fatalf("DecodeTick() error = %v", err)
	}

	if tick.Token != "2885" {
		t.Errorf("Token = %q, want 2885", tick.Token)
	}
	if tick.Exchange != model.ExchangeNSE {
		t.Errorf("Exchange = %q, want NSE", tick.Exchange)
	}
	if tick.LTP != 2510.25 {
		t.Errorf("LTP = %v, want 2510.25", tick.LTP)
	}
	if tick.ExchangeTS.UnixMilli() != 1756093500000 {
		t.Errorf("ExchangeTS = %v, want 1756093500000", tick.ExchangeTS.UnixMilli())
	}
	if !tick.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", tick.ReceivedAt, now)
	}
}

func TestDecodeTickBSE(t *testing.T) {
	frame := buildFrame(3, "99919000", 1756093500000, 8123456)

	tick, err := DecodeTick(frame, time.Now())
	if err != nil {
		t.Fatalf("DecodeTick() error = %v", err)
	}
	if tick.Exchange != model.ExchangeBSE {
		t.Errorf("Exchange = %q, want BSE", tick.Exchange)
	}
	if tick.LTP != 81234.56 {
		t.Errorf("LTP = %v, want 81234.56", tick.LTP)
	}
}

func TestDecodeTickLongerFrame(t *testing.T) {
	// SnapQuote mode carries depth fields past byte 50; the tick fields
	// still decode from the fixed prefix.
	frame := append(buildFrame(1, "11536", 1756093500000, 350000), make([]byte, 328)...)

	tick, err := DecodeTick(frame, time.Now())
	if err != nil {
		t.Fatalf("DecodeTick() error = %v", err)
	}
	if tick.Token != "11536" || tick.LTP != 3500.00 {
		t.Errorf("tick = %+v", tick)
	}
}

func TestDecodeTickErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"short frame", make([]byte, 50)},
		{"empty frame", nil},
		{"empty token", buildFrame(1, "", 0, 100)},
		{"unknown exchange", buildFrame(9, "2885", 0, 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTick(tt.frame, time.Now()); err == nil {
				t.Error("DecodeTick() should fail")
			}
		})
	}
}

func TestDecodeTickPaiseRounding(t *testing.T) {
	tests := []struct {
		paise int64
		want  float64
	}{
		{100, 1.00},
		{251025, 2510.25},
		{5, 0.05},
		{99999999, 999999.99},
	}

	for _, tt := range tests {
		frame := buildFrame(1, "1", 0, tt.paise)
		tick, err := DecodeTick(frame, time.Now())
		if err != nil {
			t.Fatalf("DecodeTick(%d paise) error = %v", tt.paise, err)
		}
		if tick.LTP != tt.want {
			t.Errorf("LTP for %d paise = %v, want %v", tt.paise, tick.LTP, tt.want)
		}
	}
}
