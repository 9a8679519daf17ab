package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tickwatch/tickwatch/internal/model"
)

const (
	pathLTPData    = "/rest/secure/angelbroking/order/v1/getLtpData"
	pathCandleData = "/rest/secure/angelbroking/historical/v1/getCandleData"

	// candleTimeFormat is the broker's wire format for candle range bounds.
	candleTimeFormat = "2006-01-02 15:04"
)

// Interval selects the candle granularity.
type Interval string

const (
	IntervalOneMinute  Interval = "ONE_MINUTE"
	IntervalFiveMinute Interval = "FIVE_MINUTE"
	IntervalOneHour    Interval = "ONE_HOUR"
	IntervalOneDay     Interval = "ONE_DAY"
)

// LTPQuote is the snapshot quote returned by getLtpData.
type LTPQuote struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingsymbol"`
	Token         string  `json:"symboltoken"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	LTP           float64 `json:"ltp"`
}

// GetLTP fetches the last traded price for one instrument.
func (c *Client) GetLTP(ctx context.Context, session *Session, exchange model.Exchange, symbol, token string) (*LTPQuote, error) {
	payload := map[string]string{
		"exchange":      string(exchange),
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}

	var quote LTPQuote
	if err := c.post(ctx, pathLTPData, session.auth(), payload, &quote); err != nil {
		return nil, fmt.Errorf("get ltp %s: %w", token, err)
	}

	return &quote, nil
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// CandleRequest describes a historical candle query.
type CandleRequest struct {
	Exchange model.Exchange
	Token    string
	Interval Interval
	From     time.Time
	To       time.Time
}

// GetCandles fetches historical candles. The broker encodes each bar as a
// positional array: [timestamp, open, high, low, close, volume].
func (c *Client) GetCandles(ctx context.Context, session *Session, req CandleRequest) ([]Candle, error) {
	payload := map[string]string{
		"exchange":    string(req.Exchange),
		"symboltoken": req.Token,
		"interval":    string(req.Interval),
		"fromdate":    req.From.Format(candleTimeFormat),
		"todate":      req.To.Format(candleTimeFormat),
	}

	var rows []json.RawMessage
	if err := c.post(ctx, pathCandleData, session.auth(), payload, &rows); err != nil {
		return nil, fmt.Errorf("get candles %s: %w", req.Token, err)
	}

	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseCandleRow(row)
		if err != nil {
			return nil, fmt.Errorf("candle row %d: %w", i, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

func parseCandleRow(row json.RawMessage) (Candle, error) {
	var fields []any
	if err := json.Unmarshal(row, &fields); err != nil {
		return Candle{}, err
	}
	if len(fields) < 6 {
		return Candle{}, fmt.Errorf("want 6 fields, got %d", len(fields))
	}

	tsStr, ok := fields[0].(string)
	if !ok {
		return Candle{}, fmt.Errorf("timestamp is %T, want string", fields[0])
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return Candle{}, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
	}

	nums := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, ok := fields[i+1].(float64)
		if !ok {
			return Candle{}, fmt.Errorf("field %d is %T, want number", i+1, fields[i+1])
		}
		nums[i] = v
	}

	return Candle{
		Timestamp: ts,
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    int64(nums[4]),
	}, nil
}
