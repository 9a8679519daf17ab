package scrip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/model"
)

// ohlcLookback is how far back the candle query reaches. Two weeks
// covers any run of holidays around the previous trading day.
const ohlcLookback = 14 * 24 * time.Hour

// OHLCFetcher retrieves the last completed trading day's candle for an
// instrument. Results are cached per market day so a watchlist full of
// alerts costs one candle query per instrument per day.
type OHLCFetcher struct {
	client *broker.Client
	clk    clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	cache map[ohlcKey]model.DayOHLC
}

type ohlcKey struct {
	instrument model.InstrumentKey
	day        string
}

// NewOHLCFetcher creates a fetcher backed by the broker client.
func NewOHLCFetcher(client *broker.Client, clk clock.Clock, logger *slog.Logger) *OHLCFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OHLCFetcher{
		client: client,
		clk:    clk,
		logger: logger.With("component", "ohlc"),
		cache:  make(map[ohlcKey]model.DayOHLC),
	}
}

// PreviousDay returns the OHLC of the most recent completed trading day
// for the instrument. Today's partial candle is never used unless it is
// the only candle the broker has.
func (f *OHLCFetcher) PreviousDay(ctx context.Context, session *broker.Session, inst model.InstrumentKey) (model.DayOHLC, error) {
	today := f.clk.MarketDay(f.clk.Now())
	key := ohlcKey{instrument: inst, day: today}

	f.mu.Lock()
	if cached, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	now := f.clk.Now()
	candles, err := f.client.GetCandles(ctx, session, broker.CandleRequest{
		Exchange: inst.Exchange,
		Token:    inst.Token,
		Interval: broker.IntervalOneDay,
		From:     now.Add(-ohlcLookback),
		To:       now,
	})
	if err != nil {
		return model.DayOHLC{}, err
	}
	if len(candles) == 0 {
		return model.DayOHLC{}, fmt.Errorf("no candles for %s:%s", inst.Exchange, inst.Token)
	}

	target := selectReference(candles, today, f.clk)
	ohlc := model.DayOHLC{
		Date:  f.clk.MarketDay(target.Timestamp),
		Open:  target.Open,
		High:  target.High,
		Low:   target.Low,
		Close: target.Close,
	}

	f.mu.Lock()
	f.cache[key] = ohlc
	f.mu.Unlock()

	f.logger.Debug("previous day ohlc",
		"token", inst.Token,
		"date", ohlc.Date,
		"high", ohlc.High,
		"low", ohlc.Low,
		"close", ohlc.Close,
	)

	return ohlc, nil
}

// ForDate returns the OHLC of one specific market day, for sessions that
// pin a reference date instead of using the previous trading day.
func (f *OHLCFetcher) ForDate(ctx context.Context, session *broker.Session, inst model.InstrumentKey, date string) (model.DayOHLC, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return model.DayOHLC{}, fmt.Errorf("bad reference date %q: %w", date, err)
	}

	// Keyed apart from PreviousDay so a reference date equal to today
	// cannot serve yesterday's cached candle.
	key := ohlcKey{instrument: inst, day: "ref:" + date}

	f.mu.Lock()
	if cached, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	candles, err := f.client.GetCandles(ctx, session, broker.CandleRequest{
		Exchange: inst.Exchange,
		Token:    inst.Token,
		Interval: broker.IntervalOneDay,
		From:     day.Add(-24 * time.Hour),
		To:       day.Add(24 * time.Hour),
	})
	if err != nil {
		return model.DayOHLC{}, err
	}

	for _, c := range candles {
		if f.clk.MarketDay(c.Timestamp) != date {
			continue
		}
		ohlc := model.DayOHLC{
			Date:  date,
			Open:  c.Open,
			High:  c.High,
			Low:   c.Low,
			Close: c.Close,
		}
		f.mu.Lock()
		f.cache[key] = ohlc
		f.mu.Unlock()
		return ohlc, nil
	}
	return model.DayOHLC{}, fmt.Errorf("no candle for %s:%s on %s", inst.Exchange, inst.Token, date)
}

// selectReference picks the completed candle: the newest one dated
// before today. A lone candle dated today is returned as-is, which
// happens on an instrument's first trading day.
func selectReference(candles []broker.Candle, today string, clk clock.Clock) broker.Candle {
	for i := len(candles) - 1; i >= 0; i-- {
		if clk.MarketDay(candles[i].Timestamp) != today {
			return candles[i]
		}
	}
	return candles[len(candles)-1]
}

// Invalidate drops the cached entry for an instrument so the next call
// refetches. Used by the bulk refresh endpoint.
func (f *OHLCFetcher) Invalidate(inst model.InstrumentKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if key.instrument == inst {
			delete(f.cache, key)
		}
	}
}
