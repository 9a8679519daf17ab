package session

import (
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tickwatch/tickwatch/internal/alert"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/paper"
	"github.com/tickwatch/tickwatch/internal/stream"
)

// run is the session's single mutation goroutine.
func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.quarantine(r)
		}
	}()

	s.d.logger.Info("session started",
		"session_id", s.id, "user_id", s.userID,
		"watchlist", len(s.watchlist), "alerts", len(s.alerts))

	for {
		select {
		case <-s.quit:
			s.handleShutdown()
			return
		case c := <-s.commands:
			s.countCommand(c.name())
			s.apply(c)
		case <-s.tickCh:
			s.drainTicks()
		}
	}
}

func (s *Session) apply(c command) {
	switch c := c.(type) {
	case cmdAddWatch:
		item, err := s.applyAddWatch(c.inst, c.ltp)
		respond(c.resp, item, err)
	case cmdRemoveWatch:
		respond(c.resp, struct{}{}, s.applyRemoveWatch(c.key))
	case cmdSetRefDate:
		respond(c.resp, struct{}{}, s.applySetRefDate(c.date))
	case cmdUpdateOHLC:
		item, err := s.applyUpdateOHLC(c.key, c.ohlc)
		respond(c.resp, item, err)
	case cmdCreateAlert:
		a, err := s.applyCreateAlert(c.inst, c.cond, c.price)
		respond(c.resp, a, err)
	case cmdDeleteAlert:
		respond(c.resp, struct{}{}, s.applyDeleteAlert(c.id))
	case cmdDeleteAlerts:
		respond(c.resp, s.applyDeleteAlerts(c.ids), nil)
	case cmdClearAlerts:
		respond(c.resp, s.applyClearAlerts(), nil)
	case cmdPauseAlerts:
		respond(c.resp, s.applyPauseAlerts(c.paused), nil)
	case cmdGenerateAuto:
		fresh, err := s.applyGenerateAuto(c.inst, c.ohlc, c.levels)
		respond(c.resp, fresh, err)
	case cmdSetPaper:
		respond(c.resp, s.applySetPaper(c.enabled), nil)
	case cmdSetBalance:
		bal, err := s.applySetBalance(c.amount)
		respond(c.resp, bal, err)
	case cmdSetStop:
		t, err := s.applySetStop(c.tradeID, c.price)
		respond(c.resp, t, err)
	case cmdSetTarget:
		t, err := s.applySetTarget(c.tradeID, c.price)
		respond(c.resp, t, err)
	case cmdCloseTrade:
		t, err := s.applyCloseTrade(c.tradeID, c.price)
		respond(c.resp, t, err)
	case cmdManualTrade:
		t, err := s.applyManualTrade(c.inst, c.side, c.qty, c.price)
		respond(c.resp, t, err)
	case cmdClearTrades:
		respond(c.resp, s.applyClearTrades(), nil)
	case cmdBind:
		s.applyBind(c.ch)
		respond(c.resp, struct{}{}, nil)
	case cmdUnbind:
		s.applyUnbind(c.ch, c.clean)
	case cmdUpdateBroker:
		s.broker = c.bs
		s.markDirty()
		respond(c.resp, struct{}{}, nil)
	case cmdSnapshot:
		data, err := s.encode(s.d.clk.Now())
		respond(c.resp, data, err)
	case cmdView:
		respond(c.resp, s.applyView(), nil)
	default:
		s.d.logger.Error("unknown command", "session_id", s.id, "command", c.name())
	}
}

// -----------------------------------------------------------------------------
// Watchlist
// -----------------------------------------------------------------------------

func (s *Session) applyAddWatch(inst model.Instrument, ltp float64) (model.WatchlistItem, error) {
	key := inst.Key()
	for _, item := range s.watchlist {
		if item.Instrument.Key() == key {
			return item, ErrDuplicate
		}
	}

	item := model.WatchlistItem{Instrument: inst, LTP: ltp, AddedAt: s.d.clk.Now()}
	s.watchlist = append(s.watchlist, item)
	s.d.feed.Subscribe(s.id, []model.InstrumentKey{key})
	s.markDirty()

	s.d.logger.Info("watchlist add",
		"session_id", s.id, "symbol", inst.Symbol, "exchange", inst.Exchange, "token", inst.Token)
	return item, nil
}

func (s *Session) applyRemoveWatch(key model.InstrumentKey) error {
	idx := -1
	for i, item := range s.watchlist {
		if item.Instrument.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrWatchNotFound
	}
	symbol := s.watchlist[idx].Instrument.Symbol
	s.watchlist = slices.Delete(s.watchlist, idx, idx+1)

	// Alerts ride on the watchlist entry and go with it.
	dropped := 0
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.Instrument.Key() == key {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept

	s.d.feed.Unsubscribe(s.id, []model.InstrumentKey{key})
	delete(s.lastLTP, key)
	s.markDirty()

	s.d.logger.Info("watchlist remove",
		"session_id", s.id, "symbol", symbol, "alerts_dropped", dropped)
	return nil
}

func (s *Session) applyUpdateOHLC(key model.InstrumentKey, ohlc model.DayOHLC) (model.WatchlistItem, error) {
	for i := range s.watchlist {
		if s.watchlist[i].Instrument.Key() != key {
			continue
		}
		fresh := ohlc
		s.watchlist[i].Instrument.OHLC = &fresh
		s.markDirty()
		return s.watchlist[i], nil
	}
	return model.WatchlistItem{}, ErrWatchNotFound
}

func (s *Session) applySetRefDate(date string) error {
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("%w: reference date must be YYYY-MM-DD", ErrInvalid)
		}
	}
	s.refDate = date
	s.markDirty()
	s.d.logger.Info("reference date set", "session_id", s.id, "date", date)
	return nil
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

func (s *Session) applyCreateAlert(inst model.Instrument, cond model.AlertCondition, price float64) (model.Alert, error) {
	if cond != model.ConditionAbove && cond != model.ConditionBelow {
		return model.Alert{}, fmt.Errorf("%w: condition must be ABOVE or BELOW", ErrInvalid)
	}
	if price <= 0 {
		return model.Alert{}, fmt.Errorf("%w: alert price must be positive", ErrInvalid)
	}

	a := model.Alert{
		ID:         uuid.NewString(),
		Instrument: inst,
		Condition:  cond,
		Price:      model.RoundPrice(price),
		Kind:       model.KindManual,
		Armed:      true,
		CreatedAt:  s.d.clk.Now(),
	}
	s.alerts = append(s.alerts, a)
	s.markDirty()

	s.d.logger.Info("alert created",
		"session_id", s.id, "symbol", inst.Symbol, "condition", cond, "price", a.Price)
	return a, nil
}

func (s *Session) applyDeleteAlert(id string) error {
	for i, a := range s.alerts {
		if a.ID == id {
			s.alerts = slices.Delete(s.alerts, i, i+1)
			s.markDirty()
			return nil
		}
	}
	return ErrAlertNotFound
}

func (s *Session) applyDeleteAlerts(ids []string) int {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	removed := 0
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if _, ok := drop[a.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

func (s *Session) applyClearAlerts() int {
	n := len(s.alerts)
	s.alerts = nil
	if n > 0 {
		s.markDirty()
	}
	s.d.logger.Info("alerts cleared", "session_id", s.id, "count", n)
	return n
}

func (s *Session) applyPauseAlerts(paused bool) bool {
	s.paused = paused
	s.markDirty()
	s.d.logger.Info("alerts paused", "session_id", s.id, "paused", paused)
	return s.paused
}

func (s *Session) applyGenerateAuto(inst model.Instrument, ohlc model.DayOHLC, levels []model.Level) ([]model.Alert, error) {
	if ohlc.Close <= 0 {
		return nil, fmt.Errorf("%w: no reference ohlc for %s", ErrInvalid, inst.Symbol)
	}

	fresh := alert.GenerateAuto(inst, ohlc, levels, s.d.clk.Now())

	// Regeneration replaces the instrument's auto ladder; manual alerts
	// and other instruments' alerts stay put.
	key := inst.Key()
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.Kind.IsAuto() && a.Instrument.Key() == key {
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = append(kept, fresh...)
	s.markDirty()

	s.d.logger.Info("auto alerts generated",
		"session_id", s.id, "symbol", inst.Symbol, "reference", ohlc.Date, "count", len(fresh))
	return fresh, nil
}

// -----------------------------------------------------------------------------
// Paper trading
// -----------------------------------------------------------------------------

func (s *Session) applySetPaper(enabled bool) bool {
	s.autoPaper = enabled
	s.markDirty()
	s.d.logger.Info("auto paper toggled", "session_id", s.id, "enabled", enabled)
	return s.autoPaper
}

func (s *Session) applySetBalance(amount float64) (float64, error) {
	if err := s.book.SetBalance(amount); err != nil {
		return s.book.Balance(), fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	s.markDirty()
	s.pushTrades()
	s.d.logger.Info("virtual balance set", "session_id", s.id, "balance", amount)
	return s.book.Balance(), nil
}

func (s *Session) applySetStop(tradeID string, price float64) (model.PaperTrade, error) {
	if price <= 0 {
		return model.PaperTrade{}, fmt.Errorf("%w: stop-loss must be positive", ErrInvalid)
	}
	t, err := s.book.SetStopLoss(tradeID, price)
	if err != nil {
		return model.PaperTrade{}, err
	}
	s.markDirty()
	s.pushTrades()
	return t, nil
}

func (s *Session) applySetTarget(tradeID string, price float64) (model.PaperTrade, error) {
	if price <= 0 {
		return model.PaperTrade{}, fmt.Errorf("%w: target must be positive", ErrInvalid)
	}
	t, err := s.book.SetTarget(tradeID, price)
	if err != nil {
		return model.PaperTrade{}, err
	}
	s.markDirty()
	s.pushTrades()
	return t, nil
}

func (s *Session) applyCloseTrade(tradeID string, price float64) (model.PaperTrade, error) {
	if price <= 0 {
		if t, ok := s.book.Get(tradeID); ok {
			price = s.lastLTP[t.Instrument.Key()]
		}
	}
	if price <= 0 {
		return model.PaperTrade{}, paper.ErrNoPrice
	}

	closed, err := s.book.Close(tradeID, price, s.d.clk.Now())
	if err != nil {
		return model.PaperTrade{}, err
	}
	if s.d.m != nil {
		s.d.m.TradesClosed.Inc()
	}
	s.markDirty()
	s.pushTrades()

	s.d.logger.Info("trade closed",
		"session_id", s.id, "trade", closed.ID, "symbol", closed.Instrument.Symbol,
		"exit", closed.ExitPrice, "pnl", closed.RealizedPnL())
	return closed, nil
}

func (s *Session) applyManualTrade(inst model.Instrument, side model.Side, qty int64, price float64) (model.PaperTrade, error) {
	if side != model.SideBuy && side != model.SideSell {
		return model.PaperTrade{}, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalid)
	}
	if price <= 0 {
		price = s.lastLTP[inst.Key()]
	}

	out, err := s.d.engine.ManualEntry(s.book, inst, side, price, qty, s.d.clk.Now())
	if err != nil {
		return model.PaperTrade{}, err
	}

	var t model.PaperTrade
	switch {
	case out.Opened != nil:
		t = *out.Opened
		if !out.Averaged && s.d.m != nil {
			s.d.m.TradesOpened.Inc()
		}
	case out.Reversed != nil:
		t = *out.Reversed
		if s.d.m != nil {
			s.d.m.TradesClosed.Inc()
		}
	}
	s.markDirty()
	s.pushTrades()
	return t, nil
}

func (s *Session) applyClearTrades() int {
	n := s.book.ClearClosed()
	if n > 0 {
		s.markDirty()
		s.pushTrades()
	}
	s.d.logger.Info("closed trades cleared", "session_id", s.id, "count", n)
	return n
}

// -----------------------------------------------------------------------------
// Channel binding
// -----------------------------------------------------------------------------

func (s *Session) applyBind(ch stream.Sender) {
	if s.channel != nil && s.channel != ch {
		s.channel.Close(stream.CloseNormal, "superseded by new channel")
	}
	s.channel = ch
	s.bound.Store(true)

	// Replay the trade state so a reconnecting client starts current.
	s.pushTrades()
}

func (s *Session) applyUnbind(ch stream.Sender, clean bool) {
	if s.channel != ch {
		return
	}
	s.channel = nil
	s.bound.Store(false)
	s.d.logger.Debug("channel unbound", "session_id", s.id, "clean", clean)
}

// -----------------------------------------------------------------------------
// Ticks
// -----------------------------------------------------------------------------

func (s *Session) drainTicks() {
	now := s.d.clk.Now()
	if day := s.d.clk.MarketDay(now); day != s.seenDay {
		// Crossing edges never span a session date boundary; fresh days
		// re-seed from the reference close.
		if s.seenDay != "" {
			clear(s.lastLTP)
		}
		s.seenDay = day
	}

	for _, t := range s.inbox.drain() {
		s.countCommand("tick")
		s.applyTick(t, now)
	}
}

func (s *Session) applyTick(t model.Tick, now time.Time) {
	key := t.Key()
	prev, seen := s.lastLTP[key]

	var item *model.WatchlistItem
	for i := range s.watchlist {
		if s.watchlist[i].Instrument.Key() == key {
			item = &s.watchlist[i]
			break
		}
	}

	if !seen {
		// First observation of the day: seed the edge detector from the
		// reference close so an overnight gap across a level still
		// counts as a crossing. Without a close, the first tick only
		// establishes the baseline.
		prev = t.LTP
		if item != nil && item.Instrument.OHLC != nil && item.Instrument.OHLC.Close > 0 {
			prev = item.Instrument.OHLC.Close
		}
	}
	if item != nil {
		item.LTP = t.LTP
	}

	if !s.paused {
		for _, trig := range alert.Evaluate(s.alerts, key, prev, t.LTP, now) {
			s.fireAlert(trig, now)
		}
	}

	if exits := s.d.engine.CheckExits(s.book, key, t.LTP, now); len(exits) > 0 {
		if s.d.m != nil {
			s.d.m.TradesClosed.Add(float64(len(exits)))
		}
		s.markDirty()
		s.pushTrades()
	}

	s.lastLTP[key] = t.LTP

	if item != nil {
		ts := t.ExchangeTS
		if ts.IsZero() {
			ts = t.ReceivedAt
		}
		s.push(stream.PriceUpdate{
			Token:  key.Token,
			Symbol: item.Instrument.Symbol,
			LTP:    t.LTP,
			TS:     ts,
		})
	}
}

func (s *Session) fireAlert(trig alert.Trigger, now time.Time) {
	for i, a := range s.alerts {
		if a.ID == trig.Alert.ID {
			s.alerts = slices.Delete(s.alerts, i, i+1)
			break
		}
	}

	entry := trig.LogEntry()
	s.alertLog = append(s.alertLog, entry)
	if over := len(s.alertLog) - s.d.alertLogCap; over > 0 {
		s.alertLog = append(s.alertLog[:0:0], s.alertLog[over:]...)
	}

	if s.d.m != nil {
		s.d.m.AlertsTriggered.Inc()
	}
	s.d.logger.Info("alert triggered",
		"session_id", s.id, "symbol", trig.Alert.Instrument.Symbol,
		"kind", trig.Alert.Kind, "condition", trig.Alert.Condition,
		"level", trig.Alert.Price, "ltp", trig.Price)

	s.push(stream.AlertTriggered{Alert: trig.Alert, Log: entry})
	s.markDirty()

	if !s.autoPaper {
		return
	}
	out, err := s.d.engine.HandleSignal(s.book, paper.Signal{
		Instrument: trig.Alert.Instrument,
		Kind:       trig.Alert.Kind,
		Condition:  trig.Alert.Condition,
		Price:      trig.Price,
	}, now)
	if err != nil {
		s.d.logger.Debug("paper entry skipped",
			"session_id", s.id, "symbol", trig.Alert.Instrument.Symbol, "reason", err)
		return
	}
	if s.d.m != nil {
		if out.Opened != nil && !out.Averaged {
			s.d.m.TradesOpened.Inc()
		}
		if out.Reversed != nil {
			s.d.m.TradesClosed.Inc()
		}
	}
	s.markDirty()
	s.pushTrades()
}

// -----------------------------------------------------------------------------
// Views, pushes, lifecycle
// -----------------------------------------------------------------------------

func (s *Session) applyView() View {
	return View{
		SessionID:        s.id,
		UserID:           s.userID,
		Watchlist:        slices.Clone(s.watchlist),
		Alerts:           slices.Clone(s.alerts),
		AlertLog:         slices.Clone(s.alertLog),
		Trades:           s.book.Trades(),
		VirtualBalance:   s.book.Balance(),
		Paper:            s.book.Summarize(s.lastLTP),
		AutoPaperEnabled: s.autoPaper,
		AlertsPaused:     s.paused,
		ReferenceDate:    s.refDate,
		Marks:            maps.Clone(s.lastLTP),
	}
}

// push hands a frame to the bound channel, if any. TrySend is
// non-blocking; a slow client loses frames, never stalls the loop.
func (s *Session) push(msg stream.ServerMessage) {
	if s.channel != nil {
		s.channel.TrySend(msg)
	}
}

func (s *Session) pushTrades() {
	if s.channel == nil {
		return
	}
	s.channel.TrySend(stream.TradeUpdate{
		Trades:         s.book.Trades(),
		VirtualBalance: s.book.Balance(),
	})
}

func (s *Session) markDirty() {
	if s.d.dirty != nil {
		s.d.dirty.MarkDirty(s.userID)
	}
}

func (s *Session) countCommand(name string) {
	if s.d.m != nil {
		s.d.m.Commands.WithLabelValues(name).Inc()
	}
}

func (s *Session) handleShutdown() {
	if s.channel != nil {
		s.channel.Close(stream.CloseGoingAway, "session closed")
		s.channel = nil
		s.bound.Store(false)
	}
	s.d.logger.Info("session stopped", "session_id", s.id, "user_id", s.userID)
}

// quarantine isolates the session after a fault in the loop. State may
// be inconsistent, so commands are refused from here on and the last
// good snapshot in the store is left untouched.
func (s *Session) quarantine(r any) {
	s.quarantined.Store(true)
	if s.channel != nil {
		s.channel.Close(stream.CloseQuarantined, "session quarantined")
		s.channel = nil
		s.bound.Store(false)
	}
	s.d.logger.Error("session quarantined",
		"session_id", s.id, "user_id", s.userID,
		"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
}
