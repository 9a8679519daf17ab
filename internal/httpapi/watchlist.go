package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/model"
)

// handleWatchlist lists the session's tracked instruments.
func (s *Server) handleWatchlist(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	view, err := sess.View(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"watchlist": view.Watchlist, "reference_date": view.ReferenceDate})
}

type watchlistAddRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Token     string `json:"token"`
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
}

// handleWatchlistAdd resolves the instrument, seeds it with the
// reference candle and a starting price, and starts tracking it. Market
// data lookups are best effort: without a broker session the item still
// lands and prices arrive with the first tick.
func (s *Server) handleWatchlistAdd(c *gin.Context) {
	req, bound := bindJSON[watchlistAddRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	if req.Token == "" && req.Symbol == "" {
		fail(c, http.StatusBadRequest, "bad_request", "token or symbol is required")
		return
	}

	inst, found := s.lookupInstrument(req.Token, req.Symbol, model.Exchange(req.Exchange))
	if !found {
		fail(c, http.StatusNotFound, "unknown_instrument", "no catalog entry for that token or symbol")
		return
	}

	ctx := c.Request.Context()
	var ltp float64
	if bs, live := s.d.Registry.BrokerSession(req.SessionID); live {
		view, err := sess.View(ctx)
		if err != nil {
			s.failErr(c, err)
			return
		}
		if ohlc, err := s.referenceOHLC(ctx, bs, inst.Key(), view.ReferenceDate); err == nil {
			inst.OHLC = &ohlc
		} else {
			s.logger.Warn("reference ohlc unavailable", "symbol", inst.Symbol, "err", err)
		}
		if quote, err := s.d.Broker.GetLTP(ctx, bs, inst.Exchange, inst.Symbol, inst.Token); err == nil {
			ltp = quote.LTP
		} else {
			s.logger.Warn("ltp unavailable", "symbol", inst.Symbol, "err", err)
		}
	}

	item, err := sess.AddToWatchlist(ctx, inst, ltp)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"item": item})
}

// handleWatchlistRemove drops an instrument and everything riding on it.
func (s *Server) handleWatchlistRemove(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	key := model.InstrumentKey{
		Exchange: parseExchange(c.Query("exchange")),
		Token:    c.Param("token"),
	}
	if err := sess.RemoveFromWatchlist(c.Request.Context(), key); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, nil)
}

type sessionOnlyRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// handleWatchlistRefresh refetches the reference candle for every
// watched instrument. Per-instrument failures are reported, not fatal:
// one suspended scrip must not block the rest of the board.
func (s *Server) handleWatchlistRefresh(c *gin.Context) {
	req, bound := bindJSON[sessionOnlyRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	bs, live := s.d.Registry.BrokerSession(req.SessionID)
	if !live {
		fail(c, http.StatusConflict, "no_broker_session", "re-login to refresh market data")
		return
	}

	ctx := c.Request.Context()
	view, err := sess.View(ctx)
	if err != nil {
		s.failErr(c, err)
		return
	}

	refreshed := 0
	failures := make([]gin.H, 0)
	for _, item := range view.Watchlist {
		key := item.Instrument.Key()
		s.d.OHLC.Invalidate(key)

		ohlc, err := s.referenceOHLC(ctx, bs, key, view.ReferenceDate)
		if err != nil {
			failures = append(failures, gin.H{"token": key.Token, "error": err.Error()})
			continue
		}
		if _, err := sess.UpdateOHLC(ctx, key, ohlc); err != nil {
			failures = append(failures, gin.H{"token": key.Token, "error": err.Error()})
			continue
		}
		refreshed++
	}

	ok(c, gin.H{"refreshed": refreshed, "failures": failures})
}

type referenceDateRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Date      string `json:"date"`
}

// handleReferenceDate pins (or with an empty date, clears) the trading
// day whose candle seeds auto alerts.
func (s *Server) handleReferenceDate(c *gin.Context) {
	req, bound := bindJSON[referenceDateRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	if err := sess.SetReferenceDate(c.Request.Context(), req.Date); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"reference_date": req.Date})
}
