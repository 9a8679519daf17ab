package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/paper"
	"github.com/tickwatch/tickwatch/internal/scrip"
	"github.com/tickwatch/tickwatch/internal/session"
)

// errNoBrokerSession marks operations that need broker market data on a
// session that was rehydrated from snapshot and has not re-logged-in.
var errNoBrokerSession = errors.New("no broker session; re-login")

// ok writes the success envelope with extra fields merged in.
func ok(c *gin.Context, extra gin.H) {
	body := gin.H{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// fail writes the failure envelope with a stable reason code.
func fail(c *gin.Context, status int, reason, detail string) {
	c.JSON(status, gin.H{"success": false, "error": reason, "detail": detail})
}

// failErr classifies err and writes the failure envelope.
func (s *Server) failErr(c *gin.Context, err error) {
	status, reason := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", c.Request.URL.Path, "reason", reason, "err", err)
	}
	fail(c, status, reason, err.Error())
}

// classify maps sentinel errors onto HTTP statuses and reason codes.
// Unknown errors are internal: they indicate a bug, not bad input.
func classify(err error) (int, string) {
	var apiErr *broker.APIError

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrWatchNotFound):
		return http.StatusNotFound, "watch_not_found"
	case errors.Is(err, session.ErrAlertNotFound):
		return http.StatusNotFound, "alert_not_found"
	case errors.Is(err, paper.ErrTradeNotFound):
		return http.StatusNotFound, "trade_not_found"
	case errors.Is(err, session.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, session.ErrQuarantined):
		return http.StatusConflict, "session_quarantined"
	case errors.Is(err, paper.ErrTradeNotOpen):
		return http.StatusConflict, "trade_not_open"
	case errors.Is(err, paper.ErrAveragingDisabled):
		return http.StatusConflict, "averaging_disabled"
	case errors.Is(err, paper.ErrNoPrice):
		return http.StatusConflict, "no_price"
	case errors.Is(err, paper.ErrNoBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, paper.ErrPositionTooSmall):
		return http.StatusBadRequest, "position_too_small"
	case errors.Is(err, session.ErrInvalid):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone, "session_closed"
	case errors.Is(err, session.ErrBusy):
		return http.StatusServiceUnavailable, "busy"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "broker_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// bindJSON decodes the request body and reports binding failures as
// bad_request. The bool result tells the handler whether to continue.
func bindJSON[T any](c *gin.Context) (T, bool) {
	var req T
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return req, false
	}
	return req, true
}

// liveSession resolves a live session by id or fails the request.
func (s *Server) liveSession(c *gin.Context, sessionID string) (*session.Session, bool) {
	if sessionID == "" {
		fail(c, http.StatusBadRequest, "bad_request", "session_id is required")
		return nil, false
	}
	sess, found := s.d.Registry.Get(sessionID)
	if !found {
		fail(c, http.StatusNotFound, "session_not_found",
			"no live session with that id; login or verify first")
		return nil, false
	}
	return sess, true
}

// querySession is liveSession for GET routes, reading ?session_id=.
func (s *Server) querySession(c *gin.Context) (*session.Session, bool) {
	return s.liveSession(c, c.Query("session_id"))
}

// watchItem finds a token on the session's watchlist. Alerts and paper
// trades attach to watched instruments only: subscriptions, reference
// candles and last prices all ride on the watchlist entry.
func watchItem(view session.View, token string) (model.WatchlistItem, bool) {
	for _, item := range view.Watchlist {
		if item.Instrument.Token == token {
			return item, true
		}
	}
	return model.WatchlistItem{}, false
}

// lookupInstrument resolves a token or symbol to an instrument via the
// scrip catalog, then the index table. A token with an explicit
// exchange passes through for venues the catalog does not carry.
func (s *Server) lookupInstrument(token, symbol string, exchange model.Exchange) (model.Instrument, bool) {
	if token != "" {
		if e, found := s.d.Scrips.ResolveToken(token); found {
			return e.Instrument(), true
		}
		if ix, found := scrip.FindIndexToken(token); found {
			return ix.Instrument(), true
		}
		if exchange != "" {
			display := symbol
			if display == "" {
				display = token
			}
			return model.Instrument{Exchange: exchange, Token: token, Symbol: display}, true
		}
		return model.Instrument{}, false
	}

	if symbol != "" {
		if e, found := s.d.Scrips.Resolve(symbol); found {
			return e.Instrument(), true
		}
		if ix, found := scrip.FindIndex(symbol); found {
			return ix.Instrument(), true
		}
	}
	return model.Instrument{}, false
}

// parseExchange normalizes an exchange string, defaulting to NSE.
func parseExchange(raw string) model.Exchange {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return model.ExchangeNSE
	}
	return model.Exchange(raw)
}

// parseLevels converts level names to the domain type, rejecting
// unknown names so a typo cannot silently generate nothing.
func parseLevels(raw []string) ([]model.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	known := make(map[model.Level]struct{})
	for _, l := range model.AllLevels() {
		known[l] = struct{}{}
	}
	levels := make([]model.Level, 0, len(raw))
	for _, name := range raw {
		l := model.Level(strings.ToUpper(strings.TrimSpace(name)))
		if _, found := known[l]; !found {
			return nil, errors.New("unknown level " + name)
		}
		levels = append(levels, l)
	}
	return levels, nil
}

// referenceOHLC fetches the candle that seeds auto alerts: the pinned
// reference date when the session has one, otherwise the previous
// trading day.
func (s *Server) referenceOHLC(ctx context.Context, bs *broker.Session, key model.InstrumentKey, refDate string) (model.DayOHLC, error) {
	if refDate != "" {
		return s.d.OHLC.ForDate(ctx, bs, key, refDate)
	}
	return s.d.OHLC.PreviousDay(ctx, bs, key)
}
