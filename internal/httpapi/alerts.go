package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/model"
)

// handleAlerts lists the session's armed alerts.
func (s *Server) handleAlerts(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	view, err := sess.View(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"alerts": view.Alerts, "paused": view.AlertsPaused})
}

type alertCreateRequest struct {
	SessionID string  `json:"session_id" binding:"required"`
	Token     string  `json:"token" binding:"required"`
	Condition string  `json:"condition" binding:"required"`
	Price     float64 `json:"price"`
}

// handleAlertCreate arms a manual alert on a watched instrument.
func (s *Server) handleAlertCreate(c *gin.Context) {
	req, bound := bindJSON[alertCreateRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}

	ctx := c.Request.Context()
	view, err := sess.View(ctx)
	if err != nil {
		s.failErr(c, err)
		return
	}
	item, found := watchItem(view, req.Token)
	if !found {
		fail(c, http.StatusNotFound, "watch_not_found", "add the instrument to the watchlist first")
		return
	}

	cond := model.AlertCondition(strings.ToUpper(req.Condition))
	created, err := sess.CreateAlert(ctx, item.Instrument, cond, req.Price)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"alert": created})
}

type alertGenerateRequest struct {
	SessionID string   `json:"session_id" binding:"required"`
	Token     string   `json:"token" binding:"required"`
	Levels    []string `json:"levels"`
}

// handleAlertGenerate replaces the instrument's auto-alert ladder from
// its reference candle.
func (s *Server) handleAlertGenerate(c *gin.Context) {
	req, bound := bindJSON[alertGenerateRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	levels, err := parseLevels(req.Levels)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	ctx := c.Request.Context()
	view, err := sess.View(ctx)
	if err != nil {
		s.failErr(c, err)
		return
	}
	item, found := watchItem(view, req.Token)
	if !found {
		fail(c, http.StatusNotFound, "watch_not_found", "add the instrument to the watchlist first")
		return
	}

	bs, _ := s.d.Registry.BrokerSession(req.SessionID)
	ohlc, err := s.generationOHLC(c, bs, item, view.ReferenceDate)
	if err != nil {
		return // generationOHLC wrote the response
	}

	alerts, err := sess.GenerateAutoAlerts(ctx, item.Instrument, ohlc, levels)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"alerts": alerts, "count": len(alerts), "reference": ohlc.Date})
}

type alertGenerateBulkRequest struct {
	SessionID string   `json:"session_id" binding:"required"`
	Levels    []string `json:"levels"`
}

// handleAlertGenerateBulk regenerates auto alerts for every watched
// instrument, reporting per-instrument failures.
func (s *Server) handleAlertGenerateBulk(c *gin.Context) {
	req, bound := bindJSON[alertGenerateBulkRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	levels, err := parseLevels(req.Levels)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	ctx := c.Request.Context()
	view, err := sess.View(ctx)
	if err != nil {
		s.failErr(c, err)
		return
	}

	bs, _ := s.d.Registry.BrokerSession(req.SessionID)
	generated := 0
	instruments := 0
	failures := make([]gin.H, 0)
	for _, item := range view.Watchlist {
		ohlc, err := s.lookupReference(ctx, bs, item, view.ReferenceDate)
		if err != nil {
			failures = append(failures, gin.H{"token": item.Instrument.Token, "error": err.Error()})
			continue
		}
		alerts, err := sess.GenerateAutoAlerts(ctx, item.Instrument, ohlc, levels)
		if err != nil {
			failures = append(failures, gin.H{"token": item.Instrument.Token, "error": err.Error()})
			continue
		}
		generated += len(alerts)
		instruments++
	}

	ok(c, gin.H{"generated": generated, "instruments": instruments, "failures": failures})
}

// handleAlertDelete removes one alert by id.
func (s *Server) handleAlertDelete(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	if err := sess.DeleteAlert(c.Request.Context(), c.Param("id")); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, nil)
}

type alertDeleteManyRequest struct {
	SessionID string   `json:"session_id" binding:"required"`
	IDs       []string `json:"ids" binding:"required"`
}

// handleAlertDeleteMany removes a batch of alerts, counting hits.
func (s *Server) handleAlertDeleteMany(c *gin.Context) {
	req, bound := bindJSON[alertDeleteManyRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	deleted, err := sess.DeleteAlerts(c.Request.Context(), req.IDs)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"deleted": deleted})
}

// handleAlertClear removes every alert on the session.
func (s *Server) handleAlertClear(c *gin.Context) {
	req, bound := bindJSON[sessionOnlyRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	cleared, err := sess.ClearAlerts(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"cleared": cleared})
}

type alertPauseRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Paused    *bool  `json:"paused" binding:"required"`
}

// handleAlertPause sets the session-wide pause flag. While paused,
// alerts track prices without firing.
func (s *Server) handleAlertPause(c *gin.Context) {
	req, bound := bindJSON[alertPauseRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	paused, err := sess.PauseAlerts(c.Request.Context(), *req.Paused)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"paused": paused})
}

// handleAlertLogs returns the trigger history, newest last.
func (s *Server) handleAlertLogs(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	view, err := sess.View(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"logs": view.AlertLog})
}

// generationOHLC picks the candle for one instrument's generation
// request and writes the HTTP error itself when none is available.
func (s *Server) generationOHLC(c *gin.Context, bs *broker.Session, item model.WatchlistItem, refDate string) (model.DayOHLC, error) {
	ohlc, err := s.lookupReference(c.Request.Context(), bs, item, refDate)
	if err != nil {
		if errors.Is(err, errNoBrokerSession) {
			fail(c, http.StatusConflict, "no_broker_session",
				"no reference candle on the instrument; re-login and refresh")
		} else {
			s.failErr(c, err)
		}
		return model.DayOHLC{}, err
	}
	return ohlc, nil
}

// lookupReference prefers the candle snapshot already on the watchlist
// item; a pinned reference date or a missing snapshot forces a fetch.
func (s *Server) lookupReference(ctx context.Context, bs *broker.Session, item model.WatchlistItem, refDate string) (model.DayOHLC, error) {
	if refDate == "" && item.Instrument.OHLC != nil && item.Instrument.OHLC.Close > 0 {
		return *item.Instrument.OHLC, nil
	}
	if bs == nil {
		return model.DayOHLC{}, errNoBrokerSession
	}
	return s.referenceOHLC(ctx, bs, item.Instrument.Key(), refDate)
}
