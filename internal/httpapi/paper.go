package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/model"
)

// handlePaperSummary returns trades, balance, and realized/unrealized
// totals in one view.
func (s *Server) handlePaperSummary(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	view, err := sess.View(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{
		"trades":          view.Trades,
		"virtual_balance": view.VirtualBalance,
		"summary":         view.Paper,
		"enabled":         view.AutoPaperEnabled,
	})
}

type paperToggleRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Enabled   *bool  `json:"enabled" binding:"required"`
}

// handlePaperToggle turns alert-driven paper entries on or off.
func (s *Server) handlePaperToggle(c *gin.Context) {
	req, bound := bindJSON[paperToggleRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	enabled, err := sess.SetPaperEnabled(c.Request.Context(), *req.Enabled)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"enabled": enabled})
}

type paperCloseRequest struct {
	SessionID string  `json:"session_id" binding:"required"`
	TradeID   string  `json:"trade_id" binding:"required"`
	Price     float64 `json:"price"`
}

// handlePaperClose exits a trade at the given price, or at the last
// seen tick when the price is omitted.
func (s *Server) handlePaperClose(c *gin.Context) {
	req, bound := bindJSON[paperCloseRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	closed, err := sess.CloseTrade(c.Request.Context(), req.TradeID, req.Price)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"trade": closed})
}

// handlePaperClear drops CLOSED trades from the book.
func (s *Server) handlePaperClear(c *gin.Context) {
	req, bound := bindJSON[sessionOnlyRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	cleared, err := sess.ClearTrades(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"cleared": cleared})
}

type paperBalanceRequest struct {
	SessionID string   `json:"session_id" binding:"required"`
	Balance   *float64 `json:"balance" binding:"required"`
}

// handlePaperBalance resets the virtual wallet.
func (s *Server) handlePaperBalance(c *gin.Context) {
	req, bound := bindJSON[paperBalanceRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	balance, err := sess.SetVirtualBalance(c.Request.Context(), *req.Balance)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"virtual_balance": balance})
}

type paperStopRequest struct {
	SessionID string  `json:"session_id" binding:"required"`
	TradeID   string  `json:"trade_id" binding:"required"`
	StopLoss  float64 `json:"stop_loss"`
	Target    float64 `json:"target"`
}

// handlePaperStopLoss sets the protective stop on an open trade.
func (s *Server) handlePaperStopLoss(c *gin.Context) {
	req, bound := bindJSON[paperStopRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	trade, err := sess.SetStopLoss(c.Request.Context(), req.TradeID, req.StopLoss)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"trade": trade})
}

// handlePaperTarget sets the profit target on an open trade.
func (s *Server) handlePaperTarget(c *gin.Context) {
	req, bound := bindJSON[paperStopRequest](c)
	if !bound {
		return
	}
	sess, found := s.liveSession(c, req.SessionID)
	if !found {
		return
	}
	trade, err := sess.SetTarget(c.Request.Context(), req.TradeID, req.Target)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"trade": trade})
}

type paperTradeRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Side      string `json:"side" binding:"required"`
	Quantity  int64  `json:"quantity"`
}

// handlePaperTrade opens (or reverses into) a manual position on a
// watched instrument. Entry price is the session's last tick; before
// the first tick arrives it falls back to a broker quote.
func (s *Server) handlePaperTrade(c *gin.Context) {
	req, bound := bindJSON[paperTradeRequest](c)
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

	var price float64 // zero lets the session use its last tick
	if view.Marks[item.Instrument.Key()] <= 0 {
		if bs, live := s.d.Registry.BrokerSession(req.SessionID); live {
			if quote, err := s.d.Broker.GetLTP(ctx, bs,
				item.Instrument.Exchange, item.Instrument.Symbol, item.Instrument.Token); err == nil {
				price = quote.LTP
			}
		}
	}

	side := model.Side(strings.ToUpper(req.Side))
	trade, err := sess.ManualTrade(ctx, item.Instrument, side, req.Quantity, price)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"trade": trade})
}

// handlePaperExport streams the trade book as a CSV download.
func (s *Server) handlePaperExport(c *gin.Context) {
	sess, found := s.querySession(c)
	if !found {
		return
	}
	view, err := sess.View(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="paper_trades.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{
		"trade_id", "symbol", "exchange", "side", "quantity",
		"entry_price", "exit_price", "stop_loss", "target",
		"status", "mode", "trigger", "realized_pnl", "opened_at", "closed_at",
	})
	for _, t := range view.Trades {
		_ = w.Write(tradeRow(t))
	}
	w.Flush()
}

func tradeRow(t model.PaperTrade) []string {
	row := []string{
		t.ID,
		t.Instrument.Symbol,
		string(t.Instrument.Exchange),
		string(t.Side),
		strconv.FormatInt(t.Quantity, 10),
		formatPrice(t.EntryPrice),
		"", // exit_price
		"", // stop_loss
		"", // target
		string(t.Status),
		string(t.Mode),
		string(t.TriggerLevel),
		"", // realized_pnl
		t.OpenedAt.Format(time.RFC3339),
		"", // closed_at
	}
	if t.StopLoss != nil {
		row[7] = formatPrice(*t.StopLoss)
	}
	if t.Target != nil {
		row[8] = formatPrice(*t.Target)
	}
	if t.Status == model.TradeClosed {
		row[6] = formatPrice(t.ExitPrice)
		row[12] = formatPrice(t.RealizedPnL())
		row[14] = t.ClosedAt.Format(time.RFC3339)
	}
	return row
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
