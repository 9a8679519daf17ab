package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/feed"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/scrip"
	"github.com/tickwatch/tickwatch/internal/session"
	"github.com/tickwatch/tickwatch/internal/store"
	"github.com/tickwatch/tickwatch/internal/stream"
	"github.com/tickwatch/tickwatch/internal/version"
)

// Deps bundles everything the HTTP layer fronts. Feed, Flush and
// Metrics are optional; their health sections and routes are skipped
// when absent.
type Deps struct {
	Config    config.HTTPConfig
	BrokerCfg config.BrokerConfig
	Broker    *broker.Client
	Registry  *session.Registry
	Scrips    *scrip.Directory
	OHLC      *scrip.OHLCFetcher
	Streams   *stream.Manager
	Feed      *feed.Client
	Flush     *store.FlushWorker
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

// Server owns the gin engine and its handlers.
type Server struct {
	d       Deps
	logger  *slog.Logger
	started time.Time
}

// NewServer creates the HTTP front. Call Router to get the handler.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		d:       d,
		logger:  logger.With("component", "http"),
		started: time.Now(),
	}
}

// Router builds the engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(s.d.Config.CORSOrigins))
	r.Use(s.requestLog())

	r.GET("/healthz", s.handleHealth)
	if s.d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.d.Metrics.Handler()))
	}
	r.GET("/stream/:session_id", s.handleStream)

	api := r.Group("/api")

	sess := api.Group("/session")
	sess.POST("/login", s.handleLogin)
	sess.POST("/logout", s.handleLogout)
	sess.GET("/verify", s.handleVerify)

	watch := api.Group("/watchlist")
	watch.GET("", s.handleWatchlist)
	watch.POST("", s.handleWatchlistAdd)
	watch.DELETE("/:token", s.handleWatchlistRemove)
	watch.POST("/refresh", s.handleWatchlistRefresh)
	watch.POST("/reference-date", s.handleReferenceDate)

	alerts := api.Group("/alerts")
	alerts.GET("", s.handleAlerts)
	alerts.POST("", s.handleAlertCreate)
	alerts.POST("/generate", s.handleAlertGenerate)
	alerts.POST("/generate-bulk", s.handleAlertGenerateBulk)
	alerts.DELETE("/:id", s.handleAlertDelete)
	alerts.POST("/delete-many", s.handleAlertDeleteMany)
	alerts.POST("/clear", s.handleAlertClear)
	alerts.POST("/pause", s.handleAlertPause)
	alerts.GET("/logs", s.handleAlertLogs)

	paper := api.Group("/paper")
	paper.GET("/summary", s.handlePaperSummary)
	paper.POST("/toggle", s.handlePaperToggle)
	paper.POST("/close", s.handlePaperClose)
	paper.POST("/clear", s.handlePaperClear)
	paper.POST("/balance", s.handlePaperBalance)
	paper.POST("/stop-loss", s.handlePaperStopLoss)
	paper.POST("/target", s.handlePaperTarget)
	paper.POST("/trade", s.handlePaperTrade)
	paper.GET("/export", s.handlePaperExport)

	api.GET("/scrips/search", s.handleScripSearch)

	return r
}

// handleStream upgrades the request and hands the socket to the channel
// manager. Bind errors travel over the socket, not the HTTP response.
func (s *Server) handleStream(c *gin.Context) {
	s.d.Streams.Serve(c.Writer, c.Request, c.Param("session_id"), c.Query("user_id"))
}

// handleHealth reports process, feed and persistence health in one JSON
// document. Status degrades when the feed has work but no socket, or
// when snapshot writes are failing.
func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	body := gin.H{
		"version":  version.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": s.d.Registry.Count(),
	}

	if s.d.Streams != nil {
		body["channels"] = s.d.Streams.ChannelCount()
	}

	if s.d.Feed != nil {
		fs := s.d.Feed.Stats()
		body["feed"] = gin.H{
			"state":         fs.State.String(),
			"tokens":        fs.Tokens,
			"frames":        fs.FramesReceived,
			"ticks":         fs.TicksDecoded,
			"decode_errors": fs.DecodeErrors,
			"reconnects":    fs.Reconnects,
		}
		if fs.Tokens > 0 && fs.State != feed.StateLive {
			status = "degraded"
		}
	}

	if s.d.Flush != nil {
		fm := s.d.Flush.Stats()
		body["persistence"] = gin.H{
			"cycles":        fm.Cycles,
			"writes":        fm.Writes,
			"encode_errors": fm.EncodeErrors,
			"save_errors":   fm.SaveErrors,
		}
		if fm.SaveErrors > 0 && fm.Writes == 0 {
			status = "degraded"
		}
	}

	body["status"] = status
	body["success"] = status == "ok"

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

// corsMiddleware allows the configured origins. An empty list or a "*"
// entry allows everyone, which suits a localhost tool.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLog emits one debug line per request. The stream route is
// skipped: its connections live for hours and are logged by the channel
// manager instead.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/stream/") {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	}
}
