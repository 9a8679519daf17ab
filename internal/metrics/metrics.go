package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used across the server.
type Registry struct {
	reg *prometheus.Registry

	// Upstream feed
	FeedFrames       prometheus.Counter
	FeedTicks        prometheus.Counter
	FeedDecodeErrors prometheus.Counter
	FeedReconnects   prometheus.Counter
	FeedTokens       prometheus.Gauge

	// Downstream channels
	StreamChannels      prometheus.Gauge
	StreamFramesSent    *prometheus.CounterVec
	StreamSlowConsumers prometheus.Counter

	// Sessions
	SessionsActive   prometheus.Gauge
	Commands         *prometheus.CounterVec
	CommandOverflows prometheus.Counter

	// Domain
	AlertsTriggered prometheus.Counter
	TradesOpened    prometheus.Counter
	TradesClosed    prometheus.Counter

	// Persistence
	SnapshotsWritten prometheus.Counter
	SnapshotErrors   prometheus.Counter
}

// NewRegistry creates the Prometheus collectors on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		FeedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_feed_frames_total",
			Help: "Total frames received on the upstream feed socket",
		}),
		FeedTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_feed_ticks_total",
			Help: "Total binary ticks decoded from the upstream feed",
		}),
		FeedDecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_feed_decode_errors_total",
			Help: "Total frames dropped due to decode errors",
		}),
		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_feed_reconnects_total",
			Help: "Total upstream reconnect attempts",
		}),
		FeedTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickwatch_feed_tokens_subscribed",
			Help: "Distinct tokens currently subscribed upstream",
		}),
		StreamChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickwatch_stream_channels_active",
			Help: "Active downstream websocket channels",
		}),
		StreamFramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickwatch_stream_frames_sent_total",
			Help: "Frames written to downstream channels",
		}, []string{"type"}),
		StreamSlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_stream_slow_consumer_closes_total",
			Help: "Channels closed because their send queue overflowed",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickwatch_sessions_active",
			Help: "Sessions resident in memory",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickwatch_session_commands_total",
			Help: "Commands processed by session loops",
		}, []string{"command"}),
		CommandOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_session_command_overflows_total",
			Help: "Commands rejected because a session queue was full",
		}),
		AlertsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_alerts_triggered_total",
			Help: "Alerts fired by the evaluator",
		}),
		TradesOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_paper_trades_opened_total",
			Help: "Paper trades opened",
		}),
		TradesClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_paper_trades_closed_total",
			Help: "Paper trades closed",
		}),
		SnapshotsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_snapshots_written_total",
			Help: "Session snapshots written to the store",
		}),
		SnapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickwatch_snapshot_errors_total",
			Help: "Snapshot writes that failed",
		}),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
