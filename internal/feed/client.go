package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/model"
)

// correlationID tags every subscription command we send upstream.
const correlationID = "watchlist"

var errDecodeRunaway = errors.New("feed: decode error run exceeded threshold")

// Client owns the process-wide upstream connection. Sessions express
// interest through Subscribe/Unsubscribe; the client keeps the broker's
// live subscription set equal to the ledger and fans decoded ticks out
// through the Dispatcher.
type Client struct {
	cfg      config.FeedConfig
	creds    CredentialSource
	dispatch Dispatcher
	metrics  *metrics.Registry
	logger   *slog.Logger

	// ledger and the pending delta sets share one mutex.
	mu           sync.Mutex
	ledger       *ledger
	pendingSub   map[model.InstrumentKey]struct{}
	pendingUnsub map[model.InstrumentKey]struct{}
	emptySince   time.Time

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	state      atomic.Int32
	generation atomic.Int64
	frames     atomic.Int64
	ticks      atomic.Int64
	decodeErrs atomic.Int64
	reconnects atomic.Int64

	wake    chan struct{}
	deltaCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates the upstream client. The dispatcher must be non-nil;
// metrics may be nil in tests.
func NewClient(cfg config.FeedConfig, creds CredentialSource, dispatch Dispatcher, m *metrics.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultFeedHeartbeat
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = config.DefaultFeedReadDeadline
	}
	if cfg.ReconnectBackoffBase <= 0 {
		cfg.ReconnectBackoffBase = config.DefaultReconnectBase
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = config.DefaultReconnectMax
	}
	if cfg.DecodeErrorThreshold <= 0 {
		cfg.DecodeErrorThreshold = config.DefaultDecodeErrorThreshold
	}
	return &Client{
		cfg:          cfg,
		creds:        creds,
		dispatch:     dispatch,
		metrics:      m,
		logger:       logger.With("component", "feed"),
		ledger:       newLedger(),
		pendingSub:   make(map[model.InstrumentKey]struct{}),
		pendingUnsub: make(map[model.InstrumentKey]struct{}),
		wake:         make(chan struct{}, 1),
		deltaCh:      make(chan struct{}, 1),
	}
}

// Start launches the supervisor and delta flusher.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.supervise()
	go c.flushLoop()

	c.logger.Info("feed client started", "url", c.cfg.URL)
	return nil
}

// Stop closes the connection and waits for goroutines to exit.
func (c *Client) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return ErrNotStarted
	}

	c.setState(StateDraining)
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.setState(StateDisconnected)
		c.logger.Info("feed client stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Stats returns a snapshot of client health.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	tokens := c.ledger.size()
	c.mu.Unlock()

	return Stats{
		State:          c.State(),
		Generation:     c.generation.Load(),
		FramesReceived: c.frames.Load(),
		TicksDecoded:   c.ticks.Load(),
		DecodeErrors:   c.decodeErrs.Load(),
		Reconnects:     c.reconnects.Load(),
		Tokens:         tokens,
	}
}

// Subscribe registers a session's interest in the given instruments.
// New effective tokens are batched into the next upstream delta.
func (c *Client) Subscribe(sessionID string, keys []model.InstrumentKey) {
	var changed bool

	c.mu.Lock()
	for _, key := range keys {
		if !c.ledger.add(sessionID, key) {
			continue
		}
		if _, ok := c.pendingUnsub[key]; ok {
			delete(c.pendingUnsub, key)
		} else {
			c.pendingSub[key] = struct{}{}
		}
		changed = true
	}
	if c.ledger.size() > 0 {
		c.emptySince = time.Time{}
	}
	c.gaugeTokens(c.ledger.size())
	c.mu.Unlock()

	if changed {
		c.pokeDelta()
		c.pokeWake()
	}
}

// Unsubscribe withdraws a session's interest. Tokens nobody wants any
// more are batched into the next upstream delta.
func (c *Client) Unsubscribe(sessionID string, keys []model.InstrumentKey) {
	var changed bool

	c.mu.Lock()
	for _, key := range keys {
		if !c.ledger.remove(sessionID, key) {
			continue
		}
		if _, ok := c.pendingSub[key]; ok {
			delete(c.pendingSub, key)
		} else {
			c.pendingUnsub[key] = struct{}{}
		}
		changed = true
	}
	if c.ledger.size() == 0 && c.emptySince.IsZero() {
		c.emptySince = time.Now()
	}
	c.gaugeTokens(c.ledger.size())
	c.mu.Unlock()

	if changed {
		c.pokeDelta()
	}
}

// DropSession withdraws every interest held by a session, used at logout.
func (c *Client) DropSession(sessionID string) {
	c.mu.Lock()
	gone := c.ledger.dropSession(sessionID)
	for _, key := range gone {
		if _, ok := c.pendingSub[key]; ok {
			delete(c.pendingSub, key)
		} else {
			c.pendingUnsub[key] = struct{}{}
		}
	}
	if c.ledger.size() == 0 && c.emptySince.IsZero() {
		c.emptySince = time.Now()
	}
	c.gaugeTokens(c.ledger.size())
	c.mu.Unlock()

	if len(gone) > 0 {
		c.pokeDelta()
	}
}

func (c *Client) gaugeTokens(n int) {
	if c.metrics != nil {
		c.metrics.FeedTokens.Set(float64(n))
	}
}

func (c *Client) pokeWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) pokeDelta() {
	select {
	case c.deltaCh <- struct{}{}:
	default:
	}
}

// supervise runs the connect/read/backoff cycle until shutdown.
func (c *Client) supervise() {
	defer c.wg.Done()

	bo := &backoff{
		base:   c.cfg.ReconnectBackoffBase,
		max:    c.cfg.ReconnectBackoffMax,
		jitter: c.cfg.ReconnectJitter,
	}

	for {
		if !c.waitForWork() {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.setState(StateDisconnected)
			c.reconnects.Add(1)
			if c.metrics != nil {
				c.metrics.FeedReconnects.Inc()
			}
			wait := bo.next()
			c.logger.Warn("feed dial failed", "err", err, "retry_in", wait)
			if !c.sleep(wait) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.setState(StateAuthenticating)
		c.generation.Add(1)

		if err := c.resubscribeAll(); err != nil {
			c.logger.Warn("resubscribe failed", "err", err)
			c.closeConn()
			c.setState(StateDisconnected)
			continue
		}

		epoch, cancelEpoch := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.keeper(epoch, conn)

		err = c.readLoop(conn, bo)
		cancelEpoch()
		c.closeConn()

		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateDisconnected)
		if errors.Is(err, errDrained) {
			c.logger.Info("feed drained, holding until next subscription")
			continue
		}

		c.reconnects.Add(1)
		if c.metrics != nil {
			c.metrics.FeedReconnects.Inc()
		}
		wait := bo.next()
		c.logger.Warn("feed connection lost", "err", err, "retry_in", wait)
		if !c.sleep(wait) {
			return
		}
	}
}

var errDrained = errors.New("feed: ledger empty past linger window")

// waitForWork blocks until the ledger is non-empty or shutdown.
func (c *Client) waitForWork() bool {
	for {
		c.mu.Lock()
		n := c.ledger.size()
		c.mu.Unlock()
		if n > 0 {
			return true
		}

		select {
		case <-c.ctx.Done():
			return false
		case <-c.wake:
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// dial opens the websocket with the lent credential headers.
func (c *Client) dial() (*websocket.Conn, error) {
	creds, err := c.creds.FeedCredentials()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", creds.JWT)
	header.Set("x-api-key", creds.APIKey)
	header.Set("x-client-code", creds.ClientCode)
	header.Set("x-feed-token", creds.FeedToken)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("feed socket connected", "url", c.cfg.URL)
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

// send serializes one command onto the socket.
func (c *Client) send(cmd wsCommand) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendText writes a raw text frame, used for the heartbeat ping.
func (c *Client) sendText(s string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// resubscribeAll pushes the entire ledger in one command. Pending deltas
// are superseded and dropped.
func (c *Client) resubscribeAll() error {
	c.mu.Lock()
	keys := c.ledger.keys()
	c.pendingSub = make(map[model.InstrumentKey]struct{})
	c.pendingUnsub = make(map[model.InstrumentKey]struct{})
	c.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	c.logger.Info("resubscribing ledger", "tokens", len(keys), "generation", c.generation.Load())
	return c.send(buildCommand(correlationID, actionSubscribe, keys))
}

// flushLoop coalesces subscription deltas into batched commands. The
// window opens at the first mutation and closes unconditionally, so a
// steady stream of mutations still flushes every window.
func (c *Client) flushLoop() {
	defer c.wg.Done()

	window := c.cfg.SubscriptionBatchWindow
	if window <= 0 {
		window = config.DefaultSubscriptionWindow
	}

	timer := time.NewTimer(window)
	if !timer.Stop() {
		<-timer.C
	}
	windowOpen := false

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.deltaCh:
			if !windowOpen {
				timer.Reset(window)
				windowOpen = true
			}
		case <-timer.C:
			windowOpen = false
			c.flushDeltas()
		}
	}
}

// flushDeltas sends the accumulated subscribe/unsubscribe commands.
// When the socket is down the deltas are dropped: the next connect
// resubscribes the whole ledger anyway.
func (c *Client) flushDeltas() {
	c.mu.Lock()
	subs := make([]model.InstrumentKey, 0, len(c.pendingSub))
	for key := range c.pendingSub {
		subs = append(subs, key)
	}
	unsubs := make([]model.InstrumentKey, 0, len(c.pendingUnsub))
	for key := range c.pendingUnsub {
		unsubs = append(unsubs, key)
	}
	c.pendingSub = make(map[model.InstrumentKey]struct{})
	c.pendingUnsub = make(map[model.InstrumentKey]struct{})
	c.mu.Unlock()

	if c.State() != StateLive {
		return
	}

	if len(subs) > 0 {
		if err := c.send(buildCommand(correlationID, actionSubscribe, subs)); err != nil {
			c.logger.Warn("subscribe delta failed", "tokens", len(subs), "err", err)
		}
	}
	if len(unsubs) > 0 {
		if err := c.send(buildCommand(correlationID, actionUnsubscribe, unsubs)); err != nil {
			c.logger.Warn("unsubscribe delta failed", "tokens", len(unsubs), "err", err)
		}
	}
}

// keeper sends the heartbeat ping and enforces the empty-ledger linger.
func (c *Client) keeper(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := c.sendText("ping"); err != nil {
				c.logger.Debug("heartbeat send failed", "err", err)
			}
		case <-housekeeping.C:
			c.mu.Lock()
			emptySince := c.emptySince
			c.mu.Unlock()

			if !emptySince.IsZero() && time.Since(emptySince) >= c.cfg.Linger {
				c.setState(StateDraining)
				c.logger.Info("ledger empty past linger, draining")
				conn.Close()
				return
			}
		}
	}
}

// readLoop pulls frames until the connection dies or drains. The read
// deadline is pushed forward on every frame; silence past the deadline
// kills the socket.
func (c *Client) readLoop(conn *websocket.Conn, bo *backoff) error {
	decodeRun := 0

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.State() == StateDraining {
				return errDrained
			}
			return err
		}

		c.frames.Add(1)
		if c.metrics != nil {
			c.metrics.FeedFrames.Inc()
		}

		if c.State() == StateAuthenticating {
			c.setState(StateLive)
			bo.reset()
			c.logger.Info("feed live", "generation", c.generation.Load())
		}

		switch msgType {
		case websocket.TextMessage:
			// Heartbeat pong or broker control chatter.
			if string(data) != "pong" {
				c.logger.Debug("feed text frame", "data", string(data))
			}

		case websocket.BinaryMessage:
			tick, derr := DecodeTick(data, time.Now())
			if derr != nil {
				c.decodeErrs.Add(1)
				if c.metrics != nil {
					c.metrics.FeedDecodeErrors.Inc()
				}
				decodeRun++
				if decodeRun >= c.cfg.DecodeErrorThreshold {
					c.logger.Error("decode errors past threshold, reconnecting",
						"run", decodeRun,
					)
					return errDecodeRunaway
				}
				continue
			}
			decodeRun = 0
			c.ticks.Add(1)
			if c.metrics != nil {
				c.metrics.FeedTicks.Inc()
			}

			c.mu.Lock()
			subscribers := c.ledger.subscribers(tick.Key())
			c.mu.Unlock()

			if len(subscribers) > 0 {
				c.dispatch.DispatchTick(subscribers, tick)
			}
		}
	}
}
