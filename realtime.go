package privatechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	// ErrNoToken is reported when no credential is available for a connect.
	ErrNoToken = errors.New("privatechat: no auth token available")
	// ErrNotConnected is returned by Send when there is no open socket.
	ErrNotConnected = errors.New("privatechat: not connected")
)

// ============================================================================
// Credentials
// ============================================================================

// TokenSource yields the bearer credential. It is consulted synchronously on
// every connect attempt, so a refreshed token is picked up on reconnect.
type TokenSource interface {
	Token() (string, bool)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, bool) {
	return string(t), t != ""
}

// ============================================================================
// Wire Types
// ============================================================================

// Event types carried in SyncEvent.EventType.
const (
	EventNewItems        = "new_items"
	EventResponseCreated = "response_created"
	EventTyping          = "typing"
	EventPing            = "ping"
	EventPong            = "pong"
)

// SyncEvent is the envelope of every frame, discriminated by EventType.
// Items is left raw because the server sends it in several shapes.
type SyncEvent struct {
	EventType      string          `json:"event_type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Items          json.RawMessage `json:"items,omitempty"`
	ResponseID     string          `json:"response_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	UserName       string          `json:"user_name,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionState is the state of a SyncConnection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// SyncConfig configures a SyncConnection.
type SyncConfig struct {
	// BaseURL is the chat API origin; http(s) is rewritten to ws(s).
	BaseURL string
	Tokens  TokenSource

	// MaxReconnectAttempts caps reconnects per outage. Negative disables them.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxJitter            time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	ReadLimit            int64

	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Metrics    *Metrics
}

func (c *SyncConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxJitter == 0 {
		c.MaxJitter = time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 8 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// WebSocketURL builds the socket URL for a conversation. The token travels
// as a query parameter because browsers cannot set handshake headers and the
// server accepts it there for every client.
func WebSocketURL(baseURL, conversationID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws/conversations/" + conversationID
	u.RawPath = ""
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu      sync.RWMutex
	onEvent []func(SyncEvent)
	onState []func(ConnectionState)
	log     *zerolog.Logger
}

func (d *eventDispatcher) dispatch(ev SyncEvent) {
	d.mu.RLock()
	handlers := append([]func(SyncEvent){}, d.onEvent...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely(ev.EventType, func() { h(ev) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("state", func() { h(s) })
	}
}

func (d *eventDispatcher) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("handler", what).Interface("panic", r).Msg("sync handler panicked")
		}
	}()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

// BackoffDelay is the reconnect delay before jitter: base * 2^attempt.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}

type reconnector struct {
	baseDelay   time.Duration
	maxAttempts int
	attempt     int
	jitter      func() time.Duration
}

func newReconnector(config *SyncConfig) *reconnector {
	maxJitter := config.MaxJitter
	return &reconnector{
		baseDelay:   config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
		jitter: func() time.Duration {
			return time.Duration(rand.Float64() * float64(maxJitter))
		},
	}
}

// next returns the delay for the next attempt, or false once attempts are
// exhausted.
func (r *reconnector) next() (time.Duration, int, bool) {
	if r.attempt >= r.maxAttempts {
		return 0, r.attempt, false
	}
	delay := BackoffDelay(r.baseDelay, r.attempt) + r.jitter()
	r.attempt++
	return delay, r.attempt, true
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// SyncConnection
// ============================================================================

// SyncConnection keeps one authenticated socket open for the active
// conversation. It reconnects with exponential backoff after unintentional
// closes and sends a heartbeat ping while connected. Handlers run on the read
// goroutine in frame order.
type SyncConnection struct {
	config     *SyncConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher

	mu             sync.Mutex
	state          ConnectionState
	conversationID string
	conn           *websocket.Conn
	cancelFn       context.CancelFunc
	reconnectTimer *time.Timer
	recon          *reconnector
	// gen increments on every teardown; goroutines from an older session
	// compare it and exit without touching state.
	gen uint64
}

// NewSyncConnection creates an idle connection manager.
func NewSyncConnection(config SyncConfig) *SyncConnection {
	config.defaults()
	log := config.Logger.With().Str("component", "sync_connection").Logger()
	return &SyncConnection{
		config:     &config,
		log:        log,
		dispatcher: &eventDispatcher{log: &log},
		state:      StateDisconnected,
		recon:      newReconnector(&config),
	}
}

// OnEvent registers a handler for every decoded frame.
func (c *SyncConnection) OnEvent(h func(SyncEvent)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onEvent = append(c.dispatcher.onEvent, h)
	c.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (c *SyncConnection) OnStateChange(h func(ConnectionState)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onState = append(c.dispatcher.onState, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *SyncConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open.
func (c *SyncConnection) IsConnected() bool {
	return c.State() == StateConnected
}

// ConversationID returns the conversation the connection is bound to.
func (c *SyncConnection) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Connect binds the connection to conversationID and starts connecting in
// the background. Connecting to the current conversation while connecting or
// connected is a no-op; a different conversation tears the old socket down
// first.
func (c *SyncConnection) Connect(conversationID string) {
	if conversationID == "" {
		return
	}

	c.mu.Lock()
	if c.conversationID == conversationID &&
		(c.state == StateConnecting || c.state == StateConnected) {
		c.mu.Unlock()
		return
	}
	active := c.conversationID != "" || c.conn != nil || c.reconnectTimer != nil
	c.mu.Unlock()

	if active {
		c.Disconnect()
	}

	c.mu.Lock()
	c.conversationID = conversationID
	c.recon.reset()
	gen := c.gen
	c.mu.Unlock()

	c.doConnect(gen)
}

// Disconnect closes the socket and suppresses any reconnect. Handlers of the
// torn-down session are detached before the socket closes, so the close
// cannot schedule a reconnect.
func (c *SyncConnection) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.conversationID = ""
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	c.conn = nil
	c.recon.reset()
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.config.Metrics.stateChanged(StateDisconnected)
	c.dispatcher.emitState(StateDisconnected)
}

// Send writes one event to the socket.
func (c *SyncConnection) Send(ctx context.Context, ev SyncEvent) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// setState records s if gen still names the live session.
func (c *SyncConnection) setState(gen uint64, s ConnectionState) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.mu.Unlock()

	c.config.Metrics.stateChanged(s)
	c.dispatcher.emitState(s)
	return true
}

func (c *SyncConnection) doConnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.conversationID == "" {
		c.mu.Unlock()
		return
	}
	conversationID := c.conversationID
	c.reconnectTimer = nil
	c.mu.Unlock()

	var token string
	var ok bool
	if c.config.Tokens != nil {
		token, ok = c.config.Tokens.Token()
	}
	if !ok || token == "" {
		c.log.Warn().Err(ErrNoToken).Str("conversation_id", conversationID).Msg("cannot open sync socket")
		c.setState(gen, StateError)
		return
	}

	wsURL, err := WebSocketURL(c.config.BaseURL, conversationID, token)
	if err != nil {
		c.log.Error().Err(err).Msg("cannot build sync socket url")
		c.setState(gen, StateError)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		return
	}
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.cancelFn = cancel
	c.mu.Unlock()

	if !c.setState(gen, StateConnecting) {
		cancel()
		return
	}
	go c.run(ctx, gen, conversationID, wsURL)
}

func (c *SyncConnection) run(ctx context.Context, gen uint64, conversationID, wsURL string) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("sync socket handshake failed")
		if c.setState(gen, StateError) {
			c.scheduleReconnect(gen)
		}
		return
	}
	conn.SetReadLimit(c.config.ReadLimit)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.conn = conn
	c.recon.reset()
	c.mu.Unlock()

	c.log.Debug().Str("conversation_id", conversationID).Msg("sync socket connected")
	c.setState(gen, StateConnected)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go c.heartbeatLoop(connCtx, conn)
	c.readLoop(connCtx, gen, conn)
}

func (c *SyncConnection) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			stale := gen != c.gen
			if !stale {
				c.conn = nil
			}
			c.mu.Unlock()
			if stale {
				return
			}

			c.log.Debug().Err(err).Int("close_code", int(websocket.CloseStatus(err))).Msg("sync socket closed")
			if c.setState(gen, StateDisconnected) {
				c.scheduleReconnect(gen)
			}
			return
		}

		var ev SyncEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.EventType == "" {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed sync frame")
			c.config.Metrics.frameDropped()
			continue
		}

		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.dispatcher.dispatch(ev)
	}
}

func (c *SyncConnection) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(SyncEvent{EventType: EventPing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed write surfaces as a read error on the other goroutine.
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat ping failed")
				return
			}
		}
	}
}

func (c *SyncConnection) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conversationID == "" {
		return
	}

	delay, attempt, ok := c.recon.next()
	if !ok {
		c.log.Warn().Int("attempts", attempt).Msg("max sync reconnection attempts reached")
		return
	}
	c.config.Metrics.reconnectScheduled()
	c.log.Debug().Dur("delay", delay).Int("attempt", attempt).
		Int("max_attempts", c.recon.maxAttempts).Msg("scheduling sync reconnect")

	c.reconnectTimer = time.AfterFunc(delay, func() { c.doConnect(gen) })
}
