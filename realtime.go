package coursepath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when the push connection is down.
var ErrNotConnected = errors.New("push connection not connected")

// subscriptionBuffer bounds payloads queued for one topic. Further payloads
// are dropped rather than stalling the read loop.
const subscriptionBuffer = 64

// ============================================================================
// Wire frames
// ============================================================================

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	framePing        = "ping"
	frameMessage     = "message"
	framePong        = "pong"
	frameError       = "error"
)

// pushFrame is the JSON frame exchanged on the push connection in both
// directions.
type pushFrame struct {
	Type        string          `json:"type"`
	Topic       Topic           `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push client.
type RealtimeConfig struct {
	// URL of the server; http(s) schemes are rewritten to ws(s) and "/ws" is
	// appended.
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

func (c *RealtimeConfig) endpoint() string {
	u := strings.TrimRight(c.URL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int)
	onError        []func(string)
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int) {
	d.mu.RLock()
	handlers := append([]func(int){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt)
	}
}

func (d *eventDispatcher) emitError(message string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(message)
	}
}

// ============================================================================
// PushClient
// ============================================================================

type subscription struct {
	ch chan []byte

	// sendMu keeps close(ch) from racing a delivery.
	sendMu sync.Mutex
	closed bool
}

// send never blocks: the read loop must keep reading pongs even when a
// subscriber stalls. It reports false when the payload was dropped.
func (s *subscription) send(payload []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// PushClient is the WebSocket push connection. It implements PushConn,
// re-subscribes every live topic after a reconnect, and keeps the connection
// alive with ping frames.
type PushClient struct {
	config     *RealtimeConfig
	logger     zerolog.Logger
	dispatcher *eventDispatcher
	state      *atomic.String
	pongCh     chan struct{}

	subMu sync.Mutex
	subs  map[Topic]*subscription

	mu               sync.Mutex
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	intentionalClose bool
}

// NewPushClient creates a push client. Call Connect before subscribing.
func NewPushClient(config *RealtimeConfig, logger zerolog.Logger) *PushClient {
	cfg := *config
	cfg.defaults()
	return &PushClient{
		config:     &cfg,
		logger:     logger.With().Str("component", "push-client").Logger(),
		dispatcher: &eventDispatcher{},
		state:      atomic.NewString(string(StateDisconnected)),
		pongCh:     make(chan struct{}, 1),
		subs:       make(map[Topic]*subscription),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (pc *PushClient) OnConnected(h func()) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onConnected = append(pc.dispatcher.onConnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (pc *PushClient) OnDisconnected(h func(code int, reason string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onDisconnected = append(pc.dispatcher.onDisconnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (pc *PushClient) OnReconnecting(h func(attempt int)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onReconnecting = append(pc.dispatcher.onReconnecting, h)
	pc.dispatcher.mu.Unlock()
}

// OnError registers a handler for server error frames.
func (pc *PushClient) OnError(h func(message string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onError = append(pc.dispatcher.onError, h)
	pc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (pc *PushClient) State() RealtimeState {
	return RealtimeState(pc.state.Load())
}

// Connect establishes the WebSocket connection.
func (pc *PushClient) Connect(ctx context.Context) error {
	switch pc.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	pc.state.Store(string(StateConnecting))

	pc.mu.Lock()
	pc.intentionalClose = false
	pc.mu.Unlock()

	if err := pc.dial(ctx); err != nil {
		pc.state.Store(string(StateDisconnected))
		return err
	}
	return nil
}

func (pc *PushClient) dial(ctx context.Context) error {
	header := http.Header{}
	if pc.config.Token != "" {
		header.Set("Authorization", "Bearer "+pc.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, pc.config.endpoint(), &websocket.DialOptions{
		HTTPClient: pc.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	pc.mu.Lock()
	if pc.intentionalClose {
		pc.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	pc.conn = conn
	pc.cancelFn = cancel
	pc.mu.Unlock()
	pc.state.Store(string(StateConnected))

	for _, topic := range pc.topics() {
		if err := pc.write(ctx, pushFrame{Type: frameSubscribe, Topic: topic}); err != nil {
			pc.logger.Warn().Err(err).Str("topic", string(topic)).Msg("resubscribe failed")
		}
	}

	pc.logger.Info().Str("url", pc.config.endpoint()).Msg("push connection established")
	pc.dispatcher.emitConnected()

	go pc.readLoop(connCtx, conn)
	go pc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and ends every subscription.
func (pc *PushClient) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	if pc.cancelFn != nil {
		pc.cancelFn()
		pc.cancelFn = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	pc.state.Store(string(StateDisconnected))

	pc.closeSubscriptions()

	pc.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (pc *PushClient) closeSubscriptions() {
	pc.subMu.Lock()
	subs := pc.subs
	pc.subs = make(map[Topic]*subscription)
	pc.subMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Subscribe starts delivery for topic. While a reconnect is in progress the
// topic is recorded and subscribed once the connection is back.
func (pc *PushClient) Subscribe(ctx context.Context, topic Topic) (<-chan []byte, error) {
	state := pc.State()
	if state != StateConnected && state != StateReconnecting {
		return nil, ErrNotConnected
	}

	pc.subMu.Lock()
	sub, ok := pc.subs[topic]
	if !ok {
		sub = &subscription{ch: make(chan []byte, subscriptionBuffer)}
		pc.subs[topic] = sub
	}
	pc.subMu.Unlock()
	if ok {
		return sub.ch, nil
	}

	if state == StateConnected {
		if err := pc.write(ctx, pushFrame{Type: frameSubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrNotConnected) {
			pc.dropSubscription(topic)
			return nil, fmt.Errorf("subscribe frame: %w", err)
		}
	}
	return sub.ch, nil
}

// Unsubscribe ends delivery for topic and closes its channel.
func (pc *PushClient) Unsubscribe(ctx context.Context, topic Topic) error {
	if !pc.dropSubscription(topic) {
		return nil
	}
	err := pc.write(ctx, pushFrame{Type: frameUnsubscribe, Topic: topic})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (pc *PushClient) dropSubscription(topic Topic) bool {
	pc.subMu.Lock()
	sub, ok := pc.subs[topic]
	delete(pc.subs, topic)
	pc.subMu.Unlock()
	if !ok {
		return false
	}
	sub.close()
	return true
}

// Send publishes payload to destination.
func (pc *PushClient) Send(ctx context.Context, destination string, payload []byte) error {
	return pc.write(ctx, pushFrame{Type: frameSend, Destination: destination, Payload: payload})
}

func (pc *PushClient) write(ctx context.Context, frame pushFrame) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (pc *PushClient) topics() []Topic {
	pc.subMu.Lock()
	defer pc.subMu.Unlock()
	out := make([]Topic, 0, len(pc.subs))
	for t := range pc.subs {
		out = append(out, t)
	}
	return out
}

func (pc *PushClient) deliver(topic Topic, payload []byte) {
	pc.subMu.Lock()
	sub, ok := pc.subs[topic]
	pc.subMu.Unlock()
	if ok && !sub.send(payload) {
		pc.logger.Warn().Str("topic", string(topic)).Msg("subscriber is not keeping up, dropping payload")
	}
}

func (pc *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			pc.mu.Lock()
			intentional := pc.intentionalClose
			if pc.conn == conn {
				pc.conn = nil
			}
			pc.mu.Unlock()
			if intentional {
				return
			}

			pc.logger.Warn().Err(err).Msg("push connection lost")
			pc.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if pc.config.AutoReconnect {
				pc.state.Store(string(StateReconnecting))
				go pc.reconnect()
			} else {
				pc.state.Store(string(StateDisconnected))
			}
			return
		}

		var frame pushFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			pc.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case frameMessage:
			pc.deliver(frame.Topic, frame.Payload)
		case framePong:
			select {
			case pc.pongCh <- struct{}{}:
			default:
			}
		case frameError:
			pc.logger.Warn().Str("message", frame.Message).Msg("push server error")
			pc.dispatcher.emitError(frame.Message)
		}
	}
}

func (pc *PushClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pc.ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed; the read loop sees the close and reconnects.
				pc.logger.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (pc *PushClient) ping(ctx context.Context) error {
	select {
	case <-pc.pongCh:
	default:
	}
	if err := pc.write(ctx, pushFrame{Type: framePing}); err != nil {
		return err
	}
	timer := time.NewTimer(pc.config.HeartbeatTimeout)
	defer timer.Stop()
	select {
	case <-pc.pongCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pc *PushClient) reconnect() {
	backoff := retry.NewExponential(pc.config.ReconnectBaseDelay)
	backoff = retry.WithCappedDuration(pc.config.ReconnectMaxDelay, backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	if pc.config.MaxReconnectAttempts > 0 {
		backoff = retry.WithMaxRetries(uint64(pc.config.MaxReconnectAttempts), backoff)
	}

	attempt := 0
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		pc.mu.Lock()
		intentional := pc.intentionalClose
		pc.mu.Unlock()
		if intentional {
			return nil
		}

		attempt++
		pc.dispatcher.emitReconnecting(attempt)
		dialCtx, cancel := context.WithTimeout(ctx, pc.config.HeartbeatTimeout)
		defer cancel()
		if err := pc.dial(dialCtx); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return nil
			}
			pc.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pc.logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on push connection")
		pc.state.Store(string(StateDisconnected))
		pc.closeSubscriptions()
	}
}
