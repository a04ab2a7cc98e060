package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrSendQueueFull = errors.New("send queue full")
	ErrManagerClosed = errors.New("connection manager closed")
	ErrEmptyIdentity = errors.New("identity cannot be empty")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	URL                  string
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	WriteWait            time.Duration
	PongWait             time.Duration
	PingInterval         time.Duration
	MaxMessageSize       int64
	SendBufferSize       int
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ConnectionManager owns at most one live connection for one identity and
// keeps it up until Disconnect is called or reconnection gives up.
type ConnectionManager struct {
	log     *log.Logger
	opts    Options
	dialer  Dialer
	tokens  auth.TokenSource
	stats   stats.StatsProvider
	events  *Events
	backoff backoff

	mu        sync.Mutex
	state     State
	identity  string
	conn      *conn
	cancel    context.CancelFunc
	done      chan struct{}
	gen       uint64
	connected map[string]bool
	closed    bool
}

// NewConnectionManager creates a manager dialling opts.URL. tokens may be nil
// when the endpoint needs no credential.
func NewConnectionManager(logger *log.Logger, opts Options, tokens auth.TokenSource, sp stats.StatsProvider) *ConnectionManager {
	opts.setDefaults()
	if sp == nil {
		sp = stats.Discard{}
	}

	for _, name := range []string{
		stats.NumConnects,
		stats.NumReconnectAttempts,
		stats.NumConnectErrors,
		stats.MalformedEvents,
		stats.ActiveConnections,
	} {
		sp.RegisterMetric(name)
	}

	return &ConnectionManager{
		log:  logger,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		tokens:    tokens,
		stats:     sp,
		events:    NewEvents(logger),
		backoff:   newBackoff(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay),
		connected: make(map[string]bool),
	}
}

func (m *ConnectionManager) Events() *Events {
	return m.events
}

func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connection describes the live connection, if any.
func (m *ConnectionManager) Connection() (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ConnectionInfo{}, false
	}
	return m.conn.info(m.state), true
}

// Connect starts connecting as identity and returns immediately. It is a no-op
// while a run for the same identity is active; a different identity replaces
// the current run. Connection failures are reported on Events().ConnectError.
func (m *ConnectionManager) Connect(identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.cancel != nil {
		if m.identity == identity {
			return nil
		}
		m.log.Printf("identity changed from %q to %q, reconnecting", m.identity, identity)
		m.stopLocked()
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	prev := m.done
	done := make(chan struct{})

	m.cancel = cancel
	m.done = done
	m.identity = identity
	m.state = StateConnecting

	go m.run(ctx, m.gen, identity, prev, done)
	return nil
}

// Disconnect closes the current connection and stops reconnecting.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Shutdown disconnects, rejects further Connect calls and waits for the run
// loop to exit. It must not be called from an event listener.
func (m *ConnectionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopLocked()
	m.closed = true
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) stopLocked() {
	if m.cancel == nil {
		return
	}

	m.cancel()
	m.cancel = nil
	m.gen++
	m.state = StateDisconnected
	if m.conn != nil {
		m.conn.close()
		m.conn = nil
	}
}

// Send queues an action on the live connection. Nothing is buffered while
// disconnected.
func (m *ConnectionManager) Send(action Action, payload any) error {
	m.mu.Lock()
	c := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || c == nil {
		return ErrNotConnected
	}

	frame, err := encode(action, payload)
	if err != nil {
		return err
	}
	return c.queue(frame)
}

func (m *ConnectionManager) JoinConversation(conversationId string) error {
	return m.Send(ActionJoinConversation, JoinConversation{
		ConversationId: conversationId,
		UserId:         m.Identity(),
	})
}

func (m *ConnectionManager) LeaveConversation(conversationId string) error {
	return m.Send(ActionLeaveConversation, LeaveConversation{ConversationId: conversationId})
}

func (m *ConnectionManager) SendMessage(conversationId, text string) error {
	return m.Send(ActionSendMessage, SendMessage{
		ConversationId: conversationId,
		UserId:         m.Identity(),
		MessageText:    text,
		MessageType:    types.MessageTypeText,
	})
}

func (m *ConnectionManager) MarkRead(conversationId string) error {
	return m.Send(ActionMarkRead, MarkRead{
		ConversationId: conversationId,
		UserId:         m.Identity(),
	})
}

func (m *ConnectionManager) Typing(conversationId string, isTyping bool) error {
	return m.Send(ActionTyping, Typing{
		ConversationId: conversationId,
		UserId:         m.Identity(),
		IsTyping:       isTyping,
	})
}

func (m *ConnectionManager) setState(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.state = s
	return true
}

// attach makes c the live connection unless gen has been superseded.
func (m *ConnectionManager) attach(gen uint64, c *conn) (reconnect bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false, false
	}

	m.conn = c
	m.state = StateConnected
	reconnect = m.connected[c.ownerId]
	m.connected[c.ownerId] = true
	return reconnect, true
}

func (m *ConnectionManager) detach(gen uint64, c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == c {
		m.conn = nil
	}
	if m.gen == gen {
		m.state = StateDisconnected
	}
}

// giveUp ends the run for gen so a later Connect starts afresh.
func (m *ConnectionManager) giveUp(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.cancel()
	m.cancel = nil
	m.state = StateDisconnected
}

func (m *ConnectionManager) run(ctx context.Context, gen uint64, identity string, prev, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	attempt := 0
	redial := false
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 || redial {
			m.stats.Incr(stats.NumReconnectAttempts)
		}
		m.setState(gen, StateConnecting)

		c, err := m.dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			attempt++
			m.stats.Incr(stats.NumConnectErrors)
			willRetry := attempt < m.opts.MaxReconnectAttempts
			delay := m.backoff.delay(attempt)
			m.log.Printf("connect attempt %d failed: %v", attempt, err)
			m.events.ConnectError.Publish(ConnectErrorEvent{
				UserId:    identity,
				Attempt:   attempt,
				Err:       err,
				WillRetry: willRetry,
				RetryIn:   delay,
			})

			if !willRetry {
				m.log.Printf("giving up after %d attempts", attempt)
				m.giveUp(gen)
				return
			}

			m.setState(gen, StateDisconnected)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		// The room join is queued ahead of anything a Connected listener sends.
		frame, _ := encode(ActionJoinUserRoom, JoinUserRoom{UserId: identity})
		c.queue(frame)

		reconnect, ok := m.attach(gen, c)
		if !ok {
			c.close()
			return
		}

		attempt = 0
		redial = true
		m.stats.Incr(stats.NumConnects)
		m.stats.Incr(stats.ActiveConnections)
		go c.write()

		m.log.Printf("connected as %q (connection %s)", identity, c.id)
		m.events.Connected.Publish(ConnectedEvent{
			ConnectionId: c.id,
			UserId:       identity,
			Reconnect:    reconnect,
		})

		err = c.read(ctx, m.handleFrame)
		c.close()
		m.stats.Decr(stats.ActiveConnections)
		m.detach(gen, c)

		if ctx.Err() != nil {
			m.events.Disconnected.Publish(DisconnectedEvent{
				ConnectionId: c.id,
				UserId:       identity,
				Reason:       "client disconnect",
			})
			return
		}

		m.log.Printf("connection %s lost: %v", c.id, err)
		m.events.Disconnected.Publish(DisconnectedEvent{
			ConnectionId: c.id,
			UserId:       identity,
			Reason:       err.Error(),
			WillRetry:    true,
		})

		if !sleep(ctx, m.backoff.delay(1)) {
			return
		}
	}
}

func (m *ConnectionManager) dial(ctx context.Context, identity string) (*conn, error) {
	header := http.Header{}
	if m.tokens != nil {
		token, err := m.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	ws, resp, err := m.dialer.DialContext(dctx, m.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	return newConn(ws, identity, m.opts, m.log), nil
}

func (m *ConnectionManager) handleFrame(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.stats.Incr(stats.MalformedEvents)
		m.log.Printf("dropping invalid frame: %v", err)
		return
	}

	if err := m.events.Dispatch(env); err != nil {
		m.stats.Incr(stats.MalformedEvents)
		m.log.Printf("dropping %q event: %v", env.Event, err)
	}
}
