package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/protocol"
)

var (
	ErrNotConnected = errors.New("connection is not open")
	ErrConnecting   = errors.New("connect already in progress")
	ErrClosed       = errors.New("connection closed")
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type ConnectionSettings struct {
	// reconnect delay is BaseDelay * 2^(attempt-1)
	BaseDelay   time.Duration
	MaxAttempts int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// time Disconnect waits for the peer to answer the close frame
	CloseTimeout time.Duration
	// zero disables keepalive pings
	PingInterval time.Duration
	PongTimeout  time.Duration

	Header http.Header
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		BaseDelay:        1000 * time.Millisecond,
		MaxAttempts:      5,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseTimeout:     1 * time.Second,
		PingInterval:     20 * time.Second,
		PongTimeout:      45 * time.Second,
	}
}

// SessionURL returns the websocket endpoint of a session on the server at base.
// http and https bases are mapped to ws and wss.
func SessionURL(base string, sessionId uuid.UUID, userId string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath("ws", "sessions", sessionId.String())
	if userId != "" {
		q := u.Query()
		q.Set("user_id", userId)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type timer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Connection owns one websocket to a session endpoint. It reconnects with
// exponential backoff after unclean closes and dispatches every incoming
// envelope to the listeners registered with On, on a single goroutine.
type Connection struct {
	url      string
	settings *ConnectionSettings
	dialer   *websocket.Dialer
	router   *Router

	// replaced in tests to observe the reconnect schedule
	afterFunc func(time.Duration, func()) timer

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	done          chan struct{}
	gen           uint64
	manual        bool
	backoff       *Backoff
	reconnect     timer
	stateHandler  func(connected bool)
	giveUpHandler func(attempts int, err error)

	writeMu sync.Mutex
}

func NewConnectionWithDefaults(url string) *Connection {
	return NewConnection(url, DefaultConnectionSettings())
}

func NewConnection(url string, settings *ConnectionSettings) *Connection {
	return &Connection{
		url:      url,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		router:    NewRouter(),
		afterFunc: afterFunc,
		state:     StateClosed,
		backoff:   NewBackoff(settings.BaseDelay, settings.MaxAttempts),
	}
}

func (c *Connection) URL() string {
	return c.url
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateOpen
}

// SetStateHandler sets the single handler notified of open/closed transitions.
func (c *Connection) SetStateHandler(handler func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = handler
}

// SetGiveUpHandler sets the handler notified once reconnect attempts are
// exhausted. The connection stays closed afterwards until Connect is called.
func (c *Connection) SetGiveUpHandler(handler func(attempts int, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.giveUpHandler = handler
}

func (c *Connection) On(msgType string, listener Listener) *Subscription {
	return c.router.On(msgType, listener)
}

func (c *Connection) Off(sub *Subscription) {
	c.router.Off(sub)
}

// Connect opens the websocket and returns once the handshake completed.
// It returns immediately when the connection is already open.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.manual = false
	c.stopReconnectLocked()
	c.backoff.Reset()
	c.state = StateConnecting
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.url, err)
	}
	return c.attach(ws)
}

// Disconnect closes the websocket with a normal closure. No reconnect follows.
// It must not be called from a listener, otherwise it waits out CloseTimeout.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.stopReconnectLocked()
	c.backoff.Reset()
	ws, done := c.ws, c.done
	if ws == nil {
		c.state = StateClosed
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	glog.Infof("[conn]disconnect %s\n", c.url)
	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(c.settings.CloseTimeout)); err == nil {
		select {
		case <-done:
		case <-time.After(c.settings.CloseTimeout):
		}
	}
	ws.Close()
}

// Send writes a {"type","data"} envelope. It does not queue: when the
// connection is not open the envelope is dropped and ErrNotConnected returned.
func (c *Connection) Send(msgType string, data any) error {
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return c.write(msgType, frame)
}

// SendMessage writes a message that carries its own type field, such as a
// protocol.DocumentMessage. Same delivery rules as Send.
func (c *Connection) SendMessage(msg *protocol.DocumentMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return c.write(msg.Type, frame)
}

func (c *Connection) write(msgType string, frame []byte) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != StateOpen || ws == nil {
		glog.Warningf("[conn]%s not sent, connection is %s\n", msgType, state)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if 0 < c.settings.WriteTimeout {
		ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// a failed write leaves the websocket unusable, let the read loop
		// take the close path
		ws.Close()
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	glog.V(2).Infof("[conn]-> %s\n", msgType)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.settings.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (c *Connection) attach(ws *websocket.Conn) error {
	c.mu.Lock()
	if c.manual {
		c.state = StateClosed
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.gen += 1
	gen := c.gen
	done := make(chan struct{})
	c.ws = ws
	c.done = done
	c.state = StateOpen
	c.backoff.Reset()
	handler := c.stateHandler
	c.mu.Unlock()

	glog.Infof("[conn]open %s\n", c.url)

	if 0 < c.settings.PingInterval {
		ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
			return nil
		})
	}

	// notify before reading so a close can never be reported ahead of the open
	if handler != nil {
		handler(true)
	}

	go c.readLoop(ws, gen, done)
	if 0 < c.settings.PingInterval {
		go c.pingLoop(ws, done)
	}
	return nil
}

func (c *Connection) readLoop(ws *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.closed(ws, gen, err)
			return
		}
		env, err := protocol.DecodeEnvelope(frame)
		if err != nil {
			glog.Warningf("[conn]drop malformed frame (%d bytes): %s\n", len(frame), err)
			continue
		}
		glog.V(2).Infof("[conn]<- %s\n", env.Type)
		c.router.Dispatch(env)
	}
}

func (c *Connection) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.Infof("[conn]ping error = %s\n", err)
				ws.Close()
				return
			}
		}
	}
}

// closed runs on the read goroutine once the websocket failed or was closed.
func (c *Connection) closed(ws *websocket.Conn, gen uint64, cause error) {
	ws.Close()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.done = nil
	c.state = StateClosed
	clean := c.manual || websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	handler := c.stateHandler
	var giveUp func(int, error)
	attempts := 0
	if clean {
		glog.Infof("[conn]closed %s\n", c.url)
	} else {
		glog.Infof("[conn]lost %s = %s\n", c.url, cause)
		if !c.scheduleLocked() {
			giveUp, attempts = c.giveUpHandler, c.backoff.Attempt()
		}
	}
	c.mu.Unlock()

	if handler != nil {
		handler(false)
	}
	if giveUp != nil {
		giveUp(attempts, cause)
	}
}

// scheduleLocked arms the next reconnect. It returns false when the attempts
// are exhausted.
func (c *Connection) scheduleLocked() bool {
	delay, attempt, ok := c.backoff.Next()
	if !ok {
		glog.Infof("[conn]giving up on %s after %d attempts\n", c.url, c.backoff.Attempt())
		return false
	}
	glog.Infof("[conn]reconnect %s attempt %d in %s\n", c.url, attempt, delay)
	c.reconnect = c.afterFunc(delay, c.retry)
	return true
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Connection) retry() {
	c.mu.Lock()
	if c.manual || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.state = StateConnecting
	c.mu.Unlock()

	timeout := c.settings.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionSettings().HandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ws, err := c.dial(ctx)
	if err == nil {
		if err := c.attach(ws); err != nil {
			glog.V(1).Infof("[conn]reconnect abandoned = %s\n", err)
		}
		return
	}

	c.mu.Lock()
	c.state = StateClosed
	if c.manual {
		c.mu.Unlock()
		return
	}
	glog.Infof("[conn]reconnect %s error = %s\n", c.url, err)
	var giveUp func(int, error)
	attempts := 0
	if !c.scheduleLocked() {
		giveUp, attempts = c.giveUpHandler, c.backoff.Attempt()
	}
	c.mu.Unlock()

	if giveUp != nil {
		giveUp(attempts, err)
	}
}
