package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

// Channel connection states.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosing        State = "closing"
)

// ErrAuthFailed means the server rejected the credentials; reconnecting
// cannot help until the caller obtains a fresh token.
var ErrAuthFailed = errors.New("realtime: server rejected credentials")

type (
	ChannelOptions struct {
		BaseURL string // the API server base URL; http(s) is coerced to ws(s)
		UserID  int
		Token   string // host-app bearer token

		HeartbeatInterval time.Duration // default 30s
		ReconnectDelay    time.Duration // backoff base, default 3s
		MaxAttempts       int           // default 5

		Logger core.Logger
		Dialer *websocket.Dialer
	}

	// Channel is the client end of the realtime protocol: it dials the
	// hub, authenticates, keeps the connection alive and dispatches
	// inbound events to per-kind listeners. Transport loss triggers
	// reconnection with backoff; a rejected authentication is final.
	Channel struct {
		baseURL        string
		userID         int
		token          string
		heartbeatEvery time.Duration
		backoffBase    time.Duration
		maxAttempts    int
		logger         core.Logger
		dialer         *websocket.Dialer

		mu             sync.Mutex
		state          State
		listeners      map[attendance.EventKind][]func(attendance.Event)
		stateFns       []func(State)
		unreachableFns []func()
		ws             *websocket.Conn
		started        bool

		writeMu sync.Mutex
		done    chan struct{}
	}
)

func NewChannel(opts ChannelOptions) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Channel{
		baseURL:        opts.BaseURL,
		userID:         opts.UserID,
		token:          opts.Token,
		heartbeatEvery: opts.HeartbeatInterval,
		backoffBase:    opts.ReconnectDelay,
		maxAttempts:    opts.MaxAttempts,
		logger:         opts.Logger,
		dialer:         dialer,
		state:          StateDisconnected,
		listeners:      make(map[attendance.EventKind][]func(attendance.Event)),
		done:           make(chan struct{}),
	}
}

// OnEvent registers fn for an event kind. Several listeners may share a
// kind; one panicking does not stop the others.
func (ch *Channel) OnEvent(kind attendance.EventKind, fn func(attendance.Event)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners[kind] = append(ch.listeners[kind], fn)
}

func (ch *Channel) OnState(fn func(State)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.stateFns = append(ch.stateFns, fn)
}

// OnUnreachable registers fn for the moment the channel gives up
// reconnecting. From then on only polling keeps the client informed.
func (ch *Channel) OnUnreachable(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.unreachableFns = append(ch.unreachableFns, fn)
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect starts the connection loop and returns immediately.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.started {
		ch.mu.Unlock()
		return errors.New("realtime: channel already started")
	}
	ch.started = true
	ch.mu.Unlock()

	go ch.run(ctx)
	return nil
}

// Close tears the channel down for good; it never reconnects afterwards.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	select {
	case <-ch.done:
		ch.mu.Unlock()
		return nil
	default:
	}
	ws := ch.ws
	ch.mu.Unlock()

	ch.setState(StateClosing)
	close(ch.done)
	if ws != nil {
		_ = ws.Close()
	}
	ch.setState(StateDisconnected)
	return nil
}

func (ch *Channel) run(ctx context.Context) {
	var attempt int
	for {
		opened, err := ch.connectOnce(ctx)
		ch.setState(StateDisconnected)

		if ch.stopping() || ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			ch.logger.Error("realtime: authentication rejected; giving up", err)
			return
		}
		if opened {
			// the connection had been fully established; the loss starts
			// a fresh attempt count
			attempt = 0
		}
		attempt++
		if attempt > ch.maxAttempts {
			ch.logger.Error(fmt.Sprintf("realtime: server unreachable after %d attempts", ch.maxAttempts), err)
			ch.notifyUnreachable()
			return
		}

		delay := time.Duration(attempt) * ch.backoffBase
		ch.logger.Info(fmt.Sprintf("realtime: reconnecting in %s (attempt %d/%d)", delay, attempt, ch.maxAttempts))
		select {
		case <-ctx.Done():
			return
		case <-ch.done:
			return
		case <-time.After(delay):
		}
	}
}

func (ch *Channel) connectOnce(ctx context.Context) (opened bool, err error) {
	wsURL, err := ch.url()
	if err != nil {
		return false, err
	}

	ch.setState(StateConnecting)
	socket, resp, err := ch.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return false, err
	}
	defer socket.Close()
	ch.setConn(socket)
	defer ch.setConn(nil)

	if err = ch.handshake(socket); err != nil {
		return false, err
	}

	ch.setState(StateOpen)
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go ch.heartbeat(socket, heartbeatDone)

	return true, ch.pump(socket)
}

// handshake sends the authenticate frame and waits for the server's
// verdict. Anything but an explicit pass fails authentication.
func (ch *Channel) handshake(socket *websocket.Conn) error {
	ch.setState(StateAuthenticating)
	if err := ch.write(socket, Frame{Type: FrameAuthenticate, Token: ch.token}); err != nil {
		return err
	}

	_ = socket.SetReadDeadline(time.Now().Add(authWait))
	defer socket.SetReadDeadline(time.Time{})
	for {
		var f Frame
		if err := socket.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != FrameAuthResult {
			continue
		}
		if f.Authenticated == nil || !*f.Authenticated {
			return ErrAuthFailed
		}
		return nil
	}
}

// pump reads frames until the transport drops. Unknown frame types are
// ignored for forward compatibility; malformed payloads are dropped and
// logged, never fatal.
func (ch *Channel) pump(socket *websocket.Conn) error {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			if ch.stopping() {
				return nil
			}
			return err
		}
		var f Frame
		if err = json.Unmarshal(data, &f); err != nil {
			ch.logger.Warn(fmt.Sprintf("realtime: dropping malformed frame: %v", err))
			continue
		}
		switch f.Type {
		case FramePong:
			// heartbeat acknowledged
		case FramePing:
			_ = ch.write(socket, Frame{Type: FramePong})
		default:
			if evt, ok := f.Event(); ok {
				ch.dispatch(evt)
			} else {
				ch.logger.Debug(fmt.Sprintf("realtime: ignoring unknown frame type %q", f.Type))
			}
		}
	}
}

// heartbeat pings while the connection is open; it never fires in any
// other state.
func (ch *Channel) heartbeat(socket *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(ch.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-connDone:
			return
		case <-ch.done:
			return
		case <-ticker.C:
			if ch.State() != StateOpen {
				return
			}
			if err := ch.write(socket, Frame{Type: FramePing}); err != nil {
				ch.logger.Debug(fmt.Sprintf("realtime: heartbeat failed: %v", err))
				_ = socket.Close()
				return
			}
		}
	}
}

func (ch *Channel) dispatch(evt attendance.Event) {
	ch.mu.Lock()
	fns := append(([]func(attendance.Event))(nil), ch.listeners[evt.Kind]...)
	ch.mu.Unlock()
	for _, fn := range fns {
		ch.safeCall(string(evt.Kind), func() { fn(evt) })
	}
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	if ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	fns := append(([]func(State))(nil), ch.stateFns...)
	ch.mu.Unlock()
	for _, fn := range fns {
		ch.safeCall("state", func() { fn(s) })
	}
}

func (ch *Channel) notifyUnreachable() {
	ch.mu.Lock()
	fns := append(([]func())(nil), ch.unreachableFns...)
	ch.mu.Unlock()
	for _, fn := range fns {
		ch.safeCall("unreachable", fn)
	}
}

func (ch *Channel) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error(fmt.Sprintf("realtime: %s listener panic: %v", what, r), fmt.Errorf("%v", r))
		}
	}()
	fn()
}

func (ch *Channel) setConn(socket *websocket.Conn) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.ws = socket
}

func (ch *Channel) stopping() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

func (ch *Channel) write(socket *websocket.Conn, f Frame) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
	return socket.WriteJSON(f)
}

func (ch *Channel) url() (string, error) {
	u, err := url.Parse(ch.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/ws/attendance/notifications/%d/", ch.userID)
	return u.String(), nil
}
