package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

const (
	writeWait  = 10 * time.Second
	pongDelay  = 90 * time.Second
	pingPeriod = 30 * time.Second

	// authWait is how long a fresh connection gets to present a valid
	// authenticate frame before it is dropped.
	authWait = 30 * time.Second

	sendBuffer = 16
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type (
	HubDeps struct {
		Broker attendance.Broker
		Logger core.Logger
		// VerifyToken validates a host-app bearer token and returns the
		// identity it carries.
		VerifyToken func(token string) (core.Identity, error)
	}

	// Hub keeps every authenticated websocket connection and fans
	// broker events out to the users they target. A user may hold
	// several connections (phone + laptop); each gets every event.
	Hub struct {
		broker      attendance.Broker
		logger      core.Logger
		verifyToken func(token string) (core.Identity, error)

		mu    sync.RWMutex
		conns map[int]map[string]*hubConn // userID -> connID
		done  chan struct{}
	}

	hubConn struct {
		id     string
		userID int
		ws     *websocket.Conn
		send   chan Frame
		done   chan struct{} // closed when the serving handler returns
	}
)

func NewHub(deps HubDeps) *Hub {
	return &Hub{
		broker:      deps.Broker,
		logger:      deps.Logger,
		verifyToken: deps.VerifyToken,
		conns:       make(map[int]map[string]*hubConn),
		done:        make(chan struct{}),
	}
}

// Run wires the hub into the event broker. It returns immediately;
// delivery runs until ctx is cancelled or the hub is closed.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.dispatch)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return nil
	default:
	}
	close(h.done)
	for _, userConns := range h.conns {
		for _, c := range userConns {
			_ = c.ws.Close()
		}
	}
	h.conns = make(map[int]map[string]*hubConn)
	return nil
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int
	for _, userConns := range h.conns {
		n += len(userConns)
	}
	return n
}

// Handle upgrades the request and serves the connection until it drops.
// userID comes from the URL; it is only trusted once the authenticate
// handshake proves the caller holds a token for that same user.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, userID int) {
	socket, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(fmt.Sprintf("realtime: upgrading connection: %v", err), err)
		return
	}
	defer socket.Close()

	if !h.authenticate(socket, userID) {
		return
	}

	c := &hubConn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     socket,
		send:   make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	defer close(c.done)

	// register before acking so an event published the moment the client
	// sees the ack cannot miss this connection
	h.register(c)
	defer h.unregister(c)

	authed := true
	if err = writeFrame(socket, Frame{Type: FrameAuthResult, Authenticated: &authed}); err != nil {
		return
	}

	h.serve(c)
}

// authenticate waits for the first authenticate frame and checks its
// bearer token against the connection's user id. No event is delivered
// before this succeeds.
func (h *Hub) authenticate(socket *websocket.Conn, userID int) bool {
	_ = socket.SetReadDeadline(time.Now().Add(authWait))
	for {
		var f Frame
		if err := socket.ReadJSON(&f); err != nil {
			h.logger.Debug(fmt.Sprintf("realtime: closing unauthenticated connection for user %d: %v", userID, err))
			return false
		}
		switch f.Type {
		case FramePing:
			_ = writeFrame(socket, Frame{Type: FramePong, Message: "Connection alive"})
		case FrameAuthenticate:
			if h.checkToken(f.Token, userID) {
				return true
			}
			authed := false
			_ = writeFrame(socket, Frame{Type: FrameAuthResult, Authenticated: &authed})
			deadline := time.Now().Add(writeWait)
			_ = socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
			return false
		default:
			return false
		}
	}
}

func (h *Hub) checkToken(token string, userID int) bool {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return false
	}
	ident, err := h.verifyToken(token)
	if err != nil {
		h.logger.Debug(fmt.Sprintf("realtime: rejecting token for user %d: %v", userID, err))
		return false
	}
	return ident.ID == userID
}

func (h *Hub) serve(c *hubConn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongDelay))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongDelay))
	})
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	inbound := h.receiveFrames(c)
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				return
			}
		case f, ok := <-inbound:
			if !ok {
				return
			}
			if f.Type == FramePing {
				if err := writeFrame(c.ws, Frame{Type: FramePong, Message: "Connection alive"}); err != nil {
					return
				}
			}
		case f := <-c.send:
			if err := writeFrame(c.ws, f); err != nil {
				h.logger.Debug(fmt.Sprintf("realtime: dropping connection %s: %v", c.id, err))
				return
			}
		}
	}
}

// receiveFrames pumps inbound frames on a channel so serve can select
// across reads, writes and pings. Transport errors end the pump;
// malformed payloads are dropped.
func (h *Hub) receiveFrames(c *hubConn) <-chan Frame {
	inbound := make(chan Frame)
	go func() {
		defer close(inbound)
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err = json.Unmarshal(data, &f); err != nil {
				h.logger.Debug(fmt.Sprintf("realtime: dropping malformed frame from user %d: %v", c.userID, err))
				continue
			}
			select {
			case <-h.done:
				return
			case <-c.done:
				return
			case inbound <- f:
			}
		}
	}()
	return inbound
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userConns, ok := h.conns[c.userID]
	if !ok {
		userConns = make(map[string]*hubConn)
		h.conns[c.userID] = userConns
	}
	userConns[c.id] = c
	h.logger.Info(fmt.Sprintf("realtime: user %d connected (%s)", c.userID, c.id))
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if userConns, ok := h.conns[c.userID]; ok {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.logger.Info(fmt.Sprintf("realtime: user %d disconnected (%s)", c.userID, c.id))
}

// dispatch fans one broker message out to every connection of every
// targeted user. Slow consumers are skipped, never waited on.
func (h *Hub) dispatch(msg attendance.EventMessage) {
	f := EventFrame(msg.Event)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range msg.UserIDs {
		for _, c := range h.conns[userID] {
			select {
			case c.send <- f:
			default:
				h.logger.Warn(fmt.Sprintf("realtime: send buffer full for user %d (%s); dropping %s", userID, c.id, f.Type))
			}
		}
	}
}

func writeFrame(socket *websocket.Conn, f Frame) error {
	_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
	return socket.WriteJSON(f)
}
