package realtime_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/realtime"
	brokersvc "github.com/trezcool/mahudhurio/services/broker"
	logsvc "github.com/trezcool/mahudhurio/services/logger"
)

const (
	aziToken = "azi-host-app-token"
	benToken = "ben-host-app-token"

	aziID = 10
	benID = 11

	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var testLogger = logsvc.NewStdLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags))

func verifyTestToken(token string) (core.Identity, error) {
	switch token {
	case aziToken:
		return core.Identity{ID: aziID, Name: "Azi Mwepu", Username: "azi", IsStudent: true}, nil
	case benToken:
		return core.Identity{ID: benID, Name: "Ben Kam", Username: "ben", IsStudent: true}, nil
	}
	return core.Identity{}, errors.New("unknown token")
}

type testRig struct {
	hub    *realtime.Hub
	broker *brokersvc.MemoryBroker
	server *httptest.Server
}

func setup(t *testing.T) *testRig {
	t.Helper()

	broker := brokersvc.NewMemoryBroker()
	hub := realtime.NewHub(realtime.HubDeps{
		Broker:      broker,
		Logger:      testLogger,
		VerifyToken: verifyTestToken,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Run(ctx); err != nil {
		t.Fatalf("setup() failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/attendance/notifications/", func(w http.ResponseWriter, r *http.Request) {
		rawID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/attendance/notifications/"), "/")
		userID, err := strconv.Atoi(rawID)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		hub.Handle(w, r, userID)
	})
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		_ = hub.Close()
		cancel()
		_ = broker.Close()
	})
	return &testRig{hub: hub, broker: broker, server: server}
}

func (rig *testRig) publish(t *testing.T, msg attendance.EventMessage) {
	t.Helper()
	if err := rig.broker.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish() failed: %v", err)
	}
}

func dialSocket(t *testing.T, rig *testRig, userID int) *websocket.Conn {
	t.Helper()
	wsURL := fmt.Sprintf("ws%s/ws/attendance/notifications/%d/", strings.TrimPrefix(rig.server.URL, "http"), userID)
	socket, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialSocket(%s) failed: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = socket.Close() })
	return socket
}

func sendFrame(t *testing.T, socket *websocket.Conn, f realtime.Frame) {
	t.Helper()
	if err := socket.WriteJSON(f); err != nil {
		t.Fatalf("sendFrame(%s) failed: %v", f.Type, err)
	}
}

func recvFrame(t *testing.T, socket *websocket.Conn) realtime.Frame {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(waitFor))
	var f realtime.Frame
	if err := socket.ReadJSON(&f); err != nil {
		t.Fatalf("recvFrame() failed: %v", err)
	}
	return f
}

// recvTimeout asserts that nothing lands on the socket within wait. The
// socket is unusable afterwards.
func recvTimeout(t *testing.T, socket *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(wait))
	var f realtime.Frame
	err := socket.ReadJSON(&f)
	if err == nil {
		t.Fatalf("expected no frame, got %q", f.Type)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected a read timeout, got: %v", err)
	}
}

func authenticateSocket(t *testing.T, socket *websocket.Conn, token string) {
	t.Helper()
	sendFrame(t, socket, realtime.Frame{Type: realtime.FrameAuthenticate, Token: token})
	f := recvFrame(t, socket)
	if f.Type != realtime.FrameAuthResult || f.Authenticated == nil || !*f.Authenticated {
		t.Fatalf("authentication failed: %+v", f)
	}
}

func testSessionEvent(id int, title string) *attendance.SessionEvent {
	return &attendance.SessionEvent{
		ID:                 id,
		CourseID:           1,
		CourseCode:         "CS101",
		CourseTitle:        "Algorithms",
		TeacherName:        "Jane Awe",
		Title:              title,
		ClassroomName:      "Room A",
		ClassroomLatitude:  -11.6647,
		ClassroomLongitude: 27.4794,
		AllowedRadius:      50,
		ScheduledDuration:  60,
		StartedAt:          time.Now().UTC(),
	}
}

func startedMessage(sess *attendance.SessionEvent, userIDs ...int) attendance.EventMessage {
	return attendance.EventMessage{
		UserIDs: userIDs,
		Event:   attendance.Event{Kind: attendance.EventSessionStarted, Session: sess},
	}
}

func endedMessage(sess *attendance.SessionEvent, userIDs ...int) attendance.EventMessage {
	return attendance.EventMessage{
		UserIDs: userIDs,
		Event:   attendance.Event{Kind: attendance.EventSessionEnded, Session: sess},
	}
}

func markedMessage(sessionID, studentID int) attendance.EventMessage {
	return attendance.EventMessage{
		UserIDs: []int{studentID},
		Event: attendance.Event{
			Kind: attendance.EventMarked,
			Attendance: &attendance.MarkedEvent{
				SessionID:        sessionID,
				StudentID:        studentID,
				Status:           attendance.RecordPresent,
				IsPresent:        true,
				LocationVerified: true,
				MarkedAt:         time.Now().UTC(),
			},
		},
	}
}

func Test_hub_authentication(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		rig := setup(t)
		socket := dialSocket(t, rig, aziID)
		authenticateSocket(t, socket, aziToken)
		assert.Eventually(t, func() bool { return rig.hub.ConnectionCount() == 1 }, waitFor, tick)
	})

	t.Run("bearer prefix accepted", func(t *testing.T) {
		rig := setup(t)
		socket := dialSocket(t, rig, aziID)
		authenticateSocket(t, socket, "Bearer "+aziToken)
		assert.Eventually(t, func() bool { return rig.hub.ConnectionCount() == 1 }, waitFor, tick)
	})

	t.Run("ping allowed before authentication", func(t *testing.T) {
		rig := setup(t)
		socket := dialSocket(t, rig, aziID)

		sendFrame(t, socket, realtime.Frame{Type: realtime.FramePing})
		f := recvFrame(t, socket)
		assert.Equal(t, realtime.FramePong, f.Type)
		assert.Equal(t, "Connection alive", f.Message)

		authenticateSocket(t, socket, aziToken)
	})

	t.Run("token for another user rejected", func(t *testing.T) {
		rig := setup(t)
		socket := dialSocket(t, rig, benID) // ben's slot, azi's token

		sendFrame(t, socket, realtime.Frame{Type: realtime.FrameAuthenticate, Token: aziToken})
		f := recvFrame(t, socket)
		assert.Equal(t, realtime.FrameAuthResult, f.Type)
		if assert.NotNil(t, f.Authenticated) {
			assert.False(t, *f.Authenticated)
		}

		_ = socket.SetReadDeadline(time.Now().Add(waitFor))
		err := socket.ReadJSON(&f)
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
			t.Fatalf("expected a policy violation close, got: %v", err)
		}
		assert.Equal(t, 0, rig.hub.ConnectionCount())
	})

	t.Run("unknown token rejected", func(t *testing.T) {
		rig := setup(t)
		socket := dialSocket(t, rig, aziID)

		sendFrame(t, socket, realtime.Frame{Type: realtime.FrameAuthenticate, Token: "forged"})
		f := recvFrame(t, socket)
		assert.Equal(t, realtime.FrameAuthResult, f.Type)
		if assert.NotNil(t, f.Authenticated) {
			assert.False(t, *f.Authenticated)
		}
		assert.Equal(t, 0, rig.hub.ConnectionCount())
	})

	t.Run("first frame must authenticate", func(t *testing.T) {
		rig := setup(t)
		socket := dialSocket(t, rig, aziID)

		sendFrame(t, socket, realtime.Frame{Type: "subscribe"})

		_ = socket.SetReadDeadline(time.Now().Add(waitFor))
		var f realtime.Frame
		err := socket.ReadJSON(&f)
		if err == nil {
			t.Fatalf("expected the connection to be dropped, got %q", f.Type)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was left open without authentication")
		}
		assert.Equal(t, 0, rig.hub.ConnectionCount())
	})
}

func Test_hub_eventDelivery(t *testing.T) {
	rig := setup(t)

	azi := dialSocket(t, rig, aziID)
	authenticateSocket(t, azi, aziToken)
	ben := dialSocket(t, rig, benID)
	authenticateSocket(t, ben, benToken)
	assert.Eventually(t, func() bool { return rig.hub.ConnectionCount() == 2 }, waitFor, tick)

	sess := testSessionEvent(1, "Graphs")

	// session start reaches both targets
	rig.publish(t, startedMessage(sess, aziID, benID))
	for _, socket := range []*websocket.Conn{azi, ben} {
		f := recvFrame(t, socket)
		assert.Equal(t, string(attendance.EventSessionStarted), f.Type)
		assert.Equal(t, "New attendance session started: Graphs", f.Message)
		if assert.NotNil(t, f.Session) {
			assert.Equal(t, sess.ID, f.Session.ID)
			assert.Equal(t, "CS101", f.Session.CourseCode)
			assert.Equal(t, 50, f.Session.AllowedRadius)
		}
		assert.Nil(t, f.Attendance)
	}

	rig.publish(t, endedMessage(sess, aziID, benID))
	for _, socket := range []*websocket.Conn{azi, ben} {
		f := recvFrame(t, socket)
		assert.Equal(t, string(attendance.EventSessionEnded), f.Type)
		assert.Equal(t, "Attendance session ended: Graphs", f.Message)
	}

	// a mark notification is scoped to its student
	rig.publish(t, markedMessage(sess.ID, aziID))
	f := recvFrame(t, azi)
	assert.Equal(t, string(attendance.EventMarked), f.Type)
	assert.Equal(t, "Your attendance has been marked successfully", f.Message)
	if assert.NotNil(t, f.Attendance) {
		assert.Equal(t, aziID, f.Attendance.StudentID)
		assert.Equal(t, attendance.RecordPresent, f.Attendance.Status)
		assert.True(t, f.Attendance.IsPresent)
	}
	assert.Nil(t, f.Session)
	recvTimeout(t, ben, 400*time.Millisecond)
}

func Test_hub_connectionTracking(t *testing.T) {
	rig := setup(t)

	// the same user on two devices
	phone := dialSocket(t, rig, aziID)
	authenticateSocket(t, phone, aziToken)
	laptop := dialSocket(t, rig, aziID)
	authenticateSocket(t, laptop, aziToken)
	assert.Eventually(t, func() bool { return rig.hub.ConnectionCount() == 2 }, waitFor, tick)

	// every connection gets every event
	rig.publish(t, startedMessage(testSessionEvent(2, "Trees"), aziID))
	for _, socket := range []*websocket.Conn{phone, laptop} {
		f := recvFrame(t, socket)
		assert.Equal(t, string(attendance.EventSessionStarted), f.Type)
	}

	_ = phone.Close()
	assert.Eventually(t, func() bool { return rig.hub.ConnectionCount() == 1 }, waitFor, tick)

	if err := rig.hub.Close(); err != nil {
		t.Fatalf("hub.Close() failed: %v", err)
	}
	assert.Equal(t, 0, rig.hub.ConnectionCount())

	_ = laptop.SetReadDeadline(time.Now().Add(waitFor))
	var f realtime.Frame
	if err := laptop.ReadJSON(&f); err == nil {
		t.Fatalf("expected the connection to be dropped on hub close, got %q", f.Type)
	}
}
