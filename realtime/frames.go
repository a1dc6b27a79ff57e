// Package realtime carries attendance events between the API server and
// connected clients over websockets: the Hub is the server end, the
// Channel the client end. Both speak the same JSON frame protocol.
package realtime

import (
	"github.com/trezcool/mahudhurio/core/attendance"
)

// Frame type tags besides the attendance event kinds.
const (
	FrameAuthenticate = "authenticate"
	FrameAuthResult   = "auth_result"
	FramePing         = "ping"
	FramePong         = "pong"
)

// Frame is the wire envelope for every message on the socket. Exactly
// one payload group is set depending on Type; event frames reuse the
// attendance event kinds as their type tag.
type Frame struct {
	Type          string                   `json:"type"`
	Message       string                   `json:"message,omitempty"`
	Token         string                   `json:"token,omitempty"`
	Authenticated *bool                    `json:"authenticated,omitempty"`
	Session       *attendance.SessionEvent `json:"session,omitempty"`
	Attendance    *attendance.MarkedEvent  `json:"attendance,omitempty"`
}

// EventFrame wraps a fanned-out event for the socket, with the
// human-readable message clients have always displayed alongside it.
func EventFrame(evt attendance.Event) Frame {
	f := Frame{
		Type:       string(evt.Kind),
		Session:    evt.Session,
		Attendance: evt.Attendance,
	}
	title := "Unknown"
	if evt.Session != nil && evt.Session.Title != "" {
		title = evt.Session.Title
	}
	switch evt.Kind {
	case attendance.EventSessionStarted:
		f.Message = "New attendance session started: " + title
	case attendance.EventSessionEnded:
		f.Message = "Attendance session ended: " + title
	case attendance.EventMarked:
		f.Message = "Your attendance has been marked successfully"
	}
	return f
}

// Event rebuilds the attendance event from an inbound frame; ok is
// false for frames that are not session events.
func (f Frame) Event() (attendance.Event, bool) {
	switch attendance.EventKind(f.Type) {
	case attendance.EventSessionStarted, attendance.EventSessionEnded:
		return attendance.Event{Kind: attendance.EventKind(f.Type), Session: f.Session}, true
	case attendance.EventMarked:
		return attendance.Event{Kind: attendance.EventKind(f.Type), Attendance: f.Attendance}, true
	}
	return attendance.Event{}, false
}
