package attendance

import "context"

// Realtime event kinds, as tagged on the wire. Unknown kinds must be
// ignored by consumers (forward compatibility).
type EventKind string

const (
	EventSessionStarted EventKind = "attendance_session_started"
	EventSessionEnded   EventKind = "attendance_session_ended"
	EventMarked         EventKind = "attendance_marked"
)

// Event is one domain event, in its wire shape: exactly one payload
// field is set depending on Kind.
type Event struct {
	Kind       EventKind     `json:"type"`
	Session    *SessionEvent `json:"session,omitempty"`
	Attendance *MarkedEvent  `json:"attendance,omitempty"`
}

// EventMessage is the fan-out envelope: the event plus its target users.
// Brokers carry it between instances; hubs deliver Event to each target's
// connections.
type EventMessage struct {
	UserIDs []int `json:"user_ids"`
	Event   Event `json:"event"`
}

// Broker moves EventMessages from the API/webhook instance that produced
// them to every instance holding realtime connections. Single-process
// deployments use the in-memory implementation.
type Broker interface {
	Publish(ctx context.Context, msg EventMessage) error
	// Subscribe registers fn for every subsequent message and returns
	// immediately; messages arrive in publish order. fn must not block.
	Subscribe(ctx context.Context, fn func(EventMessage)) error
	Close() error
}
