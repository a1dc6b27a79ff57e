package agent

import (
	"fmt"
	"sync"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type DispatcherDeps struct {
	Notifier core.Notifier
	Logger   core.Logger
}

// Dispatcher turns channel and orchestrator activity into system
// notifications. Missing notification support degrades to nothing; the
// banner remains the authoritative surface either way.
type Dispatcher struct {
	notifier core.Notifier
	logger   core.Logger

	mu    sync.Mutex
	asked bool
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{notifier: deps.Notifier, logger: deps.Logger}
}

func (d *Dispatcher) HandleSessionStarted(evt *attendance.SessionEvent) {
	if evt == nil {
		return
	}
	title := evt.Title
	if title == "" {
		title = "Unknown"
	}
	d.send(core.Notification{
		Title: "Attendance session started",
		Body:  fmt.Sprintf("%s %s is collecting attendance now.", evt.CourseCode, title),
		Tag:   fmt.Sprintf("attendance-%d", evt.ID),
	})
}

// HandleUpdate reacts to terminal orchestrator states only; transient
// phases stay on the banner. One notification per run, keyed by session
// so retries replace rather than stack.
func (d *Dispatcher) HandleUpdate(u Update) {
	if u.Phase != PhaseOutcome || u.Outcome == nil {
		return
	}
	out := *u.Outcome

	var title string
	switch out.Kind {
	case OutcomePresent:
		title = "Attendance marked"
	case OutcomeAbsent:
		title = "Attendance recorded as absent"
	case OutcomeDuplicate:
		title = "Attendance already marked"
	default:
		title = "Attendance submission failed"
	}
	body := out.Reason
	if body == "" {
		body = fmt.Sprintf("Session %d finished with outcome %q.", out.SessionID, out.Kind)
	}
	d.send(core.Notification{
		Title: title,
		Body:  body,
		Tag:   fmt.Sprintf("attendance-%d", out.SessionID),
	})
}

func (d *Dispatcher) HandleUnreachable() {
	d.send(core.Notification{
		Title: "Live updates unavailable",
		Body:  "Falling back to polling for attendance sessions.",
		Tag:   "attendance-channel",
	})
}

// send gates on capability and permission. A "default" permission asks
// once per process; anything but an explicit grant stays silent.
func (d *Dispatcher) send(n core.Notification) {
	if !d.notifier.IsSupported() {
		return
	}
	perm := d.notifier.Permission()
	if perm == core.NotifyDefault {
		d.mu.Lock()
		asked := d.asked
		d.asked = true
		d.mu.Unlock()
		if asked {
			return
		}
		perm = d.notifier.RequestPermission()
	}
	if perm != core.NotifyGranted {
		return
	}
	if err := d.notifier.Notify(n); err != nil {
		d.logger.Warn(fmt.Sprintf("agent: sending notification: %v", err))
	}
}
