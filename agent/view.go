package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/realtime"
)

// ViewState is everything the banner needs, gathered by the app loop
// from the channel, the monitor and the orchestrator.
type ViewState struct {
	ChannelState realtime.State
	Unreachable  bool
	PollInterval time.Duration
	Phase        Phase
	Board        attendance.StudentBoard
	LastOutcome  *Outcome
}

// Banner is the terminal projection of ViewState. Empty fields render
// as nothing; Sessions keeps the board's order.
type Banner struct {
	Connection string
	Sessions   []string
	Activity   string
	Outcome    string
	RetryHint  string
	Unmarked   int
}

// ProjectBanner is a pure function of the gathered state; it performs
// no I/O and may be called on every update.
func ProjectBanner(s ViewState) Banner {
	b := Banner{
		Connection: connectionLine(s),
		Activity:   activityLine(s.Phase),
		Unmarked:   s.Board.UnmarkedSessions,
	}
	for _, e := range s.Board.ActiveSessions {
		b.Sessions = append(b.Sessions, sessionLine(e))
	}
	if s.LastOutcome != nil {
		b.Outcome = outcomeLine(*s.LastOutcome)
		if s.LastOutcome.Kind == OutcomeError {
			b.RetryHint = "retrying on the next poll; send SIGHUP to retry now"
		}
	}
	return b
}

// Render flattens the banner to terminal lines.
func (b Banner) Render() string {
	var sb strings.Builder
	sb.WriteString(b.Connection)
	sb.WriteByte('\n')
	if len(b.Sessions) == 0 {
		sb.WriteString("no active sessions\n")
	}
	for _, line := range b.Sessions {
		sb.WriteString("  - ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if b.Unmarked > 0 {
		fmt.Fprintf(&sb, "%d session(s) awaiting your attendance\n", b.Unmarked)
	}
	if b.Activity != "" {
		sb.WriteString(b.Activity)
		sb.WriteByte('\n')
	}
	if b.Outcome != "" {
		sb.WriteString(b.Outcome)
		sb.WriteByte('\n')
	}
	if b.RetryHint != "" {
		sb.WriteString(b.RetryHint)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func connectionLine(s ViewState) string {
	if s.Unreachable {
		return fmt.Sprintf("live updates unavailable; polling every %s", s.PollInterval)
	}
	switch s.ChannelState {
	case realtime.StateOpen:
		return "live updates connected"
	case realtime.StateConnecting, realtime.StateAuthenticating:
		return "connecting to live updates"
	default:
		return fmt.Sprintf("live updates offline; polling every %s", s.PollInterval)
	}
}

func sessionLine(e attendance.BoardEntry) string {
	status := "not marked yet"
	if e.AttendanceMarked {
		status = "marked " + e.AttendanceStatus
	}
	where := e.ClassroomName
	if where == "" {
		where = "unknown room"
	}
	return fmt.Sprintf("%s %s (%s): %s", e.CourseCode, e.Title, where, status)
}

func activityLine(p Phase) string {
	switch p {
	case PhasePermissionPending:
		return "requesting location access"
	case PhaseLocationPending:
		return "acquiring your location"
	case PhaseVerifying:
		return "verifying your distance to the classroom"
	default:
		return ""
	}
}

func outcomeLine(o Outcome) string {
	if o.Reason != "" {
		return fmt.Sprintf("session %d: %s", o.SessionID, o.Reason)
	}
	switch o.Kind {
	case OutcomePresent:
		return fmt.Sprintf("session %d: marked present (%.0fm from the classroom)", o.SessionID, o.Distance)
	case OutcomeAbsent:
		return fmt.Sprintf("session %d: recorded as absent", o.SessionID)
	case OutcomeDuplicate:
		return fmt.Sprintf("session %d: attendance already marked", o.SessionID)
	default:
		return fmt.Sprintf("session %d: attendance submission failed", o.SessionID)
	}
}
