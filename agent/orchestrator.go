package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/geo"
)

const defaultLocationTimeout = 10 * time.Second

// Phase is where a marking run currently stands. Exactly one run is in
// flight at a time, so a single phase describes the whole orchestrator.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhasePermissionPending Phase = "permission_pending"
	PhaseLocationPending   Phase = "location_pending"
	PhaseVerifying         Phase = "verifying"
	PhaseOutcome           Phase = "outcome"
)

type OutcomeKind string

const (
	OutcomePresent OutcomeKind = "present"
	OutcomeAbsent  OutcomeKind = "absent"
	OutcomeError   OutcomeKind = "error"
	// OutcomeDuplicate means the server already holds a record for this
	// session; the local run was moot.
	OutcomeDuplicate OutcomeKind = "already_marked"
)

// Trigger is the minimal session snapshot a marking run needs. Both the
// realtime channel and the polling monitor reduce their payloads to it.
type Trigger struct {
	SessionID     int
	Title         string
	CourseCode    string
	ClassroomLat  geo.Degrees
	ClassroomLon  geo.Degrees
	AllowedRadius int
}

func TriggerFromEvent(evt *attendance.SessionEvent) Trigger {
	if evt == nil {
		return Trigger{}
	}
	return Trigger{
		SessionID:     evt.ID,
		Title:         evt.Title,
		CourseCode:    evt.CourseCode,
		ClassroomLat:  evt.ClassroomLatitude,
		ClassroomLon:  evt.ClassroomLongitude,
		AllowedRadius: evt.AllowedRadius,
	}
}

func TriggerFromBoard(e attendance.BoardEntry) Trigger {
	return Trigger{
		SessionID:     e.ID,
		Title:         e.Title,
		CourseCode:    e.CourseCode,
		ClassroomLat:  e.ClassroomLatitude,
		ClassroomLon:  e.ClassroomLongitude,
		AllowedRadius: e.AllowedRadius,
	}
}

// Outcome is the terminal result of one marking run.
type Outcome struct {
	SessionID int
	Kind      OutcomeKind
	Status    attendance.RecordStatus // server status when a record landed
	Verified  bool
	Distance  float64 // meters; -1 when no usable fix was measured
	Radius    int
	Reason    string // one banner line
	Err       error  // set for OutcomeError
}

// Update is one observable state change of the orchestrator.
type Update struct {
	SessionID int
	Phase     Phase
	Outcome   *Outcome // set when Phase is PhaseOutcome
}

// Ledger is the durable record of sessions this client has already
// auto-processed. The server stays the final idempotency authority; a
// wiped ledger only causes harmless reprocessing.
type Ledger interface {
	Has(sessionID int) (bool, error)
	// MarkProcessed adds the session if absent; re-marking is a no-op.
	MarkProcessed(sessionID int) error
	Clear() error
	Close() error
}

// Marker submits attendance outcomes. *Client satisfies it.
type Marker interface {
	Mark(ctx context.Context, req attendance.MarkAttendance) (attendance.MarkResult, error)
}

type OrchestratorDeps struct {
	Marker   Marker
	Location geo.Provider
	Ledger   Ledger
	Logger   core.Logger

	LocationTimeout time.Duration // default 10s
}

// Orchestrator drives one session trigger through
// permission -> location -> verification -> outcome and submits the
// result. Location failure of any kind fails closed to absent; only a
// successfully recorded outcome (or a server-side duplicate) marks the
// ledger, so errors stay retryable on the next poll.
type Orchestrator struct {
	marker          Marker
	location        geo.Provider
	ledger          Ledger
	logger          core.Logger
	locationTimeout time.Duration

	mu        sync.Mutex
	inFlight  bool
	phase     Phase
	updateFns []func(Update)
	wg        sync.WaitGroup
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.LocationTimeout <= 0 {
		deps.LocationTimeout = defaultLocationTimeout
	}
	return &Orchestrator{
		marker:          deps.Marker,
		location:        deps.Location,
		ledger:          deps.Ledger,
		logger:          deps.Logger,
		locationTimeout: deps.LocationTimeout,
		phase:           PhaseIdle,
	}
}

// OnUpdate registers fn for every phase change and outcome. Listeners
// run on the orchestration goroutine and must not block.
func (o *Orchestrator) OnUpdate(fn func(Update)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updateFns = append(o.updateFns, fn)
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Offer proposes a session for automatic marking and reports whether it
// was taken. Dropped offers (already processed, or another run in
// flight) are not queued; the channel and the poll re-offer missed
// sessions on their own cadence. The ledger check and the in-flight
// reservation happen under one lock so two concurrent offers of the
// same session can never both pass.
func (o *Orchestrator) Offer(trig Trigger) bool {
	if trig.SessionID == 0 {
		return false
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return false
	}
	done, err := o.ledger.Has(trig.SessionID)
	if err != nil {
		o.logger.Warn(fmt.Sprintf("agent: ledger read for session %d: %v", trig.SessionID, err))
	}
	if done {
		o.mu.Unlock()
		return false
	}
	o.inFlight = true
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.process(trig)
	}()
	return true
}

// Close waits for any in-flight run to finish. There is no mid-run
// cancellation; the location timeout bounds how long that can take.
func (o *Orchestrator) Close() error {
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) process(trig Trigger) {
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.phase = PhaseIdle
		o.mu.Unlock()
	}()

	o.setPhase(trig.SessionID, PhasePermissionPending)
	ctx, cancel := context.WithTimeout(context.Background(), o.locationTimeout)
	sample, err := o.location.Acquire(ctx, o.locationTimeout, true)
	cancel()
	if err != nil {
		// fail closed: any failure to obtain a fix records an absence
		o.logger.Info(fmt.Sprintf("agent: session %d: no location fix (%s: %v); failing closed", trig.SessionID, geo.ErrorKind(err), err))
		req := attendance.MarkAttendance{SessionID: trig.SessionID, NoLocation: true}
		o.submit(trig, req, failClosedOutcome(trig, err))
		return
	}

	o.setPhase(trig.SessionID, PhaseLocationPending)
	if !trig.ClassroomLat.IsValid() || !trig.ClassroomLon.IsValid() {
		// a server-side configuration defect, not a student absence
		o.terminal(Outcome{
			SessionID: trig.SessionID,
			Kind:      OutcomeError,
			Distance:  -1,
			Radius:    trig.AllowedRadius,
			Reason:    "session has no usable classroom coordinates",
			Err:       errors.Errorf("session %d: missing classroom coordinates", trig.SessionID),
		}, false)
		return
	}

	o.setPhase(trig.SessionID, PhaseVerifying)
	distance := geo.DistanceMeters(sample.Latitude, sample.Longitude, trig.ClassroomLat.Float(), trig.ClassroomLon.Float())
	if distance <= float64(trig.AllowedRadius) {
		req := attendance.MarkAttendance{SessionID: trig.SessionID, Latitude: sample.Latitude, Longitude: sample.Longitude}
		o.submit(trig, req, Outcome{
			SessionID: trig.SessionID,
			Kind:      OutcomePresent,
			Distance:  distance,
			Radius:    trig.AllowedRadius,
		})
		return
	}

	// out of range: submitted as a deliberate absence, without
	// coordinates; the measured distance stays local for display
	req := attendance.MarkAttendance{SessionID: trig.SessionID, NoLocation: true}
	o.submit(trig, req, Outcome{
		SessionID: trig.SessionID,
		Kind:      OutcomeAbsent,
		Distance:  distance,
		Radius:    trig.AllowedRadius,
		Reason:    fmt.Sprintf("You are %.0fm away; allowed radius is %dm", distance, trig.AllowedRadius),
	})
}

// submit posts the outcome and finalizes the run. want carries the
// locally computed result; the server response refines it.
func (o *Orchestrator) submit(trig Trigger, req attendance.MarkAttendance, want Outcome) {
	res, err := o.marker.Mark(context.Background(), req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			// the server already holds an outcome for this session
			o.terminal(Outcome{
				SessionID: trig.SessionID,
				Kind:      OutcomeDuplicate,
				Distance:  want.Distance,
				Radius:    trig.AllowedRadius,
				Reason:    "attendance already marked",
			}, true)
			return
		}
		o.logger.Error(fmt.Sprintf("agent: session %d: submitting outcome: %v", trig.SessionID, err))
		o.terminal(Outcome{
			SessionID: trig.SessionID,
			Kind:      OutcomeError,
			Distance:  want.Distance,
			Radius:    trig.AllowedRadius,
			Reason:    "could not submit attendance; will retry on the next poll",
			Err:       err,
		}, false)
		return
	}

	out := want
	out.Status = res.Attendance.Status
	out.Verified = res.LocationVerified
	if out.Reason == "" {
		out.Reason = res.Message
	}
	o.terminal(out, true)
}

// terminal finalizes a run: records the session in the ledger when the
// server holds its outcome, then emits the single outcome update.
func (o *Orchestrator) terminal(out Outcome, ledgerMark bool) {
	if ledgerMark {
		if err := o.ledger.MarkProcessed(out.SessionID); err != nil {
			o.logger.Error(fmt.Sprintf("agent: recording session %d in the ledger: %v", out.SessionID, err))
		}
	}
	o.emit(Update{SessionID: out.SessionID, Phase: PhaseOutcome, Outcome: &out})
}

func (o *Orchestrator) setPhase(sessionID int, p Phase) {
	o.emit(Update{SessionID: sessionID, Phase: p})
}

func (o *Orchestrator) emit(u Update) {
	o.mu.Lock()
	o.phase = u.Phase
	fns := append(([]func(Update))(nil), o.updateFns...)
	o.mu.Unlock()
	for _, fn := range fns {
		o.safeCall(fn, u)
	}
}

func (o *Orchestrator) safeCall(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(fmt.Sprintf("agent: update listener panic: %v", r))
		}
	}()
	fn(u)
}

func failClosedOutcome(trig Trigger, cause error) Outcome {
	reason := "attendance recorded as absent: no verified location"
	if errors.Is(cause, geo.ErrPermissionDenied) {
		reason = "attendance recorded as absent: location permission denied"
	}
	return Outcome{
		SessionID: trig.SessionID,
		Kind:      OutcomeAbsent,
		Distance:  -1,
		Radius:    trig.AllowedRadius,
		Reason:    reason,
	}
}
