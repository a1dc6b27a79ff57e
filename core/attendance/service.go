package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/geo"
)

var (
	// errors
	ErrSessionNotFound     = errors.New("attendance session not found")
	ErrCourseNotFound      = errors.New("course not found")
	ErrRecordNotFound      = errors.New("attendance record not found")
	ErrTokenNotFound       = errors.New("invalid attendance token")
	ErrSessionNotActive    = errors.New("attendance session is not active")
	ErrNotSessionOwner     = errors.New("only the session teacher may do this")
	ErrNotEnrolled         = errors.New("you are not enrolled in this course")
	ErrAlreadyMarked       = errors.New("attendance already marked")
	ErrActiveSessionExists = errors.New("an active session already exists for this course")
	ErrTokenExpired        = errors.New("attendance token has expired")
	ErrInvalidLocation     = errors.New("location verification failed")

	NowFunc = time.Now // mockable

	summaryTimeFmt = "2006-01-02 15:04 MST"
)

type (
	SessionRepository interface {
		CreateSession(ctx context.Context, sess Session) (Session, error)
		GetSessionByID(ctx context.Context, id int) (Session, error)
		// FilterSessions applies AND on the set SessionFilter fields.
		FilterSessions(ctx context.Context, filter SessionFilter, ordering ...core.DBOrdering) ([]Session, error)
		UpdateSession(ctx context.Context, sess Session) (Session, error)
	}

	RecordRepository interface {
		CreateRecord(ctx context.Context, rec Record) (Record, error)
		GetRecord(ctx context.Context, sessionID, studentID int) (Record, error)
		FilterRecords(ctx context.Context, filter RecordFilter) ([]Record, error)
		UpdateRecord(ctx context.Context, rec Record) (Record, error)
	}

	TokenRepository interface {
		CreateToken(ctx context.Context, tok Token) (Token, error)
		GetTokenByHash(ctx context.Context, hash string) (Token, error)
		UpdateToken(ctx context.Context, tok Token) (Token, error)
		DeactivateSessionTokens(ctx context.Context, sessionID int) error
	}

	// EnrollmentRepository reads the host app's course tables; this module
	// never writes them.
	EnrollmentRepository interface {
		GetCourseByID(ctx context.Context, id int) (Course, error)
		IsStudentEnrolled(ctx context.Context, courseID, studentID int) (bool, error)
		ListEnrolledStudentIDs(ctx context.Context, courseID int) ([]int, error)
		ListStudentCourseIDs(ctx context.Context, studentID int) ([]int, error)
	}

	ServiceInterface interface {
		StartSession(ctx context.Context, actor core.Identity, ns NewSession) (Session, error)
		EndSession(ctx context.Context, actor core.Identity, sessionID int) (Session, error)
		GetSession(ctx context.Context, actor core.Identity, id int) (Session, error)
		ListSessions(ctx context.Context, actor core.Identity, filter SessionFilter, ordering ...core.DBOrdering) ([]Session, error)
		ActiveSessions(ctx context.Context, actor core.Identity) ([]Session, error)
		Mark(ctx context.Context, actor core.Identity, ma MarkAttendance) (MarkResult, error)
		StudentBoard(ctx context.Context, actor core.Identity) (StudentBoard, error)
		Stats(ctx context.Context, actor core.Identity) (Stats, error)
		GenerateToken(ctx context.Context, actor core.Identity, sessionID int, req GenerateTokenRequest) (IssuedToken, error)
		RefreshToken(ctx context.Context, actor core.Identity, sessionID int, req RefreshTokenRequest) (IssuedToken, error)
		VerifyToken(ctx context.Context, actor core.Identity, req VerifyTokenRequest) (MarkResult, error)
		ListOverdue(ctx context.Context) ([]Session, error)
		EndOverdue(ctx context.Context) ([]Session, error)
		NotifySessionStarted(ctx context.Context, sessionID int) error
		NotifySessionEnded(ctx context.Context, sessionID int) error
		NotifyMarked(ctx context.Context, sessionID, studentID int) error
	}

	ServiceDeps struct {
		Sessions    SessionRepository
		Records     RecordRepository
		Tokens      TokenRepository
		Enrollments EnrollmentRepository
		Broker      Broker
		Mail        core.EmailService
		Logger      core.Logger
		Conf        *core.Config
	}

	Service struct {
		sessions   SessionRepository
		records    RecordRepository
		tokens     TokenRepository
		enrolls    EnrollmentRepository
		broker     Broker
		mailSvc    core.EmailService
		logger     core.Logger
		conf       *core.Config
		tokenCache *tokenCache
	}
)

var _ ServiceInterface = (*Service)(nil)

func NewService(deps ServiceDeps) *Service {
	svc := &Service{
		sessions: deps.Sessions,
		records:  deps.Records,
		tokens:   deps.Tokens,
		enrolls:  deps.Enrollments,
		broker:   deps.Broker,
		mailSvc:  deps.Mail,
		logger:   deps.Logger,
		conf:     deps.Conf,
	}
	svc.tokenCache = newTokenCache(svc.tokenTTL())
	return svc
}

// Close releases background resources (the token hot cache janitor).
func (svc *Service) Close() {
	svc.tokenCache.stop()
}

func (svc *Service) StartSession(ctx context.Context, actor core.Identity, ns NewSession) (Session, error) {
	if !(actor.IsTeacher || actor.IsAdmin) {
		return Session{}, ErrNotSessionOwner
	}

	course, err := svc.enrolls.GetCourseByID(ctx, ns.CourseID)
	if err != nil {
		if errors.Is(err, ErrCourseNotFound) {
			return Session{}, core.NewValidationError(nil, core.FieldError{Field: "course_id", Error: ErrCourseNotFound.Error()})
		}
		return Session{}, err
	}
	if course.TeacherID != actor.ID && !actor.IsAdmin {
		return Session{}, ErrNotSessionOwner
	}

	// one active session per course at a time
	existing, err := svc.sessions.FilterSessions(ctx, SessionFilter{
		CourseIDs: []int{course.ID},
		Statuses:  []SessionStatus{SessionActive},
	})
	if err != nil {
		return Session{}, err
	}
	if len(existing) > 0 {
		return Session{}, core.NewValidationError(ErrActiveSessionExists)
	}

	now := NowFunc().UTC()
	sess := Session{
		CourseID:           course.ID,
		CourseCode:         course.Code,
		CourseTitle:        course.Title,
		TeacherID:          actor.ID, // admins may run sessions for any course; they own the ones they start
		TeacherName:        actor.Name,
		TeacherEmail:       actor.Email,
		Title:              ns.Title,
		Description:        ns.Description,
		ClassroomName:      ns.ClassroomName,
		ClassroomLatitude:  geo.Degrees(*ns.ClassroomLatitude),
		ClassroomLongitude: geo.Degrees(*ns.ClassroomLongitude),
		AllowedRadius:      ns.AllowedRadius,
		ScheduledDuration:  ns.ScheduledDuration,
		Status:             SessionActive,
		StartedAt:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	sess, err = svc.sessions.CreateSession(ctx, sess)
	if err != nil {
		return Session{}, err
	}

	svc.notifySession(ctx, sess, EventSessionStarted)
	return sess, nil
}

func (svc *Service) EndSession(ctx context.Context, actor core.Identity, sessionID int) (Session, error) {
	sess, err := svc.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.TeacherID != actor.ID && !actor.IsAdmin {
		return Session{}, ErrNotSessionOwner
	}
	return svc.endSession(ctx, sess)
}

func (svc *Service) endSession(ctx context.Context, sess Session) (Session, error) {
	if !sess.IsActive() {
		return Session{}, ErrSessionNotActive
	}

	now := NowFunc().UTC()
	sess.Status = SessionEnded
	sess.EndedAt = null.TimeFrom(now)
	sess.UpdatedAt = now
	sess, err := svc.sessions.UpdateSession(ctx, sess)
	if err != nil {
		return Session{}, err
	}

	// live tokens die with the session
	if err = svc.tokens.DeactivateSessionTokens(ctx, sess.ID); err != nil {
		svc.logger.Error(fmt.Sprintf("deactivating tokens for session %d: %v", sess.ID, err), err)
	}
	svc.tokenCache.purgeSession(sess.ID)

	svc.notifySession(ctx, sess, EventSessionEnded)
	svc.sendSessionSummary(ctx, sess)
	return sess, nil
}

func (svc *Service) GetSession(ctx context.Context, actor core.Identity, id int) (Session, error) {
	sess, err := svc.sessions.GetSessionByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if actor.IsAdmin || sess.TeacherID == actor.ID {
		return sess, nil
	}
	enrolled, err := svc.enrolls.IsStudentEnrolled(ctx, sess.CourseID, actor.ID)
	if err != nil {
		return Session{}, err
	}
	if !enrolled {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions scopes the filter by role: teachers see their own
// sessions, students the ones of courses they are enrolled in, admins
// everything.
func (svc *Service) ListSessions(ctx context.Context, actor core.Identity, filter SessionFilter, ordering ...core.DBOrdering) ([]Session, error) {
	switch {
	case actor.IsAdmin:
		// as-is
	case actor.IsTeacher:
		filter.TeacherID = actor.ID
	default:
		courseIDs, err := svc.enrolls.ListStudentCourseIDs(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		filter.CourseIDs = intersectIDs(filter.CourseIDs, courseIDs)
		if len(filter.CourseIDs) == 0 {
			return []Session{}, nil
		}
	}
	return svc.sessions.FilterSessions(ctx, filter, ordering...)
}

func (svc *Service) ActiveSessions(ctx context.Context, actor core.Identity) ([]Session, error) {
	return svc.ListSessions(ctx, actor, SessionFilter{Statuses: []SessionStatus{SessionActive}})
}

// Mark records a student's location-verified attendance submission.
// A submission without a usable fix fails closed: the record lands as
// absent with an unverifiable (infinite) distance.
func (svc *Service) Mark(ctx context.Context, actor core.Identity, ma MarkAttendance) (MarkResult, error) {
	sess, err := svc.sessions.GetSessionByID(ctx, ma.SessionID)
	if err != nil {
		return MarkResult{}, err
	}
	if !sess.IsActive() {
		return MarkResult{}, ErrSessionNotActive
	}
	enrolled, err := svc.enrolls.IsStudentEnrolled(ctx, sess.CourseID, actor.ID)
	if err != nil {
		return MarkResult{}, err
	}
	if !enrolled {
		return MarkResult{}, ErrNotEnrolled
	}

	dist := math.Inf(1)
	if ma.HasLocation() {
		dist = geo.DistanceMeters(
			ma.Latitude, ma.Longitude,
			sess.ClassroomLatitude.Float(), sess.ClassroomLongitude.Float(),
		)
	}
	verified := dist <= float64(sess.AllowedRadius)

	var loc *geo.Sample
	if ma.HasLocation() {
		loc = &geo.Sample{Latitude: ma.Latitude, Longitude: ma.Longitude}
	}
	rec, err := svc.saveRecord(ctx, sess, actor.ID, verified, verified, dist, loc)
	if err != nil {
		return MarkResult{}, err
	}

	return svc.markResult(sess, rec, dist), nil
}

// saveRecord get-or-creates the (session, student) record and finalizes
// it for this attempt. A record that is already present is final;
// an absent one may be upgraded by a later successful attempt.
func (svc *Service) saveRecord(
	ctx context.Context,
	sess Session,
	studentID int,
	present, locationVerified bool,
	dist float64,
	loc *geo.Sample,
) (Record, error) {
	now := NowFunc().UTC()

	status := RecordAbsent
	if present {
		status = RecordPresent
		if now.After(sess.StartedAt.Add(svc.lateThreshold())) {
			status = RecordLate
		}
	}

	rec, err := svc.records.GetRecord(ctx, sess.ID, studentID)
	switch {
	case err == nil:
		if rec.IsPresent {
			return Record{}, ErrAlreadyMarked
		}
	case errors.Is(err, ErrRecordNotFound):
		rec = Record{SessionID: sess.ID, StudentID: studentID, CreatedAt: now}
	default:
		return Record{}, err
	}

	rec.IsPresent = present
	rec.Status = status
	rec.LocationVerified = locationVerified
	rec.MarkedAt = null.TimeFrom(now)
	rec.UpdatedAt = now
	if loc != nil {
		rec.StudentLatitude = null.Float64From(loc.Latitude)
		rec.StudentLongitude = null.Float64From(loc.Longitude)
	} else {
		rec.StudentLatitude = null.Float64{}
		rec.StudentLongitude = null.Float64{}
	}
	if math.IsInf(dist, 0) || math.IsNaN(dist) {
		rec.DistanceFromClassroom = null.Float64{}
	} else {
		rec.DistanceFromClassroom = null.Float64From(round2(dist))
	}

	if rec.ID == 0 {
		rec, err = svc.records.CreateRecord(ctx, rec)
	} else {
		rec, err = svc.records.UpdateRecord(ctx, rec)
	}
	if err != nil {
		return Record{}, err
	}

	svc.notifyMarked(ctx, sess, rec)
	return rec, nil
}

func (svc *Service) markResult(sess Session, rec Record, dist float64) MarkResult {
	wireDist := -1.0
	if !math.IsInf(dist, 0) && !math.IsNaN(dist) {
		wireDist = round2(dist)
	}
	return MarkResult{
		Message:          "Attendance marked successfully",
		Attendance:       rec,
		LocationVerified: rec.LocationVerified,
		Distance:         wireDist,
		AllowedRadius:    sess.AllowedRadius,
	}
}

// StudentBoard lists every active session for the student's enrolled
// courses, annotated with the student's own attendance state. This is
// the polling-fallback payload.
func (svc *Service) StudentBoard(ctx context.Context, actor core.Identity) (StudentBoard, error) {
	board := StudentBoard{ActiveSessions: []BoardEntry{}, Notifications: []BoardNotification{}}

	courseIDs, err := svc.enrolls.ListStudentCourseIDs(ctx, actor.ID)
	if err != nil {
		return board, err
	}
	if len(courseIDs) == 0 {
		return board, nil
	}

	sessions, err := svc.sessions.FilterSessions(ctx, SessionFilter{
		CourseIDs: courseIDs,
		Statuses:  []SessionStatus{SessionActive},
	}, core.DBOrdering{Field: "started_at", Ascending: false})
	if err != nil {
		return board, err
	}

	for _, sess := range sessions {
		entry := BoardEntry{
			ID:                 sess.ID,
			Title:              sess.Title,
			CourseCode:         sess.CourseCode,
			ClassroomName:      sess.ClassroomName,
			ClassroomLatitude:  sess.ClassroomLatitude,
			ClassroomLongitude: sess.ClassroomLongitude,
			StartedAt:          sess.StartedAt,
			AllowedRadius:      sess.AllowedRadius,
			AttendanceStatus:   BoardStatusNotMarked,
		}
		rec, err := svc.records.GetRecord(ctx, sess.ID, actor.ID)
		switch {
		case err == nil:
			entry.AttendanceMarked = rec.IsPresent
			entry.AttendanceStatus = string(rec.Status)
		case errors.Is(err, ErrRecordNotFound):
			// not marked yet
		default:
			return board, err
		}
		board.ActiveSessions = append(board.ActiveSessions, entry)

		if !entry.AttendanceMarked {
			board.UnmarkedSessions++
			board.Notifications = append(board.Notifications, BoardNotification{
				Type:      EventSessionStarted,
				Message:   fmt.Sprintf("New attendance session started for %s", sess.CourseCode),
				SessionID: sess.ID,
				Title:     sess.Title,
			})
		}
	}
	board.TotalSessions = len(board.ActiveSessions)
	return board, nil
}

// Stats summarizes attendance activity: the acting teacher's sessions,
// or everything for admins.
func (svc *Service) Stats(ctx context.Context, actor core.Identity) (Stats, error) {
	filter := SessionFilter{}
	if !actor.IsAdmin {
		filter.TeacherID = actor.ID
	}
	sessions, err := svc.sessions.FilterSessions(ctx, filter, core.DBOrdering{Field: "started_at", Ascending: false})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalSessions: len(sessions), RecentSessions: []Session{}}
	if len(sessions) == 0 {
		return stats, nil
	}

	sessionIDs := make([]int, 0, len(sessions))
	for _, sess := range sessions {
		sessionIDs = append(sessionIDs, sess.ID)
		if sess.IsActive() {
			stats.ActiveSessions++
		}
	}
	for i, sess := range sessions {
		if i == 5 {
			break
		}
		stats.RecentSessions = append(stats.RecentSessions, sess)
	}

	records, err := svc.records.FilterRecords(ctx, RecordFilter{SessionIDs: sessionIDs})
	if err != nil {
		return Stats{}, err
	}
	for _, rec := range records {
		if rec.IsPresent {
			stats.TotalMarked++
		}
	}
	if len(records) > 0 {
		stats.AttendanceRate = round2(float64(stats.TotalMarked) / float64(len(records)) * 100)
	}
	return stats, nil
}

// ListOverdue returns active sessions past their scheduled end.
func (svc *Service) ListOverdue(ctx context.Context) ([]Session, error) {
	active, err := svc.sessions.FilterSessions(ctx, SessionFilter{Statuses: []SessionStatus{SessionActive}})
	if err != nil {
		return nil, err
	}
	now := NowFunc().UTC()
	overdue := make([]Session, 0)
	for _, sess := range active {
		if sess.IsOverdue(now) {
			overdue = append(overdue, sess)
		}
	}
	return overdue, nil
}

// EndOverdue ends every overdue active session. Used by the periodic
// sweep and the one-shot admin command.
func (svc *Service) EndOverdue(ctx context.Context) ([]Session, error) {
	overdue, err := svc.ListOverdue(ctx)
	if err != nil {
		return nil, err
	}
	ended := make([]Session, 0, len(overdue))
	for _, sess := range overdue {
		closed, err := svc.endSession(ctx, sess)
		if err != nil {
			svc.logger.Error(fmt.Sprintf("auto-ending session %d: %v", sess.ID, err), err)
			continue
		}
		svc.logger.Info(fmt.Sprintf(
			"auto-ended session %d (%s) started %s", closed.ID, closed.CourseCode, closed.StartedAt.Format(time.RFC3339)))
		ended = append(ended, closed)
	}
	return ended, nil
}

// Webhook re-notification entry points: external triggers may ask the
// subsystem to replay a fan-out without changing state.

func (svc *Service) NotifySessionStarted(ctx context.Context, sessionID int) error {
	sess, err := svc.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	svc.notifySession(ctx, sess, EventSessionStarted)
	return nil
}

func (svc *Service) NotifySessionEnded(ctx context.Context, sessionID int) error {
	sess, err := svc.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	svc.notifySession(ctx, sess, EventSessionEnded)
	return nil
}

func (svc *Service) NotifyMarked(ctx context.Context, sessionID, studentID int) error {
	sess, err := svc.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	rec, err := svc.records.GetRecord(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	svc.notifyMarked(ctx, sess, rec)
	return nil
}

// notifySession fans a session lifecycle event out to every enrolled
// student and the teacher. Fan-out failures are logged, never returned:
// realtime delivery is best-effort, the polling fallback covers gaps.
func (svc *Service) notifySession(ctx context.Context, sess Session, kind EventKind) {
	studentIDs, err := svc.enrolls.ListEnrolledStudentIDs(ctx, sess.CourseID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("listing enrolled students for course %d: %v", sess.CourseID, err), err)
		return
	}
	userIDs := append(studentIDs, sess.TeacherID)
	svc.publish(ctx, EventMessage{
		UserIDs: userIDs,
		Event:   Event{Kind: kind, Session: sess.EventPayload()},
	})
}

func (svc *Service) notifyMarked(ctx context.Context, sess Session, rec Record) {
	evt := &MarkedEvent{
		SessionID:        rec.SessionID,
		StudentID:        rec.StudentID,
		Status:           rec.Status,
		IsPresent:        rec.IsPresent,
		LocationVerified: rec.LocationVerified,
		MarkedAt:         rec.MarkedAt.Time,
	}
	svc.publish(ctx, EventMessage{
		UserIDs: []int{rec.StudentID, sess.TeacherID},
		Event:   Event{Kind: EventMarked, Attendance: evt},
	})
}

func (svc *Service) publish(ctx context.Context, msg EventMessage) {
	if svc.broker == nil {
		return
	}
	if err := svc.broker.Publish(ctx, msg); err != nil {
		svc.logger.Error(fmt.Sprintf("publishing %s event: %v", msg.Event.Kind, err), err)
	}
}

func (svc *Service) sendSessionSummary(ctx context.Context, sess Session) {
	if svc.mailSvc == nil || sess.TeacherEmail == "" {
		return
	}

	records, err := svc.records.FilterRecords(ctx, RecordFilter{SessionIDs: []int{sess.ID}})
	if err != nil {
		svc.logger.Error(fmt.Sprintf("loading records for session %d summary: %v", sess.ID, err), err)
		return
	}
	studentIDs, err := svc.enrolls.ListEnrolledStudentIDs(ctx, sess.CourseID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("listing enrolled students for course %d: %v", sess.CourseID, err), err)
		return
	}

	var present, late, absent int
	for _, rec := range records {
		switch rec.Status {
		case RecordPresent:
			present++
		case RecordLate:
			late++
		default:
			absent++
		}
	}
	// enrolled students who never marked count as absent
	if unmarked := len(studentIDs) - len(records); unmarked > 0 {
		absent += unmarked
	}

	endedAt := ""
	if sess.EndedAt.Valid {
		endedAt = sess.EndedAt.Time.Format(summaryTimeFmt)
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: sess.TeacherName, Address: sess.TeacherEmail}},
		Subject:      fmt.Sprintf("Attendance summary - %s", sess.CourseCode),
		TemplateName: "attendance-session-summary",
		TemplateData: sessionSummaryData{
			TeacherName:   sess.TeacherName,
			CourseCode:    sess.CourseCode,
			CourseTitle:   sess.CourseTitle,
			SessionTitle:  sess.Title,
			StartedAt:     sess.StartedAt.Format(summaryTimeFmt),
			EndedAt:       endedAt,
			PresentCount:  present,
			LateCount:     late,
			AbsentCount:   absent,
			EnrolledCount: len(studentIDs),
		},
	})
}

type sessionSummaryData struct {
	TeacherName   string
	CourseCode    string
	CourseTitle   string
	SessionTitle  string
	StartedAt     string
	EndedAt       string
	PresentCount  int
	LateCount     int
	AbsentCount   int
	EnrolledCount int
}

func (svc *Service) lateThreshold() time.Duration {
	if svc.conf != nil && svc.conf.Attendance.LateThreshold > 0 {
		return svc.conf.Attendance.LateThreshold
	}
	return 15 * time.Minute
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func intersectIDs(requested, allowed []int) []int {
	if len(requested) == 0 {
		return allowed
	}
	allowedSet := make(map[int]struct{}, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = struct{}{}
	}
	out := make([]int, 0, len(requested))
	for _, id := range requested {
		if _, ok := allowedSet[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
