package attendance

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/geo"
)

// Session lifecycle statuses.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// Per-student attendance statuses.
type RecordStatus string

const (
	RecordPresent RecordStatus = "present"
	RecordAbsent  RecordStatus = "absent"
	RecordLate    RecordStatus = "late"
)

const (
	DefaultAllowedRadius     = 50 // meters
	DefaultScheduledDuration = 60 // minutes
)

// Course is the host app's course, read at the enrollment boundary.
type Course struct {
	ID          int       `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	TeacherID   int       `json:"teacher_id" db:"teacher_id"`
	MaxStudents int       `json:"max_students" db:"max_students"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Session is one classroom attendance window. The teacher's name is
// denormalized from the creating identity; user accounts live in the
// host app and are never joined here.
type Session struct {
	ID                 int           `json:"id" db:"id"`
	CourseID           int           `json:"course_id" db:"course_id"`
	CourseCode         string        `json:"course_code" db:"course_code"`
	CourseTitle        string        `json:"course_title" db:"course_title"`
	TeacherID          int           `json:"teacher_id" db:"teacher_id"`
	TeacherName        string        `json:"teacher_name" db:"teacher_name"`
	TeacherEmail       string        `json:"-" db:"teacher_email"`
	Title              string        `json:"title" db:"title"`
	Description        string        `json:"description" db:"description"`
	ClassroomName      string        `json:"classroom_name" db:"classroom_name"`
	ClassroomLatitude  geo.Degrees   `json:"classroom_latitude" db:"classroom_latitude"`
	ClassroomLongitude geo.Degrees   `json:"classroom_longitude" db:"classroom_longitude"`
	AllowedRadius      int           `json:"allowed_radius" db:"allowed_radius"`
	ScheduledDuration  int           `json:"scheduled_duration" db:"scheduled_duration"` // minutes
	Status             SessionStatus `json:"status" db:"status"`
	StartedAt          time.Time     `json:"started_at" db:"started_at"` // UTC
	EndedAt            null.Time     `json:"ended_at" db:"ended_at"`     // UTC
	CreatedAt          time.Time     `json:"created_at" db:"created_at"` // UTC
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"` // UTC
}

func (s Session) IsActive() bool { return s.Status == SessionActive }

// OverdueAt is the instant past which the auto-end sweep closes the session.
func (s Session) OverdueAt() time.Time {
	return s.StartedAt.Add(time.Duration(s.ScheduledDuration) * time.Minute)
}

func (s Session) IsOverdue(now time.Time) bool {
	return s.IsActive() && now.After(s.OverdueAt())
}

// EventPayload is the wire snapshot of this session carried by realtime
// events and the student board.
func (s Session) EventPayload() *SessionEvent {
	evt := &SessionEvent{
		ID:                 s.ID,
		CourseID:           s.CourseID,
		CourseCode:         s.CourseCode,
		CourseTitle:        s.CourseTitle,
		TeacherName:        s.TeacherName,
		Title:              s.Title,
		ClassroomName:      s.ClassroomName,
		ClassroomLatitude:  s.ClassroomLatitude,
		ClassroomLongitude: s.ClassroomLongitude,
		AllowedRadius:      s.AllowedRadius,
		ScheduledDuration:  s.ScheduledDuration,
		StartedAt:          s.StartedAt,
	}
	if s.EndedAt.Valid {
		evt.EndedAt = &s.EndedAt.Time
	}
	return evt
}

// Record is one student's attendance outcome for one session.
// Unique per (session, student); the server is the idempotency authority.
type Record struct {
	ID                    int          `json:"id" db:"id"`
	SessionID             int          `json:"session_id" db:"session_id"`
	StudentID             int          `json:"student_id" db:"student_id"`
	IsPresent             bool         `json:"is_present" db:"is_present"`
	Status                RecordStatus `json:"status" db:"status"`
	StudentLatitude       null.Float64 `json:"-" db:"student_latitude"`
	StudentLongitude      null.Float64 `json:"-" db:"student_longitude"`
	LocationVerified      bool         `json:"location_verified" db:"location_verified"`
	DistanceFromClassroom null.Float64 `json:"distance_from_classroom" db:"distance_from_classroom"`
	MarkedAt              null.Time    `json:"marked_at" db:"marked_at"`   // UTC
	CreatedAt             time.Time    `json:"created_at" db:"created_at"` // UTC
	UpdatedAt             time.Time    `json:"updated_at" db:"updated_at"` // UTC
}

// Token is a rotating QR/manual-entry credential for one session.
// Only the sha256 hash is stored; the signed value is returned once
// at issuance.
type Token struct {
	ID        int       `json:"id" db:"id"`
	SessionID int       `json:"session_id" db:"session_id"`
	Hash      string    `json:"-" db:"token_hash"`
	IssuedAt  time.Time `json:"issued_at" db:"issued_at"`   // UTC
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"` // UTC
	IsActive  bool      `json:"is_active" db:"is_active"`
	UsedCount int       `json:"used_count" db:"used_count"`
	MaxUses   int       `json:"max_uses" db:"max_uses"` // 0 = unlimited
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (t Token) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

func (t Token) Exhausted() bool { return t.MaxUses > 0 && t.UsedCount >= t.MaxUses }

func (t Token) Usable(now time.Time) bool {
	return t.IsActive && !t.Expired(now) && !t.Exhausted()
}

// NewSession contains information needed to start a Session.
// Coordinates are pointers so that a legitimate 0.0 survives the
// required check.
type NewSession struct {
	CourseID           int      `json:"course_id" validate:"required"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	ClassroomName      string   `json:"classroom_name"`
	ClassroomLatitude  *float64 `json:"classroom_latitude" validate:"required,latitude"`
	ClassroomLongitude *float64 `json:"classroom_longitude" validate:"required,longitude"`
	AllowedRadius      int      `json:"allowed_radius" validate:"omitempty,min=10,max=500"`
	ScheduledDuration  int      `json:"scheduled_duration" validate:"omitempty,min=5,max=480"`
}

func (ns *NewSession) Validate(validate *validator.Validate) error {
	ns.Title = core.CleanString(ns.Title)
	ns.Description = core.CleanString(ns.Description)
	ns.ClassroomName = core.CleanString(ns.ClassroomName)
	if ns.AllowedRadius == 0 {
		ns.AllowedRadius = DefaultAllowedRadius
	}
	if ns.ScheduledDuration == 0 {
		ns.ScheduledDuration = DefaultScheduledDuration
	}
	return validate.Struct(ns)
}

// MarkAttendance is a student's attendance submission. NoLocation is the
// explicit no-fix discriminator; the 0,0 sentinel is still honoured for
// older clients.
type MarkAttendance struct {
	SessionID  int     `json:"session_id" validate:"required"`
	Latitude   float64 `json:"latitude" validate:"finite"`
	Longitude  float64 `json:"longitude" validate:"finite"`
	NoLocation bool    `json:"no_location"`
}

func (ma *MarkAttendance) Validate(validate *validator.Validate) error {
	return validate.Struct(ma)
}

// HasLocation reports whether the submission carries a usable fix.
func (ma MarkAttendance) HasLocation() bool {
	return !ma.NoLocation && !(ma.Latitude == 0 && ma.Longitude == 0)
}

// VerifyTokenRequest is a manual token submission; location is optional
// on this path.
type VerifyTokenRequest struct {
	Token     string   `json:"token" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,finite"`
	Longitude *float64 `json:"longitude" validate:"omitempty,finite"`
}

func (vt *VerifyTokenRequest) Validate(validate *validator.Validate) error {
	vt.Token = core.CleanString(vt.Token)
	return validate.Struct(vt)
}

func (vt VerifyTokenRequest) HasLocation() bool {
	return vt.Latitude != nil && vt.Longitude != nil
}

// GenerateTokenRequest tunes token issuance.
type GenerateTokenRequest struct {
	DurationMinutes int `json:"duration_minutes" validate:"omitempty,min=1,max=480"`
	MaxUses         int `json:"max_uses" validate:"omitempty,min=1"`
}

func (gt *GenerateTokenRequest) Validate(validate *validator.Validate) error {
	return validate.Struct(gt)
}

// RefreshTokenRequest rotates a session token, invalidating the previous
// value when supplied.
type RefreshTokenRequest struct {
	PreviousToken string `json:"previous_token"`
}

// MarkResult is the wire response for a mark or token-verify submission.
// Distance is -1 when no verifiable fix was available.
type MarkResult struct {
	Message          string  `json:"message"`
	Attendance       Record  `json:"attendance"`
	LocationVerified bool    `json:"location_verified"`
	Distance         float64 `json:"distance"`
	AllowedRadius    int     `json:"allowed_radius"`
}

// IssuedToken is the one-time response carrying a signed token value.
type IssuedToken struct {
	ID        int       `json:"token_id"`
	SessionID int       `json:"session_id"`
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"` // seconds
	QRPayload string    `json:"qr_payload"`
}

// SessionEvent is the session snapshot pushed over the realtime channel
// and listed on the student board. Coordinates serialize as numeric
// strings (the historical wire format); geo.Degrees re-coerces on read.
type SessionEvent struct {
	ID                 int         `json:"id"`
	CourseID           int         `json:"course_id"`
	CourseCode         string      `json:"course_code"`
	CourseTitle        string      `json:"course_title"`
	TeacherName        string      `json:"teacher_name"`
	Title              string      `json:"title"`
	ClassroomName      string      `json:"classroom_name"`
	ClassroomLatitude  geo.Degrees `json:"classroom_latitude"`
	ClassroomLongitude geo.Degrees `json:"classroom_longitude"`
	AllowedRadius      int         `json:"allowed_radius"`
	ScheduledDuration  int         `json:"scheduled_duration"` // minutes
	StartedAt          time.Time   `json:"started_at"`
	EndedAt            *time.Time  `json:"ended_at,omitempty"`
}

// MarkedEvent tells a student (and the session teacher) that an
// attendance record landed.
type MarkedEvent struct {
	SessionID        int          `json:"session_id"`
	StudentID        int          `json:"student_id"`
	Status           RecordStatus `json:"status"`
	IsPresent        bool         `json:"is_present"`
	LocationVerified bool         `json:"location_verified"`
	MarkedAt         time.Time    `json:"marked_at"`
}

// BoardEntry is one active session on the student board, annotated with
// the student's own attendance state. AttendanceStatus is "not_marked"
// until a record lands.
type BoardEntry struct {
	ID                 int         `json:"id"`
	Title              string      `json:"title"`
	CourseCode         string      `json:"course_code"`
	ClassroomName      string      `json:"classroom_name"`
	ClassroomLatitude  geo.Degrees `json:"classroom_latitude"`
	ClassroomLongitude geo.Degrees `json:"classroom_longitude"`
	StartedAt          time.Time   `json:"started_at"`
	AllowedRadius      int         `json:"allowed_radius"`
	AttendanceMarked   bool        `json:"attendance_marked"`
	AttendanceStatus   string      `json:"attendance_status"`
}

const BoardStatusNotMarked = "not_marked"

// BoardNotification nudges the student about a session they have not
// marked yet.
type BoardNotification struct {
	Type      EventKind `json:"type"`
	Message   string    `json:"message"`
	SessionID int       `json:"session_id"`
	Title     string    `json:"title"`
}

// StudentBoard is the polling-fallback payload: every active session for
// the student's enrolled courses plus pending-mark notifications.
type StudentBoard struct {
	ActiveSessions   []BoardEntry        `json:"active_sessions"`
	Notifications    []BoardNotification `json:"notifications"`
	TotalSessions    int                 `json:"total_sessions"`
	UnmarkedSessions int                 `json:"unmarked_sessions"`
}

// Stats summarizes a teacher's (or the whole system's, for admins)
// attendance activity.
type Stats struct {
	TotalSessions  int       `json:"total_sessions"`
	ActiveSessions int       `json:"active_sessions"`
	TotalMarked    int       `json:"total_attendance_marked"`
	AttendanceRate float64   `json:"attendance_rate"`
	RecentSessions []Session `json:"recent_sessions"`
}

// SessionFilter applies AND on set fields.
type SessionFilter struct {
	CourseIDs   []int           `query:"course_id"`
	TeacherID   int             `query:"teacher_id"`
	Statuses    []SessionStatus `query:"status"`
	StartedFrom time.Time       `query:"started_from"`
	StartedTo   time.Time       `query:"started_to"`
}

func (f SessionFilter) IsEmpty() bool {
	return f.CourseIDs == nil && f.TeacherID == 0 &&
		f.Statuses == nil && f.StartedFrom.IsZero() && f.StartedTo.IsZero()
}

// RecordFilter applies AND on set fields.
type RecordFilter struct {
	SessionIDs []int
	StudentID  int
	Statuses   []RecordStatus
	IsPresent  *bool
}
