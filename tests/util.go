package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/geo"
	inmemdb "github.com/trezcool/mahudhurio/storage/database/inmem"
)

// classroom reference point (Lubumbashi campus)
const (
	ClassroomLat = -11.6647
	ClassroomLon = 27.4794
)

// CreateCourse seeds a host-app course and its enrollments.
func CreateCourse(
	t *testing.T,
	db *inmemdb.DB,
	code, title string,
	teacherID int,
	studentIDs ...int,
) attendance.Course {
	t.Helper()
	now := time.Now().UTC()
	course := db.AddCourse(attendance.Course{
		Code:      code,
		Title:     title,
		TeacherID: teacherID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	for _, id := range studentIDs {
		db.AddEnrollment(course.ID, id)
	}
	return course
}

// CreateSession inserts a session row directly, bypassing the service and
// its event fan-out.
func CreateSession(
	t *testing.T,
	repo attendance.SessionRepository,
	course attendance.Course,
	teacherName string,
	status attendance.SessionStatus,
	startedAt time.Time,
) attendance.Session {
	t.Helper()
	now := time.Now().UTC()
	sess, err := repo.CreateSession(context.Background(), attendance.Session{
		CourseID:           course.ID,
		CourseCode:         course.Code,
		CourseTitle:        course.Title,
		TeacherID:          course.TeacherID,
		TeacherName:        teacherName,
		Title:              course.Code + " lecture",
		ClassroomName:      "Room A",
		ClassroomLatitude:  geo.Degrees(ClassroomLat),
		ClassroomLongitude: geo.Degrees(ClassroomLon),
		AllowedRadius:      attendance.DefaultAllowedRadius,
		ScheduledDuration:  attendance.DefaultScheduledDuration,
		Status:             status,
		StartedAt:          startedAt.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	return sess
}

// CreateRecord inserts an attendance record row directly.
func CreateRecord(
	t *testing.T,
	repo attendance.RecordRepository,
	sessionID, studentID int,
	status attendance.RecordStatus,
	present bool,
) attendance.Record {
	t.Helper()
	now := time.Now().UTC()
	rec := attendance.Record{
		SessionID: sessionID,
		StudentID: studentID,
		IsPresent: present,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if present {
		rec.MarkedAt = null.TimeFrom(now)
	}
	created, err := repo.CreateRecord(context.Background(), rec)
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	return created
}

// ResetDB drops all rows between tests.
func ResetDB(t *testing.T, db *inmemdb.DB) {
	t.Helper()
	db.Reset()
}

// JSONDiff renders a unified diff of two JSON payloads, re-indented so
// failures stay readable.
func JSONDiff(want, got []byte) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(indentJSON(want)),
		B:        difflib.SplitLines(indentJSON(got)),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}

func indentJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
