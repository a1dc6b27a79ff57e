// Package sqlxrepos implements the attendance repositories on PostgreSQL
// via sqlx. course and course_student are the host app's tables and are
// only ever read here.
package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

// Querier is the slice of *sqlx.DB the repositories need; *sqlx.Tx
// satisfies it too.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	Rebind(query string) string
}

// trapNoRowsErr maps psql "no rows" err to the entity's not-found sentinel.
func trapNoRowsErr(err, notFound error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// orderBy renders the ORDER BY clause from the allowed column set;
// unknown fields are skipped and an empty result falls back to def.
func orderBy(ordering []core.DBOrdering, allowed map[string]string, def string) string {
	terms := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		col, ok := allowed[ord.Field]
		if !ok {
			continue
		}
		terms = append(terms, core.DBOrdering{Field: col, Ascending: ord.Ascending}.String())
	}
	if len(terms) == 0 {
		return " ORDER BY " + def
	}
	return " ORDER BY " + strings.Join(terms, ", ")
}

// ---------------------------------------------------------------- sessions

// session rows carry the course code and title denormalized from the
// host app's course table.
const selectSessions = `
	SELECT s.id, s.course_id, c.code AS course_code, c.title AS course_title,
	       s.teacher_id, s.teacher_name, s.teacher_email, s.title, s.description,
	       s.classroom_name, s.classroom_latitude, s.classroom_longitude,
	       s.allowed_radius, s.scheduled_duration, s.status,
	       s.started_at, s.ended_at, s.created_at, s.updated_at
	  FROM attendance_session s
	  JOIN course c ON c.id = s.course_id`

var sessionOrderColumns = map[string]string{
	"id":         "s.id",
	"started_at": "s.started_at",
	"created_at": "s.created_at",
}

type sessionRepository struct {
	db Querier
}

var _ attendance.SessionRepository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(db Querier) *sessionRepository {
	return &sessionRepository{db: db}
}

func (repo sessionRepository) CreateSession(ctx context.Context, sess attendance.Session) (attendance.Session, error) {
	const query = `
		INSERT INTO attendance_session (
			course_id, teacher_id, teacher_name, teacher_email, title, description,
			classroom_name, classroom_latitude, classroom_longitude, allowed_radius,
			scheduled_duration, status, started_at, ended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	err := repo.db.QueryRowxContext(ctx, query,
		sess.CourseID, sess.TeacherID, sess.TeacherName, sess.TeacherEmail, sess.Title, sess.Description,
		sess.ClassroomName, sess.ClassroomLatitude.Float(), sess.ClassroomLongitude.Float(), sess.AllowedRadius,
		sess.ScheduledDuration, sess.Status, sess.StartedAt.UTC(), sess.EndedAt, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	).Scan(&sess.ID)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "inserting session")
	}
	return sess, nil
}

func (repo sessionRepository) GetSessionByID(ctx context.Context, id int) (attendance.Session, error) {
	var sess attendance.Session
	if err := repo.db.GetContext(ctx, &sess, selectSessions+" WHERE s.id = $1", id); err != nil {
		return attendance.Session{}, trapNoRowsErr(err, attendance.ErrSessionNotFound, "finding session by ID")
	}
	return sess, nil
}

func (repo sessionRepository) FilterSessions(
	ctx context.Context,
	filter attendance.SessionFilter,
	ordering ...core.DBOrdering,
) ([]attendance.Session, error) {
	query := selectSessions
	var conds []string
	var args []interface{}

	if len(filter.CourseIDs) > 0 {
		conds = append(conds, "s.course_id IN (?)")
		args = append(args, filter.CourseIDs)
	}
	if filter.TeacherID != 0 {
		conds = append(conds, "s.teacher_id = ?")
		args = append(args, filter.TeacherID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "s.status IN (?)")
		args = append(args, filter.Statuses)
	}
	if !filter.StartedFrom.IsZero() {
		conds = append(conds, "s.started_at >= ?")
		args = append(args, filter.StartedFrom.UTC())
	}
	if !filter.StartedTo.IsZero() {
		conds = append(conds, "s.started_at <= ?")
		args = append(args, filter.StartedTo.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering, sessionOrderColumns, "s.started_at DESC")

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "expanding session filter")
	}
	sessions := []attendance.Session{}
	if err = repo.db.SelectContext(ctx, &sessions, repo.db.Rebind(query), expanded...); err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}
	return sessions, nil
}

func (repo sessionRepository) UpdateSession(ctx context.Context, sess attendance.Session) (attendance.Session, error) {
	const query = `
		UPDATE attendance_session
		   SET teacher_name = $1, teacher_email = $2, title = $3, description = $4,
		       classroom_name = $5, classroom_latitude = $6, classroom_longitude = $7,
		       allowed_radius = $8, scheduled_duration = $9, status = $10,
		       started_at = $11, ended_at = $12, updated_at = $13
		 WHERE id = $14`

	res, err := repo.db.ExecContext(ctx, query,
		sess.TeacherName, sess.TeacherEmail, sess.Title, sess.Description,
		sess.ClassroomName, sess.ClassroomLatitude.Float(), sess.ClassroomLongitude.Float(),
		sess.AllowedRadius, sess.ScheduledDuration, sess.Status,
		sess.StartedAt.UTC(), sess.EndedAt, sess.UpdatedAt.UTC(),
		sess.ID,
	)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "updating session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	return sess, nil
}

// ----------------------------------------------------------------- records

const selectRecords = `
	SELECT id, session_id, student_id, is_present, status,
	       student_latitude, student_longitude, location_verified,
	       distance_from_classroom, marked_at, created_at, updated_at
	  FROM attendance_record`

type recordRepository struct {
	db Querier
}

var _ attendance.RecordRepository = (*recordRepository)(nil) // interface compliance check

func NewRecordRepository(db Querier) *recordRepository {
	return &recordRepository{db: db}
}

func (repo recordRepository) CreateRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	const query = `
		INSERT INTO attendance_record (
			session_id, student_id, is_present, status, student_latitude, student_longitude,
			location_verified, distance_from_classroom, marked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := repo.db.QueryRowxContext(ctx, query,
		rec.SessionID, rec.StudentID, rec.IsPresent, rec.Status, rec.StudentLatitude, rec.StudentLongitude,
		rec.LocationVerified, rec.DistanceFromClassroom, rec.MarkedAt, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	).Scan(&rec.ID)
	if err != nil {
		// the (session, student) unique constraint is the final idempotency
		// authority; a concurrent duplicate insert surfaces as already-marked
		if isUniqueViolation(err) {
			return attendance.Record{}, attendance.ErrAlreadyMarked
		}
		return attendance.Record{}, errors.Wrap(err, "inserting record")
	}
	return rec, nil
}

func (repo recordRepository) GetRecord(ctx context.Context, sessionID, studentID int) (attendance.Record, error) {
	var rec attendance.Record
	err := repo.db.GetContext(ctx, &rec, selectRecords+" WHERE session_id = $1 AND student_id = $2", sessionID, studentID)
	if err != nil {
		return attendance.Record{}, trapNoRowsErr(err, attendance.ErrRecordNotFound, "finding record")
	}
	return rec, nil
}

func (repo recordRepository) FilterRecords(ctx context.Context, filter attendance.RecordFilter) ([]attendance.Record, error) {
	query := selectRecords
	var conds []string
	var args []interface{}

	if len(filter.SessionIDs) > 0 {
		conds = append(conds, "session_id IN (?)")
		args = append(args, filter.SessionIDs)
	}
	if filter.StudentID != 0 {
		conds = append(conds, "student_id = ?")
		args = append(args, filter.StudentID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN (?)")
		args = append(args, filter.Statuses)
	}
	if filter.IsPresent != nil {
		conds = append(conds, "is_present = ?")
		args = append(args, *filter.IsPresent)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "expanding record filter")
	}
	records := []attendance.Record{}
	if err = repo.db.SelectContext(ctx, &records, repo.db.Rebind(query), expanded...); err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	return records, nil
}

func (repo recordRepository) UpdateRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	const query = `
		UPDATE attendance_record
		   SET is_present = $1, status = $2, student_latitude = $3, student_longitude = $4,
		       location_verified = $5, distance_from_classroom = $6, marked_at = $7, updated_at = $8
		 WHERE id = $9`

	res, err := repo.db.ExecContext(ctx, query,
		rec.IsPresent, rec.Status, rec.StudentLatitude, rec.StudentLongitude,
		rec.LocationVerified, rec.DistanceFromClassroom, rec.MarkedAt, rec.UpdatedAt.UTC(),
		rec.ID,
	)
	if err != nil {
		return attendance.Record{}, errors.Wrap(err, "updating record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.Record{}, attendance.ErrRecordNotFound
	}
	return rec, nil
}

// ------------------------------------------------------------------ tokens

const selectTokens = `
	SELECT id, session_id, token_hash, issued_at, expires_at,
	       is_active, used_count, max_uses, created_at
	  FROM attendance_token`

type tokenRepository struct {
	db Querier
}

var _ attendance.TokenRepository = (*tokenRepository)(nil) // interface compliance check

func NewTokenRepository(db Querier) *tokenRepository {
	return &tokenRepository{db: db}
}

func (repo tokenRepository) CreateToken(ctx context.Context, tok attendance.Token) (attendance.Token, error) {
	const query = `
		INSERT INTO attendance_token (
			session_id, token_hash, issued_at, expires_at, is_active, used_count, max_uses, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := repo.db.QueryRowxContext(ctx, query,
		tok.SessionID, tok.Hash, tok.IssuedAt.UTC(), tok.ExpiresAt.UTC(),
		tok.IsActive, tok.UsedCount, tok.MaxUses, tok.CreatedAt.UTC(),
	).Scan(&tok.ID)
	if err != nil {
		return attendance.Token{}, errors.Wrap(err, "inserting token")
	}
	return tok, nil
}

func (repo tokenRepository) GetTokenByHash(ctx context.Context, hash string) (attendance.Token, error) {
	var tok attendance.Token
	if err := repo.db.GetContext(ctx, &tok, selectTokens+" WHERE token_hash = $1", hash); err != nil {
		return attendance.Token{}, trapNoRowsErr(err, attendance.ErrTokenNotFound, "finding token by hash")
	}
	return tok, nil
}

func (repo tokenRepository) UpdateToken(ctx context.Context, tok attendance.Token) (attendance.Token, error) {
	const query = `
		UPDATE attendance_token
		   SET expires_at = $1, is_active = $2, used_count = $3, max_uses = $4
		 WHERE id = $5`

	res, err := repo.db.ExecContext(ctx, query, tok.ExpiresAt.UTC(), tok.IsActive, tok.UsedCount, tok.MaxUses, tok.ID)
	if err != nil {
		return attendance.Token{}, errors.Wrap(err, "updating token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.Token{}, attendance.ErrTokenNotFound
	}
	return tok, nil
}

func (repo tokenRepository) DeactivateSessionTokens(ctx context.Context, sessionID int) error {
	_, err := repo.db.ExecContext(ctx, `UPDATE attendance_token SET is_active = FALSE WHERE session_id = $1`, sessionID)
	return errors.Wrap(err, "deactivating session tokens")
}

// ------------------------------------------------------------- enrollments

type enrollmentRepository struct {
	db Querier
}

var _ attendance.EnrollmentRepository = (*enrollmentRepository)(nil) // interface compliance check

func NewEnrollmentRepository(db Querier) *enrollmentRepository {
	return &enrollmentRepository{db: db}
}

func (repo enrollmentRepository) GetCourseByID(ctx context.Context, id int) (attendance.Course, error) {
	const query = `
		SELECT id, code, title, description, teacher_id, max_students, is_active, created_at, updated_at
		  FROM course
		 WHERE id = $1`

	var course attendance.Course
	if err := repo.db.GetContext(ctx, &course, query, id); err != nil {
		return attendance.Course{}, trapNoRowsErr(err, attendance.ErrCourseNotFound, "finding course by ID")
	}
	return course, nil
}

func (repo enrollmentRepository) IsStudentEnrolled(ctx context.Context, courseID, studentID int) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM course_student WHERE course_id = $1 AND student_id = $2)`

	var enrolled bool
	if err := repo.db.GetContext(ctx, &enrolled, query, courseID, studentID); err != nil {
		return false, errors.Wrap(err, "checking enrollment")
	}
	return enrolled, nil
}

func (repo enrollmentRepository) ListEnrolledStudentIDs(ctx context.Context, courseID int) ([]int, error) {
	ids := []int{}
	err := repo.db.SelectContext(ctx, &ids,
		`SELECT student_id FROM course_student WHERE course_id = $1 ORDER BY student_id`, courseID)
	if err != nil {
		return nil, errors.Wrap(err, "listing enrolled students")
	}
	return ids, nil
}

func (repo enrollmentRepository) ListStudentCourseIDs(ctx context.Context, studentID int) ([]int, error) {
	ids := []int{}
	err := repo.db.SelectContext(ctx, &ids,
		`SELECT course_id FROM course_student WHERE student_id = $1 ORDER BY course_id`, studentID)
	if err != nil {
		return nil, errors.Wrap(err, "listing student courses")
	}
	return ids, nil
}
