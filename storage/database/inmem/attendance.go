package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

var (
	coursePKCount  int
	sessionPKCount int
	recordPKCount  int
	tokenPKCount   int
)

// ---------------------------------------------------------------- sessions

type sessionRepository struct {
	db *sessionTable
}

var _ attendance.SessionRepository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(db *DB) attendance.SessionRepository {
	return &sessionRepository{db: db.session}
}

func (repo *sessionRepository) CreateSession(_ context.Context, sess attendance.Session) (attendance.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sessionPKCount++
	sess.ID = sessionPKCount
	repo.db.table[sess.ID] = &sess
	return sess, nil
}

func (repo *sessionRepository) GetSessionByID(_ context.Context, id int) (attendance.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sess, ok := repo.db.table[id]; ok {
		return *sess, nil
	}
	return attendance.Session{}, attendance.ErrSessionNotFound
}

func (repo *sessionRepository) FilterSessions(
	_ context.Context,
	filter attendance.SessionFilter,
	ordering ...core.DBOrdering,
) ([]attendance.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	sessions := make([]attendance.Session, 0, len(repo.db.table))
	for _, sess := range repo.db.table {
		if matchSession(*sess, filter) {
			sessions = append(sessions, *sess)
		}
	}
	sortSessions(sessions, ordering)
	return sessions, nil
}

func (repo *sessionRepository) UpdateSession(_ context.Context, sess attendance.Session) (attendance.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[sess.ID]; !ok {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	repo.db.table[sess.ID] = &sess
	return sess, nil
}

func matchSession(sess attendance.Session, f attendance.SessionFilter) bool {
	if len(f.CourseIDs) > 0 && !containsInt(f.CourseIDs, sess.CourseID) {
		return false
	}
	if f.TeacherID != 0 && sess.TeacherID != f.TeacherID {
		return false
	}
	if len(f.Statuses) > 0 {
		var ok bool
		for _, st := range f.Statuses {
			if sess.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.StartedFrom.IsZero() && sess.StartedAt.Before(f.StartedFrom) {
		return false
	}
	if !f.StartedTo.IsZero() && sess.StartedAt.After(f.StartedTo) {
		return false
	}
	return true
}

// sortSessions applies the first ordering; newest-first on started_at
// when none given.
func sortSessions(sessions []attendance.Session, ordering []core.DBOrdering) {
	ord := core.DBOrdering{Field: "started_at"}
	if len(ordering) > 0 {
		ord = ordering[0]
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		var less bool
		switch ord.Field {
		case "id":
			less = sessions[i].ID < sessions[j].ID
		case "created_at":
			less = sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		default:
			less = sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		if ord.Ascending {
			return less
		}
		return !less
	})
}

// ----------------------------------------------------------------- records

type recordRepository struct {
	db *recordTable
}

var _ attendance.RecordRepository = (*recordRepository)(nil) // interface compliance check

func NewRecordRepository(db *DB) attendance.RecordRepository {
	return &recordRepository{db: db.record}
}

func (repo *recordRepository) CreateRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	recordPKCount++
	rec.ID = recordPKCount
	repo.db.table[rec.ID] = &rec
	return rec, nil
}

func (repo *recordRepository) GetRecord(_ context.Context, sessionID, studentID int) (attendance.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, rec := range repo.db.table {
		if rec.SessionID == sessionID && rec.StudentID == studentID {
			return *rec, nil
		}
	}
	return attendance.Record{}, attendance.ErrRecordNotFound
}

func (repo *recordRepository) FilterRecords(_ context.Context, filter attendance.RecordFilter) ([]attendance.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	records := make([]attendance.Record, 0, len(repo.db.table))
	for _, rec := range repo.db.table {
		if matchRecord(*rec, filter) {
			records = append(records, *rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (repo *recordRepository) UpdateRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[rec.ID]; !ok {
		return attendance.Record{}, attendance.ErrRecordNotFound
	}
	repo.db.table[rec.ID] = &rec
	return rec, nil
}

func matchRecord(rec attendance.Record, f attendance.RecordFilter) bool {
	if len(f.SessionIDs) > 0 && !containsInt(f.SessionIDs, rec.SessionID) {
		return false
	}
	if f.StudentID != 0 && rec.StudentID != f.StudentID {
		return false
	}
	if len(f.Statuses) > 0 {
		var ok bool
		for _, st := range f.Statuses {
			if rec.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.IsPresent != nil && rec.IsPresent != *f.IsPresent {
		return false
	}
	return true
}

// ------------------------------------------------------------------ tokens

type tokenRepository struct {
	db *tokenTable
}

var _ attendance.TokenRepository = (*tokenRepository)(nil) // interface compliance check

func NewTokenRepository(db *DB) attendance.TokenRepository {
	return &tokenRepository{db: db.token}
}

func (repo *tokenRepository) CreateToken(_ context.Context, tok attendance.Token) (attendance.Token, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	tokenPKCount++
	tok.ID = tokenPKCount
	repo.db.table[tok.ID] = &tok
	return tok, nil
}

func (repo *tokenRepository) GetTokenByHash(_ context.Context, hash string) (attendance.Token, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, tok := range repo.db.table {
		if tok.Hash == hash {
			return *tok, nil
		}
	}
	return attendance.Token{}, attendance.ErrTokenNotFound
}

func (repo *tokenRepository) UpdateToken(_ context.Context, tok attendance.Token) (attendance.Token, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[tok.ID]; !ok {
		return attendance.Token{}, attendance.ErrTokenNotFound
	}
	repo.db.table[tok.ID] = &tok
	return tok, nil
}

func (repo *tokenRepository) DeactivateSessionTokens(_ context.Context, sessionID int) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, tok := range repo.db.table {
		if tok.SessionID == sessionID {
			tok.IsActive = false
		}
	}
	return nil
}

// ------------------------------------------------------------- enrollments

type enrollmentRepository struct {
	db *courseTable
}

var _ attendance.EnrollmentRepository = (*enrollmentRepository)(nil) // interface compliance check

func NewEnrollmentRepository(db *DB) attendance.EnrollmentRepository {
	return &enrollmentRepository{db: db.course}
}

func (repo *enrollmentRepository) GetCourseByID(_ context.Context, id int) (attendance.Course, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if course, ok := repo.db.table[id]; ok {
		return *course, nil
	}
	return attendance.Course{}, attendance.ErrCourseNotFound
}

func (repo *enrollmentRepository) IsStudentEnrolled(_ context.Context, courseID, studentID int) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.db.enrollments[courseID][studentID], nil
}

func (repo *enrollmentRepository) ListEnrolledStudentIDs(_ context.Context, courseID int) ([]int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	ids := make([]int, 0, len(repo.db.enrollments[courseID]))
	for id := range repo.db.enrollments[courseID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (repo *enrollmentRepository) ListStudentCourseIDs(_ context.Context, studentID int) ([]int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var ids []int
	for courseID, students := range repo.db.enrollments {
		if students[studentID] {
			ids = append(ids, courseID)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
