package inmemdb

import (
	"sync"

	"github.com/trezcool/mahudhurio/core/attendance"
)

type (
	DB struct {
		course  *courseTable
		session *sessionTable
		record  *recordTable
		token   *tokenTable
	}

	courseTable struct {
		sync.RWMutex
		table       map[int]*attendance.Course
		enrollments map[int]map[int]bool // courseID -> studentID set
	}

	sessionTable struct {
		sync.RWMutex
		table map[int]*attendance.Session
	}

	recordTable struct {
		sync.RWMutex
		table map[int]*attendance.Record
	}

	tokenTable struct {
		sync.RWMutex
		table map[int]*attendance.Token
	}
)

func Open() (*DB, error) {
	db := &DB{
		course: &courseTable{
			table:       make(map[int]*attendance.Course),
			enrollments: make(map[int]map[int]bool),
		},
		session: &sessionTable{table: make(map[int]*attendance.Session)},
		record:  &recordTable{table: make(map[int]*attendance.Record)},
		token:   &tokenTable{table: make(map[int]*attendance.Token)},
	}
	return db, nil
}

// Reset drops all rows. Tests use it to isolate fixtures; primary key
// counters keep counting.
func (db *DB) Reset() {
	db.course.Lock()
	db.course.table = make(map[int]*attendance.Course)
	db.course.enrollments = make(map[int]map[int]bool)
	db.course.Unlock()

	db.session.Lock()
	db.session.table = make(map[int]*attendance.Session)
	db.session.Unlock()

	db.record.Lock()
	db.record.table = make(map[int]*attendance.Record)
	db.record.Unlock()

	db.token.Lock()
	db.token.table = make(map[int]*attendance.Token)
	db.token.Unlock()
}

// AddCourse seeds a course row. The host app owns course data; this
// exists for dev servers and tests only.
func (db *DB) AddCourse(course attendance.Course) attendance.Course {
	db.course.Lock()
	defer db.course.Unlock()

	coursePKCount++
	course.ID = coursePKCount
	db.course.table[course.ID] = &course
	return course
}

// AddEnrollment seeds an active enrollment.
func (db *DB) AddEnrollment(courseID, studentID int) {
	db.course.Lock()
	defer db.course.Unlock()

	set, ok := db.course.enrollments[courseID]
	if !ok {
		set = make(map[int]bool)
		db.course.enrollments[courseID] = set
	}
	set[studentID] = true
}
