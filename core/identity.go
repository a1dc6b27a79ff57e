package core

// Identity is the authenticated principal extracted from a host-app JWT.
// User accounts themselves live in the host application; this module only
// ever sees the claims.
type Identity struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`

	IsStudent bool `json:"is_student"`
	IsTeacher bool `json:"is_teacher"`
	IsAdmin   bool `json:"is_admin"`
}

func (i Identity) IsZero() bool { return i.ID == 0 }
