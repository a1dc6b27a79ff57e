package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

func parseClaims(t *testing.T, value, secret string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}); err != nil {
		t.Fatalf("parseClaims() failed: %v", err)
	}
	return claims
}

func Test_service_GenerateToken(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	course := createCourse(t, env.db, "CS901", "Cryptography", teacherJane.ID, studentAzi.ID)
	sess := startSession(t, env, teacherJane, course.ID, 50, 60)

	t.Run("owner or admin only", func(t *testing.T) {
		_, err := env.svc.GenerateToken(ctx, teacherKoji, sess.ID, attendance.GenerateTokenRequest{})
		assert.ErrorIs(t, err, attendance.ErrNotSessionOwner)
		_, err = env.svc.GenerateToken(ctx, studentAzi, sess.ID, attendance.GenerateTokenRequest{})
		assert.ErrorIs(t, err, attendance.ErrNotSessionOwner)
	})

	t.Run("ok", func(t *testing.T) {
		tok, err := env.svc.GenerateToken(ctx, teacherJane, sess.ID, attendance.GenerateTokenRequest{})
		if err != nil {
			t.Fatalf("GenerateToken() failed: %v", err)
		}
		assert.NotEmpty(t, tok.ID)
		assert.Equal(t, sess.ID, tok.SessionID)
		assert.NotEmpty(t, tok.Value)
		assert.Equal(t, tok.Value, tok.QRPayload)
		assert.Equal(t, 600, tok.ExpiresIn)

		claims := parseClaims(t, tok.Value, "secret")
		assert.Equal(t, attendance.TokenType, claims["type"])
		assert.Equal(t, float64(sess.ID), claims["session_id"])
		assert.Equal(t, float64(course.ID), claims["course_id"])
		assert.Equal(t, "CS901", claims["course_code"])
		assert.Equal(t, float64(teacherJane.ID), claims["teacher_id"])
		assert.Equal(t, claims["iat"].(float64)+600, claims["exp"])

		// only the hash is stored
		row, err := env.tokens.GetTokenByHash(ctx, sha256Hex(tok.Value))
		if assert.NoError(t, err) {
			assert.True(t, row.IsActive)
			assert.Equal(t, 0, row.UsedCount)
			assert.Equal(t, 0, row.MaxUses)
		}
	})

	t.Run("custom duration and uses", func(t *testing.T) {
		tok, err := env.svc.GenerateToken(ctx, teacherJane, sess.ID, attendance.GenerateTokenRequest{
			DurationMinutes: 2,
			MaxUses:         5,
		})
		if err != nil {
			t.Fatalf("GenerateToken() failed: %v", err)
		}
		assert.Equal(t, 120, tok.ExpiresIn)
		row, err := env.tokens.GetTokenByHash(ctx, sha256Hex(tok.Value))
		if assert.NoError(t, err) {
			assert.Equal(t, 5, row.MaxUses)
		}
	})

	t.Run("ended session", func(t *testing.T) {
		if _, err := env.svc.EndSession(ctx, teacherJane, sess.ID); err != nil {
			t.Fatalf("EndSession() failed: %v", err)
		}
		_, err := env.svc.GenerateToken(ctx, teacherJane, sess.ID, attendance.GenerateTokenRequest{})
		assert.ErrorIs(t, err, attendance.ErrSessionNotActive)
	})
}

func Test_service_VerifyToken(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	course := createCourse(t, env.db, "CS902", "Machine Learning", teacherJane.ID, studentAzi.ID, studentBen.ID)
	sess := startSession(t, env, teacherJane, course.ID, 50, 60)

	tok, err := env.svc.GenerateToken(ctx, teacherJane, sess.ID, attendance.GenerateTokenRequest{})
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}

	usedCount := func() int {
		t.Helper()
		row, err := env.tokens.GetTokenByHash(ctx, sha256Hex(tok.Value))
		if err != nil {
			t.Fatalf("GetTokenByHash() failed: %v", err)
		}
		return row.UsedCount
	}

	t.Run("garbage value", func(t *testing.T) {
		_, err := env.svc.VerifyToken(ctx, studentAzi, attendance.VerifyTokenRequest{Token: "nonsense"})
		assert.ErrorIs(t, err, attendance.ErrTokenNotFound)
	})

	t.Run("well formed but never issued", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"type":       attendance.TokenType,
			"session_id": sess.ID,
			"exp":        time.Now().Add(10 * time.Minute).Unix(),
		}).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("SignedString() failed: %v", err)
		}
		_, err = env.svc.VerifyToken(ctx, studentAzi, attendance.VerifyTokenRequest{Token: forged})
		assert.ErrorIs(t, err, attendance.ErrTokenNotFound)
	})

	t.Run("no coordinates marks present unverified", func(t *testing.T) {
		res, err := env.svc.VerifyToken(ctx, studentAzi, attendance.VerifyTokenRequest{Token: tok.Value})
		if err != nil {
			t.Fatalf("VerifyToken() failed: %v", err)
		}
		assert.Equal(t, "Attendance marked successfully", res.Message)
		assert.True(t, res.Attendance.IsPresent)
		assert.False(t, res.LocationVerified)
		assert.Equal(t, -1.0, res.Distance)
		assert.Equal(t, 1, usedCount())
	})

	t.Run("in-range coordinates mark verified", func(t *testing.T) {
		res, err := env.svc.VerifyToken(ctx, studentBen, attendance.VerifyTokenRequest{
			Token: tok.Value, Latitude: fptr(nearLat), Longitude: fptr(clsLon),
		})
		if err != nil {
			t.Fatalf("VerifyToken() failed: %v", err)
		}
		assert.True(t, res.Attendance.IsPresent)
		assert.True(t, res.LocationVerified)
		assert.True(t, res.Distance >= 0 && res.Distance < 50, "distance = %v", res.Distance)
		assert.Equal(t, 2, usedCount())
	})

	t.Run("out of radius fails without marking", func(t *testing.T) {
		student := enrolledStudent(env.db, course.ID, 41, "s41")
		_, err := env.svc.VerifyToken(ctx, student, attendance.VerifyTokenRequest{
			Token: tok.Value, Latitude: fptr(farLat), Longitude: fptr(clsLon),
		})
		assert.ErrorIs(t, err, attendance.ErrInvalidLocation)
		_, err = env.records.GetRecord(ctx, sess.ID, student.ID)
		assert.ErrorIs(t, err, attendance.ErrRecordNotFound)
		assert.Equal(t, 2, usedCount()) // rejected scans do not consume a use
	})

	t.Run("already marked", func(t *testing.T) {
		_, err := env.svc.VerifyToken(ctx, studentAzi, attendance.VerifyTokenRequest{Token: tok.Value})
		assert.ErrorIs(t, err, attendance.ErrAlreadyMarked)
		assert.Equal(t, 3, usedCount()) // the scan itself was accepted
	})

	t.Run("not enrolled", func(t *testing.T) {
		_, err := env.svc.VerifyToken(ctx, studentEli, attendance.VerifyTokenRequest{Token: tok.Value})
		assert.ErrorIs(t, err, attendance.ErrNotEnrolled)
	})

	t.Run("expired by the service clock", func(t *testing.T) {
		mockNow(t, time.Now().Add(11*time.Minute))
		student := enrolledStudent(env.db, course.ID, 42, "s42")
		_, err := env.svc.VerifyToken(ctx, student, attendance.VerifyTokenRequest{Token: tok.Value})
		assert.ErrorIs(t, err, attendance.ErrTokenExpired)
	})

	t.Run("expired by the wall clock", func(t *testing.T) {
		mockNow(t, time.Now().Add(-time.Hour))
		stale, err := env.svc.GenerateToken(ctx, teacherJane, sess.ID, attendance.GenerateTokenRequest{})
		if err != nil {
			t.Fatalf("GenerateToken() failed: %v", err)
		}
		attendance.NowFunc = time.Now
		_, err = env.svc.VerifyToken(ctx, studentBen, attendance.VerifyTokenRequest{Token: stale.Value})
		assert.ErrorIs(t, err, attendance.ErrTokenExpired)
	})

	t.Run("max uses exhausted", func(t *testing.T) {
		course2 := createCourse(t, env.db, "CS903", "Statistics", teacherKoji.ID)
		s50 := enrolledStudent(env.db, course2.ID, 50, "s50")
		s51 := enrolledStudent(env.db, course2.ID, 51, "s51")
		sess2 := startSession(t, env, teacherKoji, course2.ID, 50, 60)
		single, err := env.svc.GenerateToken(ctx, teacherKoji, sess2.ID, attendance.GenerateTokenRequest{MaxUses: 1})
		if err != nil {
			t.Fatalf("GenerateToken() failed: %v", err)
		}

		if _, err = env.svc.VerifyToken(ctx, s50, attendance.VerifyTokenRequest{Token: single.Value}); err != nil {
			t.Fatalf("VerifyToken() failed: %v", err)
		}
		_, err = env.svc.VerifyToken(ctx, s51, attendance.VerifyTokenRequest{Token: single.Value})
		assert.ErrorIs(t, err, attendance.ErrTokenNotFound)
	})

	t.Run("deactivated with its session", func(t *testing.T) {
		if _, err := env.svc.EndSession(ctx, teacherJane, sess.ID); err != nil {
			t.Fatalf("EndSession() failed: %v", err)
		}
		student := core.Identity{ID: 42, Username: "s42", IsStudent: true}
		_, err := env.svc.VerifyToken(ctx, student, attendance.VerifyTokenRequest{Token: tok.Value})
		assert.ErrorIs(t, err, attendance.ErrTokenNotFound)
	})
}

func Test_service_RefreshToken(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	course := createCourse(t, env.db, "CS904", "Numerical Methods", teacherJane.ID, studentAzi.ID, studentBen.ID)
	sess := startSession(t, env, teacherJane, course.ID, 50, 60)

	old, err := env.svc.GenerateToken(ctx, teacherJane, sess.ID, attendance.GenerateTokenRequest{})
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}

	t.Run("owner or admin only", func(t *testing.T) {
		_, err := env.svc.RefreshToken(ctx, teacherKoji, sess.ID, attendance.RefreshTokenRequest{})
		assert.ErrorIs(t, err, attendance.ErrNotSessionOwner)
	})

	t.Run("rotates the previous value out", func(t *testing.T) {
		fresh, err := env.svc.RefreshToken(ctx, teacherJane, sess.ID, attendance.RefreshTokenRequest{
			PreviousToken: old.Value,
		})
		if err != nil {
			t.Fatalf("RefreshToken() failed: %v", err)
		}
		assert.NotEqual(t, old.Value, fresh.Value)

		row, err := env.tokens.GetTokenByHash(ctx, sha256Hex(old.Value))
		if assert.NoError(t, err) {
			assert.False(t, row.IsActive)
		}

		_, err = env.svc.VerifyToken(ctx, studentAzi, attendance.VerifyTokenRequest{Token: old.Value})
		assert.ErrorIs(t, err, attendance.ErrTokenNotFound)

		if _, err = env.svc.VerifyToken(ctx, studentAzi, attendance.VerifyTokenRequest{Token: fresh.Value}); err != nil {
			t.Fatalf("VerifyToken() failed: %v", err)
		}
	})

	t.Run("unknown previous value is ignored", func(t *testing.T) {
		fresh, err := env.svc.RefreshToken(ctx, teacherJane, sess.ID, attendance.RefreshTokenRequest{
			PreviousToken: "long gone",
		})
		if err != nil {
			t.Fatalf("RefreshToken() failed: %v", err)
		}
		assert.NotEmpty(t, fresh.Value)
	})

	t.Run("ended session", func(t *testing.T) {
		if _, err := env.svc.EndSession(ctx, teacherJane, sess.ID); err != nil {
			t.Fatalf("EndSession() failed: %v", err)
		}
		_, err := env.svc.RefreshToken(ctx, teacherJane, sess.ID, attendance.RefreshTokenRequest{})
		assert.ErrorIs(t, err, attendance.ErrSessionNotActive)
	})
}
