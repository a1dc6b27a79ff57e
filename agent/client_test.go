package agent_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/mahudhurio/agent"
	"github.com/trezcool/mahudhurio/core/attendance"
)

func newTestClient(t *testing.T, handler http.Handler) *agent.Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return agent.NewClient(agent.ClientOptions{
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
		Logger:  testLogger,
	})
}

// signBearer mints a host-app style token; the agent only ever parses
// it unverified, so the signing key is irrelevant.
func signBearer(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        subject,
		"exp":        expiresAt.Unix(),
		"username":   "aziz.juma",
		"is_student": true,
	})
	signed, err := tok.SignedString([]byte("whatever"))
	if err != nil {
		t.Fatalf("signing test bearer: %v", err)
	}
	return signed
}

func Test_client_loginHoldsBearer(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	bearer := signBearer(t, "10", expiry)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/users/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "aziz.juma", body.Username)
		assert.Equal(t, "s3cret", body.Password)

		_ = json.NewEncoder(w).Encode(map[string]string{"token": bearer})
	}))

	got, err := client.Login(context.Background(), "aziz.juma", "s3cret")
	assert.NoError(t, err)
	assert.Equal(t, bearer, got)
	assert.Equal(t, bearer, client.Token())

	id, err := client.UserID()
	assert.NoError(t, err)
	assert.Equal(t, 10, id)

	exp, err := client.BearerExpiry()
	assert.NoError(t, err)
	assert.Equal(t, expiry.Unix(), exp.Unix())
}

func Test_client_bearerClaimFailures(t *testing.T) {
	client := agent.NewClient(agent.ClientOptions{BaseURL: "http://localhost:0", Logger: testLogger})

	_, err := client.UserID()
	assert.Error(t, err, "no token held yet")

	client.SetToken("not-a-jwt")
	_, err = client.UserID()
	assert.Error(t, err)

	client.SetToken(signBearer(t, "jane.awe", time.Now().Add(time.Hour)))
	_, err = client.UserID()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "not a numeric user id")
	}
}

func Test_client_boardRequestCarriesBearer(t *testing.T) {
	bearer := signBearer(t, "10", time.Now().Add(time.Hour))

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/attendance/board", r.URL.Path)
		assert.Equal(t, "Bearer "+bearer, r.Header.Get("Authorization"))

		// coordinates intentionally echoed as numeric strings
		fmt.Fprint(w, `{
			"active_sessions": [{
				"id": 7,
				"title": "Lecture 4",
				"course_code": "CS101",
				"classroom_name": "Room A",
				"classroom_latitude": "-11.664700",
				"classroom_longitude": "27.479400",
				"allowed_radius": 50,
				"attendance_marked": false,
				"attendance_status": "not_marked"
			}],
			"total_sessions": 1,
			"unmarked_sessions": 1
		}`)
	}))
	client.SetToken(bearer)

	board, err := client.StudentBoard(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, board.UnmarkedSessions)
	if assert.Len(t, board.ActiveSessions, 1) {
		entry := board.ActiveSessions[0]
		assert.Equal(t, 7, entry.ID)
		assert.True(t, entry.ClassroomLatitude.IsValid())
		assert.InDelta(t, -11.6647, entry.ClassroomLatitude.Float(), 1e-6)
		assert.InDelta(t, 27.4794, entry.ClassroomLongitude.Float(), 1e-6)
	}
}

func Test_client_apiErrorDecoded(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": "attendance already marked for this session"}`)
	}))

	_, err := client.Mark(context.Background(), attendance.MarkAttendance{SessionID: 7, NoLocation: true})
	var apiErr *agent.APIError
	if assert.True(t, errors.As(err, &apiErr)) {
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		assert.Equal(t, "attendance already marked for this session", apiErr.Message)
		assert.False(t, apiErr.Temporary())
		assert.Contains(t, apiErr.Error(), "status 409")
	}

	client = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err = client.Mark(context.Background(), attendance.MarkAttendance{SessionID: 7, NoLocation: true})
	if assert.True(t, errors.As(err, &apiErr)) {
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Empty(t, apiErr.Message)
		assert.True(t, apiErr.Temporary())
	}
}

func Test_client_tokenEndpoints(t *testing.T) {
	expiresAt := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/attendance/sessions/5/token", func(w http.ResponseWriter, r *http.Request) {
		var req attendance.GenerateTokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 5, req.DurationMinutes)
		_ = json.NewEncoder(w).Encode(attendance.IssuedToken{
			ID: 1, SessionID: 5, Value: "tok-1", ExpiresAt: expiresAt, ExpiresIn: 300,
		})
	})
	mux.HandleFunc("/v1/attendance/sessions/5/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req attendance.RefreshTokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-1", req.PreviousToken)
		_ = json.NewEncoder(w).Encode(attendance.IssuedToken{
			ID: 2, SessionID: 5, Value: "tok-2", ExpiresAt: expiresAt.Add(5 * time.Minute), ExpiresIn: 300,
		})
	})
	mux.HandleFunc("/v1/attendance/verify-token", func(w http.ResponseWriter, r *http.Request) {
		var req attendance.VerifyTokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-2", req.Token)
		assert.Nil(t, req.Latitude)
		_ = json.NewEncoder(w).Encode(attendance.MarkResult{
			Message:    "Attendance marked via token",
			Attendance: attendance.Record{SessionID: 5, Status: attendance.RecordPresent},
			Distance:   -1,
		})
	})
	client := newTestClient(t, mux)

	ctx := context.Background()
	tok, err := client.GenerateToken(ctx, 5, attendance.GenerateTokenRequest{DurationMinutes: 5})
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.Equal(t, expiresAt.Unix(), tok.ExpiresAt.Unix())

	tok, err = client.RefreshToken(ctx, 5, attendance.RefreshTokenRequest{PreviousToken: "tok-1"})
	assert.NoError(t, err)
	assert.Equal(t, "tok-2", tok.Value)

	res, err := client.VerifyToken(ctx, attendance.VerifyTokenRequest{Token: "tok-2"})
	assert.NoError(t, err)
	assert.Equal(t, attendance.RecordPresent, res.Attendance.Status)
	assert.Equal(t, float64(-1), res.Distance)
}
