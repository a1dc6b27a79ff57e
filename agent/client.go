// Package agent implements the student-side attendance client: a REST
// client for the attendance API, the orchestrator that turns session
// triggers into verified present/absent outcomes, the polling monitor
// that backstops the realtime channel, and the banner/notification
// plumbing around them.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

const defaultHTTPTimeout = 15 * time.Second

// APIError is a non-2xx response from the server, carrying the decoded
// error message when the body held one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("api: status %d", e.StatusCode)
}

// Temporary reports whether retrying the same call later may succeed.
func (e *APIError) Temporary() bool { return e.StatusCode >= 500 }

type ClientOptions struct {
	BaseURL string
	Timeout time.Duration // per request, default 15s
	Logger  core.Logger

	// HTTPClient overrides the built-in client; Timeout is ignored then.
	HTTPClient *http.Client
}

// Client talks to the attendance API and the host app's auth endpoints
// on behalf of one signed-in user. The bearer token it holds may be
// swapped at any time; all methods are safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  core.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		logger:  opts.Logger,
	}
}

// SetToken replaces the bearer credential sent on every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// hostClaims is the subset of the host-app JWT the agent reads locally.
// The signature is not verified here: the server stays the authority,
// the agent only needs the numeric user id for the channel URL and the
// expiry for pre-emptive refresh.
type hostClaims struct {
	jwt.StandardClaims
	Username  string `json:"username,omitempty"`
	IsStudent bool   `json:"is_student,omitempty"`
}

func (c *Client) claims() (hostClaims, error) {
	token := c.Token()
	if token == "" {
		return hostClaims{}, errors.New("agent: no bearer token held")
	}
	var claims hostClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return hostClaims{}, errors.Wrap(err, "parsing bearer claims")
	}
	return claims, nil
}

// UserID extracts the numeric user id from the held bearer token.
func (c *Client) UserID() (int, error) {
	claims, err := c.claims()
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return 0, errors.New("agent: bearer subject is not a numeric user id")
	}
	return id, nil
}

// BearerExpiry reports when the held bearer token lapses.
func (c *Client) BearerExpiry() (time.Time, error) {
	claims, err := c.claims()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(claims.ExpiresAt, 0), nil
}

type (
	loginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	tokenResponse struct {
		Token string `json:"token"`
	}
)

// Login authenticates against the host app and holds the returned
// bearer token for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/users/login", loginRequest{Username: username, Password: password}, &res); err != nil {
		return "", err
	}
	c.SetToken(res.Token)
	return res.Token, nil
}

// RefreshBearer rotates the held bearer token before it expires.
func (c *Client) RefreshBearer(ctx context.Context) (string, error) {
	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/users/token-refresh", nil, &res); err != nil {
		return "", err
	}
	c.SetToken(res.Token)
	return res.Token, nil
}

// StudentBoard fetches the signed-in student's active sessions with
// their own attendance state. This is the polling fallback's feed.
func (c *Client) StudentBoard(ctx context.Context) (attendance.StudentBoard, error) {
	var board attendance.StudentBoard
	err := c.do(ctx, http.MethodGet, "/v1/attendance/board", nil, &board)
	return board, err
}

func (c *Client) ActiveSessions(ctx context.Context) ([]attendance.Session, error) {
	var sessions []attendance.Session
	err := c.do(ctx, http.MethodGet, "/v1/attendance/sessions/active", nil, &sessions)
	return sessions, err
}

// Mark submits an attendance outcome for the signed-in student.
func (c *Client) Mark(ctx context.Context, req attendance.MarkAttendance) (attendance.MarkResult, error) {
	var res attendance.MarkResult
	err := c.do(ctx, http.MethodPost, "/v1/attendance/mark", req, &res)
	return res, err
}

// VerifyToken submits a scanned or pasted session token; coordinates
// are optional on this path.
func (c *Client) VerifyToken(ctx context.Context, req attendance.VerifyTokenRequest) (attendance.MarkResult, error) {
	var res attendance.MarkResult
	err := c.do(ctx, http.MethodPost, "/v1/attendance/verify-token", req, &res)
	return res, err
}

func (c *Client) GenerateToken(ctx context.Context, sessionID int, req attendance.GenerateTokenRequest) (attendance.IssuedToken, error) {
	var tok attendance.IssuedToken
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/attendance/sessions/%d/token", sessionID), req, &tok)
	return tok, err
}

func (c *Client) RefreshToken(ctx context.Context, sessionID int, req attendance.RefreshTokenRequest) (attendance.IssuedToken, error) {
	var tok attendance.IssuedToken
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/attendance/sessions/%d/token/refresh", sessionID), req, &tok)
	return tok, err
}

type apiErrorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer res.Body.Close()

	if res.StatusCode < http.StatusOK || res.StatusCode > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		var errBody apiErrorBody
		if err = json.NewDecoder(res.Body).Decode(&errBody); err == nil {
			apiErr.Message = errBody.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s %s response", method, path)
	}
	return nil
}
