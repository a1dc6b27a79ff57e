package attendance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/jellydator/ttlcache/v3"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/geo"
)

// TokenType discriminates attendance tokens from the host app's auth JWTs.
const TokenType = "attendance_token"

const defaultTokenTTL = 10 * time.Minute

// tokenClaims is the signed payload behind a QR/manual-entry token.
type tokenClaims struct {
	jwt.StandardClaims
	SessionID  int    `json:"session_id"`
	CourseID   int    `json:"course_id"`
	CourseCode string `json:"course_code"`
	TeacherID  int    `json:"teacher_id"`
	Type       string `json:"type"`
}

func hashTokenValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// tokenCache fronts TokenRepository so rapid verify scans skip the
// database. Entries expire with the token itself.
type tokenCache struct {
	cache *ttlcache.Cache[string, Token]
}

func newTokenCache(ttl time.Duration) *tokenCache {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	c := ttlcache.New(
		ttlcache.WithTTL[string, Token](ttl),
		ttlcache.WithDisableTouchOnHit[string, Token](),
	)
	go c.Start()
	return &tokenCache{cache: c}
}

func (tc *tokenCache) get(hash string) (Token, bool) {
	item := tc.cache.Get(hash)
	if item == nil {
		return Token{}, false
	}
	return item.Value(), true
}

func (tc *tokenCache) put(tok Token, now time.Time) {
	if ttl := tok.ExpiresAt.Sub(now); ttl > 0 {
		tc.cache.Set(tok.Hash, tok, ttl)
	}
}

func (tc *tokenCache) drop(hash string) { tc.cache.Delete(hash) }

func (tc *tokenCache) purgeSession(sessionID int) {
	for hash, item := range tc.cache.Items() {
		if item.Value().SessionID == sessionID {
			tc.cache.Delete(hash)
		}
	}
}

func (tc *tokenCache) stop() { tc.cache.Stop() }

// GenerateToken issues a fresh signed token for QR display or manual
// entry. Only the signed value leaves the server; the stored row keeps
// its sha256 hash.
func (svc *Service) GenerateToken(ctx context.Context, actor core.Identity, sessionID int, req GenerateTokenRequest) (IssuedToken, error) {
	sess, err := svc.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return IssuedToken{}, err
	}
	if sess.TeacherID != actor.ID && !actor.IsAdmin {
		return IssuedToken{}, ErrNotSessionOwner
	}
	if !sess.IsActive() {
		return IssuedToken{}, ErrSessionNotActive
	}
	return svc.issueToken(ctx, sess, req)
}

// RefreshToken rotates a session token: the previous value (when given)
// is deactivated and a fresh token issued. Unknown previous values are
// ignored so clients may refresh past a lost token.
func (svc *Service) RefreshToken(ctx context.Context, actor core.Identity, sessionID int, req RefreshTokenRequest) (IssuedToken, error) {
	sess, err := svc.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return IssuedToken{}, err
	}
	if sess.TeacherID != actor.ID && !actor.IsAdmin {
		return IssuedToken{}, ErrNotSessionOwner
	}
	if !sess.IsActive() {
		return IssuedToken{}, ErrSessionNotActive
	}

	if prev := strings.TrimSpace(req.PreviousToken); prev != "" {
		hash := hashTokenValue(prev)
		tok, err := svc.tokens.GetTokenByHash(ctx, hash)
		switch {
		case err == nil:
			tok.IsActive = false
			if _, err = svc.tokens.UpdateToken(ctx, tok); err != nil {
				return IssuedToken{}, err
			}
			svc.tokenCache.drop(hash)
		case errors.Is(err, ErrTokenNotFound):
			// nothing to deactivate
		default:
			return IssuedToken{}, err
		}
	}
	return svc.issueToken(ctx, sess, GenerateTokenRequest{})
}

func (svc *Service) issueToken(ctx context.Context, sess Session, req GenerateTokenRequest) (IssuedToken, error) {
	now := NowFunc().UTC()
	ttl := svc.tokenTTL()
	if req.DurationMinutes > 0 {
		ttl = time.Duration(req.DurationMinutes) * time.Minute
	}
	expiresAt := now.Add(ttl)

	claims := &tokenClaims{
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: expiresAt.Unix(),
			IssuedAt:  now.Unix(),
		},
		SessionID:  sess.ID,
		CourseID:   sess.CourseID,
		CourseCode: sess.CourseCode,
		TeacherID:  sess.TeacherID,
		Type:       TokenType,
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(svc.conf.SecretKey))
	if err != nil {
		return IssuedToken{}, err
	}

	tok := Token{
		SessionID: sess.ID,
		Hash:      hashTokenValue(value),
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		IsActive:  true,
		MaxUses:   req.MaxUses,
		CreatedAt: now,
	}
	tok, err = svc.tokens.CreateToken(ctx, tok)
	if err != nil {
		return IssuedToken{}, err
	}
	svc.tokenCache.put(tok, now)

	// the QR payload is the signed value itself; image rendering is the
	// client's concern
	return IssuedToken{
		ID:        tok.ID,
		SessionID: sess.ID,
		Value:     value,
		ExpiresAt: expiresAt,
		ExpiresIn: int(ttl.Seconds()),
		QRPayload: value,
	}, nil
}

// VerifyToken marks the acting student present on the strength of a
// scanned or hand-typed token. Coordinates are optional on this path:
// absent ones skip the radius check and the record lands unverified but
// present. Supplied coordinates outside the radius fail the whole
// verification without touching the ledger.
func (svc *Service) VerifyToken(ctx context.Context, actor core.Identity, req VerifyTokenRequest) (MarkResult, error) {
	claims, err := svc.parseTokenValue(req.Token)
	if err != nil {
		return MarkResult{}, err
	}

	now := NowFunc().UTC()
	hash := hashTokenValue(req.Token)
	tok, ok := svc.tokenCache.get(hash)
	if !ok {
		if tok, err = svc.tokens.GetTokenByHash(ctx, hash); err != nil {
			return MarkResult{}, err
		}
		svc.tokenCache.put(tok, now)
	}
	if tok.Expired(now) {
		return MarkResult{}, ErrTokenExpired
	}
	if !tok.Usable(now) {
		return MarkResult{}, ErrTokenNotFound
	}

	sess, err := svc.sessions.GetSessionByID(ctx, claims.SessionID)
	if err != nil {
		return MarkResult{}, err
	}
	if sess.ID != tok.SessionID {
		return MarkResult{}, ErrTokenNotFound
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
	verified := false
	var loc *geo.Sample
	if req.HasLocation() {
		dist = geo.DistanceMeters(
			*req.Latitude, *req.Longitude,
			sess.ClassroomLatitude.Float(), sess.ClassroomLongitude.Float(),
		)
		if dist > float64(sess.AllowedRadius) {
			return MarkResult{}, ErrInvalidLocation
		}
		verified = true
		loc = &geo.Sample{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	// the use counts once the token is accepted, whatever the marking outcome
	tok.UsedCount++
	if tok, err = svc.tokens.UpdateToken(ctx, tok); err != nil {
		return MarkResult{}, err
	}
	svc.tokenCache.put(tok, now)

	rec, err := svc.saveRecord(ctx, sess, actor.ID, true, verified, dist, loc)
	if err != nil {
		return MarkResult{}, err
	}
	return svc.markResult(sess, rec, dist), nil
}

func (svc *Service) parseTokenValue(value string) (*tokenClaims, error) {
	claims := new(tokenClaims)
	_, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(svc.conf.SecretKey), nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenNotFound
	}
	if claims.Type != TokenType || claims.SessionID == 0 {
		return nil, ErrTokenNotFound
	}
	return claims, nil
}

func (svc *Service) tokenTTL() time.Duration {
	if svc.conf != nil && svc.conf.Attendance.TokenExpirationDelta > 0 {
		return svc.conf.Attendance.TokenExpirationDelta
	}
	return defaultTokenTTL
}
