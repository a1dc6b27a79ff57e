package echoapi

import (
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
)

var (
	contextTokenKey    = "userToken"
	contextIdentityKey = "identity"
)

// newJWTConfig is the JWT auth middleware config. Tokens are minted by the
// host app; this API only shares its signing secret.
func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// Claims represents the authorization claims transmitted via a JWT.
// Subject carries the host app's numeric user ID.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Username     string `json:"username,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	IsStudent    bool   `json:"is_student,omitempty"` // -> STUDENT PORTAL
	IsTeacher    bool   `json:"is_teacher,omitempty"` // -> TEACHER PORTAL
	IsAdmin      bool   `json:"is_admin,omitempty"`   // -> ADMIN PORTAL
}

// GetIdentityClaims builds host-app-compatible claims for ident. The admin
// CLI and tests use it to mint tokens this API accepts.
func GetIdentityClaims(ident core.Identity, conf *core.Config, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   strconv.Itoa(ident.ID),
			Audience:  "Academia",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Username:     ident.Username,
		Name:         ident.Name,
		Email:        ident.Email,
		IsStudent:    ident.IsStudent,
		IsTeacher:    ident.IsTeacher,
		IsAdmin:      ident.IsAdmin,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(claims *Claims, conf *core.Config) (string, error) {
	method := jwt.GetSigningMethod(middleware.AlgorithmHS256)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.New("signing token")
	}
	return ss, nil
}

// NewTokenVerifier returns the bearer check the realtime hub runs during its
// in-band handshake. It accepts the same tokens as the JWT middleware.
func NewTokenVerifier(conf *core.Config) func(token string) (core.Identity, error) {
	return func(token string) (core.Identity, error) {
		claims, err := parseToken(token, conf)
		if err != nil {
			return core.Identity{}, err
		}
		return identityFromClaims(*claims)
	}
}

func parseToken(token string, conf *core.Config) (*Claims, error) {
	claims := new(Claims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(conf.SecretKey), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parsing token")
	}
	if !parsed.Valid {
		return nil, errUnauthorized
	}
	return claims, nil
}

func identityFromClaims(claims Claims) (core.Identity, error) {
	id, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return core.Identity{}, errUnauthorized
	}
	return core.Identity{
		ID:        id,
		Name:      claims.Name,
		Username:  claims.Username,
		Email:     claims.Email,
		IsStudent: claims.IsStudent,
		IsTeacher: claims.IsTeacher,
		IsAdmin:   claims.IsAdmin,
	}, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextIdentity resolves the acting user from the request claims and
// caches it on the context.
func getContextIdentity(ctx echo.Context) (core.Identity, error) {
	if ident, ok := ctx.Get(contextIdentityKey).(core.Identity); ok {
		return ident, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return core.Identity{}, err
	}
	ident, err := identityFromClaims(claims)
	if err != nil {
		return core.Identity{}, err
	}
	ctx.Set(contextIdentityKey, ident)
	return ident, nil
}
