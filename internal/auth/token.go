package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"horse.fit/vofc/internal/globaltime"
)

const (
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Claims are the bearer token claims issued by the auth provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the caller behind an authorized request.
type Principal struct {
	Subject string
	Role    string
}

// IssueToken signs an HS256 token. Used by tests and local tooling.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := globaltime.UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(globaltime.UTC))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// Authorizer accepts admin JWTs and the scheduler API key.
type Authorizer struct {
	jwtSecret  string
	apiKeyHash string
}

func NewAuthorizer(jwtSecret, apiKeyHash string) *Authorizer {
	return &Authorizer{
		jwtSecret:  strings.TrimSpace(jwtSecret),
		apiKeyHash: strings.TrimSpace(apiKeyHash),
	}
}

// Enabled reports whether any credential is configured.
func (a *Authorizer) Enabled() bool {
	return a != nil && (a.jwtSecret != "" || a.apiKeyHash != "")
}

// Authorize checks an Authorization header value. A token that is not a JWT is tried
// as the scheduler key.
func (a *Authorizer) Authorize(header string) (Principal, error) {
	token, ok := bearerToken(header)
	if !ok {
		return Principal{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	if a.jwtSecret != "" && strings.Count(token, ".") == 2 {
		claims, err := ValidateToken(a.jwtSecret, token)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		if claims.Role != RoleAdmin {
			return Principal{}, fmt.Errorf("%w: role %q", ErrForbidden, claims.Role)
		}
		return Principal{Subject: claims.Subject, Role: claims.Role}, nil
	}

	if a.apiKeyHash != "" && VerifyAPIKey(token, a.apiKeyHash) {
		return Principal{Subject: RoleScheduler, Role: RoleScheduler}, nil
	}
	return Principal{}, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
