package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by the client bearer token.
type Claims struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id,omitempty"` // non-empty scopes the connection to one device
	SessionID string `json:"session_id"`
	Region    string `json:"region,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies client bearer tokens against the shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator over the configured secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses and validates a token: HMAC signature, expiry, and the
// presence of a user id.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token invalid", ErrUnauthorized)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token carries no user id", ErrUnauthorized)
	}
	return claims, nil
}

// Issue signs a token for the given claims, valid for ttl. Used by the
// ops tooling and tests; production tokens come from the auth service.
func (a *Authenticator) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// bearerToken extracts the token from the ?token= query param or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
