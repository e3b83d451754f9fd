// Package auth verifies bearer tokens on write endpoints. Tokens are HS256
// JWTs carrying a roles claim; a configurable debug token bypass exists for
// local development.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authorization required")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingRole  = errors.New("missing required role")
)

// Verifier checks write-access credentials.
type Verifier struct {
	secret     []byte
	writeRole  string
	allowDebug bool
	debugToken string
}

// NewVerifier builds a verifier. writeRole is the role a token must carry to
// pass write checks; an empty role accepts any valid token.
func NewVerifier(secret string, writeRole string, allowDebug bool, debugToken string) *Verifier {
	return &Verifier{
		secret:     []byte(secret),
		writeRole:  writeRole,
		allowDebug: allowDebug,
		debugToken: debugToken,
	}
}

// VerifyRequest checks the request's credentials for write access.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if v.allowDebug {
		if token := r.Header.Get("X-Debug-Token"); token != "" && token == v.debugToken {
			return nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ErrMissingToken
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) error {
	if len(v.secret) == 0 {
		return errors.New("no signing secret configured")
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	if v.writeRole == "" {
		return nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	if role, ok := claims["role"].(string); ok && role == v.writeRole {
		return nil
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.writeRole {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrMissingRole, v.writeRole)
}

// IssueToken mints an HS256 token with the given role and lifetime. Used by
// tests and the local dev tooling.
func (v *Verifier) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}
