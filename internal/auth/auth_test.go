package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func request(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/progress/start", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier("secret", "production", false, "")

	token, err := v.IssueToken("user-1", "production", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := v.VerifyRequest(request(t, map[string]string{"Authorization": "Bearer " + token})); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := NewVerifier("secret", "production", false, "")
	if err := v.VerifyRequest(request(t, nil)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestVerifyWrongRole(t *testing.T) {
	v := NewVerifier("secret", "production", false, "")
	token, err := v.IssueToken("user-1", "viewer", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := v.VerifyRequest(request(t, map[string]string{"Authorization": "Bearer " + token})); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("err = %v, want ErrMissingRole", err)
	}
}

func TestVerifyRolesArrayClaim(t *testing.T) {
	v := NewVerifier("secret", "production", false, "")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-2",
		"roles": []string{"viewer", "production"},
		"exp":   time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.VerifyRequest(request(t, map[string]string{"Authorization": "Bearer " + signed})); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewVerifier("secret", "production", false, "")
	token, err := v.IssueToken("user-1", "production", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := v.VerifyRequest(request(t, map[string]string{"Authorization": "Bearer " + token})); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	other := NewVerifier("other-secret", "production", false, "")
	token, err := other.IssueToken("user-1", "production", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	v := NewVerifier("secret", "production", false, "")
	if err := v.VerifyRequest(request(t, map[string]string{"Authorization": "Bearer " + token})); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestDebugTokenBypass(t *testing.T) {
	v := NewVerifier("secret", "production", true, "letmein")

	if err := v.VerifyRequest(request(t, map[string]string{"X-Debug-Token": "letmein"})); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}

	// Wrong debug token falls through to the bearer check.
	if err := v.VerifyRequest(request(t, map[string]string{"X-Debug-Token": "nope"})); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}

	// Bypass is inert when disabled.
	v = NewVerifier("secret", "production", false, "letmein")
	if err := v.VerifyRequest(request(t, map[string]string{"X-Debug-Token": "letmein"})); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}
