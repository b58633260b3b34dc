package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func protected(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var seen string
	h := RequireToken(testSecret, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestGenerateTokenRequiresSubject(t *testing.T) {
	if _, _, err := GenerateToken(testSecret, "", time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestGenerateTokenDefaultTTL(t *testing.T) {
	_, exp, err := GenerateToken(testSecret, "ops", 0)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if d := time.Until(exp); d < DefaultTokenTTL-time.Minute || d > DefaultTokenTTL {
		t.Errorf("expiry in %v, want about %v", d, DefaultTokenTTL)
	}
}

func TestRequireToken(t *testing.T) {
	valid, _, err := GenerateToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	otherKey, _, _ := GenerateToken([]byte("another-secret-another-secret-32"), "ops", time.Hour)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	expiredToken, _ := expired.SignedString(testSecret)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	foreignToken, _ := foreign.SignedString(testSecret)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized},
		{"expired", "Bearer " + expiredToken, http.StatusUnauthorized},
		{"foreign issuer", "Bearer " + foreignToken, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen := protected(t)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/lines", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusOK && *seen != "ops" {
				t.Errorf("subject = %q, want ops", *seen)
			}
		})
	}
}
