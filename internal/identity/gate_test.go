package identity

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/store"
	"quickcommerce/internal/util"
)

var testSecret = []byte("test-secret")

func newTestGate(t *testing.T, now time.Time) (*Gate, *store.MemoryStore) {
	t.Helper()
	dir := store.NewMemoryStore()
	ctx := context.Background()
	for _, s := range []domain.Subject{
		{ID: "c1", Name: "Chen", Role: domain.RoleCustomer, Active: true},
		{ID: "p1", Name: "Priya", Role: domain.RolePartner, Active: true},
		{ID: "gone", Name: "Old", Role: domain.RoleCustomer, Active: false},
	} {
		s := s
		if err := dir.PutSubject(ctx, &s); err != nil {
			t.Fatalf("PutSubject returned error: %v", err)
		}
	}
	g, err := NewGate(Config{Secret: testSecret, Issuer: "quickcommerce", TTL: time.Hour, Now: func() time.Time { return now }}, dir, util.Discard())
	if err != nil {
		t.Fatalf("NewGate returned error: %v", err)
	}
	return g, dir
}

func TestAuthenticateValidToken(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGate(t, now)

	token, err := g.Issue(domain.Subject{ID: "p1", Name: "Priya", Role: domain.RolePartner}, "priya@example.com")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	id, err := g.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if id.ID != "p1" || id.Role != domain.RolePartner || id.Name != "Priya" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGate(t, now)

	sign := func(claims Claims, method jwt.SigningMethod, key any) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return tok
	}
	valid := func(userID string) Claims {
		return Claims{
			UserID: userID,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "quickcommerce",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}
	}
	expired := valid("c1")
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	wrongIssuer := valid("c1")
	wrongIssuer.Issuer = "elsewhere"
	noExpiry := valid("c1")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		token  string
		reason apperr.Reason
	}{
		{"missing", "", apperr.ReasonMissingCredential},
		{"garbage", "not-a-jwt", apperr.ReasonInvalidCredential},
		{"wrong key", sign(valid("c1"), jwt.SigningMethodHS256, []byte("other")), apperr.ReasonInvalidCredential},
		{"wrong alg", sign(valid("c1"), jwt.SigningMethodHS512, testSecret), apperr.ReasonInvalidCredential},
		{"expired", sign(expired, jwt.SigningMethodHS256, testSecret), apperr.ReasonInvalidCredential},
		{"no expiry", sign(noExpiry, jwt.SigningMethodHS256, testSecret), apperr.ReasonInvalidCredential},
		{"wrong issuer", sign(wrongIssuer, jwt.SigningMethodHS256, testSecret), apperr.ReasonInvalidCredential},
		{"unknown subject", sign(valid("nobody"), jwt.SigningMethodHS256, testSecret), apperr.ReasonUnknownSubject},
		{"deactivated", sign(valid("gone"), jwt.SigningMethodHS256, testSecret), apperr.ReasonInactiveSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Authenticate(context.Background(), tt.token)
			if apperr.KindOf(err) != apperr.KindAuthentication {
				t.Fatalf("Authenticate kind = %q (%v), want authentication", apperr.KindOf(err), err)
			}
			if apperr.ReasonOf(err) != tt.reason {
				t.Errorf("Authenticate reason = %q, want %q", apperr.ReasonOf(err), tt.reason)
			}
		})
	}
}

func TestDirectoryRoleWins(t *testing.T) {
	now := time.Now()
	g, _ := newTestGate(t, now)

	// Token claims admin, directory says customer.
	token, err := g.Issue(domain.Subject{ID: "c1", Role: domain.RoleAdmin}, "")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	id, err := g.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if id.Role != domain.RoleCustomer {
		t.Errorf("Role = %v, want customer", id.Role)
	}
}

func TestNewGateRequiresSecret(t *testing.T) {
	if _, err := NewGate(Config{}, store.NewMemoryStore(), util.Discard()); err == nil {
		t.Fatal("NewGate should reject an empty secret")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := TokenFromRequest(r); got != "query-token" {
		t.Errorf("TokenFromRequest(query) = %q", got)
	}
	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Errorf("TokenFromRequest(header) = %q", got)
	}
}

func TestAuthenticationErrorsAreNotTransient(t *testing.T) {
	g, _ := newTestGate(t, time.Now())
	_, err := g.Authenticate(context.Background(), "x.y.z")
	if apperr.Retryable(err) {
		t.Error("authentication failures must not be retryable")
	}
	var e *apperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error %T is not *apperr.Error", err)
	}
}
