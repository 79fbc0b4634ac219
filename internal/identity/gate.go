// Package identity authenticates inbound connections and requests. A
// credential is an HS256 JWT naming a subject; the subject must exist in the
// directory and be active. The check is one-shot: a session keeps the
// identity it was admitted with.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/store"
)

// Claims is the token payload.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the signing parameters.
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

// Gate verifies credentials against a subject directory.
type Gate struct {
	cfg    Config
	dir    store.Directory
	logger *slog.Logger
}

// NewGate creates a Gate. The secret must be non-empty.
func NewGate(cfg Config, dir store.Directory, logger *slog.Logger) (*Gate, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("identity: jwt secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{cfg: cfg, dir: dir, logger: logger}, nil
}

// Authenticate resolves token to an identity. The directory is authoritative
// for role and name; the token only names the subject.
func (g *Gate) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonMissingCredential, "authentication token is required")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return g.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(g.cfg.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Identity{}, mapJWTError(err)
	}
	if g.cfg.Issuer != "" && claims.Issuer != g.cfg.Issuer {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonInvalidCredential, "token issuer mismatch")
	}

	subjectID := claims.UserID
	if subjectID == "" {
		subjectID = claims.Subject
	}
	if subjectID == "" {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonInvalidCredential, "token does not name a subject")
	}

	subj, err := g.dir.GetSubject(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonUnknownSubject, "user not found")
	}
	if err != nil {
		g.logger.Error("subject lookup failed", "subject", subjectID, "error", err)
		return domain.Identity{}, apperr.Transient(apperr.ReasonStoreUnavailable, "looking up subject", err)
	}
	if !subj.Active {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonInactiveSubject, "account is deactivated")
	}
	if !subj.Role.Valid() {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonInvalidCredential, "subject has no valid role")
	}

	return domain.Identity{ID: subj.ID, Name: subj.Name, Role: subj.Role}, nil
}

// Issue signs a token for subj. Used by tooling and tests; end-user tokens
// come from the sign-in flow.
func (g *Gate) Issue(subj domain.Subject, email string) (string, error) {
	now := g.cfg.Now()
	claims := Claims{
		UserID: subj.ID,
		Email:  email,
		Role:   subj.Role.String(),
		Name:   subj.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.cfg.Issuer,
			Subject:   subj.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.cfg.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
}

// TokenFromRequest extracts the credential from the Authorization header
// ("Bearer <token>") or, for WebSocket handshakes, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperr.Authentication(apperr.ReasonInvalidCredential, "token has expired")
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperr.Authentication(apperr.ReasonInvalidCredential, "token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperr.Authentication(apperr.ReasonInvalidCredential, "token alg is invalid")
	}
	return apperr.Wrap(apperr.KindAuthentication, apperr.ReasonInvalidCredential, "invalid token", err)
}
