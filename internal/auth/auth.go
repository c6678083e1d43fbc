// Package auth resolves the calling account from a bearer token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default tier for tokens that carry none.
const DefaultTier = "standard"

// Development headers, honoured only when no signing secret is configured.
const (
	HeaderAccountID = "X-Account-ID"
	HeaderTier      = "X-Account-Tier"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// Identity is the authenticated caller.
type Identity struct {
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
}

// Claims are the JWT claims: the subject is the account ID.
type Claims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// Authenticator issues and verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// New creates an authenticator. An empty secret puts it in development
// mode, where the account is taken from the X-Account-ID header.
func New(secret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{secret: []byte(secret), logger: logger.With("component", "auth")}
}

// DevMode reports whether tokens are bypassed.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// Issue signs a token for accountID valid until expiresAt.
func (a *Authenticator) Issue(accountID, tier string, expiresAt time.Time) (string, error) {
	claims := Claims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies a token and returns its identity.
func (a *Authenticator) Parse(token string) (Identity, error) {
	var claims Claims
	t, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !t.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	tier := claims.Tier
	if tier == "" {
		tier = DefaultTier
	}
	return Identity{AccountID: claims.Subject, Tier: tier}, nil
}

// Authenticate resolves the identity of a request.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.DevMode() {
		id := strings.TrimSpace(r.Header.Get(HeaderAccountID))
		if id == "" {
			return Identity{}, ErrMissingToken
		}
		tier := r.Header.Get(HeaderTier)
		if tier == "" {
			tier = DefaultTier
		}
		return Identity{AccountID: id, Tier: tier}, nil
	}

	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		// Browsers cannot set headers on WebSocket upgrades.
		if tok := r.URL.Query().Get("token"); tok != "" {
			return a.Parse(tok)
		}
		return Identity{}, ErrMissingToken
	}
	return a.Parse(strings.TrimSpace(parts[1]))
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			a.logger.Debug("unauthenticated request", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// GetCurrentAccount returns the caller's identity or ErrMissingToken.
func GetCurrentAccount(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, ErrMissingToken
	}
	return id, nil
}
