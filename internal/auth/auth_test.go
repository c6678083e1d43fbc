package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParse(t *testing.T) {
	a := New("s3cret", nil)
	tok, err := a.Issue("acct-1", "vip", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := a.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.AccountID != "acct-1" || id.Tier != "vip" {
		t.Errorf("got %+v", id)
	}
}

func TestParse_Rejects(t *testing.T) {
	a := New("s3cret", nil)

	expired, _ := a.Issue("acct-1", "", time.Now().Add(-time.Minute))
	wrongKey, _ := New("other", nil).Issue("acct-1", "", time.Now().Add(time.Hour))
	noSubject, _ := a.Issue("", "", time.Now().Add(time.Hour))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "acct-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"alg none":   none,
		"garbage":    "not.a.token",
	} {
		if _, err := a.Parse(tok); err != ErrInvalidToken {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestParse_DefaultTier(t *testing.T) {
	a := New("s3cret", nil)
	tok, _ := a.Issue("acct-1", "", time.Now().Add(time.Hour))
	id, err := a.Parse(tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.Tier != DefaultTier {
		t.Errorf("tier = %q, want %q", id.Tier, DefaultTier)
	}
}

func echoIdentity(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		w.Write([]byte(id.AccountID + "/" + id.Tier))
	})
}

func TestMiddleware_Bearer(t *testing.T) {
	a := New("s3cret", nil)
	h := a.Middleware(echoIdentity(t))
	tok, _ := a.Issue("acct-9", "pro", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balances", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "acct-9/pro" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/ws?token="+tok, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("query token: got %d", w.Code)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	h := New("s3cret", nil).Middleware(echoIdentity(t))

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"invalid":   "Bearer abc",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/balances", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		req.Header.Set(HeaderAccountID, "acct-1") // ignored outside dev mode
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, w.Code)
		}
	}
}

func TestMiddleware_DevMode(t *testing.T) {
	a := New("", nil)
	if !a.DevMode() {
		t.Fatal("empty secret should enable dev mode")
	}
	h := a.Middleware(echoIdentity(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAccountID, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Body.String() != "alice/"+DefaultTier {
		t.Errorf("body = %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
