package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashureev/planwise/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func serve(t *testing.T, repo store.Repository, cfg Config, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := Middleware(repo, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, seen
}

func TestMiddleware_IssuesAnonCookie(t *testing.T) {
	repo := newRepo(t)
	w, userID := serve(t, repo, Config{IsDev: true}, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidAnonID(userID) {
		t.Fatalf("Expected anonymous id, got %q", userID)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != userID {
		t.Fatalf("Expected anon cookie for %s, got %v", userID, cookies)
	}

	user, err := repo.GetUser(context.Background(), userID)
	if err != nil || user == nil {
		t.Fatalf("Expected user to be created, got %v, %v", user, err)
	}
	if user.Username != deriveUsername(userID) {
		t.Errorf("Expected username %s, got %s", deriveUsername(userID), user.Username)
	}
}

func TestMiddleware_ReusesValidCookie(t *testing.T) {
	repo := newRepo(t)
	id, err := generateAnonID()
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	_, userID := serve(t, repo, Config{}, req)
	if userID != id {
		t.Errorf("Expected %s, got %s", id, userID)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "forged"})
	_, userID = serve(t, repo, Config{}, req)
	if userID == "forged" || !isValidAnonID(userID) {
		t.Errorf("Expected a fresh anonymous id, got %q", userID)
	}
}

func TestMiddleware_TrustedHeader(t *testing.T) {
	repo := newRepo(t)
	cfg := Config{AuthHeader: "X-Auth-User"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth-User", "alice@example.com")
	w, userID := serve(t, repo, cfg, req)
	if userID != "alice@example.com" {
		t.Errorf("Expected header identity, got %q", userID)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("Expected no anon cookie when header identity is used")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth-User", "bad user/../")
	w, userID = serve(t, repo, cfg, req)
	if w.Code != http.StatusUnauthorized || userID != "" {
		t.Errorf("Expected 401 for malformed header, got %d (%q)", w.Code, userID)
	}

	// Header configured but absent falls back to the cookie.
	_, userID = serve(t, repo, cfg, httptest.NewRequest(http.MethodGet, "/", nil))
	if !isValidAnonID(userID) {
		t.Errorf("Expected anonymous fallback, got %q", userID)
	}
}

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"anon_0123456789abcdef0123456789abcdef", "anon-89abcdef"},
		{"anon_x", "anon-user"},
		{"alice", "alice"},
	}
	for _, tt := range tests {
		if got := deriveUsername(tt.in); got != tt.want {
			t.Errorf("deriveUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
