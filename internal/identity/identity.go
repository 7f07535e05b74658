// Package identity resolves the calling user for each request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/ashureev/planwise/internal/store"
)

const (
	AnonCookieName   = "planwise_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	headerPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)
)

// Config selects how callers are identified.
type Config struct {
	// AuthHeader names a header set by a trusted upstream proxy. When empty,
	// or absent on a request, an anonymous device cookie is used instead.
	AuthHeader string
	IsDev      bool
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, deriveUsername(userID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if !strings.HasPrefix(userID, "anon_") {
		return userID
	}
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func ensureUser(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now().UTC()
	slog.Info("Registering new user", "user_id", userID)
	return repo.UpsertUser(ctx, &domain.User{
		UserID:    userID,
		Username:  deriveUsername(userID),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		// Refresh so active devices keep their identity.
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// resolve returns the caller's user id. ok is false when the trusted header
// is present but malformed.
func resolve(w http.ResponseWriter, r *http.Request, cfg Config) (id string, ok bool, err error) {
	if cfg.AuthHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(cfg.AuthHeader)); v != "" {
			if !headerPattern.MatchString(v) {
				return "", false, nil
			}
			return v, true, nil
		}
	}
	id, err = getOrCreateAnonID(w, r, cfg.IsDev)
	return id, err == nil, err
}

// Middleware injects the caller's identity and makes sure a user record exists.
func Middleware(repo store.Repository, cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok, err := resolve(w, r, cfg)
			if err != nil {
				http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, `{"error":"invalid identity header"}`, http.StatusUnauthorized)
				return
			}

			if err := ensureUser(r.Context(), repo, userID); err != nil {
				slog.Error("Failed to initialize user", "error", err, "user_id", userID)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
