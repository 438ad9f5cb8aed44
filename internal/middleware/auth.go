package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/pkg/utils"
)

// AdminKeyHeader carries the raw admin API key.
const AdminKeyHeader = "X-Admin-Key"

type contextKey string

const (
	ownerIDKey contextKey = "owner_id"
	adminIDKey contextKey = "admin_id"
)

// SessionValidator resolves a bearer token to the principal that owns it.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (string, bool, error)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"message":"` + message + `"}`))
}

// OwnerID returns the owner authenticated by RequireOwner.
func OwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerIDKey).(string)
	return id, ok && id != ""
}

// AdminID returns the admin principal authenticated by RequireAdmin. Callers
// using the API key are reported as "api-key".
func AdminID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminIDKey).(string)
	return id, ok && id != ""
}

// WithOwnerID returns ctx carrying an authenticated owner id.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// RequireOwner rejects requests without a valid owner session and puts the
// owner id on the request context.
func RequireOwner(sessions SessionValidator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, ok, err := sessions.ValidateSession(r.Context(), bearerToken(r))
			if err != nil {
				log.Error("validate owner session", zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"success":false,"message":"Session store unavailable"}`))
				return
			}
			if !ok {
				unauthorized(w, "Authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// RequireAdmin accepts either the admin API key in AdminKeyHeader, checked
// against keyHash, or a bearer token from the admin session store. An empty
// keyHash disables key access.
func RequireAdmin(keyHash string, sessions SessionValidator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(AdminKeyHeader); key != "" && keyHash != "" {
				ok, err := utils.VerifyAPIKey(key, keyHash)
				if err != nil {
					log.Error("admin key hash is malformed", zap.Error(err))
				}
				if ok {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, "api-key")))
					return
				}
				unauthorized(w, "Invalid admin key")
				return
			}

			if sessions != nil {
				adminID, ok, err := sessions.ValidateSession(r.Context(), bearerToken(r))
				if err != nil {
					log.Error("validate admin session", zap.Error(err))
				}
				if ok {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, adminID)))
					return
				}
			}
			unauthorized(w, "Admin authentication required")
		})
	}
}
