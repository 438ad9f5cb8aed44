package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/pkg/utils"
)

type fakeSessions map[string]string

func (f fakeSessions) ValidateSession(_ context.Context, token string) (string, bool, error) {
	if token == "broken" {
		return "", false, errors.New("redis down")
	}
	id, ok := f[token]
	return id, ok, nil
}

func echoPrincipal(w http.ResponseWriter, r *http.Request) {
	if id, ok := OwnerID(r.Context()); ok {
		w.Write([]byte("owner:" + id))
		return
	}
	if id, ok := AdminID(r.Context()); ok {
		w.Write([]byte("admin:" + id))
		return
	}
	w.Write([]byte("nobody"))
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestRequireOwner(t *testing.T) {
	h := RequireOwner(fakeSessions{"tok": "o1"}, zap.NewNop())(http.HandlerFunc(echoPrincipal))

	r := httptest.NewRequest(http.MethodGet, "/api/diaries", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r.Header.Set("Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r.Header.Set("Authorization", "Bearer broken")
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, r).Code)

	r.Header.Set("Authorization", "Bearer tok")
	rec := serve(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owner:o1", rec.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	hash, err := utils.HashAPIKey("s3cret")
	require.NoError(t, err)
	h := RequireAdmin(hash, fakeSessions{"admintok": "root"}, zap.NewNop())(http.HandlerFunc(echoPrincipal))

	r := httptest.NewRequest(http.MethodGet, "/api/admin/trash/expired", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r.Header.Set(AdminKeyHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r.Header.Set(AdminKeyHeader, "s3cret")
	rec := serve(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin:api-key", rec.Body.String())

	r.Header.Del(AdminKeyHeader)
	r.Header.Set("Authorization", "Bearer admintok")
	rec = serve(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin:root", rec.Body.String())
}

func TestRequireAdmin_KeyDisabledWithoutHash(t *testing.T) {
	h := RequireAdmin("", nil, zap.NewNop())(http.HandlerFunc(echoPrincipal))
	r := httptest.NewRequest(http.MethodGet, "/api/admin/trash/expired", nil)
	r.Header.Set(AdminKeyHeader, "anything")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
}

func TestSecurityHeadersAndHostCheck(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := SecurityHeaders(HostCheck("api.example.com")(ok))

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Host = "api.example.com:443"
	rec := serve(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get(headerXContentTypeOptions))
	assert.Equal(t, "DENY", rec.Header().Get(headerXFrameOptions))

	r.Host = "evil.example.com"
	assert.Equal(t, http.StatusForbidden, serve(h, r).Code)

	open := HostCheck("")(ok)
	assert.Equal(t, http.StatusOK, serve(open, r).Code)
}

func TestLimiterSet_Burst(t *testing.T) {
	s := newLimiterSet(0, 2)
	l := s.get("1.2.3.4")
	assert.Same(t, l, s.get("1.2.3.4"))
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.True(t, s.get("5.6.7.8").Allow())
}

func TestAdminRateLimit_OnlyAdminPaths(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := AdminRateLimit(ok)

	for i := 0; i < adminRateLimitBurst*3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/diaries", nil)
		r.RemoteAddr = "10.9.9.9:1234"
		require.Equal(t, http.StatusOK, serve(h, r).Code)
	}

	codes := map[int]int{}
	for i := 0; i < adminRateLimitBurst+1; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/admin/trash/expired", nil)
		r.RemoteAddr = "10.8.8.8:1234"
		codes[serve(h, r).Code]++
	}
	assert.Equal(t, adminRateLimitBurst, codes[http.StatusOK])
	assert.Equal(t, 1, codes[http.StatusTooManyRequests])
}

func TestUploadRateLimit_KeysByOwner(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := UploadRateLimit(ok)

	var limited bool
	for i := 0; i < uploadOwnerBurst+1; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
		r = r.WithContext(WithOwnerID(r.Context(), "upload-owner"))
		if serve(h, r).Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited)

	// A different owner behind the same IP has its own bucket.
	r := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
	r = r.WithContext(WithOwnerID(r.Context(), "other-owner"))
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestRedisRateLimit_FailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	called := false
	h := NewRedisRateLimit(rdb, zap.NewNop()).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/diaries", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	r := httptest.NewRequest(http.MethodOptions, "/api/diaries", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := serve(h, r)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
