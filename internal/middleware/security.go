package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AnshRaj112/hams-diary/pkg/clientip"
)

const (
	headerXContentTypeOptions     = "X-Content-Type-Options"
	headerXFrameOptions           = "X-Frame-Options"
	headerXXSSProtection          = "X-XSS-Protection"
	headerContentSecurityPolicy   = "Content-Security-Policy"
	headerStrictTransportSecurity = "Strict-Transport-Security"
)

// SecurityHeaders sets security-related response headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerXContentTypeOptions, "nosniff")
		w.Header().Set(headerXFrameOptions, "DENY")
		w.Header().Set(headerXXSSProtection, "1; mode=block")
		w.Header().Set(headerContentSecurityPolicy, "default-src 'self'")
		w.Header().Set(headerStrictTransportSecurity, "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// HostCheck returns 403 when r.Host does not match allowedHost (e.g. api.example.com).
// allowedHost should be the bare hostname without scheme or port.
func HostCheck(allowedHost string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowedHost == "" {
				next.ServeHTTP(w, r)
				return
			}
			reqHost := r.Host
			if host, _, err := net.SplitHostPort(reqHost); err == nil {
				reqHost = host
			}
			if !strings.EqualFold(strings.TrimSpace(reqHost), strings.TrimSpace(allowedHost)) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte("Forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterTTL             = 30 * time.Minute
)

type limiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// limiterSet hands out one token bucket per key and forgets keys idle for
// longer than limiterTTL.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	cleanup sync.Once
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, entries: make(map[string]*limiterEntry)}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.cleanup.Do(s.startCleanup)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = e
	}
	e.lastUse = time.Now()
	return e.limiter
}

func (s *limiterSet) startCleanup() {
	go func() {
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			s.mu.Lock()
			now := time.Now()
			for k, e := range s.entries {
				if now.Sub(e.lastUse) > limiterTTL {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}()
}

func tooManyRequests(w http.ResponseWriter, limit int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"success":false,"message":"` + message + `"}`))
}

// --- Global rate limiting (per-IP, 5/s, burst 20) ---

const (
	globalRateLimitRPS   = 5
	globalRateLimitBurst = 20
)

var globalLimiters = newLimiterSet(rate.Limit(globalRateLimitRPS), globalRateLimitBurst)

// GlobalRateLimit limits each IP to 5 req/s, burst 20. Returns 429 when exceeded.
func GlobalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !globalLimiters.get(clientip.LimitKey(r)).Allow() {
			tooManyRequests(w, globalRateLimitBurst, "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Admin route rate limiting (1 req/2s, burst 5) ---

const (
	adminRateLimitEvery = 2 * time.Second
	adminRateLimitBurst = 5
)

var adminLimiters = newLimiterSet(rate.Every(adminRateLimitEvery), adminRateLimitBurst)

func isAdminPath(p string) bool {
	return strings.HasPrefix(p, "/api/admin/") || strings.HasPrefix(p, "/ws/admin/")
}

// AdminRateLimit applies a stricter limit to admin routes only, which slows
// down guessing of the admin key. Use after GlobalRateLimit.
func AdminRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !adminLimiters.get(clientip.LimitKey(r)).Allow() {
			tooManyRequests(w, adminRateLimitBurst, "Too many admin requests. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ProductionSecurity returns middlewares for production: SecurityHeaders → HostCheck → GlobalRateLimit → AdminRateLimit.
func ProductionSecurity(allowedHost string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders,
		HostCheck(allowedHost),
		GlobalRateLimit,
		AdminRateLimit,
	}
}
