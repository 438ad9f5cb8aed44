package middleware

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/AnshRaj112/hams-diary/pkg/clientip"
)

// Upload rate limit. Signed-in owners are keyed by owner id, anything else
// by IP. Owners: 30/min, burst 10. Anonymous: 6/min, burst 2.
const (
	uploadOwnerEvery = 2 * time.Second
	uploadOwnerBurst = 10
	uploadAnonEvery  = 10 * time.Second
	uploadAnonBurst  = 2
)

var (
	uploadOwnerLimiters = newLimiterSet(rate.Every(uploadOwnerEvery), uploadOwnerBurst)
	uploadAnonLimiters  = newLimiterSet(rate.Every(uploadAnonEvery), uploadAnonBurst)
)

// UploadRateLimit limits blob uploads. Mount it after RequireOwner so the
// owner id is known.
func UploadRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, limit := uploadAnonLimiters.get(clientip.LimitKey(r)), uploadAnonBurst
		if ownerID, ok := OwnerID(r.Context()); ok {
			limiter, limit = uploadOwnerLimiters.get(ownerID), uploadOwnerBurst
		}
		if !limiter.Allow() {
			tooManyRequests(w, limit, "Too many uploads. Please slow down.")
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		next.ServeHTTP(w, r)
	})
}
