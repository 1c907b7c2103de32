package admission

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"psagate/pkg/httpx"
)

// SetRateLimitHeaders publishes the counter state of the most restrictive
// policy. It does nothing when no policy applied.
func SetRateLimitHeaders(w http.ResponseWriter, dec Decision, now time.Time) {
	rl := dec.RateLimit
	if rl == nil {
		return
	}
	reset := int(math.Ceil(rl.RetryAfter(now, dec.Window).Seconds()))
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	h.Set("RateLimit-Reset", strconv.Itoa(reset))
	if dec.Policy != "" {
		h.Set("RateLimit-Policy", strconv.Itoa(rl.Limit)+";w="+strconv.Itoa(int(dec.Window.Seconds()))+";name=\""+dec.Policy+"\"")
	}
}

// WriteDenial renders a denied admission: 429 when rate limited, 503 when
// the destination's circuit is open.
func WriteDenial(w http.ResponseWriter, r *http.Request, dec Decision) {
	switch dec.Reason {
	case RateLimited:
		httpx.WriteRetryableError(w, r, http.StatusTooManyRequests, httpx.CodeRateLimitExceeded,
			"too many requests, retry later", dec.RetryAfter)
	case CircuitOpen:
		httpx.WriteRetryableError(w, r, http.StatusServiceUnavailable, httpx.CodeServiceUnavailable,
			"service temporarily unavailable", dec.RetryAfter)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "admission failed")
	}
}
