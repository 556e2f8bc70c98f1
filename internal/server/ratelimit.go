package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
)

// SetGatewayHeaders writes the rate-limit, complexity and identity headers
// recorded on rc. It must run before the response header is written.
//
//	X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset (unix seconds)
//	Retry-After (exhausted windows only)
//	X-Query-Complexity, X-Max-Complexity, X-Complexity-Remaining
//	X-User-ID, X-User-Role
func SetGatewayHeaders(h http.Header, rc *reqctx.RequestContext, now time.Time) {
	if rc == nil {
		return
	}
	if rl := rc.RateLimit(); rl != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		if !rl.ResetAt.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
		}
		if !rl.Allowed {
			h.Set("Retry-After", strconv.Itoa(int(rl.RetryAfter(now)/time.Second)))
		}
	}
	if c := rc.Complexity(); c != nil {
		h.Set("X-Query-Complexity", strconv.Itoa(c.Score))
		h.Set("X-Max-Complexity", strconv.Itoa(c.Limit))
		h.Set("X-Complexity-Remaining", strconv.Itoa(c.Remaining()))
	}
	if id := rc.Identity(); id != nil {
		h.Set("X-User-ID", id.ID)
		h.Set("X-User-Role", string(id.Role))
	}
}
