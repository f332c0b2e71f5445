// Package ratelimit provides request rate limiters and a plugin that
// answers 429 from onRequest when a client exceeds its quota.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	// Allow consumes one unit of the key's quota
	Allow(ctx context.Context, key string) (*Info, error)
	// Close releases background resources
	Close() error
}

// Info is the quota state after an Allow call
type Info struct {
	// Limit is the maximum number of requests allowed in the window
	Limit int
	// Remaining is the number of requests left in the current window
	Remaining int
	// ResetAt is when the quota is fully restored
	ResetAt time.Time
	// Allowed reports whether the request may proceed
	Allowed bool
}

// Headers renders the X-RateLimit-* headers for info. Retry-After is
// added when the request was refused.
func (i *Info) Headers(now time.Time) map[string]string {
	reset := int(math.Ceil(i.ResetAt.Sub(now).Seconds()))
	if reset < 0 {
		reset = 0
	}
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(i.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(i.Remaining),
		"X-RateLimit-Reset":     strconv.Itoa(reset),
	}
	if !i.Allowed {
		headers["Retry-After"] = strconv.Itoa(reset)
	}
	return headers
}
