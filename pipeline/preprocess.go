package pipeline

import (
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Preprocess defaults.
const (
	DefaultMaxTextLen     = 1000
	DefaultRatePerMinute  = 50
	DefaultRateBurst      = 10
	limiterPruneThreshold = 10000
)

var (
	scriptRE = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	tagRE    = regexp.MustCompile(`<[^>]*>`)
)

// Sanitize normalizes aggregated turn text: script blocks and HTML tags are
// stripped, whitespace runs collapse to single spaces, blank lines drop, and
// the result is truncated to maxLen characters. Truncation counts runes, not
// bytes, so multi-byte text is never cut mid-rune.
func Sanitize(text string, maxLen int) string {
	text = scriptRE.ReplaceAllString(text, " ")
	text = tagRE.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	out := strings.Join(cleaned, "\n")
	if maxLen > 0 && len(out) > maxLen {
		runes := 0
		for i := range out {
			if runes == maxLen {
				out = out[:i]
				break
			}
			runes++
		}
	}
	return strings.TrimSpace(out)
}

// RateLimiter sheds excessive inbound per phone. Token bucket per phone,
// refilled at the configured per-minute rate.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter returns a limiter allowing perMinute events per phone with
// the given burst. Non-positive arguments take the defaults.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether the phone is within its rate budget.
func (r *RateLimiter) Allow(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[phone]
	if !ok {
		// Bound the map: a full bucket carries no state worth keeping.
		if len(r.limiters) >= limiterPruneThreshold {
			for k, l := range r.limiters {
				if l.Tokens() >= float64(r.burst) {
					delete(r.limiters, k)
				}
			}
		}
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[phone] = lim
	}
	return lim.Allow()
}
