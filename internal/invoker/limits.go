package invoker

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/conversa/internal/descriptor"
)

var placeholderRe = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

var statusMessages = map[int]string{
	400: "Invalid parameters sent to API",
	401: "API authentication failed. Please check your API key.",
	403: "Access forbidden. You may not have permission to access this resource.",
	404: "Resource not found. Please check your input.",
	429: "Rate limit exceeded. Please try again later.",
	500: "API server error. Please try again later.",
	502: "Bad gateway. The API server is having issues.",
	503: "API temporarily unavailable. Please try again later.",
	504: "Gateway timeout. The API took too long to respond.",
}

// statusMessage returns the descriptor's message for status, falling back
// to the built-in table.
func statusMessage(d descriptor.Descriptor, status int) string {
	if msg, ok := d.ErrorMessages[strconv.Itoa(status)]; ok && msg != "" {
		return msg
	}
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return "API request failed with status " + strconv.Itoa(status)
}

type limiterEntry struct {
	rpm int
	lim *rate.Limiter
}

// limiters holds one token bucket per descriptor, refilled at rpm per
// minute with a burst of rpm.
type limiters struct {
	mu sync.Mutex
	m  map[string]*limiterEntry
}

func newLimiters() *limiters {
	return &limiters{m: make(map[string]*limiterEntry)}
}

func (l *limiters) allow(apiID string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	l.mu.Lock()
	e, ok := l.m[apiID]
	if !ok || e.rpm != rpm {
		e = &limiterEntry{rpm: rpm, lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)}
		l.m[apiID] = e
	}
	l.mu.Unlock()
	return e.lim.Allow()
}

func (l *limiters) forget(apiID string) {
	l.mu.Lock()
	delete(l.m, apiID)
	l.mu.Unlock()
}
