package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiters hands out one token bucket per tenant for the submit path,
// so one noisy tenant cannot starve the intake for everyone else.
type tenantLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newTenantLimiters(perSecond float64, burst int) *tenantLimiters {
	return &tenantLimiters{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (t *tenantLimiters) allow(tenantID string) bool {
	t.mu.Lock()
	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(t.rate, t.burst)
		t.limiters[tenantID] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
