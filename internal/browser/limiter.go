package browser

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// adaptiveLimiter throttles one host. Successes raise the rate by 20% up to
// twice the initial rate; a 429 halves it, down to a quarter.
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(r rate.Limit, burst int) *adaptiveLimiter {
	return &adaptiveLimiter{limiter: rate.NewLimiter(r, burst), initial: r, current: r}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = min(a.current*1.2, a.initial*2)
	a.limiter.SetLimit(a.current)
}

func (a *adaptiveLimiter) OnRateLimit(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = max(a.current*0.5, a.initial/4)
	a.limiter.SetLimit(a.current)
	zap.L().Warn("browser: throttling host after 429",
		zap.String("host", host),
		zap.Float64("rate", float64(a.current)),
	)
}

func (a *adaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

type hostLimiters struct {
	rate  rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*adaptiveLimiter
}

func newHostLimiters(r rate.Limit, burst int) *hostLimiters {
	if burst < 1 {
		burst = 1
	}
	return &hostLimiters{rate: r, burst: burst, m: make(map[string]*adaptiveLimiter)}
}

func (h *hostLimiters) get(host string) *adaptiveLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.m[host]
	if !ok {
		l = newAdaptiveLimiter(h.rate, h.burst)
		h.m[host] = l
	}
	return l
}
