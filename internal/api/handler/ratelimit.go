package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiter entries idle longer than limiterIdle are dropped on each sweep.
const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

// clientLimits throttles API callers by address. It protects the service
// itself; it is not the model-driven guard.
type clientLimits struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimit
}

type clientLimit struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newClientLimits(rps, burst int) *clientLimits {
	return &clientLimits{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimit),
	}
}

func (l *clientLimits) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	cl, ok := l.clients[ip]
	if !ok {
		cl = &clientLimit{bucket: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = cl
	}
	cl.lastSeen = now
	l.mu.Unlock()
	return cl.bucket.AllowN(now, 1)
}

// sweep drops callers not seen since before cutoff and returns how many
// remain.
func (l *clientLimits) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, cl := range l.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
	return len(l.clients)
}

func (l *clientLimits) run(ctx context.Context) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now.Add(-limiterIdle))
		}
	}
}

// RateLimiter caps each client address at rps requests per second with the
// given burst. Rejections answer 429 and are counted in
// ddosguard_rate_limited_total. The sweeper stops with ctx.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	limits := newClientLimits(rps, burst)
	go limits.run(ctx)

	return func(c *gin.Context) {
		if !limits.allow(c.ClientIP(), time.Now()) {
			ddosRateLimitedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
