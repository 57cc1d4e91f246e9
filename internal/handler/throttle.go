package handler

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"account-security/internal/models"
	"account-security/internal/util"
)

// Throttle decides whether a request keyed by client IP may proceed.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalThrottle is a token bucket per key held in process memory.
type LocalThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	swept    time.Time
	now      func() time.Time
}

func NewLocalThrottle(perSecond float64, burst int) *LocalThrottle {
	if burst < 1 {
		burst = 1
	}
	return &LocalThrottle{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (t *LocalThrottle) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.swept) > t.idle {
		for k, v := range t.visitors {
			if now.Sub(v.lastSeen) > t.idle {
				delete(t.visitors, k)
			}
		}
		t.swept = now
	}

	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[key] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, t.idle, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Len reports how many keys are tracked.
func (t *LocalThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitors)
}

// ThrottleByIP rejects requests over the per-IP budget with 429. Throttle
// errors let the request through; the per-key cooldown still applies.
func ThrottleByIP(t Throttle, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, wait, err := t.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("IP throttle unavailable", util.String("ip", ip), util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retry := models.NewRetryAfterError(models.ErrRateLimited, wait)
				seconds := retry.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				respondWithJSON(w, http.StatusTooManyRequests, Response{
					Error:   retry.Error(),
					Message: "Too many requests",
					Data:    map[string]int{"retry_after_sec": seconds},
				}, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
