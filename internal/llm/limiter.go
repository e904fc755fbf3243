package llm

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits or rejects a provider call before it is sent. Implementations
// must be safe for concurrent use and must not block.
type Limiter interface {
	Allow(estimatedTokens int) bool
}

// TokenBucket enforces requests-per-minute and tokens-per-minute budgets.
// A zero budget disables that bucket.
type TokenBucket struct {
	mu       sync.Mutex
	requests *rate.Limiter
	tokens   *rate.Limiter
	now      func() time.Time
}

func NewTokenBucket(requestsPerMinute, tokensPerMinute int) *TokenBucket {
	b := &TokenBucket{now: time.Now}
	if requestsPerMinute > 0 {
		b.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute)
	}
	if tokensPerMinute > 0 {
		b.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60), tokensPerMinute)
	}
	return b
}

func (b *TokenBucket) Allow(estimatedTokens int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	var request *rate.Reservation
	if b.requests != nil {
		request = b.requests.ReserveN(now, 1)
		if !request.OK() || request.DelayFrom(now) > 0 {
			request.CancelAt(now)
			return false
		}
	}
	if b.tokens != nil {
		n := estimatedTokens
		if n < 1 {
			n = 1
		}
		if burst := b.tokens.Burst(); n > burst {
			n = burst
		}
		reservation := b.tokens.ReserveN(now, n)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			reservation.CancelAt(now)
			if request != nil {
				request.CancelAt(now)
			}
			return false
		}
	}
	return true
}

// Unlimited admits every call.
type Unlimited struct{}

func (Unlimited) Allow(int) bool { return true }
