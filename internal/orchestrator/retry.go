package orchestrator

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/snapvault/snapvault/internal/capture"
)

// RetryPolicy bounds render attempts per failure class with jittered backoff.
type RetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		baseDelay: 500 * time.Millisecond,
		maxDelay:  10 * time.Second,
	}
}

// MaxAttempts returns the total attempt budget for a failure class.
// Transient classes get retries; a block is final on first sight because
// retrying an actively refusing origin only burns the deadline.
func (p *RetryPolicy) MaxAttempts(class capture.RenderClass) int {
	switch class {
	case capture.ClassTimeout, capture.ClassUnreachable:
		return 3
	case capture.ClassRenderCrash:
		return 2
	default:
		return 1
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// attempt number (1-based) failed with the classified error.
func (p *RetryPolicy) ShouldRetry(class capture.RenderClass, attempt int) bool {
	return attempt < p.MaxAttempts(class)
}

// Backoff returns the wait before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
