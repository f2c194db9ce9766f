package xfer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a byte-rate limiter a PeerLink implementation can use to back
// SendThrottledMessage's admission check. It satisfies comm.ByteCounter so
// the same object can also be handed to callers that just want to record
// bytes without blocking.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a token-bucket limiter admitting bytesPerSecond bytes/s
// with a burst of burstBytes.
func NewThrottle(bytesPerSecond float64, burstBytes int) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes)}
}

// AddBytes implements comm.ByteCounter without blocking, for accounting-only
// callers (e.g. best-effort control message sends).
func (t *Throttle) AddBytes(n int) {
	t.limiter.AllowN(time.Now(), n)
}

// Wait blocks until n bytes are admitted or timeout elapses, returning
// ErrWaitedTooLong on the latter -- the disposition
// PeerLink.sendThrottledMessage surfaces per the error handling design.
func (t *Throttle) Wait(n int, timeout time.Duration) error {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return ErrWaitedTooLong
	}
	return nil
}
