package xfer

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestThrottleAdmitsWithinBurst(t *testing.T) {
	th := NewThrottle(1<<20, 1<<20)
	err := th.Wait(1024, time.Second)
	assert.Equal(t, err, nil)
}

func TestThrottleWaitedTooLongUnderTightTimeout(t *testing.T) {
	// One byte/sec with no burst: a request for far more than the bucket
	// holds, under a timeout too short for the bucket to refill, must report
	// WaitedTooLong rather than block forever.
	th := NewThrottle(1, 1)
	err := th.Wait(1<<20, 10*time.Millisecond)
	assert.Equal(t, err, ErrWaitedTooLong)
}

func TestThrottleAddBytesNeverBlocks(t *testing.T) {
	th := NewThrottle(1, 1)
	done := make(chan struct{})
	go func() {
		th.AddBytes(1 << 20)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddBytes blocked")
	}
}
