package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestThrottledFirstCallAlwaysFires(t *testing.T) {
	th := NewThrottled(zap.NewNop().Sugar(), 10*time.Millisecond, time.Second)
	assert.True(t, th.ready())
}

func TestThrottledSuppressesImmediateRepeat(t *testing.T) {
	th := NewThrottled(zap.NewNop().Sugar(), time.Minute, time.Hour)
	assert.True(t, th.ready())
	assert.False(t, th.ready(), "second call within the backoff window must be suppressed")
}

func TestThrottledResetAllowsImmediateNextCall(t *testing.T) {
	th := NewThrottled(zap.NewNop().Sugar(), time.Minute, time.Hour)
	assert.True(t, th.ready())
	th.Reset()
	assert.True(t, th.ready(), "Reset must clear the backoff so the next call fires")
}

func TestThrottledBackoffNeverExceedsMax(t *testing.T) {
	th := NewThrottled(zap.NewNop().Sugar(), time.Millisecond, 5*time.Millisecond)
	th.ready()
	for i := 0; i < 10; i++ {
		th.mu.Lock()
		cur := th.curDelay
		th.mu.Unlock()
		assert.LessOrEqual(t, cur, 5*time.Millisecond)
		th.next = time.Now()
		th.ready()
	}
}
