package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThrottleSteps(t *testing.T) {
	th := NewThrottle(10, 10)

	assert.True(t, th.ShouldLog("t1", 1), "first report always logs")
	assert.False(t, th.ShouldLog("t1", 5))
	assert.True(t, th.ShouldLog("t1", 11))
	assert.False(t, th.ShouldLog("t1", 20))
	assert.True(t, th.ShouldLog("t1", 21))
	assert.True(t, th.ShouldLog("t1", 100), "completion always logs")
	assert.False(t, th.ShouldLog("t1", 100))
}

func TestThrottleIsBounded(t *testing.T) {
	th := NewThrottle(10, 2)
	th.ShouldLog("a", 0)
	th.ShouldLog("b", 0)
	th.ShouldLog("c", 0)

	assert.Equal(t, 2, th.Len())
	assert.True(t, th.ShouldLog("a", 1), "evicted task starts over")
}

func TestThrottleForget(t *testing.T) {
	th := NewThrottle(10, 10)
	th.ShouldLog("a", 50)
	th.Forget("a")
	th.Forget("missing")
	assert.Zero(t, th.Len())
	assert.True(t, th.ShouldLog("a", 51))
}
