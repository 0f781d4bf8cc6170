package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_GrowsAndCapsAtMax(t *testing.T) {
	p := NewWithBounds("test", 5*time.Second, 20*time.Second, 10)
	first := p.NextDelay()
	assert.GreaterOrEqual(t, first, 5*time.Second)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = p.NextDelay()
	}
	assert.LessOrEqual(t, last, 20*time.Second)
}

func TestTripsAtThreshold(t *testing.T) {
	p := NewWithBounds("test", time.Millisecond, time.Millisecond, 3)
	assert.False(t, p.Tripped())
	p.NextDelay()
	p.NextDelay()
	assert.False(t, p.Tripped())
	p.NextDelay()
	assert.True(t, p.Tripped())
}

func TestSuccessResetsState(t *testing.T) {
	p := NewWithBounds("test", time.Millisecond, time.Millisecond, 2)
	p.NextDelay()
	p.NextDelay()
	assert.True(t, p.Tripped())

	p.Success()
	assert.False(t, p.Tripped())
	assert.Equal(t, 0, p.ConsecutiveFailures())
}
