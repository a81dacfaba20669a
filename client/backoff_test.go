package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesWithoutJitter(t *testing.T) {
	b := NewBackoff(1000*time.Millisecond, 5)

	var delays []time.Duration
	for {
		delay, attempt, ok := b.Next()
		if !ok {
			break
		}
		assert.Equal(t, len(delays)+1, attempt)
		delays = append(delays, delay)
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, delays)
	assert.Equal(t, 5, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	delay, attempt, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, 1*time.Second, delay)
}

func TestBackoffWithoutAttempts(t *testing.T) {
	b := NewBackoff(time.Second, 0)
	_, _, ok := b.Next()
	assert.False(t, ok)
}
