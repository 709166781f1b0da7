package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceThrottleUnconfiguredAppliesImmediately(t *testing.T) {
	var mu sync.Mutex
	var got []int
	th := newPresenceThrottle(0, func(count int) {
		mu.Lock()
		got = append(got, count)
		mu.Unlock()
	})

	th.Update(1)
	th.Update(0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, got)
}

func TestPresenceThrottleCollapsesBurstToLatestValue(t *testing.T) {
	var mu sync.Mutex
	var got []int
	th := newPresenceThrottle(50*time.Millisecond, func(count int) {
		mu.Lock()
		got = append(got, count)
		mu.Unlock()
	})

	// The first update consumes the limiter's initial burst token and
	// applies immediately; everything arriving before the next token is
	// available collapses into one pending value.
	th.Update(1)
	th.Update(2)
	th.Update(0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, got, "burst should collapse to only its first and final values")
}
