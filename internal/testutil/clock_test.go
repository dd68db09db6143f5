package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockIsFrozen(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(start)

	clock.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), clock.Now())

	clock.Advance(-time.Hour)
	assert.Equal(t, start.Add(30*time.Minute), clock.Now())
}

func TestClockSet(t *testing.T) {
	clock := NewClock(time.Unix(0, 0))
	target := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	clock.Set(target)
	assert.Equal(t, target, clock.Now())
}

func TestClockConcurrentAdvance(t *testing.T) {
	clock := NewClock(time.Unix(0, 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Unix(50, 0), clock.Now())
}
