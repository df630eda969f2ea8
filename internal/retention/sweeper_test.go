package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingCleaner struct {
	mu      sync.Mutex
	calls   int
	running int
	overlap bool
	block   chan struct{}
}

func (c *countingCleaner) DeleteExpiredSessions(_ context.Context, _ time.Duration, _ int) (int, error) {
	c.mu.Lock()
	c.calls++
	c.running++
	if c.running > 1 {
		c.overlap = true
	}
	c.mu.Unlock()

	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	c.running--
	c.mu.Unlock()
	return 0, nil
}

// The cron scheduler rounds sub-second intervals up to one second, so these
// tests run against 1s ticks.

func TestSweeperRunsPeriodically(t *testing.T) {
	cleaner := &countingCleaner{}
	s := New(cleaner, 24*time.Hour, time.Second, 100)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		cleaner.mu.Lock()
		defer cleaner.mu.Unlock()
		return cleaner.calls >= 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSweeperNeverOverlapsItself(t *testing.T) {
	cleaner := &countingCleaner{block: make(chan struct{})}
	s := New(cleaner, 24*time.Hour, time.Second, 100)
	s.Start()

	// Let several ticks elapse while the first sweep is still blocked.
	time.Sleep(2500 * time.Millisecond)
	close(cleaner.block)
	s.Stop()

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	assert.False(t, cleaner.overlap, "sweeps must be single-flight")
	assert.GreaterOrEqual(t, cleaner.calls, 1)
}
