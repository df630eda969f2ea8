package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayKeyRollsOverAtCETMidnight(t *testing.T) {
	// 2026-03-09 23:00:00 UTC == 2026-03-10 00:00:00 CET.
	midnight := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	require.Equal(t, int64(0), (midnight.Unix()+3600)%86400)

	before := midnight.Add(-time.Second)
	assert.Equal(t, DayKey(before)+1, DayKey(midnight))
	assert.Equal(t, DayKey(midnight), DayKey(midnight.Add(time.Second)))
}

func TestNextCETMidnight(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 30, 0, 0, time.UTC)
	next := NextCETMidnight(now)

	assert.Equal(t, time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC), next)
	assert.Equal(t, int64(0), (next.Unix()+3600)%86400)
}

func TestSecondsUntilCETMidnight(t *testing.T) {
	now := time.Date(2026, 3, 9, 22, 59, 30, 0, time.UTC)
	assert.Equal(t, 30, SecondsUntilCETMidnight(now))

	// Exactly at midnight the next boundary is a full day away.
	midnight := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, 86400, SecondsUntilCETMidnight(midnight))
}

func TestNewIDIsUUID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, NewID())
}
