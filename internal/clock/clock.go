// Package clock provides wall time, ID generation, and the fixed-CET day
// arithmetic used by rate limiting.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// CET is treated as a fixed UTC+1 offset with no DST, so that daily limits
// reset at the same instant year-round.
const cetOffsetSeconds = 3600

// Clock abstracts wall time so lifecycle and rate-limit logic can be tested
// with a controlled clock.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// NewID returns a random UUIDv4 string.
func NewID() string { return uuid.NewString() }

// DayKey returns the CET calendar-day index for t: floor((unix+3600)/86400).
func DayKey(t time.Time) int64 {
	return (t.Unix() + cetOffsetSeconds) / 86400
}

// NextCETMidnight returns the instant of the next CET midnight after t.
func NextCETMidnight(t time.Time) time.Time {
	return time.Unix((DayKey(t)+1)*86400-cetOffsetSeconds, 0).UTC()
}

// SecondsUntilCETMidnight returns the number of whole seconds until the next
// CET midnight, at least 1.
func SecondsUntilCETMidnight(t time.Time) int {
	s := int(NextCETMidnight(t).Unix() - t.Unix())
	if s < 1 {
		return 1
	}
	return s
}
