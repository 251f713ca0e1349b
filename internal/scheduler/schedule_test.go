package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSchedule(t *testing.T) {
	base := time.Date(2025, 2, 8, 12, 0, 0, 0, time.UTC)
	s := Every(15 * time.Minute)
	assert.Equal(t, base.Add(15*time.Minute), s.Next(base))
	assert.Equal(t, base.Add(30*time.Minute), s.Next(s.Next(base)))
}

func TestDailySchedule(t *testing.T) {
	s := Daily(3, 0)

	// Before today's slot: fires today.
	before := time.Date(2025, 2, 8, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 8, 3, 0, 0, 0, time.UTC), s.Next(before))

	// Exactly at the slot: rolls to tomorrow, never the same instant.
	at := time.Date(2025, 2, 8, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 9, 3, 0, 0, 0, time.UTC), s.Next(at))

	// After the slot: tomorrow.
	after := time.Date(2025, 2, 8, 17, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 9, 3, 0, 0, 0, time.UTC), s.Next(after))
}

func TestDailyScheduleMonthRollover(t *testing.T) {
	s := Daily(3, 0)
	endOfMonth := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC), s.Next(endOfMonth))
}

func TestDailyScheduleKeepsLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	s := Daily(3, 0)
	next := s.Next(time.Date(2025, 2, 8, 12, 0, 0, 0, loc))
	assert.Equal(t, loc, next.Location())
	assert.Equal(t, 3, next.Hour())
}
