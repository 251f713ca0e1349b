package scheduler

import "time"

// IntervalSchedule fires at a fixed interval from the previous run.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns a schedule firing every d.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// DailySchedule fires once a day at a fixed wall-clock time.
type DailySchedule struct {
	Hour   int
	Minute int
}

// Daily returns a schedule firing daily at hour:minute.
func Daily(hour, minute int) *DailySchedule {
	return &DailySchedule{Hour: hour, Minute: minute}
}

// Next returns the next run time. A time earlier in the day than after
// rolls over to tomorrow.
func (s *DailySchedule) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
