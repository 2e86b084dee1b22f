package coordinator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard five-field cron plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextDue evaluates a recurrence expression in the schedule's timezone and
// returns the next fire time after the given instant, in UTC. Advancing from
// the original due instant rather than the wall clock keeps missed windows
// from compounding drift.
func NextDue(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse recurrence %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// ValidateRecurrence rejects malformed expressions and timezones at schedule
// creation time rather than at claim time.
func ValidateRecurrence(expr, timezone string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("parse recurrence %q: %w", expr, err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return nil
}
