// Package schedule evaluates cron expressions for maintenance tasks. It does
// not run anything itself; the external timer decides when the tool runs.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate checks a standard five-field cron expression or descriptor.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// DueOn reports whether the expression fires at any time during the
// calendar day of t, in t's location.
func DueOn(expr string, t time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	next := sched.Next(dayStart.Add(-time.Second))

	return next.Before(dayStart.AddDate(0, 0, 1)), nil
}
