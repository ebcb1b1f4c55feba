// Package cron wraps adhocore/gronx with the schedule dialect accepted by
// job definitions: the standard 5-field form or the 6-field form with a
// leading seconds field, selected by field count. All evaluation is UTC.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Validate rejects anything that is not a well-formed 5- or 6-field
// expression.
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 && len(fields) != 6 {
		return fmt.Errorf("cron expression must have 5 or 6 fields, got %d", len(fields))
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// Next returns the first occurrence strictly after the given instant, in UTC.
func Next(expr string, after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, after.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next occurrence of %q: %w", expr, err)
	}
	return next.UTC(), nil
}
