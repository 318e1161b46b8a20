package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"
)

// MaxDays caps a single range query.
const MaxDays = 31

// Days enumerates n consecutive days starting at start, keeping its clock
// and location so each entry is the same local time on the next day.
func Days(start time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, errors.New("days: count must be positive")
	}
	if n > MaxDays {
		n = MaxDays
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Count:   n,
		Dtstart: start,
	})
	if err != nil {
		return nil, err
	}
	return r.All(), nil
}
