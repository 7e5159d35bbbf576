// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pusher

import (
	"testing"
	"time"

	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/shoenig/test/must"
	"oss.indeed.com/go/libtime"
)

func TestNewSchedule_invalid(t *testing.T) {
	ci.Parallel(t)

	cases := []string{
		"",
		"* * * *",
		"* * * * * *",
		"@hourly",
		"not a cron at all",
		"61 * * * *",
	}
	for _, pattern := range cases {
		_, err := NewSchedule(pattern)
		must.Error(t, err, must.Sprintf("pattern %q should be rejected", pattern))
	}
}

func TestSchedule_Matches_steps(t *testing.T) {
	ci.Parallel(t)

	s, err := NewSchedule("*/15 * * * *")
	must.NoError(t, err)

	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	for hour := 0; hour < 24; hour += 7 {
		for minute := 0; minute < 60; minute++ {
			at := day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
			exp := minute%15 == 0
			must.Eq(t, exp, s.Matches(at), must.Sprintf("at %s", at))
		}
	}

	// seconds within the minute do not change the answer
	must.True(t, s.Matches(day.Add(15*time.Minute+37*time.Second)))
}

func TestSchedule_Matches_businessHours(t *testing.T) {
	ci.Parallel(t)

	s, err := NewSchedule("0 9-17 * * 1-5")
	must.NoError(t, err)

	monday := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	must.Eq(t, time.Monday, monday.Weekday())

	must.True(t, s.Matches(monday.Add(9*time.Hour)))
	must.True(t, s.Matches(monday.Add(17*time.Hour)))
	must.False(t, s.Matches(monday.Add(8*time.Hour)))
	must.False(t, s.Matches(monday.Add(18*time.Hour)))
	must.False(t, s.Matches(monday.Add(9*time.Hour+30*time.Minute)))

	saturday := monday.Add(5 * 24 * time.Hour)
	must.Eq(t, time.Saturday, saturday.Weekday())
	must.False(t, s.Matches(saturday.Add(9*time.Hour)))
}

func TestSchedule_Matches_bothDayFieldsUseOr(t *testing.T) {
	ci.Parallel(t)

	// midnight on the 1st of any month, and midnight every Sunday
	s, err := NewSchedule("0 0 1 * 0")
	must.NoError(t, err)

	first := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	must.Eq(t, time.Saturday, first.Weekday())
	must.True(t, s.Matches(first), must.Sprint("1st of month should match"))

	sunday := time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)
	must.Eq(t, time.Sunday, sunday.Weekday())
	must.True(t, s.Matches(sunday), must.Sprint("Sunday should match"))

	plainTuesday := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	must.Eq(t, time.Tuesday, plainTuesday.Weekday())
	must.False(t, s.Matches(plainTuesday))
}

func TestSchedule_Update(t *testing.T) {
	ci.Parallel(t)

	s, err := NewSchedule("0 3 * * *")
	must.NoError(t, err)

	three := time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC)
	four := three.Add(time.Hour)
	must.True(t, s.Matches(three))
	must.False(t, s.Matches(four))

	must.NoError(t, s.Update("0 4 * * *"))
	must.Eq(t, "0 4 * * *", s.Pattern())
	must.False(t, s.Matches(three))
	must.True(t, s.Matches(four))

	// a bad pattern leaves the old one in effect
	must.Error(t, s.Update("garbage"))
	must.Eq(t, "0 4 * * *", s.Pattern())
	must.True(t, s.Matches(four))
}

func TestSchedule_everyFiveMinutes(t *testing.T) {
	ci.Parallel(t)

	s, err := NewSchedule("*/5 * * * *")
	must.NoError(t, err)

	// twelve consecutive minutes contain exactly three matching ticks
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	fired := 0
	for m := 0; m < 12; m++ {
		if s.Matches(start.Add(time.Duration(m) * time.Minute)) {
			fired++
		}
	}
	must.Eq(t, 3, fired)
}

func TestCronRunner_evaluate(t *testing.T) {
	ci.Parallel(t)

	s, err := NewSchedule("*/5 * * * *")
	must.NoError(t, err)

	firedCh := make(chan struct{}, 16)
	r := NewCronRunner(testlog.HCLogger(t), s, libtime.SystemClock(), func() {
		firedCh <- struct{}{}
	})

	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	fired := 0
	for m := 0; m < 12; m++ {
		if r.evaluate(start.Add(time.Duration(m) * time.Minute)) {
			fired++
		}
	}
	must.Eq(t, 3, fired)

	for i := 0; i < fired; i++ {
		select {
		case <-firedCh:
		case <-time.After(time.Second):
			must.Unreachable(t, must.Sprint("callback did not fire"))
		}
	}
}

func TestCronRunner_startStop(t *testing.T) {
	ci.Parallel(t)

	s, err := NewSchedule("* * * * *")
	must.NoError(t, err)

	r := NewCronRunner(testlog.HCLogger(t), s, libtime.SystemClock(), func() {})
	r.Start()

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		must.Unreachable(t, must.Sprint("runner did not stop"))
	}
}
