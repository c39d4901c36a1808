package chunksync

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the polling period when no schedule is configured.
const DefaultInterval = 5 * time.Second

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule yields the next poll time after a given instant.
type Schedule = cron.Schedule

// intervalSchedule fires every period. cron.Every rounds to whole seconds,
// which is too coarse for short polling intervals.
type intervalSchedule struct {
	period time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.period)
}

// Interval returns a schedule that fires every d. Non-positive values fall
// back to DefaultInterval.
func Interval(d time.Duration) Schedule {
	if d <= 0 {
		d = DefaultInterval
	}
	return intervalSchedule{period: d}
}

// ParseSchedule parses a cron expression (with optional seconds field) or a
// descriptor such as "@every 10s" or "@hourly". A timezone, if given, is
// applied as a CRON_TZ prefix.
func ParseSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression is required")
	}
	if tz := strings.TrimSpace(timezone); tz != "" && !strings.HasPrefix(expr, "@every") {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// NewSchedule picks a cron schedule when expr is set and a fixed interval
// otherwise.
func NewSchedule(interval time.Duration, expr, timezone string) (Schedule, error) {
	if strings.TrimSpace(expr) != "" {
		return ParseSchedule(expr, timezone)
	}
	return Interval(interval), nil
}
