package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts five-field expressions, six-field ones with leading seconds,
// and descriptors such as @hourly.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a schedule expression with Parser.
func Parse(expr string) (cron.Schedule, error) {
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

type TriggerInfo struct {
	Expression string
	Next       []time.Time

	TimeUntilNext time.Duration
}

// GetTriggerInfo returns the next n trigger times after refTime.
func GetTriggerInfo(cronExpr string, refTime time.Time, n int) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}

	info := &TriggerInfo{Expression: cronExpr}
	t := refTime
	for range n {
		t = schedule.Next(t)
		if t.IsZero() {
			break
		}
		info.Next = append(info.Next, t)
	}
	if len(info.Next) > 0 {
		info.TimeUntilNext = info.Next[0].Sub(refTime)
	}
	return info, nil
}
