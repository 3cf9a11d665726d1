package scheduler

import (
	"fmt"
	"time"

	"slashbot/internal/schedule"
	logx "slashbot/pkg/logx"
)

// triggerSchedule adapts a recurring trigger to cron.Schedule.
type triggerSchedule struct {
	t schedule.Trigger
}

// Next returns the zero time when the trigger has no further occurrence,
// which cron treats as never.
func (ts triggerSchedule) Next(after time.Time) time.Time {
	next, ok := schedule.NextFire(ts.t, after)
	if !ok {
		return time.Time{}
	}
	return next
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
