// Package retry implements the RetryStrategy component (spec.md §4.2):
// turning a task definition's RetryPolicy plus the record's current attempt
// count into "when should this run again, and has it exhausted its
// budget". The cron kind is grounded on the teacher's own
// services/orchestrator/scheduler.go, which builds its cron.Cron with
// cron.WithSeconds() and schedules via AddFunc(config.CronExpr, ...); here
// the same parser computes the next due instant directly rather than
// registering a running schedule, since retry timing is driven by task
// records rather than by robfig/cron's own ticking goroutine.
package retry

import (
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/reactivetask/pkg/task"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Strategy evaluates one RetryPolicy.
type Strategy struct {
	policy task.RetryPolicy
}

// New builds a Strategy, validating the policy eagerly so a malformed cron
// expression surfaces as a ConfigurationError at registration time rather
// than at the next retry (spec.md §7 "Configuration" kind).
func New(policy task.RetryPolicy) (*Strategy, error) {
	if policy.Kind == task.RetryCron {
		if _, err := cronParser.Parse(policy.CronExpression); err != nil {
			return nil, task.NewConfigurationError("retry.cronExpression", err.Error())
		}
	}
	if policy.Kind == task.RetryExponential && policy.Factor <= 1 {
		return nil, task.NewConfigurationError("retry.factor", "exponential retry factor must be > 1")
	}
	if policy.Kind == task.RetrySeries && len(policy.Intervals) == 0 {
		return nil, task.NewConfigurationError("retry.intervals", "series retry requires at least one interval")
	}
	return &Strategy{policy: policy}, nil
}

// NextRunAt computes the next due instant for attempt N+1, given the
// instant the previous attempt finished (or was scheduled for, on first
// run) and the first-error timestamp used for MaxDuration budgets.
func (s *Strategy) NextRunAt(now time.Time, attempt int, firstErrorAt *time.Time) time.Time {
	switch s.policy.Kind {
	case task.RetryLinear:
		return now.Add(time.Duration(attempt) * s.policy.Interval)
	case task.RetryExponential:
		d := float64(s.policy.Min) * math.Pow(s.policy.Factor, float64(attempt-1))
		capped := time.Duration(math.Min(d, float64(s.policy.Max)))
		return now.Add(capped)
	case task.RetrySeries:
		idx := attempt - 1
		if idx >= len(s.policy.Intervals) {
			idx = len(s.policy.Intervals) - 1
		}
		return now.Add(s.policy.Intervals[idx])
	case task.RetryCron:
		sched, err := cronParser.Parse(s.policy.CronExpression)
		if err != nil {
			return now.Add(s.policy.Interval)
		}
		return sched.Next(now)
	case task.RetryFixed:
		fallthrough
	default:
		return now.Add(s.policy.Interval)
	}
}

// ShouldFail reports whether the next retry attempt would exceed the
// policy's budget (spec.md §4.2: MaxAttempts or MaxDuration, whichever the
// policy sets), in which case the caller transitions the record straight to
// "failed" instead of scheduling another attempt.
func (s *Strategy) ShouldFail(attempt int, firstErrorAt *time.Time, now time.Time) bool {
	if s.policy.MaxAttempts > 0 && attempt >= s.policy.MaxAttempts {
		return true
	}
	if s.policy.MaxDuration > 0 && firstErrorAt != nil && now.Sub(*firstErrorAt) >= s.policy.MaxDuration {
		return true
	}
	return false
}
