package retry

import (
	"testing"
	"time"

	"github.com/swarmguard/reactivetask/pkg/task"
)

func TestFixedRetry(t *testing.T) {
	s, err := New(task.RetryPolicy{Kind: task.RetryFixed, Interval: 2 * time.Second, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	next := s.NextRunAt(now, 1, nil)
	if !next.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("expected fixed interval, got %v", next.Sub(now))
	}
	if s.ShouldFail(2, nil, now) {
		t.Fatal("should not fail before MaxAttempts")
	}
	if !s.ShouldFail(3, nil, now) {
		t.Fatal("should fail at MaxAttempts")
	}
}

func TestExponentialRetryCapsAtMax(t *testing.T) {
	s, err := New(task.RetryPolicy{
		Kind: task.RetryExponential, Min: time.Second, Max: 10 * time.Second, Factor: 2,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	next := s.NextRunAt(now, 10, nil)
	if next.Sub(now) > 10*time.Second {
		t.Fatalf("expected capped delay, got %v", next.Sub(now))
	}
}

func TestSeriesRetryPinsToLastInterval(t *testing.T) {
	s, err := New(task.RetryPolicy{
		Kind: task.RetrySeries, Intervals: []time.Duration{time.Second, 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	next := s.NextRunAt(now, 5, nil)
	if !next.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("expected last interval reused, got %v", next.Sub(now))
	}
}

func TestInvalidCronExpressionRejectedAtConstruction(t *testing.T) {
	_, err := New(task.RetryPolicy{Kind: task.RetryCron, CronExpression: "not a cron expr"})
	if err == nil {
		t.Fatal("expected configuration error for invalid cron expression")
	}
}

func TestMaxDurationBudget(t *testing.T) {
	s, err := New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Second, MaxDuration: time.Minute})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first := time.Now().Add(-2 * time.Minute)
	if !s.ShouldFail(1, &first, time.Now()) {
		t.Fatal("expected MaxDuration budget exceeded")
	}
}
