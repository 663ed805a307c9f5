package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	if err := s.AddJob("sweep", DefaultSweepSchedule, func() {}); err != nil {
		t.Errorf("expected default schedule to parse, got %v", err)
	}
	if err := s.AddJob("broken", "every so often", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestJobRuns(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func() { runs.Add(1) }); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if runs.Load() == 0 {
		t.Error("expected the job to run at least once")
	}
}

func TestJobPanicIsRecovered(t *testing.T) {
	s := NewScheduler()
	var after atomic.Int32
	s.AddJob("panics", "@every 1s", func() { panic("boom") })
	s.AddJob("survivor", "@every 1s", func() { after.Add(1) })

	deadline := time.Now().Add(5 * time.Second)
	for after.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop(context.Background())
	if after.Load() < 2 {
		t.Errorf("scheduler should keep running after a panicking job, got %d runs", after.Load())
	}
}
