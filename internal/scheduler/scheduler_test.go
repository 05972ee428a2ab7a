package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	// Should add a valid cron job without error
	if err := s.AddJob("sequences", "* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("tags", "@every 1h", func() {}); err != nil {
		t.Errorf("Expected descriptor schedule to be accepted, got %v", err)
	}
	if got := s.Jobs(); len(got) != 2 || got[0] != "sequences" || got[1] != "tags" {
		t.Errorf("unexpected jobs %v", got)
	}
}

func TestSchedulerRejectsBadJobs(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("bad", "not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if err := s.AddJob("dup", "* * * * *", func() {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddJob("dup", "* * * * *", func() {}); err == nil {
		t.Error("Expected error for duplicate job name")
	}
}

func TestSchedulerNext(t *testing.T) {
	s := NewScheduler()
	if _, ok := s.Next("missing"); ok {
		t.Error("Expected unknown job to report false")
	}
	if err := s.AddJob("tick", "* * * * *", func() {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)
	next, ok := s.Next("tick")
	if !ok || next.IsZero() {
		t.Errorf("Expected next run after start, got %v %v", next, ok)
	}
	if time.Until(next) > time.Minute {
		t.Errorf("Expected next run within a minute, got %v", next)
	}
}

func TestSchedulerRunsAndRecovers(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	if err := s.AddJob("panicky", "@every 1s", func() {
		runs.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	<-s.Stop()
	if runs.Load() < 2 {
		t.Errorf("Expected job to keep firing after a panic, ran %d times", runs.Load())
	}
}
