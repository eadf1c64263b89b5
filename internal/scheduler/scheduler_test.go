package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if _, err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if _, err := s.AddJob("0 20 * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding daily job, got %v", err)
	}
	if s.Jobs() != 2 {
		t.Errorf("Expected 2 jobs, got %d", s.Jobs())
	}
}

func TestSchedulerAddJob_Invalid(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if _, err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if _, err := s.AddJob("0 */5 * * * * *", func() {}); err == nil {
		t.Error("Expected error for 7-field expression")
	}
}

func TestSchedulerAddJob_OptionalSeconds(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if _, err := s.AddJob("30 0 21 * * *", func() {}); err != nil {
		t.Errorf("Expected 6-field expression with seconds to be accepted, got %v", err)
	}
	if s.Jobs() != 1 {
		t.Errorf("Expected 1 job, got %d", s.Jobs())
	}
}

func TestSchedulerEveryDescriptorRuns(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs int32
	_, err := s.AddJob("@every 1s", func() { atomic.AddInt32(&runs, 1) })
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) == 0 {
		t.Fatal("job never ran")
	}
}
