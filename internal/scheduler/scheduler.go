// Package scheduler provides scheduling logic for GuardianPipe.
//
// It runs recurring jobs, such as safety check-ins, from cron expressions.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// JobID identifies a scheduled job.
type JobID = cron.EntryID

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// 5-field cron (min, hour, dom, month, dow) with an optional leading seconds field, plus @every/@daily descriptors
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) (JobID, error) {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return 0, err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "expr", expr, "id", id, "next", s.cron.Entry(id).Next)
	return id, nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
