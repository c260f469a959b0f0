// Package scheduler runs periodic tasks from a cooperative poll loop.
//
// Tasks fire when the elapsed time since their last run reaches their
// interval. Nothing here sleeps or spawns goroutines; the caller passes the
// current time to Poll on every loop iteration.
package scheduler

import (
	"io"
	"log/slog"
	"time"
)

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(now time.Time)

	last  time.Time
	runs  int
	delay time.Duration // worst observed lateness
}

// Runs returns how many times the task fired.
func (t *Task) Runs() int { return t.runs }

// LastRun returns the time of the last firing.
func (t *Task) LastRun() time.Time { return t.last }

// MaxDelay returns the largest lateness observed when firing.
func (t *Task) MaxDelay() time.Duration { return t.delay }

// Scheduler is an ordered list of periodic tasks.
type Scheduler struct {
	tasks   []*Task
	started time.Time
	logger  *slog.Logger
}

// New returns an empty Scheduler. logger may be nil.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{logger: logger}
}

// Every registers run to fire every interval. Tasks fire in registration
// order when several are due in the same Poll. A non-positive interval makes
// the task fire on every Poll.
func (s *Scheduler) Every(name string, interval time.Duration, run func(now time.Time)) *Task {
	t := &Task{Name: name, Interval: interval, Run: run}
	if !s.started.IsZero() {
		t.last = s.started
	}
	s.tasks = append(s.tasks, t)
	return t
}

// Start anchors every task's first deadline at now. Tasks registered
// afterwards are anchored at the same instant.
func (s *Scheduler) Start(now time.Time) {
	s.started = now
	for _, t := range s.tasks {
		t.last = now
	}
	s.logger.Debug("scheduler:start", slog.Int("tasks", len(s.tasks)))
}

// Started returns the Start time.
func (s *Scheduler) Started() time.Time {
	return s.started
}

// Uptime returns the time elapsed since Start.
func (s *Scheduler) Uptime(now time.Time) time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return now.Sub(s.started)
}

// Poll runs every due task and returns how many fired.
func (s *Scheduler) Poll(now time.Time) int {
	if s.started.IsZero() {
		s.Start(now)
	}
	fired := 0
	for _, t := range s.tasks {
		elapsed := now.Sub(t.last)
		if elapsed < t.Interval {
			continue
		}
		if late := elapsed - t.Interval; late > t.delay {
			t.delay = late
		}
		// Re-arm from now rather than from the missed deadline so a long
		// stall does not cause a burst of catch-up runs.
		t.last = now
		t.runs++
		t.Run(now)
		fired++
	}
	return fired
}

// Tasks returns the registered tasks.
func (s *Scheduler) Tasks() []*Task {
	return s.tasks
}

// Find returns the task with the given name, or nil.
func (s *Scheduler) Find(name string) *Task {
	for _, t := range s.tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}
