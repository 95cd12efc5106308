// Package scheduler runs the gateway's background jobs on cron schedules.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carlossalguero/casgate/services/shared/logger"
)

// Job is a registered background job.
type Job struct {
	Name     string
	Schedule string
	EntryID  cron.EntryID
}

// Scheduler manages named jobs. A job never overlaps with itself.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
	jobs map[string]*Job
	mu   sync.RWMutex
}

// New creates a scheduler. Schedules accept an optional seconds field and
// descriptors such as "@every 15s".
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}), cron.Recover(cronLogger{log})),
		),
		log:  log,
		jobs: make(map[string]*Job),
	}
}

// AddJob registers fn under name, replacing any job with the same name.
func (s *Scheduler) AddJob(name, schedule string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		fn()
		s.log.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.EntryID)
	}
	s.jobs[name] = &Job{Name: name, Schedule: schedule, EntryID: entryID}
	return nil
}

// RemoveJob removes a job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[name]; ok {
		s.cron.Remove(job.EntryID)
		delete(s.jobs, name)
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// NextRun returns the next scheduled run of a job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(job.EntryID).Next, true
}

// cronLogger adapts the shared logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).Error(msg, keysAndValues...)
}
