package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

const (
	KindEvery = "every"
	KindCron  = "cron"
)

const stopWarnAfter = 5 * time.Second

var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// JobFunc is the work run on each tick. The context is not cancelled by
// Stop; in-flight runs are awaited instead.
type JobFunc func(ctx context.Context) error

type Schedule struct {
	Kind  string        `json:"kind"`
	Every time.Duration `json:"every,omitempty"`
	Expr  string        `json:"expr,omitempty"`
}

type JobState struct {
	LastRunAt   time.Time     `json:"lastRunAt"`
	LastStatus  string        `json:"lastStatus,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	LastElapsed time.Duration `json:"lastElapsed"`
	Runs        int           `json:"runs"`
	Skipped     int           `json:"skipped"`
	Running     bool          `json:"running"`
}

type Job struct {
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`
}

type entry struct {
	job     Job
	fn      JobFunc
	entryID rcron.EntryID
}

// Service runs named jobs on fixed intervals or cron expressions. A job
// never overlaps itself: a tick that fires while the previous run is still
// in flight is skipped.
type Service struct {
	mu      sync.Mutex
	jobs    []*entry
	cron    *rcron.Cron
	chain   rcron.Chain
	jobCtx  context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	stopped bool
	done    chan struct{}
	running sync.WaitGroup
}

func NewService() *Service {
	logger := rcron.PrintfLogger(log.Default())
	return &Service{
		chain:  rcron.NewChain(rcron.Recover(logger)),
		jobCtx: context.Background(),
		done:   make(chan struct{}),
	}
}

// AddJob registers fn under name. Jobs added after Start are scheduled
// immediately.
func (s *Service) AddJob(name string, schedule Schedule, fn JobFunc) (*Job, error) {
	if fn == nil {
		return nil, fmt.Errorf("job %s: nil func", name)
	}
	if err := validate(schedule); err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.jobs {
		if e.job.Name == name {
			return nil, fmt.Errorf("job %s already exists", name)
		}
	}
	e := &entry{job: Job{Name: name, Schedule: schedule}, fn: fn}
	s.jobs = append(s.jobs, e)
	if s.cron != nil {
		if err := s.registerJob(e); err != nil {
			s.jobs = s.jobs[:len(s.jobs)-1]
			return nil, err
		}
	}
	job := e.job
	return &job, nil
}

func validate(schedule Schedule) error {
	switch schedule.Kind {
	case KindEvery:
		if schedule.Every < time.Second {
			return fmt.Errorf("interval %v is below one second", schedule.Every)
		}
	case KindCron:
		if _, err := parser.Parse(schedule.Expr); err != nil {
			return fmt.Errorf("parse %q: %w", schedule.Expr, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil || s.stopped {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron service already started")
	}
	s.cancel = cancel
	s.stopCh = stopCh
	s.jobCtx = context.WithoutCancel(ctx)
	s.cron = rcron.New(rcron.WithParser(parser), rcron.WithLogger(rcron.PrintfLogger(log.Default())))
	for _, e := range s.jobs {
		if err := s.registerJob(e); err != nil {
			log.Printf("[cron] failed to register job %s: %v", e.job.Name, err)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-runCtx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

func (s *Service) registerJob(e *entry) error {
	name := e.job.Name
	job := s.chain.Then(rcron.FuncJob(func() { s.executeJob(name) }))

	var (
		id  rcron.EntryID
		err error
	)
	switch e.job.Schedule.Kind {
	case KindEvery:
		id = s.cron.Schedule(rcron.Every(e.job.Schedule.Every), job)
	case KindCron:
		id, err = s.cron.AddJob(e.job.Schedule.Expr, job)
	}
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	e.entryID = id
	return nil
}

// RunNow triggers a run of the named job outside its schedule, subject to
// the same no-overlap guard. It reports false for unknown jobs or a
// stopped service.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.find(name) == nil {
		return false
	}
	go s.executeJob(name)
	return true
}

func (s *Service) find(name string) *entry {
	for _, e := range s.jobs {
		if e.job.Name == name {
			return e
		}
	}
	return nil
}

func (s *Service) executeJob(name string) {
	s.mu.Lock()
	e := s.find(name)
	if e == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	if e.job.State.Running {
		e.job.State.Skipped++
		s.mu.Unlock()
		log.Printf("[cron] skip %s: previous run still in flight", name)
		return
	}
	e.job.State.Running = true
	s.running.Add(1)
	fn, ctx := e.fn, s.jobCtx
	s.mu.Unlock()

	defer s.running.Done()

	started := time.Now()
	err := runGuarded(ctx, fn)
	elapsed := time.Since(started)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &e.job.State
	st.Running = false
	st.LastRunAt = started
	st.LastElapsed = elapsed
	st.Runs++
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
		return
	}
	st.LastStatus = "ok"
	st.LastError = ""
}

func runGuarded(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stop halts scheduling and waits for in-flight runs to finish. Concurrent
// callers all block until the first one completes.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWarnAfter):
		log.Printf("[cron] still waiting for running jobs")
		<-done
	}
	close(s.done)
	log.Printf("[cron] stopped")
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	for i, e := range s.jobs {
		result[i] = e.job
	}
	return result
}
