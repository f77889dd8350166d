// Package scheduler runs the background jobs of a trajcache service on cron
// schedules: the analysis pipeline, compaction, and integrity sweeps.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/utils"
)

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job
type JobStatus struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next,omitempty"`
}

// Config represents scheduler configuration
type Config struct {
	// StopTimeout bounds how long Stop waits for running jobs
	StopTimeout time.Duration           `yaml:"stop_timeout"`
	Clock       func() time.Time        `yaml:"-"`
	Logger      *utils.StructuredLogger `yaml:"-"`
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entry   rcron.EntryID
	running int32

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns a cron instance and the jobs registered on it
type Scheduler struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	parser rcron.Parser
	config Config
	logger *utils.StructuredLogger
	jobs   map[string]*job

	ctx     context.Context
	cancel  context.CancelFunc
	running int32
}

// New creates a stopped scheduler
func New(config Config) *Scheduler {
	if config.StopTimeout <= 0 {
		config.StopTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("scheduler")
	} else {
		logger = logger.WithComponent("scheduler")
	}

	parser := rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
	adapter := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithLogger(adapter),
			rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
		),
		parser: parser,
		config: config,
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers fn under name. spec is a cron expression (seconds optional),
// a descriptor such as "@hourly", or a Go duration such as "30s" meaning a fixed
// interval. Intervals are rounded to whole seconds.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "job needs a name and a function").
			WithComponent("scheduler").
			WithOperation("add_job")
	}

	schedule, err := s.parse(spec)
	if err != nil {
		return errors.Newf(errors.ErrCodeInvalidConfig, "invalid schedule %q for job %s", spec, name).
			WithComponent("scheduler").
			WithOperation("add_job").
			WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errors.Newf(errors.ErrCodeInvalidArgument, "job %s already registered", name).
			WithComponent("scheduler").
			WithOperation("add_job")
	}

	j := &job{name: name, spec: spec, fn: fn}
	j.status = JobStatus{Name: name, Spec: spec}
	j.entry = s.cron.Schedule(schedule, rcron.FuncJob(func() {
		_ = s.run(j)
	}))
	s.jobs[name] = j

	s.logger.Debug("Job registered", map[string]interface{}{
		"job":  name,
		"spec": spec,
	})
	return nil
}

func (s *Scheduler) parse(spec string) (rcron.Schedule, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		return rcron.Every(d), nil
	}
	return s.parser.Parse(spec)
}

// RemoveJob unregisters a job. It reports whether the job existed.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// RunNow runs a job immediately on the caller's goroutine. A job that is
// already running is not started twice.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "job %s not registered", name).
			WithComponent("scheduler").
			WithOperation("run_now")
	}
	return s.run(j)
}

func (s *Scheduler) run(j *job) error {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		j.mu.Lock()
		j.status.Skipped++
		j.mu.Unlock()
		return errors.Newf(errors.ErrCodeAlreadyInProgress, "job %s is already running", j.name).
			WithComponent("scheduler").
			WithOperation(j.name)
	}
	defer atomic.StoreInt32(&j.running, 0)

	start := s.config.Clock()
	err := j.fn(s.ctx)
	elapsed := s.config.Clock().Sub(start)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRun = start
	j.status.LastDuration = elapsed
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	} else {
		j.status.LastError = ""
	}
	j.mu.Unlock()

	if err != nil {
		s.logger.Warn("Job failed", map[string]interface{}{
			"job":      j.name,
			"duration": elapsed.String(),
			"error":    err.Error(),
		})
		return err
	}
	s.logger.Debug("Job completed", map[string]interface{}{
		"job":      j.name,
		"duration": elapsed.String(),
	})
	return nil
}

// Status returns the status of every job, sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		st.Next = s.cron.Entry(j.entry).Next
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start begins firing jobs on their schedules
func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("scheduler already started")
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", map[string]interface{}{"jobs": len(s.Status())})
	return nil
}

// Stop stops firing jobs, cancels the context handed to running jobs and
// waits for them up to StopTimeout. It is safe to call more than once.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 2) {
		s.cancel()
		return
	}

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
	case <-time.After(s.config.StopTimeout):
		s.logger.Warn("Timed out waiting for running jobs", map[string]interface{}{
			"timeout": s.config.StopTimeout.String(),
		})
	}
	s.logger.Info("Scheduler stopped")
}

// cronLogger routes robfig/cron's logging into the structured logger
type cronLogger struct {
	logger *utils.StructuredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace(msg, fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := fields(keysAndValues)
	f["error"] = err.Error()
	l.logger.Error(msg, f)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	f := make(map[string]interface{}, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
