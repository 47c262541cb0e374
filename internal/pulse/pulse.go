// Package pulse drives the runtime's periodic background jobs. Jobs declare
// a coarse interval ("5m", "1h", "1d"); dispatch adds a little jitter so a
// restart does not fire everything at once.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("pulse: already running")
	// ErrDuplicateJob is returned when a job id is registered twice.
	ErrDuplicateJob = errors.New("pulse: duplicate job id")
)

const maxJitterFraction = 0.1

var scheduleRe = regexp.MustCompile(`^(\d+)([mhd])$`)

// ParseSchedule converts "<N><m|h|d>" into a duration.
func ParseSchedule(s string) (time.Duration, error) {
	m := scheduleRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("pulse: bad schedule %q (want e.g. 10m, 6h, 1d)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("pulse: bad schedule %q", s)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// Job is one periodic task.
type Job struct {
	ID         string
	Schedule   string // "<N><m|h|d>"
	RunOnStart bool
	Handler    func(ctx context.Context) error
}

// Scheduler dispatches registered jobs on their intervals. Handler errors and
// panics are logged and contained; overlapping dispatches of the same job are
// suppressed.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	running bool

	executing sync.Map // job id -> struct{}
	wg        sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}

	jitter func(time.Duration) time.Duration
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]Job),
		jitter: func(interval time.Duration) time.Duration {
			max := int64(float64(interval) * maxJitterFraction)
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(max))
		},
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if _, err := ParseSchedule(job.Schedule); err != nil {
		return err
	}
	if job.Handler == nil {
		return fmt.Errorf("pulse: job %s has no handler", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if _, dup := s.jobs[job.ID]; dup {
		return ErrDuplicateJob
	}
	s.jobs[job.ID] = job
	return nil
}

// Start schedules every registered job and fires RunOnStart jobs immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})

	for id, job := range s.jobs {
		interval, _ := ParseSchedule(job.Schedule)
		job := job
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			s.dispatch(job, true)
		}); err != nil {
			return fmt.Errorf("pulse: schedule %s: %w", id, err)
		}
		if job.RunOnStart {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatch(job, false)
			}()
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("pulse started", "jobs", len(s.jobs))
	return nil
}

// dispatch runs one job invocation, with jitter on scheduled fires.
func (s *Scheduler) dispatch(job Job, jittered bool) {
	if _, busy := s.executing.LoadOrStore(job.ID, struct{}{}); busy {
		s.logger.Debug("pulse job still running, skipping", "job", job.ID)
		return
	}
	defer s.executing.Delete(job.ID)

	if jittered {
		interval, _ := ParseSchedule(job.Schedule)
		delay := s.jitter(interval)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pulse job panicked", "job", job.ID, "panic", r)
		}
	}()

	start := time.Now()
	if err := job.Handler(s.baseCtx); err != nil {
		s.logger.Warn("pulse job failed", "job", job.ID, "error", err, "elapsed", time.Since(start))
		return
	}
	s.logger.Debug("pulse job done", "job", job.ID, "elapsed", time.Since(start))
}

// Stop halts new dispatches and waits for in-flight handlers to finish.
// Handlers already running keep an uncancelled context; only their jitter
// waits are cut short.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.cancel()
	s.logger.Info("pulse stopped")
}

// Jobs returns the registered job ids.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}
