package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tinyclaw/internal/intercom"
	"tinyclaw/internal/storage"
)

// TaskFunc executes one delegated task. It should honor ctx cancellation and
// return the result text for delivery back to the owner.
type TaskFunc func(ctx context.Context) (string, error)

// TaskSpec describes one background task.
type TaskSpec struct {
	UserID      string
	AgentID     string
	Description string
	Timeout     time.Duration
	Run         TaskFunc
}

// Runner executes delegated tasks off the conversational turn. Each task gets
// a persisted row before its goroutine starts, so restarts can account for
// work that never finished.
type Runner struct {
	db     *storage.DB
	bus    *intercom.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner wires a Runner over db, publishing completions on bus.
func NewRunner(db *storage.DB, bus *intercom.Bus, logger zerolog.Logger) *Runner {
	return &Runner{
		db:      db,
		bus:     bus,
		logger:  logger.With().Str("component", "bgrunner").Logger(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start persists the task as running and spawns its execution, returning the
// task ID before the work completes.
func (r *Runner) Start(spec TaskSpec) (string, error) {
	if spec.Run == nil {
		return "", fmt.Errorf("background task needs a run func")
	}
	taskID := uuid.NewString()
	if _, err := r.db.CreateBackgroundTask(taskID, spec.UserID, spec.AgentID, spec.Description); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	r.mu.Lock()
	r.cancels[taskID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, cancel, taskID, spec)

	r.logger.Info().Str("task", taskID).Str("agent", spec.AgentID).Msg("background task started")
	return taskID, nil
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, taskID string, spec TaskSpec) {
	defer r.wg.Done()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, taskID)
		r.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("task", taskID).Msg("background task panicked")
			r.finish(taskID, spec, storage.TaskFailed, "", fmt.Sprintf("internal error: %v", rec))
		}
	}()

	result, err := spec.Run(ctx)
	if err != nil {
		r.finish(taskID, spec, storage.TaskFailed, "", err.Error())
		return
	}
	r.finish(taskID, spec, storage.TaskCompleted, result, "")
}

// finish writes the terminal status and publishes the matching intercom
// event. The write is guarded on status=running, so a task canceled and timed
// out at once still finishes exactly once.
func (r *Runner) finish(taskID string, spec TaskSpec, status, result, errMsg string) {
	wrote, err := r.db.FinishBackgroundTask(taskID, status, result, errMsg)
	if err != nil {
		r.logger.Error().Err(err).Str("task", taskID).Msg("background task finish not recorded")
		return
	}
	if !wrote {
		return
	}
	topic := intercom.TopicTaskCompleted
	if status == storage.TaskFailed {
		topic = intercom.TopicTaskFailed
	}
	r.bus.Publish(topic, intercom.TaskPayload{
		TaskID:      taskID,
		UserID:      spec.UserID,
		Description: spec.Description,
	})
}

// Cancel aborts one in-flight task. Reports whether a task was found.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight task, best effort.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Wait blocks until all in-flight tasks have reached a terminal status.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Undelivered returns terminal tasks whose results the owner has not seen.
func (r *Runner) Undelivered(userID string) ([]*storage.BackgroundTask, error) {
	return r.db.UndeliveredTasks(userID)
}

// MarkDelivered stamps a task result as seen. Reports whether this call won
// the stamp, so results inject into exactly one turn.
func (r *Runner) MarkDelivered(taskID string) (bool, error) {
	return r.db.MarkTaskDelivered(taskID)
}

// CleanupStale fails running tasks older than threshold. Covers rows orphaned
// by a crash, where no goroutine remains to finish them.
func (r *Runner) CleanupStale(threshold time.Duration) (int, error) {
	stale, err := r.db.RunningTasksOlderThan(time.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, t := range stale {
		wrote, err := r.db.FinishBackgroundTask(t.TaskID, storage.TaskFailed, "", "task timed out and was abandoned")
		if err != nil {
			return failed, err
		}
		if !wrote {
			continue
		}
		failed++
		r.bus.Publish(intercom.TopicTaskFailed, intercom.TaskPayload{
			TaskID:      t.TaskID,
			UserID:      t.UserID,
			Description: t.Description,
		})
	}
	if failed > 0 {
		r.logger.Warn().Int("count", failed).Msg("stale background tasks failed")
	}
	return failed, nil
}
