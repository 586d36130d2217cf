// Package jobs is the generic background-job substrate: a worker pool that
// executes registered handlers by job type and persists progress as it
// goes. Indexing, process discovery, and source sync all run here.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flydesk/flydesk/internal/models"
)

// ProgressFunc reports handler progress. Safe to call any number of times
// from within Execute; decreases are ignored by the runner.
type ProgressFunc func(pct int, message string)

// Handler executes one job type.
type Handler interface {
	Execute(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error)

// Execute calls the function.
func (f HandlerFunc) Execute(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
	return f(ctx, jobID, payload, progress)
}

// jobStore is the subset of store.JobRepo the runner needs.
type jobStore interface {
	Create(ctx context.Context, j *models.Job) error
	UpdateProgress(ctx context.Context, id string, pct int, message string) error
	Transition(ctx context.Context, j *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Runner owns the handler registry and worker pool. Each job has a single
// writer: the worker goroutine that claimed it.
type Runner struct {
	store    jobStore
	log      *slog.Logger
	handlers map[string]Handler
	queue    chan string
	workers  int
	wg       sync.WaitGroup

	mu        sync.Mutex
	cancelled map[string]context.CancelFunc
}

// NewRunner constructs a Runner with the given worker count (minimum 1).
func NewRunner(store jobStore, log *slog.Logger, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		store:     store,
		log:       log,
		handlers:  make(map[string]Handler),
		queue:     make(chan string, 64),
		workers:   workers,
		cancelled: make(map[string]context.CancelFunc),
	}
}

// RegisterHandler installs a handler for one job type. Call during startup.
func (r *Runner) RegisterHandler(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// Start launches the worker pool. Workers exit when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() { r.wg.Wait() }

// Enqueue persists a pending job and hands it to the pool. Fails fast on
// unregistered job types.
func (r *Runner) Enqueue(ctx context.Context, jobType string, payload map[string]any) (*models.Job, error) {
	if _, ok := r.handlers[jobType]; !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	j := &models.Job{Type: jobType, Status: models.JobPending, Payload: payload}
	if err := r.store.Create(ctx, j); err != nil {
		return nil, err
	}
	select {
	case r.queue <- j.ID:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return j, nil
}

// Cancel marks a job cancelled and interrupts its handler if running.
// Terminal jobs are unaffected.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	cancel := r.cancelled[jobID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	now := time.Now().UTC()
	return r.store.Transition(ctx, &models.Job{ID: jobID, Status: models.JobCancelled, FinishedAt: &now})
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.queue:
			r.runOne(ctx, jobID)
		}
	}
}

func (r *Runner) runOne(ctx context.Context, jobID string) {
	j, err := r.store.Get(ctx, jobID)
	if err != nil || j == nil {
		r.log.Warn("job vanished before run", "job", jobID, "error", err)
		return
	}
	if j.Status.Terminal() {
		return
	}
	handler, ok := r.handlers[j.Type]
	if !ok {
		r.finish(ctx, jobID, nil, fmt.Errorf("no handler for type %q", j.Type))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelled[jobID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancelled, jobID)
		r.mu.Unlock()
	}()

	now := time.Now().UTC()
	if err := r.store.Transition(ctx, &models.Job{ID: jobID, Status: models.JobRunning, StartedAt: &now}); err != nil {
		r.log.Error("job start transition", "job", jobID, "error", err)
		return
	}

	// Monotonic progress: decreases and post-terminal updates are dropped
	// here; the store additionally refuses writes on terminal rows.
	var lastPct int
	var progressMu sync.Mutex
	progress := func(pct int, message string) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if jobCtx.Err() != nil {
			return
		}
		if pct < lastPct {
			return
		}
		if pct > 100 {
			pct = 100
		}
		lastPct = pct
		if err := r.store.UpdateProgress(jobCtx, jobID, pct, message); err != nil {
			r.log.Warn("job progress write", "job", jobID, "error", err)
		}
	}

	result, err := r.execute(jobCtx, handler, jobID, j.Payload, progress)
	if jobCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled via Cancel(): the terminal row is already written.
		return
	}
	r.finish(ctx, jobID, result, err)
}

// execute runs the handler, converting panics into errors so one bad
// handler never takes down the pool.
func (r *Runner) execute(ctx context.Context, handler Handler, jobID string, payload map[string]any, progress ProgressFunc) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler.Execute(ctx, jobID, payload, progress)
}

func (r *Runner) finish(ctx context.Context, jobID string, result map[string]any, err error) {
	now := time.Now().UTC()
	j := &models.Job{ID: jobID, FinishedAt: &now}
	if err != nil {
		j.Status = models.JobFailed
		j.Error = err.Error()
	} else {
		j.Status = models.JobCompleted
		j.Result = result
	}
	if terr := r.store.Transition(ctx, j); terr != nil {
		r.log.Error("job finish transition", "job", jobID, "error", terr)
	}
}
