package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// memJobStore is an in-memory jobStore that mimics the real repo's sticky
// terminal statuses.
type memJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	progress map[string][]int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*models.Job{}, progress: map[string][]int{}}
}

func (s *memJobStore) Create(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = time.Now().UTC()
	copied := *j
	s.jobs[j.ID] = &copied
	return nil
}

func (s *memJobStore) UpdateProgress(_ context.Context, id string, pct int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	j.ProgressPct = pct
	j.ProgressMessage = message
	s.progress[id] = append(s.progress[id], pct)
	return nil
}

func (s *memJobStore) Transition(_ context.Context, update *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[update.ID]
	if !ok {
		return fmt.Errorf("job %s not found", update.ID)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = update.Status
	j.Result = update.Result
	j.Error = update.Error
	if update.StartedAt != nil {
		j.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		j.FinishedAt = update.FinishedAt
	}
	return nil
}

func (s *memJobStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *j
	return &copied, nil
}

func (s *memJobStore) status(id string) models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func waitForTerminal(t *testing.T, store *memJobStore, id string) models.JobStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status", id)
		case <-time.After(10 * time.Millisecond):
			if status := store.status(id); status.Terminal() {
				return status
			}
		}
	}
}

func testRunner(store *memJobStore) (*Runner, context.CancelFunc) {
	r := NewRunner(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 2)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	return r, cancel
}

func TestRunnerExecutesHandlerToCompletion(t *testing.T) {
	store := newMemJobStore()
	r, cancel := testRunner(store)
	defer cancel()

	r.RegisterHandler("greet", HandlerFunc(func(_ context.Context, _ string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
		progress(50, "halfway")
		name, _ := payload["name"].(string)
		return map[string]any{"greeting": "hello " + name}, nil
	}))

	j, err := r.Enqueue(context.Background(), "greet", map[string]any{"name": "sam"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if status := waitForTerminal(t, store, j.ID); status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	got, _ := store.Get(context.Background(), j.ID)
	if got.Result["greeting"] != "hello sam" {
		t.Errorf("result not persisted: %v", got.Result)
	}
}

func TestRunnerRejectsUnknownJobType(t *testing.T) {
	store := newMemJobStore()
	r, cancel := testRunner(store)
	defer cancel()

	if _, err := r.Enqueue(context.Background(), "mystery", nil); err == nil {
		t.Fatal("expected error for unregistered job type")
	}
}

func TestRunnerProgressIsMonotonic(t *testing.T) {
	store := newMemJobStore()
	r, cancel := testRunner(store)
	defer cancel()

	r.RegisterHandler("wobble", HandlerFunc(func(_ context.Context, _ string, _ map[string]any, progress ProgressFunc) (map[string]any, error) {
		progress(50, "up")
		progress(30, "down is ignored")
		progress(80, "up again")
		progress(200, "clamped")
		return nil, nil
	}))

	j, _ := r.Enqueue(context.Background(), "wobble", nil)
	waitForTerminal(t, store, j.ID)

	store.mu.Lock()
	recorded := store.progress[j.ID]
	store.mu.Unlock()
	prev := -1
	for _, pct := range recorded {
		if pct < prev {
			t.Fatalf("progress decreased: %v", recorded)
		}
		if pct > 100 {
			t.Fatalf("progress exceeded 100: %v", recorded)
		}
		prev = pct
	}
}

func TestRunnerHandlerPanicRecordsFailed(t *testing.T) {
	store := newMemJobStore()
	r, cancel := testRunner(store)
	defer cancel()

	r.RegisterHandler("explode", HandlerFunc(func(context.Context, string, map[string]any, ProgressFunc) (map[string]any, error) {
		panic("boom")
	}))

	j, _ := r.Enqueue(context.Background(), "explode", nil)
	if status := waitForTerminal(t, store, j.ID); status != models.JobFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	got, _ := store.Get(context.Background(), j.ID)
	if got.Error == "" {
		t.Errorf("panic message not recorded")
	}
}

func TestRunnerTerminalStatusIsSticky(t *testing.T) {
	store := newMemJobStore()
	r, cancel := testRunner(store)
	defer cancel()

	release := make(chan struct{})
	r.RegisterHandler("slow", HandlerFunc(func(ctx context.Context, _ string, _ map[string]any, progress ProgressFunc) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		progress(99, "late update after cancel")
		return map[string]any{"done": true}, nil
	}))

	j, _ := r.Enqueue(context.Background(), "slow", nil)

	// Let the worker claim the job, then cancel it mid-run.
	time.Sleep(50 * time.Millisecond)
	if err := r.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	if status := waitForTerminal(t, store, j.ID); status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	// Give the handler time to attempt its late progress write.
	time.Sleep(50 * time.Millisecond)
	got, _ := store.Get(context.Background(), j.ID)
	if got.Status != models.JobCancelled {
		t.Errorf("terminal status overwritten: %s", got.Status)
	}
	if got.ProgressPct == 99 {
		t.Errorf("late progress update should have been dropped")
	}
}
