// Package audit provides append-only structured audit logging. Events are
// buffered and written asynchronously: a slow database never stalls the
// turn that produced the event. Rows are never mutated after write;
// retention is by time-based purge only.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flydesk/flydesk/internal/models"
)

// recorder is the persistence half of the logger (store.AuditRepo).
type recorder interface {
	Record(ctx context.Context, e *models.AuditEvent) error
	PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Logger buffers audit events and flushes them to the repository from a
// single background goroutine.
type Logger struct {
	repo   recorder
	log    *slog.Logger
	buffer chan *models.AuditEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// defaultBufferSize bounds the in-flight event queue. When full, Record
// falls back to a synchronous write rather than dropping the event.
const defaultBufferSize = 256

// NewLogger starts the flush goroutine and returns the logger. Close must
// be called to drain the buffer on shutdown.
func NewLogger(repo recorder, log *slog.Logger) *Logger {
	l := &Logger{
		repo:   repo,
		log:    log,
		buffer: make(chan *models.AuditEvent, defaultBufferSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Record enqueues one event. The event's timestamp is stamped here if the
// caller left it zero.
func (l *Logger) Record(ctx context.Context, e *models.AuditEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case l.buffer <- e:
	default:
		// Buffer full: write inline so nothing is lost.
		l.persist(ctx, e)
	}
}

// ToolCall records the start of one tool invocation.
func (l *Logger) ToolCall(ctx context.Context, userID, conversationID, toolName string, args map[string]any, risk models.RiskLevel) {
	l.Record(ctx, &models.AuditEvent{
		Type:           models.AuditToolCall,
		UserID:         userID,
		ConversationID: conversationID,
		Action:         toolName,
		Detail:         map[string]any{"args": args},
		RiskLevel:      risk,
	})
}

// ToolResult records the outcome of one tool invocation.
func (l *Logger) ToolResult(ctx context.Context, userID, conversationID, toolName string, success bool, errMsg string) {
	detail := map[string]any{"success": success}
	if errMsg != "" {
		detail["error"] = errMsg
	}
	l.Record(ctx, &models.AuditEvent{
		Type:           models.AuditToolResult,
		UserID:         userID,
		ConversationID: conversationID,
		Action:         toolName,
		Detail:         detail,
	})
}

// Close stops the flush loop after draining buffered events.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.buffer:
			l.persist(context.Background(), e)
		case <-l.done:
			for {
				select {
				case e := <-l.buffer:
					l.persist(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) persist(ctx context.Context, e *models.AuditEvent) {
	if err := l.repo.Record(ctx, e); err != nil {
		l.log.Error("audit write failed", "type", e.Type, "action", e.Action, "error", err)
	}
}

// defaultPurgeSchedule runs the purge nightly during the quiet window.
const defaultPurgeSchedule = "0 3 * * *"

// RetentionPurger deletes audit rows older than the configured horizon on a
// cron schedule.
type RetentionPurger struct {
	repo          recorder
	log           *slog.Logger
	retentionDays int
	schedule      cron.Schedule
}

// NewRetentionPurger constructs a purger on the default nightly schedule.
// retentionDays <= 0 disables it.
func NewRetentionPurger(repo recorder, log *slog.Logger, retentionDays int) *RetentionPurger {
	schedule, err := cron.ParseStandard(defaultPurgeSchedule)
	if err != nil {
		panic("audit: bad purge schedule: " + err.Error())
	}
	return &RetentionPurger{
		repo:          repo,
		log:           log,
		retentionDays: retentionDays,
		schedule:      schedule,
	}
}

// Run blocks until ctx is done, purging at each scheduled time. Transient
// errors are logged and retried on the next run.
func (p *RetentionPurger) Run(ctx context.Context) {
	if p.retentionDays <= 0 {
		return
	}
	for {
		next := p.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			n, err := p.repo.PurgeOlderThan(ctx, p.retentionDays)
			if err != nil {
				p.log.Warn("audit purge failed", "error", err)
				continue
			}
			if n > 0 {
				p.log.Info("audit purge", "deleted", n, "retention_days", p.retentionDays)
			}
		}
	}
}
