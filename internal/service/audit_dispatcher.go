package service

import (
	"context"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
	"github.com/noah-isme/token-lifecycle-api/pkg/jobs"
)

// AsyncAuditLogger hands audit entries to a worker pool so request latency does not include
// the audit insert. Entries are written with their own context since the request one is
// usually cancelled by the time a worker picks them up.
type AsyncAuditLogger struct {
	queue *jobs.Queue[*models.AuditLog]
}

// NewAsyncAuditLogger wraps sink with a queue configured by cfg.
func NewAsyncAuditLogger(sink AuditLogger, cfg jobs.QueueConfig) *AsyncAuditLogger {
	return &AsyncAuditLogger{
		queue: jobs.NewQueue("audit", func(ctx context.Context, entry *models.AuditLog) error {
			return sink.CreateAuditLog(ctx, entry)
		}, cfg),
	}
}

// Start launches the audit workers.
func (a *AsyncAuditLogger) Start() { a.queue.Start() }

// Stop flushes buffered entries and stops the workers.
func (a *AsyncAuditLogger) Stop() { a.queue.Stop() }

// CreateAuditLog enqueues the entry. It fails only when the queue is full or stopped.
func (a *AsyncAuditLogger) CreateAuditLog(_ context.Context, entry *models.AuditLog) error {
	return a.queue.Submit(entry)
}
