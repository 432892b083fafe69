// Package postproc runs background work after assistant turns are persisted:
// rolling conversation summaries and structured memory extraction. Jobs run
// on a bounded pool so generation latency is never affected.
package postproc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/thebtf/relay/pkg/models"
)

// Trigger thresholds, evaluated against the session message count at the
// moment the assistant turn landed.
const (
	summaryMinCount  = 4
	summaryInterval  = 5
	summaryMessages  = 20
	memoryMinCount   = 10
	memoryInterval   = 10
	memoryMessages   = 10
	maxMemoryEntries = 3

	jobTimeout = 2 * time.Minute
)

// Store is the persistence surface post-processing reads and writes.
type Store interface {
	GetSessionByPublicID(ctx context.Context, publicID string) (*models.ChatSession, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	RecentMessages(ctx context.Context, sessionPublicID string, n int) ([]*models.ChatMessage, error)
	UpsertSummary(ctx context.Context, sessionID, projectID int64, summary string, messageCount int64) error
	InsertEntryDedup(ctx context.Context, entry *models.MemoryEntry) (bool, error)
}

// Scheduler dispatches post-processing jobs onto a bounded worker pool.
type Scheduler struct {
	store Store
	gen   Generator
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	summariesWritten metric.Int64Counter
	entriesStored    metric.Int64Counter
	entriesRejected  metric.Int64Counter
	jobsDropped      metric.Int64Counter
}

// New creates a Scheduler with the given pool size.
func New(store Store, gen Generator, workers int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	meter := otel.Meter("relay/postproc")
	summaries, _ := meter.Int64Counter("relay.postproc.summaries")
	stored, _ := meter.Int64Counter("relay.postproc.entries_stored")
	rejected, _ := meter.Int64Counter("relay.postproc.entries_rejected")
	dropped, _ := meter.Int64Counter("relay.postproc.jobs_dropped")

	return &Scheduler{
		store:            store,
		gen:              gen,
		sem:              semaphore.NewWeighted(int64(workers)),
		summariesWritten: summaries,
		entriesStored:    stored,
		entriesRejected:  rejected,
		jobsDropped:      dropped,
	}
}

// MessageStored is called after an assistant turn is persisted. It evaluates
// the trigger rules and schedules whatever applies. Never blocks the caller.
func (s *Scheduler) MessageStored(sessionPublicID string, count int64) {
	summarize := count >= summaryMinCount && count%summaryInterval == 0
	extract := count >= memoryMinCount && count%memoryInterval == 0
	if !summarize && !extract {
		return
	}

	if summarize {
		s.schedule("summarize", sessionPublicID, count, s.summarizeJob)
	}
	if extract {
		s.schedule("memory", sessionPublicID, count, s.memoryJob)
	}
}

func (s *Scheduler) schedule(kind, sessionPublicID string, count int64, job func(ctx context.Context, sessionPublicID string, count int64) error) {
	if !s.sem.TryAcquire(1) {
		s.jobsDropped.Add(context.Background(), 1)
		log.Warn().
			Str("kind", kind).
			Str("sessionId", sessionPublicID).
			Msg("Post-processing pool saturated, dropping job")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx, sessionPublicID, count); err != nil {
			log.Error().
				Err(err).
				Str("kind", kind).
				Str("sessionId", sessionPublicID).
				Msg("Post-processing job failed")
			return
		}
		log.Debug().
			Str("kind", kind).
			Str("sessionId", sessionPublicID).
			Dur("elapsed", time.Since(start)).
			Msg("Post-processing job finished")
	}()
}

// Shutdown waits for in-flight jobs, up to the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
