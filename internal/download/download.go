// Package download fetches message attachments under a bounded worker
// pool and files the payloads into the archive by category. A failed
// attachment never blocks its siblings or the owning message's
// ingestion.
package download

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/resilience"
)

// Transport is the slice of the provider API the downloader consumes.
type Transport interface {
	FileURL(ctx context.Context, fileID string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store receives downloaded payloads and terminal failures.
type Store interface {
	SaveAttachmentPayload(ctx context.Context, att *archive.Attachment, payload []byte) (string, error)
	MarkAttachmentFailed(ctx context.Context, att *archive.Attachment) error
}

// Orchestrator schedules attachment downloads. Enqueue always returns
// immediately: items wait for a worker slot off the caller's goroutine,
// so a saturated pool never stalls the poll loop. Drain blocks until
// all enqueued work settles.
type Orchestrator struct {
	ctx       context.Context
	transport Transport
	store     Store
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	logger    *slog.Logger

	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	succeeded atomic.Int64
	failed    atomic.Int64
}

// New creates an orchestrator whose workers inherit ctx. limiter is the
// provider-facing rate budget shared with the bulk executor; nil means
// unlimited.
func New(ctx context.Context, transport Transport, store Store, concurrency int, limiter *rate.Limiter, retry resilience.RetryConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Orchestrator{
		ctx:       ctx,
		transport: transport,
		store:     store,
		limiter:   limiter,
		retry:     retry,
		logger:    logger.With("component", "download"),
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// Enqueue schedules every pending attachment of msg for download and
// returns without waiting for a worker slot.
func (o *Orchestrator) Enqueue(msg *archive.Message) {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.Status != archive.AttachmentPending {
			continue
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.sem.Acquire(o.ctx, 1); err != nil {
				o.abandon(att, err)
				return
			}
			defer o.sem.Release(1)
			o.fetchOne(o.ctx, att)
		}()
	}
}

// Drain waits for all scheduled downloads and returns the cumulative
// succeeded and failed counts.
func (o *Orchestrator) Drain() (succeeded, failed int64) {
	o.wg.Wait()
	return o.succeeded.Load(), o.failed.Load()
}

func (o *Orchestrator) fetchOne(ctx context.Context, att *archive.Attachment) {
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		url, err := o.transport.FileURL(ctx, att.FileID)
		if err != nil {
			return err
		}

		payload, err := o.transport.Fetch(ctx, url)
		if err != nil {
			return err
		}

		_, err = o.store.SaveAttachmentPayload(ctx, att, payload)
		return err
	}, o.retry)

	if err != nil {
		o.abandon(att, err)
		return
	}

	o.succeeded.Add(1)
	o.logger.Debug("Attachment stored",
		"message_id", att.MessageID, "idx", att.Idx, "category", att.Category, "path", att.LocalPath)
}

// abandon records a terminal failure for an attachment that was never
// stored, whether the fetch failed or shutdown arrived before a worker
// slot opened.
func (o *Orchestrator) abandon(att *archive.Attachment, err error) {
	o.failed.Add(1)
	o.logger.Warn("Attachment download failed",
		"message_id", att.MessageID, "idx", att.Idx, "file_id", att.FileID, "error", err)
	if markErr := o.store.MarkAttachmentFailed(context.Background(), att); markErr != nil {
		o.logger.Error("Failed to record attachment failure",
			"message_id", att.MessageID, "idx", att.Idx, "error", markErr)
	}
}
