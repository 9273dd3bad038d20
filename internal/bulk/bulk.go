// Package bulk executes mass delete and controlled flood jobs against
// the target chat. Both share one concurrency, rate-limit, and outcome
// accounting skeleton; every input item ends with exactly one recorded
// outcome.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/caps"
	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/resilience"
)

// Kind is the bulk operation variant.
type Kind string

const (
	KindDelete Kind = "delete"
	KindFlood  Kind = "flood"
)

// Status is a job's terminal (or running) state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Per-item outcomes.
const (
	OutcomeDeleted          = "deleted"
	OutcomeSent             = "sent"
	OutcomeFailed           = "failed"
	OutcomeSkippedExpired   = "skipped_expired"
	OutcomePermissionDenied = "permission_denied"
	OutcomeCancelled        = "cancelled"
)

// ItemOutcome is one item's result within a job.
type ItemOutcome struct {
	ItemID  int
	Outcome string
	Detail  string
}

// Job tracks one bulk invocation. Owned by the executor for its
// lifetime; the outcome log is what persists.
type Job struct {
	ID       string
	Kind     Kind
	Status   Status
	Outcomes []ItemOutcome

	mu sync.Mutex
}

func newJob(kind Kind) *Job {
	return &Job{ID: uuid.NewString(), Kind: kind, Status: StatusPending}
}

func (j *Job) record(o ItemOutcome) {
	j.mu.Lock()
	j.Outcomes = append(j.Outcomes, o)
	j.mu.Unlock()
}

// Count returns how many items finished with the given outcome.
func (j *Job) Count(outcome string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, o := range j.Outcomes {
		if o.Outcome == outcome {
			n++
		}
	}
	return n
}

// finalize derives the job status from its outcomes.
func (j *Job) finalize(successOutcome string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	succeeded := 0
	for _, o := range j.Outcomes {
		if o.Outcome == successOutcome {
			succeeded++
		}
	}
	switch {
	case succeeded == len(j.Outcomes):
		j.Status = StatusCompleted
	case succeeded == 0 && len(j.Outcomes) > 0:
		j.Status = StatusFailed
	default:
		j.Status = StatusPartial
	}
}

// Transport is the slice of the provider API the executor consumes.
type Transport interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
}

// Store supplies message age checks and receives delete marks and the
// append-only outcome log.
type Store interface {
	GetMessage(ctx context.Context, chatID int64, messageID int) (*archive.Message, error)
	MarkDeleted(ctx context.Context, chatID int64, messageID int) error
	AppendJobOutcome(ctx context.Context, o *archive.JobOutcome) error
}

// Gate resolves capabilities at job start.
type Gate interface {
	Require(ctx context.Context, chatID int64, rights ...caps.Right) (caps.Capability, error)
}

// Config tunes the executor.
type Config struct {
	ChatID       int64
	Concurrency  int
	DeleteWindow time.Duration
	FloodDelay   time.Duration
	MaxRetries   int

	// Injectable clock and sleep for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs bulk jobs. Safe for sequential reuse; one job at a
// time per instance.
type Executor struct {
	transport Transport
	store     Store
	gate      Gate
	limiter   *rate.Limiter
	cfg       Config
	logger    *slog.Logger
}

// NewExecutor creates a bulk executor. limiter is the shared
// provider-facing rate budget; nil means unlimited.
func NewExecutor(transport Transport, store Store, gate Gate, limiter *rate.Limiter, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DeleteWindow <= 0 {
		cfg.DeleteWindow = 48 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Executor{
		transport: transport,
		store:     store,
		gate:      gate,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.With("component", "bulk"),
	}
}

// MassDelete deletes the given message ids under the bounded worker
// pool. Messages older than the delete window are skipped without a
// provider call. Cancellation is honored between items; already
// dispatched items run to completion.
func (e *Executor) MassDelete(ctx context.Context, ids []int) (*Job, error) {
	if _, err := e.gate.Require(ctx, e.cfg.ChatID, caps.RightDeleteMessages); err != nil {
		return nil, err
	}

	job := newJob(KindDelete)
	job.Status = StatusRunning
	e.logger.Info("Mass delete started", "job_id", job.ID, "items", len(ids))

	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))
	var wg sync.WaitGroup

	cancelled := false
	for _, id := range ids {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			e.finishItem(job, ItemOutcome{ItemID: id, Outcome: OutcomeCancelled})
			continue
		}

		// Age gate before any provider call.
		if msg, err := e.store.GetMessage(ctx, e.cfg.ChatID, id); err == nil && msg != nil {
			if !msg.Deletable(e.cfg.Now(), e.cfg.DeleteWindow) {
				e.finishItem(job, ItemOutcome{ItemID: id, Outcome: OutcomeSkippedExpired})
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			cancelled = true
			e.finishItem(job, ItemOutcome{ItemID: id, Outcome: OutcomeCancelled})
			continue
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer sem.Release(1)
			e.finishItem(job, e.deleteOne(ctx, id))
		}(id)
	}

	wg.Wait()
	job.finalize(OutcomeDeleted)
	e.logger.Info("Mass delete finished",
		"job_id", job.ID, "status", job.Status,
		"deleted", job.Count(OutcomeDeleted),
		"skipped_expired", job.Count(OutcomeSkippedExpired),
		"failed", job.Count(OutcomeFailed))
	return job, nil
}

func (e *Executor) deleteOne(ctx context.Context, id int) ItemOutcome {
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return e.transport.DeleteMessage(ctx, e.cfg.ChatID, id)
	}, e.retryConfig())

	switch {
	case err == nil:
		if markErr := e.store.MarkDeleted(ctx, e.cfg.ChatID, id); markErr != nil {
			e.logger.Warn("Deleted at provider but not marked locally", "message_id", id, "error", markErr)
		}
		return ItemOutcome{ItemID: id, Outcome: OutcomeDeleted}
	case errors.Is(err, errs.ErrExpired):
		return ItemOutcome{ItemID: id, Outcome: OutcomeSkippedExpired, Detail: err.Error()}
	case errors.Is(err, errs.ErrPermissionDenied):
		return ItemOutcome{ItemID: id, Outcome: OutcomePermissionDenied, Detail: err.Error()}
	default:
		return ItemOutcome{ItemID: id, Outcome: OutcomeFailed, Detail: err.Error()}
	}
}

// Flood sends count copies of template with the configured inter-send
// delay. A provider throttle raises the working delay for the rest of
// the job.
func (e *Executor) Flood(ctx context.Context, template string, count int) (*Job, error) {
	if _, err := e.gate.Require(ctx, e.cfg.ChatID, caps.RightSendMessages); err != nil {
		return nil, err
	}

	job := newJob(KindFlood)
	job.Status = StatusRunning
	e.logger.Info("Flood started", "job_id", job.ID, "count", count, "delay", e.cfg.FloodDelay)

	delay := e.cfg.FloodDelay
	for i := 1; i <= count; i++ {
		if ctx.Err() != nil {
			e.finishItem(job, ItemOutcome{ItemID: i, Outcome: OutcomeCancelled})
			continue
		}

		outcome, newDelay := e.sendOne(ctx, i, template, delay)
		delay = newDelay
		e.finishItem(job, outcome)

		if i < count && delay > 0 {
			if err := e.cfg.Sleep(ctx, delay); err != nil {
				// Remaining items are recorded as cancelled by the
				// ctx check at the top of the loop.
				continue
			}
		}
	}

	job.finalize(OutcomeSent)
	e.logger.Info("Flood finished",
		"job_id", job.ID, "status", job.Status,
		"sent", job.Count(OutcomeSent), "failed", job.Count(OutcomeFailed))
	return job, nil
}

// sendOne attempts one flood send, adapting the working delay when the
// provider throttles.
func (e *Executor) sendOne(ctx context.Context, item int, template string, delay time.Duration) (ItemOutcome, time.Duration) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return ItemOutcome{ItemID: item, Outcome: OutcomeCancelled}, delay
			}
		}

		_, err := e.transport.SendMessage(ctx, e.cfg.ChatID, template)
		if err == nil {
			return ItemOutcome{ItemID: item, Outcome: OutcomeSent}, delay
		}
		lastErr = err

		switch {
		case errors.Is(err, errs.ErrPermissionDenied):
			return ItemOutcome{ItemID: item, Outcome: OutcomePermissionDenied, Detail: err.Error()}, delay
		case errors.Is(err, errs.ErrRateLimited):
			// Back off for the remainder of the job, not just this send.
			next := delay * 2
			if next == 0 {
				next = 500 * time.Millisecond
			}
			if advised := errs.RetryAfter(err); advised > next {
				next = advised
			}
			delay = next
			e.logger.Warn("Provider throttled flood, raising delay",
				"item", item, "attempt", attempt, "delay", delay)
			if sleepErr := e.cfg.Sleep(ctx, delay); sleepErr != nil {
				return ItemOutcome{ItemID: item, Outcome: OutcomeCancelled}, delay
			}
		case errs.Transient(err):
			if sleepErr := e.cfg.Sleep(ctx, delay); sleepErr != nil {
				return ItemOutcome{ItemID: item, Outcome: OutcomeCancelled}, delay
			}
		default:
			return ItemOutcome{ItemID: item, Outcome: OutcomeFailed, Detail: err.Error()}, delay
		}
	}
	return ItemOutcome{ItemID: item, Outcome: OutcomeFailed, Detail: fmt.Sprintf("retries exhausted: %v", lastErr)}, delay
}

// finishItem records the outcome in the job and appends it to the
// durable log.
func (e *Executor) finishItem(job *Job, o ItemOutcome) {
	job.record(o)
	row := &archive.JobOutcome{
		JobID:   job.ID,
		Kind:    string(job.Kind),
		ItemID:  o.ItemID,
		Outcome: o.Outcome,
		Detail:  o.Detail,
	}
	// Outcome logging must not fail the job; context cancellation in
	// particular still needs the cancelled rows written.
	if err := e.store.AppendJobOutcome(context.Background(), row); err != nil {
		e.logger.Error("Failed to append job outcome",
			"job_id", job.ID, "item_id", o.ItemID, "error", err)
	}
}

func (e *Executor) retryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = e.cfg.MaxRetries
	cfg.Sleep = e.cfg.Sleep
	return cfg
}
