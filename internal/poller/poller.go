// Package poller runs the long-poll update loop. A single goroutine
// owns the offset cursor: it polls, drains the batch into the archive
// and the download pipeline, and only then commits the offset, so a
// crash can duplicate work but never lose it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/caps"
	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/telegram"
)

// State is the poll loop's current phase.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateDraining
	StateBackoff
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Transport is the slice of the provider API the poller consumes.
type Transport interface {
	GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]tgbotapi.Update, error)
}

// Archiver receives normalized messages and owns offset persistence.
type Archiver interface {
	SaveMessage(ctx context.Context, msg *archive.Message) error
	Offset(ctx context.Context) (int64, error)
	CommitOffset(ctx context.Context, offset int64) error
}

// Downloader receives messages whose attachments should be fetched.
type Downloader interface {
	Enqueue(msg *archive.Message)
}

// Gate resolves capabilities before history reads.
type Gate interface {
	Resolve(ctx context.Context, chatID int64) (caps.Capability, error)
}

// Config tunes one poller instance.
type Config struct {
	ChatID      int64
	Limit       int
	Timeout     time.Duration
	RetryBudget int

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Sleep is injectable for tests; nil means timer-based sleeping.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poller drives the Idle -> Polling -> Draining loop with Backoff on
// transient failures and a terminal Faulted state.
type Poller struct {
	transport Transport
	store     Archiver
	downloads Downloader
	gate      Gate
	cfg       Config
	logger    *slog.Logger

	state      State
	lastOffset int64
	failures   int
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a poller. The offset cursor is loaded from the store when
// the loop starts.
func New(transport Transport, store Archiver, downloads Downloader, gate Gate, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
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
	return &Poller{
		transport: transport,
		store:     store,
		downloads: downloads,
		gate:      gate,
		cfg:       cfg,
		logger:    logger.With("component", "poller"),
		sleep:     sleep,
	}
}

// State returns the loop's current phase.
func (p *Poller) State() State { return p.state }

// Offset returns the last committed update offset.
func (p *Poller) Offset() int64 { return p.lastOffset }

// Run polls until the context is cancelled or the loop faults. The stop
// signal is checked between poll cycles; the long-poll wait itself is
// bounded by the configured timeout.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			p.state = StateIdle
			return nil
		}
		if _, _, err := p.cycle(ctx, p.cfg.Timeout); err != nil {
			return err
		}
	}
}

// Backfill replays history from fromOffset to the current head, then
// stops. Requires history-read capability.
func (p *Poller) Backfill(ctx context.Context, fromOffset int64) (int, error) {
	c, err := p.gate.Resolve(ctx, p.cfg.ChatID)
	if err != nil {
		return 0, err
	}
	if !c.CanReadHistory {
		return 0, fmt.Errorf("%w: history read requires disabled privacy mode or admin status", errs.ErrPermissionDenied)
	}

	p.lastOffset = fromOffset
	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		// Short poll: an empty batch means we reached the head. Pages
		// of foreign-chat or non-message updates still advance the
		// cursor, and a backoff round leaves the state at Backoff;
		// neither is a stop.
		received, drained, err := p.cycle(ctx, 0)
		if err != nil {
			return total, err
		}
		if received == 0 && p.state == StateIdle {
			return total, nil
		}
		total += drained
	}
}

func (p *Poller) start(ctx context.Context) error {
	offset, err := p.store.Offset(ctx)
	if err != nil {
		p.state = StateFaulted
		return fmt.Errorf("%w: cannot load poll offset: %w", errs.ErrFaulted, err)
	}
	p.lastOffset = offset

	if p.gate != nil {
		if c, err := p.gate.Resolve(ctx, p.cfg.ChatID); err == nil {
			if c.PrivacyModeEnabled && !c.IsAdmin {
				p.logger.Warn("Privacy mode is enabled: only commands, replies, and private messages are visible",
					"chat_id", p.cfg.ChatID)
			}
		}
	}

	p.logger.Info("Poll loop starting", "offset", p.lastOffset, "chat_id", p.cfg.ChatID)
	return nil
}

// cycle performs one Polling -> Draining pass and returns the raw
// update count received plus the number of messages drained. The
// failure budget resets only once the whole cycle succeeds, so a dead
// archive cannot re-arm it every poll.
func (p *Poller) cycle(ctx context.Context, timeout time.Duration) (received, drained int, err error) {
	p.state = StatePolling
	updates, err := p.transport.GetUpdates(ctx, p.lastOffset+1, p.cfg.Limit, timeout)
	if err != nil {
		return 0, 0, p.handlePollError(ctx, err)
	}

	if len(updates) == 0 {
		p.failures = 0
		p.state = StateIdle
		return 0, 0, nil
	}

	p.state = StateDraining
	n, err := p.drain(ctx, updates)
	if err != nil {
		// Offset not committed: the batch is redelivered and absorbed
		// by idempotent appends.
		return 0, 0, p.handlePollError(ctx, err)
	}
	p.failures = 0
	p.state = StateIdle
	return len(updates), n, nil
}

func (p *Poller) drain(ctx context.Context, updates []tgbotapi.Update) (int, error) {
	sort.Slice(updates, func(i, j int) bool { return updates[i].UpdateID < updates[j].UpdateID })

	maxID := p.lastOffset
	drained := 0
	for _, u := range updates {
		id := int64(u.UpdateID)
		if id <= p.lastOffset {
			continue // already committed, duplicate delivery
		}

		msg := telegram.Normalize(u)
		if msg != nil && (p.cfg.ChatID == 0 || msg.ChatID == p.cfg.ChatID) {
			if err := p.store.SaveMessage(ctx, msg); err != nil {
				return drained, fmt.Errorf("%w: archive hand-off failed: %w", errs.ErrTransport, err)
			}
			if p.downloads != nil && len(msg.Attachments) > 0 {
				p.downloads.Enqueue(msg)
			}
			drained++
		}
		if id > maxID {
			maxID = id
		}
	}

	if maxID > p.lastOffset {
		if err := p.store.CommitOffset(ctx, maxID); err != nil {
			return drained, fmt.Errorf("%w: offset commit failed: %w", errs.ErrFaulted, err)
		}
		p.lastOffset = maxID
	}

	p.logger.Debug("Drained updates", "count", drained, "offset", p.lastOffset)
	return drained, nil
}

func (p *Poller) handlePollError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.state = StateIdle
		return nil
	}
	if errors.Is(err, errs.ErrFaulted) || errors.Is(err, errs.ErrPermissionDenied) {
		p.state = StateFaulted
		p.logger.Error("Poll loop faulted", "error", err)
		return fmt.Errorf("%w: %w", errs.ErrFaulted, err)
	}
	if !errs.Transient(err) {
		p.state = StateFaulted
		p.logger.Error("Poll loop faulted on unrecoverable error", "error", err)
		return fmt.Errorf("%w: %w", errs.ErrFaulted, err)
	}

	p.failures++
	if p.failures > p.cfg.RetryBudget {
		p.state = StateFaulted
		p.logger.Error("Poll retry budget exhausted", "failures", p.failures, "error", err)
		return fmt.Errorf("%w: retry budget exhausted: %w", errs.ErrFaulted, err)
	}

	p.state = StateBackoff
	wait := p.cfg.BackoffInitial << (p.failures - 1)
	if wait > p.cfg.BackoffMax {
		wait = p.cfg.BackoffMax
	}
	if advised := errs.RetryAfter(err); advised > wait {
		wait = advised
	}
	p.logger.Warn("Transient poll failure, backing off",
		"attempt", p.failures, "budget", p.cfg.RetryBudget, "wait", wait, "error", err)

	if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
		p.state = StateIdle
		return nil
	}
	return nil
}
