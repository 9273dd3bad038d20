package bulk_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/bulk"
	"github.com/edgard/threatgram/internal/caps"
	"github.com/edgard/threatgram/internal/errs"
)

const testChatID int64 = 42

type fakeTransport struct {
	mu          sync.Mutex
	deleteCalls []int
	sendCalls   int
	deleteErr   func(id int) error
	sendErr     func(call int) error
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, messageID)
	f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr(messageID)
	}
	return nil
}

func (f *fakeTransport) SendMessage(_ context.Context, _ int64, _ string) (int, error) {
	f.mu.Lock()
	f.sendCalls++
	call := f.sendCalls
	f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(call); err != nil {
			return 0, err
		}
	}
	return 1000 + call, nil
}

func (f *fakeTransport) deleted() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deleteCalls...)
}

type fakeStore struct {
	mu       sync.Mutex
	messages map[int]*archive.Message
	deleted  map[int]bool
	outcomes []*archive.JobOutcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[int]*archive.Message), deleted: make(map[int]bool)}
}

func (f *fakeStore) GetMessage(_ context.Context, _ int64, messageID int) (*archive.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[messageID], nil
}

func (f *fakeStore) MarkDeleted(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	f.deleted[messageID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) AppendJobOutcome(_ context.Context, o *archive.JobOutcome) error {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, o)
	f.mu.Unlock()
	return nil
}

type fakeGate struct {
	cap caps.Capability
	err error
}

func (f *fakeGate) Require(_ context.Context, _ int64, _ ...caps.Right) (caps.Capability, error) {
	return f.cap, f.err
}

func instantSleep(context.Context, time.Duration) error { return nil }

func testConfig(now time.Time) bulk.Config {
	return bulk.Config{
		ChatID:       testChatID,
		Concurrency:  2,
		DeleteWindow: 48 * time.Hour,
		MaxRetries:   3,
		Now:          func() time.Time { return now },
		Sleep:        instantSleep,
	}
}

func TestMassDeleteSkipsExpiredWithoutProviderCall(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{}
	store := newFakeStore()
	store.messages[1] = &archive.Message{MessageID: 1, Timestamp: now.Add(-50 * time.Hour)}
	store.messages[2] = &archive.Message{MessageID: 2, Timestamp: now.Add(-1 * time.Hour)}

	e := bulk.NewExecutor(transport, store, &fakeGate{}, nil, testConfig(now), nil)

	job, err := e.MassDelete(context.Background(), []int{1, 2})
	if err != nil {
		t.Fatalf("MassDelete returned error: %v", err)
	}

	if job.Count(bulk.OutcomeSkippedExpired) != 1 {
		t.Errorf("skipped_expired = %d, want 1", job.Count(bulk.OutcomeSkippedExpired))
	}
	for _, id := range transport.deleted() {
		if id == 1 {
			t.Error("provider delete was attempted for expired message 1")
		}
	}
	if job.Status != bulk.StatusPartial {
		t.Errorf("status = %s, want partial", job.Status)
	}
	if !store.deleted[2] {
		t.Error("message 2 was not marked deleted in the archive")
	}
}

func TestMassDeleteOutcomesSumToInput(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{
		deleteErr: func(id int) error {
			switch id {
			case 3:
				return fmt.Errorf("%w: gone", errs.ErrNotFound)
			case 4:
				return fmt.Errorf("%w: demoted", errs.ErrPermissionDenied)
			default:
				return nil
			}
		},
	}
	store := newFakeStore()
	for id := 1; id <= 5; id++ {
		store.messages[id] = &archive.Message{MessageID: id, Timestamp: now.Add(-time.Hour)}
	}
	store.messages[5].Timestamp = now.Add(-72 * time.Hour)

	e := bulk.NewExecutor(transport, store, &fakeGate{}, nil, testConfig(now), nil)

	job, err := e.MassDelete(context.Background(), []int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("MassDelete returned error: %v", err)
	}

	if len(job.Outcomes) != 5 {
		t.Fatalf("recorded %d outcomes, want exactly 5", len(job.Outcomes))
	}
	seen := make(map[int]int)
	for _, o := range job.Outcomes {
		seen[o.ItemID]++
	}
	for id := 1; id <= 5; id++ {
		if seen[id] != 1 {
			t.Errorf("item %d recorded %d times, want exactly once", id, seen[id])
		}
	}
	if got := job.Count(bulk.OutcomeDeleted); got != 2 {
		t.Errorf("deleted = %d, want 2", got)
	}
	if got := job.Count(bulk.OutcomeFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := job.Count(bulk.OutcomePermissionDenied); got != 1 {
		t.Errorf("permission_denied = %d, want 1", got)
	}
	if got := job.Count(bulk.OutcomeSkippedExpired); got != 1 {
		t.Errorf("skipped_expired = %d, want 1", got)
	}
	if len(store.outcomes) != 5 {
		t.Errorf("durable outcome log has %d rows, want 5", len(store.outcomes))
	}
}

func TestMassDeletePreflightPermission(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{err: fmt.Errorf("%w: missing delete_messages", errs.ErrPermissionDenied)}
	e := bulk.NewExecutor(&fakeTransport{}, newFakeStore(), gate, nil, testConfig(time.Now()), nil)

	if _, err := e.MassDelete(context.Background(), []int{1, 2}); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestMassDeleteRetriesRateLimit(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var calls int
	var mu sync.Mutex
	transport := &fakeTransport{
		deleteErr: func(int) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errs.RateLimit(time.Second, errors.New("429"))
			}
			return nil
		},
	}
	store := newFakeStore()
	store.messages[9] = &archive.Message{MessageID: 9, Timestamp: now.Add(-time.Minute)}

	e := bulk.NewExecutor(transport, store, &fakeGate{}, nil, testConfig(now), nil)

	job, err := e.MassDelete(context.Background(), []int{9})
	if err != nil {
		t.Fatalf("MassDelete returned error: %v", err)
	}
	if job.Status != bulk.StatusCompleted {
		t.Errorf("status = %s, want completed after retried rate limit", job.Status)
	}
}

func TestFloodCompletesUnderRateLimit(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	var mu sync.Mutex
	transport := &fakeTransport{
		sendErr: func(call int) error {
			if call == 3 {
				return errs.RateLimit(2*time.Second, errors.New("429"))
			}
			return nil
		},
	}
	cfg := testConfig(time.Now())
	cfg.FloodDelay = 100 * time.Millisecond
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	e := bulk.NewExecutor(transport, newFakeStore(), &fakeGate{}, nil, cfg, nil)

	job, err := e.Flood(context.Background(), "ping", 10)
	if err != nil {
		t.Fatalf("Flood returned error: %v", err)
	}
	if job.Status != bulk.StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if got := job.Count(bulk.OutcomeSent); got != 10 {
		t.Errorf("sent = %d, want 10", got)
	}

	var raised bool
	for _, d := range delays {
		if d >= 2*time.Second {
			raised = true
		}
	}
	if !raised {
		t.Errorf("delay never raised to the provider-advised value, observed %v", delays)
	}
}

func TestFloodCancellationMarksRemaining(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sent := 0
	transport := &fakeTransport{
		sendErr: func(call int) error {
			sent++
			if sent == 2 {
				cancel() // takes effect between items
			}
			return nil
		},
	}
	cfg := testConfig(time.Now())
	cfg.FloodDelay = 0

	e := bulk.NewExecutor(transport, newFakeStore(), &fakeGate{}, nil, cfg, nil)

	job, err := e.Flood(ctx, "ping", 5)
	if err != nil {
		t.Fatalf("Flood returned error: %v", err)
	}
	if job.Status != bulk.StatusPartial {
		t.Errorf("status = %s, want partial after cancellation", job.Status)
	}
	if got := job.Count(bulk.OutcomeSent); got != 2 {
		t.Errorf("sent = %d, want 2", got)
	}
	if got := job.Count(bulk.OutcomeCancelled); got != 3 {
		t.Errorf("cancelled = %d, want 3", got)
	}
	if len(job.Outcomes) != 5 {
		t.Errorf("recorded %d outcomes, want exactly 5", len(job.Outcomes))
	}
}
