package download_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/download"
	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/resilience"
)

type fakeTransport struct {
	mu       sync.Mutex
	fetches  map[string]int
	failFile string // this file id fails every fetch
}

func newFakeTransport(failFile string) *fakeTransport {
	return &fakeTransport{fetches: make(map[string]int), failFile: failFile}
}

func (f *fakeTransport) FileURL(_ context.Context, fileID string) (string, error) {
	return "https://files.example/" + fileID, nil
}

func (f *fakeTransport) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.fetches[url]++
	f.mu.Unlock()
	if f.failFile != "" && url == "https://files.example/"+f.failFile {
		return nil, fmt.Errorf("%w: connection reset", errs.ErrTransport)
	}
	return []byte("payload for " + url), nil
}

type fakeStore struct {
	mu     sync.Mutex
	stored []string
	failed []string
}

func (f *fakeStore) SaveAttachmentPayload(_ context.Context, att *archive.Attachment, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("empty payload")
	}
	f.mu.Lock()
	f.stored = append(f.stored, att.FileID)
	f.mu.Unlock()
	return "/tmp/" + att.Name, nil
}

func (f *fakeStore) MarkAttachmentFailed(_ context.Context, att *archive.Attachment) error {
	f.mu.Lock()
	f.failed = append(f.failed, att.FileID)
	f.mu.Unlock()
	return nil
}

func testRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func message(attachments ...archive.Attachment) *archive.Message {
	return &archive.Message{ChatID: 1, MessageID: 900, Attachments: attachments}
}

func TestFailedAttachmentDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport("bad")
	store := &fakeStore{}
	o := download.New(context.Background(), transport, store, 3, nil, testRetry(), slog.Default())

	o.Enqueue(message(
		archive.Attachment{MessageID: 900, Idx: 0, FileID: "ok-1", Name: "a.pdf", Status: archive.AttachmentPending},
		archive.Attachment{MessageID: 900, Idx: 1, FileID: "bad", Name: "b.zip", Status: archive.AttachmentPending},
		archive.Attachment{MessageID: 900, Idx: 2, FileID: "ok-2", Name: "c.png", Status: archive.AttachmentPending},
	))

	succeeded, failed := o.Drain()
	if succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", succeeded)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if len(store.failed) != 1 || store.failed[0] != "bad" {
		t.Errorf("failure not recorded against the right attachment: %v", store.failed)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport("bad")
	store := &fakeStore{}
	o := download.New(context.Background(), transport, store, 1, nil, testRetry(), nil)

	o.Enqueue(message(
		archive.Attachment{MessageID: 900, Idx: 0, FileID: "bad", Name: "b.zip", Status: archive.AttachmentPending},
	))
	o.Drain()

	if got := transport.fetches["https://files.example/bad"]; got != 2 {
		t.Errorf("fetch attempts = %d, want 2 (retried once)", got)
	}
}

type stallingTransport struct {
	release chan struct{}
}

func (s *stallingTransport) FileURL(_ context.Context, fileID string) (string, error) {
	return "https://files.example/" + fileID, nil
}

func (s *stallingTransport) Fetch(ctx context.Context, _ string) ([]byte, error) {
	select {
	case <-s.release:
		return []byte("payload"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEnqueueReturnsWhilePoolIsSaturated(t *testing.T) {
	t.Parallel()

	transport := &stallingTransport{release: make(chan struct{})}
	store := &fakeStore{}
	o := download.New(context.Background(), transport, store, 1, nil, testRetry(), nil)

	o.Enqueue(message(
		archive.Attachment{MessageID: 900, Idx: 0, FileID: "slow", Name: "a.bin", Status: archive.AttachmentPending},
	))

	enqueued := make(chan struct{})
	go func() {
		o.Enqueue(message(
			archive.Attachment{MessageID: 901, Idx: 0, FileID: "queued", Name: "b.bin", Status: archive.AttachmentPending},
		))
		close(enqueued)
	}()

	select {
	case <-enqueued:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked while the worker pool was saturated")
	}

	close(transport.release)
	succeeded, failed := o.Drain()
	if succeeded != 2 || failed != 0 {
		t.Errorf("succeeded = %d, failed = %d, want 2/0", succeeded, failed)
	}
}

func TestOnlyPendingAttachmentsAreScheduled(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport("")
	store := &fakeStore{}
	o := download.New(context.Background(), transport, store, 2, nil, testRetry(), nil)

	o.Enqueue(message(
		archive.Attachment{MessageID: 900, Idx: 0, FileID: "done", Status: archive.AttachmentStored},
		archive.Attachment{MessageID: 900, Idx: 1, FileID: "new", Status: archive.AttachmentPending},
	))

	succeeded, failed := o.Drain()
	if succeeded != 1 || failed != 0 {
		t.Errorf("succeeded = %d, failed = %d, want 1/0", succeeded, failed)
	}
	if len(store.stored) != 1 || store.stored[0] != "new" {
		t.Errorf("stored the wrong attachments: %v", store.stored)
	}
}
