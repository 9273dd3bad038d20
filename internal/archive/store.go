package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Filter narrows ListMessageIDs results for bulk operation input.
type Filter struct {
	ChatID         int64
	ExcludeDeleted bool
	Limit          int
}

// Store is the archive data access layer. Appends are idempotent so
// redelivered updates and crash replays are safe.
type Store interface {
	Ping(ctx context.Context) error

	// SaveMessage appends a normalized message and its attachment rows.
	// Re-appending an already archived message id is a no-op.
	SaveMessage(ctx context.Context, msg *Message) error

	// SaveAttachmentPayload writes a downloaded payload into the
	// category tree and marks the attachment row stored.
	SaveAttachmentPayload(ctx context.Context, att *Attachment, payload []byte) (string, error)

	// MarkAttachmentFailed records a terminal download failure.
	MarkAttachmentFailed(ctx context.Context, att *Attachment) error

	// ListMessageIDs returns archived message ids for bulk input,
	// ordered by message id.
	ListMessageIDs(ctx context.Context, f Filter) ([]int, error)

	// GetMessage fetches a single archived message by provider id.
	GetMessage(ctx context.Context, chatID int64, messageID int) (*Message, error)

	// MarkDeleted flags a message deleted at the provider. The only
	// mutation of archived content.
	MarkDeleted(ctx context.Context, chatID int64, messageID int) error

	// Offset returns the last committed update offset, zero if none.
	Offset(ctx context.Context) (int64, error)

	// CommitOffset durably records the last drained update id. The
	// persisted cursor never decreases, so a backfill replaying old
	// history cannot rewind the live loop.
	CommitOffset(ctx context.Context, offset int64) error

	// AppendJobOutcome appends one bulk job item outcome.
	AppendJobOutcome(ctx context.Context, o *JobOutcome) error

	// ExportJSON writes all archived messages with attachments to w.
	ExportJSON(ctx context.Context, w io.Writer) error

	// RunMaintenance vacuums the database.
	RunMaintenance(ctx context.Context) error
}

type sqlxStore struct {
	db     *sqlx.DB
	root   string
	logger *slog.Logger
}

// NewStore creates a Store backed by sqlx writing payloads under root.
func NewStore(db *sqlx.DB, root string, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		root:   root,
		logger: logger.With("component", "archive"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if msg.ChatID == 0 || msg.MessageID == 0 {
		return fmt.Errorf("message must have chat_id and message_id")
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("message must have a timestamp")
	}

	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	res, err := tx.NamedExecContext(ctx, `
        INSERT INTO messages (created_at, chat_id, message_id, user_id, username, content, timestamp, deleted)
        VALUES (:created_at, :chat_id, :message_id, :user_id, :username, :content, :timestamp, :deleted)
        ON CONFLICT (chat_id, message_id) DO NOTHING;
    `, msg)
	if err != nil {
		return fmt.Errorf("failed to save message (chat %d, msg %d): %w", msg.ChatID, msg.MessageID, err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		// Already archived: redelivery, nothing more to do.
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		tx = nil
		s.logger.DebugContext(ctx, "Message already archived, skipping",
			"chat_id", msg.ChatID, "message_id", msg.MessageID)
		return nil
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		att.ChatID = msg.ChatID
		att.MessageID = msg.MessageID
		att.CreatedAt = msg.CreatedAt
		if att.Status == "" {
			att.Status = AttachmentPending
		}
		if _, err := tx.NamedExecContext(ctx, `
            INSERT INTO attachments (created_at, chat_id, message_id, idx, file_id, name, size, mime_hint, category, status, local_path)
            VALUES (:created_at, :chat_id, :message_id, :idx, :file_id, :name, :size, :mime_hint, :category, :status, :local_path)
            ON CONFLICT (chat_id, message_id, idx) DO NOTHING;
        `, att); err != nil {
			return fmt.Errorf("failed to save attachment %d of message %d: %w", att.Idx, msg.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message archived",
		"chat_id", msg.ChatID, "message_id", msg.MessageID, "attachments", len(msg.Attachments))
	return nil
}

func (s *sqlxStore) SaveAttachmentPayload(ctx context.Context, att *Attachment, payload []byte) (string, error) {
	if att == nil {
		return "", fmt.Errorf("cannot save nil attachment")
	}

	dir := filepath.Join(s.root, string(att.Category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create category directory %s: %w", dir, err)
	}

	name := safeFilename(att.Name)
	if name == "" {
		name = "file.bin"
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%d_%s", att.MessageID, att.Idx, name))

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write payload %s: %w", path, err)
	}

	if _, err := s.db.ExecContext(ctx, `
        UPDATE attachments SET status = ?, local_path = ?
        WHERE chat_id = ? AND message_id = ? AND idx = ?;
    `, AttachmentStored, path, att.ChatID, att.MessageID, att.Idx); err != nil {
		return "", fmt.Errorf("failed to mark attachment stored: %w", err)
	}

	att.Status = AttachmentStored
	att.LocalPath = path
	s.logger.DebugContext(ctx, "Attachment payload stored",
		"message_id", att.MessageID, "idx", att.Idx, "path", path, "size", len(payload))
	return path, nil
}

func (s *sqlxStore) MarkAttachmentFailed(ctx context.Context, att *Attachment) error {
	if att == nil {
		return fmt.Errorf("cannot mark nil attachment")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE attachments SET status = ?
        WHERE chat_id = ? AND message_id = ? AND idx = ?;
    `, AttachmentFailed, att.ChatID, att.MessageID, att.Idx); err != nil {
		return fmt.Errorf("failed to mark attachment failed: %w", err)
	}
	att.Status = AttachmentFailed
	return nil
}

func (s *sqlxStore) ListMessageIDs(ctx context.Context, f Filter) ([]int, error) {
	if f.ChatID == 0 {
		return nil, fmt.Errorf("filter must have a chat_id")
	}

	query := `SELECT message_id FROM messages WHERE chat_id = ?`
	args := []interface{}{f.ChatID}
	if f.ExcludeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY message_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var ids []int
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list message ids for chat %d: %w", f.ChatID, err)
	}
	return ids, nil
}

func (s *sqlxStore) GetMessage(ctx context.Context, chatID int64, messageID int) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg, `
        SELECT id, created_at, chat_id, message_id, user_id, username, content, timestamp, deleted
        FROM messages WHERE chat_id = ? AND message_id = ?;
    `, chatID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", messageID, err)
	}

	if err := s.db.SelectContext(ctx, &msg.Attachments, `
        SELECT id, created_at, chat_id, message_id, idx, file_id, name, size, mime_hint, category, status, local_path
        FROM attachments WHERE chat_id = ? AND message_id = ? ORDER BY idx;
    `, chatID, messageID); err != nil {
		return nil, fmt.Errorf("failed to get attachments of message %d: %w", messageID, err)
	}
	return &msg, nil
}

func (s *sqlxStore) MarkDeleted(ctx context.Context, chatID int64, messageID int) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE messages SET deleted = 1 WHERE chat_id = ? AND message_id = ?;
    `, chatID, messageID); err != nil {
		return fmt.Errorf("failed to mark message %d deleted: %w", messageID, err)
	}
	return nil
}

func (s *sqlxStore) Offset(ctx context.Context) (int64, error) {
	var offset int64
	err := s.db.GetContext(ctx, &offset, `SELECT last_offset FROM poll_state WHERE id = 1;`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read poll offset: %w", err)
	}
	return offset, nil
}

func (s *sqlxStore) CommitOffset(ctx context.Context, offset int64) error {
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO poll_state (id, last_offset) VALUES (1, ?)
        ON CONFLICT (id) DO UPDATE SET last_offset = MAX(last_offset, excluded.last_offset);
    `, offset); err != nil {
		return fmt.Errorf("failed to commit poll offset %d: %w", offset, err)
	}
	return nil
}

func (s *sqlxStore) AppendJobOutcome(ctx context.Context, o *JobOutcome) error {
	if o == nil {
		return fmt.Errorf("cannot append nil outcome")
	}
	o.CreatedAt = time.Now().UTC()
	if _, err := s.db.NamedExecContext(ctx, `
        INSERT INTO job_outcomes (created_at, job_id, kind, item_id, outcome, detail)
        VALUES (:created_at, :job_id, :kind, :item_id, :outcome, :detail);
    `, o); err != nil {
		return fmt.Errorf("failed to append job outcome: %w", err)
	}
	return nil
}

func (s *sqlxStore) ExportJSON(ctx context.Context, w io.Writer) error {
	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, `
        SELECT id, created_at, chat_id, message_id, user_id, username, content, timestamp, deleted
        FROM messages ORDER BY chat_id, message_id;
    `); err != nil {
		return fmt.Errorf("failed to export messages: %w", err)
	}

	for i := range msgs {
		if err := s.db.SelectContext(ctx, &msgs[i].Attachments, `
            SELECT id, created_at, chat_id, message_id, idx, file_id, name, size, mime_hint, category, status, local_path
            FROM attachments WHERE chat_id = ? AND message_id = ? ORDER BY idx;
        `, msgs[i].ChatID, msgs[i].MessageID); err != nil {
			return fmt.Errorf("failed to export attachments: %w", err)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(msgs)
}

func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)")
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	s.logger.InfoContext(ctx, "Database maintenance complete")
	return nil
}

// safeFilename keeps alphanumerics plus "._- " so sender-controlled
// names cannot escape the archive tree.
func safeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
