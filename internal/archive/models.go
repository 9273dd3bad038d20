package archive

import (
	"time"

	"github.com/edgard/threatgram/internal/classify"
)

// Message is a normalized chat message as persisted in the archive.
// Immutable once ingested except for the locally tracked deleted flag.
type Message struct {
	ID        uint      `db:"id"         json:"-"`
	CreatedAt time.Time `db:"created_at" json:"-"`

	ChatID    int64     `db:"chat_id"    json:"chat_id"`
	MessageID int       `db:"message_id" json:"message_id"`
	UserID    int64     `db:"user_id"    json:"user_id"`
	Username  string    `db:"username"   json:"username,omitempty"`
	Content   string    `db:"content"    json:"content,omitempty"`
	Timestamp time.Time `db:"timestamp"  json:"timestamp"`
	Deleted   bool      `db:"deleted"    json:"deleted,omitempty"`

	Attachments []Attachment `db:"-" json:"attachments,omitempty"`
}

// Deletable reports whether the message is still inside the provider's
// delete window at the given instant.
func (m *Message) Deletable(now time.Time, window time.Duration) bool {
	return now.Sub(m.Timestamp) <= window
}

// Attachment statuses. An attachment starts pending, then is either
// stored with a local path or marked failed after the retry budget.
const (
	AttachmentPending = "pending"
	AttachmentStored  = "stored"
	AttachmentFailed  = "failed"
)

// Attachment is a remote file referenced by a message, keyed by
// (chat_id, message_id, idx).
type Attachment struct {
	ID        uint      `db:"id"         json:"-"`
	CreatedAt time.Time `db:"created_at" json:"-"`

	ChatID    int64             `db:"chat_id"    json:"-"`
	MessageID int               `db:"message_id" json:"-"`
	Idx       int               `db:"idx"        json:"idx"`
	FileID    string            `db:"file_id"    json:"file_id"`
	Name      string            `db:"name"       json:"name,omitempty"`
	Size      int64             `db:"size"       json:"size,omitempty"`
	MimeHint  string            `db:"mime_hint"  json:"mime_hint,omitempty"`
	Category  classify.Category `db:"category"   json:"category"`
	Status    string            `db:"status"     json:"status"`
	LocalPath string            `db:"local_path" json:"local_path,omitempty"`
}

// JobOutcome is one append-only record of a bulk job item attempt.
type JobOutcome struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	JobID   string `db:"job_id"`
	Kind    string `db:"kind"`
	ItemID  int    `db:"item_id"`
	Outcome string `db:"outcome"`
	Detail  string `db:"detail"`
}
