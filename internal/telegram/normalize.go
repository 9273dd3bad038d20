package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/classify"
)

// Normalize converts a raw update into an archive message with its
// attachments classified. Returns nil for updates that carry no chat
// message (callback queries, member changes, and the like).
func Normalize(update tgbotapi.Update) *archive.Message {
	raw := update.Message
	if raw == nil {
		raw = update.ChannelPost
	}
	if raw == nil || raw.Chat == nil {
		return nil
	}

	msg := &archive.Message{
		ChatID:    raw.Chat.ID,
		MessageID: raw.MessageID,
		Content:   raw.Text,
		Timestamp: time.Unix(int64(raw.Date), 0).UTC(),
	}
	if msg.Content == "" {
		msg.Content = raw.Caption
	}
	if raw.From != nil {
		msg.UserID = raw.From.ID
		msg.Username = raw.From.UserName
	}

	msg.Attachments = extractAttachments(raw)
	return msg
}

func extractAttachments(raw *tgbotapi.Message) []archive.Attachment {
	var atts []archive.Attachment

	add := func(fileID, name, mime string, size int) {
		atts = append(atts, archive.Attachment{
			Idx:      len(atts),
			FileID:   fileID,
			Name:     name,
			Size:     int64(size),
			MimeHint: mime,
			Category: classify.Classify(name, mime),
			Status:   archive.AttachmentPending,
		})
	}

	if doc := raw.Document; doc != nil {
		add(doc.FileID, doc.FileName, doc.MimeType, doc.FileSize)
	}
	if len(raw.Photo) > 0 {
		// Only the largest rendition is worth archiving.
		largest := raw.Photo[0]
		for _, p := range raw.Photo[1:] {
			if p.FileSize > largest.FileSize {
				largest = p
			}
		}
		add(largest.FileID, fmt.Sprintf("photo_%d.jpg", raw.MessageID), "image/jpeg", largest.FileSize)
	}
	if v := raw.Video; v != nil {
		name := v.FileName
		if name == "" {
			name = fmt.Sprintf("video_%d.mp4", raw.MessageID)
		}
		add(v.FileID, name, v.MimeType, v.FileSize)
	}
	if a := raw.Audio; a != nil {
		name := a.FileName
		if name == "" {
			name = fmt.Sprintf("audio_%d", raw.MessageID)
		}
		add(a.FileID, name, a.MimeType, a.FileSize)
	}
	if v := raw.Voice; v != nil {
		add(v.FileID, fmt.Sprintf("voice_%d.ogg", raw.MessageID), v.MimeType, v.FileSize)
	}

	return atts
}
