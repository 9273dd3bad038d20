// Package telegram adapts the Telegram Bot API transport for the
// collection engine. It owns the raw provider calls and maps provider
// responses onto the shared error taxonomy; consumers depend on the
// narrow interfaces they declare, not on this package's client type.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/resilience"
)

// BotUser describes the authenticated bot account.
type BotUser struct {
	ID                      int64
	Username                string
	CanReadAllGroupMessages bool
}

// Member is the normalized view of a chat member's rights.
type Member struct {
	Status             string
	CanDeleteMessages  bool
	CanSendMessages    bool
	CanReadAllMessages bool
}

// IsAdmin reports administrator or owner status.
func (m Member) IsAdmin() bool {
	return m.Status == "administrator" || m.Status == "creator"
}

// Client wraps the Bot API client. All methods translate provider
// errors into the errs taxonomy.
type Client struct {
	api     *tgbotapi.BotAPI
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New authenticates against the Bot API and returns a client.
func New(token string, requestTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to authenticate bot: %w", errs.ErrFaulted, err)
	}
	api.Debug = false

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:  api,
		http: &http.Client{Timeout: requestTimeout},
		// The breaker timeout must outlast a full long-poll cycle, which
		// the provider holds open for up to a minute.
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:    "telegram",
			Timeout: 2 * time.Minute,
		}),
		logger: logger.With("component", "telegram"),
	}, nil
}

// call runs one provider request through the circuit breaker.
func (c *Client) call(ctx context.Context, op func(context.Context) error) error {
	return c.breaker.Execute(ctx, op)
}

// Me returns the authenticated bot account, including the privacy-mode
// flag that gates full-history visibility.
func (c *Client) Me(ctx context.Context) (BotUser, error) {
	if err := ctx.Err(); err != nil {
		return BotUser{}, err
	}
	var me tgbotapi.User
	err := c.call(ctx, func(context.Context) error {
		var apiErr error
		me, apiErr = c.api.GetMe()
		return apiErr
	})
	if err != nil {
		return BotUser{}, mapError(err)
	}
	return BotUser{
		ID:                      me.ID,
		Username:                me.UserName,
		CanReadAllGroupMessages: me.CanReadAllGroupMessages,
	}, nil
}

// GetChatMember probes a member's rights in the chat.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	var member tgbotapi.ChatMember
	err := c.call(ctx, func(context.Context) error {
		var apiErr error
		member, apiErr = c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
		})
		return apiErr
	})
	if err != nil {
		return Member{}, mapError(err)
	}
	return normalizeMember(member), nil
}

// normalizeMember maps a raw chat member onto the rights the engine
// cares about. The API only populates member-level flags for the
// restricted and administrator statuses; ordinary members hold the
// default rights even though their flags arrive zeroed.
func normalizeMember(member tgbotapi.ChatMember) Member {
	m := Member{
		Status:            member.Status,
		CanDeleteMessages: member.CanDeleteMessages,
	}
	switch member.Status {
	case "creator", "administrator", "member":
		m.CanSendMessages = true
	case "restricted":
		m.CanSendMessages = member.CanSendMessages
	}
	return m
}

// GetUpdates long-polls for updates starting at offset. An empty result
// is not an error. The wait is bounded by timeout on the provider side.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updates []tgbotapi.Update
	err := c.call(ctx, func(context.Context) error {
		var apiErr error
		updates, apiErr = c.api.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  int(offset),
			Limit:   limit,
			Timeout: int(timeout.Seconds()),
		})
		return apiErr
	})
	if err != nil {
		return nil, mapError(err)
	}
	return updates, nil
}

// FileURL resolves a time-limited download URL for a file handle.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var file tgbotapi.File
	err := c.call(ctx, func(context.Context) error {
		var apiErr error
		file, apiErr = c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
		return apiErr
	})
	if err != nil {
		return "", mapError(err)
	}
	return file.Link(c.api.Token), nil
}

// Fetch downloads a resolved file URL.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: file gone", errs.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.RateLimit(0, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", errs.ErrTransport, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}
	return payload, nil
}

// DeleteMessage deletes one message in the chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.call(ctx, func(context.Context) error {
		_, apiErr := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
		return apiErr
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// SendMessage sends a text message and returns the provider-assigned
// message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var sent tgbotapi.Message
	err := c.call(ctx, func(context.Context) error {
		var apiErr error
		sent, apiErr = c.api.Send(tgbotapi.NewMessage(chatID, text))
		return apiErr
	})
	if err != nil {
		return 0, mapError(err)
	}
	return sent.MessageID, nil
}

// mapError translates Bot API and network failures into the taxonomy.
// An open circuit is a transient transport fault: pollers back off on it
// instead of faulting.
func mapError(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}
	if apiErr, ok := err.(*tgbotapi.Error); ok {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return errs.RateLimit(time.Duration(apiErr.RetryAfter)*time.Second, err)
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", errs.ErrFaulted, err)
		case apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", errs.ErrPermissionDenied, err)
		case strings.Contains(msg, "can't be deleted"):
			return fmt.Errorf("%w: %w", errs.ErrExpired, err)
		case strings.Contains(msg, "not found"):
			return fmt.Errorf("%w: %w", errs.ErrNotFound, err)
		default:
			return fmt.Errorf("%w: %w", errs.ErrTransport, err)
		}
	}
	return fmt.Errorf("%w: %w", errs.ErrTransport, err)
}
