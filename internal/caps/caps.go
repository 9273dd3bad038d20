// Package caps resolves the bot's effective rights in the target chat.
// Rights can be revoked at any time, so every privileged operation
// resolves them fresh at the start of its cycle instead of trusting an
// earlier answer.
package caps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/telegram"
)

// Transport is the slice of the provider API the resolver needs.
type Transport interface {
	Me(ctx context.Context) (telegram.BotUser, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (telegram.Member, error)
}

// Capability is the bot's right set at one point in time.
type Capability struct {
	CanReadHistory     bool
	CanDeleteMessages  bool
	CanSendMessages    bool
	PrivacyModeEnabled bool
	IsAdmin            bool
}

// Right names a capability bit a caller can require.
type Right string

const (
	RightReadHistory    Right = "read_history"
	RightDeleteMessages Right = "delete_messages"
	RightSendMessages   Right = "send_messages"
)

// Resolver probes capabilities on demand. It holds no cache.
type Resolver struct {
	transport Transport
	logger    *slog.Logger
}

// NewResolver creates a capability resolver.
func NewResolver(transport Transport, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		transport: transport,
		logger:    logger.With("component", "caps"),
	}
}

// Resolve queries the bot's own account and its membership in the chat
// and derives the capability set. Read-only, no side effects.
func (r *Resolver) Resolve(ctx context.Context, chatID int64) (Capability, error) {
	me, err := r.transport.Me(ctx)
	if err != nil {
		return Capability{}, fmt.Errorf("capability probe failed: %w", err)
	}

	member, err := r.transport.GetChatMember(ctx, chatID, me.ID)
	if err != nil {
		return Capability{}, fmt.Errorf("capability probe failed for chat %d: %w", chatID, err)
	}

	c := Capability{
		CanDeleteMessages:  member.CanDeleteMessages,
		CanSendMessages:    member.CanSendMessages,
		PrivacyModeEnabled: !me.CanReadAllGroupMessages,
		IsAdmin:            member.IsAdmin(),
	}
	// Admins see everything regardless of privacy mode.
	c.CanReadHistory = me.CanReadAllGroupMessages || c.IsAdmin

	r.logger.DebugContext(ctx, "Capabilities resolved",
		"chat_id", chatID,
		"is_admin", c.IsAdmin,
		"can_delete", c.CanDeleteMessages,
		"can_send", c.CanSendMessages,
		"privacy_mode", c.PrivacyModeEnabled)
	return c, nil
}

// Require resolves capabilities and fails with a permission error if
// any of the given rights is missing.
func (r *Resolver) Require(ctx context.Context, chatID int64, rights ...Right) (Capability, error) {
	c, err := r.Resolve(ctx, chatID)
	if err != nil {
		return Capability{}, err
	}

	for _, right := range rights {
		var held bool
		switch right {
		case RightReadHistory:
			held = c.CanReadHistory
		case RightDeleteMessages:
			held = c.CanDeleteMessages
		case RightSendMessages:
			held = c.CanSendMessages
		}
		if !held {
			return c, fmt.Errorf("%w: missing %s in chat %d", errs.ErrPermissionDenied, right, chatID)
		}
	}
	return c, nil
}
