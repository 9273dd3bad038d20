package caps_test

import (
	"context"
	"errors"
	"testing"

	"github.com/edgard/threatgram/internal/caps"
	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/telegram"
)

type fakeTransport struct {
	me       telegram.BotUser
	member   telegram.Member
	resolves int
}

func (f *fakeTransport) Me(context.Context) (telegram.BotUser, error) {
	f.resolves++
	return f.me, nil
}

func (f *fakeTransport) GetChatMember(context.Context, int64, int64) (telegram.Member, error) {
	return f.member, nil
}

func TestResolveDerivation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		me     telegram.BotUser
		member telegram.Member
		want   caps.Capability
	}{
		{
			name:   "plain member with privacy mode",
			me:     telegram.BotUser{ID: 1, CanReadAllGroupMessages: false},
			member: telegram.Member{Status: "member", CanSendMessages: true},
			want: caps.Capability{
				CanSendMessages:    true,
				PrivacyModeEnabled: true,
			},
		},
		{
			name:   "plain member with privacy mode off",
			me:     telegram.BotUser{ID: 1, CanReadAllGroupMessages: true},
			member: telegram.Member{Status: "member", CanSendMessages: true},
			want: caps.Capability{
				CanReadHistory:  true,
				CanSendMessages: true,
			},
		},
		{
			name:   "admin overrides privacy mode",
			me:     telegram.BotUser{ID: 1, CanReadAllGroupMessages: false},
			member: telegram.Member{Status: "administrator", CanDeleteMessages: true, CanSendMessages: true},
			want: caps.Capability{
				CanReadHistory:     true,
				CanDeleteMessages:  true,
				CanSendMessages:    true,
				PrivacyModeEnabled: true,
				IsAdmin:            true,
			},
		},
		{
			name:   "restricted member",
			me:     telegram.BotUser{ID: 1, CanReadAllGroupMessages: true},
			member: telegram.Member{Status: "restricted", CanSendMessages: false},
			want: caps.Capability{
				CanReadHistory:     true,
				PrivacyModeEnabled: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := caps.NewResolver(&fakeTransport{me: tt.me, member: tt.member}, nil)
			got, err := r.Resolve(context.Background(), 50)
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("capability = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRequireMissingRight(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		me:     telegram.BotUser{ID: 1, CanReadAllGroupMessages: true},
		member: telegram.Member{Status: "member", CanSendMessages: true},
	}
	r := caps.NewResolver(transport, nil)

	if _, err := r.Require(context.Background(), 50, caps.RightDeleteMessages); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for missing delete right, got %v", err)
	}
	if _, err := r.Require(context.Background(), 50, caps.RightSendMessages); err != nil {
		t.Fatalf("expected held right to pass, got %v", err)
	}
}

func TestResolveIsNotCached(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		me:     telegram.BotUser{ID: 1, CanReadAllGroupMessages: true},
		member: telegram.Member{Status: "member"},
	}
	r := caps.NewResolver(transport, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), 50); err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
	}
	if transport.resolves != 3 {
		t.Errorf("transport probed %d times, want 3 (no caching)", transport.resolves)
	}
}
