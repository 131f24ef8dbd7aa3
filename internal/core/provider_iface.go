package core

import (
	"context"

	"github.com/keary/presence/internal/domain"
)

// Token authorizes one identity to join one channel. Short-lived and
// channel-scoped; fetched fresh for every join, never cached.
type Token string

// ChannelEvents are the provider callbacks a transport session forwards to
// the registry. Any field may be nil.
type ChannelEvents struct {
	OnUserPublished   func(uid string, kind domain.MediaKind)
	OnUserUnpublished func(uid string, kind domain.MediaKind)
	OnUserLeft        func(uid string)
}

// Provider creates connections to the RTC backend. Connect is invoked once
// per transport session behind a guarded initialization flag.
type Provider interface {
	Connect(ctx context.Context) (ProviderConn, error)
}

// ProviderConn is one join/leave/publish/subscribe lifecycle against one
// channel under one identity. Owned by a single transport session.
type ProviderConn interface {
	Join(ctx context.Context, channel domain.ChannelID, uid domain.UID, token Token) error
	Leave(ctx context.Context) error
	Publish(ctx context.Context, handles []CaptureHandle) error
	UnpublishAll(ctx context.Context) error
	Subscribe(ctx context.Context, uid string, kind domain.MediaKind) error
	Unsubscribe(ctx context.Context, uid string, kind domain.MediaKind) error
	// EnableDualStream turns on the provider's high/low resolution variant
	// feature. Called once per join; failures are non-fatal.
	EnableDualStream(ctx context.Context) error
	SetEvents(ChannelEvents)
	Close() error
}

// TokenProvider mints or fetches a join token for a channel.
type TokenProvider interface {
	FetchToken(ctx context.Context, channel domain.ChannelID) (Token, error)
}

// TrackPublisher is the device manager's view of the primary transport:
// enough to keep the published set in sync with device state, nothing more.
type TrackPublisher interface {
	Joined() bool
	RepublishAll(ctx context.Context, enabled []CaptureHandle) error
}
