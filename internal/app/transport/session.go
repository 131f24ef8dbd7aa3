// Package transport implements one join/leave/publish/subscribe lifecycle
// against one channel under one identity. Two sessions exist per room:
// primary (camera+mic) and screen.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// State is the session's position in the machine
// Disconnected -> Connecting -> Joined -> Leaving -> Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// Session serializes all operations behind one mutex; the state field is
// atomic so introspection never blocks on an in-flight join.
type Session struct {
	name        string
	provider    core.Provider
	clk         clock.Clock
	joinTimeout time.Duration

	mu        sync.Mutex
	state     atomic.Int32
	conn      core.ProviderConn
	connected bool
	channel   domain.ChannelID
	identity  domain.UID
	published int
	events    core.ChannelEvents

	log zerolog.Logger
}

func NewSession(name string, provider core.Provider, clk clock.Clock, joinTimeout time.Duration) *Session {
	return &Session{
		name:        name,
		provider:    provider,
		clk:         clk,
		joinTimeout: joinTimeout,
		log:         log.With().Str("module", "app.transport").Str("session", name).Logger(),
	}
}

// SetEvents installs the provider event callbacks forwarded to the
// registry. Must be called before the first Join.
func (s *Session) SetEvents(ev core.ChannelEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = ev
	if s.conn != nil {
		s.conn.SetEvents(ev)
	}
}

func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) Joined() bool { return s.State() == StateJoined }

func (s *Session) Channel() domain.ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) Identity() domain.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// PublishedCount reports how many tracks the session currently publishes.
func (s *Session) PublishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Join opens the transport to the channel. A join for the channel the
// session is already connecting to or joined on is a no-op; a join for a
// different channel tears the old session down first. The attempt is
// bounded by the join timeout, after which the session is back at
// Disconnected and the error is ChannelJoinError{Timeout}.
func (s *Session) Join(ctx context.Context, channel domain.ChannelID, uid domain.UID, token core.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateConnecting, StateJoined:
		if s.channel == channel {
			s.log.Debug().Str("channel", string(channel)).Msg("join no-op, already on channel")
			return nil
		}
		// Never two live sessions to different channels on one identity.
		s.teardownLocked(ctx)
	case StateLeaving:
		s.teardownLocked(ctx)
	}

	if err := s.ensureConnLocked(ctx); err != nil {
		return &core.ChannelJoinError{Channel: channel, Reason: core.JoinOther, Err: err}
	}

	s.channel = channel
	s.identity = uid
	s.state.Store(int32(StateConnecting))
	s.log.Info().Str("channel", string(channel)).Str("uid", string(uid)).Msg("connecting")

	if err := s.joinWithTimeout(ctx, channel, uid, token); err != nil {
		s.channel = ""
		s.identity = ""
		s.state.Store(int32(StateDisconnected))
		return err
	}

	s.state.Store(int32(StateJoined))
	s.log.Info().Str("channel", string(channel)).Msg("joined")

	// Dual stream is orthogonal to the session contract but must be turned
	// on once per transport; a failure only costs the low-res variant.
	if err := s.conn.EnableDualStream(ctx); err != nil {
		s.log.Warn().Err(err).Msg("enable dual stream")
	}
	return nil
}

func (s *Session) joinWithTimeout(ctx context.Context, channel domain.ChannelID, uid domain.UID, token core.Token) error {
	done := make(chan error, 1)
	go func() {
		done <- s.conn.Join(ctx, channel, uid, token)
	}()

	timer := s.clk.Timer(s.joinTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var je *core.ChannelJoinError
		if errors.As(err, &je) {
			return err
		}
		return &core.ChannelJoinError{Channel: channel, Reason: core.JoinOther, Err: err}
	case <-timer.C:
		// The provider call may still land later; make sure a ghost join
		// never outlives the failed attempt.
		go func() {
			if err := <-done; err == nil {
				_ = s.conn.Leave(context.Background())
			}
		}()
		return &core.ChannelJoinError{
			Channel: channel,
			Reason:  core.JoinTimeout,
			Err:     fmt.Errorf("no answer within %s", s.joinTimeout),
		}
	case <-ctx.Done():
		return &core.ChannelJoinError{Channel: channel, Reason: core.JoinOther, Err: ctx.Err()}
	}
}

// Leave is only valid from Joined; unpublishes everything first.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateJoined {
		return ErrInvalidTransition(s.State(), "leave")
	}
	s.state.Store(int32(StateLeaving))
	if err := s.conn.UnpublishAll(ctx); err != nil {
		s.log.Warn().Err(err).Msg("unpublish on leave")
	}
	err := s.conn.Leave(ctx)
	s.published = 0
	s.channel = ""
	s.identity = ""
	s.state.Store(int32(StateDisconnected))
	s.log.Info().Msg("left")
	return err
}

// Teardown unconditionally brings the session to Disconnected, tolerating
// "already disconnected". Used by the orchestrator's cleanup paths.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(ctx)
}

func (s *Session) teardownLocked(ctx context.Context) {
	if s.State() != StateDisconnected && s.conn != nil {
		if err := s.conn.UnpublishAll(ctx); err != nil {
			s.log.Debug().Err(err).Msg("unpublish on teardown")
		}
		if err := s.conn.Leave(ctx); err != nil {
			s.log.Debug().Err(err).Msg("leave on teardown")
		}
	}
	s.published = 0
	s.channel = ""
	s.identity = ""
	s.state.Store(int32(StateDisconnected))
}

// Publish adds tracks to the published set. Valid only in Joined.
func (s *Session) Publish(ctx context.Context, handles []core.CaptureHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateJoined {
		return &core.PublishError{Err: ErrInvalidTransition(s.State(), "publish")}
	}
	if len(handles) == 0 {
		return nil
	}
	if err := s.conn.Publish(ctx, handles); err != nil {
		return &core.PublishError{Err: err}
	}
	s.published += len(handles)
	return nil
}

// RepublishAll unpublishes everything, then publishes exactly the enabled
// set, so two quick toggles can never leave a partial publish behind.
func (s *Session) RepublishAll(ctx context.Context, enabled []core.CaptureHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateJoined {
		return &core.PublishError{Err: ErrInvalidTransition(s.State(), "republish")}
	}
	if err := s.conn.UnpublishAll(ctx); err != nil {
		s.log.Warn().Err(err).Msg("unpublish before republish")
	}
	s.published = 0
	if len(enabled) == 0 {
		return nil
	}
	if err := s.conn.Publish(ctx, enabled); err != nil {
		return &core.PublishError{Err: err}
	}
	s.published = len(enabled)
	return nil
}

// Subscribe attaches to one remote publisher's media. Valid only in Joined.
func (s *Session) Subscribe(ctx context.Context, uid string, kind domain.MediaKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateJoined {
		return &core.SubscribeError{UID: uid, Kind: kind, Err: ErrInvalidTransition(s.State(), "subscribe")}
	}
	if err := s.conn.Subscribe(ctx, uid, kind); err != nil {
		return &core.SubscribeError{UID: uid, Kind: kind, Err: err}
	}
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, uid string, kind domain.MediaKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateJoined {
		return &core.SubscribeError{UID: uid, Kind: kind, Err: ErrInvalidTransition(s.State(), "unsubscribe")}
	}
	if err := s.conn.Unsubscribe(ctx, uid, kind); err != nil {
		return &core.SubscribeError{UID: uid, Kind: kind, Err: err}
	}
	return nil
}

// ensureConnLocked lazily obtains the provider connection once and reuses
// it across joins.
func (s *Session) ensureConnLocked(ctx context.Context) error {
	if s.connected {
		return nil
	}
	conn, err := s.provider.Connect(ctx)
	if err != nil {
		return err
	}
	conn.SetEvents(s.events)
	s.conn = conn
	s.connected = true
	return nil
}

// Close releases the provider connection for good.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(ctx)
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Error().Err(err).Msg("close conn")
		}
		s.conn = nil
		s.connected = false
	}
}

// ErrInvalidTransition builds the error for an operation attempted from
// the wrong state.
func ErrInvalidTransition(from State, op string) error {
	return fmt.Errorf("%w: cannot %s from %s", core.ErrNotJoined, op, from)
}
