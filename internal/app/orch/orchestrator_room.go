package orch

import (
	"context"
	"errors"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// EnterRoom requests a join to the room's channel pair. Rapid repeated
// calls are coalesced: every call resets the debounce timer and only the
// last intent is acted on. The gate is consulted before anything else.
func (o *Orchestrator) EnterRoom(realm domain.RealmID, room domain.RoomToken, uid domain.UID) error {
	if err := o.gate.Require(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// A fresh intent invalidates any in-flight retry outright: a stale
	// backoff timer must never join the new room ahead of its debounce.
	o.epoch++
	myEpoch := o.epoch
	o.intent = &roomIntent{realm: realm, room: room, uid: uid}
	o.scheduleLocked(o.cfg.JoinDebounce, func() {
		o.doEnterRoom(context.Background(), 1, myEpoch)
	})
	o.log.Info().Str("realm", string(realm)).Str("room", string(room)).Msg("enter room scheduled")
	return nil
}

// LeaveRoom requests a debounced teardown of both transports. Device
// tracks survive: camera and mic persist across room changes so a lobby
// preview keeps working.
func (o *Orchestrator) LeaveRoom() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.intent = nil
	o.scheduleLocked(o.cfg.LeaveDebounce, func() {
		o.doLeaveRoom(context.Background())
	})
	o.log.Info().Msg("leave room scheduled")
}

// doEnterRoom performs one join attempt. Every attempt carries the epoch
// it was scheduled under and abandons silently when a newer operation
// superseded it.
func (o *Orchestrator) doEnterRoom(ctx context.Context, attempt int, wantEpoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.epoch != wantEpoch {
		o.log.Debug().Int("attempt", attempt).Msg("join attempt superseded, abandoning")
		return
	}
	i := o.intent
	if i == nil {
		return
	}

	channel := domain.DeriveChannelID(i.realm, i.room)
	if attempt == 1 {
		if channel == o.current.channel && o.primary.Joined() {
			o.log.Debug().Str("channel", string(channel)).Msg("already joined, no-op")
			return
		}
		// Clean slate before every fresh join: both transports down, no
		// stale participants — local capture stays acquired.
		o.resetSessionsLocked(ctx)
	}

	o.baseUID = i.uid
	o.registry.SetLocalUID(i.uid)

	token, err := o.tokens.FetchToken(ctx, channel)
	if err != nil {
		o.lastErr = &core.TokenError{Channel: channel, Err: err}
		o.log.Error().Err(err).Str("channel", string(channel)).Msg("token fetch failed")
		return
	}
	if err := o.primary.Join(ctx, channel, i.uid, token); err != nil {
		o.handleJoinFailureLocked(ctx, err, attempt)
		return
	}

	o.current.realm = i.realm
	o.current.room = i.room
	o.current.channel = channel
	o.lastErr = nil
	o.log.Info().Str("channel", string(channel)).Int("attempt", attempt).Msg("primary joined")

	if handles := o.devices.EnabledHandles(); len(handles) > 0 {
		if err := o.primary.RepublishAll(ctx, handles); err != nil {
			o.log.Error().Err(err).Msg("republish after join")
		}
	}

	// A screen share that survived the previous room follows us in.
	if o.screenActive {
		if _, ok := o.devices.Handle(domain.TrackScreen); ok {
			if err := o.joinScreenLocked(ctx, channel); err != nil {
				o.log.Error().Err(err).Msg("screen rejoin after room change")
			}
		}
	}
}

// handleJoinFailureLocked applies the retry policy: Timeout and Conflict
// get exactly one more attempt with the same identity after ForceCleanup
// and a fixed backoff; everything else is surfaced immediately. Minting a
// fresh identity on conflict would desynchronize every remote participant,
// so the original identity is always kept.
func (o *Orchestrator) handleJoinFailureLocked(ctx context.Context, err error, attempt int) {
	var je *core.ChannelJoinError
	retriable := errors.As(err, &je) &&
		(je.Reason == core.JoinTimeout || je.Reason == core.JoinConflict)

	if !retriable || attempt >= o.cfg.MaxJoinAttempts {
		o.lastErr = err
		o.log.Error().Err(err).Int("attempt", attempt).Msg("join failed, surfacing")
		return
	}

	o.log.Warn().Err(err).Int("attempt", attempt).Msg("join failed, will retry once")
	o.forceCleanupLocked(ctx)
	myEpoch := o.epoch
	next := attempt + 1
	o.scheduleLocked(o.cfg.RetryBackoff, func() {
		o.doEnterRoom(context.Background(), next, myEpoch)
	})
}

func (o *Orchestrator) doLeaveRoom(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current.channel == "" {
		return
	}
	o.epoch++
	o.resetSessionsLocked(ctx)
	o.lastErr = nil
	o.log.Info().Msg("left room")
}

// ForceCleanup is the recovery hammer: both transports unconditionally
// down, registry cleared, retry state reset. Devices stay acquired but
// unpublished, matching LeaveRoom semantics.
func (o *Orchestrator) ForceCleanup(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forceCleanupLocked(ctx)
}

func (o *Orchestrator) forceCleanupLocked(ctx context.Context) {
	o.epoch++
	if o.pending != nil {
		o.pending.Stop()
		o.pending = nil
	}
	o.resetSessionsLocked(ctx)
	o.lastErr = nil
	o.log.Info().Msg("force cleanup done")
}

func (o *Orchestrator) resetSessionsLocked(ctx context.Context) {
	o.primary.Teardown(ctx)
	o.screen.Teardown(ctx)
	o.registry.Reset()
	o.current.realm = ""
	o.current.room = ""
	o.current.channel = ""
}

// Destroy tears everything down including local capture. Terminal.
func (o *Orchestrator) Destroy(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forceCleanupLocked(ctx)
	o.devices.DestroyAll()
	if o.screenActive {
		o.screenActive = false
		o.bus.Publish(core.LocalScreenShareStopped{})
	}
}

// joinScreenLocked joins the dedicated screen transport under the derived
// screen identity and publishes the screen track on it.
func (o *Orchestrator) joinScreenLocked(ctx context.Context, channel domain.ChannelID) error {
	token, err := o.tokens.FetchToken(ctx, channel)
	if err != nil {
		return &core.TokenError{Channel: channel, Err: err}
	}
	if err := o.screen.Join(ctx, channel, o.baseUID.Screen(), token); err != nil {
		return err
	}
	handle, ok := o.devices.Handle(domain.TrackScreen)
	if !ok {
		return nil
	}
	return o.screen.RepublishAll(ctx, []core.CaptureHandle{handle})
}
