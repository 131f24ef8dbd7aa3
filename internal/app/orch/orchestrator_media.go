package orch

import (
	"context"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// ToggleCamera flips the camera and returns the new muted state. Device
// toggles are discrete user intents: they are never coalesced, each one
// fully succeeds or fully fails.
func (o *Orchestrator) ToggleCamera(ctx context.Context) (bool, error) {
	return o.devices.Toggle(ctx, domain.TrackCamera)
}

// ToggleMicrophone flips the microphone and returns the new muted state.
func (o *Orchestrator) ToggleMicrophone(ctx context.Context) (bool, error) {
	return o.devices.Toggle(ctx, domain.TrackMicrophone)
}

// ToggleScreenShare starts or stops screen sharing, managing the dedicated
// screen transport along with the capture. Returns whether sharing is now
// active.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.screenActive {
		o.stopScreenShareLocked(ctx)
		return false, nil
	}

	muted, err := o.devices.Toggle(ctx, domain.TrackScreen)
	if err != nil || muted {
		return false, err
	}

	handle, ok := o.devices.Handle(domain.TrackScreen)
	if !ok {
		return false, nil
	}
	// The capture can terminate itself (the browser's own "Stop sharing"
	// button); treat that exactly like a local toggle-off.
	handle.OnEnded(o.onScreenEnded)
	o.screenActive = true

	// The UI gets the track before the transport settles, so the local
	// preview appears immediately.
	o.bus.Publish(core.LocalScreenShareStarted{Handle: handle})

	if o.current.channel != "" {
		if err := o.joinScreenLocked(ctx, o.current.channel); err != nil {
			o.log.Error().Err(err).Msg("screen transport join")
		}
	}

	o.scheduleRefreshLocked()
	return true, nil
}

func (o *Orchestrator) stopScreenShareLocked(ctx context.Context) {
	o.screen.Teardown(ctx)
	o.devices.Drop(domain.TrackScreen)
	o.screenActive = false
	o.bus.Publish(core.LocalScreenShareStopped{})
	o.log.Info().Msg("screen share stopped")
	o.scheduleRefreshLocked()
}

func (o *Orchestrator) onScreenEnded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.screenActive {
		return
	}
	o.log.Info().Msg("screen capture ended by environment")
	o.stopScreenShareLocked(context.Background())
}

// scheduleRefreshLocked cycles remote subscriptions shortly after a screen
// toggle so existing streams stay visible through the renegotiation.
func (o *Orchestrator) scheduleRefreshLocked() {
	if o.cfg.PostToggleRefresh <= 0 {
		return
	}
	o.clk.AfterFunc(o.cfg.PostToggleRefresh, func() {
		o.registry.Refresh(context.Background())
	})
}
