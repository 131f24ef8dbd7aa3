// Package recovery watches environment lifecycle signals (tab visibility,
// fullscreen transitions) and repairs rendering and capture state after the
// environment had a chance to break it.
package recovery

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/app/device"
	"github.com/keary/presence/internal/app/registry"
	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

type Config struct {
	// SettleDelay is how long to wait after a signal before acting, giving
	// the environment time to finish its own layout churn.
	SettleDelay time.Duration
	// FullscreenExitDelay is the extra settle time after leaving
	// fullscreen, which reflows more aggressively than a visibility change.
	FullscreenExitDelay time.Duration
	// CorruptionCheckDelay is how long after a fullscreen exit to probe the
	// camera for a dead stream.
	CorruptionCheckDelay time.Duration
}

// Monitor consumes lifecycle signals and re-attaches local previews,
// cycles remote subscriptions, and recreates a camera capture the
// environment silently killed.
type Monitor struct {
	cfg      Config
	clk      clock.Clock
	src      core.LifecycleSource
	devices  *device.Manager
	registry *registry.Registry
	bus      core.EventBus
	detector core.CorruptionDetector

	log zerolog.Logger
}

func New(
	cfg Config,
	clk clock.Clock,
	src core.LifecycleSource,
	devices *device.Manager,
	reg *registry.Registry,
	bus core.EventBus,
	detector core.CorruptionDetector,
) *Monitor {
	return &Monitor{
		cfg:      cfg,
		clk:      clk,
		src:      src,
		devices:  devices,
		registry: reg,
		bus:      bus,
		detector: detector,
		log:      log.With().Str("module", "app.recovery").Logger(),
	}
}

// Run consumes signals until the context is canceled or the source closes
// its channel. Signals are handled sequentially; a burst of them just
// repeats the (idempotent) refresh.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-m.src.Signals():
			if !ok {
				return
			}
			m.handleSignal(ctx, sig)
		}
	}
}

func (m *Monitor) handleSignal(ctx context.Context, sig core.LifecycleSignal) {
	m.log.Debug().Stringer("signal", sig).Msg("lifecycle signal")

	switch sig {
	case core.SignalVisible, core.SignalFullscreenEnter:
		m.settle(ctx, m.cfg.SettleDelay)
		m.refresh(ctx)
	case core.SignalFullscreenExit:
		m.settle(ctx, m.cfg.FullscreenExitDelay)
		m.refresh(ctx)
		m.settle(ctx, m.cfg.CorruptionCheckDelay)
		m.repairCamera(ctx)
	}
}

func (m *Monitor) settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := m.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// refresh re-attaches every local preview and cycles remote subscriptions.
// Safe to run at any time, joined or not.
func (m *Monitor) refresh(ctx context.Context) {
	if h, ok := m.devices.Handle(domain.TrackCamera); ok {
		h.Replay()
	}
	if h, ok := m.devices.Handle(domain.TrackScreen); ok {
		m.bus.Publish(core.RefreshLocalScreenShare{Handle: h})
	}
	m.registry.Refresh(ctx)
}

// repairCamera recreates the camera capture when the detector says the
// stream died underneath us. Fullscreen exit is the one transition known
// to do that.
func (m *Monitor) repairCamera(ctx context.Context) {
	if m.detector == nil {
		return
	}
	h, ok := m.devices.Handle(domain.TrackCamera)
	if !ok {
		return
	}
	if !m.detector.Corrupted(h, m.devices.Enabled(domain.TrackCamera)) {
		return
	}
	m.log.Warn().Msg("camera stream dead after fullscreen exit, recreating")
	if err := m.devices.Recreate(ctx, domain.TrackCamera); err != nil {
		m.log.Error().Err(err).Msg("camera recreate")
		return
	}
	if h, ok := m.devices.Handle(domain.TrackCamera); ok {
		h.Replay()
	}
}

// DefaultDetector flags a capture whose stream ended while it was supposed
// to be enabled.
type DefaultDetector struct{}

func (DefaultDetector) Corrupted(h core.CaptureHandle, enabled bool) bool {
	return enabled && !h.Live()
}
