// Package device owns the lifecycle of the three local capture tracks,
// independent of any channel membership.
package device

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

type deviceTrack struct {
	handle  core.CaptureHandle
	enabled bool
}

// Manager holds at most one track per kind. Tracks are created on first
// enable and destroyed on disable-to-none transitions (screen) or on
// DestroyAll. Publishing is delegated to the primary transport through the
// TrackPublisher interface; the manager never talks to the provider.
type Manager struct {
	gate      core.CapabilityGate
	capturer  core.Capturer
	publisher core.TrackPublisher

	mu     sync.Mutex
	tracks map[domain.TrackKind]*deviceTrack

	log zerolog.Logger
}

func NewManager(gate core.CapabilityGate, capturer core.Capturer, publisher core.TrackPublisher) *Manager {
	return &Manager{
		gate:      gate,
		capturer:  capturer,
		publisher: publisher,
		tracks:    make(map[domain.TrackKind]*deviceTrack),
		log:       log.With().Str("module", "app.device").Logger(),
	}
}

// Toggle flips the device of the given kind and returns the new muted
// state. First call per kind acquires the device, which may block on a
// permission prompt. On any error the device remains muted.
//
// A disabled screen track is destroyed outright: screen capture has no
// "muted but held" state, re-enabling always prompts for a new surface.
func (m *Manager) Toggle(ctx context.Context, kind domain.TrackKind) (bool, error) {
	if err := m.gate.Require(); err != nil {
		return true, &core.DeviceAcquisitionError{Kind: kind, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracks[kind]
	if !ok {
		handle, err := m.capturer.Acquire(ctx, kind)
		if err != nil {
			m.log.Error().Err(err).Str("kind", kind.String()).Msg("acquire failed")
			return true, &core.DeviceAcquisitionError{Kind: kind, Err: err}
		}
		m.tracks[kind] = &deviceTrack{handle: handle, enabled: true}
		m.log.Info().Str("kind", kind.String()).Str("track_id", handle.ID()).Msg("track acquired")

		if err := m.republishLocked(ctx); err != nil {
			// Roll back: a toggle fully succeeds or fully fails.
			m.dropLocked(kind)
			return true, err
		}
		return false, nil
	}

	t.enabled = !t.enabled
	if kind == domain.TrackScreen && !t.enabled {
		m.dropLocked(kind)
	}

	if err := m.republishLocked(ctx); err != nil {
		if kind != domain.TrackScreen {
			t.enabled = !t.enabled
		}
		return !t.enabled, err
	}

	m.log.Info().Str("kind", kind.String()).Bool("enabled", t.enabled).Msg("track toggled")
	return !t.enabled, nil
}

// Recreate replaces a track whose underlying stream died, preserving the
// enabled flag. Used by the recovery monitor; a no-op when no track of the
// kind exists.
func (m *Manager) Recreate(ctx context.Context, kind domain.TrackKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracks[kind]
	if !ok {
		return nil
	}
	wasEnabled := t.enabled

	m.dropLocked(kind)
	if err := m.republishLocked(ctx); err != nil {
		m.log.Error().Err(err).Str("kind", kind.String()).Msg("unpublish before recreate")
	}

	handle, err := m.capturer.Acquire(ctx, kind)
	if err != nil {
		m.log.Error().Err(err).Str("kind", kind.String()).Msg("reacquire failed")
		return &core.DeviceAcquisitionError{Kind: kind, Err: err}
	}
	m.tracks[kind] = &deviceTrack{handle: handle, enabled: wasEnabled}
	m.log.Info().Str("kind", kind.String()).Bool("enabled", wasEnabled).Msg("track recreated")

	return m.republishLocked(ctx)
}

// Drop stops and releases one track without touching the others. Idempotent.
func (m *Manager) Drop(kind domain.TrackKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(kind)
}

// DestroyAll stops and releases every owned track unconditionally. Idempotent.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind := range m.tracks {
		m.dropLocked(kind)
	}
}

// Handle returns the live handle for a kind, if any.
func (m *Manager) Handle(kind domain.TrackKind) (core.CaptureHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[kind]
	if !ok {
		return nil, false
	}
	return t.handle, true
}

// Enabled reports whether a track of the kind exists and is enabled.
func (m *Manager) Enabled(kind domain.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[kind]
	return ok && t.enabled
}

// EnabledHandles returns the handles that belong on the primary transport:
// every enabled track except the screen, which publishes on its own session.
func (m *Manager) EnabledHandles() []core.CaptureHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabledPrimaryLocked()
}

func (m *Manager) enabledPrimaryLocked() []core.CaptureHandle {
	out := make([]core.CaptureHandle, 0, len(m.tracks))
	for kind, t := range m.tracks {
		if kind == domain.TrackScreen || !t.enabled {
			continue
		}
		out = append(out, t.handle)
	}
	return out
}

// republishLocked resyncs the primary transport with the enabled set.
// A disabled track is never published (unpublish-all first guarantees it).
func (m *Manager) republishLocked(ctx context.Context) error {
	if m.publisher == nil || !m.publisher.Joined() {
		return nil
	}
	return m.publisher.RepublishAll(ctx, m.enabledPrimaryLocked())
}

func (m *Manager) dropLocked(kind domain.TrackKind) {
	t, ok := m.tracks[kind]
	if !ok {
		return
	}
	if err := t.handle.Close(); err != nil {
		m.log.Error().Err(err).Str("kind", kind.String()).Msg("close handle")
	}
	delete(m.tracks, kind)
	m.log.Info().Str("kind", kind.String()).Msg("track dropped")
}
