// Package registry tracks remote publishers across both transports and
// republishes normalized participant-state events to the UI layer.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// Subscriber is the registry's view of a transport session.
type Subscriber interface {
	Joined() bool
	Subscribe(ctx context.Context, uid string, kind domain.MediaKind) error
	Unsubscribe(ctx context.Context, uid string, kind domain.MediaKind) error
}

// Registry owns the participant map; it is mutated only here in response
// to transport events and read-only everywhere else.
type Registry struct {
	bus     core.EventBus
	primary Subscriber
	screen  Subscriber

	mu           sync.RWMutex
	participants map[string]domain.RemoteParticipant
	localUID     domain.UID

	log zerolog.Logger
}

func New(bus core.EventBus, primary, screen Subscriber) *Registry {
	return &Registry{
		bus:          bus,
		primary:      primary,
		screen:       screen,
		participants: make(map[string]domain.RemoteParticipant),
		log:          log.With().Str("module", "app.registry").Logger(),
	}
}

// SetLocalUID records which identities are ours, for self-filtering, and
// announces the base identity to the UI layer.
func (r *Registry) SetLocalUID(uid domain.UID) {
	r.mu.Lock()
	r.localUID = uid
	r.mu.Unlock()
	r.bus.Publish(core.LocalUserIdentity{UID: uid})
}

// HandleUserPublished subscribes to a newly published remote stream and
// upserts the participant record. Our own identities are discarded: a
// session must never subscribe to its own screen share.
func (r *Registry) HandleUserPublished(ctx context.Context, uid string, kind domain.MediaKind) {
	r.mu.RLock()
	local := r.localUID
	r.mu.RUnlock()

	if local != "" && (uid == string(local) || uid == string(local.Screen())) {
		r.log.Debug().Str("uid", uid).Msg("self publish filtered")
		return
	}

	sub, origin := r.ownerOf(uid)
	if err := sub.Subscribe(ctx, uid, kind); err != nil {
		r.log.Error().Err(err).Str("uid", uid).Str("kind", kind.String()).Msg("subscribe failed")
		// A known participant keeps its record and earlier flags; only the
		// failed kind stays stale until the next refresh tries again. For a
		// brand-new uid nothing has been stored, so nothing is emitted.
		return
	}

	r.mu.Lock()
	p, ok := r.participants[uid]
	if !ok {
		p = domain.NewRemoteParticipant(uid, origin)
	}
	switch kind {
	case domain.MediaAudio:
		p.HasAudio = true
	case domain.MediaVideo:
		p.HasVideo = true
	}
	p.Origin = origin
	r.participants[uid] = p
	r.mu.Unlock()

	r.log.Info().Str("uid", uid).Str("kind", kind.String()).Str("origin", origin.String()).Msg("participant updated")
	r.bus.Publish(core.ParticipantUpdated{Participant: p})
}

// HandleUserUnpublished clears the media flag and re-emits the record.
func (r *Registry) HandleUserUnpublished(uid string, kind domain.MediaKind) {
	r.mu.Lock()
	p, ok := r.participants[uid]
	if !ok {
		r.mu.Unlock()
		return
	}
	switch kind {
	case domain.MediaAudio:
		p.HasAudio = false
	case domain.MediaVideo:
		p.HasVideo = false
	}
	r.participants[uid] = p
	r.mu.Unlock()

	r.bus.Publish(core.ParticipantUpdated{Participant: p})
}

// HandleUserLeft removes the record entirely.
func (r *Registry) HandleUserLeft(uid string) {
	r.mu.Lock()
	_, ok := r.participants[uid]
	delete(r.participants, uid)
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("uid", uid).Msg("participant left")
		r.bus.Publish(core.ParticipantLeft{UID: uid})
	}
}

// Reset clears the registry on full room exit.
func (r *Registry) Reset() {
	r.mu.Lock()
	cleared := len(r.participants) > 0
	r.participants = make(map[string]domain.RemoteParticipant)
	r.mu.Unlock()

	if cleared {
		r.log.Info().Msg("participants reset")
	}
	r.bus.Publish(core.ParticipantsReset{})
}

// Participants returns a copy of the current records.
func (r *Registry) Participants() []domain.RemoteParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RemoteParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Refresh runs a full unsubscribe/resubscribe cycle for every known
// participant. A backgrounded tab can silently drop frames without any
// error from the provider; cycling the subscription is the only fix.
// Individual failures are logged and skipped so one bad stream does not
// starve the rest.
func (r *Registry) Refresh(ctx context.Context) {
	for _, p := range r.Participants() {
		sub, _ := r.ownerOf(p.UID)
		kinds := make([]domain.MediaKind, 0, 2)
		if p.HasVideo {
			kinds = append(kinds, domain.MediaVideo)
		}
		if p.HasAudio {
			kinds = append(kinds, domain.MediaAudio)
		}
		for _, kind := range kinds {
			if err := sub.Unsubscribe(ctx, p.UID, kind); err != nil {
				r.log.Warn().Err(err).Str("uid", p.UID).Msg("refresh unsubscribe")
				continue
			}
			if err := sub.Subscribe(ctx, p.UID, kind); err != nil {
				r.log.Warn().Err(err).Str("uid", p.UID).Msg("refresh resubscribe")
				continue
			}
		}
		r.bus.Publish(core.ParticipantUpdated{Participant: p})
	}
}

// HandleCameraRequest answers a UI request for a participant's camera
// stream by re-emitting the current record for the base identity, so the
// requesting viewer gets a fresh ParticipantUpdated to attach to.
func (r *Registry) HandleCameraRequest(baseUID string) {
	r.mu.RLock()
	var found []domain.RemoteParticipant
	for _, p := range r.participants {
		if p.BaseUID == baseUID && !p.IsScreen {
			found = append(found, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range found {
		r.bus.Publish(core.ParticipantUpdated{Participant: p})
	}
}

// ownerOf picks the transport responsible for a remote uid: screen-suffixed
// publishers belong to the screen session when it is joined, everyone else
// to the primary.
func (r *Registry) ownerOf(uid string) (Subscriber, domain.TransportOrigin) {
	if domain.IsScreenUID(uid) && r.screen != nil && r.screen.Joined() {
		return r.screen, domain.OriginScreen
	}
	return r.primary, domain.OriginPrimary
}
