package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keary/presence/internal/app/bus"
	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

type subCall struct {
	op   string
	uid  string
	kind domain.MediaKind
}

type fakeSub struct {
	joined bool
	err    error
	calls  []subCall
}

func (s *fakeSub) Joined() bool { return s.joined }

func (s *fakeSub) Subscribe(_ context.Context, uid string, kind domain.MediaKind) error {
	s.calls = append(s.calls, subCall{"subscribe", uid, kind})
	return s.err
}

func (s *fakeSub) Unsubscribe(_ context.Context, uid string, kind domain.MediaKind) error {
	s.calls = append(s.calls, subCall{"unsubscribe", uid, kind})
	return s.err
}

func newTestRegistry() (*Registry, *fakeSub, *fakeSub, *[]core.Event) {
	b := bus.New()
	var events []core.Event
	b.Subscribe(func(ev core.Event) { events = append(events, ev) })

	primary := &fakeSub{joined: true}
	screen := &fakeSub{joined: true}
	return New(b, primary, screen), primary, screen, &events
}

func TestSelfFilter(t *testing.T) {
	r, primary, screen, _ := newTestRegistry()
	r.SetLocalUID("abc")
	ctx := context.Background()

	// Own identities are discarded, base and derived screen alike.
	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)
	r.HandleUserPublished(ctx, "abc_screen", domain.MediaVideo)
	assert.Empty(t, primary.calls)
	assert.Empty(t, screen.calls)
	assert.Empty(t, r.Participants())
}

func TestScreenSuffixOfOtherParticipantIsNotFiltered(t *testing.T) {
	r, _, screen, _ := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	// "abc_screen" is somebody else's screen share, not ours.
	r.HandleUserPublished(ctx, "abc_screen", domain.MediaVideo)

	require.Len(t, r.Participants(), 1)
	p := r.Participants()[0]
	assert.Equal(t, "abc_screen", p.UID)
	assert.Equal(t, "abc", p.BaseUID)
	assert.True(t, p.IsScreen)
	assert.Equal(t, domain.OriginScreen, p.Origin)
	assert.Len(t, screen.calls, 1)
}

func TestScreenPublisherFallsBackToPrimary(t *testing.T) {
	r, primary, screen, _ := newTestRegistry()
	screen.joined = false
	r.SetLocalUID("xyz")

	r.HandleUserPublished(context.Background(), "abc_screen", domain.MediaVideo)

	assert.Empty(t, screen.calls)
	assert.Len(t, primary.calls, 1)
}

func TestPublishUnpublishFlags(t *testing.T) {
	r, _, _, events := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaAudio)
	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)

	require.Len(t, r.Participants(), 1)
	p := r.Participants()[0]
	assert.True(t, p.HasAudio)
	assert.True(t, p.HasVideo)
	assert.False(t, p.IsScreen)

	r.HandleUserUnpublished("abc", domain.MediaVideo)
	p = r.Participants()[0]
	assert.True(t, p.HasAudio)
	assert.False(t, p.HasVideo)

	updates := 0
	for _, ev := range *events {
		if _, ok := ev.(core.ParticipantUpdated); ok {
			updates++
		}
	}
	assert.Equal(t, 3, updates)
}

func TestUnpublishUnknownUIDIsIgnored(t *testing.T) {
	r, _, _, events := newTestRegistry()
	before := len(*events)
	r.HandleUserUnpublished("ghost", domain.MediaVideo)
	assert.Len(t, *events, before)
}

func TestSubscribeFailureLeavesNoRecord(t *testing.T) {
	r, primary, _, events := newTestRegistry()
	primary.err = errors.New("stream gone")
	r.SetLocalUID("xyz")
	before := len(*events)

	r.HandleUserPublished(context.Background(), "abc", domain.MediaVideo)

	assert.Empty(t, r.Participants())
	assert.Len(t, *events, before)
}

func TestSubscribeFailureKeepsKnownParticipant(t *testing.T) {
	r, primary, _, events := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaAudio)
	require.Len(t, r.Participants(), 1)
	before := len(*events)

	// The video subscribe fails after audio already succeeded: the record
	// survives with its earlier flags, the failed kind stays stale.
	primary.err = errors.New("stream gone")
	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)

	require.Len(t, r.Participants(), 1)
	p := r.Participants()[0]
	assert.True(t, p.HasAudio)
	assert.False(t, p.HasVideo)
	assert.Len(t, *events, before, "no update and no participant-left emitted")
}

func TestUserLeft(t *testing.T) {
	r, _, _, events := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)
	r.HandleUserLeft("abc")

	assert.Empty(t, r.Participants())
	last := (*events)[len(*events)-1]
	assert.Equal(t, core.ParticipantLeft{UID: "abc"}, last)

	// Leaving twice emits nothing new.
	before := len(*events)
	r.HandleUserLeft("abc")
	assert.Len(t, *events, before)
}

func TestReset(t *testing.T) {
	r, _, _, events := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)
	r.HandleUserPublished(ctx, "def", domain.MediaAudio)

	r.Reset()
	assert.Empty(t, r.Participants())
	last := (*events)[len(*events)-1]
	assert.Equal(t, core.ParticipantsReset{}, last)
}

func TestCameraRequestReemitsParticipant(t *testing.T) {
	r, _, _, events := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)
	r.HandleUserPublished(ctx, "abc_screen", domain.MediaVideo)
	before := len(*events)

	// Only the camera record answers; the screen record is a different stream.
	r.HandleCameraRequest("abc")
	require.Len(t, *events, before+1)
	upd, ok := (*events)[before].(core.ParticipantUpdated)
	require.True(t, ok)
	assert.Equal(t, "abc", upd.Participant.UID)
	assert.False(t, upd.Participant.IsScreen)

	r.HandleCameraRequest("nobody")
	assert.Len(t, *events, before+1)
}

func TestRefreshCyclesSubscriptions(t *testing.T) {
	r, primary, _, _ := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)
	r.HandleUserPublished(ctx, "abc", domain.MediaAudio)
	primary.calls = nil

	r.Refresh(ctx)

	require.Len(t, primary.calls, 4)
	assert.Equal(t, "unsubscribe", primary.calls[0].op)
	assert.Equal(t, "subscribe", primary.calls[1].op)
	assert.Equal(t, "unsubscribe", primary.calls[2].op)
	assert.Equal(t, "subscribe", primary.calls[3].op)
}

func TestRefreshSkipsFailures(t *testing.T) {
	r, primary, _, _ := newTestRegistry()
	r.SetLocalUID("xyz")
	ctx := context.Background()

	r.HandleUserPublished(ctx, "abc", domain.MediaVideo)

	// A failing cycle must not remove the participant; the next refresh or
	// publish event gets another chance.
	primary.err = errors.New("flaky")
	r.Refresh(ctx)
	assert.Len(t, r.Participants(), 1)
}
