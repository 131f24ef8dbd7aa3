package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keary/presence/internal/app/bus"
	"github.com/keary/presence/internal/app/capability"
	"github.com/keary/presence/internal/app/device"
	"github.com/keary/presence/internal/app/registry"
	"github.com/keary/presence/internal/app/transport"
	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

type fakeConn struct {
	mu       sync.Mutex
	joinErrs []error
	joins    []domain.UID
	leaves   int
}

func (c *fakeConn) Join(_ context.Context, channel domain.ChannelID, uid domain.UID, _ core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, uid)
	if len(c.joinErrs) == 0 {
		return nil
	}
	err := c.joinErrs[0]
	c.joinErrs = c.joinErrs[1:]
	if err != nil {
		return &core.ChannelJoinError{Channel: channel, Reason: reasonOf(err), Err: err}
	}
	return nil
}

var (
	errConflict = errors.New("uid conflict")
	errTimeout  = errors.New("timeout")
)

func reasonOf(err error) core.JoinFailure {
	switch err {
	case errConflict:
		return core.JoinConflict
	case errTimeout:
		return core.JoinTimeout
	}
	return core.JoinOther
}

func (c *fakeConn) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func (c *fakeConn) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joins)
}

func (c *fakeConn) Publish(context.Context, []core.CaptureHandle) error         { return nil }
func (c *fakeConn) UnpublishAll(context.Context) error                          { return nil }
func (c *fakeConn) Subscribe(context.Context, string, domain.MediaKind) error   { return nil }
func (c *fakeConn) Unsubscribe(context.Context, string, domain.MediaKind) error { return nil }
func (c *fakeConn) EnableDualStream(context.Context) error                      { return nil }
func (c *fakeConn) SetEvents(core.ChannelEvents)                                {}
func (c *fakeConn) Close() error                                                { return nil }

type fakeProvider struct {
	mu          sync.Mutex
	pendingErrs []error
	conns       []*fakeConn
}

func (p *fakeProvider) Connect(context.Context) (core.ProviderConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &fakeConn{joinErrs: p.pendingErrs}
	p.pendingErrs = nil
	p.conns = append(p.conns, c)
	return c, nil
}

// programJoinErrs queues failures for the next connection the provider
// hands out. Sessions connect lazily on first join, so this must run
// before the debounce timer fires.
func (p *fakeProvider) programJoinErrs(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingErrs = errs
}

// primaryConn returns the conn handed to the primary session. The primary
// always connects first; the screen session connects lazily on first
// screen join.
func (p *fakeProvider) primaryConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[0]
}

type fakeTokens struct {
	err     error
	fetches int
}

func (f *fakeTokens) FetchToken(_ context.Context, channel domain.ChannelID) (core.Token, error) {
	f.fetches++
	if f.err != nil {
		return "", f.err
	}
	return core.Token("tok-" + string(channel)), nil
}

type openProbe struct{}

func (openProbe) SecureContext() bool   { return true }
func (openProbe) Localhost() bool       { return true }
func (openProbe) HasCaptureAPI() bool   { return true }
func (openProbe) HasEnumerateAPI() bool { return true }

type closedProbe struct{}

func (closedProbe) SecureContext() bool   { return false }
func (closedProbe) Localhost() bool       { return false }
func (closedProbe) HasCaptureAPI() bool   { return false }
func (closedProbe) HasEnumerateAPI() bool { return false }

type testHandle struct {
	mu      sync.Mutex
	kind    domain.TrackKind
	id      string
	closed  bool
	onEnded []func()
}

func (h *testHandle) Kind() domain.TrackKind { return h.kind }
func (h *testHandle) ID() string             { return h.id }
func (h *testHandle) Replay()                {}

func (h *testHandle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *testHandle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnded = append(h.onEnded, fn)
}

func (h *testHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *testHandle) end() {
	h.mu.Lock()
	fns := h.onEnded
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type testCapturer struct {
	mu      sync.Mutex
	n       int
	handles []*testHandle
}

func (c *testCapturer) Acquire(_ context.Context, kind domain.TrackKind) (core.CaptureHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	h := &testHandle{kind: kind, id: fmt.Sprintf("%s-%d", kind, c.n)}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *testCapturer) last() *testHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

type fixture struct {
	clk      *clock.Mock
	provider *fakeProvider
	tokens   *fakeTokens
	capturer *testCapturer
	devices  *device.Manager
	primary  *transport.Session
	screen   *transport.Session
	orch     *Orchestrator
	events   *[]core.Event
	eventsMu *sync.Mutex
}

func newFixture(t *testing.T, probe core.EnvProbe) *fixture {
	t.Helper()

	clk := clock.NewMock()
	provider := &fakeProvider{}
	tokens := &fakeTokens{}
	capturer := &testCapturer{}
	gate := capability.New(probe)

	primary := transport.NewSession("primary", provider, clk, 15*time.Second)
	screen := transport.NewSession("screen", provider, clk, 15*time.Second)

	b := bus.New()
	var events []core.Event
	var eventsMu sync.Mutex
	b.Subscribe(func(ev core.Event) {
		eventsMu.Lock()
		events = append(events, ev)
		eventsMu.Unlock()
	})

	reg := registry.New(b, primary, screen)
	devices := device.NewManager(gate, capturer, primary)

	o := New(
		Config{
			JoinDebounce:    time.Second,
			LeaveDebounce:   time.Second,
			RetryBackoff:    2 * time.Second,
			MaxJoinAttempts: 2,
		},
		clk, gate, devices, primary, screen, tokens, reg, b,
	)
	return &fixture{
		clk:      clk,
		provider: provider,
		tokens:   tokens,
		capturer: capturer,
		devices:  devices,
		primary:  primary,
		screen:   screen,
		orch:     o,
		events:   &events,
		eventsMu: &eventsMu,
	}
}

func (f *fixture) eventsOf(match func(core.Event) bool) int {
	f.eventsMu.Lock()
	defer f.eventsMu.Unlock()
	n := 0
	for _, ev := range *f.events {
		if match(ev) {
			n++
		}
	}
	return n
}

// advance moves the mock clock and yields so fired callbacks finish before
// the test asserts on their effects.
func (f *fixture) advance(d time.Duration) {
	f.clk.Add(d)
	time.Sleep(10 * time.Millisecond)
}

func (f *fixture) enterAndSettle(t *testing.T, realm, room, uid string) {
	t.Helper()
	require.NoError(t, f.orch.EnterRoom(domain.RealmID(realm), domain.RoomToken(room), domain.UID(uid)))
	f.advance(time.Second)
}

func TestEnterRoomDebounceCoalesces(t *testing.T) {
	f := newFixture(t, openProbe{})

	// Rapid repeats collapse into exactly one join.
	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))
	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))
	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))
	f.advance(time.Second)

	assert.Equal(t, transport.StateJoined, f.orch.PrimaryState())
	assert.Equal(t, 1, f.provider.primaryConn().joinCount())
	assert.Equal(t, 1, f.tokens.fetches)
	assert.NoError(t, f.orch.LastError())
}

func TestEnterSameRoomAgainIsNoop(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room", "abc")
	f.enterAndSettle(t, "realm", "room", "abc")

	assert.Equal(t, 1, f.provider.primaryConn().joinCount())
	assert.Equal(t, transport.StateJoined, f.orch.PrimaryState())
}

func TestEnterDifferentRoomRejoins(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room1", "abc")
	f.enterAndSettle(t, "realm", "room2", "abc")

	assert.Equal(t, 2, f.provider.primaryConn().joinCount())
	assert.Equal(t, domain.DeriveChannelID("realm", "room2"), f.orch.CurrentChannel())
}

func TestConflictRetryBound(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.provider.programJoinErrs(errConflict, errConflict, errConflict)
	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))

	f.advance(time.Second) // debounce, attempt 1: conflict, retry scheduled
	assert.NoError(t, f.orch.LastError(), "retry bookkeeping is not surfaced")
	f.advance(2 * time.Second) // backoff, attempt 2: conflict, surfaced

	conn := f.provider.primaryConn()
	assert.Equal(t, 2, conn.joinCount(), "exactly two attempts, never a loop")

	var je *core.ChannelJoinError
	require.ErrorAs(t, f.orch.LastError(), &je)
	assert.Equal(t, core.JoinConflict, je.Reason)
	assert.Equal(t, transport.StateDisconnected, f.orch.PrimaryState())

	// Nothing further is ever scheduled.
	f.advance(time.Minute)
	assert.Equal(t, 2, conn.joinCount())
}

func TestConflictRetryKeepsIdentityAndSucceeds(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.provider.programJoinErrs(errConflict)
	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))

	f.advance(time.Second)     // attempt 1: conflict
	f.advance(2 * time.Second) // attempt 2: success

	conn := f.provider.primaryConn()
	require.Equal(t, 2, conn.joinCount())
	assert.Equal(t, []domain.UID{"abc", "abc"}, conn.joins, "retry never mints a new identity")
	assert.Equal(t, transport.StateJoined, f.orch.PrimaryState())
	assert.NoError(t, f.orch.LastError())
}

func TestStaleRetryIsAbandonedAfterNewIntent(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.provider.programJoinErrs(errConflict)

	require.NoError(t, f.orch.EnterRoom("realm", "room1", "abc"))
	f.advance(time.Second) // attempt 1: conflict, retry pending

	// The retry timer fires concurrently with a new intent; its attempt
	// carries the old epoch and must not join room2 ahead of the debounce.
	f.orch.mu.Lock()
	staleEpoch := f.orch.epoch // the epoch the pending retry was scheduled under
	f.orch.mu.Unlock()
	require.NoError(t, f.orch.EnterRoom("realm", "room2", "abc"))
	f.orch.doEnterRoom(context.Background(), 2, staleEpoch)

	conn := f.provider.primaryConn()
	assert.Equal(t, 1, conn.joinCount(), "stale retry never joins")
	assert.Equal(t, transport.StateDisconnected, f.orch.PrimaryState())

	// The debounced join proceeds normally.
	f.advance(time.Second)
	assert.Equal(t, transport.StateJoined, f.orch.PrimaryState())
	assert.Equal(t, domain.DeriveChannelID("realm", "room2"), f.orch.CurrentChannel())
}

func TestTimeoutIsRetriedLikeConflict(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.provider.programJoinErrs(errTimeout)
	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))

	f.advance(time.Second)
	f.advance(2 * time.Second)

	assert.Equal(t, 2, f.provider.primaryConn().joinCount())
	assert.Equal(t, transport.StateJoined, f.orch.PrimaryState())
}

func TestTokenErrorSurfacedWithoutJoin(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.tokens.err = errors.New("service down")

	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))
	f.advance(time.Second)

	var tokErr *core.TokenError
	require.ErrorAs(t, f.orch.LastError(), &tokErr)
	assert.Nil(t, f.provider.primaryConn(), "no transport activity without a token")

	// Not silently retried: a configuration issue, not a transient one.
	f.advance(time.Minute)
	assert.Equal(t, 1, f.tokens.fetches)
}

func TestCapabilityDeniedEnterRoom(t *testing.T) {
	f := newFixture(t, closedProbe{})

	err := f.orch.EnterRoom("realm", "room", "abc")
	var capErr *core.CapabilityError
	require.ErrorAs(t, err, &capErr)

	f.advance(time.Minute)
	assert.Nil(t, f.provider.primaryConn())
}

func TestCapabilityDeniedToggle(t *testing.T) {
	f := newFixture(t, closedProbe{})

	muted, err := f.orch.ToggleCamera(context.Background())
	assert.True(t, muted)
	var devErr *core.DeviceAcquisitionError
	require.ErrorAs(t, err, &devErr)
	assert.False(t, f.devices.Enabled(domain.TrackCamera))
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room", "abc")

	_, err := f.orch.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.primary.PublishedCount())

	f.orch.LeaveRoom()
	f.advance(time.Second)

	assert.Equal(t, transport.StateDisconnected, f.orch.PrimaryState())
	assert.Equal(t, domain.ChannelID(""), f.orch.CurrentChannel())
	assert.Zero(t, f.primary.PublishedCount())

	// Camera survives for a lobby preview.
	_, ok := f.devices.Handle(domain.TrackCamera)
	assert.True(t, ok)
}

func TestLeaveSupersedesPendingJoin(t *testing.T) {
	f := newFixture(t, openProbe{})

	require.NoError(t, f.orch.EnterRoom("realm", "room", "abc"))
	f.orch.LeaveRoom() // before the join debounce fires
	f.advance(time.Minute)

	assert.Nil(t, f.provider.primaryConn())
	assert.Equal(t, transport.StateDisconnected, f.orch.PrimaryState())
}

func TestForceCleanupCompleteness(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room", "abc")

	_, err := f.orch.ToggleCamera(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.primary.PublishedCount())

	f.orch.ForceCleanup(context.Background())

	assert.Equal(t, transport.StateDisconnected, f.orch.PrimaryState())
	assert.Equal(t, transport.StateDisconnected, f.orch.ScreenState())
	assert.Zero(t, f.primary.PublishedCount())
	assert.Zero(t, f.screen.PublishedCount())
	assert.NoError(t, f.orch.LastError())

	// Acquired but unpublished, matching leaveRoom semantics.
	_, ok := f.devices.Handle(domain.TrackCamera)
	assert.True(t, ok)
}

func TestScreenShareLifecycle(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room", "abc")
	ctx := context.Background()

	sharing, err := f.orch.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, sharing)
	assert.Equal(t, transport.StateJoined, f.orch.ScreenState())
	assert.Equal(t, domain.UID("abc_screen"), f.screen.Identity())
	assert.Equal(t, 1, f.eventsOf(func(ev core.Event) bool {
		_, ok := ev.(core.LocalScreenShareStarted)
		return ok
	}))

	handle := f.capturer.last()
	require.NotNil(t, handle)

	sharing, err = f.orch.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.False(t, sharing)
	assert.Equal(t, transport.StateDisconnected, f.orch.ScreenState())
	assert.False(t, handle.Live(), "screen track is closed on stop")
	assert.Equal(t, 1, f.eventsOf(func(ev core.Event) bool {
		_, ok := ev.(core.LocalScreenShareStopped)
		return ok
	}))
}

func TestScreenShareOutsideRoomJoinsNothing(t *testing.T) {
	f := newFixture(t, openProbe{})

	sharing, err := f.orch.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, sharing)
	assert.Equal(t, transport.StateDisconnected, f.orch.ScreenState())
}

func TestScreenShareFollowsRoomChange(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room1", "abc")

	_, err := f.orch.ToggleScreenShare(context.Background())
	require.NoError(t, err)

	f.enterAndSettle(t, "realm", "room2", "abc")

	assert.True(t, f.orch.ScreenSharing())
	assert.Equal(t, transport.StateJoined, f.orch.ScreenState())
	assert.Equal(t, domain.DeriveChannelID("realm", "room2"), f.screen.Channel())
}

func TestBrowserStopSharingEndsScreenShare(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room", "abc")

	_, err := f.orch.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	handle := f.capturer.last()

	// The browser's own "Stop sharing" control terminates the capture.
	handle.end()

	assert.False(t, f.orch.ScreenSharing())
	assert.Equal(t, transport.StateDisconnected, f.orch.ScreenState())
	assert.Equal(t, 1, f.eventsOf(func(ev core.Event) bool {
		_, ok := ev.(core.LocalScreenShareStopped)
		return ok
	}))
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, openProbe{})
	f.enterAndSettle(t, "realm", "room", "abc")

	_, err := f.orch.ToggleCamera(context.Background())
	require.NoError(t, err)
	_, err = f.orch.ToggleScreenShare(context.Background())
	require.NoError(t, err)

	f.orch.Destroy(context.Background())

	assert.Equal(t, transport.StateDisconnected, f.orch.PrimaryState())
	assert.Equal(t, transport.StateDisconnected, f.orch.ScreenState())
	assert.False(t, f.orch.ScreenSharing())
	_, ok := f.devices.Handle(domain.TrackCamera)
	assert.False(t, ok, "destroy releases capture too")
}
