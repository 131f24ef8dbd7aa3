// Package orch coordinates the room's channel pair: joining and leaving,
// device toggles, bounded retries and recovery cleanup. All session
// mutations are serialized behind one mutex; the suspension points inside
// (token fetch, join, device acquisition) re-validate the epoch so a
// superseded attempt never acts on stale intent.
package orch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/app/device"
	"github.com/keary/presence/internal/app/registry"
	"github.com/keary/presence/internal/app/transport"
	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

type Config struct {
	JoinDebounce      time.Duration
	LeaveDebounce     time.Duration
	RetryBackoff      time.Duration
	PostToggleRefresh time.Duration
	MaxJoinAttempts   int
}

type roomIntent struct {
	realm domain.RealmID
	room  domain.RoomToken
	uid   domain.UID
}

// Orchestrator is explicitly constructed and dependency-injected; its
// lifetime is owned by the surrounding application session.
type Orchestrator struct {
	cfg Config
	clk clock.Clock

	gate     core.CapabilityGate
	devices  *device.Manager
	primary  *transport.Session
	screen   *transport.Session
	tokens   core.TokenProvider
	registry *registry.Registry
	bus      core.EventBus

	mu      sync.Mutex
	epoch   uint64
	intent  *roomIntent
	pending *clock.Timer
	current struct {
		realm   domain.RealmID
		room    domain.RoomToken
		channel domain.ChannelID
	}
	baseUID      domain.UID
	screenActive bool
	lastErr      error

	log zerolog.Logger
}

func New(
	cfg Config,
	clk clock.Clock,
	gate core.CapabilityGate,
	devices *device.Manager,
	primary, screen *transport.Session,
	tokens core.TokenProvider,
	reg *registry.Registry,
	bus core.EventBus,
) *Orchestrator {
	if cfg.MaxJoinAttempts <= 0 {
		cfg.MaxJoinAttempts = 2
	}
	return &Orchestrator{
		cfg:      cfg,
		clk:      clk,
		gate:     gate,
		devices:  devices,
		primary:  primary,
		screen:   screen,
		tokens:   tokens,
		registry: reg,
		bus:      bus,
		log:      log.With().Str("module", "app.orch").Logger(),
	}
}

// PrimaryState reports the camera+mic transport state.
func (o *Orchestrator) PrimaryState() transport.State { return o.primary.State() }

// ScreenState reports the screen-share transport state.
func (o *Orchestrator) ScreenState() transport.State { return o.screen.State() }

// CurrentChannel returns the channel of the room we are in, if any.
func (o *Orchestrator) CurrentChannel() domain.ChannelID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.channel
}

// LocalUID returns the identity of the most recent room intent, empty
// before the first EnterRoom.
func (o *Orchestrator) LocalUID() domain.UID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseUID
}

// ScreenSharing reports whether local screen capture is active.
func (o *Orchestrator) ScreenSharing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screenActive
}

// LastError returns the outcome of the most recent debounced room
// operation. The UI only ever sees this final result, never the retry
// bookkeeping behind it.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// schedule replaces any pending debounced room operation: last call wins.
func (o *Orchestrator) scheduleLocked(d time.Duration, fn func()) {
	if o.pending != nil {
		o.pending.Stop()
	}
	o.pending = o.clk.AfterFunc(d, fn)
}
