// Package signal bridges the typed event bus to UI clients over websocket
// and feeds environment lifecycle signals (tab visibility, fullscreen
// transitions, reported by the UI) back into the recovery monitor.
package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outbound is the bus-to-UI wire envelope: a topic string plus a
// topic-shaped payload.
type outbound struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
	UID  string `json:"uid,omitempty"`
}

// EventBridge fans bus events out to every connected UI client and acts
// as the monitor's LifecycleSource for signals clients report back.
type EventBridge struct {
	bus     core.EventBus
	cancel  func()
	signals chan core.LifecycleSignal
	log     zerolog.Logger

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

var _ core.LifecycleSource = (*EventBridge)(nil)

func NewEventBridge(bus core.EventBus) *EventBridge {
	b := &EventBridge{
		bus:     bus,
		signals: make(chan core.LifecycleSignal, 8),
		conns:   make(map[*wsConn]struct{}),
		log:     log.With().Str("module", "adapters.signal").Logger(),
	}
	b.cancel = bus.Subscribe(b.onEvent)
	return b
}

// Signals implements core.LifecycleSource.
func (b *EventBridge) Signals() <-chan core.LifecycleSignal { return b.signals }

func (b *EventBridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for c := range b.conns {
		c.Close()
	}
	b.conns = map[*wsConn]struct{}{}
	b.mu.Unlock()
}

// HandleEvents upgrades a UI client connection and streams events to it
// until it disconnects.
func (b *EventBridge) HandleEvents(c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	b.log.Info().Str("sid", sid).Msg("ui event client connected")

	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	go conn.writePump(b.log)
	b.readPump(sid, conn)

	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	conn.Close()
}

func (b *EventBridge) readPump(sid string, c *wsConn) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			b.log.Info().Err(err).Str("sid", sid).Msg("ui event client gone")
			return
		}
		b.handleInbound(data)
	}
}

func (b *EventBridge) handleInbound(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Error().Err(err).Msg("bad json from ui client")
		return
	}

	switch msg.Type {
	case "visible":
		b.pushSignal(core.SignalVisible)
	case "fullscreen-enter":
		b.pushSignal(core.SignalFullscreenEnter)
	case "fullscreen-exit":
		b.pushSignal(core.SignalFullscreenExit)
	case "get-camera-for-identity":
		b.bus.Publish(core.CameraRequest{BaseUID: msg.UID})
	default:
		b.log.Warn().Str("type", msg.Type).Msg("unknown ui message")
	}
}

func (b *EventBridge) pushSignal(sig core.LifecycleSignal) {
	select {
	case b.signals <- sig:
	default:
		// A signal burst collapses fine: the monitor's refresh is idempotent.
		b.log.Debug().Stringer("signal", sig).Msg("lifecycle signal dropped")
	}
}

func (b *EventBridge) onEvent(ev core.Event) {
	env, ok := envelopeFor(ev)
	if !ok {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal event")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.conns {
		if err := c.TrySend(data); err != nil {
			b.log.Warn().Err(err).Str("topic", env.Topic).Msg("ui client slow, dropping event")
		}
	}
}

// envelopeFor maps bus events onto wire topics. CameraRequest stays
// in-process: it is a request FROM the UI, echoing it back would loop.
func envelopeFor(ev core.Event) (outbound, bool) {
	switch e := ev.(type) {
	case core.LocalScreenShareStarted:
		return outbound{Topic: "local-screen-share-started", Payload: trackRef(e.Handle)}, true
	case core.LocalScreenShareStopped:
		return outbound{Topic: "local-screen-share-stopped"}, true
	case core.RefreshLocalScreenShare:
		return outbound{Topic: "refresh-local-screen-share", Payload: trackRef(e.Handle)}, true
	case core.LocalUserIdentity:
		return outbound{Topic: "local-user-identity", Payload: gin.H{"uid": string(e.UID)}}, true
	case core.ParticipantUpdated:
		return outbound{Topic: "participant-updated", Payload: e.Participant}, true
	case core.ParticipantLeft:
		return outbound{Topic: "participant-left", Payload: gin.H{"uid": e.UID}}, true
	case core.ParticipantsReset:
		return outbound{Topic: "participants-reset"}, true
	}
	return outbound{}, false
}

func trackRef(h core.CaptureHandle) interface{} {
	if h == nil {
		return nil
	}
	return gin.H{"track_id": h.ID(), "kind": h.Kind().String()}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) writePump(log zerolog.Logger) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			log.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Msg("writePump write error")
			return
		}
	}
}
