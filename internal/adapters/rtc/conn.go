package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// envelope is the signaling wire format, both directions.
type envelope struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Channel   string `json:"channel,omitempty"`
	UID       string `json:"uid,omitempty"`
	Token     string `json:"token,omitempty"`
	Kind      string `json:"kind,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// localTrack is what published capture handles must expose. The capture
// adapter's handles satisfy it; test fakes don't get published through
// this provider.
type localTrack interface {
	Local() webrtc.TrackLocal
}

type pendingResult struct {
	err error
}

// Conn is one signaling socket plus one peer connection. It speaks a
// request/acknowledge protocol for control messages (join, subscribe) and
// renegotiates the peer connection when the published set changes.
type Conn struct {
	ws      *websocket.Conn
	pc      *webrtc.PeerConnection
	timeout time.Duration
	log     zerolog.Logger

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	seq     uint64
	pending map[uint64]chan pendingResult
	senders map[string]*webrtc.RTPSender
	channel domain.ChannelID
	events  core.ChannelEvents
	negMu   sync.Mutex
}

var _ core.ProviderConn = (*Conn)(nil)

func newConn(ws *websocket.Conn, pc *webrtc.PeerConnection, timeout time.Duration, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:      ws,
		pc:      pc,
		timeout: timeout,
		log:     log,
		send:    make(chan []byte, 32),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan pendingResult),
		senders: make(map[string]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		_ = c.push(envelope{Type: "candidate", Candidate: cand.ToJSON().Candidate})
	})

	go c.writePump()
	go c.readPump()
	return c
}

func (c *Conn) SetEvents(ev core.ChannelEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = ev
}

func (c *Conn) Join(ctx context.Context, channel domain.ChannelID, uid domain.UID, token core.Token) error {
	err := c.request(ctx, envelope{
		Type:    "join",
		Channel: string(channel),
		UID:     string(uid),
		Token:   string(token),
	})
	if err != nil {
		return joinError(channel, err)
	}
	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()
	return nil
}

func (c *Conn) Leave(ctx context.Context) error {
	err := c.request(ctx, envelope{Type: "leave"})
	c.mu.Lock()
	c.channel = ""
	c.mu.Unlock()
	return err
}

// Publish adds local tracks to the peer connection and renegotiates.
func (c *Conn) Publish(ctx context.Context, handles []core.CaptureHandle) error {
	c.mu.Lock()
	for _, h := range handles {
		if _, dup := c.senders[h.ID()]; dup {
			continue
		}
		lt, ok := h.(localTrack)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("capture handle %q carries no publishable track", h.ID())
		}
		sender, err := c.pc.AddTrack(lt.Local())
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.senders[h.ID()] = sender
	}
	c.mu.Unlock()
	return c.renegotiate(ctx)
}

func (c *Conn) UnpublishAll(ctx context.Context) error {
	c.mu.Lock()
	for id, sender := range c.senders {
		if err := c.pc.RemoveTrack(sender); err != nil {
			c.log.Warn().Err(err).Str("track", id).Msg("remove track")
		}
		delete(c.senders, id)
	}
	c.mu.Unlock()
	return c.renegotiate(ctx)
}

func (c *Conn) Subscribe(ctx context.Context, uid string, kind domain.MediaKind) error {
	return c.request(ctx, envelope{Type: "subscribe", UID: uid, Kind: kind.String()})
}

func (c *Conn) Unsubscribe(ctx context.Context, uid string, kind domain.MediaKind) error {
	return c.request(ctx, envelope{Type: "unsubscribe", UID: uid, Kind: kind.String()})
}

func (c *Conn) EnableDualStream(ctx context.Context) error {
	return c.request(ctx, envelope{Type: "dual-stream"})
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for seq, ch := range c.pending {
		ch <- pendingResult{err: errors.New("connection closed")}
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	err := c.ws.Close()
	if pcErr := c.pc.Close(); err == nil {
		err = pcErr
	}
	return err
}

// request sends an envelope and blocks until the backend acknowledges it,
// the timeout lapses or the context ends.
func (c *Conn) request(ctx context.Context, env envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.seq++
	env.Seq = c.seq
	ch := make(chan pendingResult, 1)
	c.pending[env.Seq] = ch
	c.mu.Unlock()

	if err := c.push(env); err != nil {
		c.dropPending(env.Seq)
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.dropPending(env.Seq)
		return ctx.Err()
	case <-timer.C:
		c.dropPending(env.Seq)
		return fmt.Errorf("%s not acknowledged within %s", env.Type, c.timeout)
	case res := <-ch:
		return res.err
	}
}

// dropPending forgets a request nobody waits on anymore, so a backend
// that never answers cannot grow the pending map.
func (c *Conn) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Conn) push(env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return ErrBackpressure
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Msg("bad json from backend")
		return
	}

	switch env.Type {
	case "ack":
		c.resolve(env.Seq, nil)
	case "error":
		c.resolve(env.Seq, backendError(env))
	case "user-published":
		if fn := c.eventsSnapshot().OnUserPublished; fn != nil {
			if kind, ok := domain.ParseMediaKind(env.Kind); ok {
				fn(env.UID, kind)
			}
		}
	case "user-unpublished":
		if fn := c.eventsSnapshot().OnUserUnpublished; fn != nil {
			if kind, ok := domain.ParseMediaKind(env.Kind); ok {
				fn(env.UID, kind)
			}
		}
	case "user-left":
		if fn := c.eventsSnapshot().OnUserLeft; fn != nil {
			fn(env.UID)
		}
	case "answer":
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: env.SDP,
		}); err != nil {
			c.log.Error().Err(err).Msg("apply answer")
		}
	case "offer":
		c.handleRemoteOffer(env)
	case "candidate":
		if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: env.Candidate}); err != nil {
			c.log.Warn().Err(err).Msg("add ice candidate")
		}
	default:
		c.log.Warn().Str("type", env.Type).Msg("unknown signal from backend")
	}
}

func (c *Conn) resolve(seq uint64, err error) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if ok {
		ch <- pendingResult{err: err}
	} else if err != nil {
		c.log.Warn().Err(err).Uint64("seq", seq).Msg("unmatched backend error")
	}
}

func (c *Conn) eventsSnapshot() core.ChannelEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// renegotiate runs one offer/answer round after the published set changed.
// Rounds are serialized: overlapping offers would leave the peer
// connection in have-local-offer limbo.
func (c *Conn) renegotiate(ctx context.Context) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return c.request(ctx, envelope{Type: "offer", SDP: offer.SDP})
}

func (c *Conn) handleRemoteOffer(env envelope) {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: env.SDP,
	}); err != nil {
		c.log.Error().Err(err).Msg("apply remote offer")
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.log.Error().Err(err).Msg("create answer")
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.log.Error().Err(err).Msg("set local answer")
		return
	}
	_ = c.push(envelope{Type: "answer", Seq: env.Seq, SDP: answer.SDP})
}

type backendErr struct {
	code string
	msg  string
}

func (e *backendErr) Error() string {
	if e.msg == "" {
		return "backend error " + e.code
	}
	return fmt.Sprintf("backend error %s: %s", e.code, e.msg)
}

func backendError(env envelope) error {
	return &backendErr{code: env.Code, msg: env.Message}
}

// joinError maps a backend failure onto the retry taxonomy. Identity
// conflicts and timeouts are what the orchestrator retries; everything
// else surfaces as-is.
func joinError(channel domain.ChannelID, err error) error {
	reason := core.JoinOther
	var be *backendErr
	if errors.As(err, &be) {
		switch be.code {
		case "uid_conflict":
			reason = core.JoinConflict
		case "timeout":
			reason = core.JoinTimeout
		}
	}
	return &core.ChannelJoinError{Channel: channel, Reason: reason, Err: err}
}
