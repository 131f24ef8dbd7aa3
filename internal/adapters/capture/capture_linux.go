//go:build linux

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// Supported reports whether this build carries capture drivers.
const Supported = true

// Capturer opens local devices through pion/mediadevices. One codec
// selector serves every acquired track so the published encodings match
// what the transport's media engine negotiated.
type Capturer struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

var _ core.Capturer = (*Capturer)(nil)

func NewCapturer() (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	c := &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log.With().Str("module", "adapters.capture").Logger(),
	}

	for _, d := range mediadevices.EnumerateDevices() {
		c.log.Debug().
			Str("kind", fmt.Sprint(d.Kind)).
			Str("label", d.Label).
			Msg("media device")
	}
	return c, nil
}

// Populate registers the capturer's encoders on the transport's media
// engine. Must run before any peer connection is created.
func (c *Capturer) Populate(me *webrtc.MediaEngine) {
	c.selector.Populate(me)
}

func (c *Capturer) Acquire(ctx context.Context, kind domain.TrackKind) (core.CaptureHandle, error) {
	var (
		stream mediadevices.MediaStream
		err    error
	)
	switch kind {
	case domain.TrackCamera:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: c.selector,
			Video: func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node that
				// feeds the VP8 encoder malformed frames.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			},
		})
	case domain.TrackMicrophone:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: c.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	case domain.TrackScreen:
		stream, err = mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Codec: c.selector,
			Video: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	want := webrtc.RTPCodecTypeVideo
	if kind == domain.TrackMicrophone {
		want = webrtc.RTPCodecTypeAudio
	}

	var picked mediadevices.Track
	for _, t := range stream.GetTracks() {
		if picked == nil && t.Kind() == want {
			picked = t
			continue
		}
		t.Close()
	}
	if picked == nil {
		return nil, fmt.Errorf("capture stream for %s carried no %s track", kind, want)
	}

	h := &handle{kind: kind, track: picked, log: c.log}
	picked.OnEnded(func(err error) { h.markEnded(err) })
	c.log.Info().Str("kind", kind.String()).Str("id", picked.ID()).Msg("capture acquired")
	return h, nil
}

// handle wraps one mediadevices track. Close suppresses the ended
// callback: self-termination and deliberate release must stay
// distinguishable upstream.
type handle struct {
	kind  domain.TrackKind
	track mediadevices.Track
	log   zerolog.Logger

	mu      sync.Mutex
	ended   bool
	closed  bool
	onEnded []func()
}

var _ core.CaptureHandle = (*handle)(nil)

func (h *handle) Kind() domain.TrackKind { return h.kind }
func (h *handle) ID() string             { return h.track.ID() }

func (h *handle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.ended && !h.closed
}

// Replay is a no-op here: remote renderers re-attach through the transport
// on their own, and the local encoder keeps producing frames continuously.
func (h *handle) Replay() {
	h.log.Debug().Str("kind", h.kind.String()).Msg("replay requested")
}

func (h *handle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		go fn()
		return
	}
	h.onEnded = append(h.onEnded, fn)
}

// Local exposes the underlying publishable track for the transport.
func (h *handle) Local() webrtc.TrackLocal { return h.track }

func (h *handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.track.Close()
}

func (h *handle) markEnded(err error) {
	h.mu.Lock()
	if h.ended || h.closed {
		h.mu.Unlock()
		return
	}
	h.ended = true
	fns := h.onEnded
	h.onEnded = nil
	h.mu.Unlock()

	if err != nil {
		h.log.Warn().Err(err).Str("kind", h.kind.String()).Msg("capture ended")
	}
	for _, fn := range fns {
		fn()
	}
}
