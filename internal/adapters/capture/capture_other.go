//go:build !linux

package capture

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// Supported reports whether this build carries capture drivers.
const Supported = false

// Capturer is the no-capture stub. Camera/mic/screen acquisition needs
// platform drivers (V4L2, malgo, X11) that only the linux build links.
type Capturer struct{}

var _ core.Capturer = (*Capturer)(nil)

func NewCapturer() (*Capturer, error) { return &Capturer{}, nil }

func (c *Capturer) Populate(_ *webrtc.MediaEngine) {}

func (c *Capturer) Acquire(_ context.Context, _ domain.TrackKind) (core.CaptureHandle, error) {
	return nil, ErrUnsupported
}
