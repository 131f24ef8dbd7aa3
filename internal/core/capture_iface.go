package core

import (
	"context"

	"github.com/keary/presence/internal/domain"
)

// CaptureHandle is one live local media source. Exclusively owned by the
// device manager; nothing else may Close it.
type CaptureHandle interface {
	Kind() domain.TrackKind
	ID() string
	// Live reports whether the underlying stream is still producing frames.
	// Returns false once the stream ended, expectedly or not.
	Live() bool
	// Replay asks any render target to re-attach the source. Safe to call
	// when nothing is attached or broken.
	Replay()
	// OnEnded registers a callback fired once when the underlying stream
	// terminates itself (e.g. the browser's own "Stop sharing" control).
	OnEnded(fn func())
	Close() error
}

// Capturer acquires local capture devices. Acquire may block on a
// device-permission prompt; there is no way to cancel that prompt, callers
// must guard against acting on a grant that arrives too late.
type Capturer interface {
	Acquire(ctx context.Context, kind domain.TrackKind) (CaptureHandle, error)
}
