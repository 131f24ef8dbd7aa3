// Package capture acquires local camera, microphone and screen sources.
// The real implementation sits behind a linux build tag (V4L2, malgo and
// X11 drivers via pion/mediadevices); other platforms get a stub that
// reports capture as unsupported so the capability gate denies real-time
// media up front.
package capture

import "errors"

// ErrUnsupported is returned by Acquire on platforms without capture
// drivers.
var ErrUnsupported = errors.New("media capture is not supported on this platform")
