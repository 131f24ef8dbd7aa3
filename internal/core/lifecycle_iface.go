package core

// LifecycleSignal is an environment signal the recovery monitor reacts to.
type LifecycleSignal int

const (
	// SignalVisible fires when the tab is foregrounded again.
	SignalVisible LifecycleSignal = iota
	SignalFullscreenEnter
	SignalFullscreenExit
)

func (s LifecycleSignal) String() string {
	switch s {
	case SignalVisible:
		return "visible"
	case SignalFullscreenEnter:
		return "fullscreen-enter"
	case SignalFullscreenExit:
		return "fullscreen-exit"
	}
	return "unknown"
}

// LifecycleSource delivers environment signals (visibility changes,
// fullscreen transitions) to the recovery monitor.
type LifecycleSource interface {
	Signals() <-chan LifecycleSignal
}

// CorruptionDetector decides whether a capture handle needs recreation.
// It is a heuristic, not a guarantee: implementations must be safe to
// consult when nothing is actually broken, and the monitor works without
// one (nil detector disables the repair path).
type CorruptionDetector interface {
	Corrupted(h CaptureHandle, enabled bool) bool
}
