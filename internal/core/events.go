package core

import "github.com/keary/presence/internal/domain"

// Event is the sealed union of everything the session layer publishes to
// the UI layer. One struct per topic so payload shapes are checked at
// compile time instead of at runtime.
type Event interface{ isEvent() }

// LocalScreenShareStarted: local screen capture began.
type LocalScreenShareStarted struct {
	Handle CaptureHandle
}

// LocalScreenShareStopped: local screen capture ended, whether the user
// toggled it off or the browser terminated the capture itself.
type LocalScreenShareStopped struct{}

// RefreshLocalScreenShare asks viewers to re-render the local preview.
type RefreshLocalScreenShare struct {
	Handle CaptureHandle
}

// LocalUserIdentity announces which remote uid the local session owns,
// so viewers can self-filter.
type LocalUserIdentity struct {
	UID domain.UID
}

// ParticipantUpdated: a remote participant's audio/video availability changed.
type ParticipantUpdated struct {
	Participant domain.RemoteParticipant
}

// ParticipantLeft: a remote participant disconnected.
type ParticipantLeft struct {
	UID string
}

// ParticipantsReset: the registry was cleared (room change).
type ParticipantsReset struct{}

// CameraRequest is a UI request to resolve a participant's camera stream.
type CameraRequest struct {
	BaseUID string
}

func (LocalScreenShareStarted) isEvent() {}
func (LocalScreenShareStopped) isEvent() {}
func (RefreshLocalScreenShare) isEvent() {}
func (LocalUserIdentity) isEvent()       {}
func (ParticipantUpdated) isEvent()      {}
func (ParticipantLeft) isEvent()         {}
func (ParticipantsReset) isEvent()       {}
func (CameraRequest) isEvent()           {}

// EventBus fans events out to subscribed listeners. Delivery is
// at-most-once per listener and nothing is persisted.
type EventBus interface {
	Publish(Event)
	// Subscribe registers a listener and returns its cancel func.
	Subscribe(fn func(Event)) (cancel func())
}
