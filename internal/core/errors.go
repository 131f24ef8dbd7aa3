package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keary/presence/internal/domain"
)

// ErrNotJoined is returned by transport operations that require a joined
// session (publish, subscribe, leave from the wrong state).
var ErrNotJoined = errors.New("transport session not joined")

// CapabilityError means the environment cannot support real-time media.
// Fatal for the current attempt, never retried.
type CapabilityError struct {
	Reasons []string
}

func (e *CapabilityError) Error() string {
	if len(e.Reasons) == 0 {
		return "real-time media not available in this environment"
	}
	return "real-time media not available: " + strings.Join(e.Reasons, "; ")
}

// DeviceAcquisitionError means a capture device could not be acquired or
// re-enabled. The toggle that caused it reports "remains muted".
type DeviceAcquisitionError struct {
	Kind domain.TrackKind
	Err  error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("%s acquisition failed: %v", e.Kind, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

// TokenError means the token service is unreachable or misconfigured.
// Not retried: a configuration issue, not a transient one.
type TokenError struct {
	Channel domain.ChannelID
	Err     error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token fetch for channel %q failed: %v", e.Channel, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// JoinFailure classifies a failed channel join.
type JoinFailure int

const (
	JoinOther JoinFailure = iota
	JoinTimeout
	JoinConflict
)

func (f JoinFailure) String() string {
	switch f {
	case JoinTimeout:
		return "timeout"
	case JoinConflict:
		return "conflict"
	}
	return "other"
}

// ChannelJoinError reports a failed join attempt. Timeout and Conflict are
// retried once by the orchestrator; Other is surfaced immediately.
type ChannelJoinError struct {
	Channel domain.ChannelID
	Reason  JoinFailure
	Err     error
}

func (e *ChannelJoinError) Error() string {
	return fmt.Sprintf("join channel %q failed (%s): %v", e.Channel, e.Reason, e.Err)
}

func (e *ChannelJoinError) Unwrap() error { return e.Err }

// PublishError wraps a failed publish/unpublish. Never silently retried:
// a retry could double-publish.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish failed: %v", e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// SubscribeError wraps a failed subscribe/unsubscribe for one remote uid.
type SubscribeError struct {
	UID  string
	Kind domain.MediaKind
	Err  error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s of %q failed: %v", e.Kind, e.UID, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }
