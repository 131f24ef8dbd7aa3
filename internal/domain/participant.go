package domain

// TransportOrigin says which of the two transports an event came from.
type TransportOrigin int

const (
	OriginPrimary TransportOrigin = iota
	OriginScreen
)

func (o TransportOrigin) String() string {
	if o == OriginScreen {
		return "screen"
	}
	return "primary"
}

// RemoteParticipant is one remote publisher known to the registry.
// A person sharing their screen appears as two records with the same BaseUID.
type RemoteParticipant struct {
	UID      string          `json:"uid"`
	BaseUID  string          `json:"base_uid"`
	HasAudio bool            `json:"has_audio"`
	HasVideo bool            `json:"has_video"`
	IsScreen bool            `json:"is_screen"`
	Origin   TransportOrigin `json:"-"`
}

// NewRemoteParticipant avoids raw literals in adapters and keeps the
// derived fields consistent with the raw identity.
func NewRemoteParticipant(raw string, origin TransportOrigin) RemoteParticipant {
	return RemoteParticipant{
		UID:      raw,
		BaseUID:  BaseUID(raw),
		IsScreen: IsScreenUID(raw),
		Origin:   origin,
	}
}
