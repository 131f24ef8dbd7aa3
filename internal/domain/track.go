package domain

// TrackKind names one of the three local capture devices.
type TrackKind int

const (
	TrackCamera TrackKind = iota
	TrackMicrophone
	TrackScreen
)

func (k TrackKind) String() string {
	switch k {
	case TrackCamera:
		return "camera"
	case TrackMicrophone:
		return "microphone"
	case TrackScreen:
		return "screen"
	}
	return "unknown"
}

// MediaKind is the provider-level media type of a published stream.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaAudio {
		return "audio"
	}
	return "video"
}

// ParseMediaKind maps a wire string to a MediaKind.
func ParseMediaKind(s string) (MediaKind, bool) {
	switch s {
	case "audio":
		return MediaAudio, true
	case "video":
		return MediaVideo, true
	}
	return 0, false
}
