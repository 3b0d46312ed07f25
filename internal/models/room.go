package models

import "time"

// Mode separates text-only pairings from audio/video pairings. Clients are
// only ever matched with clients of the same mode.
type Mode int

const (
	ModeAudioVideo Mode = iota
	ModeTextOnly
)

// ModeFor maps the wire textOnly flag to a Mode.
func ModeFor(textOnly bool) Mode {
	if textOnly {
		return ModeTextOnly
	}
	return ModeAudioVideo
}

func (m Mode) TextOnly() bool { return m == ModeTextOnly }

func (m Mode) String() string {
	if m == ModeTextOnly {
		return "text-only"
	}
	return "audio-video"
}

// RoomMetadata is the public view of an active room. Member identities are
// never exposed.
type RoomMetadata struct {
	ID        string    `json:"id"`
	TextOnly  bool      `json:"textOnly"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats summarises broker and presence state for /api/stats.
type Stats struct {
	Online  int64 `json:"online"`
	Waiting int   `json:"waiting"`
	Rooms   int   `json:"rooms"`
}
