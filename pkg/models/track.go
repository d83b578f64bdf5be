package models

// TrackRef references a catalog track from a queue. Only ID is authoritative;
// the remaining fields are denormalized so clients can render the queue without
// a catalog lookup.
type TrackRef struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// RepeatMode controls what happens when playback reaches the end of the queue
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)

// Valid reports whether m is one of the known repeat modes
func (m RepeatMode) Valid() bool {
	switch m {
	case RepeatOff, RepeatOne, RepeatAll:
		return true
	}
	return false
}
