package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultMaxTracks bounds the queue length accepted by Validate when no
// explicit limit is configured.
const DefaultMaxTracks = 1000

// QueueState is the per-user playback queue. The server holds one canonical
// record per owner; clients hold volatile mirrors of it.
type QueueState struct {
	OwnerID      string     `json:"owner_id"`
	Tracks       []TrackRef `json:"tracks"`
	CurrentIndex *int       `json:"current_index"`
	Shuffle      bool       `json:"shuffle"`
	Repeat       RepeatMode `json:"repeat"`
	// OriginalOrder holds track ids in pre-shuffle order while shuffle is on.
	OriginalOrder []string  `json:"original_order,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
}

// NewQueueState returns the implicit version-0 record of an owner.
func NewQueueState(ownerID string) QueueState {
	return QueueState{
		OwnerID: ownerID,
		Tracks:  []TrackRef{},
		Repeat:  RepeatOff,
	}
}

// Index returns a pointer to i, for use as a CurrentIndex value.
func Index(i int) *int {
	return &i
}

// Clone returns a deep copy of the state.
func (q QueueState) Clone() QueueState {
	out := q
	out.Tracks = make([]TrackRef, len(q.Tracks))
	copy(out.Tracks, q.Tracks)
	if q.CurrentIndex != nil {
		out.CurrentIndex = Index(*q.CurrentIndex)
	}
	if q.OriginalOrder != nil {
		out.OriginalOrder = make([]string, len(q.OriginalOrder))
		copy(out.OriginalOrder, q.OriginalOrder)
	}
	return out
}

// Normalize fills zero values that have a canonical non-zero form.
func (q *QueueState) Normalize() {
	if q.Tracks == nil {
		q.Tracks = []TrackRef{}
	}
	if q.Repeat == "" {
		q.Repeat = RepeatOff
	}
	if len(q.OriginalOrder) == 0 {
		q.OriginalOrder = nil
	}
}

// Current returns the track at CurrentIndex, or nil for an empty queue.
func (q QueueState) Current() *TrackRef {
	if q.CurrentIndex == nil {
		return nil
	}
	i := *q.CurrentIndex
	if i < 0 || i >= len(q.Tracks) {
		return nil
	}
	return &q.Tracks[i]
}

// Validate checks the structural invariants of the queue content. Foreign
// validity of track ids is the catalog's concern and is not checked here.
func (q QueueState) Validate(maxTracks int) error {
	if maxTracks <= 0 {
		maxTracks = DefaultMaxTracks
	}
	if len(q.Tracks) > maxTracks {
		return &ValidationError{Field: "tracks", Message: fmt.Sprintf("queue may hold at most %d tracks", maxTracks)}
	}
	for i, t := range q.Tracks {
		if t.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("tracks[%d].id", i), Message: "track id cannot be empty"}
		}
	}

	switch {
	case len(q.Tracks) == 0 && q.CurrentIndex != nil:
		return &ValidationError{Field: "current_index", Message: "must be null when the queue is empty"}
	case len(q.Tracks) > 0 && q.CurrentIndex == nil:
		return &ValidationError{Field: "current_index", Message: "is required when the queue has tracks"}
	case q.CurrentIndex != nil && (*q.CurrentIndex < 0 || *q.CurrentIndex >= len(q.Tracks)):
		return &ValidationError{Field: "current_index", Message: fmt.Sprintf("%d is out of bounds for %d tracks", *q.CurrentIndex, len(q.Tracks))}
	}

	if !q.Repeat.Valid() {
		return &ValidationError{Field: "repeat", Message: fmt.Sprintf("invalid repeat mode %q (must be off, one, or all)", q.Repeat)}
	}
	if !q.Shuffle && len(q.OriginalOrder) > 0 {
		return &ValidationError{Field: "original_order", Message: "must be empty when shuffle is off"}
	}
	return nil
}

// content is the part of the state covered by Digest. Bookkeeping fields
// (version, timestamps, writer) are excluded.
type content struct {
	Tracks        []TrackRef `json:"tracks"`
	CurrentIndex  *int       `json:"current_index"`
	Shuffle       bool       `json:"shuffle"`
	Repeat        RepeatMode `json:"repeat"`
	OriginalOrder []string   `json:"original_order,omitempty"`
}

// Digest returns a hex BLAKE2b-256 digest of the queue content.
func (q QueueState) Digest() string {
	n := q.Clone()
	n.Normalize()
	data, err := json.Marshal(content{
		Tracks:        n.Tracks,
		CurrentIndex:  n.CurrentIndex,
		Shuffle:       n.Shuffle,
		Repeat:        n.Repeat,
		OriginalOrder: n.OriginalOrder,
	})
	if err != nil {
		// content holds only plain data; Marshal cannot fail on it
		panic(err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SameContent reports whether two states hold identical queue content.
func (q QueueState) SameContent(other QueueState) bool {
	return q.Digest() == other.Digest()
}

// WithContent returns q with the content fields of src.
func (q QueueState) WithContent(src QueueState) QueueState {
	c := src.Clone()
	q.Tracks = c.Tracks
	q.CurrentIndex = c.CurrentIndex
	q.Shuffle = c.Shuffle
	q.Repeat = c.Repeat
	q.OriginalOrder = c.OriginalOrder
	return q
}

// WriteRequest is the body of PUT /queue.
type WriteRequest struct {
	Tracks          []TrackRef `json:"tracks"`
	CurrentIndex    *int       `json:"current_index"`
	Shuffle         bool       `json:"shuffle"`
	Repeat          RepeatMode `json:"repeat"`
	OriginalOrder   []string   `json:"original_order,omitempty"`
	ExpectedVersion *int64     `json:"expected_version"`
}

// NewWriteRequest builds a write of the content of s against expectedVersion.
func NewWriteRequest(s QueueState, expectedVersion int64) WriteRequest {
	c := s.Clone()
	return WriteRequest{
		Tracks:          c.Tracks,
		CurrentIndex:    c.CurrentIndex,
		Shuffle:         c.Shuffle,
		Repeat:          c.Repeat,
		OriginalOrder:   c.OriginalOrder,
		ExpectedVersion: &expectedVersion,
	}
}

// State returns the queue content carried by the request.
func (r WriteRequest) State(ownerID string) QueueState {
	s := QueueState{
		OwnerID:       ownerID,
		Tracks:        r.Tracks,
		CurrentIndex:  r.CurrentIndex,
		Shuffle:       r.Shuffle,
		Repeat:        r.Repeat,
		OriginalOrder: r.OriginalOrder,
	}
	s.Normalize()
	return s
}

// WriteResponse is the body returned by PUT /queue. Accepted is false when the
// expected version was stale and the record is the one that superseded it.
type WriteResponse struct {
	QueueState
	Accepted bool `json:"accepted"`
}

// ChangeEvent announces that an owner's canonical record reached Version.
type ChangeEvent struct {
	OwnerID string `json:"owner_id"`
	Version int64  `json:"version"`
}

// ValidationError reports malformed queue content. It is a hard error: the
// write is rejected and must not be retried unchanged.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
