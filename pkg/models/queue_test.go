package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func sample() QueueState {
	s := NewQueueState("alice")
	s.Tracks = []TrackRef{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	s.CurrentIndex = Index(1)
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*QueueState)
		wantField string
	}{
		{"valid", func(*QueueState) {}, ""},
		{"empty queue", func(s *QueueState) { s.Tracks = nil; s.CurrentIndex = nil }, ""},
		{"index on empty queue", func(s *QueueState) { s.Tracks = nil }, "current_index"},
		{"missing index", func(s *QueueState) { s.CurrentIndex = nil }, "current_index"},
		{"index out of bounds", func(s *QueueState) { s.CurrentIndex = Index(3) }, "current_index"},
		{"negative index", func(s *QueueState) { s.CurrentIndex = Index(-1) }, "current_index"},
		{"empty track id", func(s *QueueState) { s.Tracks[2].ID = "" }, "tracks[2].id"},
		{"bad repeat", func(s *QueueState) { s.Repeat = "twice" }, "repeat"},
		{"order without shuffle", func(s *QueueState) { s.OriginalOrder = []string{"a"} }, "original_order"},
		{"order with shuffle", func(s *QueueState) { s.Shuffle = true; s.OriginalOrder = []string{"c", "b", "a"} }, ""},
		{"too many tracks", func(s *QueueState) { s.Tracks = append(s.Tracks, TrackRef{ID: "d"}) }, "tracks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sample()
			tt.mutate(&s)
			err := s.Validate(3)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Expected field %q, got %q (%s)", tt.wantField, verr.Field, verr.Message)
			}
		})
	}
}

func TestValidateDefaultLimit(t *testing.T) {
	s := NewQueueState("alice")
	for i := 0; i <= DefaultMaxTracks; i++ {
		s.Tracks = append(s.Tracks, TrackRef{ID: "t"})
	}
	s.CurrentIndex = Index(0)
	if err := s.Validate(0); err == nil || !strings.Contains(err.Error(), "at most 1000") {
		t.Errorf("Expected default limit error, got %v", err)
	}
}

func TestDigestCoversContentOnly(t *testing.T) {
	a := sample()
	b := sample()
	b.Version = 9
	b.UpdatedAt = time.Now()
	b.UpdatedBy = "phone"
	b.OwnerID = "bob"

	if a.Digest() != b.Digest() {
		t.Error("Bookkeeping fields must not change the digest")
	}
	if !a.SameContent(b) {
		t.Error("Expected same content")
	}

	b.Tracks[0], b.Tracks[1] = b.Tracks[1], b.Tracks[0]
	if a.SameContent(b) {
		t.Error("Order is content")
	}

	// nil and empty track lists are the same queue
	empty := QueueState{}
	if empty.Digest() != NewQueueState("x").Digest() {
		t.Error("Expected normalized digests to match")
	}
	if len(a.Digest()) != 64 {
		t.Errorf("Expected 256-bit hex digest, got %q", a.Digest())
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := sample()
	a.Shuffle = true
	a.OriginalOrder = []string{"a", "b", "c"}
	b := a.Clone()

	b.Tracks[0].ID = "changed"
	*b.CurrentIndex = 2
	b.OriginalOrder[0] = "changed"

	if a.Tracks[0].ID != "a" || *a.CurrentIndex != 1 || a.OriginalOrder[0] != "a" {
		t.Errorf("Clone shares memory with the original: %+v", a)
	}
}

func TestWithContentKeepsBookkeeping(t *testing.T) {
	stored := NewQueueState("alice")
	stored.Version = 4
	stored.UpdatedBy = "laptop"

	next := sample()
	next.Version = 99
	next.OwnerID = "mallory"

	got := stored.WithContent(next)
	if got.Version != 4 || got.OwnerID != "alice" || got.UpdatedBy != "laptop" {
		t.Errorf("Bookkeeping was overwritten: %+v", got)
	}
	if !got.SameContent(next) {
		t.Error("Content was not copied")
	}
}

func TestWriteRequestRoundTrip(t *testing.T) {
	req := NewWriteRequest(sample(), 3)

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"expected_version":3`) {
		t.Errorf("Missing expected_version in %s", data)
	}

	var decoded WriteRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	state := decoded.State("alice")
	if state.OwnerID != "alice" || !state.SameContent(sample()) {
		t.Errorf("Unexpected state %+v", state)
	}
	if state.Repeat != RepeatOff {
		t.Errorf("Expected normalized repeat, got %q", state.Repeat)
	}

	var missing WriteRequest
	if err := json.Unmarshal([]byte(`{"tracks":[]}`), &missing); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if missing.ExpectedVersion != nil {
		t.Error("Absent expected_version must decode as nil")
	}
}

func TestCurrent(t *testing.T) {
	s := sample()
	if got := s.Current(); got == nil || got.ID != "b" {
		t.Errorf("Expected current b, got %+v", got)
	}
	if NewQueueState("x").Current() != nil {
		t.Error("Empty queue has no current track")
	}
}
