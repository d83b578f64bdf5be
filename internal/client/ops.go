package client

import (
	"math/rand"

	"plyr/pkg/models"
)

// OpKind names a queue mutation.
type OpKind string

const (
	OpAdd        OpKind = "add"
	OpRemove     OpKind = "remove"
	OpReorder    OpKind = "reorder"
	OpPlayNow    OpKind = "play_now"
	OpClear      OpKind = "clear"
	OpSetShuffle OpKind = "set_shuffle"
	OpSetRepeat  OpKind = "set_repeat"
	OpJump       OpKind = "jump"
	OpNext       OpKind = "next"
	OpPrevious   OpKind = "previous"
)

// Op is a recorded mutation. Ops are replayed on top of newer canonical
// snapshots, so positional ops also carry the id of the track they target and
// fall back to locating it by id when the index no longer matches.
type Op struct {
	Kind    OpKind            `json:"kind"`
	Tracks  []models.TrackRef `json:"tracks,omitempty"`
	Index   int               `json:"index,omitempty"`
	To      int               `json:"to,omitempty"`
	TrackID string            `json:"track_id,omitempty"`
	Shuffle bool              `json:"shuffle,omitempty"`
	Seed    int64             `json:"seed,omitempty"`
	Repeat  models.RepeatMode `json:"repeat,omitempty"`
}

// Apply mutates s. Ops whose target no longer exists are no-ops.
func (op Op) Apply(s *models.QueueState) {
	switch op.Kind {
	case OpAdd:
		if len(op.Tracks) == 0 {
			return
		}
		wasEmpty := len(s.Tracks) == 0
		s.Tracks = append(s.Tracks, op.Tracks...)
		if wasEmpty {
			s.CurrentIndex = models.Index(0)
		}
		if s.Shuffle {
			for _, t := range op.Tracks {
				s.OriginalOrder = append(s.OriginalOrder, t.ID)
			}
		}

	case OpRemove:
		if i := locate(s, op.Index, op.TrackID); i >= 0 {
			removeAt(s, i)
		}

	case OpReorder:
		from := locate(s, op.Index, op.TrackID)
		if from < 0 {
			return
		}
		moveTo(s, from, clamp(op.To, 0, len(s.Tracks)-1))

	case OpPlayNow:
		if len(op.Tracks) == 0 {
			return
		}
		pos := 0
		if s.CurrentIndex != nil {
			pos = *s.CurrentIndex + 1
		}
		insertAt(s, pos, op.Tracks[0])
		s.CurrentIndex = models.Index(pos)
		if s.Shuffle {
			s.OriginalOrder = append(s.OriginalOrder, op.Tracks[0].ID)
		}

	case OpClear:
		s.Tracks = []models.TrackRef{}
		s.CurrentIndex = nil
		s.OriginalOrder = nil

	case OpSetShuffle:
		if op.Shuffle {
			shuffleOn(s, op.Seed)
		} else {
			shuffleOff(s)
		}

	case OpSetRepeat:
		s.Repeat = op.Repeat

	case OpJump:
		if i := locate(s, op.Index, op.TrackID); i >= 0 {
			s.CurrentIndex = models.Index(i)
		}

	case OpNext:
		if s.CurrentIndex == nil {
			return
		}
		switch c := *s.CurrentIndex; {
		case c < len(s.Tracks)-1:
			s.CurrentIndex = models.Index(c + 1)
		case s.Repeat == models.RepeatAll:
			s.CurrentIndex = models.Index(0)
		}

	case OpPrevious:
		if s.CurrentIndex == nil {
			return
		}
		switch c := *s.CurrentIndex; {
		case c > 0:
			s.CurrentIndex = models.Index(c - 1)
		case s.Repeat == models.RepeatAll:
			s.CurrentIndex = models.Index(len(s.Tracks) - 1)
		}
	}
}

// locate resolves an (index, track id) target against s, preferring the index
// when it still holds the track.
func locate(s *models.QueueState, index int, trackID string) int {
	if index >= 0 && index < len(s.Tracks) && (trackID == "" || s.Tracks[index].ID == trackID) {
		return index
	}
	if trackID == "" {
		return -1
	}
	for i, t := range s.Tracks {
		if t.ID == trackID {
			return i
		}
	}
	return -1
}

func removeAt(s *models.QueueState, i int) {
	tracks := make([]models.TrackRef, 0, len(s.Tracks)-1)
	tracks = append(tracks, s.Tracks[:i]...)
	tracks = append(tracks, s.Tracks[i+1:]...)
	s.Tracks = tracks

	if s.Shuffle {
		s.OriginalOrder = dropID(s.OriginalOrder, s.Tracks)
	}

	if len(s.Tracks) == 0 {
		s.CurrentIndex = nil
		if s.Shuffle {
			s.OriginalOrder = nil
		}
		return
	}
	if s.CurrentIndex == nil {
		return
	}
	switch c := *s.CurrentIndex; {
	case i < c:
		s.CurrentIndex = models.Index(c - 1)
	case i == c:
		s.CurrentIndex = models.Index(clamp(c, 0, len(s.Tracks)-1))
	}
}

// dropID removes the id of a removed track from the remembered order: the
// last id occurring more often in order than in remaining.
func dropID(order []string, remaining []models.TrackRef) []string {
	left := make(map[string]int, len(remaining))
	for _, t := range remaining {
		left[t.ID]++
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if left[id] > 0 {
			left[id]--
			continue
		}
		out := make([]string, 0, len(order)-1)
		out = append(out, order[:i]...)
		return append(out, order[i+1:]...)
	}
	return order
}

func insertAt(s *models.QueueState, i int, t models.TrackRef) {
	tracks := make([]models.TrackRef, 0, len(s.Tracks)+1)
	tracks = append(tracks, s.Tracks[:i]...)
	tracks = append(tracks, t)
	tracks = append(tracks, s.Tracks[i:]...)
	s.Tracks = tracks
}

// moveTo moves the entry at from to position to; the current index follows
// the playing track.
func moveTo(s *models.QueueState, from, to int) {
	if from == to {
		return
	}
	t := s.Tracks[from]
	rest := make([]models.TrackRef, 0, len(s.Tracks))
	rest = append(rest, s.Tracks[:from]...)
	rest = append(rest, s.Tracks[from+1:]...)
	s.Tracks = rest
	insertAt(s, to, t)

	if s.CurrentIndex == nil {
		return
	}
	switch c := *s.CurrentIndex; {
	case c == from:
		s.CurrentIndex = models.Index(to)
	case from < c && to >= c:
		s.CurrentIndex = models.Index(c - 1)
	case from > c && to <= c:
		s.CurrentIndex = models.Index(c + 1)
	}
}

// shuffleOn remembers the current order and shuffles the tracks after the
// playing one. The seed is part of the op so replays produce the same order.
func shuffleOn(s *models.QueueState, seed int64) {
	if s.Shuffle {
		return
	}
	s.Shuffle = true
	s.OriginalOrder = make([]string, len(s.Tracks))
	for i, t := range s.Tracks {
		s.OriginalOrder[i] = t.ID
	}

	start := 0
	if s.CurrentIndex != nil {
		start = *s.CurrentIndex + 1
	}
	tail := s.Tracks[start:]
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(tail), func(i, j int) {
		tail[i], tail[j] = tail[j], tail[i]
	})
}

// shuffleOff restores the remembered order. Tracks absent from it (added
// while shuffled) keep their relative order at the end.
func shuffleOff(s *models.QueueState) {
	if !s.Shuffle {
		return
	}
	s.Shuffle = false

	positions := make(map[string][]int, len(s.Tracks))
	for i, t := range s.Tracks {
		positions[t.ID] = append(positions[t.ID], i)
	}

	used := make([]bool, len(s.Tracks))
	restored := make([]models.TrackRef, 0, len(s.Tracks))
	current := -1
	take := func(i int) {
		used[i] = true
		if s.CurrentIndex != nil && *s.CurrentIndex == i {
			current = len(restored)
		}
		restored = append(restored, s.Tracks[i])
	}

	for _, id := range s.OriginalOrder {
		if p := positions[id]; len(p) > 0 {
			positions[id] = p[1:]
			take(p[0])
		}
	}
	for i := range s.Tracks {
		if !used[i] {
			take(i)
		}
	}

	s.Tracks = restored
	s.OriginalOrder = nil
	if s.CurrentIndex != nil {
		s.CurrentIndex = models.Index(current)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
