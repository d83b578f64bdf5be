package client

import (
	"testing"

	"plyr/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCurrent(s models.QueueState, i int) models.QueueState {
	s.CurrentIndex = models.Index(i)
	return s
}

func TestOpApplyCurrentIndex(t *testing.T) {
	tests := []struct {
		name        string
		start       models.QueueState
		op          Op
		wantIDs     []string
		wantCurrent *int
	}{
		{
			name:        "add to empty queue starts at zero",
			start:       stateOf(),
			op:          Op{Kind: OpAdd, Tracks: []models.TrackRef{track("a"), track("b")}},
			wantIDs:     []string{"a", "b"},
			wantCurrent: models.Index(0),
		},
		{
			name:        "add keeps current",
			start:       withCurrent(stateOf("a", "b"), 1),
			op:          Op{Kind: OpAdd, Tracks: []models.TrackRef{track("c")}},
			wantIDs:     []string{"a", "b", "c"},
			wantCurrent: models.Index(1),
		},
		{
			name:        "remove before current shifts it",
			start:       withCurrent(stateOf("a", "b", "c"), 2),
			op:          Op{Kind: OpRemove, Index: 0, TrackID: "a"},
			wantIDs:     []string{"b", "c"},
			wantCurrent: models.Index(1),
		},
		{
			name:        "remove current keeps index",
			start:       withCurrent(stateOf("a", "b", "c"), 1),
			op:          Op{Kind: OpRemove, Index: 1, TrackID: "b"},
			wantIDs:     []string{"a", "c"},
			wantCurrent: models.Index(1),
		},
		{
			name:        "remove last current clamps",
			start:       withCurrent(stateOf("a", "b", "c"), 2),
			op:          Op{Kind: OpRemove, Index: 2, TrackID: "c"},
			wantIDs:     []string{"a", "b"},
			wantCurrent: models.Index(1),
		},
		{
			name:        "remove only track empties",
			start:       stateOf("a"),
			op:          Op{Kind: OpRemove, Index: 0, TrackID: "a"},
			wantIDs:     []string{},
			wantCurrent: nil,
		},
		{
			name:        "remove locates moved track by id",
			start:       stateOf("x", "a", "b"),
			op:          Op{Kind: OpRemove, Index: 0, TrackID: "a"},
			wantIDs:     []string{"x", "b"},
			wantCurrent: models.Index(0),
		},
		{
			name:        "remove of missing track is a no-op",
			start:       stateOf("a", "b"),
			op:          Op{Kind: OpRemove, Index: 0, TrackID: "zzz"},
			wantIDs:     []string{"a", "b"},
			wantCurrent: models.Index(0),
		},
		{
			name:        "reorder current follows track",
			start:       stateOf("a", "b", "c"),
			op:          Op{Kind: OpReorder, Index: 0, To: 2, TrackID: "a"},
			wantIDs:     []string{"b", "c", "a"},
			wantCurrent: models.Index(2),
		},
		{
			name:        "reorder across current shifts it back",
			start:       withCurrent(stateOf("a", "b", "c"), 1),
			op:          Op{Kind: OpReorder, Index: 0, To: 2, TrackID: "a"},
			wantIDs:     []string{"b", "c", "a"},
			wantCurrent: models.Index(0),
		},
		{
			name:        "reorder across current shifts it forward",
			start:       withCurrent(stateOf("a", "b", "c"), 1),
			op:          Op{Kind: OpReorder, Index: 2, To: 0, TrackID: "c"},
			wantIDs:     []string{"c", "a", "b"},
			wantCurrent: models.Index(2),
		},
		{
			name:        "play now inserts after current",
			start:       withCurrent(stateOf("a", "b"), 0),
			op:          Op{Kind: OpPlayNow, Tracks: []models.TrackRef{track("n")}},
			wantIDs:     []string{"a", "n", "b"},
			wantCurrent: models.Index(1),
		},
		{
			name:        "play now on empty queue",
			start:       stateOf(),
			op:          Op{Kind: OpPlayNow, Tracks: []models.TrackRef{track("n")}},
			wantIDs:     []string{"n"},
			wantCurrent: models.Index(0),
		},
		{
			name:        "clear",
			start:       stateOf("a", "b"),
			op:          Op{Kind: OpClear},
			wantIDs:     []string{},
			wantCurrent: nil,
		},
		{
			name:        "jump",
			start:       stateOf("a", "b", "c"),
			op:          Op{Kind: OpJump, Index: 2, TrackID: "c"},
			wantIDs:     []string{"a", "b", "c"},
			wantCurrent: models.Index(2),
		},
		{
			name:        "next stops at end",
			start:       withCurrent(stateOf("a", "b"), 1),
			op:          Op{Kind: OpNext},
			wantIDs:     []string{"a", "b"},
			wantCurrent: models.Index(1),
		},
		{
			name:        "previous stops at start",
			start:       stateOf("a", "b"),
			op:          Op{Kind: OpPrevious},
			wantIDs:     []string{"a", "b"},
			wantCurrent: models.Index(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.start.Clone()
			tt.op.Apply(&s)
			assert.Equal(t, tt.wantIDs, trackIDs(s))
			assert.Equal(t, tt.wantCurrent, s.CurrentIndex)
			assert.NoError(t, s.Validate(0))
		})
	}
}

func TestOpApplyRepeatAllWraps(t *testing.T) {
	s := withCurrent(stateOf("a", "b", "c"), 2)
	s.Repeat = models.RepeatAll

	Op{Kind: OpNext}.Apply(&s)
	assert.Equal(t, 0, *s.CurrentIndex)

	Op{Kind: OpPrevious}.Apply(&s)
	assert.Equal(t, 2, *s.CurrentIndex)
}

func TestOpApplyShuffle(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	s := withCurrent(stateOf(ids...), 2)

	Op{Kind: OpSetShuffle, Shuffle: true, Seed: 42}.Apply(&s)
	require.True(t, s.Shuffle)
	assert.Equal(t, ids, s.OriginalOrder)
	assert.Equal(t, []string{"a", "b", "c"}, trackIDs(s)[:3], "tracks up to the current one stay in place")
	assert.ElementsMatch(t, ids, trackIDs(s))
	assert.Equal(t, 2, *s.CurrentIndex)
	require.NoError(t, s.Validate(0))

	// Same seed, same order.
	replay := withCurrent(stateOf(ids...), 2)
	Op{Kind: OpSetShuffle, Shuffle: true, Seed: 42}.Apply(&replay)
	assert.Equal(t, trackIDs(s), trackIDs(replay))

	// Tracks added while shuffled are appended on restore.
	Op{Kind: OpAdd, Tracks: []models.TrackRef{track("z")}}.Apply(&s)
	Op{Kind: OpJump, Index: 5, TrackID: s.Tracks[5].ID}.Apply(&s)
	playing := s.Tracks[5].ID

	Op{Kind: OpSetShuffle, Shuffle: false}.Apply(&s)
	assert.False(t, s.Shuffle)
	assert.Nil(t, s.OriginalOrder)
	assert.Equal(t, append(append([]string{}, ids...), "z"), trackIDs(s))
	assert.Equal(t, playing, s.Current().ID, "the playing track stays current")
	require.NoError(t, s.Validate(0))
}

func TestOpApplyShuffleRemoveKeepsOrderConsistent(t *testing.T) {
	s := stateOf("a", "b", "c")
	Op{Kind: OpSetShuffle, Shuffle: true, Seed: 7}.Apply(&s)

	Op{Kind: OpRemove, Index: 0, TrackID: "a"}.Apply(&s)
	assert.Equal(t, []string{"b", "c"}, s.OriginalOrder)

	Op{Kind: OpSetShuffle, Shuffle: false}.Apply(&s)
	assert.Equal(t, []string{"b", "c"}, trackIDs(s))
}
