// Package queuetest provides a conformance suite for queue.Store
// implementations.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"plyr/internal/queue"
	"plyr/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) queue.Store

// Run exercises the compare-and-set contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ReadMissingOwnerIsVersionZero", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		got, err := store.Read(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, int64(0), got.Version)
		assert.Empty(t, got.Tracks)
		assert.Nil(t, got.CurrentIndex)
	})

	t.Run("FirstWriteOnEmptyQueue", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		next := withTracks("alice", "trackA")
		res, err := store.Write(ctx, "alice", 0, next, "device-1")
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, int64(1), res.State.Version)
		assert.Equal(t, "device-1", res.State.UpdatedBy)
		assert.False(t, res.State.UpdatedAt.IsZero())

		got, err := store.Read(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		require.Len(t, got.Tracks, 1)
		assert.Equal(t, "trackA", got.Tracks[0].ID)
		require.NotNil(t, got.CurrentIndex)
		assert.Equal(t, 0, *got.CurrentIndex)
	})

	t.Run("RoundTripIncrementsVersion", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		for v := int64(0); v < 3; v++ {
			next := withTracks("alice", "a", "b")
			next.CurrentIndex = models.Index(int(v % 2))
			next.Repeat = models.RepeatAll
			res, err := store.Write(ctx, "alice", v, next, "d")
			require.NoError(t, err)
			require.True(t, res.Accepted)

			got, err := store.Read(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, v+1, got.Version)
			assert.True(t, got.SameContent(next), "read must return the written content")
		}
	})

	t.Run("StaleWriteIsSuperseded", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		_, err := store.Write(ctx, "alice", 0, withTracks("alice", "a"), "d1")
		require.NoError(t, err)
		_, err = store.Write(ctx, "alice", 1, withTracks("alice", "a", "b"), "d1")
		require.NoError(t, err)

		res, err := store.Write(ctx, "alice", 1, withTracks("alice", "z"), "d2")
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, int64(2), res.State.Version)
		assert.Equal(t, "d1", res.State.UpdatedBy)
		assert.Len(t, res.State.Tracks, 2)

		got, err := store.Read(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version, "rejected write must not change the record")
	})

	t.Run("VersionAheadIsHardError", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		_, err := store.Write(context.Background(), "alice", 5, withTracks("alice", "a"), "d")
		assert.True(t, errors.Is(err, queue.ErrVersionAhead), "got %v", err)
	})

	t.Run("OwnersAreIndependent", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		_, err := store.Write(ctx, "alice", 0, withTracks("alice", "a"), "d")
		require.NoError(t, err)
		res, err := store.Write(ctx, "bob", 0, withTracks("bob", "b"), "d")
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, int64(1), res.State.Version)
	})

	t.Run("ConcurrentWritesExactlyOneWins", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		_, err := store.Write(ctx, "alice", 0, withTracks("alice", "seed"), "d0")
		require.NoError(t, err)

		const writers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			winner   string
			results  []queue.WriteResult
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := string(rune('a' + i))
				res, err := store.Write(ctx, "alice", 1, withTracks("alice", id), id)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				results = append(results, res)
				if res.Accepted {
					accepted++
					winner = id
				}
			}(i)
		}
		wg.Wait()

		require.Equal(t, 1, accepted, "exactly one writer must win")
		for _, res := range results {
			assert.Equal(t, int64(2), res.State.Version)
			assert.Equal(t, winner, res.State.Tracks[0].ID, "losers must see the winner's record")
		}

		got, err := store.Read(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, winner, got.Tracks[0].ID)
	})

	t.Run("ShuffleStateRoundTrips", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		next := withTracks("alice", "c", "a", "b")
		next.Shuffle = true
		next.OriginalOrder = []string{"a", "b", "c"}
		_, err := store.Write(ctx, "alice", 0, next, "d")
		require.NoError(t, err)

		got, err := store.Read(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.Shuffle)
		assert.Equal(t, []string{"a", "b", "c"}, got.OriginalOrder)
	})
}

func withTracks(owner string, ids ...string) models.QueueState {
	s := models.NewQueueState(owner)
	for _, id := range ids {
		s.Tracks = append(s.Tracks, models.TrackRef{ID: id, Title: "Title " + id, DurationMs: 1000})
	}
	if len(ids) > 0 {
		s.CurrentIndex = models.Index(0)
	}
	return s
}
