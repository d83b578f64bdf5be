package client

import (
	"context"
	"testing"
	"time"

	"plyr/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyQueueAddScenario(t *testing.T) {
	r := newRig(t)
	tab, _ := r.openTab(NewBrowser("plyr-queue"), "tab-1", nil)
	tab.Start()
	r.settle()
	assert.Equal(t, int64(0), tab.State().LastKnownVersion())

	require.NoError(t, tab.State().Add(track("trackA")))
	assert.Equal(t, []string{"trackA"}, trackIDs(tab.State().Snapshot()), "visible before any network call")

	r.advance(250 * time.Millisecond)

	canonical := r.canonical()
	assert.Equal(t, int64(1), canonical.Version)
	assert.Equal(t, []string{"trackA"}, trackIDs(canonical))
	assert.Equal(t, 0, *canonical.CurrentIndex)
	assert.Equal(t, "tab-1", canonical.UpdatedBy)

	view := tab.State().View()
	assert.Equal(t, int64(1), view.LastKnownVersion)
	assert.Equal(t, int64(1), view.State.Version)
	assert.False(t, view.Pending)
}

func TestCrossTabConvergenceWithoutNetwork(t *testing.T) {
	r := newRig(t)
	browser := NewBrowser("plyr-queue")
	a, apiA := r.openTab(browser, "tab-a", nil)
	b, apiB := r.openTab(browser, "tab-b", nil)
	apiA.failPuts(errConnRefused, errConnRefused, errConnRefused, errConnRefused, errConnRefused)

	require.NoError(t, a.State().Add(track("x"), track("y")))
	r.settle()

	assert.Equal(t, []string{"x", "y"}, trackIDs(b.State().Snapshot()))
	assert.Equal(t, int64(0), b.State().LastKnownVersion())
	assert.Equal(t, 0, apiA.putCount()+apiB.putCount(), "no network call was needed")

	require.NoError(t, a.State().Reorder(1, 0))
	r.settle()
	assert.Equal(t, []string{"y", "x"}, trackIDs(b.State().Snapshot()))
	assert.False(t, b.State().Pending(), "relayed edits belong to the tab that made them")
}

func TestCrossTabVersionNeverDecrements(t *testing.T) {
	r := newRig(t)
	browser := NewBrowser("plyr-queue")
	a, _ := r.openTab(browser, "tab-a", nil)
	b, _ := r.openTab(browser, "tab-b", nil)

	b.State().Reconcile(versioned(2, "fresh"))
	r.settle()
	// tab-a learned version 2 through the canonical broadcast.
	assert.Equal(t, int64(2), a.State().LastKnownVersion())

	// A tab still at version 0 relays an edit; tab-b ignores the older base.
	c, apiC := r.openTab(browser, "tab-c", nil)
	apiC.failPuts(errConnRefused)
	require.NoError(t, c.State().Add(track("old-base")))
	r.settle()

	assert.Equal(t, int64(2), b.State().LastKnownVersion())
	assert.Equal(t, []string{"fresh"}, trackIDs(b.State().Snapshot()))
}

func TestCrossTabSharedEditWrittenOnce(t *testing.T) {
	r := newRig(t)
	browser := NewBrowser("plyr-queue")
	a, apiA := r.openTab(browser, "tab-a", nil)
	b, apiB := r.openTab(browser, "tab-b", nil)

	require.NoError(t, a.State().Add(track("x")))
	r.settle()
	require.NoError(t, b.State().Add(track("y")))
	r.settle()

	assert.False(t, a.State().Pending(), "tab-b's snapshot carries tab-a's edit")
	assert.Equal(t, []string{"x", "y"}, trackIDs(a.State().Snapshot()))

	r.advance(250 * time.Millisecond)
	assert.Equal(t, 0, apiA.putCount())
	assert.Equal(t, 1, apiB.putCount())

	canonical := r.canonical()
	assert.Equal(t, int64(1), canonical.Version)
	assert.Equal(t, []string{"x", "y"}, trackIDs(canonical), "no edit is applied twice")
	for _, tab := range []*Tab{a, b} {
		assert.Equal(t, int64(1), tab.State().LastKnownVersion())
		assert.Equal(t, []string{"x", "y"}, trackIDs(tab.State().Snapshot()))
	}
}

func TestTwoTabReorderScenario(t *testing.T) {
	for _, policy := range []ConflictPolicy{PolicyRebase, PolicyServer} {
		t.Run(string(policy), func(t *testing.T) {
			r := newRig(t)
			start := r.seed("a", "b", "c")
			browser := NewBrowser("plyr-queue")
			setPolicy := func(o *TabOptions) { o.ConflictPolicy = policy }
			a, apiA := r.openTab(browser, "tab-a", setPolicy)
			b, apiB := r.openTab(browser, "tab-b", setPolicy)
			a.State().Reconcile(start)
			b.State().Reconcile(start)
			r.settle()

			// Both edit before either sees the other's relay message, and
			// both writes leave before either answer arrives.
			r.capture = true
			require.NoError(t, a.State().Reorder(0, 2))
			r.clock.Advance(50 * time.Millisecond)
			require.NoError(t, b.State().Reorder(2, 0))
			r.settle()
			assert.Equal(t, []string{"b", "c", "a"}, trackIDs(a.State().Snapshot()))
			assert.Equal(t, []string{"c", "a", "b"}, trackIDs(b.State().Snapshot()), "concurrent edits do not overwrite each other locally")

			r.advance(250 * time.Millisecond)
			require.Len(t, r.spawned, 2)
			r.runSpawned()

			require.Equal(t, 1, apiA.putCount())
			assert.True(t, apiA.lastResponse().Accepted)

			require.Equal(t, 1, apiB.putCount())
			second := apiB.lastResponse()
			assert.False(t, second.Accepted)
			assert.Equal(t, int64(2), second.Version)
			assert.Equal(t, []string{"b", "c", "a"}, trackIDs(second.QueueState), "superseded with the first tab's order")

			r.advance(time.Second)
			r.runSpawned()

			want := []string{"b", "c", "a"}
			wantVersion := int64(2)
			if policy == PolicyRebase {
				want = []string{"c", "b", "a"}
				wantVersion = 3
			}
			canonical := r.canonical()
			assert.Equal(t, wantVersion, canonical.Version)
			assert.Equal(t, want, trackIDs(canonical))
			for _, tab := range []*Tab{a, b} {
				assert.Equal(t, want, trackIDs(tab.State().Snapshot()), tab.ID())
				assert.Equal(t, wantVersion, tab.State().LastKnownVersion(), tab.ID())
				assert.False(t, tab.State().Pending(), tab.ID())
			}
		})
	}
}

func TestCrossDeviceConvergence(t *testing.T) {
	r := newRig(t)
	laptop, _ := r.openTab(NewBrowser("plyr-queue"), "laptop", nil)
	phone, phoneAPI := r.openTab(NewBrowser("plyr-queue"), "phone", nil)
	phone.Start()
	r.settle()
	assert.Equal(t, 1, phoneAPI.gets, "hydrates on start")

	require.NoError(t, laptop.State().Add(track("a")))
	r.advance(250 * time.Millisecond)
	assert.Empty(t, phone.State().Snapshot().Tracks)

	// Picked up within one poll interval.
	r.advance(3 * time.Second)
	assert.Equal(t, []string{"a"}, trackIDs(phone.State().Snapshot()))
	assert.Equal(t, int64(1), phone.State().LastKnownVersion())

	// A change event skips the wait.
	require.NoError(t, laptop.State().Add(track("b")))
	r.advance(250 * time.Millisecond)
	gets := phoneAPI.gets
	phone.Signal(models.ChangeEvent{OwnerID: testOwner, Version: 2})
	r.settle()
	assert.Equal(t, gets+1, phoneAPI.gets)
	assert.Equal(t, []string{"a", "b"}, trackIDs(phone.State().Snapshot()))

	// Events for versions already seen do not fetch.
	phone.Signal(models.ChangeEvent{OwnerID: testOwner, Version: 2})
	r.settle()
	assert.Equal(t, gets+1, phoneAPI.gets)
}

func TestReconcilerSurvivesFetchErrors(t *testing.T) {
	r := newRig(t)
	tab, api := r.openTab(NewBrowser("plyr-queue"), "tab-1", nil)
	api.getErr = errConnRefused
	tab.Start()
	r.settle()

	r.seed("a")
	r.advance(3 * time.Second)
	assert.Empty(t, tab.State().Snapshot().Tracks)

	api.getErr = nil
	r.advance(3 * time.Second)
	assert.Equal(t, []string{"a"}, trackIDs(tab.State().Snapshot()))
	assert.GreaterOrEqual(t, tab.Reconciler().Polls(), 3)

	require.NoError(t, tab.Close(context.Background()))
	polls := tab.Reconciler().Polls()
	r.advance(10 * time.Second)
	assert.Equal(t, polls, tab.Reconciler().Polls())
}

func TestCrossTabUnwrittenEditWithdrawnWhenFlushFails(t *testing.T) {
	r := newRig(t)
	browser := NewBrowser("plyr-queue")
	a, apiA := r.openTab(browser, "tab-a", nil)
	b, _ := r.openTab(browser, "tab-b", nil)
	apiA.failPuts(errConnRefused)

	require.NoError(t, a.State().Add(track("x")))
	r.settle()
	require.Equal(t, []string{"x"}, trackIDs(b.State().Snapshot()))

	require.Error(t, a.Close(context.Background()))
	r.settle()

	assert.Equal(t, int64(0), r.canonical().Version)
	view := b.State().View()
	assert.Empty(t, view.State.Tracks, "the edit never reached the server")
	assert.False(t, view.Pending)
	assert.Equal(t, int64(0), view.LastKnownVersion)
}

func TestCrossTabUnwrittenEditWithdrawnWhenRetriesExhausted(t *testing.T) {
	r := newRig(t)
	browser := NewBrowser("plyr-queue")
	a, apiA := r.openTab(browser, "tab-a", nil)
	b, _ := r.openTab(browser, "tab-b", nil)
	for i := 0; i < 5; i++ {
		apiA.failPuts(errConnRefused)
	}

	require.NoError(t, a.State().Add(track("x")))
	r.advance(250 * time.Millisecond)
	require.Equal(t, []string{"x"}, trackIDs(b.State().Snapshot()))
	for i := 0; i < 4; i++ {
		r.advance(8 * time.Second)
	}
	require.Equal(t, 5, apiA.putCount())

	assert.ErrorIs(t, a.State().SyncError(), ErrRetriesExhausted)
	assert.Equal(t, []string{"x"}, trackIDs(a.State().Snapshot()), "the editing tab keeps its edit")
	assert.Empty(t, b.State().Snapshot().Tracks)
	assert.NoError(t, b.State().SyncError())

	// A later successful write reaches every tab again.
	require.NoError(t, a.State().Add(track("y")))
	r.advance(250 * time.Millisecond)
	assert.Equal(t, []string{"x", "y"}, trackIDs(r.canonical()))
	assert.Equal(t, []string{"x", "y"}, trackIDs(b.State().Snapshot()))
	assert.Equal(t, int64(1), b.State().LastKnownVersion())
}

func TestCrossTabPollReplacesUnconfirmedSiblingEdit(t *testing.T) {
	r := newRig(t)
	browser := NewBrowser("plyr-queue")
	a, apiA := r.openTab(browser, "tab-a", nil)
	b, _ := r.openTab(browser, "tab-b", nil)
	b.Start()
	r.settle()
	for i := 0; i < 5; i++ {
		apiA.failPuts(errConnRefused)
	}

	require.NoError(t, a.State().Add(track("x")))
	r.settle()
	require.Equal(t, []string{"x"}, trackIDs(b.State().Snapshot()))

	// The record is still at version 0 when tab-b polls.
	r.advance(3 * time.Second)
	assert.Equal(t, int64(0), r.canonical().Version)
	assert.Empty(t, b.State().Snapshot().Tracks)
	assert.Equal(t, []string{"x"}, trackIDs(a.State().Snapshot()))
	assert.True(t, a.State().Pending(), "the editing tab keeps retrying")

	// Re-reading the same record is a no-op once the view matches it.
	notified := 0
	b.State().Subscribe(func(View) { notified++ })
	r.advance(3 * time.Second)
	assert.Zero(t, notified)
}
