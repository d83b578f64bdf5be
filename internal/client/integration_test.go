package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"plyr/internal/logging"
	"plyr/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDevicesConvergeOverHTTP runs two devices against a real server with
// live loops: the phone polls rarely and relies on the change stream.
func TestDevicesConvergeOverHTTP(t *testing.T) {
	srv := httptest.NewServer(newQueueServer(t, nil).Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open := func(device string) *Tab {
		tab, err := NewBrowser("plyr-queue").OpenTab(TabOptions{
			ID:           device,
			OwnerID:      testOwner,
			API:          NewAPIClient(srv.URL, testOwner, device, srv.Client()),
			Logger:       logging.Discard(),
			Debounce:     20 * time.Millisecond,
			PollInterval: time.Hour,
		})
		require.NoError(t, err)
		go tab.Loop().Run(ctx)
		tab.Start()
		return tab
	}
	laptop := open("laptop")
	phone := open("phone")

	stream, err := NewEventStream(srv.URL, testOwner, "phone", "Phone", logging.Discard())
	require.NoError(t, err)
	go stream.Run(ctx, phone.Signal)

	require.NoError(t, laptop.Do(ctx, func(s *LocalState) error {
		return s.Add(track("a"), track("b"))
	}))

	snapshot := func(tab *Tab) models.QueueState {
		var out models.QueueState
		require.NoError(t, tab.Do(ctx, func(s *LocalState) error {
			out = s.Snapshot()
			return nil
		}))
		return out
	}

	require.Eventually(t, func() bool {
		return snapshot(phone).Version == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, trackIDs(snapshot(phone)))

	require.NoError(t, phone.Do(ctx, func(s *LocalState) error {
		return s.Remove(0)
	}))
	require.NoError(t, phone.Close(ctx), "close flushes the pending edit")

	check := NewAPIClient(srv.URL, testOwner, "", srv.Client())
	require.Eventually(t, func() bool {
		state, err := check.GetQueue(ctx)
		return err == nil && state.Version == 2
	}, 5*time.Second, 20*time.Millisecond)
	state, err := check.GetQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, trackIDs(state))
	assert.Equal(t, "phone", state.UpdatedBy)

	require.NoError(t, laptop.Close(ctx))
	assert.ErrorIs(t, laptop.Do(ctx, func(*LocalState) error { return nil }), ErrTabClosed)
}
