package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"plyr/internal/logging"
	"plyr/pkg/models"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListenConn struct {
	notifications chan string
	pingErr       error
	mu            sync.Mutex
	listened      []string
	closed        bool
}

func (c *fakeListenConn) Listen(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listened = append(c.listened, channel)
	return nil
}

func (c *fakeListenConn) WaitForNotification(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case payload := <-c.notifications:
		return payload, nil
	}
}

func (c *fakeListenConn) Ping(context.Context) error {
	return c.pingErr
}

func (c *fakeListenConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestNotifierPublish(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_notify").
		WithArgs("queue_changes", `{"owner_id":"alice","version":2}`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	n := NewNotifier(mock, "", "queue_changes", logging.Discard())
	require.NoError(t, n.Publish(context.Background(), models.ChangeEvent{OwnerID: "alice", Version: 2}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifierListenDeliversEvents(t *testing.T) {
	conn := &fakeListenConn{notifications: make(chan string, 2)}
	n := NewNotifier(nil, "postgres://unused", "queue_changes", logging.Discard())
	n.connect = func(context.Context, string) (listenConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan models.ChangeEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- n.Listen(ctx, func(ev models.ChangeEvent) { got <- ev })
	}()

	conn.notifications <- `garbage`
	conn.notifications <- `{"owner_id":"alice","version":5}`

	select {
	case ev := <-got:
		assert.Equal(t, models.ChangeEvent{OwnerID: "alice", Version: 5}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, []string{"queue_changes"}, conn.listened)
	assert.True(t, conn.closed)
}

func TestNotifierReconnectsAfterFailedHeartbeat(t *testing.T) {
	dead := &fakeListenConn{notifications: make(chan string), pingErr: errors.New("connection reset")}
	live := &fakeListenConn{notifications: make(chan string, 1)}

	var (
		mu    sync.Mutex
		dials int
	)
	n := NewNotifier(nil, "postgres://unused", "queue_changes", logging.Discard())
	n.HeartbeatInterval = 10 * time.Millisecond
	n.ReconnectDelay = time.Millisecond
	n.connect = func(context.Context, string) (listenConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return dead, nil
		}
		return live, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan models.ChangeEvent, 1)
	go n.Listen(ctx, func(ev models.ChangeEvent) { got <- ev })

	live.notifications <- `{"owner_id":"alice","version":1}`

	select {
	case ev := <-got:
		assert.Equal(t, int64(1), ev.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not reconnect")
	}

	dead.mu.Lock()
	assert.True(t, dead.closed, "zombie connection must be closed")
	dead.mu.Unlock()
}
