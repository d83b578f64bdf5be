package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() (*Manager, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(time.Minute)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestConnectAndList(t *testing.T) {
	m, now := newTestManager()

	laptop := m.Connect("alice", "laptop", "Firefox", "10.0.0.1", "Laptop")
	*now = now.Add(time.Second)
	m.Connect("alice", "phone", "Safari", "10.0.0.2", "Phone")
	m.Connect("bob", "", "curl", "10.0.0.3", "")

	devices := m.Devices("alice")
	require.Len(t, devices, 2)
	assert.Equal(t, "phone", devices[0].ID, "most recently active first")
	assert.True(t, devices[1].IsActive, "first device becomes active")
	assert.Equal(t, laptop.ConnectedAt, devices[1].ConnectedAt)

	bob := m.Devices("bob")
	require.Len(t, bob, 1)
	assert.NotEmpty(t, bob[0].ID)
	assert.Equal(t, 3, m.Count())
}

func TestReconnectRefreshes(t *testing.T) {
	m, now := newTestManager()

	first := m.Connect("alice", "laptop", "Firefox", "10.0.0.1", "Laptop")
	*now = now.Add(10 * time.Second)
	again := m.Connect("alice", "laptop", "Firefox", "10.0.0.9", "")

	assert.Equal(t, first.ConnectedAt, again.ConnectedAt)
	assert.Equal(t, "10.0.0.9", again.IPAddress)
	assert.Equal(t, "Laptop", again.DeviceName)
	assert.Equal(t, 1, m.Count())
}

func TestMarkWriteMovesActiveDevice(t *testing.T) {
	m, now := newTestManager()

	m.Connect("alice", "laptop", "", "", "")
	m.Connect("alice", "phone", "", "", "")
	*now = now.Add(time.Second)
	m.MarkWrite("alice", "phone")
	m.MarkWrite("alice", "unknown")
	m.MarkWrite("bob", "laptop")

	for _, d := range m.Devices("alice") {
		assert.Equal(t, d.ID == "phone", d.IsActive, d.ID)
	}

	m.Disconnect("phone")
	devices := m.Devices("alice")
	require.Len(t, devices, 1)
	assert.True(t, devices[0].IsActive)
}

func TestExpiredDevicesAreDropped(t *testing.T) {
	m, now := newTestManager()

	m.Connect("alice", "laptop", "", "", "")
	*now = now.Add(30 * time.Second)
	m.Connect("alice", "phone", "", "", "")
	*now = now.Add(45 * time.Second)
	m.Touch("phone")

	devices := m.Devices("alice")
	require.Len(t, devices, 1)
	assert.Equal(t, "phone", devices[0].ID)
	assert.True(t, devices[0].IsActive, "active role moves off expired device")
}
