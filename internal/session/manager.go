package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultActivityTimeout is how long a device stays listed without activity.
const DefaultActivityTimeout = 60 * time.Second

// Device represents one client connected to an owner's change stream
type Device struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
	DeviceName   string    `json:"device_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	LastWrite    time.Time `json:"last_write,omitempty"`
	IsActive     bool      `json:"is_active"`
}

// Manager tracks the devices of every owner. The active device of an owner is
// the one that most recently wrote the queue.
type Manager struct {
	devices         map[string]*Device
	activeDevice    map[string]string // owner id -> device id
	mutex           sync.RWMutex
	activityTimeout time.Duration
	now             func() time.Time
}

// NewManager creates a new device manager
func NewManager(activityTimeout time.Duration) *Manager {
	if activityTimeout <= 0 {
		activityTimeout = DefaultActivityTimeout
	}
	return &Manager{
		devices:         make(map[string]*Device),
		activeDevice:    make(map[string]string),
		activityTimeout: activityTimeout,
		now:             time.Now,
	}
}

// GenerateDeviceID creates a new unique device ID
func GenerateDeviceID() string {
	return uuid.NewString()
}

// Connect registers a device. An empty id gets a generated one; a known id is
// refreshed instead of duplicated.
func (m *Manager) Connect(ownerID, deviceID, userAgent, ipAddress, deviceName string) Device {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if deviceID == "" {
		deviceID = GenerateDeviceID()
	}
	now := m.now()

	if device, exists := m.devices[deviceID]; exists && device.OwnerID == ownerID {
		device.LastActivity = now
		device.UserAgent = userAgent
		device.IPAddress = ipAddress
		if deviceName != "" {
			device.DeviceName = deviceName
		}
		return *device
	}

	device := &Device{
		ID:           deviceID,
		OwnerID:      ownerID,
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
		DeviceName:   deviceName,
		ConnectedAt:  now,
		LastActivity: now,
	}
	m.devices[deviceID] = device

	// If this is the owner's first device, make it active
	if m.activeDevice[ownerID] == "" {
		m.activeDevice[ownerID] = deviceID
	}

	return *device
}

// Touch updates the last activity time for a device
func (m *Manager) Touch(deviceID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if device, exists := m.devices[deviceID]; exists {
		device.LastActivity = m.now()
	}
}

// MarkWrite records an accepted queue write by a device and makes it the
// owner's active device. Unknown devices (plain HTTP writers) are ignored.
func (m *Manager) MarkWrite(ownerID, deviceID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	device, exists := m.devices[deviceID]
	if !exists || device.OwnerID != ownerID {
		return
	}
	now := m.now()
	device.LastWrite = now
	device.LastActivity = now
	m.activeDevice[ownerID] = deviceID
}

// Disconnect removes a device
func (m *Manager) Disconnect(deviceID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	device, exists := m.devices[deviceID]
	if !exists {
		return
	}
	delete(m.devices, deviceID)

	// If this was the active device, find a new one
	if m.activeDevice[device.OwnerID] == deviceID {
		m.findNewActiveDevice(device.OwnerID)
	}
}

// Devices returns the live devices of an owner, most recently active first
func (m *Manager) Devices(ownerID string) []Device {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.cleanupExpiredDevices()

	result := make([]Device, 0)
	for id, device := range m.devices {
		if device.OwnerID != ownerID {
			continue
		}
		d := *device
		d.IsActive = m.activeDevice[ownerID] == id
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result
}

// Count returns the number of tracked devices across all owners
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.devices)
}

// isDeviceActive checks if a device is still live (must be called with lock held)
func (m *Manager) isDeviceActive(deviceID string) bool {
	device, exists := m.devices[deviceID]
	if !exists {
		return false
	}

	return m.now().Sub(device.LastActivity) < m.activityTimeout
}

// cleanupExpiredDevices removes inactive devices (must be called with lock held)
func (m *Manager) cleanupExpiredDevices() {
	for id, device := range m.devices {
		if !m.isDeviceActive(id) {
			delete(m.devices, id)
			if m.activeDevice[device.OwnerID] == id {
				m.findNewActiveDevice(device.OwnerID)
			}
		}
	}
}

// findNewActiveDevice picks the owner's most recent writer, or else its most
// recently active device (must be called with lock held)
func (m *Manager) findNewActiveDevice(ownerID string) {
	delete(m.activeDevice, ownerID)

	var best *Device
	for id, device := range m.devices {
		if device.OwnerID != ownerID || !m.isDeviceActive(id) {
			continue
		}
		if best == nil ||
			device.LastWrite.After(best.LastWrite) ||
			(device.LastWrite.Equal(best.LastWrite) && device.LastActivity.After(best.LastActivity)) {
			best = device
		}
	}

	if best != nil {
		m.activeDevice[ownerID] = best.ID
	}
}
