package queue

import (
	"context"
	"sync"
	"time"

	"plyr/pkg/models"
)

// MemoryStore keeps records in process memory. It is used by tests and by
// ephemeral development servers (driver "memory").
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string]models.QueueState
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.QueueState),
		now:     time.Now,
	}
}

// Read returns the record of ownerID
func (m *MemoryStore) Read(_ context.Context, ownerID string) (models.QueueState, error) {
	if ownerID == "" {
		return models.QueueState{}, ErrMissingOwner
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if rec, ok := m.records[ownerID]; ok {
		return rec.Clone(), nil
	}
	return models.NewQueueState(ownerID), nil
}

// Write performs the compare-and-set under the store mutex
func (m *MemoryStore) Write(_ context.Context, ownerID string, expectedVersion int64, next models.QueueState, updatedBy string) (WriteResult, error) {
	if ownerID == "" {
		return WriteResult{}, ErrMissingOwner
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, ok := m.records[ownerID]
	if !ok {
		current = models.NewQueueState(ownerID)
	}

	res, err := Arbitrate(current.Clone(), expectedVersion, next, updatedBy, m.now())
	if err != nil {
		return WriteResult{}, err
	}
	if res.Accepted {
		m.records[ownerID] = res.State.Clone()
	}
	return res, nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
