package notify

import (
	"context"
	"sync"

	"plyr/pkg/models"

	"github.com/sirupsen/logrus"
)

// listener is one subscription. An empty owner receives every event.
type listener struct {
	owner string
	ch    chan models.ChangeEvent
}

// Hub fans change events out to in-process subscribers
type Hub struct {
	mutex     sync.RWMutex
	listeners []*listener
	logger    logrus.FieldLogger
}

// NewHub creates a new hub
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		listeners: make([]*listener, 0),
		logger:    logger,
	}
}

// Publish delivers ev to every subscriber of its owner. It never blocks: a
// subscriber whose buffer is full is dropped and its channel closed, so slow
// consumers reconnect instead of stalling writers.
func (h *Hub) Publish(_ context.Context, ev models.ChangeEvent) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	kept := h.listeners[:0]
	for _, l := range h.listeners {
		if l.owner != "" && l.owner != ev.OwnerID {
			kept = append(kept, l)
			continue
		}
		select {
		case l.ch <- ev:
			kept = append(kept, l)
		default:
			close(l.ch)
			h.logger.WithField("owner_id", l.owner).Warn("Dropping slow change listener")
		}
	}
	for i := len(kept); i < len(h.listeners); i++ {
		h.listeners[i] = nil
	}
	h.listeners = kept
	return nil
}

// Subscribe adds a listener for the events of one owner ("" for all owners)
func (h *Hub) Subscribe(ownerID string) <-chan models.ChangeEvent {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	ch := make(chan models.ChangeEvent, 16)
	h.listeners = append(h.listeners, &listener{owner: ownerID, ch: ch})
	return ch
}

// Unsubscribe removes a listener (call this when done to prevent memory leaks)
func (h *Hub) Unsubscribe(ch <-chan models.ChangeEvent) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i, l := range h.listeners {
		if l.ch == ch {
			close(l.ch)
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of active subscriptions
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.listeners)
}
