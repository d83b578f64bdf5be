package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"plyr/pkg/models"

	"github.com/sirupsen/logrus"
)

// EnvelopeKind distinguishes local edits from confirmed server state.
type EnvelopeKind string

const (
	KindMutation  EnvelopeKind = "mutation"
	KindCanonical EnvelopeKind = "canonical"
	// KindRevert withdraws the origin's unwritten edits: the snapshot is the
	// canonical record they were based on.
	KindRevert EnvelopeKind = "revert"
)

// Envelope is the message tabs exchange over the relay channel.
type Envelope struct {
	Kind        EnvelopeKind      `json:"kind"`
	OriginTabID string            `json:"origin_tab_id"`
	Version     int64             `json:"version"`
	Stamp       uint64            `json:"stamp"`
	Digest      string            `json:"digest"`
	Includes    map[string]uint64 `json:"includes,omitempty"`
	Snapshot    models.QueueState `json:"snapshot"`
}

func (e Envelope) key() viewKey {
	if e.Kind != KindMutation {
		return viewKey{Version: e.Version}
	}
	return viewKey{Version: e.Version, Stamp: e.Stamp, Origin: e.OriginTabID}
}

// Channel is a named broadcast medium shared by the tabs of one browser.
// Publish delivers to every subscriber, the publisher included.
type Channel interface {
	Name() string
	Publish(env Envelope) error
	Subscribe(handler func(Envelope)) (unsubscribe func())
}

// Bus is an in-process set of broadcast channels, one per name.
type Bus struct {
	mutex    sync.Mutex
	channels map[string]*busChannel
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{channels: make(map[string]*busChannel)}
}

// Channel returns the channel called name, creating it on first use.
func (b *Bus) Channel(name string) Channel {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ch, ok := b.channels[name]
	if !ok {
		ch = &busChannel{name: name, handlers: make(map[int]func(Envelope))}
		b.channels[name] = ch
	}
	return ch
}

type busChannel struct {
	name     string
	mutex    sync.Mutex
	handlers map[int]func(Envelope)
	next     int
}

func (c *busChannel) Name() string { return c.name }

// Publish encodes env once and hands every subscriber its own decoded copy,
// so no state is shared between tabs.
func (c *busChannel) Publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	c.mutex.Lock()
	handlers := make([]func(Envelope), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mutex.Unlock()

	for _, h := range handlers {
		var copied Envelope
		if err := json.Unmarshal(data, &copied); err != nil {
			return fmt.Errorf("failed to decode envelope: %w", err)
		}
		h(copied)
	}
	return nil
}

func (c *busChannel) Subscribe(handler func(Envelope)) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.next
	c.next++
	c.handlers[id] = handler
	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.handlers, id)
	}
}

// Relay connects one tab to its browser's channel. Deliveries are posted to
// the tab's loop; the tab's own echoes are dropped.
type Relay struct {
	tabID       string
	channel     Channel
	logger      logrus.FieldLogger
	unsubscribe func()
}

// NewRelay subscribes the tab to ch. deliver runs on the tab's loop.
func NewRelay(tabID string, ch Channel, loop *Loop, deliver func(Envelope), logger logrus.FieldLogger) *Relay {
	r := &Relay{tabID: tabID, channel: ch, logger: logger}
	r.unsubscribe = ch.Subscribe(func(env Envelope) {
		if env.OriginTabID == tabID {
			return
		}
		loop.Post(func() { deliver(env) })
	})
	return r
}

// Broadcast publishes env as this tab.
func (r *Relay) Broadcast(env Envelope) {
	env.OriginTabID = r.tabID
	if err := r.channel.Publish(env); err != nil {
		r.logger.WithError(err).WithField("channel", r.channel.Name()).Warn("Relay broadcast failed")
	}
}

// Close stops deliveries.
func (r *Relay) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}
