// Package notify announces accepted queue writes ("queue changed for owner X,
// now at version V") to interested readers.
//
// A Hub fans events out inside one process: the websocket stream in
// internal/server subscribes to it per owner. Backends (Redis pub/sub, Postgres
// LISTEN/NOTIFY) carry events between server instances; their Listen loop
// feeds the local Hub and invalidates read caches. Notifications only shorten
// staleness: losing one never affects correctness because clients also poll.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"plyr/pkg/models"
)

// Publisher announces a change event.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Backend is a cross-instance transport for change events. Listen blocks until
// ctx is cancelled, invoking handle for every event received, including the
// ones this instance published.
type Backend interface {
	Publisher
	Listen(ctx context.Context, handle func(models.ChangeEvent)) error
	Close() error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev models.ChangeEvent) error

// Publish calls f(ctx, ev).
func (f PublisherFunc) Publish(ctx context.Context, ev models.ChangeEvent) error {
	return f(ctx, ev)
}

// Nop discards events. It is used when no notifier is configured and nothing
// subscribes locally.
var Nop Publisher = PublisherFunc(func(context.Context, models.ChangeEvent) error { return nil })

// Encode serializes an event for a wire transport.
func Encode(ev models.ChangeEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode change event: %w", err)
	}
	return string(data), nil
}

// Decode parses an event received from a wire transport.
func Decode(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decode change event: %w", err)
	}
	if ev.OwnerID == "" {
		return ev, fmt.Errorf("decode change event: missing owner_id")
	}
	return ev, nil
}
