package queue_test

import (
	"testing"

	"plyr/internal/queue"
	"plyr/internal/queue/queuetest"
)

func TestMemoryStore(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return queue.NewMemoryStore()
	})
}
