package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plyr/internal/cache"
	"plyr/internal/logging"
	"plyr/internal/notify"
	"plyr/pkg/models"

	"github.com/sirupsen/logrus"
)

// publishTimeout bounds how long an accepted write waits on the notifier.
const publishTimeout = time.Second

// Options configures a Service. Zero values disable the cache, discard change
// events and apply models.DefaultMaxTracks.
type Options struct {
	Cache     *cache.QueueCache
	Publisher notify.Publisher
	MaxTracks int
	Logger    logrus.FieldLogger
}

// Service is the server-side entry point to the canonical queue. It validates
// writes, keeps a read-through cache in front of the Store and announces every
// accepted write.
type Service struct {
	store     Store
	cache     *cache.QueueCache
	publisher notify.Publisher
	maxTracks int
	logger    logrus.FieldLogger
}

// NewService creates a service over store
func NewService(store Store, opts Options) *Service {
	if opts.Publisher == nil {
		opts.Publisher = notify.Nop
	}
	if opts.MaxTracks <= 0 {
		opts.MaxTracks = models.DefaultMaxTracks
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		store:     store,
		cache:     opts.Cache,
		publisher: opts.Publisher,
		maxTracks: opts.MaxTracks,
		logger:    opts.Logger,
	}
}

// Read returns the canonical record of ownerID
func (s *Service) Read(ctx context.Context, ownerID string) (models.QueueState, error) {
	if ownerID == "" {
		return models.QueueState{}, ErrMissingOwner
	}
	if s.cache != nil {
		if state, ok := s.cache.GetQueue(ownerID); ok {
			return state, nil
		}
	}

	state, err := s.store.Read(ctx, ownerID)
	if err != nil {
		return models.QueueState{}, fmt.Errorf("failed to read queue: %w", err)
	}
	if s.cache != nil && state.Version > 0 {
		s.cache.SetQueue(state)
	}
	return state, nil
}

// Write validates next and submits it against expectedVersion
func (s *Service) Write(ctx context.Context, ownerID string, expectedVersion int64, next models.QueueState, updatedBy string) (WriteResult, error) {
	if ownerID == "" {
		return WriteResult{}, ErrMissingOwner
	}
	next.OwnerID = ownerID
	next.Normalize()
	if err := next.Validate(s.maxTracks); err != nil {
		return WriteResult{}, err
	}

	res, err := s.store.Write(ctx, ownerID, expectedVersion, next, updatedBy)
	if err != nil {
		if errors.Is(err, ErrVersionAhead) || errors.Is(err, ErrNegativeVersion) {
			return WriteResult{}, err
		}
		return WriteResult{}, fmt.Errorf("failed to write queue: %w", err)
	}

	if s.cache != nil {
		s.cache.SetQueue(res.State)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"owner_id": ownerID,
		"expected": expectedVersion,
		"version":  res.State.Version,
		"device":   updatedBy,
	})
	if !res.Accepted {
		entry.Debug("Queue write superseded")
		return res, nil
	}
	entry.Debug("Queue write accepted")

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	ev := models.ChangeEvent{OwnerID: ownerID, Version: res.State.Version}
	if err := s.publisher.Publish(pubCtx, ev); err != nil {
		// Readers fall back to polling; the write itself succeeded.
		entry.WithError(err).Warn("Failed to publish queue change")
	}
	return res, nil
}

// HandleChange drops cached records older than an announced version. It is
// fed by the cross-instance notifier.
func (s *Service) HandleChange(ev models.ChangeEvent) {
	if s.cache == nil {
		return
	}
	if s.cache.Invalidate(ev.OwnerID, ev.Version) {
		s.logger.WithFields(logrus.Fields{
			"owner_id": ev.OwnerID,
			"version":  ev.Version,
		}).Debug("Invalidated cached queue")
	}
}

// Ping checks the underlying store
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// MaxTracks returns the configured queue length limit
func (s *Service) MaxTracks() int {
	return s.maxTracks
}
