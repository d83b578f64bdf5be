package client

import (
	"context"
	"errors"
	"time"

	"plyr/pkg/models"

	"github.com/sirupsen/logrus"
)

// Reconciler keeps a tab in step with writes made on other devices. It polls
// the canonical record on a fixed interval and immediately when a change
// event announces a version the tab has not seen. It never writes.
type Reconciler struct {
	loop     *Loop
	clock    Clock
	api      QueueAPI
	state    *LocalState
	spawn    func(func())
	logger   logrus.FieldLogger
	ctx      context.Context
	interval time.Duration

	timer   Timer
	reading bool
	again   bool
	polls   int
	closed  bool
}

// NewReconciler creates a stopped reconciler.
func NewReconciler(ctx context.Context, loop *Loop, clock Clock, api QueueAPI, state *LocalState, interval time.Duration, spawn func(func()), logger logrus.FieldLogger) *Reconciler {
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	return &Reconciler{
		loop:     loop,
		clock:    clock,
		api:      api,
		state:    state,
		spawn:    spawn,
		logger:   logger,
		ctx:      ctx,
		interval: interval,
	}
}

// Start fetches once and then keeps polling.
func (r *Reconciler) Start() {
	r.PollNow()
}

// Polls returns the number of fetches issued.
func (r *Reconciler) Polls() int { return r.polls }

// PollNow fetches the canonical record. A request already in flight is not
// duplicated; another fetch follows it instead.
func (r *Reconciler) PollNow() {
	if r.closed {
		return
	}
	if r.reading {
		r.again = true
		return
	}
	r.stopTimer()
	r.reading = true
	r.polls++

	ctx := r.ctx
	r.spawn(func() {
		state, err := r.api.GetQueue(ctx)
		r.loop.Post(func() { r.complete(state, err) })
	})
}

// Signal handles a change event from the notifier.
func (r *Reconciler) Signal(ev models.ChangeEvent) {
	if r.closed || ev.Version <= r.state.LastKnownVersion() {
		return
	}
	r.logger.WithFields(logrus.Fields{
		"tab_id":  r.state.TabID(),
		"version": ev.Version,
	}).Debug("Change event, fetching queue")
	r.PollNow()
}

// Close stops polling.
func (r *Reconciler) Close() {
	r.closed = true
	r.stopTimer()
}

func (r *Reconciler) complete(state models.QueueState, err error) {
	r.reading = false
	if r.closed {
		return
	}

	if err != nil {
		log := r.logger.WithError(err).WithField("tab_id", r.state.TabID())
		if errors.Is(err, context.Canceled) {
			log.Debug("Queue fetch cancelled")
		} else {
			log.Warn("Queue fetch failed")
		}
	} else if r.state.Reconcile(state) {
		r.logger.WithFields(logrus.Fields{
			"tab_id":  r.state.TabID(),
			"version": state.Version,
		}).Debug("Reconciled remote queue")
	}

	if r.again {
		r.again = false
		r.PollNow()
		return
	}
	r.timer = r.clock.AfterFunc(r.interval, func() {
		r.loop.Post(r.tick)
	})
}

func (r *Reconciler) tick() {
	r.timer = nil
	if r.reading {
		return
	}
	r.PollNow()
}

func (r *Reconciler) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
