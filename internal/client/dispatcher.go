package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plyr/pkg/models"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// ErrRetriesExhausted wraps the last transient failure once a write has been
// attempted MaxAttempts times.
var ErrRetriesExhausted = errors.New("sync retries exhausted")

// ConflictPolicy decides what happens to the ops of a superseded write.
type ConflictPolicy string

const (
	// PolicyRebase replays the rejected ops on the winning record and
	// submits again.
	PolicyRebase ConflictPolicy = "rebase"
	// PolicyServer keeps the winning record and drops the rejected ops.
	PolicyServer ConflictPolicy = "server"
)

// ParseConflictPolicy validates a configured policy name.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case PolicyRebase, PolicyServer:
		return p, nil
	case "":
		return PolicyRebase, nil
	default:
		return "", fmt.Errorf("invalid conflict policy: %s (must be rebase or server)", s)
	}
}

// Phase is the dispatcher state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDebouncing
	PhaseInFlight
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDebouncing:
		return "debouncing"
	case PhaseInFlight:
		return "in_flight"
	case PhaseBackoff:
		return "backoff"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	Debounce    time.Duration
	RetryBase   time.Duration
	RetryCap    time.Duration
	MaxAttempts int
	Policy      ConflictPolicy
}

// Dispatcher coalesces local mutations into single snapshot writes. It runs
// entirely on the tab's loop; the network call itself runs on a spawned
// goroutine and posts its completion back.
//
//	Idle -> Debouncing -> InFlight -> Idle
//	                         |  ^
//	                         v  |
//	                       Backoff
type Dispatcher struct {
	loop   *Loop
	clock  Clock
	api    QueueAPI
	state  *LocalState
	spawn  func(func())
	logger logrus.FieldLogger
	ctx    context.Context

	debounce    time.Duration
	maxAttempts int
	policy      ConflictPolicy
	backoff     *backoff.Backoff

	phase    Phase
	timer    Timer
	attempts int
	writes   int
	resynced bool
	closed   bool
}

// NewDispatcher creates an idle dispatcher writing state through api.
func NewDispatcher(ctx context.Context, loop *Loop, clock Clock, api QueueAPI, state *LocalState, spawn func(func()), opts DispatcherOptions, logger logrus.FieldLogger) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRebase
	}
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	return &Dispatcher{
		loop:        loop,
		clock:       clock,
		api:         api,
		state:       state,
		spawn:       spawn,
		logger:      logger,
		ctx:         ctx,
		debounce:    opts.Debounce,
		maxAttempts: opts.MaxAttempts,
		policy:      opts.Policy,
		backoff: &backoff.Backoff{
			Min:    opts.RetryBase,
			Max:    opts.RetryCap,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Phase returns the current state.
func (d *Dispatcher) Phase() Phase { return d.phase }

// Writes returns the number of write attempts sent so far.
func (d *Dispatcher) Writes() int { return d.writes }

// Notify reports a local mutation.
func (d *Dispatcher) Notify() {
	if d.closed {
		return
	}
	switch d.phase {
	case PhaseIdle, PhaseDebouncing:
		d.startDebounce()
	case PhaseInFlight, PhaseBackoff:
		// The op log holds the mutation; the next send picks it up.
	}
}

// Flush cancels a pending debounce or backoff and writes once, synchronously.
// It is used when the tab closes.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d.phase == PhaseInFlight {
		d.logger.WithField("tab_id", d.state.TabID()).Debug("Flush skipped, write in flight")
		return nil
	}
	d.stopTimer()
	d.phase = PhaseIdle

	ticket, ok := d.state.beginWrite()
	if !ok {
		return nil
	}
	d.writes++
	resp, err := d.api.PutQueue(ctx, ticket.request)
	if err != nil {
		d.state.abortWrite()
		d.state.setSyncError(err)
		return fmt.Errorf("failed to flush queue: %w", err)
	}
	d.state.finishWrite(resp, ticket, d.policy)
	return nil
}

// Close stops all timers. An in-flight completion is ignored.
func (d *Dispatcher) Close() {
	d.closed = true
	d.stopTimer()
}

func (d *Dispatcher) startDebounce() {
	d.stopTimer()
	d.phase = PhaseDebouncing
	d.timer = d.clock.AfterFunc(d.debounce, d.post(d.fire))
}

func (d *Dispatcher) fire() {
	if d.closed || d.phase != PhaseDebouncing {
		return
	}
	d.timer = nil
	d.send()
}

func (d *Dispatcher) retry() {
	if d.closed || d.phase != PhaseBackoff {
		return
	}
	d.timer = nil
	d.send()
}

func (d *Dispatcher) send() {
	ticket, ok := d.state.beginWrite()
	if !ok {
		d.phase = PhaseIdle
		return
	}
	d.phase = PhaseInFlight
	d.attempts++
	d.writes++

	d.logger.WithFields(logrus.Fields{
		"tab_id":           d.state.TabID(),
		"expected_version": *ticket.request.ExpectedVersion,
		"attempt":          d.attempts,
	}).Debug("Writing queue snapshot")

	ctx := d.ctx
	d.spawn(func() {
		resp, err := d.api.PutQueue(ctx, ticket.request)
		d.loop.Post(func() { d.complete(ticket, resp, err) })
	})
}

func (d *Dispatcher) complete(ticket writeTicket, resp models.WriteResponse, err error) {
	if d.closed {
		return
	}
	if err != nil {
		d.state.abortWrite()
		if IsVersionAhead(err) && !d.resynced {
			d.resynced = true
			d.refetch()
			return
		}
		d.fail(err)
		return
	}

	d.attempts = 0
	d.resynced = false
	d.backoff.Reset()
	d.phase = PhaseIdle
	d.state.finishWrite(resp, ticket, d.policy)

	log := d.logger.WithFields(logrus.Fields{
		"tab_id":  d.state.TabID(),
		"version": resp.Version,
	})
	if resp.Accepted {
		log.Debug("Queue write accepted")
	} else {
		log.WithField("policy", d.policy).Info("Queue write superseded")
	}

	if d.state.Pending() {
		d.startDebounce()
	}
}

func (d *Dispatcher) fail(err error) {
	log := d.logger.WithError(err).WithFields(logrus.Fields{
		"tab_id":  d.state.TabID(),
		"attempt": d.attempts,
	})

	if IsTransient(err) && d.attempts < d.maxAttempts {
		delay := d.backoff.ForAttempt(float64(d.attempts - 1))
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
		}
		log.WithField("retry_in", delay).Warn("Queue write failed, retrying")
		d.phase = PhaseBackoff
		d.timer = d.clock.AfterFunc(delay, d.post(d.retry))
		return
	}

	if IsTransient(err) {
		err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	log.Error("Queue write failed")
	d.attempts = 0
	d.resynced = false
	d.backoff.Reset()
	d.phase = PhaseIdle
	d.state.setSyncError(err)
	d.state.abandon()
}

// refetch reads the record after the server rejected the expected version as
// ahead of its own, rebases the pending ops on it and writes again once.
func (d *Dispatcher) refetch() {
	d.phase = PhaseInFlight
	ctx := d.ctx
	d.spawn(func() {
		canonical, err := d.api.GetQueue(ctx)
		d.loop.Post(func() { d.refetched(canonical, err) })
	})
}

func (d *Dispatcher) refetched(canonical models.QueueState, err error) {
	if d.closed {
		return
	}
	if err != nil {
		d.resynced = false
		d.fail(err)
		return
	}
	d.state.resync(canonical)
	d.send()
}

func (d *Dispatcher) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dispatcher) post(fn func()) func() {
	return func() { d.loop.Post(fn) }
}
