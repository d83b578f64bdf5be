package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plyr/internal/config"
	"plyr/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TabOptions configures a Tab. Zero durations take the defaults of
// config.DefaultConfig.
type TabOptions struct {
	ID             string
	OwnerID        string
	API            QueueAPI
	Channel        Channel
	Clock          Clock
	Logger         logrus.FieldLogger
	Debounce       time.Duration
	PollInterval   time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
	MaxAttempts    int
	ConflictPolicy ConflictPolicy
	MaxTracks      int

	// Spawn runs background network calls. Defaults to a new goroutine.
	Spawn func(func())
}

// OptionsFromConfig fills the sync tuning of cfg into TabOptions.
func OptionsFromConfig(cfg *config.Config) TabOptions {
	return TabOptions{
		Debounce:       cfg.Debounce(),
		PollInterval:   cfg.PollInterval(),
		RetryBase:      cfg.RetryBase(),
		RetryCap:       cfg.RetryCap(),
		MaxAttempts:    cfg.Sync.MaxAttempts,
		ConflictPolicy: ConflictPolicy(cfg.Sync.ConflictPolicy),
		MaxTracks:      cfg.Sync.MaxTracks,
	}
}

// Tab is one client context: a loop owning a local queue, its dispatcher,
// relay and reconciler. The queue is read and mutated through State from
// tasks on the loop, or from any goroutine through Do.
type Tab struct {
	id         string
	loop       *Loop
	state      *LocalState
	dispatcher *Dispatcher
	relay      *Relay
	reconciler *Reconciler
	logger     logrus.FieldLogger
	cancel     context.CancelFunc
	closed     bool
}

// NewTab assembles a tab. Nothing runs until Start is called and the loop is
// driven.
func NewTab(opts TabOptions) (*Tab, error) {
	if opts.API == nil {
		return nil, errors.New("tab requires a queue api")
	}
	if opts.Channel == nil {
		opts.Channel = NewBus().Channel("queue")
	}
	policy, err := ParseConflictPolicy(string(opts.ConflictPolicy))
	if err != nil {
		return nil, err
	}
	defaults := config.DefaultConfig()
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaults.RetryBase()
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = defaults.RetryCap()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.Sync.MaxAttempts
	}

	logger := opts.Logger.WithField("tab_id", opts.ID)
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	state := NewLocalState(opts.ID, opts.OwnerID, opts.MaxTracks, logger)

	t := &Tab{
		id:     opts.ID,
		loop:   loop,
		state:  state,
		logger: logger,
		cancel: cancel,
	}
	// Writes already sent are not cancelled by closing the tab.
	t.dispatcher = NewDispatcher(context.WithoutCancel(ctx), loop, opts.Clock, opts.API, state, opts.Spawn, DispatcherOptions{
		Debounce:    opts.Debounce,
		RetryBase:   opts.RetryBase,
		RetryCap:    opts.RetryCap,
		MaxAttempts: opts.MaxAttempts,
		Policy:      policy,
	}, logger)
	t.reconciler = NewReconciler(ctx, loop, opts.Clock, opts.API, state, opts.PollInterval, opts.Spawn, logger)
	t.relay = NewRelay(opts.ID, opts.Channel, loop, state.receive, logger)

	state.broadcast = t.relay.Broadcast
	state.onMutate = t.dispatcher.Notify
	return t, nil
}

// ID returns the tab id.
func (t *Tab) ID() string { return t.id }

// Loop returns the tab's loop.
func (t *Tab) Loop() *Loop { return t.loop }

// State returns the local queue. Use it only from the loop.
func (t *Tab) State() *LocalState { return t.state }

// Dispatcher returns the tab's write dispatcher. Use it only from the loop.
func (t *Tab) Dispatcher() *Dispatcher { return t.dispatcher }

// Reconciler returns the tab's reconciler. Use it only from the loop.
func (t *Tab) Reconciler() *Reconciler { return t.reconciler }

// Start schedules the initial fetch and periodic polling.
func (t *Tab) Start() {
	t.loop.Post(t.reconciler.Start)
}

// Signal forwards a change event to the reconciler. Safe from any goroutine.
func (t *Tab) Signal(ev models.ChangeEvent) {
	t.loop.Post(func() { t.reconciler.Signal(ev) })
}

// Do runs fn against the local queue on the loop and returns its error.
func (t *Tab) Do(ctx context.Context, fn func(*LocalState) error) error {
	var err error
	if doErr := t.loop.Do(ctx, func() { err = fn(t.state) }); doErr != nil {
		if errors.Is(doErr, ErrLoopClosed) {
			return ErrTabClosed
		}
		return doErr
	}
	return err
}

// Close flushes pending mutations with one immediate write, then stops the
// tab. If the loop is driven by Run, Close may be called from any goroutine;
// otherwise it must be called from the goroutine driving RunPending.
func (t *Tab) Close(ctx context.Context) error {
	var err error
	shutdown := func() { err = t.shutdown(ctx) }

	if t.loop.Running() {
		if doErr := t.loop.Do(ctx, shutdown); doErr != nil {
			if errors.Is(doErr, ErrLoopClosed) {
				return ErrTabClosed
			}
			return doErr
		}
	} else {
		t.loop.RunPending()
		shutdown()
	}
	t.loop.Close()
	return err
}

func (t *Tab) shutdown(ctx context.Context) error {
	if t.closed {
		return ErrTabClosed
	}
	t.closed = true

	err := t.dispatcher.Flush(ctx)
	if err != nil {
		t.state.abandon()
	}
	t.dispatcher.Close()
	t.reconciler.Close()
	t.relay.Close()
	t.state.close()
	t.cancel()

	if err != nil {
		t.logger.WithError(err).Warn("Unsent queue changes lost on close")
		return fmt.Errorf("tab %s: %w", t.id, err)
	}
	t.logger.Debug("Tab closed")
	return nil
}

// Browser groups tabs that share one relay channel.
type Browser struct {
	bus     *Bus
	channel string
}

// NewBrowser creates a browser whose tabs talk over channelName.
func NewBrowser(channelName string) *Browser {
	return &Browser{bus: NewBus(), channel: channelName}
}

// OpenTab creates a tab attached to the browser's channel.
func (b *Browser) OpenTab(opts TabOptions) (*Tab, error) {
	opts.Channel = b.bus.Channel(b.channel)
	return NewTab(opts)
}
