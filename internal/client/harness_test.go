package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"plyr/internal/logging"
	"plyr/internal/queue"
	"plyr/pkg/models"

	"github.com/stretchr/testify/require"
)

const testOwner = "alice"

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeAPI serves a queue.Service in-process, the way the HTTP server would.
type fakeAPI struct {
	mutex     sync.Mutex
	svc       *queue.Service
	device    string
	puts      int
	gets      int
	putErrs   []error
	getErr    error
	responses []models.WriteResponse
}

func (f *fakeAPI) GetQueue(ctx context.Context) (models.QueueState, error) {
	f.mutex.Lock()
	f.gets++
	err := f.getErr
	f.mutex.Unlock()
	if err != nil {
		return models.QueueState{}, err
	}
	return f.svc.Read(ctx, testOwner)
}

func (f *fakeAPI) PutQueue(ctx context.Context, req models.WriteRequest) (models.WriteResponse, error) {
	f.mutex.Lock()
	f.puts++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		f.mutex.Unlock()
		return models.WriteResponse{}, err
	}
	f.mutex.Unlock()

	res, err := f.svc.Write(ctx, testOwner, *req.ExpectedVersion, req.State(testOwner), f.device)
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return models.WriteResponse{}, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: verr.Error()}
	case errors.Is(err, queue.ErrVersionAhead):
		return models.WriteResponse{}, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: err.Error(), Code: CodeVersionAhead}
	case err != nil:
		return models.WriteResponse{}, err
	}

	resp := models.WriteResponse{QueueState: res.State, Accepted: res.Accepted}
	f.mutex.Lock()
	f.responses = append(f.responses, resp)
	f.mutex.Unlock()
	return resp, nil
}

func (f *fakeAPI) failPuts(errs ...error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.putErrs = append(f.putErrs, errs...)
}

func (f *fakeAPI) putCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.puts
}

func (f *fakeAPI) lastResponse() models.WriteResponse {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.responses[len(f.responses)-1]
}

// rig drives tabs deterministically: one fake clock, synchronous (or
// captured) network calls, and loops run by hand.
type rig struct {
	t       *testing.T
	clock   *FakeClock
	svc     *queue.Service
	store   *queue.MemoryStore
	tabs    []*Tab
	spawned []func()
	capture bool
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := queue.NewMemoryStore()
	return &rig{
		t:     t,
		clock: NewFakeClock(epoch),
		store: store,
		svc:   queue.NewService(store, queue.Options{Logger: logging.Discard()}),
	}
}

func (r *rig) spawn(f func()) {
	if r.capture {
		r.spawned = append(r.spawned, f)
		return
	}
	f()
}

// runSpawned completes captured network calls.
func (r *rig) runSpawned() {
	calls := r.spawned
	r.spawned = nil
	for _, f := range calls {
		f()
	}
	r.settle()
}

func (r *rig) openTab(b *Browser, id string, mutate func(*TabOptions)) (*Tab, *fakeAPI) {
	r.t.Helper()
	api := &fakeAPI{svc: r.svc, device: id}
	opts := TabOptions{
		ID:             id,
		OwnerID:        testOwner,
		API:            api,
		Clock:          r.clock,
		Logger:         logging.Discard(),
		Debounce:       250 * time.Millisecond,
		PollInterval:   3 * time.Second,
		RetryBase:      500 * time.Millisecond,
		RetryCap:       8 * time.Second,
		MaxAttempts:    5,
		ConflictPolicy: PolicyRebase,
		Spawn:          r.spawn,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tab, err := b.OpenTab(opts)
	require.NoError(r.t, err)
	r.tabs = append(r.tabs, tab)
	return tab, api
}

// settle runs every loop until no task is left.
func (r *rig) settle() {
	for {
		n := 0
		for _, tab := range r.tabs {
			n += tab.Loop().RunPending()
		}
		if n == 0 {
			return
		}
	}
}

func (r *rig) advance(d time.Duration) {
	r.clock.Advance(d)
	r.settle()
}

// seed writes tracks as the canonical record and returns it.
func (r *rig) seed(ids ...string) models.QueueState {
	r.t.Helper()
	current, err := r.store.Read(context.Background(), testOwner)
	require.NoError(r.t, err)
	res, err := r.store.Write(context.Background(), testOwner, current.Version, stateOf(ids...), "seed")
	require.NoError(r.t, err)
	require.True(r.t, res.Accepted)
	return res.State
}

func (r *rig) canonical() models.QueueState {
	r.t.Helper()
	s, err := r.store.Read(context.Background(), testOwner)
	require.NoError(r.t, err)
	return s
}

func stateOf(ids ...string) models.QueueState {
	s := models.NewQueueState(testOwner)
	for _, id := range ids {
		s.Tracks = append(s.Tracks, models.TrackRef{ID: id})
	}
	if len(ids) > 0 {
		s.CurrentIndex = models.Index(0)
	}
	return s
}

func trackIDs(s models.QueueState) []string {
	ids := make([]string, len(s.Tracks))
	for i, t := range s.Tracks {
		ids[i] = t.ID
	}
	return ids
}

func track(id string) models.TrackRef {
	return models.TrackRef{ID: id, Title: "Track " + id}
}
