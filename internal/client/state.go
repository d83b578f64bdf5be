package client

import (
	"errors"
	"fmt"
	"math/rand"

	"plyr/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTabClosed is returned by operations on a closed tab.
	ErrTabClosed = errors.New("tab is closed")

	// ErrIndexOutOfRange is returned for queue positions that do not exist.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// viewKey orders the provenance of views: by base version, then Lamport
// stamp, then origin tab id. Canonical snapshots have stamp 0 and no origin,
// so any local edit on top of version v outranks the bare canonical v.
type viewKey struct {
	Version int64
	Stamp   uint64
	Origin  string
}

func (k viewKey) less(o viewKey) bool {
	if k.Version != o.Version {
		return k.Version < o.Version
	}
	if k.Stamp != o.Stamp {
		return k.Stamp < o.Stamp
	}
	return k.Origin < o.Origin
}

// View is the observable state of a tab.
type View struct {
	State            models.QueueState
	Pending          bool
	LastKnownVersion int64
	SyncError        error
}

type pendingOp struct {
	seq uint64
	op  Op
}

// writeTicket describes one write handed to the dispatcher: the snapshot, the
// last op it covers and the provenance of its content.
type writeTicket struct {
	request  models.WriteRequest
	cutoff   uint64
	includes map[string]uint64
}

// LocalState is the optimistic queue of one tab. Every method must run on the
// tab's loop.
//
// Unconfirmed mutations are kept in an op log and replayed on each newer
// canonical snapshot, so reconciliation never drops local edits. includes
// records, per tab, the last op of that tab reflected in the current view;
// it travels with relay envelopes so siblings can tell which of their own ops
// another tab's snapshot already carries.
type LocalState struct {
	tabID     string
	ownerID   string
	maxTracks int
	logger    logrus.FieldLogger
	seed      func() int64

	view      models.QueueState
	base      models.QueueState
	key       viewKey
	includes  map[string]uint64
	lastKnown int64
	lamport   uint64
	seq       uint64
	ops       []pendingOp
	inflight  bool
	deferred  *models.QueueState
	syncErr   error
	closed    bool

	subscribers map[int]func(View)
	nextSub     int

	broadcast func(Envelope)
	onMutate  func()
}

// NewLocalState creates the version-0 view of ownerID for tab tabID.
func NewLocalState(tabID, ownerID string, maxTracks int, logger logrus.FieldLogger) *LocalState {
	if maxTracks <= 0 {
		maxTracks = models.DefaultMaxTracks
	}
	return &LocalState{
		tabID:       tabID,
		ownerID:     ownerID,
		maxTracks:   maxTracks,
		logger:      logger,
		seed:        rand.Int63,
		view:        models.NewQueueState(ownerID),
		base:        models.NewQueueState(ownerID),
		includes:    map[string]uint64{},
		subscribers: make(map[int]func(View)),
	}
}

// TabID returns the id of the owning tab.
func (s *LocalState) TabID() string { return s.tabID }

// Snapshot returns a copy of the current view.
func (s *LocalState) Snapshot() models.QueueState { return s.view.Clone() }

// Pending reports whether unconfirmed local mutations exist.
func (s *LocalState) Pending() bool { return len(s.ops) > 0 }

// LastKnownVersion returns the highest canonical version this tab has seen.
func (s *LocalState) LastKnownVersion() int64 { return s.lastKnown }

// SyncError returns the last unrecovered sync failure, if any.
func (s *LocalState) SyncError() error { return s.syncErr }

// View returns the observable state.
func (s *LocalState) View() View {
	return View{
		State:            s.view.Clone(),
		Pending:          s.Pending(),
		LastKnownVersion: s.lastKnown,
		SyncError:        s.syncErr,
	}
}

// Subscribe registers fn for every change of the view. fn runs on the loop.
func (s *LocalState) Subscribe(fn func(View)) (cancel func()) {
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() { delete(s.subscribers, id) }
}

// Add appends tracks.
func (s *LocalState) Add(tracks ...models.TrackRef) error {
	if err := s.usable(); err != nil {
		return err
	}
	if len(tracks) == 0 {
		return nil
	}
	for i, t := range tracks {
		if t.ID == "" {
			return &models.ValidationError{Field: fmt.Sprintf("tracks[%d].id", i), Message: "track id cannot be empty"}
		}
	}
	if len(s.view.Tracks)+len(tracks) > s.maxTracks {
		return &models.ValidationError{Field: "tracks", Message: fmt.Sprintf("queue may hold at most %d tracks", s.maxTracks)}
	}
	added := make([]models.TrackRef, len(tracks))
	copy(added, tracks)
	s.record(Op{Kind: OpAdd, Tracks: added})
	return nil
}

// Remove deletes the entry at index.
func (s *LocalState) Remove(index int) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.record(Op{Kind: OpRemove, Index: index, TrackID: s.view.Tracks[index].ID})
	return nil
}

// Reorder moves the entry at from to position to.
func (s *LocalState) Reorder(from, to int) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkIndex(from); err != nil {
		return err
	}
	if err := s.checkIndex(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	s.record(Op{Kind: OpReorder, Index: from, To: to, TrackID: s.view.Tracks[from].ID})
	return nil
}

// PlayNow inserts track right after the current one and makes it current.
func (s *LocalState) PlayNow(track models.TrackRef) error {
	if err := s.usable(); err != nil {
		return err
	}
	if track.ID == "" {
		return &models.ValidationError{Field: "tracks[0].id", Message: "track id cannot be empty"}
	}
	if len(s.view.Tracks)+1 > s.maxTracks {
		return &models.ValidationError{Field: "tracks", Message: fmt.Sprintf("queue may hold at most %d tracks", s.maxTracks)}
	}
	s.record(Op{Kind: OpPlayNow, Tracks: []models.TrackRef{track}})
	return nil
}

// Clear empties the queue.
func (s *LocalState) Clear() error {
	if err := s.usable(); err != nil {
		return err
	}
	s.record(Op{Kind: OpClear})
	return nil
}

// SetShuffle turns shuffle on or off.
func (s *LocalState) SetShuffle(on bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.view.Shuffle == on {
		return nil
	}
	s.record(Op{Kind: OpSetShuffle, Shuffle: on, Seed: s.seed()})
	return nil
}

// SetRepeat sets the repeat mode.
func (s *LocalState) SetRepeat(mode models.RepeatMode) error {
	if err := s.usable(); err != nil {
		return err
	}
	if !mode.Valid() {
		return &models.ValidationError{Field: "repeat", Message: fmt.Sprintf("invalid repeat mode %q (must be off, one, or all)", mode)}
	}
	if s.view.Repeat == mode {
		return nil
	}
	s.record(Op{Kind: OpSetRepeat, Repeat: mode})
	return nil
}

// Jump makes the entry at index current.
func (s *LocalState) Jump(index int) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.record(Op{Kind: OpJump, Index: index, TrackID: s.view.Tracks[index].ID})
	return nil
}

// Next advances the play position.
func (s *LocalState) Next() error {
	if err := s.usable(); err != nil {
		return err
	}
	s.record(Op{Kind: OpNext})
	return nil
}

// Previous moves the play position back.
func (s *LocalState) Previous() error {
	if err := s.usable(); err != nil {
		return err
	}
	s.record(Op{Kind: OpPrevious})
	return nil
}

// Reconcile applies a canonical snapshot fetched from or returned by the
// server. Snapshots at or below the last known version are ignored. It
// reports whether the snapshot was applied; applied snapshots are broadcast to
// sibling tabs.
func (s *LocalState) Reconcile(canonical models.QueueState) bool {
	return s.reconcile(canonical, nil, true)
}

func (s *LocalState) reconcile(canonical models.QueueState, includes map[string]uint64, fromServer bool) bool {
	// A record at the version already known only matters when the view shows
	// a sibling's edit that has not been written: it replaces that edit.
	revert := canonical.Version == s.lastKnown && s.onSiblingEdit()
	if canonical.Version < s.lastKnown || canonical.Version == s.lastKnown && !revert {
		return false
	}
	if s.inflight {
		if s.deferred == nil || canonical.Version > s.deferred.Version {
			c := canonical.Clone()
			s.deferred = &c
		}
		return false
	}

	s.lastKnown = canonical.Version
	s.base = canonical.Clone()
	if fromServer {
		s.emit(Envelope{Kind: KindCanonical, Version: canonical.Version, Includes: includes, Snapshot: canonical})
	}

	ck := viewKey{Version: canonical.Version}
	switch {
	case len(s.ops) > 0:
		view := canonical.Clone()
		for _, p := range s.ops {
			p.op.Apply(&view)
		}
		s.view = view
		s.includes = map[string]uint64{s.tabID: s.ops[len(s.ops)-1].seq}
		s.lamport++
		s.key = viewKey{Version: canonical.Version, Stamp: s.lamport, Origin: s.tabID}
		s.emitMutation()
	case revert || s.key.less(ck):
		s.view = canonical.Clone()
		s.includes = map[string]uint64{}
		s.key = ck
	default:
		// A sibling's edit on top of this version is newer than the bare record.
	}
	s.notify()
	return true
}

// receive handles an envelope from a sibling tab.
func (s *LocalState) receive(env Envelope) {
	if env.OriginTabID == s.tabID || s.closed {
		return
	}
	if env.Stamp > s.lamport {
		s.lamport = env.Stamp
	}
	if n, ok := env.Includes[s.tabID]; ok {
		s.delegate(n)
	}

	switch env.Kind {
	case KindCanonical:
		s.reconcile(env.Snapshot, env.Includes, false)

	case KindRevert:
		if !s.onSiblingEdit() || s.key.Origin != env.OriginTabID || s.key.Version != env.Version {
			return
		}
		s.view = env.Snapshot.Clone()
		s.base = env.Snapshot.Clone()
		s.key = viewKey{Version: env.Version}
		s.includes = map[string]uint64{}
		s.notify()

	case KindMutation:
		if env.Version < s.lastKnown {
			return
		}
		if len(s.ops) > 0 {
			// Concurrent local edit: the server arbitrates between the two writes.
			return
		}
		k := env.key()
		if !s.key.less(k) {
			return
		}
		if env.Digest != "" && env.Digest == s.view.Digest() {
			// Same content: take the provenance without touching the view.
			raised := env.Version > s.lastKnown
			s.key = k
			s.includes = copyIncludes(env.Includes)
			s.lastKnown = env.Version
			if raised {
				s.notify()
			}
			return
		}
		s.view = env.Snapshot.Clone()
		s.key = k
		s.includes = copyIncludes(env.Includes)
		s.lastKnown = env.Version
		s.notify()
	}
}

// onSiblingEdit reports whether the view shows another tab's edit that this
// tab has adopted but not confirmed against the server.
func (s *LocalState) onSiblingEdit() bool {
	return len(s.ops) == 0 && s.key.Stamp > 0 && s.key.Origin != s.tabID
}

// abandon tells siblings that this tab's unwritten edits will not reach the
// server, so views adopted from them fall back to the canonical record.
func (s *LocalState) abandon() {
	if len(s.ops) == 0 {
		return
	}
	s.emit(Envelope{Kind: KindRevert, Version: s.base.Version, Snapshot: s.base})
}

// resync rebuilds the view on a record older than the last known version.
// It is only used when the server reports that version as ahead of its own,
// which means the server lost its history.
func (s *LocalState) resync(canonical models.QueueState) {
	s.logger.WithFields(logrus.Fields{
		"tab_id":     s.tabID,
		"last_known": s.lastKnown,
		"server":     canonical.Version,
	}).Warn("Server version went backwards, rebasing local queue")

	s.deferred = nil
	s.lastKnown = canonical.Version
	s.base = canonical.Clone()
	s.emit(Envelope{Kind: KindCanonical, Version: canonical.Version, Snapshot: canonical})

	view := canonical.Clone()
	for _, p := range s.ops {
		p.op.Apply(&view)
	}
	s.view = view
	if len(s.ops) > 0 {
		s.includes = map[string]uint64{s.tabID: s.ops[len(s.ops)-1].seq}
		s.lamport++
		s.key = viewKey{Version: canonical.Version, Stamp: s.lamport, Origin: s.tabID}
		s.emitMutation()
	} else {
		s.includes = map[string]uint64{}
		s.key = viewKey{Version: canonical.Version}
	}
	s.notify()
}

// delegate drops own ops up to seq: a sibling's snapshot carries them and
// that sibling writes them.
func (s *LocalState) delegate(seq uint64) {
	kept := s.ops[:0]
	for _, p := range s.ops {
		if p.seq > seq {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(s.ops) {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"tab_id":    s.tabID,
		"delegated": len(s.ops) - len(kept),
	}).Debug("Sibling snapshot carries local ops")
	s.ops = kept
	s.notify()
}

// beginWrite snapshots the view for a write. It reports false when nothing is
// pending or a write is already in flight.
func (s *LocalState) beginWrite() (writeTicket, bool) {
	if len(s.ops) == 0 || s.inflight {
		return writeTicket{}, false
	}
	s.inflight = true
	return writeTicket{
		request:  models.NewWriteRequest(s.view, s.lastKnown),
		cutoff:   s.ops[len(s.ops)-1].seq,
		includes: copyIncludes(s.includes),
	}, true
}

// finishWrite processes the server's answer to ticket.
func (s *LocalState) finishWrite(resp models.WriteResponse, ticket writeTicket, policy ConflictPolicy) {
	s.inflight = false
	s.syncErr = nil

	if resp.Accepted || policy == PolicyServer {
		s.dropThrough(ticket.cutoff)
	}

	canonical := resp.QueueState
	var includes map[string]uint64
	if resp.Accepted {
		includes = ticket.includes
	}
	if d := s.deferred; d != nil {
		s.deferred = nil
		if d.Version > canonical.Version {
			canonical, includes = *d, nil
		}
	}
	if !s.reconcile(canonical, includes, true) {
		s.notify()
	}
}

// abortWrite ends a failed write; ops stay pending.
func (s *LocalState) abortWrite() {
	s.inflight = false
	if d := s.deferred; d != nil {
		s.deferred = nil
		s.reconcile(*d, nil, true)
	}
}

func (s *LocalState) setSyncError(err error) {
	s.syncErr = err
	s.notify()
}

func (s *LocalState) close() {
	s.closed = true
	s.subscribers = make(map[int]func(View))
}

func (s *LocalState) dropThrough(cutoff uint64) {
	kept := s.ops[:0]
	for _, p := range s.ops {
		if p.seq > cutoff {
			kept = append(kept, p)
		}
	}
	s.ops = kept
}

func (s *LocalState) record(op Op) {
	s.seq++
	s.ops = append(s.ops, pendingOp{seq: s.seq, op: op})
	op.Apply(&s.view)

	s.includes = copyIncludes(s.includes)
	s.includes[s.tabID] = s.seq
	s.lamport++
	s.key = viewKey{Version: s.lastKnown, Stamp: s.lamport, Origin: s.tabID}

	s.emitMutation()
	s.notify()
	if s.onMutate != nil {
		s.onMutate()
	}
}

func (s *LocalState) emitMutation() {
	s.emit(Envelope{
		Kind:     KindMutation,
		Version:  s.key.Version,
		Stamp:    s.key.Stamp,
		Includes: s.includes,
		Snapshot: s.view,
	})
}

func (s *LocalState) emit(env Envelope) {
	if s.broadcast == nil {
		return
	}
	env.OriginTabID = s.tabID
	if env.Stamp == 0 && env.Kind == KindCanonical {
		env.Stamp = s.lamport
	}
	env.Includes = copyIncludes(env.Includes)
	env.Snapshot = env.Snapshot.Clone()
	env.Digest = env.Snapshot.Digest()
	s.broadcast(env)
}

func (s *LocalState) notify() {
	if len(s.subscribers) == 0 {
		return
	}
	v := s.View()
	for _, fn := range s.subscribers {
		fn(v)
	}
}

func (s *LocalState) usable() error {
	if s.closed {
		return ErrTabClosed
	}
	return nil
}

func (s *LocalState) checkIndex(i int) error {
	if i < 0 || i >= len(s.view.Tracks) {
		return fmt.Errorf("%w: %d (queue has %d tracks)", ErrIndexOutOfRange, i, len(s.view.Tracks))
	}
	return nil
}

func copyIncludes(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
