// Package playlist maintains the local mirror of the shared karaoke queue.
//
// The server owns the queue; this package keeps a client-side copy in sync
// by applying full snapshots and incremental deltas in arrival order, and
// layers optimistic local edits on top of it. Every local mutation carries
// a correlation id the server echoes back, so a confirming delta resolves
// the optimistic edit instead of duplicating it.
package playlist

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/internal/metrics"
	"github.com/UnHolds/KaraokeV2/pkg/client"
	"github.com/UnHolds/KaraokeV2/pkg/events"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
)

const (
	// DefaultMutationTimeout bounds the wait for a mutation's verdict.
	DefaultMutationTimeout = 10 * time.Second

	// historyLimit matches the server's bounded play history.
	historyLimit = 3
)

// Entry is one queue position as the client sees it. Pending marks an
// optimistic local edit the server has not confirmed yet.
type Entry struct {
	protocol.Entry
	Pending bool
}

// State is the local mirror of the shared queue. NowPlaying is the last
// history entry, nil while nothing has played. State values handed to
// subscribers are snapshots; mutating them has no effect on the mirror.
type State struct {
	Queue   []Entry
	History []Entry
}

// NowPlaying returns the entry currently on stage, or nil.
func (s State) NowPlaying() *Entry {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// OutcomeKind classifies how a requested mutation ended.
type OutcomeKind int

const (
	// OutcomeConfirmed means the server applied the mutation.
	OutcomeConfirmed OutcomeKind = iota
	// OutcomeRejected means the server explicitly refused it.
	OutcomeRejected
	// OutcomeTimedOut means no verdict arrived in time.
	OutcomeTimedOut
	// OutcomeSuperseded means an authoritative snapshot or a conflicting
	// delta made the request moot before a verdict arrived.
	OutcomeSuperseded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the single verdict reported for one requested mutation.
type Outcome struct {
	CorrelationID uuid.UUID
	Op            string
	Kind          OutcomeKind
	Reason        string
}

// Connection is the session surface the synchronizer needs.
// *client.Machine implements it.
type Connection interface {
	State() client.ConnectionState
	Send(data []byte) error
}

// Pinner protects songs referenced by pending entries from cache
// eviction. *cache.Cache implements it.
type Pinner interface {
	Pin(id int64)
	Unpin(id int64)
}

// mutation is one in-flight optimistic edit and everything needed to
// revert it.
type mutation struct {
	id    uuid.UUID
	op    string
	timer *time.Timer

	songID  int64     // pinned song, adds only
	singer  string    // adds only, for snapshot matching
	entryID uuid.UUID // target entry, all ops but add
	otherID uuid.UUID // second entry, swaps only
	after   *uuid.UUID

	stash      *Entry // removed or moved entry for revert
	stashIndex int    // queue index the stash came from
	otherIndex int    // pre-swap index of the second entry
}

// Synchronizer owns PlaylistState. All mutation of the mirror happens
// under its lock, one event at a time; everyone else sees read-only
// snapshots through the state observable.
type Synchronizer struct {
	conn    Connection
	pins    Pinner
	timeout time.Duration

	state    *events.Value[State]
	outcomes *events.Broadcaster[Outcome]

	mu               sync.Mutex
	queue            []Entry
	history          []Entry
	pending          map[uuid.UUID]*mutation
	awaitingSnapshot bool
}

// New creates a synchronizer over the given connection. pins may be nil
// when no cache is attached.
func New(conn Connection, pins Pinner) *Synchronizer {
	return &Synchronizer{
		conn:             conn,
		pins:             pins,
		timeout:          DefaultMutationTimeout,
		state:            events.NewValue(State{}),
		outcomes:         events.NewBroadcaster[Outcome](),
		pending:          make(map[uuid.UUID]*mutation),
		awaitingSnapshot: true,
	}
}

// SetMutationTimeout overrides the verdict wait for future requests.
func (s *Synchronizer) SetMutationTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// State returns the current playlist mirror.
func (s *Synchronizer) State() State {
	return s.state.Get()
}

// AwaitingSnapshot reports whether the mirror is still waiting for the
// session's first authoritative snapshot. Restored or stale state is
// display-only while this is true.
func (s *Synchronizer) AwaitingSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingSnapshot
}

// SubscribeState returns a channel yielding the current state immediately
// and every change after it, plus a cancel function.
func (s *Synchronizer) SubscribeState() (<-chan State, func()) {
	return s.state.Subscribe()
}

// Outcomes returns a channel of mutation verdicts. Every requested
// mutation produces exactly one outcome.
func (s *Synchronizer) Outcomes() chan Outcome {
	return s.outcomes.Subscribe()
}

// StopOutcomes removes and closes an outcome channel.
func (s *Synchronizer) StopOutcomes(ch chan Outcome) {
	s.outcomes.Unsubscribe(ch)
}

// OnDisconnected abandons all in-flight mutations and distrusts deltas
// until the next snapshot. The mirror itself is left alone; the next
// snapshot rebuilds it wholesale. Register on the connection machine: it
// then runs on the machine's event loop, so invalidation is always
// ordered before the reconnect's snapshot and deltas.
func (s *Synchronizer) OnDisconnected() {
	s.mu.Lock()
	s.awaitingSnapshot = true
	var resolved []Outcome
	for id, m := range s.pending {
		m.timer.Stop()
		delete(s.pending, id)
		s.unpin(m)
		resolved = append(resolved, Outcome{
			CorrelationID: id,
			Op:            m.op,
			Kind:          OutcomeSuperseded,
			Reason:        "connection lost",
		})
	}
	s.mu.Unlock()

	for _, o := range resolved {
		s.report(o)
	}
	if len(resolved) > 0 {
		logging.Info("abandoned in-flight mutations on disconnect",
			logging.Int("count", len(resolved)))
	}
}

// RequestAdd queues a song optimistically and asks the server to confirm.
// The provisional entry carries the correlation id as its id until the
// server's delta supplies the real one. The song is pinned in the cache
// for as long as the entry is pending.
func (s *Synchronizer) RequestAdd(songID int64, singer, password string) (uuid.UUID, error) {
	if err := s.requireConnected(); err != nil {
		return uuid.Nil, err
	}

	corr := uuid.New()
	req := protocol.AddRequest{
		Type:          protocol.TypeAdd,
		CorrelationID: corr,
		Song:          songID,
		Singer:        singer,
		Password:      password,
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	if s.pins != nil {
		s.pins.Pin(songID)
	}
	s.queue = append(s.queue, Entry{
		Entry:   protocol.Entry{ID: corr, Song: songID, Singer: singer},
		Pending: true,
	})
	m := &mutation{id: corr, op: protocol.OpAdd, songID: songID, singer: singer}
	s.armLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	if err := s.conn.Send(data); err != nil {
		s.fail(corr, err)
		return uuid.Nil, err
	}
	metrics.RecordMessageSent(protocol.TypeAdd)
	return corr, nil
}

// RequestRemove removes an entry as admin. The entry disappears from the
// mirror immediately and is restored if the server refuses.
func (s *Synchronizer) RequestRemove(entryID uuid.UUID) (uuid.UUID, error) {
	if err := s.requireAdmin(); err != nil {
		return uuid.Nil, err
	}
	corr := uuid.New()
	req := protocol.RemoveRequest{
		Type:          protocol.TypeRemove,
		CorrelationID: corr,
		ID:            entryID,
	}
	return s.sendRemove(corr, entryID, req, protocol.TypeRemove)
}

// RequestRemoveWithPassword removes an entry by proving knowledge of the
// password it was queued with. No admin needed; the server checks the
// password.
func (s *Synchronizer) RequestRemoveWithPassword(entryID uuid.UUID, password string) (uuid.UUID, error) {
	if err := s.requireConnected(); err != nil {
		return uuid.Nil, err
	}
	corr := uuid.New()
	req := protocol.RemovePasswordRequest{
		Type:          protocol.TypeRemovePassword,
		CorrelationID: corr,
		ID:            entryID,
		Password:      password,
	}
	return s.sendRemove(corr, entryID, req, protocol.TypeRemovePassword)
}

func (s *Synchronizer) sendRemove(corr, entryID uuid.UUID, req any, wireType string) (uuid.UUID, error) {
	data, err := protocol.Encode(req)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	idx := s.indexOf(entryID)
	if idx < 0 {
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("entry %s not in queue", entryID)
	}
	m := &mutation{id: corr, op: protocol.OpRemove, entryID: entryID}
	stash := s.queue[idx]
	m.stash = &stash
	m.stashIndex = idx
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	s.armLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	if err := s.conn.Send(data); err != nil {
		s.fail(corr, err)
		return uuid.Nil, err
	}
	metrics.RecordMessageSent(wireType)
	return corr, nil
}

// RequestReorder moves an entry to newPosition in the queue (admin only).
// Position 0 is the front. The move shows immediately and is marked
// pending until the server's delta lands.
func (s *Synchronizer) RequestReorder(entryID uuid.UUID, newPosition int) (uuid.UUID, error) {
	if err := s.requireAdmin(); err != nil {
		return uuid.Nil, err
	}

	corr := uuid.New()

	s.mu.Lock()
	idx := s.indexOf(entryID)
	if idx < 0 {
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("entry %s not in queue", entryID)
	}
	if newPosition < 0 {
		newPosition = 0
	}
	if max := len(s.queue) - 1; newPosition > max {
		newPosition = max
	}

	// The wire protocol expresses reordering as move-after; resolve the
	// target position against the queue without the moving entry.
	rest := make([]Entry, 0, len(s.queue)-1)
	rest = append(rest, s.queue[:idx]...)
	rest = append(rest, s.queue[idx+1:]...)
	var after *uuid.UUID
	if newPosition > 0 {
		id := rest[newPosition-1].ID
		after = &id
	}

	m := &mutation{id: corr, op: protocol.OpMove, entryID: entryID, after: after}
	stash := s.queue[idx]
	m.stash = &stash
	m.stashIndex = idx

	moved := stash
	moved.Pending = true
	s.queue = insertEntry(rest, newPosition, moved)
	s.armLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	req := protocol.MoveRequest{
		Type:          protocol.TypeMove,
		CorrelationID: corr,
		ID:            entryID,
		After:         after,
	}
	data, err := protocol.Encode(req)
	if err != nil {
		s.fail(corr, err)
		return uuid.Nil, err
	}
	if err := s.conn.Send(data); err != nil {
		s.fail(corr, err)
		return uuid.Nil, err
	}
	metrics.RecordMessageSent(protocol.TypeMove)
	return corr, nil
}

// RequestSwap exchanges the queue positions of two entries (admin only).
// Both entries trade places immediately and stay pending until the
// server's delta lands.
func (s *Synchronizer) RequestSwap(first, second uuid.UUID) (uuid.UUID, error) {
	if err := s.requireAdmin(); err != nil {
		return uuid.Nil, err
	}
	if first == second {
		return uuid.Nil, fmt.Errorf("swap needs two distinct entries")
	}

	corr := uuid.New()
	req := protocol.SwapRequest{
		Type:          protocol.TypeSwap,
		CorrelationID: corr,
		ID:            first,
		Other:         second,
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	i, j := s.indexOf(first), s.indexOf(second)
	if i < 0 || j < 0 {
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("entry not in queue")
	}
	m := &mutation{id: corr, op: protocol.OpSwap, entryID: first, otherID: second, stashIndex: i, otherIndex: j}
	s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
	s.queue[i].Pending = true
	s.queue[j].Pending = true
	s.armLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	if err := s.conn.Send(data); err != nil {
		s.fail(corr, err)
		return uuid.Nil, err
	}
	metrics.RecordMessageSent(protocol.TypeSwap)
	return corr, nil
}

// RequestPlay advances the given entry to now playing (admin only). The
// entry moves from the queue to the history tail immediately.
func (s *Synchronizer) RequestPlay(entryID uuid.UUID) (uuid.UUID, error) {
	if err := s.requireAdmin(); err != nil {
		return uuid.Nil, err
	}

	corr := uuid.New()
	req := protocol.PlayRequest{
		Type:          protocol.TypePlay,
		CorrelationID: corr,
		ID:            entryID,
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	idx := s.indexOf(entryID)
	if idx < 0 {
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("entry %s not in queue", entryID)
	}
	m := &mutation{id: corr, op: protocol.OpPlay, entryID: entryID}
	stash := s.queue[idx]
	m.stash = &stash
	m.stashIndex = idx

	played := stash
	played.Pending = true
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	s.history = appendHistory(s.history, played)
	s.armLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	if err := s.conn.Send(data); err != nil {
		s.fail(corr, err)
		return uuid.Nil, err
	}
	metrics.RecordMessageSent(protocol.TypePlay)
	return corr, nil
}

// ReportBug files a report against a catalog song. No optimistic state
// and no verdict; the server does not acknowledge reports.
func (s *Synchronizer) ReportBug(songID int64, report string) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	data, err := protocol.Encode(protocol.BugReportRequest{
		Type:   protocol.TypeBugReport,
		Song:   songID,
		Report: report,
	})
	if err != nil {
		return err
	}
	if err := s.conn.Send(data); err != nil {
		return err
	}
	metrics.RecordMessageSent(protocol.TypeBugReport)
	return nil
}

// OnServerSnapshot replaces the whole mirror with the server's document.
// Every in-flight mutation resolves here: confirmed when the snapshot
// shows its effect, superseded when it does not. Register on the
// connection machine; runs on its event loop.
func (s *Synchronizer) OnServerSnapshot(snap *protocol.Snapshot) {
	s.mu.Lock()
	s.awaitingSnapshot = false

	queue := make([]Entry, 0, len(snap.List))
	for _, e := range snap.List {
		queue = append(queue, Entry{Entry: e})
	}
	history := make([]Entry, 0, len(snap.PlayHistory))
	for _, e := range snap.PlayHistory {
		history = append(history, Entry{Entry: e})
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	// Entries the mirror already holds. A pending add is only confirmed
	// by a snapshot entry the mirror has never seen, so a lookalike that
	// was queued all along cannot pass for the confirmation.
	known := make(map[uuid.UUID]struct{}, len(s.queue))
	for _, e := range s.queue {
		known[e.ID] = struct{}{}
	}

	var resolved []Outcome
	for id, m := range s.pending {
		m.timer.Stop()
		delete(s.pending, id)
		s.unpin(m)
		kind := OutcomeSuperseded
		if snapshotShows(m, snap, known) {
			kind = OutcomeConfirmed
		}
		resolved = append(resolved, Outcome{CorrelationID: id, Op: m.op, Kind: kind})
	}

	s.queue = queue
	s.history = history
	s.publishLocked()
	s.mu.Unlock()

	metrics.RecordSnapshot()
	logging.Info("applied playlist snapshot",
		logging.Int("queue", len(queue)),
		logging.Int("history", len(history)))
	for _, o := range resolved {
		s.report(o)
	}
}

// snapshotShows reports whether the snapshot already reflects the
// mutation's effect. known holds the entry ids the mirror had before
// this snapshot.
func snapshotShows(m *mutation, snap *protocol.Snapshot, known map[uuid.UUID]struct{}) bool {
	inList := func(id uuid.UUID) int {
		for i, e := range snap.List {
			if e.ID == id {
				return i
			}
		}
		return -1
	}
	switch m.op {
	case protocol.OpAdd:
		// The provisional id never appears server-side; match on content,
		// but only against entries that were not already queued.
		for _, e := range snap.List {
			if _, existing := known[e.ID]; existing {
				continue
			}
			if e.Song == m.songID && e.Singer == m.singer {
				return true
			}
		}
		return false
	case protocol.OpRemove:
		return inList(m.entryID) < 0
	case protocol.OpMove:
		idx := inList(m.entryID)
		if idx < 0 {
			return false
		}
		if m.after == nil {
			return idx == 0
		}
		return idx > 0 && snap.List[idx-1].ID == *m.after
	case protocol.OpSwap:
		i, j := inList(m.entryID), inList(m.otherID)
		if i < 0 || j < 0 {
			return false
		}
		// Confirmed when the pair's relative order inverted.
		return (m.stashIndex < m.otherIndex) == (i > j)
	case protocol.OpPlay:
		for _, e := range snap.PlayHistory {
			if e.ID == m.entryID {
				return true
			}
		}
		return false
	}
	return false
}

// OnServerDelta applies one incremental change in arrival order. A delta
// echoing a pending correlation id confirms that mutation instead of
// double-applying it; deltas arriving before the session's first snapshot
// are distrusted and dropped. Register on the connection machine; runs
// on its event loop.
func (s *Synchronizer) OnServerDelta(d *protocol.Delta) {
	s.mu.Lock()
	if s.awaitingSnapshot {
		s.mu.Unlock()
		logging.Debug("dropping delta before snapshot", logging.String("op", d.Op))
		return
	}

	var resolved []Outcome
	if m, ok := s.pending[d.CorrelationID]; ok && d.CorrelationID != uuid.Nil {
		m.timer.Stop()
		delete(s.pending, d.CorrelationID)
		s.unpin(m)
		s.revertLocked(m)
		resolved = append(resolved, Outcome{
			CorrelationID: m.id,
			Op:            m.op,
			Kind:          OutcomeConfirmed,
		})
	} else {
		resolved = s.dropConflictsLocked(d)
	}

	s.applyDeltaLocked(d)
	s.publishLocked()
	s.mu.Unlock()

	metrics.RecordDelta(d.Op)
	for _, o := range resolved {
		s.report(o)
	}
}

// dropConflictsLocked fails pending mutations contradicted by a foreign
// delta, such as the removal of an entry a local edit still holds.
func (s *Synchronizer) dropConflictsLocked(d *protocol.Delta) []Outcome {
	if d.Op != protocol.OpRemove && d.Op != protocol.OpPlay {
		return nil
	}
	var resolved []Outcome
	for id, m := range s.pending {
		if m.op == protocol.OpAdd {
			continue
		}
		if m.entryID != d.ID && m.otherID != d.ID {
			continue
		}
		m.timer.Stop()
		delete(s.pending, id)
		s.unpin(m)
		s.revertLocked(m)
		resolved = append(resolved, Outcome{
			CorrelationID: id,
			Op:            m.op,
			Kind:          OutcomeSuperseded,
			Reason:        "entry changed server-side",
		})
	}
	return resolved
}

// applyDeltaLocked performs the authoritative change. Reverts of the
// matching optimistic edit have already happened, so applying the delta
// verbatim keeps the mirror byte-for-byte with the server's order.
func (s *Synchronizer) applyDeltaLocked(d *protocol.Delta) {
	switch d.Op {
	case protocol.OpAdd:
		if d.Entry == nil {
			logging.Warn("add delta without entry")
			return
		}
		if s.indexOf(d.Entry.ID) >= 0 {
			return
		}
		s.queue = append(s.queue, Entry{Entry: *d.Entry})

	case protocol.OpRemove:
		if idx := s.indexOf(d.ID); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		}

	case protocol.OpMove:
		idx := s.indexOf(d.ID)
		if idx < 0 {
			logging.Warn("move delta for unknown entry", logging.String("id", d.ID.String()))
			return
		}
		moved := s.queue[idx]
		moved.Pending = false
		rest := append(s.queue[:idx:idx], s.queue[idx+1:]...)
		pos := 0
		if d.After != nil {
			for i, e := range rest {
				if e.ID == *d.After {
					pos = i + 1
					break
				}
			}
		}
		s.queue = insertEntry(rest, pos, moved)

	case protocol.OpSwap:
		i, j := s.indexOf(d.ID), s.indexOf(d.Other)
		if i < 0 || j < 0 {
			logging.Warn("swap delta for unknown entry",
				logging.String("id", d.ID.String()),
				logging.String("other", d.Other.String()))
			return
		}
		s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
		s.queue[i].Pending = false
		s.queue[j].Pending = false

	case protocol.OpPlay:
		idx := s.indexOf(d.ID)
		if idx < 0 {
			logging.Warn("play delta for unknown entry", logging.String("id", d.ID.String()))
			return
		}
		played := s.queue[idx]
		played.Pending = false
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.history = appendHistory(s.history, played)

	default:
		logging.Warn("ignoring unknown delta op", logging.String("op", d.Op))
	}
}

// OnServerError resolves the rejected mutation and reverts its optimistic
// edit. Errors without a known correlation id are session-level and
// already logged by the machine. Register on the connection machine.
func (s *Synchronizer) OnServerError(e *protocol.ServerError) {
	s.mu.Lock()
	m, ok := s.pending[e.CorrelationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	m.timer.Stop()
	delete(s.pending, e.CorrelationID)
	s.unpin(m)
	s.revertLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	s.report(Outcome{
		CorrelationID: m.id,
		Op:            m.op,
		Kind:          OutcomeRejected,
		Reason:        e.Reason,
	})
}

// RestoreDoc seeds the mirror from persisted state before the first
// connect. The restored entries are display-only: the next authoritative
// snapshot replaces them, and deltas stay distrusted until then.
func (s *Synchronizer) RestoreDoc(doc *protocol.PlaylistDoc) {
	if doc == nil {
		return
	}
	s.mu.Lock()
	s.queue = s.queue[:0]
	for _, e := range doc.List {
		s.queue = append(s.queue, Entry{Entry: e})
	}
	s.history = s.history[:0]
	for _, e := range doc.PlayHistory {
		s.history = append(s.history, Entry{Entry: e})
	}
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.awaitingSnapshot = true
	s.publishLocked()
	s.mu.Unlock()
}

// SnapshotDoc returns the confirmed part of the mirror in the server's
// document shape, for persistence across restarts. Pending entries are
// unconfirmed guesses and are left out.
func (s *Synchronizer) SnapshotDoc() *protocol.PlaylistDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := &protocol.PlaylistDoc{}
	for _, e := range s.queue {
		if !e.Pending {
			doc.List = append(doc.List, e.Entry)
		}
	}
	for _, e := range s.history {
		if !e.Pending {
			doc.PlayHistory = append(doc.PlayHistory, e.Entry)
		}
	}
	return doc
}

func (s *Synchronizer) requireConnected() error {
	if s.conn.State().Phase != client.PhaseConnected {
		return client.ErrNotConnected
	}
	return nil
}

func (s *Synchronizer) requireAdmin() error {
	st := s.conn.State()
	if st.Phase != client.PhaseConnected {
		return client.ErrNotConnected
	}
	if !st.IsAdmin {
		return client.ErrForbidden
	}
	return nil
}

// armLocked registers the mutation and starts its verdict timer.
func (s *Synchronizer) armLocked(m *mutation) {
	s.pending[m.id] = m
	m.timer = time.AfterFunc(s.timeout, func() {
		s.timedOut(m.id)
	})
}

func (s *Synchronizer) timedOut(id uuid.UUID) {
	s.mu.Lock()
	m, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.unpin(m)
	s.revertLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	logging.Warn("mutation timed out", logging.String("op", m.op))
	s.report(Outcome{CorrelationID: id, Op: m.op, Kind: OutcomeTimedOut, Reason: "no response from server"})
}

// fail resolves a mutation whose request never reached the wire.
func (s *Synchronizer) fail(id uuid.UUID, cause error) {
	s.mu.Lock()
	m, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	m.timer.Stop()
	delete(s.pending, id)
	s.unpin(m)
	s.revertLocked(m)
	s.publishLocked()
	s.mu.Unlock()

	s.report(Outcome{CorrelationID: id, Op: m.op, Kind: OutcomeRejected, Reason: cause.Error()})
}

// revertLocked undoes the optimistic edit of m, restoring the mirror to
// its pre-request shape.
func (s *Synchronizer) revertLocked(m *mutation) {
	switch m.op {
	case protocol.OpAdd:
		// The provisional entry carries the correlation id.
		if idx := s.indexOf(m.id); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		}

	case protocol.OpRemove:
		if s.indexOf(m.entryID) >= 0 {
			return
		}
		s.queue = insertEntry(s.queue, clamp(m.stashIndex, len(s.queue)), *m.stash)

	case protocol.OpMove:
		idx := s.indexOf(m.entryID)
		if idx < 0 {
			return
		}
		restored := s.queue[idx]
		restored.Pending = false
		rest := append(s.queue[:idx:idx], s.queue[idx+1:]...)
		s.queue = insertEntry(rest, clamp(m.stashIndex, len(rest)), restored)

	case protocol.OpSwap:
		i, j := s.indexOf(m.entryID), s.indexOf(m.otherID)
		if i < 0 || j < 0 {
			return
		}
		s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
		s.queue[i].Pending = false
		s.queue[j].Pending = false

	case protocol.OpPlay:
		for i, e := range s.history {
			if e.ID == m.entryID && e.Pending {
				s.history = append(s.history[:i], s.history[i+1:]...)
				break
			}
		}
		if s.indexOf(m.entryID) < 0 {
			s.queue = insertEntry(s.queue, clamp(m.stashIndex, len(s.queue)), *m.stash)
		}
	}
}

func (s *Synchronizer) unpin(m *mutation) {
	if s.pins != nil && m.op == protocol.OpAdd {
		s.pins.Unpin(m.songID)
	}
}

// indexOf returns the queue index of an entry id, or -1.
func (s *Synchronizer) indexOf(id uuid.UUID) int {
	for i, e := range s.queue {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// publishLocked pushes a defensive copy of the mirror to subscribers.
func (s *Synchronizer) publishLocked() {
	st := State{
		Queue:   append([]Entry(nil), s.queue...),
		History: append([]Entry(nil), s.history...),
	}
	s.state.Set(st)
	metrics.SetPlaylistLength(len(s.queue))
}

func (s *Synchronizer) report(o Outcome) {
	metrics.RecordMutationOutcome(o.Kind.String())
	s.outcomes.Publish(o)
}

func insertEntry(entries []Entry, pos int, e Entry) []Entry {
	entries = append(entries, Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = e
	return entries
}

func appendHistory(history []Entry, e Entry) []Entry {
	history = append(history, e)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}

func clamp(idx, max int) int {
	if idx > max {
		return max
	}
	if idx < 0 {
		return 0
	}
	return idx
}
