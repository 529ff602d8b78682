package playlist

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/UnHolds/KaraokeV2/pkg/client"
	"github.com/UnHolds/KaraokeV2/pkg/events"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
)

// fakeConn is a scripted connection: tests set the state and read back
// what the synchronizer sent.
type fakeConn struct {
	state *events.Value[client.ConnectionState]

	mu      sync.Mutex
	sendErr error
	sent    [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: events.NewValue(client.Initial())}
}

func (f *fakeConn) State() client.ConnectionState { return f.state.Get() }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) lastSent(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakePinner struct {
	mu   sync.Mutex
	pins map[int64]int
}

func newFakePinner() *fakePinner { return &fakePinner{pins: make(map[int64]int)} }

func (p *fakePinner) Pin(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[id]++
}

func (p *fakePinner) Unpin(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[id]--
}

func (p *fakePinner) count(id int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins[id]
}

func connectedSync(t *testing.T, admin bool) (*Synchronizer, *fakeConn, *fakePinner) {
	t.Helper()
	conn := newFakeConn()
	conn.state.Set(client.Connected(admin, "tester"))
	pins := newFakePinner()
	s := New(conn, pins)
	return s, conn, pins
}

func entry(song int64, singer string) protocol.Entry {
	return protocol.Entry{ID: uuid.New(), Song: song, Singer: singer}
}

func snapshot(list ...protocol.Entry) *protocol.Snapshot {
	return &protocol.Snapshot{
		Type:        protocol.TypePlaylist,
		PlaylistDoc: protocol.PlaylistDoc{List: list},
	}
}

func queueIDs(s State) []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Queue))
	for i, e := range s.Queue {
		ids[i] = e.ID
	}
	return ids
}

func awaitOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outcome")
		return Outcome{}
	}
}

func TestSynchronizer_RequestAdd_Optimistic(t *testing.T) {
	s, conn, pins := connectedSync(t, false)
	s.OnServerSnapshot(snapshot())

	corr, err := s.RequestAdd(42, "alice", "secret")
	if err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	st := s.State()
	if len(st.Queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(st.Queue))
	}
	if !st.Queue[0].Pending {
		t.Error("optimistic entry must be pending")
	}
	if st.Queue[0].Song != 42 || st.Queue[0].Singer != "alice" {
		t.Errorf("entry = %+v", st.Queue[0])
	}
	if pins.count(42) != 1 {
		t.Errorf("song pin count = %d, want 1", pins.count(42))
	}

	var req protocol.AddRequest
	if err := json.Unmarshal(conn.lastSent(t), &req); err != nil {
		t.Fatalf("unmarshal sent: %v", err)
	}
	if req.Type != protocol.TypeAdd || req.CorrelationID != corr || req.Song != 42 {
		t.Errorf("wire request = %+v", req)
	}
}

func TestSynchronizer_AddConfirmedByDelta(t *testing.T) {
	s, _, pins := connectedSync(t, false)
	s.OnServerSnapshot(snapshot())

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestAdd(42, "alice", "")
	if err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	confirmed := entry(42, "alice")
	s.OnServerDelta(&protocol.Delta{
		Type:          protocol.TypeDelta,
		Op:            protocol.OpAdd,
		CorrelationID: corr,
		Entry:         &confirmed,
	})

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeConfirmed || o.CorrelationID != corr {
		t.Errorf("outcome = %+v", o)
	}

	st := s.State()
	if len(st.Queue) != 1 {
		t.Fatalf("queue length = %d, want 1 (no duplicate)", len(st.Queue))
	}
	if st.Queue[0].Pending {
		t.Error("confirmed entry must not be pending")
	}
	if st.Queue[0].ID != confirmed.ID {
		t.Error("confirmed entry must carry the server-assigned id")
	}
	if pins.count(42) != 0 {
		t.Errorf("pin not released, count = %d", pins.count(42))
	}
}

func TestSynchronizer_NotConnected(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil)

	if _, err := s.RequestAdd(1, "a", ""); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("RequestAdd err = %v, want ErrNotConnected", err)
	}
	if _, err := s.RequestRemove(uuid.New()); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("RequestRemove err = %v, want ErrNotConnected", err)
	}
	if err := s.ReportBug(1, "broken"); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("ReportBug err = %v, want ErrNotConnected", err)
	}
}

func TestSynchronizer_ReorderForbiddenWithoutAdmin(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	before := s.State()
	if _, err := s.RequestReorder(b.ID, 0); !errors.Is(err, client.ErrForbidden) {
		t.Fatalf("RequestReorder err = %v, want ErrForbidden", err)
	}

	after := s.State()
	if len(after.Queue) != len(before.Queue) {
		t.Fatal("queue changed by a forbidden request")
	}
	for i := range after.Queue {
		if after.Queue[i].ID != before.Queue[i].ID {
			t.Fatal("queue order changed by a forbidden request")
		}
	}
}

func TestSynchronizer_ReorderOptimisticAndConfirm(t *testing.T) {
	s, conn, _ := connectedSync(t, true)
	a, b, c := entry(1, "a"), entry(2, "b"), entry(3, "c")
	s.OnServerSnapshot(snapshot(a, b, c))

	corr, err := s.RequestReorder(c.ID, 0)
	if err != nil {
		t.Fatalf("RequestReorder: %v", err)
	}

	st := s.State()
	want := []uuid.UUID{c.ID, a.ID, b.ID}
	for i, id := range queueIDs(st) {
		if id != want[i] {
			t.Fatalf("optimistic order = %v, want %v", queueIDs(st), want)
		}
	}
	if !st.Queue[0].Pending {
		t.Error("moved entry must be pending")
	}

	var req protocol.MoveRequest
	if err := json.Unmarshal(conn.lastSent(t), &req); err != nil {
		t.Fatalf("unmarshal sent: %v", err)
	}
	if req.After != nil {
		t.Errorf("move to front must send no after, got %v", req.After)
	}

	s.OnServerDelta(&protocol.Delta{
		Type:          protocol.TypeDelta,
		Op:            protocol.OpMove,
		CorrelationID: corr,
		ID:            c.ID,
	})

	st = s.State()
	if st.Queue[0].ID != c.ID || st.Queue[0].Pending {
		t.Errorf("after confirm: queue[0] = %+v", st.Queue[0])
	}
}

func TestSynchronizer_SwapOptimisticAndConfirm(t *testing.T) {
	s, conn, _ := connectedSync(t, true)
	a, b, c := entry(1, "a"), entry(2, "b"), entry(3, "c")
	s.OnServerSnapshot(snapshot(a, b, c))

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestSwap(a.ID, c.ID)
	if err != nil {
		t.Fatalf("RequestSwap: %v", err)
	}

	st := s.State()
	want := []uuid.UUID{c.ID, b.ID, a.ID}
	for i, id := range queueIDs(st) {
		if id != want[i] {
			t.Fatalf("optimistic order = %v, want %v", queueIDs(st), want)
		}
	}
	if !st.Queue[0].Pending || !st.Queue[2].Pending {
		t.Error("both swapped entries must be pending")
	}

	var req protocol.SwapRequest
	if err := json.Unmarshal(conn.lastSent(t), &req); err != nil {
		t.Fatalf("unmarshal sent: %v", err)
	}
	if req.Type != protocol.TypeSwap || req.ID != a.ID || req.Other != c.ID {
		t.Errorf("wire request = %+v", req)
	}

	s.OnServerDelta(&protocol.Delta{
		Type:          protocol.TypeDelta,
		Op:            protocol.OpSwap,
		CorrelationID: corr,
		ID:            a.ID,
		Other:         c.ID,
	})

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeConfirmed || o.CorrelationID != corr {
		t.Errorf("outcome = %+v", o)
	}
	st = s.State()
	for i, id := range queueIDs(st) {
		if id != want[i] {
			t.Fatalf("confirmed order = %v, want %v", queueIDs(st), want)
		}
	}
	for _, e := range st.Queue {
		if e.Pending {
			t.Errorf("entry %s still pending after confirm", e.ID)
		}
	}
}

func TestSynchronizer_SwapRejectedReverts(t *testing.T) {
	s, _, _ := connectedSync(t, true)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestSwap(a.ID, b.ID)
	if err != nil {
		t.Fatalf("RequestSwap: %v", err)
	}
	s.OnServerError(&protocol.ServerError{
		Type:          protocol.TypeError,
		CorrelationID: corr,
		Reason:        "entry gone",
	})

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeRejected {
		t.Errorf("outcome = %+v, want rejected", o)
	}
	st := s.State()
	if st.Queue[0].ID != a.ID || st.Queue[1].ID != b.ID {
		t.Fatalf("rejected swap not reverted, queue = %v", queueIDs(st))
	}
	for _, e := range st.Queue {
		if e.Pending {
			t.Errorf("entry %s still pending after revert", e.ID)
		}
	}
}

func TestSynchronizer_SwapNeedsAdmin(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	if _, err := s.RequestSwap(a.ID, b.ID); !errors.Is(err, client.ErrForbidden) {
		t.Errorf("RequestSwap err = %v, want ErrForbidden", err)
	}
}

func TestSynchronizer_DeltaIgnoredBeforeSnapshot(t *testing.T) {
	s, _, _ := connectedSync(t, false)

	e := entry(7, "x")
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpAdd, Entry: &e})

	if n := len(s.State().Queue); n != 0 {
		t.Fatalf("delta before snapshot applied, queue length = %d", n)
	}

	s.OnServerSnapshot(snapshot())
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpAdd, Entry: &e})
	if n := len(s.State().Queue); n != 1 {
		t.Fatalf("delta after snapshot dropped, queue length = %d", n)
	}
}

func TestSynchronizer_SnapshotSupersedesPending(t *testing.T) {
	s, _, pins := connectedSync(t, false)
	s.OnServerSnapshot(snapshot())

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestAdd(42, "alice", "")
	if err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	// The fresh snapshot does not contain the pending add.
	other := entry(9, "bob")
	s.OnServerSnapshot(snapshot(other))

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeSuperseded || o.CorrelationID != corr {
		t.Errorf("outcome = %+v", o)
	}

	st := s.State()
	if len(st.Queue) != 1 || st.Queue[0].ID != other.ID {
		t.Fatalf("queue = %v, want only the snapshot entry", queueIDs(st))
	}
	if pins.count(42) != 0 {
		t.Errorf("superseded add left a pin, count = %d", pins.count(42))
	}
}

func TestSynchronizer_SnapshotConfirmsPendingAdd(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	s.OnServerSnapshot(snapshot())

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	if _, err := s.RequestAdd(42, "alice", ""); err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	// The snapshot already shows the add under its server-assigned id.
	s.OnServerSnapshot(snapshot(entry(42, "alice")))

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeConfirmed {
		t.Errorf("outcome = %+v, want confirmed", o)
	}
	if n := len(s.State().Queue); n != 1 {
		t.Fatalf("queue length = %d, want 1 (no duplicate)", n)
	}
}

func TestSynchronizer_SnapshotIgnoresAddLookalike(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	existing := entry(42, "alice")
	s.OnServerSnapshot(snapshot(existing))

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	if _, err := s.RequestAdd(42, "alice", ""); err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	// The next snapshot holds only the entry that was queued all along;
	// same song, same singer, but not the requested add.
	s.OnServerSnapshot(snapshot(existing))

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeSuperseded {
		t.Errorf("outcome = %+v, want superseded", o)
	}
	st := s.State()
	if len(st.Queue) != 1 || st.Queue[0].ID != existing.ID {
		t.Fatalf("queue = %v, want only the pre-existing entry", queueIDs(st))
	}
}

func TestSynchronizer_MutationTimeout(t *testing.T) {
	s, _, pins := connectedSync(t, false)
	s.SetMutationTimeout(30 * time.Millisecond)
	s.OnServerSnapshot(snapshot())

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestAdd(42, "alice", "")
	if err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeTimedOut || o.CorrelationID != corr {
		t.Errorf("outcome = %+v, want timed out", o)
	}
	if n := len(s.State().Queue); n != 0 {
		t.Fatalf("timed-out add not reverted, queue length = %d", n)
	}
	if pins.count(42) != 0 {
		t.Errorf("timed-out add left a pin, count = %d", pins.count(42))
	}

	// The verdict arriving late is a foreign edit, not a second outcome.
	late := entry(42, "alice")
	s.OnServerDelta(&protocol.Delta{
		Type:          protocol.TypeDelta,
		Op:            protocol.OpAdd,
		CorrelationID: corr,
		Entry:         &late,
	})
	st := s.State()
	if len(st.Queue) != 1 || st.Queue[0].Pending {
		t.Fatalf("late delta must apply as a plain add, queue = %+v", st.Queue)
	}
	select {
	case o := <-out:
		t.Fatalf("unexpected second outcome %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSynchronizer_ServerErrorRevertsRemove(t *testing.T) {
	s, _, _ := connectedSync(t, true)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestRemove(a.ID)
	if err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	if n := len(s.State().Queue); n != 1 {
		t.Fatalf("optimistic remove not applied, queue length = %d", n)
	}

	s.OnServerError(&protocol.ServerError{
		Type:          protocol.TypeError,
		CorrelationID: corr,
		Reason:        "entry already playing",
	})

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeRejected || o.Reason != "entry already playing" {
		t.Errorf("outcome = %+v", o)
	}
	st := s.State()
	if len(st.Queue) != 2 || st.Queue[0].ID != a.ID {
		t.Fatalf("rejected remove not reverted, queue = %v", queueIDs(st))
	}
}

func TestSynchronizer_ForeignDeltaOrder(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	c := entry(3, "c")
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpAdd, Entry: &c})
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpRemove, ID: a.ID})
	after := b.ID
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpMove, ID: c.ID, After: &after})

	want := []uuid.UUID{b.ID, c.ID}
	got := queueIDs(s.State())
	if len(got) != len(want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
}

func TestSynchronizer_PlayMovesToHistory(t *testing.T) {
	s, _, _ := connectedSync(t, true)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	corr, err := s.RequestPlay(a.ID)
	if err != nil {
		t.Fatalf("RequestPlay: %v", err)
	}

	st := s.State()
	if np := st.NowPlaying(); np == nil || np.ID != a.ID || !np.Pending {
		t.Fatalf("now playing = %+v, want pending a", np)
	}
	if len(st.Queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(st.Queue))
	}

	s.OnServerDelta(&protocol.Delta{
		Type:          protocol.TypeDelta,
		Op:            protocol.OpPlay,
		CorrelationID: corr,
		ID:            a.ID,
	})

	st = s.State()
	if np := st.NowPlaying(); np == nil || np.ID != a.ID || np.Pending {
		t.Fatalf("now playing after confirm = %+v", np)
	}
}

func TestSynchronizer_HistoryBounded(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	entries := []protocol.Entry{entry(1, "a"), entry(2, "b"), entry(3, "c"), entry(4, "d"), entry(5, "e")}
	s.OnServerSnapshot(snapshot(entries...))

	for _, e := range entries {
		s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpPlay, ID: e.ID})
	}

	st := s.State()
	if len(st.History) != historyLimit {
		t.Fatalf("history length = %d, want %d", len(st.History), historyLimit)
	}
	if np := st.NowPlaying(); np == nil || np.ID != entries[4].ID {
		t.Fatalf("now playing = %+v, want the last played entry", st.NowPlaying())
	}
}

func TestSynchronizer_ForeignRemoveFailsPendingMove(t *testing.T) {
	s, _, _ := connectedSync(t, true)
	a, b := entry(1, "a"), entry(2, "b")
	s.OnServerSnapshot(snapshot(a, b))

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	corr, err := s.RequestReorder(b.ID, 0)
	if err != nil {
		t.Fatalf("RequestReorder: %v", err)
	}

	// Someone else removed the entry the move still holds.
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpRemove, ID: b.ID})

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeSuperseded || o.CorrelationID != corr {
		t.Errorf("outcome = %+v, want superseded", o)
	}
	st := s.State()
	if len(st.Queue) != 1 || st.Queue[0].ID != a.ID {
		t.Fatalf("queue = %v, want only a", queueIDs(st))
	}
}

func TestSynchronizer_DisconnectSupersedesPending(t *testing.T) {
	s, conn, _ := connectedSync(t, false)
	s.OnServerSnapshot(snapshot())

	out := s.Outcomes()
	defer s.StopOutcomes(out)

	if _, err := s.RequestAdd(42, "alice", ""); err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	conn.state.Set(client.Connecting())
	s.OnDisconnected()

	o := awaitOutcome(t, out)
	if o.Kind != OutcomeSuperseded {
		t.Errorf("outcome = %+v, want superseded", o)
	}

	// Deltas stay distrusted until the next snapshot.
	e := entry(9, "bob")
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpAdd, Entry: &e})
	for _, q := range s.State().Queue {
		if q.ID == e.ID {
			t.Fatal("delta trusted before the reconnect snapshot")
		}
	}
}

func TestSynchronizer_FastReconnectKeepsDeltas(t *testing.T) {
	s, conn, _ := connectedSync(t, false)
	s.OnServerSnapshot(snapshot())

	// The session drops and is immediately back. Invalidation, the fresh
	// snapshot and the deltas behind it all arrive in wire order.
	conn.state.Set(client.Connecting())
	s.OnDisconnected()
	conn.state.Set(client.Connected(false, "tester"))

	fresh := entry(1, "a")
	s.OnServerSnapshot(snapshot(fresh))
	if s.AwaitingSnapshot() {
		t.Fatal("still awaiting a snapshot after one arrived")
	}

	next := entry(2, "b")
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpAdd, Entry: &next})

	got := queueIDs(s.State())
	want := []uuid.UUID{fresh.ID, next.ID}
	if len(got) != len(want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
}

func TestSynchronizer_RestoreDocNotAuthoritative(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil)

	restored := entry(1, "a")
	s.RestoreDoc(&protocol.PlaylistDoc{List: []protocol.Entry{restored}})

	st := s.State()
	if len(st.Queue) != 1 || st.Queue[0].ID != restored.ID {
		t.Fatalf("restore not applied, queue = %v", queueIDs(st))
	}

	// Restored state must not unlock delta application.
	e := entry(2, "b")
	s.OnServerDelta(&protocol.Delta{Type: protocol.TypeDelta, Op: protocol.OpAdd, Entry: &e})
	if len(s.State().Queue) != 1 {
		t.Fatal("delta trusted on restored state")
	}

	// The first real snapshot replaces the restored guess wholesale.
	fresh := entry(3, "c")
	s.OnServerSnapshot(snapshot(fresh))
	st = s.State()
	if len(st.Queue) != 1 || st.Queue[0].ID != fresh.ID {
		t.Fatalf("snapshot did not replace restored state, queue = %v", queueIDs(st))
	}
}

func TestSynchronizer_SnapshotDocSkipsPending(t *testing.T) {
	s, _, _ := connectedSync(t, false)
	confirmed := entry(1, "a")
	s.OnServerSnapshot(snapshot(confirmed))

	if _, err := s.RequestAdd(2, "b", ""); err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}

	doc := s.SnapshotDoc()
	if len(doc.List) != 1 || doc.List[0].ID != confirmed.ID {
		t.Fatalf("persisted doc = %+v, want confirmed entries only", doc.List)
	}
}

