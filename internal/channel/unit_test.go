package channel

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Artproton/beacon/internal/authtoken"
	"github.com/Artproton/beacon/internal/protocol"
)

// fakeStore is an in-memory Store with the same checkout semantics as the
// real one.
type fakeStore struct {
	mu         sync.Mutex
	records    map[string][]*protocol.Log
	checkedOut map[*protocol.Log]string
	batches    map[string]fakeBatch
	lastBatch  int
	saveErr    error

	saves        int
	loads        []fakeLoad
	deletedBatch []string
	deletedGroup []string
}

type fakeBatch struct {
	group string
	logs  []*protocol.Log
}

type fakeLoad struct {
	excluded []string
	after    time.Time
	before   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    make(map[string][]*protocol.Log),
		checkedOut: make(map[*protocol.Log]string),
		batches:    make(map[string]fakeBatch),
	}
}

func (s *fakeStore) Save(rec *protocol.Log, groupID string, flags protocol.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.records[groupID] = append(s.records[groupID], rec)
	return nil
}

func (s *fakeStore) Load(groupID string, limit int, excluded []string, after, before time.Time) ([]*protocol.Log, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, fakeLoad{excluded: append([]string(nil), excluded...), after: after, before: before})
	excludedSet := make(map[string]struct{}, len(excluded))
	for _, k := range excluded {
		excludedSet[k] = struct{}{}
	}
	var out []*protocol.Log
	for _, rec := range s.records[groupID] {
		if len(out) >= limit {
			break
		}
		if _, held := s.checkedOut[rec]; held {
			continue
		}
		if !after.IsZero() && rec.Timestamp.Before(after) {
			continue
		}
		if !before.IsZero() && !rec.Timestamp.Before(before) {
			continue
		}
		if keys := rec.TargetKeys(); len(keys) > 0 && len(excludedSet) > 0 {
			all := true
			for _, k := range keys {
				if _, ok := excludedSet[k]; !ok {
					all = false
					break
				}
			}
			if all {
				continue
			}
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, "", nil
	}
	s.lastBatch++
	batchID := strconv.Itoa(s.lastBatch)
	s.batches[batchID] = fakeBatch{group: groupID, logs: out}
	for _, rec := range out {
		s.checkedOut[rec] = batchID
	}
	return out, batchID, nil
}

func (s *fakeStore) DeleteBatch(batchID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedBatch = append(s.deletedBatch, batchID)
	b, ok := s.batches[batchID]
	if !ok {
		return nil
	}
	delete(s.batches, batchID)
	kept := s.records[groupID][:0]
	inBatch := make(map[*protocol.Log]struct{}, len(b.logs))
	for _, rec := range b.logs {
		inBatch[rec] = struct{}{}
		delete(s.checkedOut, rec)
	}
	for _, rec := range s.records[groupID] {
		if _, gone := inBatch[rec]; !gone {
			kept = append(kept, rec)
		}
	}
	s.records[groupID] = kept
	return nil
}

func (s *fakeStore) DeleteGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedGroup = append(s.deletedGroup, groupID)
	for _, rec := range s.records[groupID] {
		delete(s.checkedOut, rec)
	}
	s.records[groupID] = nil
	return nil
}

func (s *fakeStore) Count(groupID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[groupID]), nil
}

func (s *fakeStore) availableCount(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records[groupID] {
		if _, held := s.checkedOut[rec]; !held {
			n++
		}
	}
	return n
}

// fakeIngestion records sends and completes them on demand, or immediately
// when autoStatus is set.
type fakeIngestion struct {
	mu         sync.Mutex
	ready      bool
	autoStatus int
	sends      []fakeSend
}

type fakeSend struct {
	logs    []*protocol.Log
	batchID string
	token   string
	handler func(batchID string, status int, body []byte, err error)
}

func newFakeIngestion() *fakeIngestion { return &fakeIngestion{ready: true} }

func (f *fakeIngestion) IsReadyToSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeIngestion) Send(logs []*protocol.Log, batchID, token string, handler func(string, int, []byte, error)) {
	f.mu.Lock()
	f.sends = append(f.sends, fakeSend{logs: logs, batchID: batchID, token: token, handler: handler})
	auto := f.autoStatus
	f.mu.Unlock()
	if auto != 0 {
		handler(batchID, auto, nil, nil)
	}
}

func (f *fakeIngestion) complete(t *testing.T, i, status int) {
	t.Helper()
	f.mu.Lock()
	if i >= len(f.sends) {
		f.mu.Unlock()
		t.Fatalf("no send %d recorded", i)
	}
	send := f.sends[i]
	f.mu.Unlock()
	send.handler(send.batchID, status, nil, nil)
}

func (f *fakeIngestion) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// recorder captures delegate callbacks.
type recorder struct {
	BaseDelegate
	mu        sync.Mutex
	sequence  []string
	succeeded int
	failed    int
	failures  []error
	paused    []any
	resumed   []any
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence = append(r.sequence, ev)
}

func (r *recorder) PrepareLog(*protocol.Log) { r.record("prepare") }
func (r *recorder) DidPrepareLog(*protocol.Log, string, protocol.Flags) { r.record("didPrepare") }
func (r *recorder) DidCompleteEnqueueingLog(*protocol.Log, string) { r.record("didEnqueue") }
func (r *recorder) WillSendLog(*protocol.Log) { r.record("willSend") }

func (r *recorder) DidSucceedSendingLog(*protocol.Log) {
	r.record("didSucceed")
	r.mu.Lock()
	r.succeeded++
	r.mu.Unlock()
}

func (r *recorder) DidFailSendingLog(_ *protocol.Log, reason error) {
	r.record("didFail")
	r.mu.Lock()
	r.failed++
	r.failures = append(r.failures, reason)
	r.mu.Unlock()
}

func (r *recorder) DidPause(obj any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = append(r.paused, obj)
}

func (r *recorder) DidResume(obj any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, obj)
}

func (r *recorder) counts() (succeeded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.succeeded, r.failed
}

// fakeAuth serves a fixed timeline.
type fakeAuth struct{ windows []authtoken.Window }

func (f *fakeAuth) ValidityWindows() []authtoken.Window { return f.windows }

type testUnit struct {
	unit  *Unit
	store *fakeStore
	ing   *fakeIngestion
	rec   *recorder
}

func newTestUnit(t *testing.T, cfg Config, opts ...func(*Dependencies)) *testUnit {
	t.Helper()
	store := newFakeStore()
	ing := newFakeIngestion()
	deps := Dependencies{Store: store, Ingestion: ing}
	for _, o := range opts {
		o(&deps)
	}
	exec := newExecutor()
	t.Cleanup(exec.Close)
	u := newUnit(cfg, deps, exec)
	rec := &recorder{}
	u.AddDelegate(rec)
	return &testUnit{unit: u, store: deps.Store.(*fakeStore), ing: ing, rec: rec}
}

// settle drains the unit queue a few rounds so tasks submitted by tasks run
// too. Every fake completes synchronously, so this is deterministic.
func (tu *testUnit) settle() {
	for i := 0; i < 4; i++ {
		tu.unit.exec.Drain()
	}
}

func smallConfig() Config {
	return Config{GroupID: "g", BatchSizeLimit: 1, PendingBatchLimit: 1, FlushInterval: 0}
}

func TestSingleSuccess(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.ing.autoStatus = 200

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()

	if ids := tu.unit.PendingBatchIDs(); len(ids) != 0 {
		t.Fatalf("pending batches left: %v", ids)
	}
	if n := tu.unit.ItemsCount(); n != 0 {
		t.Fatalf("items count = %d, want 0", n)
	}
	succeeded, failed := tu.rec.counts()
	if succeeded != 1 || failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 1/0", succeeded, failed)
	}
	if len(tu.store.deletedBatch) != 1 || tu.store.deletedBatch[0] != "1" {
		t.Fatalf("deleted batches = %v, want [1]", tu.store.deletedBatch)
	}
	if tok := tu.ing.sends[0].token; tok != "" {
		t.Fatalf("auth token = %q, want empty with empty timeline", tok)
	}
}

func TestSingleFailureNonRecoverable(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.ing.autoStatus = 300

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()

	succeeded, failed := tu.rec.counts()
	if succeeded != 0 || failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 0/1", succeeded, failed)
	}
	var httpErr *HTTPError
	if !errors.As(tu.rec.failures[0], &httpErr) || httpErr.Status != 300 {
		t.Fatalf("failure reason = %v, want HTTP 300", tu.rec.failures[0])
	}
	if len(tu.store.deletedBatch) != 1 || tu.store.deletedBatch[0] != "1" {
		t.Fatalf("deleted batches = %v, want [1]", tu.store.deletedBatch)
	}
	if ids := tu.unit.PendingBatchIDs(); len(ids) != 0 {
		t.Fatalf("pending batches left: %v", ids)
	}
}

func TestBackpressure(t *testing.T) {
	tu := newTestUnit(t, Config{GroupID: "g", BatchSizeLimit: 1, PendingBatchLimit: 2})

	for i := 0; i < 3; i++ {
		tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	}
	tu.settle()

	if n := tu.ing.sendCount(); n != 2 {
		t.Fatalf("sends = %d, want 2", n)
	}
	ids := tu.unit.PendingBatchIDs()
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Fatalf("pending batches = %v, want [1 2]", ids)
	}
	if n := tu.store.availableCount("g"); n != 1 {
		t.Fatalf("records left in store = %d, want 1", n)
	}

	// Completing one batch frees a slot and the third record goes out.
	tu.ing.complete(t, 0, 200)
	tu.settle()
	if n := tu.ing.sendCount(); n != 3 {
		t.Fatalf("sends after completion = %d, want 3", n)
	}
}

func TestPauseComposition(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.ing.autoStatus = 200
	a, b, c := new(int), new(int), new(int)

	tu.unit.Pause(a)
	tu.unit.Pause(b)
	tu.unit.Pause(c)
	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.unit.Resume(a)
	tu.unit.Resume(c)
	tu.settle()

	if !tu.unit.IsPaused() {
		t.Fatalf("unit resumed while identifier b still held")
	}
	if n := tu.ing.sendCount(); n != 0 {
		t.Fatalf("sent %d batches while paused", n)
	}

	tu.unit.Resume(b)
	tu.settle()
	if tu.unit.IsPaused() {
		t.Fatalf("unit still paused after last identifier released")
	}
	if n := tu.ing.sendCount(); n != 1 {
		t.Fatalf("sends after resume = %d, want 1", n)
	}
	if len(tu.rec.paused) != 3 || len(tu.rec.resumed) != 3 {
		t.Fatalf("pause/resume callbacks = %d/%d, want 3/3", len(tu.rec.paused), len(tu.rec.resumed))
	}
}

func TestResumeUnknownIdentifierIsNoOp(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	a, unknown := new(int), new(int)

	tu.unit.Pause(a)
	tu.unit.Resume(unknown)
	tu.settle()

	if !tu.unit.IsPaused() {
		t.Fatalf("unknown identifier resumed the unit")
	}
	if len(tu.rec.resumed) != 0 {
		t.Fatalf("resume callbacks = %d, want 0", len(tu.rec.resumed))
	}
}

func TestTargetKeyPause(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.ing.autoStatus = 200

	tu.unit.PauseTarget("k1-secret")
	tu.unit.Enqueue(&protocol.Log{Type: "event", TransmissionTargets: []string{"k1-secret"}}, protocol.FlagsDefault)
	tu.settle()

	if n := tu.store.saves; n != 1 {
		t.Fatalf("saves = %d, want 1 (record still persisted)", n)
	}
	if len(tu.store.loads) == 0 {
		t.Fatalf("no load recorded")
	}
	excluded := tu.store.loads[0].excluded
	if len(excluded) != 1 || excluded[0] != "k1" {
		t.Fatalf("excluded keys = %v, want [k1]", excluded)
	}
	if n := tu.ing.sendCount(); n != 0 {
		t.Fatalf("sent %d batches for a paused target", n)
	}

	tu.unit.ResumeTarget("k1-secret")
	tu.settle()
	if n := tu.ing.sendCount(); n != 1 {
		t.Fatalf("sends after target resume = %d, want 1", n)
	}
}

func TestTokenTimelineRecursion(t *testing.T) {
	base := time.Unix(0, 0)
	auth := &fakeAuth{windows: []authtoken.Window{
		{Token: "t1", Start: base.Add(1 * time.Second), End: base.Add(60 * time.Second)},
		{Token: "t2", Start: base.Add(60 * time.Second), End: base.Add(120 * time.Second)},
		{Token: "t3", Start: base.Add(120 * time.Second), End: base.Add(180 * time.Second)},
	}}
	tu := newTestUnit(t, Config{GroupID: "g", BatchSizeLimit: 5, PendingBatchLimit: 1, FlushInterval: time.Hour},
		func(d *Dependencies) { d.Auth = auth })
	tu.ing.autoStatus = 200

	// All records fall into the third window.
	for i := 0; i < 5; i++ {
		tu.unit.Enqueue(&protocol.Log{
			Type:      "event",
			Timestamp: base.Add(time.Duration(130+i) * time.Second),
		}, protocol.FlagsDefault)
	}
	tu.settle()

	if n := tu.ing.sendCount(); n != 1 {
		t.Fatalf("sends = %d, want exactly 1", n)
	}
	if tok := tu.ing.sends[0].token; tok != "t3" {
		t.Fatalf("auth token = %q, want t3", tok)
	}
	if len(tu.ing.sends[0].logs) != 5 {
		t.Fatalf("batch size = %d, want 5", len(tu.ing.sends[0].logs))
	}
	// First two windows were probed and found empty.
	if len(tu.store.loads) != 3 {
		t.Fatalf("loads = %d, want 3", len(tu.store.loads))
	}
	if !tu.store.loads[2].before.IsZero() {
		t.Fatalf("last window upper bound = %v, want unbounded", tu.store.loads[2].before)
	}
}

func TestDisableWithWipe(t *testing.T) {
	tu := newTestUnit(t, Config{GroupID: "g", BatchSizeLimit: 10, PendingBatchLimit: 1, FlushInterval: time.Hour})

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()
	if n := tu.store.saves; n != 1 {
		t.Fatalf("saves = %d, want 1", n)
	}

	tu.unit.SetEnabled(false, true)
	tu.settle()
	if len(tu.store.deletedGroup) != 1 || tu.store.deletedGroup[0] != "g" {
		t.Fatalf("deleted groups = %v, want [g]", tu.store.deletedGroup)
	}
	if got := tu.unit.State(); got != StateDisabledWiped {
		t.Fatalf("state = %v, want disabledWiped", got)
	}

	// Subsequent enqueue is discarded before save.
	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()
	if n := tu.store.saves; n != 1 {
		t.Fatalf("saves after wipe = %d, want still 1", n)
	}
}

func TestReenableAfterWipe(t *testing.T) {
	tu := newTestUnit(t, Config{GroupID: "g", BatchSizeLimit: 10, PendingBatchLimit: 1, FlushInterval: time.Hour})
	tu.unit.SetEnabled(false, true)
	tu.settle()

	tu.unit.SetEnabled(true, false)
	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()

	if got := tu.unit.State(); got != StateActive {
		t.Fatalf("state = %v, want active", got)
	}
	if n := tu.store.saves; n != 1 {
		t.Fatalf("saves = %d, want 1 after re-enable", n)
	}
}

func TestWipeCancelsInFlightBatches(t *testing.T) {
	tu := newTestUnit(t, smallConfig())

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()
	if n := tu.ing.sendCount(); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}

	tu.unit.SetEnabled(false, true)
	tu.settle()
	_, failed := tu.rec.counts()
	if failed != 1 {
		t.Fatalf("failed callbacks = %d, want 1 synthesized cancellation", failed)
	}
	if !errors.Is(tu.rec.failures[0], ErrCancelled) {
		t.Fatalf("failure reason = %v, want ErrCancelled", tu.rec.failures[0])
	}

	// The late completion of the wiped batch is dropped.
	tu.ing.complete(t, 0, 200)
	tu.settle()
	succeeded, failed := tu.rec.counts()
	if succeeded != 0 || failed != 1 {
		t.Fatalf("after late completion succeeded=%d failed=%d, want 0/1", succeeded, failed)
	}
}

func TestRecoverableFailureKeepsRecordsStaged(t *testing.T) {
	tu := newTestUnit(t, smallConfig())

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()
	tu.ing.complete(t, 0, 503)
	tu.settle()

	succeeded, failed := tu.rec.counts()
	if succeeded != 0 || failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 0/0 for recoverable", succeeded, failed)
	}
	if len(tu.store.deletedBatch) != 0 {
		t.Fatalf("deleted batches = %v, want none", tu.store.deletedBatch)
	}
	if ids := tu.unit.PendingBatchIDs(); len(ids) != 0 {
		t.Fatalf("pending batches = %v, want cleared on recoverable failure", ids)
	}
	if n, _ := tu.store.Count("g"); n != 1 {
		t.Fatalf("records staged = %d, want 1", n)
	}
}

func TestDelegateCallbackOrder(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.ing.autoStatus = 200

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()

	want := []string{"prepare", "didPrepare", "didEnqueue", "willSend", "didSucceed"}
	tu.rec.mu.Lock()
	got := append([]string(nil), tu.rec.sequence...)
	tu.rec.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestFilteredRecordIsNotPersisted(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.unit.AddDelegate(&vetoDelegate{})

	tu.unit.Enqueue(&protocol.Log{Type: "drop-me"}, protocol.FlagsDefault)
	tu.settle()

	if n := tu.store.saves; n != 0 {
		t.Fatalf("saves = %d, want 0 for a filtered record", n)
	}
	// The record was still prepared and observed.
	tu.rec.mu.Lock()
	seq := append([]string(nil), tu.rec.sequence...)
	tu.rec.mu.Unlock()
	if len(seq) != 3 || seq[2] != "didEnqueue" {
		t.Fatalf("sequence = %v, want prepare/didPrepare/didEnqueue", seq)
	}
}

type vetoDelegate struct{ BaseDelegate }

func (vetoDelegate) ShouldFilterLog(rec *protocol.Log) bool { return rec.Type == "drop-me" }

func TestSaveFailureDropsRecord(t *testing.T) {
	tu := newTestUnit(t, smallConfig())
	tu.store.saveErr = errors.New("disk full")

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()

	if n := tu.unit.ItemsCount(); n != 0 {
		t.Fatalf("items count = %d, want 0 after save failure", n)
	}
	if n := tu.ing.sendCount(); n != 0 {
		t.Fatalf("sends = %d, want 0", n)
	}
}

func TestFlushTimer(t *testing.T) {
	tu := newTestUnit(t, Config{GroupID: "g", BatchSizeLimit: 10, PendingBatchLimit: 1, FlushInterval: 30 * time.Millisecond})
	tu.ing.autoStatus = 200

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()
	if n := tu.ing.sendCount(); n != 0 {
		t.Fatalf("sent before the flush interval elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for tu.ing.sendCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := tu.ing.sendCount(); n != 1 {
		t.Fatalf("sends after interval = %d, want 1", n)
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	var captured *protocol.Log
	tu := newTestUnit(t, Config{GroupID: "g", BatchSizeLimit: 10, PendingBatchLimit: 1, FlushInterval: time.Hour},
		func(d *Dependencies) {
			d.Device = staticDevice{}
			d.UserID = func() string { return "user-1" }
		})
	tu.unit.AddDelegate(&captureDelegate{out: &captured})

	tu.unit.Enqueue(&protocol.Log{Type: "event"}, protocol.FlagsDefault)
	tu.settle()

	if captured == nil {
		t.Fatalf("no record captured")
	}
	if captured.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("record id not assigned")
	}
	if captured.Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}
	if captured.Device == nil || captured.Device.SDKName != "test-sdk" {
		t.Fatalf("device not assigned: %+v", captured.Device)
	}
	if captured.UserID != "user-1" {
		t.Fatalf("user id = %q, want ambient user-1", captured.UserID)
	}
}

type staticDevice struct{}

func (staticDevice) Device() *protocol.Device { return &protocol.Device{SDKName: "test-sdk"} }

type captureDelegate struct {
	BaseDelegate
	out **protocol.Log
}

func (c *captureDelegate) DidCompleteEnqueueingLog(rec *protocol.Log, _ string) { *c.out = rec }
