package channel

import (
	"time"

	"github.com/Artproton/beacon/internal/authtoken"
	"github.com/Artproton/beacon/internal/ingestion"
	"github.com/Artproton/beacon/internal/protocol"
	"github.com/Artproton/beacon/pkg/id"
	"github.com/Artproton/beacon/pkg/log"
	"github.com/google/uuid"
)

// Dependencies are the collaborators a unit works against. Store and
// Ingestion are required; the rest default to inert implementations.
type Dependencies struct {
	Store     Store
	Ingestion Ingestion
	Auth      AuthProvider
	Device    DeviceProvider
	// UserID returns the ambient user id, or "" when signed out.
	UserID func() string
	Logger log.Logger
}

// pendingBatch is one checked-out batch in flight. The fields were captured
// at load time; the completion path uses them instead of re-deriving state.
type pendingBatch struct {
	id    string
	logs  []*protocol.Log
	token string
}

// Unit schedules one group. All mutable state below exec is owned by the
// unit queue.
type Unit struct {
	cfg    Config
	deps   Dependencies
	exec   *executor
	logger log.Logger
	idGen  *id.Generator

	// Owned by the unit queue.
	delegates        []Delegate
	enabled          bool
	discardLogs      bool
	pausedBy         map[any]struct{}
	pausedTargetKeys map[string]struct{}
	pending          map[string]*pendingBatch
	pendingOrder     []string
	itemsCount       int
	timerArmed       bool
	timerGen         uint64
}

func newUnit(cfg Config, deps Dependencies, exec *executor) *Unit {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Unit{
		cfg:              cfg,
		deps:             deps,
		exec:             exec,
		logger:           logger.With(log.Component("channel"), log.Str("group", cfg.GroupID)),
		idGen:            id.NewGenerator(),
		enabled:          true,
		pausedBy:         make(map[any]struct{}),
		pausedTargetKeys: make(map[string]struct{}),
		pending:          make(map[string]*pendingBatch),
	}
}

// GroupID returns the group this unit schedules.
func (u *Unit) GroupID() string { return u.cfg.GroupID }

// AddDelegate registers a delegate. Registration order is preserved for
// callback fan-out.
func (u *Unit) AddDelegate(d Delegate) {
	u.exec.Submit(func() { u.delegates = append(u.delegates, d) })
}

// RemoveDelegate unregisters a delegate.
func (u *Unit) RemoveDelegate(d Delegate) {
	u.exec.Submit(func() {
		for i, cur := range u.delegates {
			if cur == d {
				u.delegates = append(u.delegates[:i], u.delegates[i+1:]...)
				return
			}
		}
	})
}

// snapshotDelegates copies the list so a delegate may mutate registrations
// from inside a callback without disturbing the ongoing fan-out.
func (u *Unit) snapshotDelegates() []Delegate {
	return append([]Delegate(nil), u.delegates...)
}

// Enqueue accepts a record for the group. It never blocks and never fails;
// all visibility is via delegate callbacks.
func (u *Unit) Enqueue(rec *protocol.Log, flags protocol.Flags) {
	u.exec.Submit(func() { u.enqueue(rec, flags) })
}

func (u *Unit) enqueue(rec *protocol.Log, flags protocol.Flags) {
	if rec.Device == nil && u.deps.Device != nil {
		rec.Device = u.deps.Device.Device()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.UserID == "" && u.deps.UserID != nil {
		rec.UserID = u.deps.UserID()
	}
	rec.Flags = flags.Normalized()

	delegates := u.snapshotDelegates()
	for _, d := range delegates {
		d.PrepareLog(rec)
	}
	internalID := u.idGen.Next().String()
	for _, d := range delegates {
		d.DidPrepareLog(rec, internalID, rec.Flags)
	}
	for _, d := range delegates {
		d.DidCompleteEnqueueingLog(rec, internalID)
	}

	if u.discardLogs {
		u.logger.Debug("discarding record, group is wiped", log.Str("id", rec.ID.String()))
		return
	}
	for _, d := range delegates {
		if d.ShouldFilterLog(rec) {
			u.logger.Debug("record filtered out", log.Str("id", rec.ID.String()))
			return
		}
	}

	if err := u.deps.Store.Save(rec, u.cfg.GroupID, rec.Flags); err != nil {
		u.logger.Error("dropping record, save failed", log.Str("id", rec.ID.String()), log.Err(err))
		return
	}
	u.itemsCount++
	u.checkPendingLogs()
}

// paused composes both the id axis and the enabled flag; a disabled unit is
// implicitly paused.
func (u *Unit) paused() bool {
	return len(u.pausedBy) > 0 || !u.enabled
}

func (u *Unit) pendingFull() bool {
	return len(u.pendingOrder) >= u.cfg.PendingBatchLimit
}

// checkPendingLogs evaluates the flush triggers.
func (u *Unit) checkPendingLogs() {
	if u.paused() || u.pendingFull() {
		return
	}
	if u.itemsCount >= u.cfg.BatchSizeLimit {
		u.cancelTimer()
		u.flushQueue()
		return
	}
	if u.itemsCount > 0 && !u.timerArmed {
		u.armTimer()
	}
}

func (u *Unit) armTimer() {
	u.timerGen++
	gen := u.timerGen
	u.timerArmed = true
	time.AfterFunc(u.cfg.FlushInterval, func() {
		u.exec.Submit(func() {
			// A bumped generation means the timer was cancelled after
			// this AfterFunc fired but before the task ran.
			if gen != u.timerGen {
				return
			}
			u.timerArmed = false
			u.flushQueue()
		})
	})
}

func (u *Unit) cancelTimer() {
	u.timerGen++
	u.timerArmed = false
}

// flushQueue checks out and sends one batch, partitioned by the auth-token
// timeline so a batch never straddles a token-validity boundary.
func (u *Unit) flushQueue() {
	if u.paused() || u.pendingFull() {
		return
	}
	if u.deps.Ingestion == nil || !u.deps.Ingestion.IsReadyToSend() {
		return
	}
	windows := u.validityWindows()
	u.flushForTokens(windows, 0)
}

func (u *Unit) validityWindows() []authtoken.Window {
	if u.deps.Auth == nil {
		return []authtoken.Window{{}}
	}
	windows := u.deps.Auth.ValidityWindows()
	if len(windows) == 0 {
		return []authtoken.Window{{}}
	}
	return windows
}

func (u *Unit) flushForTokens(windows []authtoken.Window, i int) {
	if i >= len(windows) {
		return
	}
	w := windows[i]
	before := w.End
	if i == len(windows)-1 {
		// The newest window selects everything from its start on, even
		// when it carries a concrete expiry: records produced after the
		// last refresh must still drain.
		before = time.Time{}
	}
	logs, batchID, err := u.deps.Store.Load(u.cfg.GroupID, u.cfg.BatchSizeLimit, u.excludedTargetKeys(), w.Start, before)
	if err != nil {
		u.logger.Error("load failed", log.Err(err))
		return
	}
	if len(logs) == 0 {
		if i+1 < len(windows) {
			u.flushForTokens(windows, i+1)
		}
		return
	}
	p := &pendingBatch{id: batchID, logs: logs, token: w.Token}
	u.pending[batchID] = p
	u.pendingOrder = append(u.pendingOrder, batchID)
	u.itemsCount -= len(logs)
	if u.itemsCount < 0 {
		u.itemsCount = 0
	}
	u.sendBatch(p)
}

func (u *Unit) excludedTargetKeys() []string {
	if len(u.pausedTargetKeys) == 0 {
		return nil
	}
	keys := make([]string, 0, len(u.pausedTargetKeys))
	for k := range u.pausedTargetKeys {
		keys = append(keys, k)
	}
	return keys
}

func (u *Unit) sendBatch(p *pendingBatch) {
	delegates := u.snapshotDelegates()
	for _, rec := range p.logs {
		for _, d := range delegates {
			d.WillSendLog(rec)
		}
	}
	u.logger.Debug("sending batch", log.Str("batchId", p.id), log.Int("records", len(p.logs)))
	u.deps.Ingestion.Send(p.logs, p.id, p.token, func(batchID string, status int, body []byte, err error) {
		u.exec.Submit(func() { u.sendCompleted(batchID, status, body, err) })
	})

	// More staged records may fit into another in-flight batch.
	u.checkPendingLogs()
}

// sendCompleted is the single continuation for every ingestion outcome.
func (u *Unit) sendCompleted(batchID string, status int, body []byte, err error) {
	p, ok := u.pending[batchID]
	if !ok {
		// Wiped while in flight; the synthesized failure already ran.
		return
	}
	u.removePending(batchID)
	delegates := u.snapshotDelegates()

	switch {
	case err == nil && ingestion.IsSuccess(status):
		for _, rec := range p.logs {
			for _, d := range delegates {
				d.DidSucceedSendingLog(rec)
			}
		}
		if derr := u.deps.Store.DeleteBatch(batchID, u.cfg.GroupID); derr != nil {
			u.logger.Error("delete batch failed", log.Str("batchId", batchID), log.Err(derr))
		}
		u.checkPendingLogs()

	case err != nil || ingestion.IsRecoverableStatus(status):
		// Records stay staged and checked out under this batch id, so later
		// loads skip them until the store's checkout state is reset (process
		// restart). The transport pause gates new sends until the ingestion
		// client resumes.
		u.logger.Warn("batch send failed, records kept in store",
			log.Str("batchId", batchID), log.Int("status", status), log.Err(err))

	default:
		reason := &HTTPError{Status: status, Body: body}
		u.logger.Warn("batch rejected", log.Str("batchId", batchID), log.Int("status", status))
		for _, rec := range p.logs {
			for _, d := range delegates {
				d.DidFailSendingLog(rec, reason)
			}
		}
		if derr := u.deps.Store.DeleteBatch(batchID, u.cfg.GroupID); derr != nil {
			u.logger.Error("delete batch failed", log.Str("batchId", batchID), log.Err(derr))
		}
		u.checkPendingLogs()
	}
}

func (u *Unit) removePending(batchID string) {
	delete(u.pending, batchID)
	for i, cur := range u.pendingOrder {
		if cur == batchID {
			u.pendingOrder = append(u.pendingOrder[:i], u.pendingOrder[i+1:]...)
			return
		}
	}
}

// Pause gates the unit under the given identifying object. Pausing with an
// object already held is a no-op.
func (u *Unit) Pause(identifyingObject any) {
	u.exec.Submit(func() { u.pause(identifyingObject) })
}

func (u *Unit) pause(identifyingObject any) {
	if _, held := u.pausedBy[identifyingObject]; held {
		return
	}
	u.pausedBy[identifyingObject] = struct{}{}
	u.cancelTimer()
	for _, d := range u.snapshotDelegates() {
		d.DidPause(identifyingObject)
	}
}

// Resume releases one identifying object. Unknown objects are a no-op; the
// unit resumes only when the last holder releases and it is enabled.
func (u *Unit) Resume(identifyingObject any) {
	u.exec.Submit(func() { u.resume(identifyingObject) })
}

func (u *Unit) resume(identifyingObject any) {
	if _, held := u.pausedBy[identifyingObject]; !held {
		return
	}
	delete(u.pausedBy, identifyingObject)
	for _, d := range u.snapshotDelegates() {
		d.DidResume(identifyingObject)
	}
	if !u.paused() {
		u.checkPendingLogs()
	}
}

// PauseTarget gates sending of records that carry the token's target key.
// Affected records are still persisted, just not selected for sending.
func (u *Unit) PauseTarget(targetToken string) {
	u.exec.Submit(func() {
		key := protocol.TargetKey(targetToken)
		if key == "" {
			return
		}
		u.pausedTargetKeys[key] = struct{}{}
	})
}

// ResumeTarget lifts a target-key gate.
func (u *Unit) ResumeTarget(targetToken string) {
	u.exec.Submit(func() {
		key := protocol.TargetKey(targetToken)
		if _, held := u.pausedTargetKeys[key]; !held {
			return
		}
		delete(u.pausedTargetKeys, key)
		if !u.paused() {
			u.checkPendingLogs()
		}
	})
}

// SetEnabled turns the unit on or off. Disabling with deleteData wipes the
// group's staged records and synthesizes cancellation failures for in-flight
// batches; their late completions are dropped.
func (u *Unit) SetEnabled(enabled, deleteData bool) {
	u.exec.Submit(func() { u.setEnabled(enabled, deleteData) })
}

func (u *Unit) setEnabled(enabled, deleteData bool) {
	if enabled {
		u.discardLogs = false
		u.enabled = true
		if len(u.pausedBy) == 0 {
			u.checkPendingLogs()
		}
		return
	}

	u.enabled = false
	u.cancelTimer()
	if !deleteData {
		return
	}
	u.discardLogs = true
	delegates := u.snapshotDelegates()
	for _, batchID := range u.pendingOrder {
		p := u.pending[batchID]
		for _, rec := range p.logs {
			for _, d := range delegates {
				d.DidFailSendingLog(rec, ErrCancelled)
			}
		}
	}
	u.pending = make(map[string]*pendingBatch)
	u.pendingOrder = nil
	u.itemsCount = 0
	if err := u.deps.Store.DeleteGroup(u.cfg.GroupID); err != nil {
		u.logger.Error("delete group failed", log.Err(err))
	}
}

// State reports the lifecycle state. Teardown/test helper: it drains the
// unit queue before reading.
func (u *Unit) State() State {
	var s State
	u.inspect(func() {
		switch {
		case !u.enabled && u.discardLogs:
			s = StateDisabledWiped
		case !u.enabled:
			s = StateDisabled
		case len(u.pausedBy) > 0:
			s = StatePausedByID
		default:
			s = StateActive
		}
	})
	return s
}

// IsPaused reports the composed pause predicate. Teardown/test helper.
func (u *Unit) IsPaused() bool {
	var p bool
	u.inspect(func() { p = u.paused() })
	return p
}

// ItemsCount reports staged-not-acknowledged records. Teardown/test helper.
func (u *Unit) ItemsCount() int {
	var n int
	u.inspect(func() { n = u.itemsCount })
	return n
}

// PendingBatchIDs reports the in-flight batch ids in creation order.
// Teardown/test helper.
func (u *Unit) PendingBatchIDs() []string {
	var ids []string
	u.inspect(func() { ids = append([]string(nil), u.pendingOrder...) })
	return ids
}

// inspect runs f on the unit queue and waits for it. Only the synchronous
// teardown/test accessors use it.
func (u *Unit) inspect(f func()) {
	done := make(chan struct{})
	u.exec.Submit(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-u.exec.done:
	}
}
