package channel

import (
	"time"

	"github.com/Artproton/beacon/internal/authtoken"
	"github.com/Artproton/beacon/internal/protocol"
)

// Config is a group's immutable channel settings.
type Config struct {
	GroupID  string
	Priority int
	// FlushInterval is the time trigger; 0 flushes on the next trigger
	// evaluation with no delay.
	FlushInterval time.Duration
	// BatchSizeLimit is the count trigger and the per-batch record cap.
	BatchSizeLimit int
	// PendingBatchLimit bounds how many batches may be in flight at once.
	PendingBatchLimit int
}

// Store is the durable staging contract the unit flushes against. Load marks
// the selected records as checked out under the returned batch id until
// DeleteBatch or process restart.
type Store interface {
	Save(rec *protocol.Log, groupID string, flags protocol.Flags) error
	Load(groupID string, limit int, excludedTargetKeys []string, after, before time.Time) ([]*protocol.Log, string, error)
	DeleteBatch(batchID, groupID string) error
	DeleteGroup(groupID string) error
	Count(groupID string) (int, error)
}

// Ingestion is the transport contract. Send is asynchronous; the handler may
// run on any goroutine and the unit re-enters it onto the unit queue.
type Ingestion interface {
	IsReadyToSend() bool
	Send(logs []*protocol.Log, batchID, authToken string, handler func(batchID string, status int, body []byte, err error))
}

// AuthProvider supplies the token timeline snapshot used to partition a
// flush.
type AuthProvider interface {
	ValidityWindows() []authtoken.Window
}

// DeviceProvider supplies the descriptor stamped onto records that arrive
// without one.
type DeviceProvider interface {
	Device() *protocol.Device
}

// Delegate observes the lifecycle of records moving through a unit. All
// callbacks run on the unit queue; for a single record the order is
// PrepareLog, DidPrepareLog, DidCompleteEnqueueingLog, then zero or more of
// WillSendLog, DidSucceedSendingLog, DidFailSendingLog. A record's identity
// fields never change after DidPrepareLog.
type Delegate interface {
	PrepareLog(rec *protocol.Log)
	DidPrepareLog(rec *protocol.Log, internalID string, flags protocol.Flags)
	DidCompleteEnqueueingLog(rec *protocol.Log, internalID string)

	// ShouldFilterLog may veto persistence of a record. Any delegate
	// returning true drops the record silently.
	ShouldFilterLog(rec *protocol.Log) bool

	WillSendLog(rec *protocol.Log)
	DidSucceedSendingLog(rec *protocol.Log)
	DidFailSendingLog(rec *protocol.Log, reason error)

	// DidPause and DidResume report id-axis pause transitions, with the
	// identifying object that caused them.
	DidPause(identifyingObject any)
	DidResume(identifyingObject any)
}

// BaseDelegate is a no-op Delegate for embedding, so observers implement
// only the callbacks they care about.
type BaseDelegate struct{}

func (BaseDelegate) PrepareLog(*protocol.Log) {}
func (BaseDelegate) DidPrepareLog(*protocol.Log, string, protocol.Flags) {}
func (BaseDelegate) DidCompleteEnqueueingLog(*protocol.Log, string) {}
func (BaseDelegate) ShouldFilterLog(*protocol.Log) bool { return false }
func (BaseDelegate) WillSendLog(*protocol.Log) {}
func (BaseDelegate) DidSucceedSendingLog(*protocol.Log) {}
func (BaseDelegate) DidFailSendingLog(*protocol.Log, error) {}
func (BaseDelegate) DidPause(any) {}
func (BaseDelegate) DidResume(any) {}

// State is the unit's lifecycle state. The target-key gate is orthogonal and
// not part of State.
type State int

const (
	StateActive State = iota
	StatePausedByID
	StateDisabled
	StateDisabledWiped
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePausedByID:
		return "pausedById"
	case StateDisabled:
		return "disabled"
	case StateDisabledWiped:
		return "disabledWiped"
	default:
		return "unknown"
	}
}
