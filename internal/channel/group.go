package channel

import (
	"sync"

	"github.com/Artproton/beacon/internal/ingestion"
	"github.com/Artproton/beacon/pkg/log"
)

// DelegateRegistrar is implemented by ingestion clients that emit transport
// pause/resume/fatal notifications.
type DelegateRegistrar interface {
	AddDelegate(d ingestion.Delegate)
}

// GroupOptions configure a Group.
type GroupOptions struct {
	Store     Store
	Ingestion Ingestion
	Auth      AuthProvider
	Device    DeviceProvider
	// UserID returns the ambient user id, or "" when signed out.
	UserID func() string
	Logger log.Logger
}

// Group owns a set of units sharing one serial execution context and one
// ingestion client. It multiplexes enable/disable, global pause identifiers,
// and ingestion lifecycle events onto each unit.
type Group struct {
	opts   GroupOptions
	exec   *executor
	logger log.Logger

	mu    sync.Mutex
	units map[string]*Unit
	order []string
}

// NewGroup builds a Group and subscribes to the ingestion client's
// transport notifications when the client supports them.
func NewGroup(opts GroupOptions) *Group {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	g := &Group{
		opts:   opts,
		exec:   newExecutor(),
		logger: logger.With(log.Component("channel-group")),
		units:  make(map[string]*Unit),
	}
	if reg, ok := opts.Ingestion.(DelegateRegistrar); ok {
		reg.AddDelegate(ingestionObserver{g})
	}
	return g
}

// AddUnit creates and registers the unit for cfg.GroupID. Adding a group id
// twice returns the existing unit.
func (g *Group) AddUnit(cfg Config) *Unit {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u, ok := g.units[cfg.GroupID]; ok {
		return u
	}
	deps := Dependencies{
		Store:     g.opts.Store,
		Ingestion: g.opts.Ingestion,
		Auth:      g.opts.Auth,
		Device:    g.opts.Device,
		UserID:    g.opts.UserID,
		Logger:    g.opts.Logger,
	}
	u := newUnit(cfg, deps, g.exec)
	g.units[cfg.GroupID] = u
	g.order = append(g.order, cfg.GroupID)
	g.logger.Info("unit attached", log.Str("group", cfg.GroupID), log.Int("batchSizeLimit", cfg.BatchSizeLimit))
	return u
}

// Unit returns the unit for a group id, or nil.
func (g *Group) Unit(groupID string) *Unit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.units[groupID]
}

func (g *Group) snapshotUnits() []*Unit {
	g.mu.Lock()
	defer g.mu.Unlock()
	units := make([]*Unit, 0, len(g.order))
	for _, id := range g.order {
		units = append(units, g.units[id])
	}
	return units
}

// SetEnabled forwards to every unit.
func (g *Group) SetEnabled(enabled, deleteData bool) {
	for _, u := range g.snapshotUnits() {
		u.SetEnabled(enabled, deleteData)
	}
}

// Pause pauses every unit under the given identifying object.
func (g *Group) Pause(identifyingObject any) {
	for _, u := range g.snapshotUnits() {
		u.Pause(identifyingObject)
	}
}

// Resume releases the identifying object on every unit.
func (g *Group) Resume(identifyingObject any) {
	for _, u := range g.snapshotUnits() {
		u.Resume(identifyingObject)
	}
}

// PauseTarget gates the target key on every unit.
func (g *Group) PauseTarget(targetToken string) {
	for _, u := range g.snapshotUnits() {
		u.PauseTarget(targetToken)
	}
}

// ResumeTarget lifts the target-key gate on every unit.
func (g *Group) ResumeTarget(targetToken string) {
	for _, u := range g.snapshotUnits() {
		u.ResumeTarget(targetToken)
	}
}

// Drain waits for the shared execution context to go idle. Teardown/test
// helper.
func (g *Group) Drain() { g.exec.Drain() }

// Close drains and stops the shared execution context. In-flight network
// requests are not interrupted; their completions are dropped.
func (g *Group) Close() { g.exec.Close() }

// ingestionObserver adapts transport notifications onto the group's units,
// using the ingestion instance as the pause identifier.
type ingestionObserver struct{ g *Group }

func (o ingestionObserver) DidPause(sender any)  { o.g.Pause(sender) }
func (o ingestionObserver) DidResume(sender any) { o.g.Resume(sender) }

func (o ingestionObserver) DidReceiveFatalError(sender any) {
	o.g.logger.Error("ingestion fatal error, disabling with wipe")
	o.g.SetEnabled(false, true)
}
