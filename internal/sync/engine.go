// Package sync wires the action store, queue, connection monitor,
// coordinator, conflict resolver and subscription manager behind the
// caller-facing offline-first API.
package sync

import (
	"context"
	"encoding/json"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/db"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/monitor"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/realtime"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/conflict"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/queue"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/scheduler"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/telemetry"
)

// Config holds engine configuration.
type Config struct {
	DataDir       string
	DefaultPolicy conflict.Policy // default conflict.PolicyLastWriterWins

	Queue       *queue.Config
	Monitor     *monitor.Config
	Coordinator *scheduler.Config
	Backoff     *backoff.Policy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:       dataDir,
		DefaultPolicy: conflict.PolicyLastWriterWins,
	}
}

// Collaborators are the external boundary contracts the engine drives:
// the remote submission endpoint, the push-channel transport, and
// platform reachability.
type Collaborators struct {
	Submitter    scheduler.Submitter
	Transport    realtime.Transport
	Handshaker   monitor.Handshaker
	Reachability monitor.Reachability

	// Store overrides the sqlite action store; nil opens one at
	// Config.DataDir.
	Store queue.Store
	// ConflictLog overrides the conflict log; defaults to the sqlite
	// store when one is opened.
	ConflictLog conflict.Log
}

// Engine is the offline-first synchronization core.
type Engine struct {
	database    *db.DB
	store       *db.Store
	conflictLog conflict.Log
	queue       *queue.ActionQueue
	monitor     *monitor.Monitor
	resolver    *conflict.Resolver
	coordinator *scheduler.Coordinator
	subs        *realtime.Manager

	clock backoff.Clock
}

// New creates an Engine. The sqlite store is opened and migrated here;
// nothing starts until Start.
func New(config *Config, collab Collaborators) (*Engine, error) {
	if config == nil {
		config = DefaultConfig("")
	}
	if collab.Submitter == nil {
		return nil, errors.New(errors.ErrInvalid, "a submission collaborator is required")
	}

	clock := backoff.System()
	policy := config.Backoff
	if policy == nil {
		policy = backoff.Default()
	}

	e := &Engine{clock: clock}

	actionStore := collab.Store
	e.conflictLog = collab.ConflictLog
	if actionStore == nil {
		database, err := db.Open(config.DataDir)
		if err != nil {
			return nil, err
		}
		if err := db.NewMigrator(database.DB).Up(); err != nil {
			database.Close()
			return nil, err
		}
		e.database = database
		e.store = db.NewStore(database)
		actionStore = e.store
		if e.conflictLog == nil {
			e.conflictLog = e.store
		}
	}

	e.queue = queue.New(actionStore, clock, policy, config.Queue)
	e.monitor = monitor.New(collab.Handshaker, collab.Reachability, clock, config.Monitor)
	e.resolver = conflict.NewResolver(config.DefaultPolicy, e.conflictLog, clock)
	e.coordinator = scheduler.New(e.queue, collab.Submitter, e.resolver, e.monitor, clock, config.Coordinator)
	if collab.Transport != nil {
		e.subs = realtime.NewManager(collab.Transport, e.monitor)
		// A transport that notices its own drops feeds them to the
		// monitor, which otherwise learns only from failed handshakes.
		if dr, ok := collab.Transport.(dropReporter); ok {
			dr.OnDrop(e.monitor.ReportDisconnect)
		}
	}

	return e, nil
}

// dropReporter is implemented by transports that detect connection
// loss themselves, like realtime.WSTransport.
type dropReporter interface {
	OnDrop(func(error))
}

// Start resumes the persisted queue and begins connection tracking and
// scheduling.
func (e *Engine) Start() error {
	if err := e.coordinator.Start(); err != nil {
		return err
	}
	if e.subs != nil {
		e.subs.Start()
	}
	e.monitor.Start()
	logging.Info("Sync engine started", nil)
	return nil
}

// Stop shuts the engine down. Queued actions stay persisted for the
// next start.
func (e *Engine) Stop() error {
	e.monitor.Stop()
	if e.subs != nil {
		e.subs.Stop()
	}
	e.coordinator.Stop()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			return err
		}
	}
	if e.database != nil {
		return e.database.Close()
	}
	return nil
}

// =====================================================
// Durable mutation path
// =====================================================

// Enqueue captures a mutation for eventual submission. The action is
// persisted before this returns; a persistence failure propagates so
// the caller knows the mutation was not captured.
func (e *Engine) Enqueue(action *models.QueuedAction) (models.UUID, error) {
	id, err := e.queue.Enqueue(action)
	if err != nil {
		return "", err
	}
	e.coordinator.NotifyEnqueued()
	return id, nil
}

// ForceSync runs an immediate drain pass and waits for its result.
func (e *Engine) ForceSync(ctx context.Context) (scheduler.SyncResult, error) {
	return e.coordinator.ForceSync(ctx)
}

// OnStatusChange registers a sync progress listener.
func (e *Engine) OnStatusChange(l scheduler.StatusListener) func() {
	return e.coordinator.OnStatusChange(l)
}

// PeekStatus returns queue counters without touching the network.
func (e *Engine) PeekStatus() models.QueueStats {
	return e.queue.PeekStatus()
}

// Metrics returns the in-process activity counters.
func (e *Engine) Metrics() telemetry.Counters {
	return e.coordinator.Metrics().Snapshot()
}

// ListActions returns a snapshot of every queued action.
func (e *Engine) ListActions() []*models.QueuedAction {
	return e.queue.List()
}

// RemoveFromQueue cancels one action; advisory if already in flight.
func (e *Engine) RemoveFromQueue(id models.UUID) error {
	return e.coordinator.RemoveFromQueue(id)
}

// ClearQueue removes every pending action.
func (e *Engine) ClearQueue() {
	e.coordinator.ClearQueue()
}

// =====================================================
// Connection
// =====================================================

// Connection returns the current connection snapshot.
func (e *Engine) Connection() models.ConnectionState {
	return e.monitor.State()
}

// Reconnect requests an explicit reconnect.
func (e *Engine) Reconnect() {
	e.monitor.Connect()
}

// OnConnectionChange registers a connection state listener.
func (e *Engine) OnConnectionChange(l monitor.Listener) func() {
	return e.monitor.OnChange(l)
}

// =====================================================
// Conflicts
// =====================================================

// SetConflictPolicy overrides the resolution policy for one entity
// type.
func (e *Engine) SetConflictPolicy(entityType string, p conflict.Policy) {
	e.resolver.SetPolicy(entityType, p)
}

// SetMergeFunc registers a caller-supplied merge for one entity type.
func (e *Engine) SetMergeFunc(entityType string, fn conflict.MergeFunc) {
	e.resolver.SetMerge(entityType, fn)
}

// PendingConflicts returns conflicts awaiting manual resolution.
func (e *Engine) PendingConflicts() []*conflict.PendingConflict {
	return e.resolver.Pending()
}

// ResolveConflict applies the caller's verdict to a deferred conflict
// and moves the action accordingly.
func (e *Engine) ResolveConflict(actionID models.UUID, choice conflict.ManualChoice, payload json.RawMessage) error {
	decision, err := e.resolver.ResolveManual(actionID, choice, payload)
	if err != nil {
		return err
	}
	return e.coordinator.ApplyDecision(actionID, decision)
}

// ConflictHistory returns logged conflicts, optionally only the
// unresolved ones. Empty without a sqlite store.
func (e *Engine) ConflictHistory(unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListConflicts(unresolvedOnly)
}

// =====================================================
// Live subscriptions
// =====================================================

// Subscribe registers a live interest; see realtime.Manager.Subscribe.
func (e *Engine) Subscribe(id, topic, filter string, handler realtime.Handler) (func(), error) {
	if e.subs == nil {
		return nil, errors.New(errors.ErrChannelClosed, "no push-channel transport configured")
	}
	return e.subs.Subscribe(id, topic, filter, handler)
}

// Publish sends an ephemeral message to a topic's listeners.
func (e *Engine) Publish(topic, event string, payload json.RawMessage) error {
	if e.subs == nil {
		return errors.New(errors.ErrChannelClosed, "no push-channel transport configured")
	}
	return e.subs.Publish(topic, event, payload)
}
