// Package queue provides the durable, ordered action queue for offline
// mutations. The store is written ahead of every in-memory change; on
// restart the in-memory view is rebuilt from it.
package queue

import (
	"sort"
	"sync"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/uuid"
)

// Store is the persistence collaborator backing the queue. It must be
// crash-durable; the concrete implementation lives in internal/db.
type Store interface {
	InsertAction(a *models.QueuedAction) error
	UpdateAction(a *models.QueuedAction) error
	DeleteAction(id models.UUID) error
	DeleteAllActions() error
	ListActions() ([]*models.QueuedAction, error)
}

// Config holds queue configuration.
type Config struct {
	MaxSize            int // enqueue capacity; 0 means DefaultMaxSize
	DefaultMaxAttempts int // per-action ceiling when the caller sets none
}

const (
	DefaultMaxSize     = 1000
	DefaultMaxAttempts = 5
)

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:            DefaultMaxSize,
		DefaultMaxAttempts: DefaultMaxAttempts,
	}
}

// ActionQueue is the in-memory view over the action store: ordering,
// deduplication, claim/release. All status mutations funnel through it.
type ActionQueue struct {
	mu      sync.Mutex
	store   Store
	actions map[models.UUID]*models.QueuedAction
	clock   backoff.Clock
	policy  *backoff.Policy
	config  *Config

	// Advisory cancellations of in-flight actions: the submission cannot
	// be aborted, but its result is discarded when it returns.
	removed map[models.UUID]bool

	// Actions whose latest state could not be written to the store.
	// Everything except Enqueue degrades to memory and is repaired later.
	dirty map[models.UUID]bool

	stats models.QueueStats
}

// New creates an ActionQueue over the given store.
func New(store Store, clock backoff.Clock, policy *backoff.Policy, config *Config) *ActionQueue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if clock == nil {
		clock = backoff.System()
	}
	if policy == nil {
		policy = backoff.Default()
	}
	return &ActionQueue{
		store:   store,
		actions: make(map[models.UUID]*models.QueuedAction),
		clock:   clock,
		policy:  policy,
		config:  config,
		removed: make(map[models.UUID]bool),
		dirty:   make(map[models.UUID]bool),
	}
}

// Load rebuilds the in-memory view from the store. Actions claimed
// in-flight by a previous process lifetime revert to pending: the old
// process can no longer complete them.
func (q *ActionQueue) Load() error {
	stored, err := q.store.ListActions()
	if err != nil {
		return errors.Wrap(errors.ErrPersistence, "failed to load action store", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = make(map[models.UUID]*models.QueuedAction, len(stored))
	for _, a := range stored {
		if a.Status == models.ActionStatusInFlight {
			a.Status = models.ActionStatusPending
			if err := q.store.UpdateAction(a); err != nil {
				q.dirty[a.ID] = true
			}
		}
		q.actions[a.ID] = a
	}
	q.recountLocked()

	logging.Info("Action queue loaded", map[string]interface{}{
		"queued":     q.stats.QueuedCount,
		"failed":     q.stats.FailedCount,
		"conflicted": q.stats.ConflictedCount,
	})
	return nil
}

// Enqueue validates and persists a new action, returning its id. It
// never touches the network. A persistence failure propagates to the
// caller: the mutation was NOT captured.
func (q *ActionQueue) Enqueue(a *models.QueuedAction) (models.UUID, error) {
	if a == nil {
		return "", errors.New(errors.ErrValidation, "action is nil")
	}
	if a.EntityType == "" {
		return "", errors.New(errors.ErrValidation, "entity type is required")
	}
	if !a.Operation.Valid() {
		return "", errors.New(errors.ErrValidation, "unknown operation: "+string(a.Operation))
	}
	if len(a.Payload) == 0 {
		return "", errors.New(errors.ErrValidation, "payload is required")
	}
	if a.Priority == "" {
		a.Priority = models.PriorityMedium
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = q.config.DefaultMaxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Collapse with an existing pending action targeting the same
	// logical record: keep the most recent payload and the earliest
	// createdAt, so rapid re-issues submit once.
	if key := a.DedupKey(); key != "" {
		if existing := q.findPendingByDedupKeyLocked(key); existing != nil {
			updated := existing.Clone()
			updated.Payload = a.Payload
			updated.Priority = a.Priority
			updated.OwnerID = a.OwnerID
			updated.Metadata = a.Metadata
			if err := q.store.UpdateAction(updated); err != nil {
				return "", errors.Wrap(errors.ErrPersistence, "failed to persist collapsed action", err)
			}
			q.actions[existing.ID] = updated
			return existing.ID, nil
		}
	}

	if len(q.actions) >= q.config.MaxSize {
		return "", errors.New(errors.ErrQueueFull, "action queue is full")
	}

	a = a.Clone()
	a.ID = models.UUID(uuid.New())
	a.CreatedAt = q.clock.Now().UnixMilli()
	a.Status = models.ActionStatusPending
	a.Attempts = 0
	a.NextEligibleAt = 0

	// Write-ahead: the store is the source of truth.
	if err := q.store.InsertAction(a); err != nil {
		return "", errors.Wrap(errors.ErrPersistence, "failed to persist action", err)
	}

	q.actions[a.ID] = a
	q.stats.QueuedCount++

	return a.ID, nil
}

// DequeueBatch claims up to maxSize submittable actions and marks them
// in-flight. Ordering is (priority desc, createdAt asc); actions for the
// same (entityType, naturalKey) are released strictly in enqueue order,
// at most one per batch. Returns nil unless the phase permits draining.
func (q *ActionQueue) DequeueBatch(maxSize int, phase models.ConnectionPhase) []*models.QueuedAction {
	if !phase.AllowsDrain() || maxSize <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UnixMilli()

	// Per entity key, only the oldest non-terminal action may move.
	// Anything behind an in-flight or conflicted sibling stays queued.
	oldest := make(map[string]*models.QueuedAction)
	for _, a := range q.actions {
		switch a.Status {
		case models.ActionStatusPending, models.ActionStatusInFlight, models.ActionStatusConflicted:
			key := a.EntityKey()
			if cur, ok := oldest[key]; !ok || earlier(a, cur) {
				oldest[key] = a
			}
		}
	}

	var candidates []*models.QueuedAction
	for _, a := range oldest {
		if a.Status == models.ActionStatusPending && a.NextEligibleAt <= now {
			candidates = append(candidates, a)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Priority.Weight(), candidates[j].Priority.Weight()
		if pi != pj {
			return pi > pj
		}
		return earlier(candidates[i], candidates[j])
	})

	if len(candidates) > maxSize {
		candidates = candidates[:maxSize]
	}

	batch := make([]*models.QueuedAction, 0, len(candidates))
	for _, a := range candidates {
		a.Status = models.ActionStatusInFlight
		a.LastAttemptAt = now
		q.persistLocked(a)
		q.stats.QueuedCount--
		q.stats.InFlightCount++
		batch = append(batch, a.Clone())
	}

	return batch
}

// MarkSucceeded removes a completed action from the queue and store.
func (q *ActionQueue) MarkSucceeded(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found: "+string(id))
	}

	q.dropLocked(a)
	return nil
}

// MarkFailed records a failed submission attempt. Transient failures
// re-enter pending with a backoff eligibility timestamp; permanent
// failures and exhausted retries park the action as failed, retained
// until the caller clears it.
func (q *ActionQueue) MarkFailed(id models.UUID, cause error, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found: "+string(id))
	}

	// Advisory removal while in flight: discard the result.
	if q.removed[id] {
		q.dropLocked(a)
		return nil
	}

	q.uncountLocked(a.Status)

	now := q.clock.Now().UnixMilli()
	if a.Attempts < a.MaxAttempts {
		a.Attempts++
	}
	a.LastAttemptAt = now
	if cause != nil {
		a.LastError = cause.Error()
	}

	if permanent || a.Attempts >= a.MaxAttempts {
		a.Status = models.ActionStatusFailed
		a.NextEligibleAt = 0
		q.stats.FailedCount++
	} else {
		a.Status = models.ActionStatusPending
		a.NextEligibleAt = now + q.policy.NextDelay(a.Attempts).Milliseconds()
		q.stats.QueuedCount++
	}

	q.persistLocked(a)
	return nil
}

// MarkConflicted parks an action for the conflict resolver, holding the
// server's divergent state alongside it.
func (q *ActionQueue) MarkConflicted(id models.UUID, serverState []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found: "+string(id))
	}

	if q.removed[id] {
		q.dropLocked(a)
		return nil
	}

	q.uncountLocked(a.Status)
	a.Status = models.ActionStatusConflicted
	a.ServerState = serverState
	q.stats.ConflictedCount++

	q.persistLocked(a)
	return nil
}

// Requeue re-enters a conflicted or failed action as pending with a
// resolved payload, immediately eligible. Used by the conflict resolver
// and by caller-driven retry of failed actions.
func (q *ActionQueue) Requeue(id models.UUID, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found: "+string(id))
	}
	if a.Status != models.ActionStatusConflicted && a.Status != models.ActionStatusFailed {
		return errors.New(errors.ErrActionTerminal, "action is not conflicted or failed: "+string(id))
	}

	q.uncountLocked(a.Status)
	if payload != nil {
		a.Payload = payload
	}
	a.Status = models.ActionStatusPending
	a.ServerState = nil
	a.NextEligibleAt = 0
	q.stats.QueuedCount++

	q.persistLocked(a)
	return nil
}

// Remove deletes an action. For an action already claimed in-flight the
// removal is advisory: the I/O in progress cannot be aborted, but its
// result is discarded and the action is never re-queued.
func (q *ActionQueue) Remove(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found: "+string(id))
	}

	if a.Status == models.ActionStatusInFlight {
		q.removed[id] = true
		return nil
	}

	q.dropLocked(a)
	return nil
}

// Clear removes every action. In-flight actions complete but their
// results are discarded.
func (q *ActionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, a := range q.actions {
		if a.Status == models.ActionStatusInFlight {
			q.removed[id] = true
			continue
		}
		q.dropLocked(a)
	}
}

// Get returns a copy of a queued action.
func (q *ActionQueue) Get(id models.UUID) (*models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return nil, errors.New(errors.ErrActionNotFound, "action not found: "+string(id))
	}
	return a.Clone(), nil
}

// List returns copies of every action, in enqueue order.
func (q *ActionQueue) List() []*models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueuedAction, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i], out[j]) })
	return out
}

// PeekStatus returns an O(1) snapshot of queue composition.
func (q *ActionQueue) PeekStatus() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// HasEligible reports whether any pending action is currently
// submittable (its backoff window has elapsed).
func (q *ActionQueue) HasEligible() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UnixMilli()
	for _, a := range q.actions {
		if a.Status == models.ActionStatusPending && a.NextEligibleAt <= now {
			return true
		}
	}
	return false
}

// Repair rewrites to the store every action whose latest state only
// exists in memory. Called periodically after a store write failure.
func (q *ActionQueue) Repair() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	repaired := 0
	for id := range q.dirty {
		a, ok := q.actions[id]
		if !ok {
			// Dropped from memory; finish the delete.
			if err := q.store.DeleteAction(id); err != nil {
				continue
			}
			delete(q.dirty, id)
			repaired++
			continue
		}
		if err := q.store.UpdateAction(a); err != nil {
			continue
		}
		delete(q.dirty, id)
		repaired++
	}

	if repaired > 0 {
		logging.Info("Action store repaired", map[string]interface{}{"repaired": repaired})
	}
	return repaired
}

// dropLocked removes an action from store and memory, keeping counters
// consistent. Store failures degrade to a pending repair.
func (q *ActionQueue) dropLocked(a *models.QueuedAction) {
	if err := q.store.DeleteAction(a.ID); err != nil {
		q.dirty[a.ID] = true
		logging.Warn("Store delete failed, scheduled for repair", map[string]interface{}{
			"action_id": string(a.ID),
		})
	} else {
		delete(q.dirty, a.ID)
	}
	q.uncountLocked(a.Status)
	delete(q.actions, a.ID)
	delete(q.removed, a.ID)
}

// persistLocked writes an action's current state to the store,
// degrading to memory with a repair marker on failure.
func (q *ActionQueue) persistLocked(a *models.QueuedAction) {
	if err := q.store.UpdateAction(a); err != nil {
		q.dirty[a.ID] = true
		logging.Warn("Store write failed, state held in memory", map[string]interface{}{
			"action_id": string(a.ID),
			"status":    string(a.Status),
		})
	} else {
		delete(q.dirty, a.ID)
	}
}

func (q *ActionQueue) findPendingByDedupKeyLocked(key string) *models.QueuedAction {
	for _, a := range q.actions {
		if a.Status == models.ActionStatusPending && a.DedupKey() == key {
			return a
		}
	}
	return nil
}

func (q *ActionQueue) uncountLocked(status models.ActionStatus) {
	switch status {
	case models.ActionStatusPending:
		q.stats.QueuedCount--
	case models.ActionStatusInFlight:
		q.stats.InFlightCount--
	case models.ActionStatusFailed:
		q.stats.FailedCount--
	case models.ActionStatusConflicted:
		q.stats.ConflictedCount--
	}
}

func (q *ActionQueue) recountLocked() {
	q.stats = models.QueueStats{}
	for _, a := range q.actions {
		switch a.Status {
		case models.ActionStatusPending:
			q.stats.QueuedCount++
		case models.ActionStatusInFlight:
			q.stats.InFlightCount++
		case models.ActionStatusFailed:
			q.stats.FailedCount++
		case models.ActionStatusConflicted:
			q.stats.ConflictedCount++
		}
	}
}

// earlier orders actions by (createdAt, id) for stable FIFO.
func earlier(a, b *models.QueuedAction) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
