// Package conflict provides policy-driven resolution for submissions
// rejected because server state diverged from the assumed base.
package conflict

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/uuid"
)

// Policy defines how conflicts for an entity type are resolved.
type Policy string

const (
	PolicyLocalWins      Policy = "local_wins"
	PolicyRemoteWins     Policy = "remote_wins"
	PolicyLastWriterWins Policy = "last_writer_wins"
	PolicyMerge          Policy = "merge"
	PolicyManual         Policy = "manual"
)

// MergeFunc combines the local payload with the server's state into a
// payload to resubmit. Registered per entity type by the caller; the
// engine never merges on its own.
type MergeFunc func(local, server json.RawMessage) (json.RawMessage, error)

// DecisionKind tells the coordinator what to do with the conflicted
// action.
type DecisionKind string

const (
	// DecisionResubmit re-queues the action with Decision.Payload.
	DecisionResubmit DecisionKind = "resubmit"
	// DecisionAcceptRemote accepts server state as truth; the action is
	// marked succeeded without resubmission.
	DecisionAcceptRemote DecisionKind = "accept_remote"
	// DecisionFail parks the action as failed for caller inspection.
	DecisionFail DecisionKind = "fail"
	// DecisionDefer holds the action conflicted until the caller
	// resolves it explicitly.
	DecisionDefer DecisionKind = "defer"
)

// Decision is the resolver's verdict for one conflict.
type Decision struct {
	Kind    DecisionKind
	Payload json.RawMessage // set for DecisionResubmit
}

// PendingConflict is a conflict surfaced to the caller for user-driven
// resolution.
type PendingConflict struct {
	ActionID   models.UUID     `json:"action_id"`
	EntityType string          `json:"entity_type"`
	NaturalKey string          `json:"natural_key,omitempty"`
	LocalData  json.RawMessage `json:"local_data"`
	ServerData json.RawMessage `json:"server_data"`
	DetectedAt int64           `json:"detected_at"`
}

// Log persists conflict records for user awareness.
type Log interface {
	InsertConflict(c *models.ConflictRecord) error
	MarkConflictResolved(actionID models.UUID, resolution string, resolvedAt int64) error
}

// Resolver holds the per-entity-type policy table.
type Resolver struct {
	mu            sync.Mutex
	defaultPolicy Policy
	policies      map[string]Policy
	merges        map[string]MergeFunc
	log           Log
	clock         backoff.Clock

	// local-wins resubmits at most once; a second conflict escalates to
	// failed so two stubborn writers cannot loop forever.
	retried map[models.UUID]bool

	pending map[models.UUID]*PendingConflict
}

// NewResolver creates a Resolver with the given default policy.
func NewResolver(defaultPolicy Policy, log Log, clock backoff.Clock) *Resolver {
	if defaultPolicy == "" {
		defaultPolicy = PolicyLastWriterWins
	}
	if clock == nil {
		clock = backoff.System()
	}
	return &Resolver{
		defaultPolicy: defaultPolicy,
		policies:      make(map[string]Policy),
		merges:        make(map[string]MergeFunc),
		log:           log,
		clock:         clock,
		retried:       make(map[models.UUID]bool),
		pending:       make(map[models.UUID]*PendingConflict),
	}
}

// SetPolicy overrides the policy for one entity type.
func (r *Resolver) SetPolicy(entityType string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[entityType] = p
}

// SetMerge registers a merge function for one entity type and switches
// it to the merge policy.
func (r *Resolver) SetMerge(entityType string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[entityType] = fn
	r.policies[entityType] = PolicyMerge
}

// PolicyFor returns the effective policy for an entity type.
func (r *Resolver) PolicyFor(entityType string) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[entityType]; ok {
		return p
	}
	return r.defaultPolicy
}

// Resolve decides what to do with a conflicted action. The conflict is
// recorded in the log regardless of outcome.
func (r *Resolver) Resolve(action *models.QueuedAction, serverState json.RawMessage) Decision {
	policy := r.PolicyFor(action.EntityType)
	now := r.clock.Now().UnixMilli()
	remoteTS := serverTimestamp(serverState)

	logging.Warn("Submission conflict detected", map[string]interface{}{
		"action_id":        string(action.ID),
		"entity_type":      action.EntityType,
		"policy":           string(policy),
		"local_timestamp":  action.CreatedAt,
		"remote_timestamp": remoteTS,
	})

	decision := r.decide(policy, action, serverState, remoteTS)

	r.record(action, serverState, remoteTS, now, decision)
	return decision
}

func (r *Resolver) decide(policy Policy, action *models.QueuedAction, serverState json.RawMessage, remoteTS int64) Decision {
	switch policy {
	case PolicyLocalWins:
		r.mu.Lock()
		already := r.retried[action.ID]
		if !already {
			r.retried[action.ID] = true
		}
		r.mu.Unlock()
		if already {
			// Second conflict for the same action: escalate.
			return Decision{Kind: DecisionFail}
		}
		return Decision{Kind: DecisionResubmit, Payload: action.Payload}

	case PolicyRemoteWins:
		return Decision{Kind: DecisionAcceptRemote}

	case PolicyMerge:
		r.mu.Lock()
		fn := r.merges[action.EntityType]
		r.mu.Unlock()
		if fn == nil {
			return Decision{Kind: DecisionFail}
		}
		merged, err := fn(action.Payload, serverState)
		if err != nil {
			logging.Error("Merge function failed", err, map[string]interface{}{
				"action_id": string(action.ID),
			})
			return Decision{Kind: DecisionFail}
		}
		return Decision{Kind: DecisionResubmit, Payload: merged}

	case PolicyManual:
		pc := &PendingConflict{
			ActionID:   action.ID,
			EntityType: action.EntityType,
			NaturalKey: action.NaturalKey,
			LocalData:  action.Payload,
			ServerData: serverState,
			DetectedAt: r.clock.Now().UnixMilli(),
		}
		r.mu.Lock()
		r.pending[action.ID] = pc
		r.mu.Unlock()
		return Decision{Kind: DecisionDefer}

	default: // PolicyLastWriterWins
		if remoteTS == 0 || action.CreatedAt > remoteTS {
			return Decision{Kind: DecisionResubmit, Payload: action.Payload}
		}
		return Decision{Kind: DecisionAcceptRemote}
	}
}

// record writes the conflict to the durable log.
func (r *Resolver) record(action *models.QueuedAction, serverState json.RawMessage, remoteTS, now int64, decision Decision) {
	if r.log == nil {
		return
	}

	resolution := resolutionFor(decision.Kind)
	resolvedAt := now
	if decision.Kind == DecisionDefer {
		resolution = "unresolved"
		resolvedAt = 0
	}

	rec := &models.ConflictRecord{
		ID:              models.UUID(uuid.New()),
		ActionID:        action.ID,
		EntityType:      action.EntityType,
		NaturalKey:      action.NaturalKey,
		LocalPayload:    action.Payload,
		ServerState:     serverState,
		LocalTimestamp:  action.CreatedAt,
		RemoteTimestamp: remoteTS,
		Resolution:      resolution,
		DetectedAt:      now,
		ResolvedAt:      resolvedAt,
	}
	if err := r.log.InsertConflict(rec); err != nil {
		logging.Error("Failed to record conflict", err, map[string]interface{}{
			"action_id": string(action.ID),
		})
	}
}

// ManualChoice is the caller's verdict for a deferred conflict.
type ManualChoice string

const (
	ChoiceKeepLocal  ManualChoice = "keep_local"
	ChoiceKeepRemote ManualChoice = "keep_remote"
	ChoiceDiscard    ManualChoice = "discard"
)

// ResolveManual consumes a pending conflict with the caller's choice
// and returns the decision to apply to the queue. ChoiceKeepLocal may
// carry an edited payload; nil resubmits the original local payload.
func (r *Resolver) ResolveManual(actionID models.UUID, choice ManualChoice, payload json.RawMessage) (Decision, error) {
	r.mu.Lock()
	pc, ok := r.pending[actionID]
	if ok {
		delete(r.pending, actionID)
	}
	r.mu.Unlock()

	if !ok {
		return Decision{}, errors.New(errors.ErrConflictNotFound, "no pending conflict for action: "+string(actionID))
	}

	var decision Decision
	switch choice {
	case ChoiceKeepLocal:
		if payload == nil {
			payload = pc.LocalData
		}
		decision = Decision{Kind: DecisionResubmit, Payload: payload}
	case ChoiceKeepRemote:
		decision = Decision{Kind: DecisionAcceptRemote}
	case ChoiceDiscard:
		decision = Decision{Kind: DecisionFail}
	default:
		r.mu.Lock()
		r.pending[actionID] = pc
		r.mu.Unlock()
		return Decision{}, errors.New(errors.ErrInvalid, "unknown manual choice: "+string(choice))
	}

	if r.log != nil {
		if err := r.log.MarkConflictResolved(actionID, resolutionFor(decision.Kind), r.clock.Now().UnixMilli()); err != nil {
			logging.Error("Failed to mark conflict resolved", err, nil)
		}
	}
	return decision, nil
}

// Pending returns the conflicts awaiting caller resolution.
func (r *Resolver) Pending() []*PendingConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingConflict, 0, len(r.pending))
	for _, pc := range r.pending {
		out = append(out, pc)
	}
	return out
}

// Forget drops resolver bookkeeping for an action that left the queue.
func (r *Resolver) Forget(actionID models.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retried, actionID)
	delete(r.pending, actionID)
}

func resolutionFor(kind DecisionKind) string {
	switch kind {
	case DecisionResubmit:
		return "local_wins"
	case DecisionAcceptRemote:
		return "remote_wins"
	case DecisionFail:
		return "failed"
	default:
		return "unresolved"
	}
}

// serverTimestamp extracts the last-modified timestamp embedded in the
// server state. Accepts Unix milliseconds or RFC3339 under the common
// field spellings; returns 0 when absent.
func serverTimestamp(serverState json.RawMessage) int64 {
	if len(serverState) == 0 {
		return 0
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(serverState, &fields); err != nil {
		return 0
	}
	for _, key := range []string{"updatedAt", "updated_at", "modifiedAt", "timestamp"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			return ms
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return 0
}
