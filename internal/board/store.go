package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"swarmcore/internal/filestore"
	"swarmcore/internal/id"
	"swarmcore/internal/logging"
)

// Stale recovery thresholds from §4.1 / glossary.
const (
	StaleClaimedAfter = 180 * time.Second
	StaleReviewAfter  = 300 * time.Second
)

// RoleConfig encodes the strict/loose/restricted role routing from §4.1.
type RoleConfig struct {
	// StrictRoles maps a role name to the set of agent ids permitted to
	// claim it (e.g. "planner" -> {"planner-1"}, "review" -> {"reviewer-1"}).
	StrictRoles map[string]map[string]bool
	// RestrictedAgents may only claim tasks whose required_role is review
	// or critique.
	RestrictedAgents map[string]bool
}

func defaultRoleConfig() RoleConfig {
	return RoleConfig{
		StrictRoles:      map[string]map[string]bool{},
		RestrictedAgents: map[string]bool{},
	}
}

// boardDoc is the on-disk JSON envelope — a single document per §4.1.
type boardDoc struct {
	Tasks []*Task `json:"tasks"`
}

// Board is the file-backed task state machine. Every mutation acquires the
// companion lockfile, re-reads the document, validates, writes, releases.
type Board struct {
	path string
	lock *filestore.Lock
	role RoleConfig
	now  func() time.Time
	log  logging.Logger

	mu    sync.RWMutex
	tasks map[string]*Task

	// sweepGroup collapses concurrent RecoverStale callers (a worker's own
	// sweep ticker and any other in-process caller racing it) into a single
	// in-flight sweep, since they would otherwise all take the board
	// lockfile to recompute the same result.
	sweepGroup singleflight.Group
}

// New creates a board persisted at path (task_board.json), with its
// companion lockfile at path+".lock".
func New(path string, role RoleConfig) *Board {
	return &Board{
		path:  path,
		lock:  filestore.NewLock(path + ".lock"),
		role:  role,
		now:   time.Now,
		log:   logging.Get("board"),
		tasks: make(map[string]*Task),
	}
}

// NewDefault creates a board with an empty role configuration — all agents
// are loose/non-restricted.
func NewDefault(path string) *Board {
	return New(path, defaultRoleConfig())
}

// EnsureSchema creates the storage directory and loads any existing document.
func (b *Board) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := filestore.EnsureParentDir(b.path); err != nil {
		return fmt.Errorf("ensure board dir: %w", err)
	}
	return b.load()
}

func (b *Board) load() error {
	data, err := filestore.ReadFileOrEmpty(b.path)
	if err != nil {
		return fmt.Errorf("read board: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc boardDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return &CorruptionError{Path: b.path, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range doc.Tasks {
		if t.ID == "" {
			continue
		}
		b.tasks[t.ID] = t
	}
	return nil
}

// persistLocked writes the in-memory map to disk. Caller must hold the file
// lock (via mutate) and b.mu.
func (b *Board) persistLocked() error {
	doc := boardDoc{Tasks: make([]*Task, 0, len(b.tasks))}
	for _, t := range b.tasks {
		doc.Tasks = append(doc.Tasks, t)
	}
	sort.Slice(doc.Tasks, func(i, j int) bool {
		return doc.Tasks[i].CreatedAt.Before(doc.Tasks[j].CreatedAt)
	})
	data, err := filestore.MarshalJSONIndent(doc)
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	return filestore.AtomicWrite(b.path, data, 0o600)
}

// mutate re-reads the document under the exclusive lock, runs fn against the
// in-memory state, and persists on success. fn returning an error aborts the
// write (the previous valid document is left intact).
func (b *Board) mutate(ctx context.Context, fn func() error) error {
	return b.lock.WithExclusive(ctx, func() error {
		if err := b.reloadLocked(); err != nil {
			return err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if err := fn(); err != nil {
			return err
		}
		return b.persistLocked()
	})
}

// reloadLocked re-reads the on-disk document into memory. Called while
// holding the exclusive file lock so the in-memory view reflects the latest
// committed state before validating a new mutation.
func (b *Board) reloadLocked() error {
	data, err := filestore.ReadFileOrEmpty(b.path)
	if err != nil {
		return fmt.Errorf("read board: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc boardDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return &CorruptionError{Path: b.path, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := make(map[string]*Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		fresh[t.ID] = t
	}
	b.tasks = fresh
	return nil
}

// Snapshot returns all tasks as of the last durable write. Readers do not
// take the lock and must tolerate eventual consistency between snapshots.
func (b *Board) Snapshot(ctx context.Context) ([]*Task, error) {
	if err := b.load(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a single task by id.
func (b *Board) Get(ctx context.Context, id string) (*Task, error) {
	if err := b.load(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, &NotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

// IsCancelled reports whether the task is in the cancelled terminal state.
func (b *Board) IsCancelled(ctx context.Context, id string) (bool, error) {
	t, err := b.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Status == StatusCancelled, nil
}

// CreateSpec describes a new task to enqueue.
type CreateSpec struct {
	Description   string
	RequiredRole  string
	ParentID      string
	BlockedBy     []string
	MinReputation int
	Complexity    Complexity
	Source        Source
	// Tags seeds evolution_flags at creation time, e.g. to mark a
	// synthesis sub-task the orchestrator can recognize later.
	Tags []string
}

// Create inserts a new task in pending status, rejecting cyclic blocked_by
// graphs per the acyclic-dependency invariant.
func (b *Board) Create(ctx context.Context, spec CreateSpec) (*Task, error) {
	var created *Task
	err := b.mutate(ctx, func() error {
		if err := b.blockersExistLocked(spec.BlockedBy); err != nil {
			return err
		}
		newID := id.New()
		if err := b.wouldCycleLocked(newID, spec.BlockedBy); err != nil {
			return err
		}
		complexity := spec.Complexity
		if complexity == "" {
			complexity = ComplexityNormal
		}
		t := &Task{
			ID:            newID,
			Description:   spec.Description,
			Status:        StatusPending,
			RequiredRole:  spec.RequiredRole,
			ParentID:      spec.ParentID,
			BlockedBy:     append([]string(nil), spec.BlockedBy...),
			MinReputation: spec.MinReputation,
			Complexity:    complexity,
			CreatedAt:     b.now(),
			Source:        spec.Source,
		}
		if len(spec.Tags) > 0 {
			t.EvolutionFlags = append([]string(nil), spec.Tags...)
		}
		b.tasks[newID] = t
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *created
	return &cp, nil
}

func (b *Board) blockersExistLocked(blockedBy []string) error {
	for _, id := range blockedBy {
		if _, ok := b.tasks[id]; !ok {
			return newValidationError("create", "", fmt.Sprintf("blocker %s does not exist", id))
		}
	}
	return nil
}

// wouldCycleLocked walks blocked_by transitively looking for newID, which
// cannot appear since newID is not yet persisted — this guards against a
// caller pre-assigning ids and wiring a cycle through ParentID/BlockedBy.
func (b *Board) wouldCycleLocked(newID string, blockedBy []string) error {
	visited := map[string]bool{newID: true}
	var walk func(id string) error
	walk = func(id string) error {
		if visited[id] {
			return newValidationError("create", newID, "cyclic blocked_by dependency")
		}
		visited[id] = true
		t, ok := b.tasks[id]
		if !ok {
			return nil
		}
		for _, next := range t.BlockedBy {
			if err := walk(next); err != nil {
				return err
			}
		}
		delete(visited, id)
		return nil
	}
	for _, id := range blockedBy {
		if err := walk(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Board) roleAllowsLocked(requiredRole, agentID string) bool {
	role := strings.ToLower(requiredRole)
	if b.role.RestrictedAgents[agentID] {
		return role == "review" || role == "critique"
	}
	if allowed, strict := b.role.StrictRoles[role]; strict {
		return allowed[agentID]
	}
	return true
}

func allBlockersComplete(tasks map[string]*Task, blockedBy []string) bool {
	for _, id := range blockedBy {
		dep, ok := tasks[id]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// ClaimNext atomically claims the first eligible pending task for agentID,
// in insertion (FIFO) order, per the claim-selection rule in §4.1.
func (b *Board) ClaimNext(ctx context.Context, agentID string, reputation int, role string) (*Task, error) {
	var claimed *Task
	err := b.mutate(ctx, func() error {
		ids := make([]string, 0, len(b.tasks))
		for id := range b.tasks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return b.tasks[ids[i]].CreatedAt.Before(b.tasks[ids[j]].CreatedAt)
		})
		for _, id := range ids {
			t := b.tasks[id]
			if t.Status != StatusPending {
				continue
			}
			if role != "" && !strings.EqualFold(t.RequiredRole, role) {
				continue
			}
			if !allBlockersComplete(b.tasks, t.BlockedBy) {
				continue
			}
			if reputation < t.MinReputation {
				continue
			}
			if !b.roleAllowsLocked(t.RequiredRole, agentID) {
				continue
			}
			now := b.now()
			t.Status = StatusClaimed
			t.AgentID = agentID
			t.ClaimedAt = &now
			claimed = t
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	cp := *claimed
	return &cp, nil
}

// ClaimCritique re-claims a task sitting in critique status. Per the Open
// Questions resolution (§9), only the original executor may reclaim it.
func (b *Board) ClaimCritique(ctx context.Context, id, agentID string) (*Task, error) {
	var claimed *Task
	err := b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status != StatusCritique {
			return newValidationError("claim_critique", id, fmt.Sprintf("task is %s, not critique", t.Status))
		}
		if t.AgentID != agentID {
			return newValidationError("claim_critique", id, "only the original executor may claim a critique")
		}
		now := b.now()
		t.Status = StatusClaimed
		t.ClaimedAt = &now
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *claimed
	return &cp, nil
}

// SubmitForReview stores the executor's result. A simple task is rejected —
// simple tasks complete directly via Complete.
func (b *Board) SubmitForReview(ctx context.Context, id, agentID, result string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status != StatusClaimed {
			return newValidationError("submit_for_review", id, fmt.Sprintf("task is %s, not claimed", t.Status))
		}
		if t.AgentID != agentID {
			return newValidationError("submit_for_review", id, "caller does not own this claim")
		}
		if t.Complexity == ComplexitySimple {
			return newValidationError("submit_for_review", id, "simple tasks auto-complete, not submit_for_review")
		}
		t.Result = result
		// Rework cap: a second revision (critique_round already >= 1)
		// force-completes instead of returning to review.
		if t.CritiqueRound >= 1 {
			now := b.now()
			t.Status = StatusCompleted
			t.CompletedAt = &now
			return nil
		}
		t.Status = StatusReview
		return nil
	})
}

// Complete transitions a claimed task straight to completed — permitted only
// for simple tasks, or after forced synthesis by the orchestrator.
func (b *Board) Complete(ctx context.Context, id, agentID, result string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status.IsTerminal() {
			return newValidationError("complete", id, "task already terminal")
		}
		if t.Status != StatusClaimed && t.Status != StatusSynthesizing {
			return newValidationError("complete", id, fmt.Sprintf("task is %s, not claimed/synthesizing", t.Status))
		}
		if t.AgentID != "" && t.AgentID != agentID {
			return newValidationError("complete", id, "caller does not own this claim")
		}
		if t.Status == StatusClaimed && t.Complexity != ComplexitySimple {
			return newValidationError("complete", id, "non-simple tasks go through submit_for_review")
		}
		if result != "" {
			t.Result = result
		}
		now := b.now()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		return nil
	})
}

// AddCritique applies a reviewer's verdict to a task in review status.
// LGTM completes the task; NEEDS_WORK moves it to critique and bumps the
// rework counter. A second AddCritique(LGTM) on an already-completed task is
// a benign no-op, honoring idempotence of the round-trip law in §8.
func (b *Board) AddCritique(ctx context.Context, id string, c Critique) error {
	if err := c.Validate(); err != nil {
		return newValidationError("add_critique", id, err.Error())
	}
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status.IsTerminal() {
			if t.Status == StatusCompleted && c.Verdict == VerdictLGTM {
				return nil
			}
			return newValidationError("add_critique", id, "task already terminal")
		}
		if t.Status != StatusReview {
			return newValidationError("add_critique", id, fmt.Sprintf("task is %s, not review", t.Status))
		}
		cc := c
		t.Critique = &cc
		if c.Verdict == VerdictLGTM {
			now := b.now()
			t.Status = StatusCompleted
			t.CompletedAt = &now
			return nil
		}
		t.Status = StatusCritique
		t.CritiqueRound++
		return nil
	})
}

// Cancel transitively cancels id and all non-terminal descendants.
func (b *Board) Cancel(ctx context.Context, id string) error {
	return b.mutate(ctx, func() error {
		if _, ok := b.tasks[id]; !ok {
			return &NotFoundError{TaskID: id}
		}
		now := b.now()
		toCancel := b.descendantsAndSelfLocked(id)
		for _, t := range toCancel {
			if t.Status.IsTerminal() {
				continue
			}
			t.Status = StatusCancelled
			t.CompletedAt = &now
		}
		return nil
	})
}

func (b *Board) descendantsAndSelfLocked(rootID string) []*Task {
	children := map[string][]*Task{}
	for _, t := range b.tasks {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}
	var out []*Task
	var walk func(id string)
	walk = func(id string) {
		t, ok := b.tasks[id]
		if !ok {
			return
		}
		out = append(out, t)
		for _, child := range children[id] {
			walk(child.ID)
		}
	}
	walk(rootID)
	return out
}

// Pause moves a pending or claimed task to paused.
func (b *Board) Pause(ctx context.Context, id string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status != StatusPending && t.Status != StatusClaimed {
			return newValidationError("pause", id, fmt.Sprintf("task is %s, cannot pause", t.Status))
		}
		t.Status = StatusPaused
		return nil
	})
}

// Resume moves a paused task back to pending.
func (b *Board) Resume(ctx context.Context, id string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status != StatusPaused {
			return newValidationError("resume", id, "task is not paused")
		}
		t.Status = StatusPending
		t.AgentID = ""
		return nil
	})
}

// Fail moves any non-terminal task to failed, appending a failed:<reason>
// evolution flag.
func (b *Board) Fail(ctx context.Context, id, reason string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status.IsTerminal() {
			return newValidationError("fail", id, "task already terminal")
		}
		now := b.now()
		t.Status = StatusFailed
		t.CompletedAt = &now
		t.EvolutionFlags = append(t.EvolutionFlags, fmt.Sprintf("failed:%s", reason))
		return nil
	})
}

// Retry moves a failed or cancelled task back to pending.
func (b *Board) Retry(ctx context.Context, id string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status != StatusFailed && t.Status != StatusCancelled {
			return newValidationError("retry", id, fmt.Sprintf("task is %s, can only retry failed/cancelled", t.Status))
		}
		t.Status = StatusPending
		t.AgentID = ""
		t.ClaimedAt = nil
		t.CompletedAt = nil
		return nil
	})
}

// SetSynthesizing marks a parent task as synthesizing, per the Open
// Questions recommendation (§9) to persist this status for observability.
func (b *Board) SetSynthesizing(ctx context.Context, id, agentID string) error {
	return b.mutate(ctx, func() error {
		t, ok := b.tasks[id]
		if !ok {
			return &NotFoundError{TaskID: id}
		}
		if t.Status.IsTerminal() {
			return newValidationError("synthesize", id, "task already terminal")
		}
		t.Status = StatusSynthesizing
		t.AgentID = agentID
		return nil
	})
}

// ChildrenOf returns all tasks whose parent_id equals id.
func (b *Board) ChildrenOf(ctx context.Context, id string) ([]*Task, error) {
	all, err := b.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if t.ParentID == id {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
