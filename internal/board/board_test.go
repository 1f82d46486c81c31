package board

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	dir := t.TempDir()
	b := NewDefault(filepath.Join(dir, "task_board.json"))
	require.NoError(t, b.EnsureSchema(context.Background()))
	return b
}

func TestCreate_RejectsMissingBlocker(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Create(ctx, CreateSpec{Description: "x", BlockedBy: []string{"nonexistent"}})

	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestClaimNext_RespectsFIFOOrder(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	first, err := b.Create(ctx, CreateSpec{Description: "first"})
	require.NoError(t, err)
	_, err = b.Create(ctx, CreateSpec{Description: "second"})
	require.NoError(t, err)

	claimed, err := b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusClaimed, claimed.Status)
	assert.Equal(t, "agent-1", claimed.AgentID)
}

func TestClaimNext_SkipsBlockedTasks(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	blocker, err := b.Create(ctx, CreateSpec{Description: "blocker"})
	require.NoError(t, err)
	_, err = b.Create(ctx, CreateSpec{Description: "dependent", BlockedBy: []string{blocker.ID}})
	require.NoError(t, err)

	claimed, err := b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, blocker.ID, claimed.ID, "dependent task must not be claimable before its blocker completes")

	claimed2, err := b.ClaimNext(ctx, "agent-2", 0, "")
	require.NoError(t, err)
	assert.Nil(t, claimed2)
}

func TestClaimNext_RespectsMinReputation(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Create(ctx, CreateSpec{Description: "needs rep", MinReputation: 5})
	require.NoError(t, err)

	claimed, err := b.ClaimNext(ctx, "agent-1", 2, "")
	require.NoError(t, err)
	assert.Nil(t, claimed, "reputation below minimum must not be claimable")

	claimed, err = b.ClaimNext(ctx, "agent-1", 5, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestClaimNext_StrictRoleRouting(t *testing.T) {
	role := RoleConfig{
		StrictRoles: map[string]map[string]bool{
			"planner": {"planner-1": true},
		},
	}
	dir := filepath.Join(t.TempDir(), "task_board.json")
	b := New(dir, role)
	ctx := context.Background()
	require.NoError(t, b.EnsureSchema(ctx))

	_, err := b.Create(ctx, CreateSpec{Description: "plan it", RequiredRole: "planner"})
	require.NoError(t, err)

	claimed, err := b.ClaimNext(ctx, "worker-1", 0, "planner")
	require.NoError(t, err)
	assert.Nil(t, claimed, "a non-designated agent must not claim a strict role")

	claimed, err = b.ClaimNext(ctx, "planner-1", 0, "planner")
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestSubmitForReview_SimpleTaskRejected(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "simple", Complexity: ComplexitySimple})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)

	err = b.SubmitForReview(ctx, task.ID, "agent-1", "done")
	require.Error(t, err)
}

func TestFullCritiqueLifecycle_LGTM(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "normal work", Complexity: ComplexityNormal})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)

	require.NoError(t, b.SubmitForReview(ctx, task.ID, "agent-1", "result text"))

	got, err := b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReview, got.Status)

	c := Critique{Accuracy: 9, Completeness: 9, Technical: 9, Calibration: 9, Efficiency: 9, Verdict: VerdictLGTM}
	require.NoError(t, b.AddCritique(ctx, task.ID, c))

	got, err = b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// A repeat LGTM on an already-completed task is a benign no-op.
	require.NoError(t, b.AddCritique(ctx, task.ID, c))
}

func TestFullCritiqueLifecycle_NeedsWorkThenForceComplete(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "normal work"})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "agent-1", "v1"))

	needsWork := Critique{
		Accuracy: 3, Completeness: 6, Technical: 6, Calibration: 6, Efficiency: 6,
		Verdict: VerdictNeedsWork, Items: []string{"fix accuracy"},
	}
	require.NoError(t, b.AddCritique(ctx, task.ID, needsWork))

	got, err := b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCritique, got.Status)
	assert.Equal(t, 1, got.CritiqueRound)

	reclaimed, err := b.ClaimCritique(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, reclaimed.Status)

	// Second submission after a rework round force-completes rather than
	// re-entering review, per the single-rework-cycle rule.
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "agent-1", "v2"))

	got, err = b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestClaimCritique_RejectsNonOwner(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "work"})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "agent-1", "v1"))
	require.NoError(t, b.AddCritique(ctx, task.ID, Critique{
		Accuracy: 3, Completeness: 6, Technical: 6, Calibration: 6, Efficiency: 6,
		Verdict: VerdictNeedsWork, Items: []string{"fix it"},
	}))

	_, err = b.ClaimCritique(ctx, task.ID, "agent-2")
	require.Error(t, err)
}

func TestCancel_CascadesToDescendants(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	parent, err := b.Create(ctx, CreateSpec{Description: "parent"})
	require.NoError(t, err)
	child, err := b.Create(ctx, CreateSpec{Description: "child", ParentID: parent.ID})
	require.NoError(t, err)
	grandchild, err := b.Create(ctx, CreateSpec{Description: "grandchild", ParentID: child.ID})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, parent.ID))

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		got, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status, "id %s should be cancelled", id)
	}
}

func TestPauseResume_RoundTrip(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "work"})
	require.NoError(t, err)

	require.NoError(t, b.Pause(ctx, task.ID))
	got, err := b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, b.Resume(ctx, task.ID))
	got, err = b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestFailRetry_RoundTrip(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "work"})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)

	require.NoError(t, b.Fail(ctx, task.ID, "boom"))
	got, err := b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.EvolutionFlags, "failed:boom")

	require.NoError(t, b.Retry(ctx, task.ID))
	got, err = b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)
}

func TestRecoverStale_RequeuesAbandonedClaim(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, CreateSpec{Description: "work"})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "agent-1", 0, "")
	require.NoError(t, err)

	future := time.Now().Add(StaleClaimedAfter + time.Second)
	b.now = func() time.Time { return future }

	recovered, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Contains(t, recovered, task.ID)

	got, err := b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)
	assert.Contains(t, got.EvolutionFlags, "timeout_recovered:claimed")

	// Idempotent: a second sweep recovers nothing further for this task.
	recovered2, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.NotContains(t, recovered2, task.ID)
}

func TestRestrictedAgent_OnlyClaimsReviewOrCritique(t *testing.T) {
	role := RoleConfig{RestrictedAgents: map[string]bool{"reviewer-1": true}}
	dir := filepath.Join(t.TempDir(), "task_board.json")
	b := New(dir, role)
	ctx := context.Background()
	require.NoError(t, b.EnsureSchema(ctx))

	_, err := b.Create(ctx, CreateSpec{Description: "generic work"})
	require.NoError(t, err)

	claimed, err := b.ClaimNext(ctx, "reviewer-1", 0, "")
	require.NoError(t, err)
	assert.Nil(t, claimed, "a restricted agent must not claim non-review/critique work")
}

func TestCritiqueValidate_RoundTripViaComposite(t *testing.T) {
	c := Critique{Accuracy: 10, Completeness: 10, Technical: 10, Calibration: 10, Efficiency: 10, Verdict: VerdictLGTM}
	assert.InDelta(t, 10.0, c.Composite(), 0.0001)
	require.NoError(t, c.Validate())
}
