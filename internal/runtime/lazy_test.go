package runtime

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/board"
	"swarmcore/internal/mailbox"
)

func newTestRuntime(t *testing.T) (*Runtime, *board.Board) {
	t.Helper()
	dir := t.TempDir()
	b := board.NewDefault(filepath.Join(dir, "task_board.json"))
	require.NoError(t, b.EnsureSchema(context.Background()))

	procs := NewProcessManager(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"))
	mb := mailbox.New(filepath.Join(dir, "mailboxes"))

	rt := NewRuntime(procs, b, mb, 50*time.Millisecond)
	return rt, b
}

func sleepCommand() func() *exec.Cmd {
	return func() *exec.Cmd {
		return exec.Command("sleep", "5")
	}
}

func TestEnsureRunning_LaunchesUnregisteredlyFailsForUnknownAgent(t *testing.T) {
	rt, _ := newTestRuntime(t)
	err := rt.EnsureRunning(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestEnsureRunning_IsIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Register(AgentDefinition{ID: "worker-1", Role: "execute", Command: sleepCommand()})
	ctx := context.Background()

	require.NoError(t, rt.EnsureRunning(ctx, "worker-1"))
	alive, _ := rt.procs.IsRunning("worker-1")
	require.True(t, alive)

	// Calling again while already alive must not error or relaunch.
	require.NoError(t, rt.EnsureRunning(ctx, "worker-1"))

	_ = rt.procs.Stop(ctx, "worker-1")
}

func TestTick_LaunchesCandidateForPendingRole(t *testing.T) {
	rt, b := newTestRuntime(t)
	ctx := context.Background()
	rt.Register(AgentDefinition{ID: "executor-1", Role: "execute", Command: sleepCommand()})

	_, err := b.Create(ctx, board.CreateSpec{Description: "do it", RequiredRole: "execute"})
	require.NoError(t, err)

	require.NoError(t, rt.Tick(ctx))

	alive, _ := rt.procs.IsRunning("executor-1")
	assert.True(t, alive)

	_ = rt.procs.Stop(ctx, "executor-1")
}

func TestCandidatesForRole_FiltersByRole(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Register(AgentDefinition{ID: "planner-1", Role: "planner"})
	rt.Register(AgentDefinition{ID: "executor-1", Role: "execute"})

	got := rt.candidatesForRole("execute")
	assert.Equal(t, []string{"executor-1"}, got)
}

func TestIdleSweep_SkipsAlwaysOnAgents(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Register(AgentDefinition{ID: "planner-1", Role: "planner", AlwaysOn: true, Command: sleepCommand()})
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	time.Sleep(100 * time.Millisecond) // exceed the 50ms idleShutdown used in this test fixture
	require.NoError(t, rt.IdleSweep(ctx))

	alive, _ := rt.procs.IsRunning("planner-1")
	assert.True(t, alive, "always_on agents are never idle-shut-down")

	_ = rt.procs.Stop(ctx, "planner-1")
}

func TestIdleSweep_SkipsAgentsWithActiveClaim(t *testing.T) {
	rt, b := newTestRuntime(t)
	ctx := context.Background()
	rt.Register(AgentDefinition{ID: "executor-1", Role: "execute", Command: sleepCommand()})
	require.NoError(t, rt.EnsureRunning(ctx, "executor-1"))

	task, err := b.Create(ctx, board.CreateSpec{Description: "work", RequiredRole: "execute"})
	require.NoError(t, err)
	_, err = b.ClaimNext(ctx, "executor-1", 0, "execute")
	require.NoError(t, err)
	_ = task

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, rt.IdleSweep(ctx))

	alive, _ := rt.procs.IsRunning("executor-1")
	assert.True(t, alive, "an agent with an active board claim must not be shut down as idle")

	_ = rt.procs.Stop(ctx, "executor-1")
}
