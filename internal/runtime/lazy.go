package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swarmcore/internal/board"
	"swarmcore/internal/logging"
	"swarmcore/internal/mailbox"
)

const (
	monitorTick   = 2 * time.Second
	idleEvalEvery = 60 * time.Second
	// gracefulWait is how long a shutdown-signalled agent gets to finish its
	// current tool loop iteration and exit on its own before Stop sends
	// SIGTERM (itself followed by the process manager's own SIGKILL grace
	// period).
	gracefulWait = 5 * time.Second
)

// AgentDefinition describes one registrable agent worker.
type AgentDefinition struct {
	ID       string
	Role     string
	AlwaysOn bool
	// Command builds the exec.Cmd used to launch this agent. The runtime
	// does not interpret its contents beyond starting/stopping it — the
	// agent learns the board/bus/mailbox/wakeup locations from whatever
	// args/env Command wires in.
	Command func() *exec.Cmd
}

type registeredAgent struct {
	def          AgentDefinition
	lastActivity time.Time
}

// Runtime is the Lazy Runtime (C5): it supervises agent worker processes,
// launching them on demand from board pending tasks and stopping them after
// an idle grace period.
type Runtime struct {
	procs         *ProcessManager
	board         *board.Board
	mailboxes     *mailbox.Mailboxes
	idleShutdown  time.Duration
	log           logging.Logger

	mu     sync.Mutex
	agents map[string]*registeredAgent
}

// NewRuntime creates a Lazy Runtime. idleShutdown is the grace period before
// an on-demand agent with no activity and no active board claim is stopped.
func NewRuntime(procs *ProcessManager, b *board.Board, mb *mailbox.Mailboxes, idleShutdown time.Duration) *Runtime {
	if idleShutdown <= 0 {
		idleShutdown = 300 * time.Second
	}
	return &Runtime{
		procs:        procs,
		board:        b,
		mailboxes:    mb,
		idleShutdown: idleShutdown,
		log:          logging.Get("runtime"),
		agents:       make(map[string]*registeredAgent),
	}
}

// Register adds an agent definition without launching it. Start launches
// the always_on agents registered before it runs; an always_on agent
// registered afterwards is launched only on demand by Tick.
func (r *Runtime) Register(def AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.ID] = &registeredAgent{def: def}
}

// Start launches every always_on agent. Call once at supervisor start-up
// after all agents are registered.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	var toLaunch []string
	for id, a := range r.agents {
		if a.def.AlwaysOn {
			toLaunch = append(toLaunch, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toLaunch {
		if err := r.EnsureRunning(ctx, id); err != nil {
			return fmt.Errorf("start always_on agent %s: %w", id, err)
		}
	}
	return nil
}

// EnsureRunning is idempotent: if the agent is alive, its activity
// timestamp is refreshed; otherwise it is launched.
func (r *Runtime) EnsureRunning(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: agent %s not registered", agentID)
	}

	if alive, _ := r.procs.IsRunning(agentID); alive {
		r.mu.Lock()
		a.lastActivity = time.Now()
		r.mu.Unlock()
		return nil
	}

	cmd := a.def.Command()
	if _, err := r.procs.Start(ctx, agentID, cmd); err != nil {
		return fmt.Errorf("launch agent %s: %w", agentID, err)
	}
	r.mu.Lock()
	a.lastActivity = time.Now()
	r.mu.Unlock()
	r.log.Info("launched agent %s", agentID)
	return nil
}

// Tick performs one monitor pass: scan the board for pending tasks and
// ensure a candidate agent is running for each required_role that has work.
func (r *Runtime) Tick(ctx context.Context) error {
	tasks, err := r.board.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("runtime tick: snapshot board: %w", err)
	}

	seenRoles := make(map[string]bool)
	var roles []string
	for _, t := range tasks {
		if t.Status != board.StatusPending || t.RequiredRole == "" {
			continue
		}
		if seenRoles[t.RequiredRole] {
			continue
		}
		seenRoles[t.RequiredRole] = true
		roles = append(roles, t.RequiredRole)
	}

	// Each role's candidates are launched concurrently: a role with several
	// idle candidate agents shouldn't wait on one slow process start before
	// trying the next, and a hung exec.Cmd for one role must not delay
	// EnsureRunning for an unrelated role.
	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		for _, id := range r.candidatesForRole(role) {
			role, id := role, id
			g.Go(func() error {
				if err := r.EnsureRunning(gctx, id); err != nil {
					r.log.Warn("ensure_running(%s) for role %s: %v", id, role, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (r *Runtime) candidatesForRole(role string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, a := range r.agents {
		if a.def.Role == role {
			out = append(out, id)
		}
	}
	return out
}

// IdleSweep evaluates every non-always_on agent and signals graceful
// shutdown to any that has been idle past idleShutdown with no active claim
// on the board.
func (r *Runtime) IdleSweep(ctx context.Context) error {
	r.mu.Lock()
	type candidate struct {
		id   string
		last time.Time
	}
	var candidates []candidate
	now := time.Now()
	for id, a := range r.agents {
		if a.def.AlwaysOn {
			continue
		}
		if now.Sub(a.lastActivity) <= r.idleShutdown {
			continue
		}
		candidates = append(candidates, candidate{id: id, last: a.lastActivity})
	}
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	tasks, err := r.board.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("idle sweep: snapshot board: %w", err)
	}
	active := make(map[string]bool)
	for _, t := range tasks {
		if t.Status.HasOwner() {
			active[t.AgentID] = true
		}
	}

	for _, c := range candidates {
		if active[c.id] {
			continue
		}
		if alive, _ := r.procs.IsRunning(c.id); !alive {
			continue
		}
		r.log.Info("agent %s idle for %s, signalling shutdown", c.id, now.Sub(c.last))
		if err := r.mailboxes.Send(ctx, c.id, "runtime", mailbox.TypeShutdown, nil); err != nil {
			r.log.Warn("signal shutdown to %s: %v", c.id, err)
			continue
		}
		r.awaitExitThenStop(ctx, c.id)
	}
	return nil
}

// awaitExitThenStop waits up to gracefulWait for the agent to exit on its
// own after a shutdown signal, then sends SIGTERM/SIGKILL via the process
// manager's normal Stop sequence.
func (r *Runtime) awaitExitThenStop(ctx context.Context, agentID string) {
	deadline := time.Now().Add(gracefulWait)
	for time.Now().Before(deadline) {
		if alive, _ := r.procs.IsRunning(agentID); !alive {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err := r.procs.Stop(ctx, agentID); err != nil {
		r.log.Warn("stop uncooperative agent %s: %v", agentID, err)
	}
}

// Run drives the monitor loop until ctx is cancelled: a Tick every
// monitorTick, an IdleSweep roughly every idleEvalEvery.
func (r *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	var sinceIdleEval time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Warn("tick: %v", err)
			}
			sinceIdleEval += monitorTick
			if sinceIdleEval >= idleEvalEvery {
				sinceIdleEval = 0
				if err := r.IdleSweep(ctx); err != nil {
					r.log.Warn("idle sweep: %v", err)
				}
			}
		}
	}
}
