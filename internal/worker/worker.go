// Package worker implements the Agent Worker Loop (C8): per tick, a worker
// drains its mailbox, resumes any critique revision it owns, claims regular
// work, and otherwise backs off until the wakeup bus stirs it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"swarmcore/internal/async"
	"swarmcore/internal/board"
	"swarmcore/internal/bus"
	"swarmcore/internal/logging"
	"swarmcore/internal/llmport"
	"swarmcore/internal/mailbox"
	"swarmcore/internal/metrics"
	"swarmcore/internal/orchestrator"
	"swarmcore/internal/tooldispatch"
	"swarmcore/internal/wakeup"
)

// maxCloseoutScan bounds how many in-flight parents a single mailbox-driven
// closeout check inspects, per §4.8 step 1's "check whether any parent
// task's closeouts are now ready".
const maxCloseoutScan = 64

// Worker drives one agent's tick loop.
type Worker struct {
	cfg   Config
	board *board.Board
	mbox  *mailbox.Mailboxes
	cbus  *bus.Bus
	wake  *wakeup.Bus
	orch  *orchestrator.Orchestrator
	model llmport.Provider
	tools tooldispatch.Dispatcher
	log   logging.Logger
	now   func() time.Time
	budg  *tokenBudgeter
}

// New creates a Worker. model is typically an *internal/modelclient.Client;
// tools may be nil if the agent has no registered capabilities.
func New(cfg Config, b *board.Board, mb *mailbox.Mailboxes, cbus *bus.Bus, wake *wakeup.Bus, orch *orchestrator.Orchestrator, model llmport.Provider, tools tooldispatch.Dispatcher) (*Worker, error) {
	budg, err := newTokenBudgeter()
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:   cfg.withDefaults(),
		board: b,
		mbox:  mb,
		cbus:  cbus,
		wake:  wake,
		orch:  orch,
		model: model,
		tools: tools,
		log:   logging.Get("worker"),
		now:   time.Now,
		budg:  budg,
	}, nil
}

// Run drives the tick loop until ctx is cancelled or the worker observes a
// shutdown message / exhausts its idle budget.
func (w *Worker) Run(ctx context.Context) error {
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	async.Go(w.log, "stale-sweep:"+w.cfg.ID, func() { w.runStaleSweep(sweepCtx) })

	idleCycles := 0
	backoff := w.cfg.IdleBackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		didWork, shutdown, err := w.tick(ctx)
		if err != nil {
			w.log.Warn("tick: %v", err)
		}
		if shutdown {
			w.log.Info("agent %s received shutdown, exiting", w.cfg.ID)
			w.writeHeartbeat("", idleCycles)
			return nil
		}
		if didWork {
			idleCycles = 0
			backoff = w.cfg.IdleBackoffMin
			w.writeHeartbeat("", idleCycles)
			continue
		}

		idleCycles++
		metrics.WorkerIdleCyclesTotal.WithLabelValues(w.cfg.ID).Inc()
		w.writeHeartbeat("", idleCycles)
		if idleCycles >= w.cfg.MaxIdleCycles {
			w.log.Info("agent %s idle for %d cycles, exiting for lazy relaunch", w.cfg.ID, idleCycles)
			return nil
		}
		w.wake.Wait(ctx, backoff)
		backoff = nextBackoff(backoff, w.cfg.IdleBackoffMax)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (w *Worker) runStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.board.RecoverStale(ctx); err != nil {
				w.log.Warn("stale sweep: %v", err)
			}
		}
	}
}

// tick performs one priority-ordered pass: mailbox scan, critique revision,
// regular claim. Returns whether it did work and whether a shutdown message
// was observed.
func (w *Worker) tick(ctx context.Context) (didWork, shutdown bool, err error) {
	didWork, shutdown, err = w.scanMailbox(ctx)
	if err != nil || shutdown {
		return didWork, shutdown, err
	}
	if didWork {
		return true, false, nil
	}

	didWork, err = w.resumeCritiqueRevision(ctx)
	if err != nil {
		return false, false, err
	}
	if didWork {
		return true, false, nil
	}

	return w.claimAndRun(ctx)
}

func (w *Worker) scanMailbox(ctx context.Context) (didWork, shutdown bool, err error) {
	msgs, err := w.mbox.Read(ctx, w.cfg.ID)
	if err != nil {
		return false, false, fmt.Errorf("worker: mailbox scan: %w", err)
	}
	if len(msgs) == 0 {
		return false, false, nil
	}

	for _, msg := range msgs {
		switch msg.Type {
		case mailbox.TypeShutdown:
			return true, true, nil
		case mailbox.TypeCritiqueRequest:
			if err := w.handleCritiqueRequest(ctx, msg); err != nil {
				w.log.Warn("critique request: %v", err)
			}
		default:
			w.log.Debug("agent %s ignoring mailbox message type %s", w.cfg.ID, msg.Type)
		}
	}
	w.checkCloseouts(ctx)
	return true, false, nil
}

type critiqueRequestPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

// handleCritiqueRequest reviews the referenced task synchronously and
// applies the verdict directly to the board, per §4.8 step 1.
func (w *Worker) handleCritiqueRequest(ctx context.Context, msg mailbox.Message) error {
	var payload critiqueRequestPayload
	if err := json.Unmarshal(msg.Content, &payload); err != nil {
		return fmt.Errorf("decode critique_request: %w", err)
	}

	prompt := critiquePrompt(payload.TaskID, payload.Description, payload.Result)
	resp, err := w.model.Chat(ctx, llmport.ChatRequest{
		Model:    w.cfg.Model,
		Messages: []llmport.Message{{Role: llmport.RoleUser, Content: prompt}},
	}, nil)
	if err != nil {
		return fmt.Errorf("critique model call: %w", err)
	}

	critique, err := parseCritique(resp.Text)
	if err != nil {
		return fmt.Errorf("parse critique for %s: %w", payload.TaskID, err)
	}
	if err := w.orch.ApplyCritique(ctx, payload.TaskID, critique); err != nil {
		return fmt.Errorf("apply critique for %s: %w", payload.TaskID, err)
	}
	return nil
}

// checkCloseouts attempts closeout progression for every parent task the
// worker can see, up to maxCloseoutScan, matching step 1's "check whether
// any parent task's closeouts are now ready".
func (w *Worker) checkCloseouts(ctx context.Context) {
	tasks, err := w.board.Snapshot(ctx)
	if err != nil {
		w.log.Warn("closeout scan: snapshot board: %v", err)
		return
	}
	scanned := 0
	for _, t := range tasks {
		if t.ParentID != "" || t.RequiredRole != "planner" {
			continue
		}
		if scanned >= maxCloseoutScan {
			break
		}
		scanned++
		if _, err := w.orch.TryCloseout(ctx, t.ID); err != nil {
			w.log.Warn("closeout attempt for %s: %v", t.ID, err)
		}
		if _, err := w.orch.CompleteCloseout(ctx, t.ID); err != nil {
			w.log.Warn("closeout completion for %s: %v", t.ID, err)
		}
	}
}

// resumeCritiqueRevision claims and reruns the worker's own task sitting in
// critique status, if any, per §4.8 step 2.
func (w *Worker) resumeCritiqueRevision(ctx context.Context) (bool, error) {
	tasks, err := w.board.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("worker: scan critique tasks: %w", err)
	}
	var target *board.Task
	for _, t := range tasks {
		if t.Status == board.StatusCritique && t.AgentID == w.cfg.ID {
			target = t
			break
		}
	}
	if target == nil {
		return false, nil
	}

	claimed, err := w.board.ClaimCritique(ctx, target.ID, w.cfg.ID)
	if err != nil {
		return false, fmt.Errorf("worker: claim critique %s: %w", target.ID, err)
	}

	prompt := revisionPrompt(claimed)
	result, err := w.runModelTurn(ctx, claimed, prompt)
	if err != nil {
		return false, fmt.Errorf("worker: revise %s: %w", claimed.ID, err)
	}

	if err := w.board.SubmitForReview(ctx, claimed.ID, w.cfg.ID, result); err != nil {
		return false, fmt.Errorf("worker: submit revision for %s: %w", claimed.ID, err)
	}
	reviewed, err := w.board.Get(ctx, claimed.ID)
	if err != nil {
		return false, fmt.Errorf("worker: reload %s: %w", claimed.ID, err)
	}
	if reviewed.Status == board.StatusReview {
		if err := w.orch.RouteCritique(ctx, reviewed); err != nil {
			w.log.Warn("route critique for %s: %v", reviewed.ID, err)
		}
	}
	return true, nil
}

// claimAndRun claims the next eligible pending task and executes it, per
// §4.8 step 3.
func (w *Worker) claimAndRun(ctx context.Context) (bool, error) {
	claimed, err := w.board.ClaimNext(ctx, w.cfg.ID, w.cfg.MinReputation, w.cfg.Role)
	if err != nil {
		return false, fmt.Errorf("worker: claim_next: %w", err)
	}
	if claimed == nil {
		return false, nil
	}
	metrics.TasksClaimedTotal.WithLabelValues(w.cfg.Role).Inc()
	w.writeHeartbeat(claimed.ID, 0)

	if err := w.executeTask(ctx, claimed); err != nil {
		w.log.Warn("execute %s: %v", claimed.ID, err)
		if failErr := w.board.Fail(ctx, claimed.ID, "execution_error"); failErr != nil {
			w.log.Warn("mark %s failed: %v", claimed.ID, failErr)
		}
	}
	return true, nil
}

// executeTask runs the claimed task's model + tool loop and routes its
// outcome: sub-task extraction for planner roles, submit_for_review or
// direct completion for implementers, per §4.8 step 3.
func (w *Worker) executeTask(ctx context.Context, task *board.Task) error {
	result, err := w.runModelTurn(ctx, task, task.Description)
	if err != nil {
		return err
	}

	if task.RequiredRole == "planner" {
		return w.finishPlannerTask(ctx, task, result)
	}
	return w.finishImplementerTask(ctx, task, result)
}

func (w *Worker) finishPlannerTask(ctx context.Context, task *board.Task, result string) error {
	children, err := w.orch.ExtractSubtasks(ctx, task, result)
	if err == nil && len(children) > 0 {
		if err := w.orch.MarkAwaitingSynthesis(ctx, task.ID, w.cfg.ID); err != nil {
			return fmt.Errorf("mark awaiting synthesis: %w", err)
		}
		return nil
	}
	// No parseable sub-tasks: this was a direct answer or close-out
	// synthesis task. Simple tasks (direct answers, synthesis sub-tasks)
	// complete immediately; anything else still goes through review.
	if task.Complexity == board.ComplexitySimple {
		return w.board.Complete(ctx, task.ID, w.cfg.ID, result)
	}
	return w.submitForReviewAndRoute(ctx, task, result)
}

func (w *Worker) finishImplementerTask(ctx context.Context, task *board.Task, result string) error {
	if task.Complexity == board.ComplexitySimple {
		return w.board.Complete(ctx, task.ID, w.cfg.ID, result)
	}
	return w.submitForReviewAndRoute(ctx, task, result)
}

func (w *Worker) submitForReviewAndRoute(ctx context.Context, task *board.Task, result string) error {
	if err := w.board.SubmitForReview(ctx, task.ID, w.cfg.ID, result); err != nil {
		return err
	}
	reviewed, err := w.board.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if reviewed.Status != board.StatusReview {
		return nil
	}
	if err := w.orch.RouteCritique(ctx, reviewed); err != nil {
		w.log.Warn("route critique for %s: %v", task.ID, err)
	}
	return nil
}

// runModelTurn builds the system prompt, runs the tool-call loop up to
// MaxToolIterations, and returns the final text.
func (w *Worker) runModelTurn(ctx context.Context, task *board.Task, userTurn string) (string, error) {
	sections := systemPromptSections{
		role:    w.cfg.Role,
		soulDoc: w.cfg.SoulDoc,
		skills:  w.cfg.Skills,
	}
	if w.tools != nil {
		for _, s := range w.tools.Catalog() {
			sections.toolNames = append(sections.toolNames, s.Name)
		}
	}
	if w.cbus != nil {
		if entries, err := w.cbus.Snapshot(ctx); err == nil {
			sections.busEntries = entries
		} else {
			w.log.Warn("context bus snapshot: %v", err)
		}
	}
	systemPrompt := w.budg.Truncate(buildSystemPrompt(sections), w.cfg.PromptBudgetTokens)

	messages := []llmport.Message{
		{Role: llmport.RoleSystem, Content: systemPrompt},
		{Role: llmport.RoleUser, Content: userTurn},
	}

	var toolSchemas []llmport.ToolSchema
	if w.tools != nil {
		for _, s := range w.tools.Catalog() {
			toolSchemas = append(toolSchemas, llmport.ToolSchema{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
		}
	}

	var finalText string
	for i := 0; i < w.cfg.MaxToolIterations; i++ {
		if cancelled, err := w.board.IsCancelled(ctx, task.ID); err == nil && cancelled {
			return "", fmt.Errorf("task %s cancelled", task.ID)
		}

		resp, err := w.model.Chat(ctx, llmport.ChatRequest{
			Model:    w.cfg.Model,
			Messages: messages,
			Tools:    toolSchemas,
		}, nil)
		if err != nil {
			return "", fmt.Errorf("model call: %w", err)
		}
		finalText = resp.Text
		if len(resp.ToolCalls) == 0 || w.tools == nil {
			break
		}

		messages = append(messages, llmport.Message{Role: llmport.RoleAssistant, Content: resp.Text})
		for _, tc := range resp.ToolCalls {
			outcome, invokeErr := w.tools.Invoke(ctx, tc.Name, tc.Arguments)
			messages = append(messages, llmport.Message{Role: llmport.RoleTool, Content: formatToolResult(tc.Name, outcome, invokeErr)})
		}
	}
	return finalText, nil
}

func formatToolResult(name string, outcome tooldispatch.Outcome, err error) string {
	if err != nil {
		return fmt.Sprintf("tool %s failed: %v", name, err)
	}
	if !outcome.OK {
		return fmt.Sprintf("tool %s error (%s): %s", name, outcome.Kind, outcome.Message)
	}
	data, marshalErr := json.Marshal(outcome.Value)
	if marshalErr != nil {
		return fmt.Sprintf("tool %s returned an unencodable result", name)
	}
	return string(data)
}
