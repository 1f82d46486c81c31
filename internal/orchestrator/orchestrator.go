// Package orchestrator owns end-to-end task lifecycle: submit, plan,
// execute, critique, synthesize, deliver. It is the only component that
// sequences the Task Router, Task Board, Mailbox, and subtask registry
// together on behalf of an inbound request.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"swarmcore/internal/board"
	"swarmcore/internal/channel"
	"swarmcore/internal/logging"
	"swarmcore/internal/mailbox"
	"swarmcore/internal/metrics"
	"swarmcore/internal/router"
	"swarmcore/internal/subtask"
	"swarmcore/internal/wakeup"
)

const (
	// synthesisTag marks a Planner close-out sub-task so CompleteCloseout
	// can tell it apart from the parent's ordinary children.
	synthesisTag = "synthesis"

	defaultTaskTimeout     = 600 * time.Second
	defaultPollInterval    = 2 * time.Second
	defaultProgressEvery   = 30 * time.Second
	plannerRole            = "planner"
	maxSynthesisToolRounds = 3
)

// Config carries the tunables Orchestrator needs beyond its collaborators.
type Config struct {
	TaskTimeout      time.Duration
	PollInterval     time.Duration
	ProgressInterval time.Duration
	// ReviewerAgents lists the configured reviewer agent id(s) critique
	// requests round-robin across.
	ReviewerAgents []string
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressEvery
	}
	return c
}

// Orchestrator implements C7.
type Orchestrator struct {
	board     *board.Board
	registry  *subtask.Registry
	mailboxes *mailbox.Mailboxes
	wake      *wakeup.Bus
	log       logging.Logger
	now       func() time.Time
	cfg       Config

	reviewerMu     sync.Mutex
	reviewerCursor int
}

// New creates an Orchestrator over the given collaborators.
func New(b *board.Board, registry *subtask.Registry, mailboxes *mailbox.Mailboxes, wake *wakeup.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{
		board:     b,
		registry:  registry,
		mailboxes: mailboxes,
		wake:      wake,
		log:       logging.Get("orchestrator"),
		now:       time.Now,
		cfg:       cfg.withDefaults(),
	}
}

// Submit classifies user_text, creates the root planner task, and returns
// its id without blocking.
func (o *Orchestrator) Submit(ctx context.Context, userText string, source board.Source) (string, error) {
	route := router.Classify(userText)
	complexity := board.ComplexityNormal
	if route == router.DirectAnswer {
		complexity = board.ComplexitySimple
	}
	src := source
	src.OriginalText = userText

	t, err := o.board.Create(ctx, board.CreateSpec{
		Description:  userText,
		RequiredRole: plannerRole,
		Complexity:   complexity,
		Source:       src,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: submit: %w", err)
	}
	o.wake.Notify()
	o.log.Info("submitted task %s via %s route", t.ID, route)
	return t.ID, nil
}

// Wait polls the board until taskID's root reaches a terminal state or
// timeout elapses (default 600s), emitting progress notifications to ch
// roughly every 30s. On context cancellation it cancels the task tree and
// returns ctx.Err().
func (o *Orchestrator) Wait(ctx context.Context, taskID string, timeout time.Duration, ch channel.Channel) (string, error) {
	if timeout <= 0 {
		timeout = o.cfg.TaskTimeout
	}
	deadline := o.now().Add(timeout)
	lastProgress := o.now()

	for {
		if ctx.Err() != nil {
			_ = o.Cancel(context.Background(), taskID)
			return "", ctx.Err()
		}

		if _, err := o.TryCloseout(ctx, taskID); err != nil {
			o.log.Warn("closeout attempt for %s: %v", taskID, err)
		}
		if _, err := o.CompleteCloseout(ctx, taskID); err != nil {
			o.log.Warn("closeout completion for %s: %v", taskID, err)
		}

		t, err := o.board.Get(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("orchestrator: wait: %w", err)
		}
		if t.Status.IsTerminal() {
			metrics.TasksCompletedTotal.WithLabelValues(string(t.Status)).Inc()
			switch t.Status {
			case board.StatusFailed:
				return t.Result, fmt.Errorf("orchestrator: task %s failed", taskID)
			case board.StatusCancelled:
				return t.Result, fmt.Errorf("orchestrator: task %s cancelled", taskID)
			default:
				return t.Result, nil
			}
		}

		now := o.now()
		if now.After(deadline) {
			_ = o.board.Fail(ctx, taskID, "timeout")
			_ = o.Cancel(ctx, taskID)
			metrics.TasksCompletedTotal.WithLabelValues(string(board.StatusFailed)).Inc()
			return "", fmt.Errorf("orchestrator: task %s: wait timed out after %s", taskID, timeout)
		}
		if ch != nil && now.Sub(lastProgress) >= o.cfg.ProgressInterval {
			if err := ch.Status(ctx, phaseForStatus(t.Status), t.AgentID, ""); err != nil {
				o.log.Warn("progress notification for %s: %v", taskID, err)
			}
			lastProgress = now
		}

		o.wake.Wait(ctx, o.cfg.PollInterval)
	}
}

func phaseForStatus(s board.Status) channel.Phase {
	switch s {
	case board.StatusReview, board.StatusCritique:
		return channel.PhaseCritiquing
	case board.StatusSynthesizing:
		return channel.PhaseSynthesizing
	case board.StatusPending:
		return channel.PhasePlanning
	default:
		return channel.PhaseExecuting
	}
}

// Cancel transitively cancels taskID and all non-terminal descendants and
// wakes any workers blocked waiting for board activity.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if err := o.board.Cancel(ctx, taskID); err != nil {
		return fmt.Errorf("orchestrator: cancel: %w", err)
	}
	o.wake.Notify()
	return nil
}

// ExtractSubtasks parses a Planner's output into sub-task specs, creates up
// to three children on the board, and registers the parent→children mapping.
func (o *Orchestrator) ExtractSubtasks(ctx context.Context, parent *board.Task, plannerOutput string) ([]*board.Task, error) {
	extracted, err := subtask.Extract(plannerOutput)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: extract subtasks for %s: %w", parent.ID, err)
	}

	children := make([]*board.Task, 0, len(extracted.Specs))
	childIDs := make([]string, 0, len(extracted.Specs))
	for i, spec := range extracted.Specs {
		desc, err := subtask.Serialize(spec)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: serialize subtask for %s: %w", parent.ID, err)
		}
		if i == 0 && extracted.MergeNote != "" {
			desc = desc + "\n" + extracted.MergeNote
		}
		complexity := spec.Complexity
		if complexity == "" {
			complexity = board.ComplexityNormal
		}
		child, err := o.board.Create(ctx, board.CreateSpec{
			Description:  desc,
			RequiredRole: subtask.InferRole(spec.Objective),
			ParentID:     parent.ID,
			Complexity:   complexity,
			Source:       parent.Source,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: create subtask for %s: %w", parent.ID, err)
		}
		children = append(children, child)
		childIDs = append(childIDs, child.ID)
	}

	if err := o.registry.Register(ctx, parent.ID, childIDs); err != nil {
		return nil, fmt.Errorf("orchestrator: register subtasks for %s: %w", parent.ID, err)
	}
	o.wake.Notify()
	return children, nil
}

// MarkAwaitingSynthesis marks a decomposed parent as synthesizing right
// after its children are registered, so the stale-claim sweep does not
// recycle it while its children are still executing and TryCloseout knows
// it has a decomposition to wait on.
func (o *Orchestrator) MarkAwaitingSynthesis(ctx context.Context, parentID, agentID string) error {
	if err := o.board.SetSynthesizing(ctx, parentID, agentID); err != nil {
		return fmt.Errorf("orchestrator: mark awaiting synthesis for %s: %w", parentID, err)
	}
	return nil
}

// critiqueRequestPayload is the mailbox content for a critique_request.
type critiqueRequestPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

// RouteCritique sends a critique_request to the configured reviewer
// agent(s) for a task that has just transitioned into review. Reviewers are
// selected round-robin when more than one is configured.
func (o *Orchestrator) RouteCritique(ctx context.Context, task *board.Task) error {
	reviewer := o.pickReviewer()
	if reviewer == "" {
		return fmt.Errorf("orchestrator: no reviewer agent configured for task %s", task.ID)
	}
	payload := critiqueRequestPayload{TaskID: task.ID, Description: task.Description, Result: task.Result}
	if err := o.mailboxes.Send(ctx, reviewer, "orchestrator", mailbox.TypeCritiqueRequest, payload); err != nil {
		return fmt.Errorf("orchestrator: route critique for %s: %w", task.ID, err)
	}
	o.wake.Notify()
	return nil
}

func (o *Orchestrator) pickReviewer() string {
	o.reviewerMu.Lock()
	defer o.reviewerMu.Unlock()
	if len(o.cfg.ReviewerAgents) == 0 {
		return ""
	}
	agent := o.cfg.ReviewerAgents[o.reviewerCursor%len(o.cfg.ReviewerAgents)]
	o.reviewerCursor++
	return agent
}

// ApplyCritique applies a reviewer's verdict to the task in review, then
// wakes any worker polling for its outcome.
func (o *Orchestrator) ApplyCritique(ctx context.Context, taskID string, c board.Critique) error {
	verdict := string(c.Verdict)
	if err := o.board.AddCritique(ctx, taskID, c); err != nil {
		return fmt.Errorf("orchestrator: apply critique to %s: %w", taskID, err)
	}
	metrics.CritiqueRoundsTotal.WithLabelValues(verdict).Inc()
	o.wake.Notify()
	return nil
}

// TryCloseout starts Planner close-out synthesis for parentID once every
// registered child has reached a terminal state. It is a no-op if the parent
// was not previously marked awaiting synthesis, already has a synthesis
// sub-task, has no registered children, or has any child still in flight.
// Returns whether synthesis was started.
func (o *Orchestrator) TryCloseout(ctx context.Context, parentID string) (bool, error) {
	parent, err := o.board.Get(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: try closeout: %w", err)
	}
	// The planner marks a parent synthesizing as soon as it decomposes it
	// (MarkAwaitingSynthesis); closeout only proceeds once that has
	// happened and only runs once per parent, guarded by the presence of
	// the synthesis sub-task itself.
	if parent.Status != board.StatusSynthesizing {
		return false, nil
	}

	existing, err := o.board.ChildrenOf(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: try closeout: %w", err)
	}
	for _, c := range existing {
		if hasTag(c.EvolutionFlags, synthesisTag) {
			return false, nil
		}
	}

	childIDs, err := o.registry.ChildrenOf(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: try closeout: %w", err)
	}
	if len(childIDs) == 0 {
		return false, nil
	}

	children := make([]*board.Task, 0, len(childIDs))
	for _, cid := range childIDs {
		c, err := o.board.Get(ctx, cid)
		if err != nil {
			return false, fmt.Errorf("orchestrator: try closeout: %w", err)
		}
		if !c.Status.IsTerminal() {
			return false, nil
		}
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })

	prompt := buildCloseoutPrompt(parent, children)
	if _, err := o.board.Create(ctx, board.CreateSpec{
		Description:  prompt,
		RequiredRole: plannerRole,
		ParentID:     parentID,
		Complexity:   board.ComplexitySimple,
		Source:       parent.Source,
		Tags:         []string{synthesisTag},
	}); err != nil {
		return false, fmt.Errorf("orchestrator: create synthesis task for %s: %w", parentID, err)
	}
	o.wake.Notify()
	o.log.Info("started closeout synthesis for %s (%d sub-tasks)", parentID, len(children))
	return true, nil
}

// CompleteCloseout finishes synthesis for a parent sitting in synthesizing
// status once its synthesis sub-task has completed, copying the synthesis
// result onto the parent and transitioning it to completed. Returns whether
// it completed the parent.
func (o *Orchestrator) CompleteCloseout(ctx context.Context, parentID string) (bool, error) {
	parent, err := o.board.Get(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: complete closeout: %w", err)
	}
	if parent.Status != board.StatusSynthesizing {
		return false, nil
	}

	children, err := o.board.ChildrenOf(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: complete closeout: %w", err)
	}
	for _, c := range children {
		if !hasTag(c.EvolutionFlags, synthesisTag) {
			continue
		}
		if !c.Status.IsTerminal() {
			return false, nil
		}
		if err := o.board.Complete(ctx, parentID, parent.AgentID, c.Result); err != nil {
			return false, fmt.Errorf("orchestrator: complete closeout: %w", err)
		}
		o.wake.Notify()
		o.log.Info("completed closeout for %s", parentID)
		return true, nil
	}
	return false, nil
}

func hasTag(flags []string, tag string) bool {
	for _, f := range flags {
		if f == tag {
			return true
		}
	}
	return false
}

// buildCloseoutPrompt assembles the original request, ordered sub-task
// results with attribution, any critique items, and a file-delivery marker
// for each sub-task whose spec requested FormatFile output, into the prompt
// the Planner uses to synthesize a final answer. The worker that executes
// this task runs it under its ordinary MaxToolIterations cap;
// maxSynthesisToolRounds is not applied to the synthesis tool loop.
func buildCloseoutPrompt(parent *board.Task, children []*board.Task) string {
	out := "Synthesize a final answer for the following request using the completed sub-task results below.\n\n"
	out += "Original request: " + parent.Source.OriginalText + "\n\n"
	for i, c := range children {
		out += fmt.Sprintf("Sub-task %d (%s, %s):\n%s\n", i+1, c.RequiredRole, c.Status, c.Result)
		if c.Critique != nil && len(c.Critique.Items) > 0 {
			out += "Critique items:\n"
			for _, item := range c.Critique.Items {
				out += "- " + item + "\n"
			}
		}
		if marker := fileDeliveryMarker(c); marker != "" {
			out += marker + "\n"
		}
		out += "\n"
	}
	return out
}

// fileDeliveryMarker returns a "[FILE_DELIVERY] ..." line for a completed
// sub-task whose spec requested FormatFile output, so the Planner's
// synthesis step (and, downstream, the channel it replies on) knows this
// sub-task's result is a file body rather than prose to quote inline.
// Returns "" for specs that don't parse or didn't request file output.
func fileDeliveryMarker(c *board.Task) string {
	spec, err := subtask.ParseModern(c.Description)
	if err != nil || spec.OutputFormat != subtask.FormatFile {
		return ""
	}
	return fmt.Sprintf("[FILE_DELIVERY] Sub-task %s produced a file result; attach it rather than inlining the text.", c.ID)
}
