// Package board implements the durable, crash-safe task state machine that
// the rest of the coordination core claims, submits, critiques, and
// completes work against.
package board

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusClaimed      Status = "claimed"
	StatusReview       Status = "review"
	StatusCritique     Status = "critique"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusPaused       Status = "paused"
)

// IsTerminal reports whether the status never transitions further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// HasOwner reports whether the status implies a non-empty agent_id, per the
// single-owner invariant (agent_id != nil iff status is one of these).
func (s Status) HasOwner() bool {
	switch s {
	case StatusClaimed, StatusReview, StatusCritique, StatusSynthesizing:
		return true
	default:
		return false
	}
}

// Complexity gates whether a task goes through critique.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityNormal  Complexity = "normal"
	ComplexityComplex Complexity = "complex"
)

// Source records the provenance of a task's originating request.
type Source struct {
	Channel      string `json:"channel,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	OriginalText string `json:"original_text,omitempty"`
}

// Task is the unified record the board persists and all subsystems share.
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	RequiredRole   string     `json:"required_role,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	BlockedBy      []string   `json:"blocked_by,omitempty"`
	MinReputation  int        `json:"min_reputation,omitempty"`
	Complexity     Complexity `json:"complexity,omitempty"`
	Result         string     `json:"result,omitempty"`
	Critique       *Critique  `json:"critique,omitempty"`
	CritiqueRound  int        `json:"critique_round"`
	EvolutionFlags []string   `json:"evolution_flags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Source         Source     `json:"source"`
}

// Critique is the structured review attached to a task in review/critique.
type Critique struct {
	Accuracy     int      `json:"accuracy"`
	Completeness int      `json:"completeness"`
	Technical    int      `json:"technical"`
	Calibration  int      `json:"calibration"`
	Efficiency   int      `json:"efficiency"`
	Verdict      Verdict  `json:"verdict"`
	Items        []string `json:"items,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// Verdict is the reviewer's disposition.
type Verdict string

const (
	VerdictLGTM       Verdict = "LGTM"
	VerdictNeedsWork  Verdict = "NEEDS_WORK"
)

// dimensionWeights mirrors §3.2: accuracy 0.30, completeness 0.20,
// technical 0.20, calibration 0.20, efficiency 0.10.
const (
	weightAccuracy     = 0.30
	weightCompleteness = 0.20
	weightTechnical    = 0.20
	weightCalibration  = 0.20
	weightEfficiency   = 0.10
)

// Composite returns the weighted sum of the five dimensions, in [1,10].
func (c Critique) Composite() float64 {
	return float64(c.Accuracy)*weightAccuracy +
		float64(c.Completeness)*weightCompleteness +
		float64(c.Technical)*weightTechnical +
		float64(c.Calibration)*weightCalibration +
		float64(c.Efficiency)*weightEfficiency
}

// Validate enforces the verdict rules from §3.2: all dims >= 8 implies LGTM
// with no items; any dim < 5 implies NEEDS_WORK with an item addressing it.
func (c Critique) Validate() error {
	dims := []int{c.Accuracy, c.Completeness, c.Technical, c.Calibration, c.Efficiency}
	allHigh := true
	anyLow := false
	for _, d := range dims {
		if d < 1 || d > 10 {
			return fmt.Errorf("dimension out of range [1,10]: %d", d)
		}
		if d < 8 {
			allHigh = false
		}
		if d < 5 {
			anyLow = true
		}
	}
	if allHigh && c.Verdict != VerdictLGTM {
		return fmt.Errorf("all dimensions >= 8 requires verdict LGTM")
	}
	if allHigh && len(c.Items) != 0 {
		return fmt.Errorf("LGTM with all dimensions >= 8 must carry no items")
	}
	if anyLow && c.Verdict != VerdictNeedsWork {
		return fmt.Errorf("a dimension below 5 requires verdict NEEDS_WORK")
	}
	if anyLow && len(c.Items) == 0 {
		return fmt.Errorf("NEEDS_WORK with a dimension below 5 must carry at least one item")
	}
	if len(c.Items) > 3 {
		return fmt.Errorf("critique items capped at 3, got %d", len(c.Items))
	}
	return nil
}
