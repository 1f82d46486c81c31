// Package channel defines the External Channel port (§6.2): the stream of
// events the core produces per task, and the sinks it delivers results
// through.
package channel

import "context"

// Phase names a pipeline stage for status events.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseExecuting    Phase = "executing"
	PhaseCritiquing   Phase = "critiquing"
	PhaseSynthesizing Phase = "synthesizing"
)

// Attachment is a file produced alongside a final result.
type Attachment struct {
	Path    string
	Caption string
}

// Channel is the consumed delivery capability for one task's lifecycle.
type Channel interface {
	// Status reports a phase transition, optionally naming the acting agent
	// and tool.
	Status(ctx context.Context, phase Phase, agent, tool string) error

	// Partial delivers a streaming increment of in-progress text.
	Partial(ctx context.Context, text string) error

	// Complete delivers the final synthesis, optionally with files.
	Complete(ctx context.Context, result, taskID string, files []Attachment) error

	// SendFile forwards a file to the user with an optional caption.
	SendFile(ctx context.Context, path, caption string) error

	// DeliverText sends a freeform text message outside the event stream,
	// e.g. an out-of-band notice.
	DeliverText(ctx context.Context, text string) error
}
