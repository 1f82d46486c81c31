package main

import (
	"context"

	"swarmcore/internal/tooldispatch"
)

// noopDispatcher is the default Tool dispatcher: it advertises no tools and
// refuses every invocation. The core routes tool calls without interpreting
// their semantics, so a real deployment wires its own Dispatcher in front of
// whatever shell/file/search tools it wants agents to use; this keeps
// swarmd runnable out of the box for operators who only need plain
// chat-style task execution.
type noopDispatcher struct{}

func (noopDispatcher) Invoke(ctx context.Context, toolName string, params map[string]any) (tooldispatch.Outcome, error) {
	return tooldispatch.Outcome{
		OK:      false,
		Kind:    tooldispatch.ErrorKindNotFound,
		Message: "no tool dispatcher configured: tool " + toolName + " is unavailable",
	}, nil
}

func (noopDispatcher) Catalog() []tooldispatch.Schema { return nil }
