// Package tooldispatch defines the Tool dispatcher port (§6.3): the core
// routes tool calls and feeds results back into the model conversation
// without interpreting tool semantics.
package tooldispatch

import "context"

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindInvalidParams ErrorKind = "invalid_params"
	ErrorKindExecution     ErrorKind = "execution"
	ErrorKindTimeout       ErrorKind = "timeout"
)

// Outcome is the result of Invoke: exactly one of Value or the error fields
// is meaningful, mirroring the {ok,value}|{error,kind,message} contract.
type Outcome struct {
	OK      bool
	Value   any
	Kind    ErrorKind
	Message string
}

// Schema describes one registered tool for catalog discovery.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Dispatcher is the consumed tool-invocation capability.
type Dispatcher interface {
	// Invoke calls toolName with params and returns its outcome.
	Invoke(ctx context.Context, toolName string, params map[string]any) (Outcome, error)

	// Catalog lists every tool this dispatcher can route to.
	Catalog() []Schema
}
