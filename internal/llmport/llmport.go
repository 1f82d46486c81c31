// Package llmport defines the LLM capability the core consumes (§6.1). It is
// an abstract port: concrete provider wire protocols are external
// collaborators wired in by internal/modelclient.
package llmport

import "context"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in an ordered conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes one callable tool for the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a model-requested invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage tracks token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is the input to Chat.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema
	Stream   bool
}

// ChatResponse is a non-streaming result.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	TraceID   string
}

// ChunkKind distinguishes a streaming event's payload.
type ChunkKind string

const (
	ChunkStatus   ChunkKind = "status"
	ChunkPartial  ChunkKind = "partial"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkComplete ChunkKind = "complete"
)

// Chunk is one element of a streamed ChatResponse.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Final    *ChatResponse
}

// Provider is the LLM capability a worker consumes. embed is optional and
// only used by memory recall, an external collaborator of this core.
type Provider interface {
	// Chat sends messages and returns a response. When req.Stream is true,
	// chunks are delivered to onChunk as they arrive and the final element
	// carries Kind=ChunkComplete with Final populated.
	Chat(ctx context.Context, req ChatRequest, onChunk func(Chunk)) (*ChatResponse, error)

	// Embed returns embedding vectors for texts, if the provider supports it.
	Embed(ctx context.Context, texts []string, model string) ([][]float64, error)

	// Name identifies the provider for routing and usage accounting.
	Name() string
}
