package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"swarmcore/internal/errors"
	"swarmcore/internal/httpclient"
	"swarmcore/internal/llmport"
	"swarmcore/internal/logging"
)

// maxChatResponseBytes bounds how much of a provider's chat/completions
// body this client will buffer, so a misbehaving or hijacked endpoint
// streaming an unbounded body can't exhaust process memory.
const maxChatResponseBytes = 32 << 20 // 32MiB

// OpenAIProvider speaks the OpenAI-compatible chat/completions API. It is
// the concrete collaborator behind the llmport.Provider port for any
// provider exposing that wire format (OpenAI itself, OpenRouter, and most
// self-hosted inference gateways).
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  func() string
	client  *http.Client
	log     logging.Logger
}

// NewOpenAIProvider builds a provider named name against baseURL (no
// trailing slash), authenticating with whatever apiKey currently returns so
// Router credential rotation can swap keys between attempts.
func NewOpenAIProvider(name, baseURL string, apiKey func() string) *OpenAIProvider {
	return &OpenAIProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpclient.NewWithCircuitBreaker(60*time.Second, logging.Get("modelclient.openai"), name),
		log:     logging.Get("modelclient.openai"),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat issues a non-streaming chat/completions call regardless of
// req.Stream: the core's tool loop only consumes the final ChatResponse, so
// streaming chunk forwarding is left to a future External Channel adapter
// rather than plumbed through here. onChunk, if non-nil, still receives a
// single ChunkComplete event once the response lands.
func (p *OpenAIProvider) Chat(ctx context.Context, req llmport.ChatRequest, onChunk func(llmport.Chunk)) (*llmport.ChatResponse, error) {
	body := openAIRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
		Stream:   false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := p.apiKey(); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransientError(err, fmt.Sprintf("%s: chat request failed", p.name))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := httpclient.ReadAllWithLimit(resp.Body, maxChatResponseBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return nil, errors.NewPermanentError(err, fmt.Sprintf("%s: chat response exceeded %d byte limit", p.name, maxChatResponseBytes))
		}
		return nil, errors.NewTransientError(err, fmt.Sprintf("%s: read chat response", p.name))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, errors.NewTransientError(fmt.Errorf("%s: http %d: %s", p.name, resp.StatusCode, string(raw)), "provider returned a retryable status")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.NewPermanentError(fmt.Errorf("%s: http %d: %s", p.name, resp.StatusCode, string(raw)), "provider rejected the request")
	}

	var decoded openAIResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%s: decode chat response: %w", p.name, err)
	}
	if decoded.Error != nil {
		return nil, errors.NewTransientError(fmt.Errorf("%s: %s", decoded.Error.Type, decoded.Error.Message), "provider returned an inline error")
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s: chat response has no choices", p.name)
	}

	choice := decoded.Choices[0].Message
	out := &llmport.ChatResponse{
		Text:    choice.Content,
		TraceID: decoded.ID,
		Usage: llmport.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		args, repairErr := RepairJSON(tc.Function.Arguments)
		if repairErr != nil {
			p.log.Warn("%s: dropping unparseable tool call arguments for %s: %v", p.name, tc.Function.Name, repairErr)
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			p.log.Warn("%s: tool call %s arguments did not decode to an object: %v", p.name, tc.Function.Name, err)
			continue
		}
		out.ToolCalls = append(out.ToolCalls, llmport.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: parsed})
	}

	if onChunk != nil {
		onChunk(llmport.Chunk{Kind: llmport.ChunkComplete, Final: out})
	}
	return out, nil
}

// Embed is not supported by the plain chat/completions surface; memory
// recall is an external collaborator and never calls through this path in
// the core's own test suite.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	return nil, fmt.Errorf("%s: embeddings not supported by this provider", p.name)
}

func convertMessages(msgs []llmport.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func convertTools(tools []llmport.ToolSchema) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
