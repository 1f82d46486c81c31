package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"swarmcore/internal/errors"
	"swarmcore/internal/llmport"
	"swarmcore/internal/logging"
)

// Client is the Resilient Model Client: it wraps a Router of registered
// llmport.Provider instances with per-model retry, provider fallback,
// credential rotation, usage accounting, and a tool-call JSON repair pass.
// Client itself implements llmport.Provider so it is a drop-in for callers
// that only need one resilient endpoint.
type Client struct {
	router *Router
	resil  ResilienceConfig
	usage  *UsageLedger
	log    logging.Logger
}

// NewClient builds a Client over router, enforcing resil's retry/backoff
// policy and recording accounted usage to ledger (nil disables accounting).
func NewClient(router *Router, resil ResilienceConfig, ledger *UsageLedger) *Client {
	return &Client{router: router, resil: resil, usage: ledger, log: logging.Get("modelclient")}
}

// Name identifies this client as a routing façade, not a single provider.
func (c *Client) Name() string { return "modelclient" }

// Router exposes the underlying provider router so callers (the HTTP admin
// surface, the status CLI) can read or reset per-provider breaker health
// without reaching into Client's retry/fallback internals.
func (c *Client) Router() *Router { return c.router }

// modelChain returns the ordered list of models to attempt for provider:
// its configured primary, then each fallback in order.
func modelChain(cfg ProviderConfig) []string {
	return append([]string{cfg.PrimaryModel}, cfg.FallbackModels...)
}

// Chat satisfies llmport.Provider. It tries each healthy provider under the
// router's strategy in turn; within a provider it tries the primary model
// then its fallback chain, each up to resil.MaxAttemptsPerModel attempts
// with exponential backoff. A provider is abandoned (moving to the next
// candidate) once every model in its chain has exhausted its attempts
// without success. The router's credential cursor (nextAPIKey) advances once
// per model tried, whatever the error; the key actually sent is chosen by the
// provider's own key source, and rotation is not tied to rate-limit errors.
// Once the usage ledger's recorded spend exceeds its budget, Chat fails
// without calling any provider, returning a PermanentError that wraps
// ErrBudgetExceeded.
func (c *Client) Chat(ctx context.Context, req llmport.ChatRequest, onChunk func(llmport.Chunk)) (*llmport.ChatResponse, error) {
	if c.usage != nil {
		if err := c.usage.CheckBudget(0); err != nil {
			return nil, err
		}
	}
	candidates := c.router.candidates(ctx)
	if len(candidates) == 0 {
		return nil, errors.NewTransientError(fmt.Errorf("no healthy model providers available"), "all configured providers are currently circuit-broken; retry shortly")
	}

	var lastErr error
	for _, p := range candidates {
		resp, err := c.tryProvider(ctx, p, req, onChunk)
		if err == nil {
			c.recordUsage(ctx, p.cfg, resp)
			resp = c.recoverToolCalls(req, resp)
			return resp, nil
		}
		lastErr = err
		c.log.Warn("provider %s exhausted, falling back: %v", p.cfg.Name, err)
	}
	return nil, fmt.Errorf("all model providers exhausted: %w", lastErr)
}

func (c *Client) tryProvider(ctx context.Context, p *registeredProvider, req llmport.ChatRequest, onChunk func(llmport.Chunk)) (*llmport.ChatResponse, error) {
	retryCfg := errors.RetryConfig{
		MaxAttempts:  c.resil.MaxAttemptsPerModel - 1,
		BaseDelay:    c.resil.BaseDelay,
		MaxDelay:     c.resil.MaxDelay,
		JitterFactor: jitterFactor(c.resil),
	}

	var lastErr error
	for _, model := range modelChain(p.cfg) {
		modelReq := req
		modelReq.Model = model

		resp, cbErr := errors.ExecuteFunc(p.breaker, ctx, func(ctx context.Context) (*llmport.ChatResponse, error) {
			start := time.Now()
			_ = p.nextAPIKey() // advance the router's credential cursor once per model
			r, err := errors.RetryWithResultAndLog(ctx, retryCfg, func(ctx context.Context) (*llmport.ChatResponse, error) {
				return p.provider.Chat(ctx, modelReq, onChunk)
			}, c.log)
			if err == nil {
				p.recordLatency(time.Since(start))
			}
			return r, err
		})
		if cbErr == nil {
			return resp, nil
		}
		lastErr = cbErr
		c.log.Debug("model %s on provider %s failed: %v", model, p.cfg.Name, cbErr)
	}
	return nil, fmt.Errorf("provider %s: all models in chain failed: %w", p.cfg.Name, lastErr)
}

func jitterFactor(r ResilienceConfig) float64 {
	if r.BaseDelay <= 0 {
		return 0.25
	}
	return float64(r.Jitter) / float64(r.BaseDelay)
}

func (c *Client) recordUsage(ctx context.Context, cfg ProviderConfig, resp *llmport.ChatResponse) {
	if c.usage == nil || resp == nil {
		return
	}
	cost := float64(resp.Usage.TotalTokens) / 1000.0 * cfg.CostPer1kTokens
	if err := c.usage.CheckBudget(cost); err != nil {
		c.log.Warn("usage recorded past budget check for provider %s: %v", cfg.Name, err)
	}
	rec := UsageRecord{
		Provider:         cfg.Name,
		Model:            resp.TraceID,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}
	if err := c.usage.Record(ctx, rec); err != nil {
		c.log.Warn("failed to append usage record: %v", err)
	}
}

var embeddedJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

// recoverToolCalls runs when a tool-enabled request came back with no
// structured tool calls: some providers fall back to emitting the call as
// JSON embedded in the text response rather than a native function call.
// This recovers that case via a best-effort repair pass instead of silently
// dropping the model's intended action.
func (c *Client) recoverToolCalls(req llmport.ChatRequest, resp *llmport.ChatResponse) *llmport.ChatResponse {
	if resp == nil || len(req.Tools) == 0 || len(resp.ToolCalls) > 0 {
		return resp
	}
	match := embeddedJSONPattern.FindString(resp.Text)
	if match == "" {
		return resp
	}
	repaired, err := RepairJSON(match)
	if err != nil {
		return resp
	}
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(repaired), &call); err != nil || call.Name == "" {
		return resp
	}
	resp.ToolCalls = append(resp.ToolCalls, llmport.ToolCall{Name: call.Name, Arguments: call.Arguments})
	return resp
}

// Embed delegates to the first healthy provider that returns without error.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	candidates := c.router.candidates(ctx)
	var lastErr error
	for _, p := range candidates {
		vecs, err := p.provider.Embed(ctx, texts, model)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embed: all providers failed: %w", lastErr)
}
