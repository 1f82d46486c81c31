package modelclient

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/llmport"
)

// fakeProvider is a scripted llmport.Provider for exercising retry/fallback.
type fakeProvider struct {
	name string
	// failModels fails every call for the named model until it has been
	// called failCount times total across the whole provider.
	failUntil  int32
	calls      int32
	reply      string
	embedErr   error
	chatErr    error
	perModelOK map[string]bool
}

func (f *fakeProvider) Chat(ctx context.Context, req llmport.ChatRequest, onChunk func(llmport.Chunk)) (*llmport.ChatResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.perModelOK != nil {
		if !f.perModelOK[req.Model] {
			return nil, fmt.Errorf("model %s unavailable", req.Model)
		}
		return &llmport.ChatResponse{Text: f.reply, TraceID: req.Model}, nil
	}
	if n <= f.failUntil {
		return nil, f.chatErr
	}
	return &llmport.ChatResponse{Text: f.reply, TraceID: req.Model, Usage: llmport.Usage{TotalTokens: 100}}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return [][]float64{{1, 2, 3}}, nil
}

func (f *fakeProvider) Name() string { return f.name }

func fastResilience() ResilienceConfig {
	return ResilienceConfig{
		BaseDelay:               time.Millisecond,
		MaxDelay:                5 * time.Millisecond,
		Jitter:                  0,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  50 * time.Millisecond,
		MaxAttemptsPerModel:     3,
	}
}

func TestChat_FallsBackToSecondModelWhenPrimaryUnavailable(t *testing.T) {
	fp := &fakeProvider{name: "acme", reply: "hi", perModelOK: map[string]bool{"small": true}}
	router := NewRouter(StrategyPreference, fastResilience())
	router.Register(ProviderConfig{Name: "acme", PrimaryModel: "big", FallbackModels: []string{"small"}}, fp)

	client := NewClient(router, fastResilience(), nil)
	resp, err := client.Chat(context.Background(), llmport.ChatRequest{Messages: []llmport.Message{{Role: llmport.RoleUser, Content: "hi"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "small", resp.TraceID)
}

func TestChat_RoutesAroundBrokenProviderToHealthyOne(t *testing.T) {
	broken := &fakeProvider{name: "broken", chatErr: fmt.Errorf("permanent failure: invalid request"), failUntil: 999}
	healthy := &fakeProvider{name: "healthy", reply: "ok", perModelOK: map[string]bool{"m1": true}}

	cfg := fastResilience()
	router := NewRouter(StrategyPreference, cfg)
	router.Register(ProviderConfig{Name: "broken", Priority: 0, PrimaryModel: "m1"}, broken)
	router.Register(ProviderConfig{Name: "healthy", Priority: 1, PrimaryModel: "m1"}, healthy)

	client := NewClient(router, cfg, nil)
	ctx := context.Background()

	// Trip the broken provider's breaker across several calls.
	for i := 0; i < cfg.CircuitBreakerThreshold+1; i++ {
		_, _ = client.Chat(ctx, llmport.ChatRequest{Model: "m1"}, nil)
	}

	resp, err := client.Chat(ctx, llmport.ChatRequest{Model: "m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.TraceID)
}

func TestChat_RecordsUsageAgainstLedger(t *testing.T) {
	fp := &fakeProvider{name: "acme", reply: "hi", perModelOK: map[string]bool{"m1": true}}
	cfg := fastResilience()
	router := NewRouter(StrategyPreference, cfg)
	router.Register(ProviderConfig{Name: "acme", PrimaryModel: "m1", CostPer1kTokens: 0.01}, fp)

	ledger := NewUsageLedger(filepath.Join(t.TempDir(), "usage.jsonl"), 0)
	client := NewClient(router, cfg, ledger)

	_, err := client.Chat(context.Background(), llmport.ChatRequest{Model: "m1"}, nil)
	require.NoError(t, err)

	total, err := ledger.Total(context.Background())
	require.NoError(t, err)
	assert.Greater(t, total, 0.0)
}

func TestUsageLedger_CheckBudgetRejectsOverage(t *testing.T) {
	ledger := NewUsageLedger(filepath.Join(t.TempDir(), "usage.jsonl"), 1.0)
	require.NoError(t, ledger.Record(context.Background(), UsageRecord{CostUSD: 0.9}))

	err := ledger.CheckBudget(0.2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestRouter_NoHealthyProvidersReturnsTransientError(t *testing.T) {
	cfg := fastResilience()
	cfg.CircuitBreakerThreshold = 1
	router := NewRouter(StrategyPreference, cfg)
	broken := &fakeProvider{name: "broken", chatErr: fmt.Errorf("boom"), failUntil: 999}
	router.Register(ProviderConfig{Name: "broken", PrimaryModel: "m1"}, broken)

	client := NewClient(router, cfg, nil)
	ctx := context.Background()
	_, _ = client.Chat(ctx, llmport.ChatRequest{Model: "m1"}, nil)
	_, _ = client.Chat(ctx, llmport.ChatRequest{Model: "m1"}, nil)

	_, err := client.Chat(ctx, llmport.ChatRequest{Model: "m1"}, nil)
	require.Error(t, err)
}

func TestRepairJSON_FixesTrailingComma(t *testing.T) {
	repaired, err := RepairJSON(`{"a": 1, "b": 2,}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1, "b": 2}`, repaired)
}

func TestRepairJSON_PassesThroughValidInput(t *testing.T) {
	repaired, err := RepairJSON(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, repaired)
}
