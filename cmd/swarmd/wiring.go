package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"swarmcore/internal/board"
	"swarmcore/internal/bus"
	"swarmcore/internal/config"
	"swarmcore/internal/mailbox"
	"swarmcore/internal/modelclient"
	"swarmcore/internal/orchestrator"
	"swarmcore/internal/subtask"
	"swarmcore/internal/wakeup"
)

// coreLayout collects the filesystem paths every supervisor-facing
// subcommand agrees on under a single work_dir, matching the shared-resource
// layout the worker and httpapi test rigs already assume.
type coreLayout struct {
	workDir string
}

func newCoreLayout(cfg *config.Config) coreLayout {
	return coreLayout{workDir: cfg.WorkDir}
}

func (l coreLayout) path(name string) string { return filepath.Join(l.workDir, name) }

func (l coreLayout) boardPath() string     { return l.path("task_board.json") }
func (l coreLayout) subtasksPath() string  { return l.path("subtasks.json") }
func (l coreLayout) mailboxDir() string    { return l.path("mailboxes") }
func (l coreLayout) contextBusPath() string { return l.path("context_bus.json") }
func (l coreLayout) signalsDir() string    { return l.path(".task_signals") }
func (l coreLayout) heartbeatDir() string  { return l.path("heartbeats") }
func (l coreLayout) usageLedgerPath() string { return l.path(filepath.Join("logs", "usage.jsonl")) }

// loadConfig reads --config (falling back to no file, all defaults) and
// applies --work-dir if the caller set it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if workDir, _ := cmd.Flags().GetString("work-dir"); workDir != "" {
		cfg.WorkDir = workDir
	}
	return cfg, nil
}

// coreHandles bundles the shared-state collaborators every worker and the
// HTTP front door are constructed over.
type coreHandles struct {
	layout     coreLayout
	board      *board.Board
	mailboxes  *mailbox.Mailboxes
	contextBus *bus.Bus
	wake       *wakeup.Bus
	registry   *subtask.Registry
	orch       *orchestrator.Orchestrator
}

// buildCore wires the Board/Mailboxes/ContextBus/WakeupBus/Registry/
// Orchestrator stack for a given configuration document. It is shared by
// serve (which owns the whole process) and agent (a single worker that
// still needs the same shared-state handles).
func buildCore(ctx context.Context, cfg *config.Config) (*coreHandles, error) {
	layout := newCoreLayout(cfg)

	b := board.NewDefault(layout.boardPath())
	if err := b.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("board schema: %w", err)
	}

	cbus := bus.New(layout.contextBusPath())
	if err := cbus.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("context bus schema: %w", err)
	}

	mb := mailbox.New(layout.mailboxDir())
	wake := wakeup.New(layout.signalsDir())
	registry := subtask.NewRegistry(layout.subtasksPath())

	orch := orchestrator.New(b, registry, mb, wake, orchestrator.Config{
		TaskTimeout:      600 * time.Second,
		PollInterval:     2 * time.Second,
		ProgressInterval: 30 * time.Second,
		ReviewerAgents:   reviewerAgents(cfg),
	})

	return &coreHandles{
		layout:     layout,
		board:      b,
		mailboxes:  mb,
		contextBus: cbus,
		wake:       wake,
		registry:   registry,
		orch:       orch,
	}, nil
}

func reviewerAgents(cfg *config.Config) []string {
	var out []string
	for _, a := range cfg.Agents {
		if a.Role == "review" {
			out = append(out, a.ID)
		}
	}
	return out
}

// buildModelClient wires a Resilient Model Client over every configured
// provider, registering a concrete OpenAIProvider per entry. API keys are
// read once, when the client is built, from the environment variables named
// in ProviderSettings.APIKeyEnv; a changed variable takes effect only after a
// restart.
func buildModelClient(cfg *config.Config) *modelclient.Client {
	layout := newCoreLayout(cfg)
	ledger := modelclient.NewUsageLedger(layout.usageLedgerPath(), cfg.ProviderRouter.BudgetUSD)

	strategy := modelclient.Strategy(cfg.ProviderRouter.Strategy)
	resil := modelclient.ResilienceConfig{
		BaseDelay:               cfg.Resilience.BaseDelay.Std(),
		MaxDelay:                cfg.Resilience.MaxDelay.Std(),
		Jitter:                  cfg.Resilience.Jitter.Std(),
		CircuitBreakerThreshold: cfg.Resilience.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  cfg.Resilience.CircuitBreakerCooldown.Std(),
		MaxAttemptsPerModel:     modelclient.DefaultResilienceConfig().MaxAttemptsPerModel,
	}
	router := modelclient.NewRouter(strategy, resil)

	for _, p := range cfg.ProviderRouter.Providers {
		var models []string
		if len(p.Models) > 0 {
			models = p.Models
		}
		primary := ""
		var fallback []string
		if len(models) > 0 {
			primary = models[0]
			fallback = models[1:]
		}
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		provider := modelclient.NewOpenAIProvider(p.Name, baseURL, apiKeyRotator(p.APIKeyEnv))
		router.Register(modelclient.ProviderConfig{
			Name:            p.Name,
			Priority:        p.Priority,
			PrimaryModel:    primary,
			FallbackModels:  fallback,
			APIKeys:         resolveAPIKeys(p.APIKeyEnv),
			CostPer1kTokens: p.CostPer1kTokens,
			ProbeInterval:   p.ProbeInterval.Std(),
		}, provider)
	}

	return modelclient.NewClient(router, resil, ledger)
}

// resolveAPIKeys reads one secret per named environment variable, skipping
// any that are unset so a partially-configured key list doesn't register
// empty-string credentials.
func resolveAPIKeys(envNames []string) []string {
	var keys []string
	for _, name := range envNames {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// apiKeyRotator returns a closure that round-robins across the resolved API
// keys on every call, so each retry/fallback attempt in the Resilient Model
// Client presents the next credential in turn.
func apiKeyRotator(envNames []string) func() string {
	keys := resolveAPIKeys(envNames)
	var cursor int
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if len(keys) == 0 {
			return ""
		}
		key := keys[cursor%len(keys)]
		cursor++
		return key
	}
}
