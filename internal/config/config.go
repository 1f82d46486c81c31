// Package config loads the single configuration document the coordination
// core reads at startup (§6.5): a YAML file layered with environment
// variable and CLI flag overrides via viper, matching the teacher's
// cobra+viper front door.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RuntimeConfig controls the supervisor mode and lazy-launch behavior.
type RuntimeConfig struct {
	Mode         string   `yaml:"mode,omitempty"` // process | lazy | in_process
	AlwaysOn     []string `yaml:"always_on,omitempty"`
	IdleShutdown Duration `yaml:"idle_shutdown,omitempty"`
}

// ResilienceSettings mirrors modelclient.ResilienceConfig's tunables as they
// appear in the configuration document.
type ResilienceSettings struct {
	BaseDelay               Duration `yaml:"base_delay,omitempty"`
	MaxDelay                Duration `yaml:"max_delay,omitempty"`
	Jitter                  Duration `yaml:"jitter,omitempty"`
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerCooldown  Duration `yaml:"circuit_breaker_cooldown,omitempty"`
}

// ProviderSettings describes one entry under provider_router.providers.
type ProviderSettings struct {
	Name            string   `yaml:"name"`
	Priority        int      `yaml:"priority,omitempty"`
	Models          []string `yaml:"models,omitempty"`
	APIKeyEnv       []string `yaml:"api_key_env,omitempty"`
	// BaseURL overrides the provider's default chat/completions endpoint,
	// per §6.1's "base URL override" (self-hosted gateways, OpenRouter,
	// Azure-style deployments).
	BaseURL         string  `yaml:"base_url,omitempty"`
	CostPer1kTokens float64 `yaml:"cost_per_1k_tokens,omitempty"`
	ProbeInterval   Duration `yaml:"probe_interval,omitempty"`
}

// ProviderRouterSettings configures the Resilient Model Client's router.
type ProviderRouterSettings struct {
	Enabled       bool               `yaml:"enabled,omitempty"`
	Strategy      string             `yaml:"strategy,omitempty"`
	Preferred     string             `yaml:"preferred,omitempty"`
	ProbeInterval Duration           `yaml:"probe_interval,omitempty"`
	Providers     []ProviderSettings `yaml:"providers,omitempty"`
	// BudgetUSD caps cumulative model spend across every provider; <=0 means
	// unlimited. Enforced by modelclient.UsageLedger.
	BudgetUSD float64 `yaml:"budget_usd,omitempty"`
}

// AgentSettings describes one entry under agents[*].
type AgentSettings struct {
	ID             string   `yaml:"id"`
	Role           string   `yaml:"role"`
	Model          string   `yaml:"model,omitempty"`
	FallbackModels []string `yaml:"fallback_models,omitempty"`
	Skills         []string `yaml:"skills,omitempty"`
	Tools          []string `yaml:"tools,omitempty"`
	MinReputation  int      `yaml:"min_reputation,omitempty"`
}

// CompactionSettings configures prompt-window trimming external to the
// core's own budget enforcement, carried per §6.5.
type CompactionSettings struct {
	Enabled       bool `yaml:"enabled,omitempty"`
	TargetTokens  int  `yaml:"target_tokens,omitempty"`
	TriggerTokens int  `yaml:"trigger_tokens,omitempty"`
}

// Config is the full recognized configuration document.
type Config struct {
	Runtime        RuntimeConfig          `yaml:"runtime,omitempty"`
	Resilience     ResilienceSettings     `yaml:"resilience,omitempty"`
	ProviderRouter ProviderRouterSettings `yaml:"provider_router,omitempty"`
	Agents         []AgentSettings        `yaml:"agents"`
	MaxIdleCycles  int                    `yaml:"max_idle_cycles,omitempty"`
	Compaction     CompactionSettings     `yaml:"compaction,omitempty"`
	WorkDir        string                 `yaml:"work_dir,omitempty"`
}

// Duration unmarshals YAML duration strings ("120s", "5m") into time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// applyDefaults applies §4.9/§4.1/§4.8 defaults for any field left unset.
func (c *Config) applyDefaults() {
	if c.Runtime.Mode == "" {
		c.Runtime.Mode = "lazy"
	}
	if c.Runtime.IdleShutdown == 0 {
		c.Runtime.IdleShutdown = Duration(5 * time.Minute)
	}
	if c.Resilience.BaseDelay == 0 {
		c.Resilience.BaseDelay = Duration(time.Second)
	}
	if c.Resilience.MaxDelay == 0 {
		c.Resilience.MaxDelay = Duration(30 * time.Second)
	}
	if c.Resilience.Jitter == 0 {
		c.Resilience.Jitter = Duration(500 * time.Millisecond)
	}
	if c.Resilience.CircuitBreakerThreshold == 0 {
		c.Resilience.CircuitBreakerThreshold = 3
	}
	if c.Resilience.CircuitBreakerCooldown == 0 {
		c.Resilience.CircuitBreakerCooldown = Duration(120 * time.Second)
	}
	if c.ProviderRouter.Strategy == "" {
		c.ProviderRouter.Strategy = "preference"
	}
	if c.MaxIdleCycles == 0 {
		c.MaxIdleCycles = 30
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
}

// Load reads the YAML document at path (if non-empty and present), layers
// SWARMCORE_* environment variable overrides, and binds flags for any value
// the caller passed a populated flag set for. Scalar overrides recognized by
// viper (runtime.mode, runtime.idle_shutdown, max_idle_cycles, and similar
// leaf keys) take precedence over the file; nested list structures such as
// agents[*] are only ever sourced from the YAML document itself.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWARMCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyScalarOverrides(v, cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func applyScalarOverrides(v *viper.Viper, cfg *Config) {
	if v.IsSet("runtime.mode") {
		cfg.Runtime.Mode = v.GetString("runtime.mode")
	}
	if v.IsSet("runtime.idle_shutdown") {
		cfg.Runtime.IdleShutdown = Duration(v.GetDuration("runtime.idle_shutdown"))
	}
	if v.IsSet("max_idle_cycles") {
		cfg.MaxIdleCycles = v.GetInt("max_idle_cycles")
	}
	if v.IsSet("provider_router.strategy") {
		cfg.ProviderRouter.Strategy = v.GetString("provider_router.strategy")
	}
	if v.IsSet("work_dir") {
		cfg.WorkDir = v.GetString("work_dir")
	}
}
