// Package modelclient implements the Resilient Model Client (C9): a
// provider router wrapping per-provider retry, circuit breaking, credential
// rotation, and usage accounting around the abstract llmport.Provider.
package modelclient

import "time"

// Strategy selects among healthy providers.
type Strategy string

const (
	StrategyLatency    Strategy = "latency"
	StrategyCost       Strategy = "cost"
	StrategyPreference Strategy = "preference"
	StrategyRoundRobin Strategy = "round_robin"
)

// ResilienceConfig tunes retry and circuit-breaker behavior, matching the
// defaults in §4.9.
type ResilienceConfig struct {
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	Jitter                  time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	MaxAttemptsPerModel     int
}

// DefaultResilienceConfig returns the §4.9 defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		BaseDelay:               time.Second,
		MaxDelay:                30 * time.Second,
		Jitter:                  500 * time.Millisecond,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  120 * time.Second,
		MaxAttemptsPerModel:     3,
	}
}

// ProviderConfig describes one registered provider.
type ProviderConfig struct {
	Name            string
	Priority        int // lower is preferred under StrategyPreference
	PrimaryModel    string
	FallbackModels  []string
	APIKeys         []string // cursor advanced round-robin once per model tried, whatever the error
	CostPer1kTokens float64
	ProbeInterval   time.Duration
}
