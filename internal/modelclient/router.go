package modelclient

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"swarmcore/internal/errors"
	"swarmcore/internal/llmport"
	"swarmcore/internal/logging"
)

// healthCacheSize bounds the router's per-provider health snapshot cache.
// Fleets in practice register a handful of providers; this is generous
// headroom rather than a tuned ceiling.
const healthCacheSize = 64

// ProviderSnapshot is a point-in-time health read for one registered
// provider, cheap to hand to callers (metrics, /healthz) without taking the
// provider's own lock.
type ProviderSnapshot struct {
	Name         string
	BreakerState errors.CircuitState
	LatencyEMA   time.Duration
}

// registeredProvider pairs a concrete llmport.Provider with its routing
// config and health bookkeeping.
type registeredProvider struct {
	cfg      ProviderConfig
	provider llmport.Provider
	breaker  *errors.CircuitBreaker

	mu          sync.Mutex
	latencyEMA  time.Duration
	lastError   time.Time
	keyCursor   int
	lastProbeAt time.Time
}

func (p *registeredProvider) nextAPIKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cfg.APIKeys) == 0 {
		return ""
	}
	key := p.cfg.APIKeys[p.keyCursor%len(p.cfg.APIKeys)]
	p.keyCursor++
	return key
}

func (p *registeredProvider) recordLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latencyEMA == 0 {
		p.latencyEMA = d
		return
	}
	// Standard fast-moving EMA (alpha=0.3), enough to prefer recently-fast
	// providers without being whipsawed by a single slow call.
	p.latencyEMA = time.Duration(0.7*float64(p.latencyEMA) + 0.3*float64(d))
}

// Router selects among registered providers using the configured strategy,
// skipping any whose circuit breaker is open.
type Router struct {
	strategy  Strategy
	resilCfg  ResilienceConfig
	log       logging.Logger
	mu        sync.Mutex
	providers []*registeredProvider
	rrCursor  int
	health    *lru.Cache[string, ProviderSnapshot]
}

// NewRouter creates a router over no providers; call Register for each one.
func NewRouter(strategy Strategy, resilCfg ResilienceConfig) *Router {
	health, _ := lru.New[string, ProviderSnapshot](healthCacheSize)
	return &Router{
		strategy: strategy,
		resilCfg: resilCfg,
		log:      logging.Get("modelclient"),
		health:   health,
	}
}

// Snapshot returns the most recently cached health read for a registered
// provider, refreshed on every candidates() and Probe() pass.
func (r *Router) Snapshot(name string) (ProviderSnapshot, bool) {
	return r.health.Get(name)
}

// ProviderMetrics returns each registered provider's circuit breaker
// statistics, for the admin-facing provider health surface (§6.2's generic
// admin channel: operators need to see which providers are tripped without
// reading the breaker's internal state directly).
func (r *Router) ProviderMetrics() []errors.CircuitBreakerMetrics {
	r.mu.Lock()
	providers := append([]*registeredProvider{}, r.providers...)
	r.mu.Unlock()

	out := make([]errors.CircuitBreakerMetrics, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.breaker.Metrics())
	}
	return out
}

// ResetProvider manually closes the named provider's circuit breaker,
// letting an operator recover a provider the breaker judged unhealthy
// without waiting out its cooldown. Returns false if no provider is
// registered under that name.
func (r *Router) ResetProvider(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p.cfg.Name == name {
			p.breaker.Reset()
			return true
		}
	}
	return false
}

func (r *Router) cacheSnapshot(p *registeredProvider) {
	p.mu.Lock()
	snap := ProviderSnapshot{Name: p.cfg.Name, BreakerState: p.breaker.State(), LatencyEMA: p.latencyEMA}
	p.mu.Unlock()
	r.health.Add(p.cfg.Name, snap)
}

// Register adds provider under cfg, wiring a dedicated circuit breaker that
// opens after CircuitBreakerThreshold consecutive failures, stays open for
// CircuitBreakerCooldown, and closes on the first half-open success. While
// half-open the breaker admits every request, not a single probe.
func (r *Router) Register(cfg ProviderConfig, provider llmport.Provider) {
	breaker := errors.NewCircuitBreaker(cfg.Name, errors.CircuitBreakerConfig{
		FailureThreshold: r.resilCfg.CircuitBreakerThreshold,
		SuccessThreshold: 1,
		Timeout:          r.resilCfg.CircuitBreakerCooldown,
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, &registeredProvider{cfg: cfg, provider: provider, breaker: breaker})
}

// candidates returns registered providers whose breaker currently admits a
// request, ordered per the router's strategy.
func (r *Router) candidates(ctx context.Context) []*registeredProvider {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open []*registeredProvider
	for _, p := range r.providers {
		r.cacheSnapshot(p)
		if p.breaker.Allow() == nil {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return nil
	}

	switch r.strategy {
	case StrategyCost:
		sort.SliceStable(open, func(i, j int) bool {
			return open[i].cfg.CostPer1kTokens < open[j].cfg.CostPer1kTokens
		})
	case StrategyPreference:
		sort.SliceStable(open, func(i, j int) bool {
			return open[i].cfg.Priority < open[j].cfg.Priority
		})
	case StrategyRoundRobin:
		if len(open) > 0 {
			r.rrCursor = (r.rrCursor + 1) % len(open)
			rotated := append(append([]*registeredProvider{}, open[r.rrCursor:]...), open[:r.rrCursor]...)
			open = rotated
		}
	default: // StrategyLatency
		sort.SliceStable(open, func(i, j int) bool {
			return open[i].latencyEMA < open[j].latencyEMA
		})
	}
	return open
}

// Probe runs a lightweight health check against every registered provider
// whose ProbeInterval has elapsed, marking the breaker accordingly. Intended
// to be called on a periodic ticker by the owning Client.
func (r *Router) Probe(ctx context.Context, check func(context.Context, llmport.Provider) error) {
	r.mu.Lock()
	providers := append([]*registeredProvider{}, r.providers...)
	r.mu.Unlock()

	now := time.Now()
	for _, p := range providers {
		p.mu.Lock()
		due := p.cfg.ProbeInterval > 0 && now.Sub(p.lastProbeAt) >= p.cfg.ProbeInterval
		if due {
			p.lastProbeAt = now
		}
		p.mu.Unlock()
		if !due {
			continue
		}
		err := check(ctx, p.provider)
		if err != nil {
			p.breaker.Mark(err)
			r.log.Warn("health probe failed for provider %s: %v", p.cfg.Name, err)
			r.cacheSnapshot(p)
			continue
		}
		p.breaker.Mark(nil)
		r.cacheSnapshot(p)
	}
}
