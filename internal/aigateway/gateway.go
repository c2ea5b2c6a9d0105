package aigateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/altvane/tradepilot/internal/config"
	"github.com/altvane/tradepilot/internal/metrics"
	"github.com/altvane/tradepilot/internal/ratelimit"
)

// ErrNoFallback is returned when a call is skipped and canned defaults are
// disabled for this deployment
var ErrNoFallback = errors.New("call skipped and no fallback available")

// Service is the cost-optimization gateway: the only path to an LLM.
type Service struct {
	cfg         config.AIConfig
	sampler     *Sampler
	respCache   *ResponseCache
	promptCache *PromptCache
	costs       *CostTracker
	provider    Provider
	breaker     *gobreaker.CircuitBreaker
	limiter     *ratelimit.Limiter
	gate        *eventGate
	prom        *metrics.Core
	log         zerolog.Logger

	onBudget func(context.Context, BudgetEvent)
}

// NewService wires the full gateway pipeline
func NewService(cfg config.AIConfig, client *redis.Client, provider Provider, sampling map[string]config.SamplingConfig, limiter *ratelimit.Limiter) *Service {
	logger := log.With().Str("component", "aigateway").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
		},
	})

	return &Service{
		cfg:         cfg,
		sampler:     NewSampler(sampling),
		respCache:   NewResponseCache(client),
		promptCache: NewPromptCache(client),
		costs:       NewCostTracker(client, cfg),
		provider:    provider,
		breaker:     breaker,
		limiter:     limiter,
		gate:        newEventGate(),
		prom:        metrics.GetCore(),
		log:         logger,
	}
}

// Sampler exposes the sampler for monitoring
func (s *Service) Sampler() *Sampler { return s.sampler }

// Costs exposes the cost tracker for reporting and shutdown flushes
func (s *Service) Costs() *CostTracker { return s.costs }

// PromptCache exposes the prompt-fragment cache to prompt builders
func (s *Service) PromptCache() *PromptCache { return s.promptCache }

// OnBudgetEvent registers the callback invoked for every crossed budget
// line. Register before the first CallAI; the gateway invokes it inline.
func (s *Service) OnBudgetEvent(fn func(context.Context, BudgetEvent)) {
	s.onBudget = fn
}

// cacheQuery is the canonical query object hashed into cache keys
func cacheQuery(req CallRequest) map[string]any {
	q := map[string]any{
		"prompt": req.Prompt,
	}
	if req.Symbol != "" {
		q["symbol"] = req.Symbol
	}
	if len(req.Context) > 0 {
		q["context"] = req.Context
	}
	return q
}

func (s *Service) validate(req CallRequest) error {
	if req.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if _, ok := responseTTLs[req.ResponseType]; !ok {
		return fmt.Errorf("unknown response_type %q", req.ResponseType)
	}
	return nil
}

// CallAI runs the full pipeline: sampler, response cache, provider, cost
// tracker. The first winning stage returns.
func (s *Service) CallAI(ctx context.Context, req CallRequest) (*CallResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	query := cacheQuery(req)

	// Stage 1: smart sampler
	if proceed, reason := s.sampler.Decide(req.AgentType, req.Symbol, req.Context); !proceed {
		s.prom.AICallsSaved.Inc()
		s.prom.AICalls.WithLabelValues(string(req.AgentType), "skipped").Inc()
		return s.fallback(ctx, req, query, reason)
	}

	// Stage 2: response cache
	if !req.SkipCache {
		if cached, ok := s.respCache.Get(ctx, req.ResponseType, query); ok {
			s.prom.AICallsSaved.Inc()
			s.prom.AICalls.WithLabelValues(string(req.AgentType), "hit").Inc()
			return &CallResult{Response: cached, CacheHit: true}, nil
		}
	}

	// Cross-process rate limit guards the provider like a local 429
	if s.limiter != nil && !s.limiter.Allow(ctx, "ai:"+string(req.AgentType)) {
		s.prom.AIRateLimits.Inc()
		s.sampler.RecordRateLimit()
		return s.fallback(ctx, req, query, "rate_limited")
	}

	// Stage 4: provider call
	temperature := req.Temperature
	if temperature == 0 {
		temperature = s.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.MaxTokens
	}

	resp, err := s.generate(ctx, PromptRequest{
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.Prompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.prom.AIRateLimits.Inc()
			s.sampler.RecordRateLimit()
			return s.fallback(ctx, req, query, "provider_rate_limited")
		}
		s.sampler.RecordError()
		s.prom.AICalls.WithLabelValues(string(req.AgentType), "error").Inc()
		return nil, fmt.Errorf("ai call for %s: %w", req.AgentType, err)
	}

	s.sampler.RecordSuccess()
	s.sampler.MarkCalled(req.AgentType, req.Symbol)
	s.prom.AICalls.WithLabelValues(string(req.AgentType), "miss").Inc()

	// Stage 5: cost tracking; aggregation failure must not fail the call
	costInfo, err := s.costs.Track(ctx, req.AgentType, resp.Usage)
	if err != nil {
		s.log.Warn().Err(err).Msg("Cost aggregation failed")
	}
	budgetEvents, err := s.costs.CheckBudget(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("Budget check failed")
	}
	if s.onBudget != nil {
		for _, evt := range budgetEvents {
			s.onBudget(ctx, evt)
		}
	}

	if err := s.respCache.Set(ctx, req.ResponseType, query, resp.Text); err != nil {
		s.log.Debug().Err(err).Msg("Response cache write failed")
	}

	return &CallResult{
		Response: resp.Text,
		CostInfo: costInfo,
		Sampled:  true,
	}, nil
}

func (s *Service) generate(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.provider.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*PromptResponse), nil
}

// fallback resolves a skipped call: response cache first, then the canned
// per-agent-type default when configured.
func (s *Service) fallback(ctx context.Context, req CallRequest, query map[string]any, reason string) (*CallResult, error) {
	if cached, ok := s.respCache.Get(ctx, req.ResponseType, query); ok {
		return &CallResult{
			Response:   cached,
			CacheHit:   true,
			SkipReason: reason,
		}, nil
	}

	if s.cfg.AllowDefaultOnSkip {
		if canned, ok := defaultFor(req.AgentType); ok {
			return &CallResult{
				Response:   canned,
				SkipReason: reason,
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s (%s)", ErrNoFallback, req.AgentType, reason)
}
