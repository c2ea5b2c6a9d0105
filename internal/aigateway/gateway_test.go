package aigateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altvane/tradepilot/internal/config"
)

// fakeProvider runs an httptest chat-completion endpoint and counts calls
type fakeProvider struct {
	server *httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

func newFakeProvider(t *testing.T, reply string) (*fakeProvider, Provider) {
	t.Helper()
	f := &fakeProvider{}
	f.status.Store(http.StatusOK)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if code := int(f.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
			"usage": map[string]any{
				"prompt_tokens":     100,
				"completion_tokens": 50,
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(f.server.Close)

	provider := NewChatProvider(ProviderConfig{
		Endpoint: f.server.URL,
		Model:    "test-model",
	})
	return f, provider
}

func gatewayFixture(t *testing.T, reply string, sampling map[string]config.SamplingConfig) (*Service, *fakeProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fake, provider := newFakeProvider(t, reply)

	cfg := testAIConfig()
	cfg.Temperature = 0.7
	cfg.MaxTokens = 1000
	cfg.AllowDefaultOnSkip = true

	return NewService(cfg, client, provider, sampling, nil), fake, mr
}

func TestCallAIValidatesRequest(t *testing.T) {
	svc, _, _ := gatewayFixture(t, "ok", nil)
	ctx := context.Background()

	_, err := svc.CallAI(ctx, CallRequest{Prompt: "p", ResponseType: ResponseTypeMarketAnalysis})
	assert.Error(t, err)

	_, err = svc.CallAI(ctx, CallRequest{AgentType: AgentTypeStrategy, ResponseType: ResponseTypeMarketAnalysis})
	assert.Error(t, err)

	_, err = svc.CallAI(ctx, CallRequest{AgentType: AgentTypeStrategy, Prompt: "p", ResponseType: "bogus!"})
	assert.Error(t, err)
}

func TestCallAIProviderThenCacheHit(t *testing.T) {
	svc, fake, _ := gatewayFixture(t, `{"regime":"TRENDING_UP","confidence":0.9}`, nil)
	ctx := context.Background()

	req := CallRequest{
		AgentType:    AgentTypeMarketRegime,
		Prompt:       "classify BTCUSDT",
		ResponseType: ResponseTypeMarketAnalysis,
		Symbol:       "BTCUSDT",
	}

	first, err := svc.CallAI(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.True(t, first.Sampled)
	require.NotNil(t, first.CostInfo)
	assert.InDelta(t, (100*3.0+50*15.0)/1e6, first.CostInfo.CostUSD, 1e-9)
	assert.Equal(t, int32(1), fake.calls.Load())

	// Identical request is served from the response cache
	second, err := svc.CallAI(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.False(t, second.Sampled)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestCallAISamplerSkipReturnsDefault(t *testing.T) {
	svc, fake, _ := gatewayFixture(t, "unused", map[string]config.SamplingConfig{
		"risk_monitor": {Strategy: "threshold", Threshold: 0.9},
	})
	ctx := context.Background()

	res, err := svc.CallAI(ctx, CallRequest{
		AgentType:    AgentTypeRiskMonitor,
		Prompt:       "assess risk",
		ResponseType: ResponseTypeRiskAssessment,
		Context:      map[string]any{"metric_value": 0.1},
	})
	require.NoError(t, err)
	assert.False(t, res.Sampled)
	assert.Equal(t, "metric_below_threshold", res.SkipReason)
	assert.Contains(t, res.Response, "NORMAL")
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestCallAISkipPrefersCachedResponse(t *testing.T) {
	sampling := map[string]config.SamplingConfig{
		"market_regime": {Strategy: "periodic", IntervalSeconds: 3600, CacheBySymbol: true},
	}
	svc, fake, _ := gatewayFixture(t, `{"regime":"RANGING"}`, sampling)
	ctx := context.Background()

	req := CallRequest{
		AgentType:    AgentTypeMarketRegime,
		Prompt:       "classify",
		ResponseType: ResponseTypeMarketAnalysis,
		Symbol:       "BTCUSDT",
		SkipCache:    true, // force the first call through to the provider
	}

	first, err := svc.CallAI(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Sampled)
	assert.Equal(t, int32(1), fake.calls.Load())

	// Back-to-back call inside the interval: skipped, but the cached
	// provider answer is served
	req.SkipCache = false
	second, err := svc.CallAI(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Sampled)
	assert.Equal(t, "too_soon_periodic", second.SkipReason)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestCallAIRateLimitBacksOffAndFallsBack(t *testing.T) {
	svc, fake, _ := gatewayFixture(t, "unused", nil)
	ctx := context.Background()

	fake.status.Store(http.StatusTooManyRequests)

	res, err := svc.CallAI(ctx, CallRequest{
		AgentType:    AgentTypeStrategy,
		Prompt:       "decide",
		ResponseType: ResponseTypeStrategyGen,
	})
	require.NoError(t, err)
	assert.False(t, res.Sampled)
	assert.Equal(t, "provider_rate_limited", res.SkipReason)
	assert.Contains(t, res.Response, "HOLD")

	assert.Equal(t, 2.0, svc.Sampler().Backoff())
}

func TestCallAIProviderErrorSurfaces(t *testing.T) {
	svc, fake, _ := gatewayFixture(t, "unused", nil)
	ctx := context.Background()

	fake.status.Store(http.StatusInternalServerError)

	_, err := svc.CallAI(ctx, CallRequest{
		AgentType:    AgentTypeStrategy,
		Prompt:       "decide",
		ResponseType: ResponseTypeStrategyGen,
	})
	assert.Error(t, err)
}

func TestCallAINoFallbackWhenDefaultsDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, provider := newFakeProvider(t, "unused")

	cfg := testAIConfig()
	cfg.MaxTokens = 1000
	cfg.AllowDefaultOnSkip = false

	svc := NewService(cfg, client, provider, map[string]config.SamplingConfig{
		"risk_monitor": {Strategy: "threshold", Threshold: 0.9},
	}, nil)

	_, err := svc.CallAI(context.Background(), CallRequest{
		AgentType:    AgentTypeRiskMonitor,
		Prompt:       "assess",
		ResponseType: ResponseTypeRiskAssessment,
		Context:      map[string]any{"metric_value": 0.1},
	})
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestDeepProviderMessageShape(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1},
		})
	}))
	defer server.Close()

	p := NewDeepProvider(ProviderConfig{Endpoint: server.URL, Model: "deep"})
	_, err := p.Generate(context.Background(), PromptRequest{
		SystemPrompt: "be careful",
		UserPrompt:   "analyze",
		Temperature:  0.3,
		MaxTokens:    100,
	})
	require.NoError(t, err)

	// System prompt becomes a leading user turn plus a confirming model turn
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, "be careful", captured.Messages[0].Content)
	assert.Equal(t, "assistant", captured.Messages[1].Role)
	assert.Equal(t, "user", captured.Messages[2].Role)
	assert.Equal(t, 0.95, captured.TopP)
	assert.Equal(t, 40, captured.TopK)
}
