package aigateway_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altvane/tradepilot/internal/aigateway"
	"github.com/altvane/tradepilot/internal/config"
	"github.com/altvane/tradepilot/internal/orchestrator"
)

// expensiveProvider answers every prompt with a fixed response priced well
// past a small daily budget
type expensiveProvider struct{}

func (expensiveProvider) Generate(ctx context.Context, req aigateway.PromptRequest) (*aigateway.PromptResponse, error) {
	return &aigateway.PromptResponse{
		Text:  `{"assessment":"noted"}`,
		Usage: aigateway.Usage{PromptTokens: 100000, CompletionTokens: 100000},
	}, nil
}

func (expensiveProvider) Name() string { return "expensive" }

func TestBudgetBreachReachesOrchestrationEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.AIConfig{
		DailyBudgetUSD:   0.5,
		MonthlyBudgetUSD: 1000,
		InputPricePerM:   3.0,
		OutputPricePerM:  15.0,
		MaxTokens:        1000,
	}
	svc := aigateway.NewService(cfg, client, expensiveProvider{}, nil, nil)

	orch := orchestrator.New(client, zerolog.Nop())
	svc.OnBudgetEvent(func(ctx context.Context, evt aigateway.BudgetEvent) {
		e := orchestrator.NewEvent(orchestrator.EventRiskLevelChanged, map[string]any{
			"event":      evt.Type(),
			"severity":   evt.Severity(),
			"spent_usd":  evt.Spent,
			"budget_usd": evt.Budget,
		})
		e.SourceAgent = "aigateway"
		require.NoError(t, orch.PublishEvent(ctx, e))
	})

	ctx := context.Background()
	pubsub := client.Subscribe(ctx, "orchestration:events:RISK_LEVEL_CHANGED")
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	// One call costs 1.80 USD against the 0.50 USD daily budget
	res, err := svc.CallAI(ctx, aigateway.CallRequest{
		AgentType:    aigateway.AgentTypeRiskMonitor,
		Prompt:       "assess exposure",
		ResponseType: aigateway.ResponseTypeRiskAssessment,
	})
	require.NoError(t, err)
	assert.True(t, res.Sampled)

	select {
	case msg := <-pubsub.Channel():
		var e orchestrator.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		assert.Equal(t, orchestrator.EventRiskLevelChanged, e.Type)
		assert.Equal(t, "aigateway", e.SourceAgent)
		assert.Equal(t, "daily_budget_exceeded", e.Data["event"])
		assert.Equal(t, "critical", e.Data["severity"])
	case <-time.After(2 * time.Second):
		t.Fatal("budget event never reached the orchestration channel")
	}
}

func TestBudgetSeverityMapping(t *testing.T) {
	warning := aigateway.BudgetEvent{Period: "daily", Level: "warning"}
	assert.Equal(t, "warning", warning.Severity())
	assert.Equal(t, "daily_budget_warning", warning.Type())

	exceeded := aigateway.BudgetEvent{Period: "monthly", Level: "exceeded"}
	assert.Equal(t, "critical", exceeded.Severity())
	assert.Equal(t, "monthly_budget_exceeded", exceeded.Type())
}
