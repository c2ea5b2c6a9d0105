package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altvane/tradepilot/internal/agent"
)

func anomalyFixture(t *testing.T) (*AnomalyProcessor, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	proc := NewAnomalyProcessor(client, nil, zerolog.Nop())
	proc.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return proc, client
}

// awaitMessage subscribes before fn runs and returns the first payload
func awaitMessage(t *testing.T, client *redis.Client, channel string, fn func()) string {
	t.Helper()
	ctx := context.Background()

	sub := client.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	fn()

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	return msg.Payload
}

func TestMonitorBotBehaviorThresholds(t *testing.T) {
	proc, client := anomalyFixture(t)
	ctx := context.Background()

	out, err := proc.Process(ctx, agent.NewTask(TaskMonitorBotBehavior, map[string]any{
		"user_id":              "u1",
		"bot_instance_id":      "bot-1",
		"symbol":               "BTCUSDT",
		"trades_per_hour":      25.0,
		"consecutive_losses":   6.0,
		"avg_slippage_percent": 0.1, // under threshold, no alert
	}))
	require.NoError(t, err)

	alerts := out.([]*Alert)
	require.Len(t, alerts, 2)

	types := map[string]string{}
	for _, a := range alerts {
		types[a.Type] = a.Severity
	}
	assert.Equal(t, SeverityMedium, types[AnomalyOverTrading])
	assert.Equal(t, SeverityHigh, types[AnomalyLosingStreak])

	// Alerts persisted with their TTL and listed per user and bot
	for _, a := range alerts {
		ttl, err := client.TTL(ctx, alertKey(a.ID)).Result()
		require.NoError(t, err)
		assert.InDelta(t, alertTTL.Seconds(), ttl.Seconds(), 2)
	}
	userIDs, _ := client.LRange(ctx, userAlertsKey("u1"), 0, -1).Result()
	assert.Len(t, userIDs, 2)
	botIDs, _ := client.LRange(ctx, botAlertsKey("bot-1"), 0, -1).Result()
	assert.Len(t, botIDs, 2)
}

func TestMonitorBotBehaviorQuietBot(t *testing.T) {
	proc, _ := anomalyFixture(t)

	out, err := proc.Process(context.Background(), agent.NewTask(TaskMonitorBotBehavior, map[string]any{
		"bot_instance_id":    "bot-1",
		"trades_per_hour":    5.0,
		"consecutive_losses": 1.0,
		"api_error_rate":     0.01,
	}))
	require.NoError(t, err)
	assert.Empty(t, out.([]*Alert))
}

func TestMonitorBotBehaviorAutoStop(t *testing.T) {
	proc, client := anomalyFixture(t)

	// Ten straight losses escalates to critical; auto_execute stops the bot
	payload := awaitMessage(t, client, botCommandChannel("bot-9"), func() {
		_, err := proc.Process(context.Background(), agent.NewTask(TaskMonitorBotBehavior, map[string]any{
			"bot_instance_id":    "bot-9",
			"consecutive_losses": 10.0,
			"auto_execute":       true,
		}))
		require.NoError(t, err)
	})

	var cmd BotCommand
	require.NoError(t, json.Unmarshal([]byte(payload), &cmd))
	assert.Equal(t, "stop", cmd.Action)
	assert.Equal(t, AnomalyLosingStreak, cmd.Reason)
	assert.True(t, cmd.Auto)
}

func TestDetectMarketAnomalyBroadcasts(t *testing.T) {
	proc, client := anomalyFixture(t)

	payload := awaitMessage(t, client, marketAnomalyChannel("BTCUSDT"), func() {
		out, err := proc.Process(context.Background(), agent.NewTask(TaskDetectMarketAnomaly, map[string]any{
			"symbol":               "BTCUSDT",
			"price_change_percent": -6.5,
		}))
		require.NoError(t, err)
		require.Len(t, out.([]*Alert), 1)
	})

	var alert Alert
	require.NoError(t, json.Unmarshal([]byte(payload), &alert))
	assert.Equal(t, AnomalyPriceMove, alert.Type)
	assert.Equal(t, SeverityHigh, alert.Severity)
	assert.Equal(t, "BTCUSDT", alert.Symbol)
}

func TestDetectMarketAnomalyBelowThresholds(t *testing.T) {
	proc, _ := anomalyFixture(t)

	out, err := proc.Process(context.Background(), agent.NewTask(TaskDetectMarketAnomaly, map[string]any{
		"symbol":               "BTCUSDT",
		"price_change_percent": 0.5,
		"volume_ratio":         1.2,
		"volatility":           0.01,
	}))
	require.NoError(t, err)
	assert.Empty(t, out.([]*Alert))
}

func TestCheckCircuitBreaker(t *testing.T) {
	proc, client := anomalyFixture(t)
	ctx := context.Background()

	out, err := proc.Process(ctx, agent.NewTask(TaskCheckCircuitBreaker, map[string]any{
		"user_id":            "u1",
		"daily_loss_percent": 12.0,
	}))
	require.NoError(t, err)
	state := out.(map[string]any)
	assert.Equal(t, true, state["triggered"])

	ttl, err := client.TTL(ctx, circuitBreakerKey("u1")).Result()
	require.NoError(t, err)
	assert.InDelta(t, circuitBreakerTTL.Seconds(), ttl.Seconds(), 2)

	// Under the threshold: no trip, no state
	out, err = proc.Process(ctx, agent.NewTask(TaskCheckCircuitBreaker, map[string]any{
		"user_id":            "u2",
		"daily_loss_percent": 5.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["triggered"])
	exists, _ := client.Exists(ctx, circuitBreakerKey("u2")).Result()
	assert.Zero(t, exists)
}

func TestGetActiveAlerts(t *testing.T) {
	proc, _ := anomalyFixture(t)
	ctx := context.Background()

	_, err := proc.Process(ctx, agent.NewTask(TaskMonitorBotBehavior, map[string]any{
		"user_id":            "u1",
		"bot_instance_id":    "bot-1",
		"consecutive_losses": 6.0,
	}))
	require.NoError(t, err)

	out, err := proc.Process(ctx, agent.NewTask(TaskGetActiveAlerts, map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	alerts := out.([]*Alert)
	require.Len(t, alerts, 1)
	assert.Equal(t, AnomalyLosingStreak, alerts[0].Type)

	out, err = proc.Process(ctx, agent.NewTask(TaskGetActiveAlerts, map[string]any{"bot_instance_id": "bot-1"}))
	require.NoError(t, err)
	assert.Len(t, out.([]*Alert), 1)

	_, err = proc.Process(ctx, agent.NewTask(TaskGetActiveAlerts, map[string]any{}))
	assert.Error(t, err)
}

func TestAlertListsAreCapped(t *testing.T) {
	proc, client := anomalyFixture(t)
	ctx := context.Background()

	for i := 0; i < botAlertsCap+10; i++ {
		err := proc.persistAlert(ctx, &Alert{
			ID:            fmt.Sprintf("alert-%d", i),
			UserID:        "u1",
			BotInstanceID: "bot-1",
			Type:          AnomalyAPIErrors,
			Severity:      SeverityHigh,
			Timestamp:     proc.now(),
		})
		require.NoError(t, err)
	}

	botLen, _ := client.LLen(ctx, botAlertsKey("bot-1")).Result()
	assert.Equal(t, int64(botAlertsCap), botLen)
	userLen, _ := client.LLen(ctx, userAlertsKey("u1")).Result()
	assert.Equal(t, int64(botAlertsCap+10), userLen) // still under the user cap

	// Newest first
	ids, _ := client.LRange(ctx, botAlertsKey("bot-1"), 0, 0).Result()
	assert.Equal(t, fmt.Sprintf("alert-%d", botAlertsCap+9), ids[0])
}

func TestSeverityRefinementBounds(t *testing.T) {
	// One-step clamp in both directions
	assert.Equal(t, 2, severityRank(SeverityHigh))
	assert.Equal(t, SeverityMedium, severityName(1))
	assert.Equal(t, -1, severityRank("catastrophic"))
}
