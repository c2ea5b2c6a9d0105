package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/aigateway"
)

// Anomaly agent task types
const (
	TaskMonitorBotBehavior  = "monitor_bot_behavior"
	TaskDetectMarketAnomaly = "detect_market_anomaly"
	TaskCheckCircuitBreaker = "check_circuit_breaker"
	TaskGetActiveAlerts     = "get_active_alerts"
)

// Anomaly types
const (
	AnomalyOverTrading  = "over_trading"
	AnomalyLosingStreak = "losing_streak"
	AnomalySlippage     = "slippage"
	AnomalyAPIErrors    = "api_errors"
	AnomalyStuckBot     = "stuck_bot"
	AnomalyPriceMove    = "price_move"
	AnomalyVolumeSpike  = "volume_spike"
	AnomalyVolatility   = "volatility"
)

// Severity levels, ascending
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	// Bot-behavior thresholds
	maxTradesPerHour     = 20.0
	maxConsecutiveLosses = 5.0
	maxSlippagePercent   = 0.5
	maxAPIErrorRate      = 0.10
	stuckBotSeconds      = 1800.0

	// Market-anomaly thresholds
	anomalyPriceMovePct = 5.0
	anomalyVolumeRatio  = 5.0
	anomalyVolatility   = 0.05

	// Circuit breaker trips at this daily loss
	circuitBreakerLossPct = 10.0

	alertTTL          = time.Hour
	circuitBreakerTTL = 24 * time.Hour

	userAlertsCap = 100
	botAlertsCap  = 50
)

func alertKey(alertID string) string            { return "agent:anomaly:alert:" + alertID }
func userAlertsKey(userID string) string        { return "agent:anomaly:user:" + userID + ":alerts" }
func botAlertsKey(botID string) string          { return "agent:anomaly:bot:" + botID + ":alerts" }
func circuitBreakerKey(userID string) string    { return "agent:circuit_breaker:user:" + userID }
func marketAnomalyChannel(symbol string) string { return "market:anomaly:" + symbol }

// Alert is one detected anomaly, persisted and listed per user and bot
type Alert struct {
	ID            string         `json:"alert_id"`
	UserID        string         `json:"user_id,omitempty"`
	BotInstanceID string         `json:"bot_instance_id,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	Type          string         `json:"type"`
	Severity      string         `json:"severity"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AnomalyProcessor watches bot behavior and market conditions.
// Detection is threshold-based; the gateway only refines severity.
type AnomalyProcessor struct {
	client *redis.Client
	ai     *aigateway.Service
	now    func() time.Time
	log    zerolog.Logger
}

// NewAnomalyProcessor creates the anomaly-detector processor
func NewAnomalyProcessor(client *redis.Client, ai *aigateway.Service, log zerolog.Logger) *AnomalyProcessor {
	return &AnomalyProcessor{
		client: client,
		ai:     ai,
		now:    time.Now,
		log:    log.With().Str("agent", "anomaly_detector").Logger(),
	}
}

// NewAnomalyAgent wraps the processor in a runtime agent
func NewAnomalyAgent(client *redis.Client, ai *aigateway.Service, log zerolog.Logger) *agent.Agent {
	return agent.New("anomaly_detector", NewAnomalyProcessor(client, ai, log), log)
}

// Process implements agent.Processor
func (p *AnomalyProcessor) Process(ctx context.Context, task *agent.Task) (any, error) {
	switch task.Type {
	case TaskMonitorBotBehavior:
		return p.monitorBotBehavior(ctx, task.Params)
	case TaskDetectMarketAnomaly:
		return p.detectMarketAnomaly(ctx, task.Params)
	case TaskCheckCircuitBreaker:
		return p.checkCircuitBreaker(ctx, task.Params)
	case TaskGetActiveAlerts:
		return p.getActiveAlerts(ctx, task.Params)
	case "health_check":
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errUnknownTaskType("anomaly_detector", task.Type)
	}
}

// monitorBotBehavior evaluates one bot's rolling stats against every threshold
func (p *AnomalyProcessor) monitorBotBehavior(ctx context.Context, params map[string]any) ([]*Alert, error) {
	userID := strParam(params, "user_id")
	botID := strParam(params, "bot_instance_id")
	if botID == "" {
		return nil, fmt.Errorf("anomaly_detector: bot_instance_id is required")
	}
	symbol := strParam(params, "symbol")

	var alerts []*Alert
	add := func(typ, severity, msg string, data map[string]any) {
		alerts = append(alerts, &Alert{
			ID:            uuid.NewString(),
			UserID:        userID,
			BotInstanceID: botID,
			Symbol:        symbol,
			Type:          typ,
			Severity:      severity,
			Message:       msg,
			Data:          data,
			Timestamp:     p.now().UTC(),
		})
	}

	if v, ok := floatParam(params, "trades_per_hour"); ok && v > maxTradesPerHour {
		add(AnomalyOverTrading, SeverityMedium,
			fmt.Sprintf("bot executed %.0f trades/hour (limit %.0f)", v, maxTradesPerHour),
			map[string]any{"trades_per_hour": v})
	}
	if v, ok := floatParam(params, "consecutive_losses"); ok && v >= maxConsecutiveLosses {
		severity := SeverityHigh
		if v >= 2*maxConsecutiveLosses {
			severity = SeverityCritical
		}
		add(AnomalyLosingStreak, severity,
			fmt.Sprintf("bot lost %.0f trades in a row", v),
			map[string]any{"consecutive_losses": v})
	}
	if v, ok := floatParam(params, "avg_slippage_percent"); ok && v > maxSlippagePercent {
		add(AnomalySlippage, SeverityMedium,
			fmt.Sprintf("average slippage %.2f%% exceeds %.2f%%", v, maxSlippagePercent),
			map[string]any{"avg_slippage_percent": v})
	}
	if v, ok := floatParam(params, "api_error_rate"); ok && v > maxAPIErrorRate {
		add(AnomalyAPIErrors, SeverityHigh,
			fmt.Sprintf("API error rate %.0f%% exceeds %.0f%%", v*100, maxAPIErrorRate*100),
			map[string]any{"api_error_rate": v})
	}
	if v, ok := floatParam(params, "seconds_since_last_action"); ok && v > stuckBotSeconds {
		add(AnomalyStuckBot, SeverityHigh,
			fmt.Sprintf("bot idle for %.0f s", v),
			map[string]any{"seconds_since_last_action": v})
	}

	for _, alert := range alerts {
		p.refineSeverity(ctx, alert)
		if err := p.persistAlert(ctx, alert); err != nil {
			p.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert persistence failed")
		}
	}

	// Escalate: a critical alert stops the bot when the caller allows it
	if boolParam(params, "auto_execute") {
		for _, alert := range alerts {
			if alert.Severity == SeverityCritical {
				if err := publishStop(ctx, p.client, botID, alert.Type, true); err != nil {
					p.log.Error().Err(err).Str("bot", botID).Msg("Auto-stop publish failed")
				} else {
					p.log.Warn().Str("bot", botID).Str("anomaly", alert.Type).Msg("Bot auto-stopped")
				}
				break
			}
		}
	}

	return alerts, nil
}

// detectMarketAnomaly checks symbol-level metrics and broadcasts alerts
func (p *AnomalyProcessor) detectMarketAnomaly(ctx context.Context, params map[string]any) ([]*Alert, error) {
	symbol := strParam(params, "symbol")
	if symbol == "" {
		return nil, fmt.Errorf("anomaly_detector: symbol is required")
	}

	var alerts []*Alert
	add := func(typ, severity, msg string, data map[string]any) {
		alerts = append(alerts, &Alert{
			ID:        uuid.NewString(),
			Symbol:    symbol,
			Type:      typ,
			Severity:  severity,
			Message:   msg,
			Data:      data,
			Timestamp: p.now().UTC(),
		})
	}

	if v, ok := floatParam(params, "price_change_percent"); ok && math.Abs(v) >= anomalyPriceMovePct {
		add(AnomalyPriceMove, SeverityHigh,
			fmt.Sprintf("%s moved %.1f%%", symbol, v),
			map[string]any{"price_change_percent": v})
	}
	if v, ok := floatParam(params, "volume_ratio"); ok && v >= anomalyVolumeRatio {
		add(AnomalyVolumeSpike, SeverityMedium,
			fmt.Sprintf("%s volume %.1fx average", symbol, v),
			map[string]any{"volume_ratio": v})
	}
	if v, ok := floatParam(params, "volatility"); ok && v >= anomalyVolatility {
		add(AnomalyVolatility, SeverityMedium,
			fmt.Sprintf("%s volatility %.3f", symbol, v),
			map[string]any{"volatility": v})
	}

	for _, alert := range alerts {
		p.refineSeverity(ctx, alert)
		if err := p.persistAlert(ctx, alert); err != nil {
			p.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert persistence failed")
		}
		payload, err := json.Marshal(alert)
		if err == nil {
			if err := p.client.Publish(ctx, marketAnomalyChannel(symbol), payload).Err(); err != nil {
				p.log.Warn().Err(err).Str("symbol", symbol).Msg("Market anomaly broadcast failed")
			}
		}
	}

	return alerts, nil
}

// checkCircuitBreaker trips and records the per-user breaker on heavy loss
func (p *AnomalyProcessor) checkCircuitBreaker(ctx context.Context, params map[string]any) (map[string]any, error) {
	userID := strParam(params, "user_id")
	if userID == "" {
		return nil, fmt.Errorf("anomaly_detector: user_id is required")
	}
	lossPct, _ := floatParam(params, "daily_loss_percent")

	if lossPct < circuitBreakerLossPct {
		return map[string]any{"triggered": false, "daily_loss_percent": lossPct}, nil
	}

	state := map[string]any{
		"triggered":          true,
		"daily_loss_percent": lossPct,
		"triggered_at":       p.now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("anomaly_detector: marshal breaker state: %w", err)
	}
	if err := p.client.Set(ctx, circuitBreakerKey(userID), payload, circuitBreakerTTL).Err(); err != nil {
		return nil, fmt.Errorf("anomaly_detector: persist breaker state: %w", err)
	}

	p.log.Error().
		Str("user_id", userID).
		Float64("daily_loss_percent", lossPct).
		Msg("Circuit breaker triggered")

	return state, nil
}

// getActiveAlerts returns the still-live alerts for a user or bot
func (p *AnomalyProcessor) getActiveAlerts(ctx context.Context, params map[string]any) ([]*Alert, error) {
	var listKey string
	if userID := strParam(params, "user_id"); userID != "" {
		listKey = userAlertsKey(userID)
	} else if botID := strParam(params, "bot_instance_id"); botID != "" {
		listKey = botAlertsKey(botID)
	} else {
		return nil, fmt.Errorf("anomaly_detector: user_id or bot_instance_id is required")
	}

	ids, err := p.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("anomaly_detector: read alert list: %w", err)
	}

	alerts := make([]*Alert, 0, len(ids))
	for _, id := range ids {
		raw, err := p.client.Get(ctx, alertKey(id)).Result()
		if err != nil {
			continue // expired alerts stay in the list until it rolls over
		}
		var alert Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			continue
		}
		alerts = append(alerts, &alert)
	}
	return alerts, nil
}

func (p *AnomalyProcessor) persistAlert(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, alertKey(alert.ID), payload, alertTTL)
	if alert.UserID != "" {
		pipe.LPush(ctx, userAlertsKey(alert.UserID), alert.ID)
		pipe.LTrim(ctx, userAlertsKey(alert.UserID), 0, userAlertsCap-1)
	}
	if alert.BotInstanceID != "" {
		pipe.LPush(ctx, botAlertsKey(alert.BotInstanceID), alert.ID)
		pipe.LTrim(ctx, botAlertsKey(alert.BotInstanceID), 0, botAlertsCap-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// refineSeverity lets the model escalate or de-escalate one step at most
func (p *AnomalyProcessor) refineSeverity(ctx context.Context, alert *Alert) {
	if p.ai == nil {
		return
	}

	res, err := p.ai.CallAI(ctx, aigateway.CallRequest{
		AgentType:    aigateway.AgentTypeAnomalyDetector,
		Prompt:       fmt.Sprintf("Classify the severity of this trading anomaly: type=%s message=%q data=%v. Answer as JSON {\"severity\": \"low|medium|high|critical\"}.", alert.Type, alert.Message, alert.Data),
		ResponseType: aigateway.ResponseTypeAnomalyAnalysis,
		Symbol:       alert.Symbol,
		Context:      alert.Data,
	})
	if err != nil || res.Skipped() {
		return
	}

	var opinion struct {
		Severity string `json:"severity"`
	}
	if err := aigateway.DecodeJSON(res.Response, &opinion); err != nil {
		return
	}

	proposed := severityRank(opinion.Severity)
	current := severityRank(alert.Severity)
	if proposed < 0 {
		return
	}
	if diff := proposed - current; diff > 1 {
		proposed = current + 1
	} else if diff < -1 {
		proposed = current - 1
	}
	alert.Severity = severityName(proposed)
}

func severityRank(s string) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

func severityName(rank int) string {
	switch rank {
	case 0:
		return SeverityLow
	case 1:
		return SeverityMedium
	case 2:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
