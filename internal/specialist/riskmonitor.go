package specialist

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/aigateway"
)

// Risk monitor task types
const (
	TaskMonitorPosition    = "monitor_position"
	TaskCheckEmergencyStop = "check_emergency_stop"
	TaskEmergencyStopAll   = "emergency_stop_all"
)

// Risk levels, ascending
const (
	RiskSafe     = "safe"
	RiskWarning  = "warning"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

const (
	// Liquidation-distance bands (percent between mark and liquidation price)
	liqDistanceCritical = 5.0
	liqDistanceHigh     = 10.0
	liqDistanceWarning  = 20.0

	// Margin-ratio bands (used margin / total balance)
	marginRatioCritical = 0.8
	marginRatioHigh     = 0.6
	marginRatioWarning  = 0.4

	// Daily-loss bands (percent)
	dailyLossHigh    = 8.0
	dailyLossWarning = 5.0

	// Emergency stop fires at this daily loss
	emergencyStopLossPct = 10.0
)

// RiskAssessment is the fast-path verdict for one position
type RiskAssessment struct {
	Symbol    string   `json:"symbol,omitempty"`
	RiskLevel string   `json:"risk_level"`
	Score     float64  `json:"score"`
	Reasons   []string `json:"reasons"`
	Narrative string   `json:"narrative,omitempty"`
}

// RiskProcessor is the rules-first position risk monitor. The fast path never
// waits on the gateway; the model only adds narrative when sampling allows.
type RiskProcessor struct {
	client *redis.Client
	ai     *aigateway.Service
	log    zerolog.Logger
}

// NewRiskProcessor creates the risk-monitor processor
func NewRiskProcessor(client *redis.Client, ai *aigateway.Service, log zerolog.Logger) *RiskProcessor {
	return &RiskProcessor{
		client: client,
		ai:     ai,
		log:    log.With().Str("agent", "risk_monitor").Logger(),
	}
}

// NewRiskAgent wraps the processor in a runtime agent
func NewRiskAgent(client *redis.Client, ai *aigateway.Service, log zerolog.Logger) *agent.Agent {
	return agent.New("risk_monitor", NewRiskProcessor(client, ai, log), log)
}

// Process implements agent.Processor
func (p *RiskProcessor) Process(ctx context.Context, task *agent.Task) (any, error) {
	switch task.Type {
	case TaskMonitorPosition:
		return p.monitorPosition(ctx, task.Params)
	case TaskCheckEmergencyStop:
		return p.checkEmergencyStop(ctx, task.Params)
	case TaskEmergencyStopAll:
		return p.emergencyStopAll(ctx, task.Params)
	case "health_check":
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errUnknownTaskType("risk_monitor", task.Type)
	}
}

// monitorPosition scores one position on the pure-rule fast path
func (p *RiskProcessor) monitorPosition(ctx context.Context, params map[string]any) (*RiskAssessment, error) {
	assessment := assessRisk(params)
	assessment.Symbol = strParam(params, "symbol")

	p.narrate(ctx, params, assessment)

	if assessment.RiskLevel != RiskSafe {
		p.log.Warn().
			Str("symbol", assessment.Symbol).
			Str("risk_level", assessment.RiskLevel).
			Strs("reasons", assessment.Reasons).
			Msg("Position risk elevated")
	}
	return assessment, nil
}

// assessRisk maps the position metrics onto a level and a 0..1 score
func assessRisk(params map[string]any) *RiskAssessment {
	level := RiskSafe
	score := 0.0
	var reasons []string

	raise := func(to string, contribution float64, reason string) {
		if severityOf(to) > severityOf(level) {
			level = to
		}
		score += contribution
		reasons = append(reasons, reason)
	}

	if v, ok := floatParam(params, "liquidation_distance_percent"); ok {
		switch {
		case v < liqDistanceCritical:
			raise(RiskCritical, 0.5, fmt.Sprintf("liquidation %.1f%% away", v))
		case v < liqDistanceHigh:
			raise(RiskHigh, 0.3, fmt.Sprintf("liquidation %.1f%% away", v))
		case v < liqDistanceWarning:
			raise(RiskWarning, 0.15, fmt.Sprintf("liquidation %.1f%% away", v))
		}
	}

	if v, ok := floatParam(params, "margin_ratio"); ok {
		switch {
		case v > marginRatioCritical:
			raise(RiskCritical, 0.4, fmt.Sprintf("margin ratio %.2f", v))
		case v > marginRatioHigh:
			raise(RiskHigh, 0.25, fmt.Sprintf("margin ratio %.2f", v))
		case v > marginRatioWarning:
			raise(RiskWarning, 0.1, fmt.Sprintf("margin ratio %.2f", v))
		}
	}

	if v, ok := floatParam(params, "daily_loss_percent"); ok {
		switch {
		case v >= emergencyStopLossPct:
			raise(RiskCritical, 0.4, fmt.Sprintf("daily loss %.1f%%", v))
		case v >= dailyLossHigh:
			raise(RiskHigh, 0.25, fmt.Sprintf("daily loss %.1f%%", v))
		case v >= dailyLossWarning:
			raise(RiskWarning, 0.1, fmt.Sprintf("daily loss %.1f%%", v))
		}
	}

	if score > 1 {
		score = 1
	}
	if reasons == nil {
		reasons = []string{}
	}
	return &RiskAssessment{RiskLevel: level, Score: score, Reasons: reasons}
}

func severityOf(level string) int {
	switch level {
	case RiskSafe:
		return 0
	case RiskWarning:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// narrate asks the gateway for color on an elevated position. The sampler's
// THRESHOLD strategy reads metric_value, so quiet positions never spend a call.
func (p *RiskProcessor) narrate(ctx context.Context, params map[string]any, assessment *RiskAssessment) {
	if p.ai == nil {
		return
	}

	aiCtx := map[string]any{"metric_value": assessment.Score}
	for k, v := range params {
		if k != "metric_value" {
			aiCtx[k] = v
		}
	}

	res, err := p.ai.CallAI(ctx, aigateway.CallRequest{
		AgentType:    aigateway.AgentTypeRiskMonitor,
		Prompt:       fmt.Sprintf("Assess this position risk: level=%s score=%.2f reasons=%v. Answer as JSON {\"assessment\": ...}.", assessment.RiskLevel, assessment.Score, assessment.Reasons),
		ResponseType: aigateway.ResponseTypeRiskAssessment,
		Symbol:       strParam(params, "symbol"),
		Context:      aiCtx,
	})
	if err != nil || res.Skipped() {
		return
	}

	var opinion struct {
		Assessment string `json:"assessment"`
	}
	if err := aigateway.DecodeJSON(res.Response, &opinion); err == nil && opinion.Assessment != "" {
		assessment.Narrative = opinion.Assessment
	}
}

// checkEmergencyStop reacts to one anomaly event for one bot
func (p *RiskProcessor) checkEmergencyStop(ctx context.Context, params map[string]any) (map[string]any, error) {
	botID := strParam(params, "bot_instance_id")
	severity := strParam(params, "severity")
	lossPct, _ := floatParam(params, "daily_loss_percent")

	stop := severity == SeverityCritical || lossPct >= emergencyStopLossPct
	if !stop {
		return map[string]any{"decision": "monitor", "stopped": false}, nil
	}

	reason := strParam(params, "anomaly_type")
	if reason == "" {
		reason = "emergency_stop"
	}

	if botID != "" {
		if err := publishStop(ctx, p.client, botID, reason, true); err != nil {
			return nil, fmt.Errorf("risk_monitor: emergency stop for %s: %w", botID, err)
		}
		p.log.Error().Str("bot", botID).Str("reason", reason).Msg("Emergency stop issued")
	}

	return map[string]any{"decision": "emergency_stop", "stopped": botID != "", "reason": reason}, nil
}

// emergencyStopAll stops every listed bot, typically on a circuit breaker
func (p *RiskProcessor) emergencyStopAll(ctx context.Context, params map[string]any) (map[string]any, error) {
	botIDs := strSliceParam(params, "bot_ids")
	reason := strParam(params, "reason")
	if reason == "" {
		reason = "circuit_breaker"
	}

	stopped := 0
	for _, botID := range botIDs {
		if err := publishStop(ctx, p.client, botID, reason, true); err != nil {
			p.log.Error().Err(err).Str("bot", botID).Msg("Stop publish failed")
			continue
		}
		stopped++
	}

	p.log.Error().
		Int("stopped", stopped).
		Int("requested", len(botIDs)).
		Str("reason", reason).
		Msg("Emergency stop all executed")

	return map[string]any{"decision": "stop_all_bots", "stopped": stopped, "reason": reason}, nil
}
