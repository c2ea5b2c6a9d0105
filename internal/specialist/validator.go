package specialist

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/aigateway"
)

// Validator task types
const (
	TaskValidateSignal      = "validate_signal"
	TaskValidateRebalancing = "validate_rebalancing"
)

const (
	// minPassingRules is how many checklist rules must pass for approval
	minPassingRules = 7

	minSignalConfidence = 0.6
	maxStopLossPercent  = 10.0
	maxLeverage         = 20.0
	warnLeverage        = 10.0
	maxPositionPercent  = 50.0
	warnPositionPercent = 30.0
	minRiskReward       = 1.5
	overboughtRSI       = 75.0
	oversoldRSI         = 25.0
	minVolumeRatioPass  = 0.5
	warnVolumeRatio     = 1.0

	// Rebalancing checks
	maxSingleWeightDelta = 0.25
	maxTurnover          = 0.50
	weightSumTolerance   = 0.01
)

// ValidationResult is the checklist verdict for a signal or rebalancing plan
type ValidationResult struct {
	Approved    bool     `json:"approved"`
	Confidence  float64  `json:"confidence"`
	Reason      string   `json:"reason"`
	FailedRules []string `json:"failed_rules"`
	Warnings    []string `json:"warnings"`
}

type ruleOutcome struct {
	name     string
	critical bool
	pass     bool
	warning  string
}

// ValidatorProcessor runs the multi-rule signal checklist.
// The gateway may add a dissenting warning but never overrides the rules.
type ValidatorProcessor struct {
	ai  *aigateway.Service
	log zerolog.Logger
}

// NewValidatorProcessor creates the signal-validator processor
func NewValidatorProcessor(ai *aigateway.Service, log zerolog.Logger) *ValidatorProcessor {
	return &ValidatorProcessor{
		ai:  ai,
		log: log.With().Str("agent", "signal_validator").Logger(),
	}
}

// NewValidatorAgent wraps the processor in a runtime agent
func NewValidatorAgent(ai *aigateway.Service, log zerolog.Logger) *agent.Agent {
	return agent.New("signal_validator", NewValidatorProcessor(ai, log), log)
}

// Process implements agent.Processor
func (p *ValidatorProcessor) Process(ctx context.Context, task *agent.Task) (any, error) {
	switch task.Type {
	case TaskValidateSignal:
		return p.validateSignal(ctx, task.Params)
	case TaskValidateRebalancing:
		return p.validateRebalancing(task.Params)
	case "health_check":
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errUnknownTaskType("signal_validator", task.Type)
	}
}

func (p *ValidatorProcessor) validateSignal(ctx context.Context, params map[string]any) (*ValidationResult, error) {
	outcomes := signalChecklist(params)

	result := &ValidationResult{FailedRules: []string{}, Warnings: []string{}}
	passed := 0
	criticalFailed := false

	for _, o := range outcomes {
		if o.pass {
			passed++
		} else {
			result.FailedRules = append(result.FailedRules, o.name)
			if o.critical {
				criticalFailed = true
			}
		}
		if o.warning != "" {
			result.Warnings = append(result.Warnings, o.warning)
		}
	}

	result.Approved = passed >= minPassingRules && !criticalFailed
	result.Confidence = float64(passed) / float64(len(outcomes))

	switch {
	case criticalFailed:
		result.Reason = "critical rule failed: " + strings.Join(result.FailedRules, ", ")
	case !result.Approved:
		result.Reason = fmt.Sprintf("only %d/%d rules passed (need %d)", passed, len(outcomes), minPassingRules)
	default:
		result.Reason = fmt.Sprintf("%d/%d rules passed", passed, len(outcomes))
	}

	if result.Approved {
		p.secondOpinion(ctx, params, result)
	}

	p.log.Debug().
		Bool("approved", result.Approved).
		Int("passed", passed).
		Strs("failed", result.FailedRules).
		Msg("Signal validated")

	return result, nil
}

// signalChecklist evaluates every rule; the order is stable for reporting
func signalChecklist(params map[string]any) []ruleOutcome {
	confidence, hasConfidence := floatParam(params, "confidence")
	symbol := strParam(params, "symbol")
	side := strings.ToLower(strParam(params, "side"))
	stopLoss, hasStopLoss := floatParam(params, "stop_loss_percent")
	takeProfit, _ := floatParam(params, "take_profit_percent")
	leverage, hasLeverage := floatParam(params, "leverage")
	positionSize, hasSize := floatParam(params, "position_size_percent")
	regime := strParam(params, "regime")
	rsi, hasRSI := floatParam(params, "rsi")
	volumeRatio, hasVolume := floatParam(params, "volume_ratio")

	outcomes := make([]ruleOutcome, 0, 9)

	outcomes = append(outcomes, ruleOutcome{
		name:     "confidence_floor",
		critical: true,
		pass:     hasConfidence && confidence >= minSignalConfidence,
	})

	outcomes = append(outcomes, ruleOutcome{
		name:     "signal_shape",
		critical: true,
		pass:     symbol != "" && (side == "buy" || side == "sell"),
	})

	outcomes = append(outcomes, ruleOutcome{
		name:     "stop_loss_set",
		critical: true,
		pass:     hasStopLoss && stopLoss > 0 && stopLoss <= maxStopLossPercent,
	})

	lev := ruleOutcome{
		name: "leverage_bounds",
		pass: hasLeverage && leverage >= 1 && leverage <= maxLeverage,
	}
	if lev.pass && leverage > warnLeverage {
		lev.warning = fmt.Sprintf("leverage %.0fx above the conservative ceiling", leverage)
	}
	outcomes = append(outcomes, lev)

	size := ruleOutcome{
		name: "position_size_bounds",
		pass: hasSize && positionSize > 0 && positionSize <= maxPositionPercent,
	}
	if size.pass && positionSize > warnPositionPercent {
		size.warning = fmt.Sprintf("position size %.0f%% above the conservative ceiling", positionSize)
	}
	outcomes = append(outcomes, size)

	align := ruleOutcome{name: "regime_alignment", pass: true}
	switch {
	case side == "buy" && regime == string(RegimeTrendingDown):
		align.pass = false
	case side == "sell" && regime == string(RegimeTrendingUp):
		align.pass = false
	case regime == string(RegimeUnknown) || regime == "":
		align.warning = "regime unknown, alignment unverified"
	}
	outcomes = append(outcomes, align)

	outcomes = append(outcomes, ruleOutcome{
		name: "risk_reward",
		pass: stopLoss > 0 && takeProfit/stopLoss >= minRiskReward,
	})

	rsiRule := ruleOutcome{name: "rsi_extremes", pass: true}
	if hasRSI {
		if side == "buy" && rsi > overboughtRSI {
			rsiRule.pass = false
		}
		if side == "sell" && rsi < oversoldRSI {
			rsiRule.pass = false
		}
	}
	outcomes = append(outcomes, rsiRule)

	vol := ruleOutcome{name: "volume_confirmation", pass: true}
	if hasVolume {
		vol.pass = volumeRatio >= minVolumeRatioPass
		if vol.pass && volumeRatio < warnVolumeRatio {
			vol.warning = fmt.Sprintf("volume ratio %.2f below average", volumeRatio)
		}
	}
	outcomes = append(outcomes, vol)

	return outcomes
}

// secondOpinion lets the model dissent on an approved signal. A dissent is
// recorded as a warning only.
func (p *ValidatorProcessor) secondOpinion(ctx context.Context, params map[string]any, result *ValidationResult) {
	if p.ai == nil {
		return
	}

	res, err := p.ai.CallAI(ctx, aigateway.CallRequest{
		AgentType:    aigateway.AgentTypeSignalValidator,
		Prompt:       fmt.Sprintf("Validate this trading signal: %v. Answer as JSON {\"approved\": true|false, \"reason\": ...}.", params),
		ResponseType: aigateway.ResponseTypeSignalValidation,
		Symbol:       strParam(params, "symbol"),
		Context:      params,
	})
	if err != nil || res.Skipped() {
		return
	}

	var opinion struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := aigateway.DecodeJSON(res.Response, &opinion); err != nil {
		return
	}
	if !opinion.Approved {
		result.Warnings = append(result.Warnings, "model dissent: "+opinion.Reason)
	}
}

// validateRebalancing checks a proposed weight change for shape and turnover
func (p *ValidatorProcessor) validateRebalancing(params map[string]any) (*ValidationResult, error) {
	current := floatMapParam(params, "current_weights")
	target := floatMapParam(params, "target_weights")

	result := &ValidationResult{FailedRules: []string{}, Warnings: []string{}}

	if len(target) == 0 {
		result.Reason = "no target weights provided"
		result.FailedRules = append(result.FailedRules, "target_present")
		return result, nil
	}

	sum := 0.0
	minAlloc, hasMin := floatParam(params, "min_alloc")
	maxAlloc, hasMax := floatParam(params, "max_alloc")
	for sym, w := range target {
		sum += w
		if w < 0 {
			result.FailedRules = append(result.FailedRules, "non_negative_weights")
		}
		if hasMin && w > 0 && w < minAlloc {
			result.FailedRules = append(result.FailedRules, "min_alloc:"+sym)
		}
		if hasMax && w > maxAlloc {
			result.FailedRules = append(result.FailedRules, "max_alloc:"+sym)
		}
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		result.FailedRules = append(result.FailedRules, "weights_sum_to_one")
	}

	turnover := 0.0
	for sym, w := range target {
		delta := math.Abs(w - current[sym])
		turnover += delta
		if delta > maxSingleWeightDelta {
			result.FailedRules = append(result.FailedRules, "max_single_change:"+sym)
		}
	}
	// Half the L1 distance is the fraction of the book that moves
	if turnover/2 > maxTurnover {
		result.FailedRules = append(result.FailedRules, "max_turnover")
	}

	result.Approved = len(result.FailedRules) == 0
	if result.Approved {
		result.Confidence = 1.0
		result.Reason = "rebalancing plan within bounds"
	} else {
		result.Reason = "rebalancing checks failed: " + strings.Join(result.FailedRules, ", ")
	}
	return result, nil
}
