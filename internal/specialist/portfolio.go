package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/market"
)

// Portfolio optimizer task types
const (
	TaskAnalyzePortfolio     = "analyze_portfolio"
	TaskSuggestRebalancing   = "suggest_rebalancing"
	TaskApplyRebalancing     = "apply_rebalancing"
	TaskCalculateCorrelation = "calculate_correlation"
)

// Risk levels selecting the optimization objective
const (
	RiskLevelConservative = "conservative"
	RiskLevelModerate     = "moderate"
	RiskLevelAggressive   = "aggressive"
)

const (
	// defaultRebalanceThreshold: suggest only when a weight moves ≥5 pp
	defaultRebalanceThreshold = 0.05

	defaultMinAlloc = 0.05
	defaultMaxAlloc = 0.40

	// returnsLookback candles feed the mean/variance estimates
	returnsLookback  = 168
	returnsTimeframe = "1h"

	analysisTTL   = time.Hour
	suggestionTTL = 2 * time.Hour
	historyTTL    = 30 * 24 * time.Hour
	historyCap    = 20
)

func portfolioAnalysisKey(userID string) string   { return "agent:portfolio:analysis:user:" + userID }
func portfolioSuggestionKey(userID string) string { return "agent:portfolio:suggestion:user:" + userID }
func portfolioHistoryKey(eventID string) string   { return "agent:portfolio:history:" + eventID }
func portfolioUserHistoryKey(userID string) string {
	return "agent:portfolio:user:" + userID + ":history"
}

// AssetStats summarizes one asset's return series
type AssetStats struct {
	Symbol     string  `json:"symbol"`
	MeanReturn float64 `json:"mean_return"`
	Variance   float64 `json:"variance"`
	Volatility float64 `json:"volatility"`
	Sharpe     float64 `json:"sharpe"`
}

// PortfolioAnalysis is the persisted output of analyze_portfolio
type PortfolioAnalysis struct {
	UserID         string                        `json:"user_id"`
	Weights        map[string]float64            `json:"weights"`
	Assets         map[string]*AssetStats        `json:"assets"`
	ExpectedReturn float64                       `json:"expected_return"`
	Volatility     float64                       `json:"volatility"`
	Sharpe         float64                       `json:"sharpe"`
	Correlation    map[string]map[string]float64 `json:"correlation"`
	Timestamp      time.Time                     `json:"timestamp"`
}

// RebalancingSuggestion is the persisted output of suggest_rebalancing
type RebalancingSuggestion struct {
	ID             string             `json:"suggestion_id"`
	UserID         string             `json:"user_id"`
	RiskLevel      string             `json:"risk_level"`
	CurrentWeights map[string]float64 `json:"current_weights"`
	TargetWeights  map[string]float64 `json:"target_weights"`
	Deltas         map[string]float64 `json:"deltas"`
	MaxDelta       float64            `json:"max_delta"`
	Rebalance      bool               `json:"rebalance"`
	Reason         string             `json:"reason"`
	Timestamp      time.Time          `json:"timestamp"`
}

// PortfolioProcessor runs mean-variance portfolio analysis and rebalancing
type PortfolioProcessor struct {
	feed   *market.Feed
	client *redis.Client
	now    func() time.Time
	log    zerolog.Logger
}

// NewPortfolioProcessor creates the portfolio-optimizer processor
func NewPortfolioProcessor(feed *market.Feed, client *redis.Client, log zerolog.Logger) *PortfolioProcessor {
	return &PortfolioProcessor{
		feed:   feed,
		client: client,
		now:    time.Now,
		log:    log.With().Str("agent", "portfolio_optimizer").Logger(),
	}
}

// NewPortfolioAgent wraps the processor in a runtime agent
func NewPortfolioAgent(feed *market.Feed, client *redis.Client, log zerolog.Logger) *agent.Agent {
	return agent.New("portfolio_optimizer", NewPortfolioProcessor(feed, client, log), log)
}

// Process implements agent.Processor
func (p *PortfolioProcessor) Process(ctx context.Context, task *agent.Task) (any, error) {
	switch task.Type {
	case TaskAnalyzePortfolio:
		return p.analyzePortfolio(ctx, task.Params)
	case TaskSuggestRebalancing:
		return p.suggestRebalancing(ctx, task.Params)
	case TaskApplyRebalancing:
		return p.applyRebalancing(ctx, task.Params)
	case TaskCalculateCorrelation:
		return p.calculateCorrelation(ctx, task.Params)
	case "health_check":
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errUnknownTaskType("portfolio_optimizer", task.Type)
	}
}

func (p *PortfolioProcessor) analyzePortfolio(ctx context.Context, params map[string]any) (*PortfolioAnalysis, error) {
	userID := strParam(params, "user_id")
	weights := floatMapParam(params, "weights")
	if len(weights) == 0 {
		return nil, fmt.Errorf("portfolio_optimizer: weights are required")
	}

	returns, err := p.returnSeries(ctx, symbolsOf(weights))
	if err != nil {
		return nil, err
	}

	analysis := &PortfolioAnalysis{
		UserID:      userID,
		Weights:     weights,
		Assets:      make(map[string]*AssetStats, len(weights)),
		Correlation: correlationMatrix(returns),
		Timestamp:   p.now().UTC(),
	}

	for sym := range weights {
		analysis.Assets[sym] = assetStats(sym, returns[sym])
	}

	for sym, w := range weights {
		stats := analysis.Assets[sym]
		analysis.ExpectedReturn += w * stats.MeanReturn
		// Variance ignoring cross terms would understate risk; include them
		for other, wo := range weights {
			cov := analysis.Correlation[sym][other] * stats.Volatility * analysis.Assets[other].Volatility
			analysis.Volatility += w * wo * cov
		}
	}
	analysis.Volatility = math.Sqrt(math.Max(0, analysis.Volatility))
	if analysis.Volatility > 0 {
		analysis.Sharpe = analysis.ExpectedReturn / analysis.Volatility
	}

	if userID != "" {
		if err := p.persistJSON(ctx, portfolioAnalysisKey(userID), analysis, analysisTTL); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("Portfolio analysis persistence failed")
		}
	}

	return analysis, nil
}

func (p *PortfolioProcessor) suggestRebalancing(ctx context.Context, params map[string]any) (*RebalancingSuggestion, error) {
	userID := strParam(params, "user_id")
	current := floatMapParam(params, "current_weights")
	if len(current) == 0 {
		return nil, fmt.Errorf("portfolio_optimizer: current_weights are required")
	}

	riskLevel := strParam(params, "risk_level")
	if riskLevel == "" {
		riskLevel = RiskLevelModerate
	}
	minAlloc, ok := floatParam(params, "min_alloc")
	if !ok {
		minAlloc = defaultMinAlloc
	}
	maxAlloc, ok := floatParam(params, "max_alloc")
	if !ok {
		maxAlloc = defaultMaxAlloc
	}
	threshold, ok := floatParam(params, "rebalancing_threshold")
	if !ok {
		threshold = defaultRebalanceThreshold
	}

	returns, err := p.returnSeries(ctx, symbolsOf(current))
	if err != nil {
		return nil, err
	}
	stats := make(map[string]*AssetStats, len(current))
	for sym := range current {
		stats[sym] = assetStats(sym, returns[sym])
	}

	target := optimizeWeights(stats, riskLevel, minAlloc, maxAlloc)

	deltas := make(map[string]float64, len(target))
	maxDelta := 0.0
	for sym, w := range target {
		d := w - current[sym]
		deltas[sym] = d
		if math.Abs(d) > maxDelta {
			maxDelta = math.Abs(d)
		}
	}

	suggestion := &RebalancingSuggestion{
		ID:             uuid.NewString(),
		UserID:         userID,
		RiskLevel:      riskLevel,
		CurrentWeights: current,
		TargetWeights:  target,
		Deltas:         deltas,
		MaxDelta:       maxDelta,
		Timestamp:      p.now().UTC(),
	}

	if maxDelta < threshold {
		suggestion.Rebalance = false
		suggestion.Reason = fmt.Sprintf("largest change %.1f pp below %.1f pp threshold", maxDelta*100, threshold*100)
		return suggestion, nil
	}

	suggestion.Rebalance = true
	suggestion.Reason = fmt.Sprintf("largest change %.1f pp exceeds threshold", maxDelta*100)

	if userID != "" {
		if err := p.persistJSON(ctx, portfolioSuggestionKey(userID), suggestion, suggestionTTL); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("Suggestion persistence failed")
		}
	}

	return suggestion, nil
}

// applyRebalancing records the applied event; order execution is the bot's job
func (p *PortfolioProcessor) applyRebalancing(ctx context.Context, params map[string]any) (map[string]any, error) {
	userID := strParam(params, "user_id")
	if userID == "" {
		return nil, fmt.Errorf("portfolio_optimizer: user_id is required")
	}
	weights := floatMapParam(params, "target_weights")
	if len(weights) == 0 {
		return nil, fmt.Errorf("portfolio_optimizer: target_weights are required")
	}

	event := map[string]any{
		"event_id":       uuid.NewString(),
		"user_id":        userID,
		"suggestion_id":  strParam(params, "suggestion_id"),
		"target_weights": weights,
		"applied_at":     p.now().UTC().Format(time.RFC3339),
	}

	eventID := event["event_id"].(string)
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("portfolio_optimizer: marshal history event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, portfolioHistoryKey(eventID), payload, historyTTL)
	pipe.LPush(ctx, portfolioUserHistoryKey(userID), eventID)
	pipe.LTrim(ctx, portfolioUserHistoryKey(userID), 0, historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("portfolio_optimizer: persist history: %w", err)
	}

	p.log.Info().Str("user_id", userID).Str("event_id", eventID).Msg("Rebalancing applied")
	return event, nil
}

func (p *PortfolioProcessor) calculateCorrelation(ctx context.Context, params map[string]any) (map[string]map[string]float64, error) {
	symbols := strSliceParam(params, "symbols")
	if len(symbols) < 2 {
		return nil, fmt.Errorf("portfolio_optimizer: at least two symbols required")
	}

	returns, err := p.returnSeries(ctx, symbols)
	if err != nil {
		return nil, err
	}
	return correlationMatrix(returns), nil
}

// returnSeries fetches candle history and derives percent returns per symbol
func (p *PortfolioProcessor) returnSeries(ctx context.Context, symbols []string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(symbols))
	for _, sym := range symbols {
		candles, err := p.feed.Candles(ctx, sym, returnsTimeframe, returnsLookback)
		if err != nil {
			return nil, fmt.Errorf("portfolio_optimizer: candles for %s: %w", sym, err)
		}
		if len(candles) < 2 {
			return nil, fmt.Errorf("portfolio_optimizer: not enough history for %s", sym)
		}
		returns := make([]float64, 0, len(candles)-1)
		for i := 1; i < len(candles); i++ {
			prev := candles[i-1].Close
			if prev > 0 {
				returns = append(returns, (candles[i].Close-prev)/prev)
			}
		}
		out[sym] = returns
	}
	return out, nil
}

func (p *PortfolioProcessor) persistJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, key, payload, ttl).Err()
}

func assetStats(symbol string, returns []float64) *AssetStats {
	stats := &AssetStats{Symbol: symbol}
	if len(returns) == 0 {
		return stats
	}
	for _, r := range returns {
		stats.MeanReturn += r
	}
	stats.MeanReturn /= float64(len(returns))
	for _, r := range returns {
		d := r - stats.MeanReturn
		stats.Variance += d * d
	}
	stats.Variance /= float64(len(returns))
	stats.Volatility = math.Sqrt(stats.Variance)
	if stats.Volatility > 0 {
		stats.Sharpe = stats.MeanReturn / stats.Volatility
	}
	return stats
}

// optimizeWeights scores each asset by the risk-level objective, then projects
// the normalized scores into the [minAlloc, maxAlloc] box.
func optimizeWeights(stats map[string]*AssetStats, riskLevel string, minAlloc, maxAlloc float64) map[string]float64 {
	const epsilon = 1e-9

	scores := make(map[string]float64, len(stats))
	for sym, s := range stats {
		switch riskLevel {
		case RiskLevelConservative:
			scores[sym] = 1.0 / (s.Variance + epsilon)
		case RiskLevelAggressive:
			scores[sym] = math.Max(s.MeanReturn, 0) + epsilon
		default:
			scores[sym] = math.Max(s.Sharpe, 0) + epsilon
		}
	}

	total := 0.0
	for _, sc := range scores {
		total += sc
	}
	weights := make(map[string]float64, len(scores))
	for sym, sc := range scores {
		weights[sym] = sc / total
	}

	return clampNormalize(weights, minAlloc, maxAlloc)
}

// clampNormalize pushes weights into [min, max] while keeping the sum at 1.
// Alternating projection converges fast for feasible bounds.
func clampNormalize(weights map[string]float64, minAlloc, maxAlloc float64) map[string]float64 {
	n := float64(len(weights))
	if n*minAlloc > 1 || n*maxAlloc < 1 {
		// Infeasible bounds: fall back to equal weighting
		out := make(map[string]float64, len(weights))
		for sym := range weights {
			out[sym] = 1 / n
		}
		return out
	}

	out := make(map[string]float64, len(weights))
	for sym, w := range weights {
		out[sym] = w
	}

	for iter := 0; iter < 20; iter++ {
		sum := 0.0
		for _, w := range out {
			sum += w
		}
		if sum > 0 {
			for sym := range out {
				out[sym] /= sum
			}
		}

		clamped := false
		for sym, w := range out {
			if w < minAlloc {
				out[sym] = minAlloc
				clamped = true
			} else if w > maxAlloc {
				out[sym] = maxAlloc
				clamped = true
			}
		}
		if !clamped {
			break
		}
	}

	// Final pass: spread any residual across unclamped weights
	sum := 0.0
	for _, w := range out {
		sum += w
	}
	if residual := 1 - sum; math.Abs(residual) > 1e-9 {
		syms := make([]string, 0, len(out))
		for sym, w := range out {
			if residual > 0 && w < maxAlloc {
				syms = append(syms, sym)
			} else if residual < 0 && w > minAlloc {
				syms = append(syms, sym)
			}
		}
		sort.Strings(syms)
		if len(syms) > 0 {
			share := residual / float64(len(syms))
			for _, sym := range syms {
				out[sym] += share
			}
		}
	}

	return out
}

func correlationMatrix(returns map[string][]float64) map[string]map[string]float64 {
	symbols := make([]string, 0, len(returns))
	for sym := range returns {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	matrix := make(map[string]map[string]float64, len(symbols))
	for _, a := range symbols {
		matrix[a] = make(map[string]float64, len(symbols))
		for _, b := range symbols {
			matrix[a][b] = correlation(returns[a], returns[b])
		}
	}
	return matrix
}

func correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[:n], b[:n]

	meanA, meanB := 0.0, 0.0
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	cov, varA, varB := 0.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func symbolsOf(weights map[string]float64) []string {
	symbols := make([]string, 0, len(weights))
	for sym := range weights {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}
