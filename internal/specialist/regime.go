package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/aigateway"
	"github.com/altvane/tradepilot/internal/exchange"
	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/market"
)

// Regime is the market regime classification for one symbol
type Regime string

const (
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
	RegimeRanging      Regime = "RANGING"
	RegimeVolatile     Regime = "VOLATILE"
	RegimeLowVolume    Regime = "LOW_VOLUME"
	RegimeUnknown      Regime = "UNKNOWN"
)

// Regime agent task types
const (
	TaskAnalyzeMarket    = "analyze_market"
	TaskGetCurrentRegime = "get_current_regime"
)

const (
	// regimeTaskTimeout is the hard deadline for one classification
	regimeTaskTimeout = 5 * time.Second

	// regimeCacheTTL keeps the per-symbol classification fresh for 5 minutes
	regimeCacheTTL = 300 * time.Second

	// regimeMinCandles is the fewest candles a classification accepts
	regimeMinCandles = 50

	// regimeFetchCandles is how many candles one analysis requests
	regimeFetchCandles = 100

	// Classification thresholds
	lowVolumeRatio      = 0.30
	volatileATRFactor   = 2.0
	trendingADXMin      = 25.0
	rangingADXMax       = 20.0
	rangingBandFraction = 0.40

	regimeEMAFast = 20
	regimeEMASlow = 50
)

func regimeCacheKey(symbol string) string {
	return "agent:market_regime:current:" + symbol
}

// RegimeResult is the classification output cached per symbol
type RegimeResult struct {
	Symbol      string    `json:"symbol"`
	Regime      Regime    `json:"regime"`
	Confidence  float64   `json:"confidence"`
	ADX         float64   `json:"adx"`
	ATR         float64   `json:"atr"`
	AvgATR      float64   `json:"avg_atr"`
	VolumeRatio float64   `json:"volume_ratio"`
	Support     float64   `json:"support"`
	Resistance  float64   `json:"resistance"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
}

// regimeReadout is the indicator subset a classification needs
type regimeReadout struct {
	price       float64
	emaFast     float64
	emaSlow     float64
	adx         float64
	atr         float64
	avgATR      float64
	bb          *indicators.Bands
	volumeRatio float64
	support     float64
	resistance  float64
}

// RegimeProcessor classifies the market regime per symbol.
// Rule-based classification is authoritative; the gateway only corroborates.
type RegimeProcessor struct {
	feed      *market.Feed
	client    *redis.Client
	ai        *aigateway.Service
	timeframe string
	now       func() time.Time
	log       zerolog.Logger
}

// NewRegimeProcessor creates the market-regime processor
func NewRegimeProcessor(feed *market.Feed, client *redis.Client, ai *aigateway.Service, timeframe string, log zerolog.Logger) *RegimeProcessor {
	if timeframe == "" {
		timeframe = "1h"
	}
	return &RegimeProcessor{
		feed:      feed,
		client:    client,
		ai:        ai,
		timeframe: timeframe,
		now:       time.Now,
		log:       log.With().Str("agent", "market_regime").Logger(),
	}
}

// NewRegimeAgent wraps the processor in a runtime agent
func NewRegimeAgent(feed *market.Feed, client *redis.Client, ai *aigateway.Service, timeframe string, log zerolog.Logger) *agent.Agent {
	return agent.New("market_regime", NewRegimeProcessor(feed, client, ai, timeframe, log), log)
}

// NewAnalyzeMarketTask builds the analysis task with its hard deadline
func NewAnalyzeMarketTask(symbol string) *agent.Task {
	return agent.NewTask(TaskAnalyzeMarket, map[string]any{"symbol": symbol}).
		WithPriority(agent.PriorityHigh).
		WithTimeout(regimeTaskTimeout)
}

// Process implements agent.Processor
func (p *RegimeProcessor) Process(ctx context.Context, task *agent.Task) (any, error) {
	switch task.Type {
	case TaskAnalyzeMarket:
		return p.analyzeMarket(ctx, task.Params)
	case TaskGetCurrentRegime:
		return p.getCurrentRegime(ctx, task.Params)
	case "health_check":
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errUnknownTaskType("market_regime", task.Type)
	}
}

func (p *RegimeProcessor) analyzeMarket(ctx context.Context, params map[string]any) (*RegimeResult, error) {
	symbol := strParam(params, "symbol")
	if symbol == "" {
		return nil, fmt.Errorf("market_regime: symbol is required")
	}

	candles, err := p.feed.Candles(ctx, symbol, p.timeframe, regimeFetchCandles)
	if err != nil {
		return nil, fmt.Errorf("market_regime: fetch candles for %s: %w", symbol, err)
	}
	if len(candles) < regimeMinCandles {
		return nil, fmt.Errorf("market_regime: need at least %d candles for %s, got %d", regimeMinCandles, symbol, len(candles))
	}

	readout, err := computeReadout(exchange.SeriesFrom(candles))
	if err != nil {
		return nil, fmt.Errorf("market_regime: indicators for %s: %w", symbol, err)
	}

	regime, confidence := classify(readout)

	result := &RegimeResult{
		Symbol:      symbol,
		Regime:      regime,
		Confidence:  confidence,
		ADX:         readout.adx,
		ATR:         readout.atr,
		AvgATR:      readout.avgATR,
		VolumeRatio: readout.volumeRatio,
		Support:     readout.support,
		Resistance:  readout.resistance,
		Price:       readout.price,
		Timestamp:   p.now().UTC(),
	}

	p.corroborate(ctx, result)

	if err := p.cacheResult(ctx, result); err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Regime cache write failed")
	}

	p.log.Info().
		Str("symbol", symbol).
		Str("regime", string(regime)).
		Float64("confidence", confidence).
		Float64("adx", readout.adx).
		Msg("Market regime classified")

	return result, nil
}

// getCurrentRegime serves the cached classification, re-analyzing on a miss
func (p *RegimeProcessor) getCurrentRegime(ctx context.Context, params map[string]any) (*RegimeResult, error) {
	symbol := strParam(params, "symbol")
	if symbol == "" {
		return nil, fmt.Errorf("market_regime: symbol is required")
	}

	raw, err := p.client.Get(ctx, regimeCacheKey(symbol)).Result()
	if err == nil {
		var cached RegimeResult
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return &cached, nil
		}
		p.client.Del(ctx, regimeCacheKey(symbol))
	}

	return p.analyzeMarket(ctx, params)
}

func (p *RegimeProcessor) cacheResult(ctx context.Context, result *RegimeResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, regimeCacheKey(result.Symbol), payload, regimeCacheTTL).Err()
}

// corroborate asks the gateway for a second opinion; agreement raises
// confidence, disagreement is logged, the rule verdict always stands.
func (p *RegimeProcessor) corroborate(ctx context.Context, result *RegimeResult) {
	if p.ai == nil || result.Regime == RegimeUnknown {
		return
	}

	res, err := p.ai.CallAI(ctx, aigateway.CallRequest{
		AgentType:    aigateway.AgentTypeMarketRegime,
		Prompt:       fmt.Sprintf("Classify the market regime for %s. ADX=%.1f ATR=%.4f avgATR=%.4f volume_ratio=%.2f price=%.2f. Answer as JSON {\"regime\": ..., \"confidence\": ...}.", result.Symbol, result.ADX, result.ATR, result.AvgATR, result.VolumeRatio, result.Price),
		ResponseType: aigateway.ResponseTypeMarketAnalysis,
		Symbol:       result.Symbol,
		Context: map[string]any{
			"adx":          result.ADX,
			"atr":          result.ATR,
			"volume_ratio": result.VolumeRatio,
		},
	})
	if err != nil || res.Skipped() {
		return
	}

	var opinion struct {
		Regime string `json:"regime"`
	}
	if err := aigateway.DecodeJSON(res.Response, &opinion); err != nil {
		return
	}

	if Regime(opinion.Regime) == result.Regime {
		result.Confidence = math.Min(1.0, result.Confidence+0.1)
	} else {
		p.log.Debug().
			Str("symbol", result.Symbol).
			Str("rules", string(result.Regime)).
			Str("model", opinion.Regime).
			Msg("Model disagrees with rule-based regime")
	}
}

// classify applies the strict priority ladder. Earlier rules win outright.
func classify(r *regimeReadout) (Regime, float64) {
	if r.volumeRatio < lowVolumeRatio {
		conf := clamp01(0.6 + (lowVolumeRatio - r.volumeRatio))
		return RegimeLowVolume, conf
	}

	if r.avgATR > 0 && r.atr >= volatileATRFactor*r.avgATR {
		conf := clamp01(0.6 + 0.2*(r.atr/r.avgATR-volatileATRFactor))
		return RegimeVolatile, conf
	}

	if r.adx > trendingADXMin {
		conf := clamp01(r.adx / 50.0)
		if r.price > r.emaFast && r.emaFast > r.emaSlow {
			return RegimeTrendingUp, conf
		}
		if r.price < r.emaFast && r.emaFast < r.emaSlow {
			return RegimeTrendingDown, conf
		}
	}

	if r.adx < rangingADXMax && inMiddleBand(r.price, r.bb) {
		conf := clamp01(0.5 + (rangingADXMax-r.adx)/rangingADXMax*0.5)
		return RegimeRanging, conf
	}

	return RegimeUnknown, 0.3
}

// inMiddleBand reports whether price sits in the middle 40% of the Bollinger band
func inMiddleBand(price float64, bb *indicators.Bands) bool {
	width := bb.Upper - bb.Lower
	if width <= 0 {
		return false
	}
	margin := (1.0 - rangingBandFraction) / 2.0
	lo := bb.Lower + margin*width
	hi := bb.Upper - margin*width
	return price >= lo && price <= hi
}

func computeReadout(s *indicators.Series) (*regimeReadout, error) {
	emaFast, err := indicators.EMA(s.Close, regimeEMAFast)
	if err != nil {
		return nil, err
	}
	emaSlow, err := indicators.EMA(s.Close, regimeEMASlow)
	if err != nil {
		return nil, err
	}
	adx, err := indicators.ADX(s.High, s.Low, s.Close, indicators.PeriodADX)
	if err != nil {
		return nil, err
	}
	atr, err := indicators.ATR(s.High, s.Low, s.Close, indicators.PeriodATR)
	if err != nil {
		return nil, err
	}
	avgATR, err := indicators.AvgATR(s.High, s.Low, s.Close, indicators.PeriodATR)
	if err != nil {
		return nil, err
	}
	bb, err := indicators.BollingerBands(s.Close, indicators.PeriodBollinger)
	if err != nil {
		return nil, err
	}
	volSMA, err := indicators.SMA(s.Volume, indicators.PeriodVolumeSMA)
	if err != nil {
		return nil, err
	}

	price := s.Close[s.Len()-1]
	volume := s.Volume[s.Len()-1]
	volumeRatio := 0.0
	if volSMA > 0 {
		volumeRatio = volume / volSMA
	}
	support, resistance := indicators.SupportResistance(s.High, s.Low, price)

	return &regimeReadout{
		price:       price,
		emaFast:     emaFast,
		emaSlow:     emaSlow,
		adx:         adx,
		atr:         atr,
		avgATR:      avgATR,
		bb:          bb,
		volumeRatio: volumeRatio,
		support:     support,
		resistance:  resistance,
	}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
