// Command tradepilot runs the full trading stack in one process: the market
// collector, the specialist agents, the orchestrator and one strategy loop
// per configured symbol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/aigateway"
	"github.com/altvane/tradepilot/internal/config"
	"github.com/altvane/tradepilot/internal/exchange"
	"github.com/altvane/tradepilot/internal/market"
	"github.com/altvane/tradepilot/internal/metrics"
	"github.com/altvane/tradepilot/internal/orchestrator"
	"github.com/altvane/tradepilot/internal/ratelimit"
	"github.com/altvane/tradepilot/internal/specialist"
	"github.com/altvane/tradepilot/internal/strategy"
)

const (
	analyzeInterval     = time.Minute
	healthCheckInterval = 30 * time.Second
	paperBalance        = 10000
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	rulesPath := flag.String("rules", "", "path to extra orchestration rules (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if err := run(cfg, *rulesPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("tradepilot exited with error")
	}
	log.Info().Msg("tradepilot stopped")
}

func run(cfg *config.Config, rulesPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	exch, err := buildExchange(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = exch.Close() }()

	var ai *aigateway.Service
	if cfg.Trading.EnableAI {
		ai = buildGateway(cfg, rdb)
	}

	cache := market.NewCandleCache(rdb, 5*time.Minute)
	feed := market.NewFeed(cache, exch)
	queue := market.NewQueue(cfg.Trading.MarketQueueCap)
	collector := market.NewCollector(cfg.Trading.Symbols, queue)

	agents := specialistAgents(feed, rdb, ai)
	orch := orchestrator.New(rdb, config.NewLogger("orchestrator"))
	if ai != nil {
		ai.OnBudgetEvent(func(ctx context.Context, evt aigateway.BudgetEvent) {
			e := orchestrator.NewEvent(orchestrator.EventRiskLevelChanged, map[string]any{
				"event":      evt.Type(),
				"severity":   evt.Severity(),
				"spent_usd":  evt.Spent,
				"budget_usd": evt.Budget,
			})
			e.SourceAgent = "aigateway"
			if err := orch.PublishEvent(ctx, e); err != nil {
				log.Warn().Err(err).Str("event", evt.Type()).Msg("Budget event publish failed")
			}
		})
	}
	for _, a := range agents {
		if err := orch.RegisterAgent(a.ID(), a); err != nil {
			return fmt.Errorf("register agent %s: %w", a.ID(), err)
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", a.ID(), err)
		}
	}
	defer stopAgents(agents)

	if rulesPath != "" {
		rules, err := orchestrator.LoadRulesFile(rulesPath)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		for _, r := range rules {
			if err := orch.AddRule(r); err != nil {
				return fmt.Errorf("add rule %s: %w", r.ID, err)
			}
		}
	}

	bus, err := orchestrator.NewBus(orchestrator.BusConfig{NATSURL: cfg.NATS.URL}, config.NewLogger("bus"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer func() { _ = bus.Close() }()

	strategies, err := buildStrategies(cfg, agentByID(agents, "signal_validator"))
	if err != nil {
		return err
	}

	ctl := newControl()
	if _, err := bus.SubscribeTradingControl(func(sig orchestrator.ControlSignal) {
		ctl.setPaused(sig.Event == "trading_paused")
		log.Warn().Str("event", sig.Event).Str("reason", sig.Reason).Msg("Trading control signal")
	}); err != nil {
		return fmt.Errorf("subscribe trading control: %w", err)
	}
	for _, s := range strategies {
		id := botInstanceID(s)
		if _, err := bus.SubscribeBotCommands(id, func(cmd specialist.BotCommand) {
			ctl.apply(id, cmd)
		}); err != nil {
			return fmt.Errorf("subscribe bot commands %s: %w", id, err)
		}
	}
	orch.AddEventHandler(orchestrator.EventCircuitBreakerTripped, func(e *orchestrator.Event, res *orchestrator.Result) {
		if res.FinalDecision != "stop_all_bots" {
			return
		}
		publishEmergencyStops(bus, strategies, "circuit_breaker")
	})

	pubsub, err := orch.SubscribeToEvents(ctx)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer func() { _ = pubsub.Close() }()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Monitoring.EnableMetrics {
		srv := metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return collector.Run(ctx) })

	watcher := market.NewWatcher(queue, func(md *market.MarketData, changePct float64) {
		e := orchestrator.NewEvent(orchestrator.EventPriceAlert, map[string]any{
			"symbol":               md.Symbol,
			"price":                md.Price,
			"price_change_percent": changePct,
		})
		e.Symbol = md.Symbol
		e.SourceAgent = "market_watcher"
		if err := orch.PublishEvent(ctx, e); err != nil {
			log.Warn().Err(err).Str("symbol", md.Symbol).Msg("Price alert publish failed")
		}
	})
	g.Go(func() error { return watcher.Run(ctx) })

	g.Go(func() error {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for id, h := range orch.CheckAgentHealth(ctx) {
					if !h.IsHealthy {
						log.Warn().Str("agent_id", id).Int("error_count", h.ErrorCount).
							Msg("Agent unhealthy")
					}
				}
			}
		}
	})

	for _, s := range strategies {
		s := s
		g.Go(func() error { return runStrategyLoop(ctx, s, exch, orch, ctl) })
	}

	err = g.Wait()

	if ai != nil {
		cost, calls := ai.Costs().SessionTotals()
		log.Info().Float64("session_cost_usd", cost).Int64("session_calls", calls).
			Msg("AI session totals")
	}
	return err
}

func buildExchange(cfg *config.Config) (exchange.Client, error) {
	if cfg.Trading.Mode == "paper" {
		log.Info().Msg("Paper trading against the mock exchange")
		return exchange.NewMockExchange(paperBalance), nil
	}
	return exchange.NewBinanceClient(exchange.BinanceConfig{
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Testnet:   cfg.Exchange.Testnet,
	}), nil
}

func buildGateway(cfg *config.Config, rdb *redis.Client) *aigateway.Service {
	pcfg := aigateway.ProviderConfig{
		Endpoint: cfg.AI.Endpoint,
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.Model,
		Timeout:  cfg.AI.GetTimeout(),
	}
	var provider aigateway.Provider
	if cfg.AI.Provider == "deepthink" {
		pcfg.Timeout = cfg.AI.GetDeepTimeout()
		provider = aigateway.NewDeepProvider(pcfg)
	} else {
		provider = aigateway.NewChatProvider(pcfg)
	}

	limiter := ratelimit.New(rdb, 60, time.Minute)
	return aigateway.NewService(cfg.AI, rdb, provider, cfg.Sampling, limiter)
}

func specialistAgents(feed *market.Feed, rdb *redis.Client, ai *aigateway.Service) []*agent.Agent {
	return []*agent.Agent{
		specialist.NewRegimeAgent(feed, rdb, ai, "1h", config.NewAgentLogger("market_regime", "regime")),
		specialist.NewValidatorAgent(ai, config.NewAgentLogger("signal_validator", "validator")),
		specialist.NewAnomalyAgent(rdb, ai, config.NewAgentLogger("anomaly_detector", "anomaly")),
		specialist.NewRiskAgent(rdb, ai, config.NewAgentLogger("risk_monitor", "risk")),
		specialist.NewPortfolioAgent(feed, rdb, config.NewAgentLogger("portfolio_optimizer", "portfolio")),
	}
}

func agentByID(agents []*agent.Agent, id string) *agent.Agent {
	for _, a := range agents {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

func stopAgents(agents []*agent.Agent) {
	for _, a := range agents {
		if err := a.Stop(5 * time.Second); err != nil {
			log.Warn().Err(err).Str("agent_id", a.ID()).Msg("Agent stop timed out")
		}
	}
}

// buildStrategies maps each configured symbol onto its strategy class
func buildStrategies(cfg *config.Config, validator *agent.Agent) ([]strategy.Strategy, error) {
	if !cfg.Trading.ValidateSignal {
		validator = nil
	}

	strategies := make([]strategy.Strategy, 0, len(cfg.Trading.Symbols))
	for _, symbol := range cfg.Trading.Symbols {
		name := strategyFor(symbol)
		s, err := strategy.New(name, strategy.Config{
			Symbol:    symbol,
			Validator: validator,
			Log:       config.NewStrategyLogger(name, "", symbol),
		})
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return strategies, nil
}

func strategyFor(symbol string) string {
	switch symbol {
	case "SOLUSDT":
		return "sol_scalper"
	case "ETHUSDT":
		return "momentum"
	default:
		return "adaptive"
	}
}

// botInstanceID is the control-plane address of one strategy loop
func botInstanceID(s strategy.Strategy) string {
	return s.Name() + ":" + s.Symbol()
}

// control tracks pause and stop signals from the NATS control plane;
// strategy loops consult it before every analysis pass
type control struct {
	mu      sync.Mutex
	paused  bool
	stopped map[string]bool
}

func newControl() *control {
	return &control{stopped: make(map[string]bool)}
}

func (c *control) setPaused(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = v
}

func (c *control) apply(botID string, cmd specialist.BotCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Action {
	case "stop", "pause":
		c.stopped[botID] = true
	case "start", "resume":
		c.stopped[botID] = false
	default:
		log.Warn().Str("bot", botID).Str("action", cmd.Action).Msg("Unknown bot command ignored")
		return
	}
	log.Warn().Str("bot", botID).Str("action", cmd.Action).Str("reason", cmd.Reason).Msg("Bot command applied")
}

func (c *control) blocked(botID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused || c.stopped[botID]
}

// publishEmergencyStops broadcasts a trading pause plus a stop command for
// every running bot
func publishEmergencyStops(bus *orchestrator.Bus, strategies []strategy.Strategy, reason string) {
	if err := bus.PauseTrading(reason); err != nil {
		log.Warn().Err(err).Msg("Trading pause broadcast failed")
	}
	cmd := specialist.BotCommand{Action: "stop", Reason: reason, Auto: true}
	for _, s := range strategies {
		if err := bus.PublishBotCommand(botInstanceID(s), cmd); err != nil {
			log.Warn().Err(err).Str("bot", botInstanceID(s)).Msg("Bot stop publish failed")
		}
	}
}

// runStrategyLoop drives one strategy on a fixed cadence and routes entry
// decisions through the orchestrator as SIGNAL_GENERATED events. Analysis
// pauses while the control plane holds the bot stopped.
func runStrategyLoop(ctx context.Context, s strategy.Strategy, exch exchange.Client, orch *orchestrator.Orchestrator, ctl *control) error {
	ticker := time.NewTicker(analyzeInterval)
	defer ticker.Stop()

	daily := time.NewTicker(time.Hour)
	defer daily.Stop()

	botID := botInstanceID(s)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-daily.C:
			s.DailyReset(now)
		case <-ticker.C:
			if ctl.blocked(botID) {
				log.Debug().Str("bot", botID).Msg("Bot held by control plane, skipping analysis")
				continue
			}

			positions, err := exch.FetchPositions(ctx, s.Symbol())
			if err != nil {
				log.Warn().Err(err).Str("symbol", s.Symbol()).Msg("Position fetch failed")
				continue
			}

			d, err := s.AnalyzeAndDecide(ctx, exch, "", positions)
			if err != nil {
				log.Error().Err(err).Str("symbol", s.Symbol()).Msg("Analyze failed")
				continue
			}
			if !d.IsEntry() {
				continue
			}

			side := "buy"
			if d.Action == strategy.ActionEnterShort {
				side = "sell"
			}
			event := orchestrator.NewEvent(orchestrator.EventSignalGenerated, map[string]any{
				"symbol":                s.Symbol(),
				"side":                  side,
				"confidence":            d.Confidence,
				"position_size_percent": d.PositionSizePercent,
				"leverage":              float64(d.TargetLeverage),
				"stop_loss_percent":     d.StopLossPercent,
				"take_profit_percent":   d.TakeProfitPercent,
				"strategy":              s.Name(),
			})
			if err := orch.PublishEvent(ctx, event); err != nil {
				log.Warn().Err(err).Msg("Signal event publish failed")
			}
		}
	}
}
