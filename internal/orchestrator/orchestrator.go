// Package orchestrator routes orchestration events through a priority-ordered
// rule engine, dispatches agent actions, and aggregates the outcomes into a
// single final decision.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/metrics"
)

const (
	resultTTL          = time.Hour
	healthCheckTimeout = 3 * time.Second
)

// ExecutedAction records one dispatched rule action, in dispatch order
type ExecutedAction struct {
	RuleID  string `json:"rule_id"`
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
}

// Result is the outcome of handling one event
type Result struct {
	EventID         string           `json:"event_id"`
	EventType       EventType        `json:"event_type"`
	ActionsExecuted []ExecutedAction `json:"actions_executed"`
	ActionResults   map[string]any   `json:"action_results"`
	Success         bool             `json:"success"`
	Errors          []string         `json:"errors,omitempty"`
	FinalDecision   string           `json:"final_decision"`
	Timestamp       time.Time        `json:"timestamp"`
}

// AgentHealth is the orchestrator's view of one registered agent
type AgentHealth struct {
	AgentID       string    `json:"agent_id"`
	IsHealthy     bool      `json:"is_healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ErrorCount    int       `json:"error_count"`
}

// HandlerFunc observes handled events after their result is persisted
type HandlerFunc func(e *Event, res *Result)

type agentEntry struct {
	agent         *agent.Agent
	lastHeartbeat time.Time
	isHealthy     bool
	errorCount    int
}

// Orchestrator owns the agent registry, the rule set, and the pub/sub wiring
type Orchestrator struct {
	client *redis.Client
	log    zerolog.Logger
	prom   *metrics.Core
	now    func() time.Time

	healthTimeout time.Duration

	mu       sync.RWMutex
	agents   map[string]*agentEntry
	rules    []*Rule
	handlers map[EventType][]HandlerFunc
}

// New creates an orchestrator with the default rule set installed
func New(client *redis.Client, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:        client,
		log:           log.With().Str("component", "orchestrator").Logger(),
		prom:          metrics.GetCore(),
		now:           time.Now,
		healthTimeout: healthCheckTimeout,
		agents:        make(map[string]*agentEntry),
		rules:         DefaultRules(),
		handlers:      make(map[EventType][]HandlerFunc),
	}
}

// RegisterAgent makes an agent addressable by rule actions
func (o *Orchestrator) RegisterAgent(id string, a *agent.Agent) error {
	if id == "" || a == nil {
		return fmt.Errorf("register agent: id and instance required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.agents[id]; exists {
		return fmt.Errorf("agent %s already registered", id)
	}
	o.agents[id] = &agentEntry{
		agent:         a,
		lastHeartbeat: o.now().UTC(),
		isHealthy:     true,
	}
	o.log.Info().Str("agent_id", id).Msg("Agent registered")
	return nil
}

// AddRule installs an additional rule alongside the defaults
func (o *Orchestrator) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %s already installed", rule.ID)
		}
	}
	o.rules = append(o.rules, rule)
	o.log.Info().Str("rule_id", rule.ID).Int("priority", rule.Priority).Msg("Rule added")
	return nil
}

// AddEventHandler registers a callback invoked after an event is handled
func (o *Orchestrator) AddEventHandler(eventType EventType, fn HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[eventType] = append(o.handlers[eventType], fn)
}

// HandleEvent runs every matching enabled rule against the event, highest
// priority first, and aggregates the action results into a final decision.
// The result is persisted for one hour and passed to registered handlers.
func (o *Orchestrator) HandleEvent(ctx context.Context, e *Event) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	start := o.now()
	o.prom.EventsHandled.WithLabelValues(string(e.Type)).Inc()
	defer func() {
		o.prom.RuleDuration.Observe(o.now().Sub(start).Seconds())
	}()

	res := &Result{
		EventID:         e.ID,
		EventType:       e.Type,
		ActionsExecuted: []ExecutedAction{},
		ActionResults:   make(map[string]any),
		Success:         true,
		Timestamp:       o.now().UTC(),
	}

	for _, rule := range o.matchingRules(e) {
		o.executeRule(ctx, rule, e, res)
	}

	res.FinalDecision = decide(e, res)
	res.Success = len(res.Errors) == 0
	o.prom.FinalDecisions.WithLabelValues(string(e.Type), res.FinalDecision).Inc()

	if err := o.persistResult(ctx, res); err != nil {
		o.log.Error().Err(err).Str("event_id", e.ID).Msg("Failed to persist orchestration result")
	}

	o.mu.RLock()
	handlers := append([]HandlerFunc(nil), o.handlers[e.Type]...)
	o.mu.RUnlock()
	for _, fn := range handlers {
		fn(e, res)
	}

	o.log.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Int("actions", len(res.ActionsExecuted)).
		Str("final_decision", res.FinalDecision).
		Bool("success", res.Success).
		Msg("Event handled")

	return res, nil
}

// matchingRules returns enabled rules matching e, priority descending.
// Ties keep installation order.
func (o *Orchestrator) matchingRules(e *Event) []*Rule {
	o.mu.RLock()
	defer o.mu.RUnlock()

	matched := make([]*Rule, 0, len(o.rules))
	for _, rule := range o.rules {
		if rule.Enabled && rule.Matches(e) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

// executeRule dispatches every action of the rule in listed order. A failing
// action is recorded but does not stop the remaining ones.
func (o *Orchestrator) executeRule(ctx context.Context, rule *Rule, e *Event, res *Result) {
	for _, action := range rule.Actions {
		res.ActionsExecuted = append(res.ActionsExecuted, ExecutedAction{
			RuleID:  rule.ID,
			AgentID: action.AgentID,
			Action:  action.Action,
		})

		value, err := o.runAction(ctx, action, e)
		if err != nil {
			res.ActionResults[action.AgentID] = map[string]any{"error": err.Error()}
			res.Errors = append(res.Errors, fmt.Sprintf("%s.%s: %v", action.AgentID, action.Action, err))
			o.log.Warn().
				Err(err).
				Str("rule_id", rule.ID).
				Str("agent_id", action.AgentID).
				Str("action", action.Action).
				Msg("Rule action failed")
			continue
		}
		res.ActionResults[action.AgentID] = value
	}
}

// runAction builds the agent task and awaits it up to the action timeout.
// Task params are the action params overlaid with the event data plus the
// event identity.
func (o *Orchestrator) runAction(ctx context.Context, action AgentAction, e *Event) (any, error) {
	o.mu.RLock()
	entry, ok := o.agents[action.AgentID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s not registered", action.AgentID)
	}

	params := make(map[string]any, len(action.Params)+len(e.Data)+2)
	for k, v := range action.Params {
		params[k] = v
	}
	for k, v := range e.Data {
		params[k] = v
	}
	params["event_id"] = e.ID
	params["event_type"] = string(e.Type)

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}

	task := agent.NewTask(action.Action, params).
		WithPriority(taskPriorityFor(e.Priority)).
		WithTimeout(timeout)

	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return entry.agent.Do(actionCtx, task)
}

// taskPriorityFor maps the 1..5 event priority onto the agent queue classes
func taskPriorityFor(eventPriority int) agent.Priority {
	switch {
	case eventPriority >= 5:
		return agent.PriorityCritical
	case eventPriority >= 3:
		return agent.PriorityHigh
	default:
		return agent.PriorityNormal
	}
}

func (o *Orchestrator) persistResult(ctx context.Context, res *Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return o.client.Set(ctx, resultKey(res.EventID), payload, resultTTL).Err()
}

// GetResult loads a previously persisted orchestration result
func (o *Orchestrator) GetResult(ctx context.Context, eventID string) (*Result, error) {
	raw, err := o.client.Get(ctx, resultKey(eventID)).Bytes()
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", eventID, err)
	}
	return &res, nil
}

// PublishEvent broadcasts an event on its Redis channel
func (o *Orchestrator) PublishEvent(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return o.client.Publish(ctx, eventChannel(e.Type), payload).Err()
}

// SubscribeToEvents consumes every orchestration event channel and feeds the
// events back into HandleEvent. Returns the subscription; closing it stops
// the consumer goroutine.
func (o *Orchestrator) SubscribeToEvents(ctx context.Context) (*redis.PubSub, error) {
	pubsub := o.client.PSubscribe(ctx, eventsPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				o.log.Error().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed event")
				continue
			}
			if _, err := o.HandleEvent(ctx, &e); err != nil {
				o.log.Error().Err(err).Str("event_id", e.ID).Msg("Failed to handle subscribed event")
			}
		}
	}()

	o.log.Info().Str("pattern", eventsPattern).Msg("Subscribed to orchestration events")
	return pubsub, nil
}

// CheckAgentHealth probes every registered agent with a health_check task.
// Success refreshes the heartbeat and clears the error counter; failure
// flips the agent unhealthy.
func (o *Orchestrator) CheckAgentHealth(ctx context.Context) map[string]AgentHealth {
	o.mu.RLock()
	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	sort.Strings(ids)

	report := make(map[string]AgentHealth, len(ids))
	for _, id := range ids {
		report[id] = o.probeAgent(ctx, id)
	}
	return report
}

func (o *Orchestrator) probeAgent(ctx context.Context, id string) AgentHealth {
	o.mu.RLock()
	entry := o.agents[id]
	o.mu.RUnlock()

	task := agent.NewTask("health_check", nil).
		WithPriority(agent.PriorityCritical).
		WithTimeout(o.healthTimeout)

	probeCtx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()
	_, err := entry.agent.Do(probeCtx, task)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		entry.isHealthy = false
		entry.errorCount++
		o.log.Warn().Err(err).Str("agent_id", id).Msg("Agent health check failed")
	} else {
		entry.isHealthy = true
		entry.errorCount = 0
		entry.lastHeartbeat = o.now().UTC()
	}
	return AgentHealth{
		AgentID:       id,
		IsHealthy:     entry.isHealthy,
		LastHeartbeat: entry.lastHeartbeat,
		ErrorCount:    entry.errorCount,
	}
}

// decide aggregates the action results into the event's final decision.
// Result lookup follows the executed-action order (later submissions to the
// same agent id overwrite earlier ones).
func decide(e *Event, res *Result) string {
	switch e.Type {
	case EventSignalGenerated:
		return decideSignal(res)
	case EventAnomalyDetected:
		return decideAnomaly(e, res)
	case EventCircuitBreakerTripped:
		return decideCircuitBreaker(e, res)
	case EventRebalancingDue:
		return decideRebalancing(res)
	case EventMarketRegimeChanged:
		return decideRegimeChange(e, res)
	default:
		return "no_action"
	}
}

func decideSignal(res *Result) string {
	validation, ok := resultMap(res, "signal_validator")
	if !ok || hasError(validation) {
		return "block_risk"
	}
	if approved, _ := validation["approved"].(bool); !approved {
		if failedRule(validation, "confidence_floor") {
			return "block_low_confidence"
		}
		return "block_risk"
	}

	risk, ok := resultMap(res, "risk_monitor")
	if !ok || hasError(risk) {
		return "block_risk"
	}
	switch stringField(risk, "risk_level") {
	case "high", "critical":
		return "block_risk"
	case "warning":
		return "adjust_size"
	}
	return "allow"
}

func decideAnomaly(e *Event, res *Result) string {
	risk, ok := resultMap(res, "risk_monitor")
	if ok && stringField(risk, "decision") == "emergency_stop" {
		return "emergency_stop"
	}
	switch fmt.Sprint(e.Data["severity"]) {
	case "high", "critical":
		return "reduce_positions"
	case "medium":
		return "monitor"
	}
	if ok && stringField(risk, "decision") == "monitor" {
		return "monitor"
	}
	return "ignore"
}

func decideCircuitBreaker(e *Event, res *Result) string {
	if losing, _ := e.Data["losing_bots_only"].(bool); losing {
		return "stop_losing_bots"
	}
	risk, ok := resultMap(res, "risk_monitor")
	if ok && stringField(risk, "decision") == "stop_all_bots" {
		return "stop_all_bots"
	}
	// Could not confirm the full stop: fall back to the softer action
	return "reduce_all_positions"
}

func decideRebalancing(res *Result) string {
	suggestion, ok := resultMap(res, "portfolio_optimizer")
	if !ok || hasError(suggestion) {
		return "skip_validation_failed"
	}
	if rebalance, _ := suggestion["rebalance"].(bool); !rebalance {
		return "skip_insufficient_improvement"
	}

	validation, ok := resultMap(res, "signal_validator")
	if !ok || hasError(validation) {
		return "skip_validation_failed"
	}
	if approved, _ := validation["approved"].(bool); !approved {
		if failedRule(validation, "max_single_change") || failedRule(validation, "max_turnover") {
			return "skip_risk_increase"
		}
		return "skip_validation_failed"
	}
	return "apply_rebalancing"
}

func decideRegimeChange(e *Event, res *Result) string {
	analysis, ok := resultMap(res, "portfolio_optimizer")
	if !ok || hasError(analysis) {
		return "no_action"
	}
	switch fmt.Sprint(e.Data["new_regime"]) {
	case "VOLATILE", "LOW_VOLUME":
		return "adjust_risk_params"
	}
	return "trigger_rebalancing"
}

// resultMap normalizes an agent's action result to a generic map so the
// aggregation does not depend on the agent packages' concrete types
func resultMap(res *Result, agentID string) (map[string]any, bool) {
	value, ok := res.ActionResults[agentID]
	if !ok || value == nil {
		return nil, false
	}
	if m, isMap := value.(map[string]any); isMap {
		return m, true
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

func hasError(m map[string]any) bool {
	_, ok := m["error"]
	return ok
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// failedRule reports whether failed_rules contains an entry with the prefix
func failedRule(validation map[string]any, prefix string) bool {
	rules, _ := validation["failed_rules"].([]any)
	for _, r := range rules {
		if s, ok := r.(string); ok && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	// In-process results carry the typed slice
	typed, _ := validation["failed_rules"].([]string)
	for _, s := range typed {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
