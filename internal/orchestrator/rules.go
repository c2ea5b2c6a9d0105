package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altvane/tradepilot/internal/specialist"
)

// defaultActionTimeout applies when a rule action does not set its own
const defaultActionTimeout = 5 * time.Second

// AgentAction is one step of a rule: a task dispatched to a registered agent
type AgentAction struct {
	AgentID string         `json:"agent_id"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout time.Duration  `json:"timeout"`
}

// Rule maps triggering event types to an ordered list of agent actions.
// Rules are static configuration; all matching rules fire, highest priority
// first.
type Rule struct {
	ID                string         `json:"rule_id"`
	Name              string         `json:"name"`
	Triggers          []EventType    `json:"triggers"`
	TriggerConditions map[string]any `json:"trigger_conditions,omitempty"`
	Actions           []AgentAction  `json:"actions"`
	Enabled           bool           `json:"enabled"`
	Priority          int            `json:"priority"`
}

// Validate checks a rule before it enters the engine
func (r *Rule) Validate() error {
	if r.ID == "" || r.Name == "" {
		return fmt.Errorf("rule needs rule_id and name")
	}
	if len(r.Triggers) == 0 {
		return fmt.Errorf("rule %s has no triggers", r.ID)
	}
	for _, t := range r.Triggers {
		if !t.Valid() {
			return fmt.Errorf("rule %s: unknown trigger %q", r.ID, t)
		}
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s has no actions", r.ID)
	}
	for i, a := range r.Actions {
		if a.AgentID == "" || a.Action == "" {
			return fmt.Errorf("rule %s action %d needs agent_id and action", r.ID, i)
		}
	}
	return nil
}

// Matches reports whether the rule fires for the event: the trigger list
// must contain the event type and every trigger condition must equal the
// corresponding event data value.
func (r *Rule) Matches(e *Event) bool {
	triggered := false
	for _, t := range r.Triggers {
		if t == e.Type {
			triggered = true
			break
		}
	}
	if !triggered {
		return false
	}
	for key, want := range r.TriggerConditions {
		got, ok := e.Data[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// DefaultRules is the rule set installed on every orchestrator.
// Additional rules come from AddRule or a YAML config.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:       "signal_validation_pipeline",
			Name:     "Signal Validation Pipeline",
			Triggers: []EventType{EventSignalGenerated},
			Actions: []AgentAction{
				{AgentID: "signal_validator", Action: specialist.TaskValidateSignal, Timeout: 5 * time.Second},
				{AgentID: "risk_monitor", Action: specialist.TaskMonitorPosition, Timeout: 5 * time.Second},
			},
			Enabled:  true,
			Priority: 5,
		},
		{
			ID:       "anomaly_risk_alert",
			Name:     "Anomaly Risk Alert",
			Triggers: []EventType{EventAnomalyDetected},
			Actions: []AgentAction{
				{AgentID: "risk_monitor", Action: specialist.TaskCheckEmergencyStop, Timeout: 3 * time.Second},
			},
			Enabled:  true,
			Priority: 5,
		},
		{
			ID:       "circuit_breaker_emergency",
			Name:     "Circuit Breaker Emergency",
			Triggers: []EventType{EventCircuitBreakerTripped},
			Actions: []AgentAction{
				{AgentID: "risk_monitor", Action: specialist.TaskEmergencyStopAll, Timeout: 10 * time.Second},
			},
			Enabled:  true,
			Priority: 10,
		},
		{
			ID:       "rebalancing_validation",
			Name:     "Rebalancing Validation",
			Triggers: []EventType{EventRebalancingDue},
			Actions: []AgentAction{
				{AgentID: "portfolio_optimizer", Action: specialist.TaskSuggestRebalancing, Timeout: 10 * time.Second},
				{AgentID: "signal_validator", Action: specialist.TaskValidateRebalancing, Timeout: 5 * time.Second},
			},
			Enabled:  true,
			Priority: 3,
		},
		{
			ID:       "regime_portfolio_reanalysis",
			Name:     "Market Regime Portfolio Reanalysis",
			Triggers: []EventType{EventMarketRegimeChanged},
			Actions: []AgentAction{
				{AgentID: "portfolio_optimizer", Action: specialist.TaskAnalyzePortfolio, Timeout: 15 * time.Second},
			},
			Enabled:  true,
			Priority: 2,
		},
	}
}

// yamlRule mirrors Rule in config files; timeouts are plain seconds there
type yamlRule struct {
	RuleID            string         `yaml:"rule_id"`
	Name              string         `yaml:"name"`
	Triggers          []string       `yaml:"triggers"`
	TriggerConditions map[string]any `yaml:"trigger_conditions"`
	Actions           []struct {
		AgentID        string         `yaml:"agent_id"`
		Action         string         `yaml:"action"`
		Params         map[string]any `yaml:"params"`
		TimeoutSeconds int            `yaml:"timeout_seconds"`
	} `yaml:"actions"`
	Enabled  *bool `yaml:"enabled"`
	Priority int   `yaml:"priority"`
}

type rulesFile struct {
	Rules []yamlRule `yaml:"rules"`
}

// LoadRules parses a YAML rule set and validates every rule
func LoadRules(data []byte) ([]*Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for _, yr := range file.Rules {
		rule := &Rule{
			ID:                yr.RuleID,
			Name:              yr.Name,
			TriggerConditions: yr.TriggerConditions,
			Priority:          yr.Priority,
			Enabled:           yr.Enabled == nil || *yr.Enabled,
		}
		for _, t := range yr.Triggers {
			rule.Triggers = append(rule.Triggers, EventType(t))
		}
		for _, a := range yr.Actions {
			timeout := defaultActionTimeout
			if a.TimeoutSeconds > 0 {
				timeout = time.Duration(a.TimeoutSeconds) * time.Second
			}
			rule.Actions = append(rule.Actions, AgentAction{
				AgentID: a.AgentID,
				Action:  a.Action,
				Params:  a.Params,
				Timeout: timeout,
			})
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRulesFile reads a YAML rule set from disk
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return LoadRules(data)
}
