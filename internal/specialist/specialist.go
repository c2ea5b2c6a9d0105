// Package specialist implements the five specialist agents that cooperate
// around the orchestrator: market-regime, signal-validator, anomaly-detector,
// risk-monitor and portfolio-optimizer. Every agent is rule-based first; the
// AI gateway only refines severity, confidence or narrative on top of the
// rule outcome.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BotCommand is the control-plane message published on bot:command:{id}
type BotCommand struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
	Auto   bool   `json:"auto"`
}

func botCommandChannel(botInstanceID string) string {
	return "bot:command:" + botInstanceID
}

// publishStop sends a stop command to one bot's control channel
func publishStop(ctx context.Context, client *redis.Client, botInstanceID, reason string, auto bool) error {
	payload, err := json.Marshal(BotCommand{Action: "stop", Reason: reason, Auto: auto})
	if err != nil {
		return fmt.Errorf("marshal bot command: %w", err)
	}
	if err := client.Publish(ctx, botCommandChannel(botInstanceID), payload).Err(); err != nil {
		return fmt.Errorf("publish stop to %s: %w", botInstanceID, err)
	}
	return nil
}

// Task params arrive as map[string]any from JSON; these helpers normalize
// the usual number/string shapes.

func strParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func strSliceParam(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func floatMapParam(params map[string]any, key string) map[string]float64 {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]float64:
		return m
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, e := range m {
			switch n := e.(type) {
			case float64:
				out[k] = n
			case int:
				out[k] = float64(n)
			}
		}
		return out
	}
	return nil
}

// errUnknownTaskType is the uniform failure for a task routed to the wrong agent
func errUnknownTaskType(agent, taskType string) error {
	return fmt.Errorf("%s: unknown task type %q", agent, taskType)
}
