package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an orchestration event. The set is closed: rules and
// YAML configs referencing anything else are rejected at load time.
type EventType string

const (
	EventSignalGenerated       EventType = "SIGNAL_GENERATED"
	EventTradeExecuted         EventType = "TRADE_EXECUTED"
	EventPositionOpened        EventType = "POSITION_OPENED"
	EventPositionClosed        EventType = "POSITION_CLOSED"
	EventMarketRegimeChanged   EventType = "MARKET_REGIME_CHANGED"
	EventPriceAlert            EventType = "PRICE_ALERT"
	EventVolumeSpike           EventType = "VOLUME_SPIKE"
	EventRiskLevelChanged      EventType = "RISK_LEVEL_CHANGED"
	EventStopLossTriggered     EventType = "STOP_LOSS_TRIGGERED"
	EventMarginWarning         EventType = "MARGIN_WARNING"
	EventRebalancingDue        EventType = "REBALANCING_DUE"
	EventAllocationChanged     EventType = "ALLOCATION_CHANGED"
	EventAnomalyDetected       EventType = "ANOMALY_DETECTED"
	EventCircuitBreakerTripped EventType = "CIRCUIT_BREAKER_TRIGGERED"
)

var validEventTypes = map[EventType]struct{}{
	EventSignalGenerated:       {},
	EventTradeExecuted:         {},
	EventPositionOpened:        {},
	EventPositionClosed:        {},
	EventMarketRegimeChanged:   {},
	EventPriceAlert:            {},
	EventVolumeSpike:           {},
	EventRiskLevelChanged:      {},
	EventStopLossTriggered:     {},
	EventMarginWarning:         {},
	EventRebalancingDue:        {},
	EventAllocationChanged:     {},
	EventAnomalyDetected:       {},
	EventCircuitBreakerTripped: {},
}

// Valid reports whether t belongs to the closed event-type set
func (t EventType) Valid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// Event is the unit the orchestrator reacts to. Produced by strategies,
// specialist agents and the anomaly detector; consumed by HandleEvent.
type Event struct {
	ID            string         `json:"event_id"`
	Type          EventType      `json:"event_type"`
	SourceAgent   string         `json:"source_agent,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	BotInstanceID string         `json:"bot_instance_id,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      int            `json:"priority"` // 1 (lowest) .. 5 (highest)
}

// NewEvent creates an event with a generated ID and normal priority
func NewEvent(eventType EventType, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Priority:  3,
	}
}

// Validate checks the event before it enters the rule engine
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event")
	}
	if e.ID == "" {
		return fmt.Errorf("event has empty event_id")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event_type %q", e.Type)
	}
	return nil
}

// eventChannel is the Redis channel an event type broadcasts on
func eventChannel(t EventType) string {
	return "orchestration:events:" + string(t)
}

// eventsPattern matches every orchestration event channel
const eventsPattern = "orchestration:events:*"

// resultKey is where a handled event's outcome is persisted
func resultKey(eventID string) string {
	return "orchestration:result:" + eventID
}
