package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/specialist"
)

// Bus is the NATS control plane: bot stop commands and trading pause/resume
// travel here, next to the Redis channels the agents already publish on, so
// external operators and out-of-process bot runners see them too.
type Bus struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// BusConfig configures the control bus
type BusConfig struct {
	NATSURL string
	Prefix  string // Subject prefix (default: "tradepilot.")
}

// ControlSignal is the trading pause/resume broadcast body
type ControlSignal struct {
	Event     string    `json:"event"` // trading_paused | trading_resumed
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBusConfig returns the local-broker defaults
func DefaultBusConfig() BusConfig {
	return BusConfig{
		NATSURL: nats.DefaultURL,
		Prefix:  "tradepilot.",
	}
}

// NewBus connects to NATS with infinite reconnects
func NewBus(config BusConfig, log zerolog.Logger) (*Bus, error) {
	busLog := log.With().Str("component", "control_bus").Logger()

	nc, err := nats.Connect(
		config.NATSURL,
		nats.Name("tradepilot-orchestrator"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				busLog.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLog.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if config.Prefix == "" {
		config.Prefix = "tradepilot."
	}

	busLog.Info().Str("nats_url", config.NATSURL).Str("prefix", config.Prefix).Msg("Control bus connected")

	return &Bus{nc: nc, prefix: config.Prefix, log: busLog}, nil
}

// botCommandSubject addresses one bot instance.
// Pattern: {prefix}bot.{bot_instance_id}.command
func (b *Bus) botCommandSubject(botInstanceID string) string {
	return fmt.Sprintf("%sbot.%s.command", b.prefix, botInstanceID)
}

// tradingControlSubject carries the pause/resume broadcast
func (b *Bus) tradingControlSubject() string {
	return b.prefix + "control.trading"
}

// PublishBotCommand sends a control command to one bot instance
func (b *Bus) PublishBotCommand(botInstanceID string, cmd specialist.BotCommand) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("control bus not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal bot command: %w", err)
	}
	subject := b.botCommandSubject(botInstanceID)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish bot command: %w", err)
	}

	b.log.Info().
		Str("bot_instance_id", botInstanceID).
		Str("action", cmd.Action).
		Str("reason", cmd.Reason).
		Msg("Bot command published")
	return nil
}

// SubscribeBotCommands delivers commands addressed to one bot instance
func (b *Bus) SubscribeBotCommands(botInstanceID string, fn func(specialist.BotCommand)) (*nats.Subscription, error) {
	subject := b.botCommandSubject(botInstanceID)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var cmd specialist.BotCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			b.log.Error().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed bot command")
			return
		}
		fn(cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to bot commands: %w", err)
	}
	return sub, nil
}

// PauseTrading broadcasts a trading pause to every listener
func (b *Bus) PauseTrading(reason string) error {
	return b.publishControl(ControlSignal{
		Event:     "trading_paused",
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// ResumeTrading broadcasts a trading resume
func (b *Bus) ResumeTrading() error {
	return b.publishControl(ControlSignal{
		Event:     "trading_resumed",
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bus) publishControl(sig ControlSignal) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("control bus not connected")
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal control signal: %w", err)
	}
	if err := b.nc.Publish(b.tradingControlSubject(), data); err != nil {
		return fmt.Errorf("failed to publish control signal: %w", err)
	}

	b.log.Info().Str("event", sig.Event).Str("reason", sig.Reason).Msg("Trading control broadcast")
	return nil
}

// SubscribeTradingControl delivers pause/resume broadcasts
func (b *Bus) SubscribeTradingControl(fn func(ControlSignal)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.tradingControlSubject(), func(msg *nats.Msg) {
		var sig ControlSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			b.log.Error().Err(err).Msg("Dropping malformed control signal")
			return
		}
		fn(sig)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to trading control: %w", err)
	}
	return sub, nil
}

// Flush waits for published messages to reach the broker
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Close drains and closes the NATS connection
func (b *Bus) Close() error {
	if b.nc != nil && !b.nc.IsClosed() {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
			return err
		}
	}
	return nil
}
