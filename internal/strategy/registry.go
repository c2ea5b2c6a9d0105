package strategy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
)

// ErrUnknownStrategy is returned for any name outside the fixed registry.
// Strategy code is never loaded dynamically.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Config carries the per-bot knobs a strategy constructor accepts.
// Zero values fall back to the variant's defaults.
type Config struct {
	Symbol       string
	BaseLeverage int
	MaxLeverage  int

	// Validator is the optional signal-validator agent; nil disables the
	// validation pass
	Validator *agent.Agent

	Log zerolog.Logger
}

type registration struct {
	version *semver.Version
	build   func(cfg Config) Strategy
}

var registry = map[string]registration{
	"momentum":    {version: semver.MustParse("1.3.0"), build: newMomentum},
	"adaptive":    {version: semver.MustParse("1.1.0"), build: newAdaptive},
	"sol_scalper": {version: semver.MustParse("0.8.2"), build: newScalper},
}

// New builds a registered strategy by name
func New(name string, cfg Config) (Strategy, error) {
	reg, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return reg.build(cfg), nil
}

// Version returns the registered version of a strategy
func Version(name string) (*semver.Version, error) {
	reg, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return reg.version, nil
}

// Available lists the registered strategy names in stable order
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
