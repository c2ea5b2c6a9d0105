package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ProfileSchemaVersion is the current profile schema version
const ProfileSchemaVersion = "1.1"

// ProfileFormat selects the serialization of an exported profile
type ProfileFormat string

const (
	FormatYAML ProfileFormat = "yaml"
	FormatJSON ProfileFormat = "json"
)

// Profile is an exportable bot configuration: everything needed to
// reconstruct a strategy instance except live dependencies. Profiles are
// shared between users and survive upgrades through schema migration.
type Profile struct {
	SchemaVersion string    `yaml:"schema_version" json:"schema_version"`
	ID            string    `yaml:"id" json:"id"`
	Strategy      string    `yaml:"strategy" json:"strategy"`
	Version       string    `yaml:"version" json:"version"`
	Symbol        string    `yaml:"symbol,omitempty" json:"symbol,omitempty"`
	BaseLeverage  int       `yaml:"base_leverage,omitempty" json:"base_leverage,omitempty"`
	MaxLeverage   int       `yaml:"max_leverage,omitempty" json:"max_leverage,omitempty"`
	UseValidator  bool      `yaml:"use_validator" json:"use_validator"`
	ExportedAt    time.Time `yaml:"exported_at" json:"exported_at"`
}

// ExportProfile captures a registered strategy and its per-bot overrides
func ExportProfile(name string, cfg Config, format ProfileFormat) ([]byte, error) {
	version, err := Version(name)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		SchemaVersion: ProfileSchemaVersion,
		ID:            uuid.NewString(),
		Strategy:      name,
		Version:       version.String(),
		Symbol:        cfg.Symbol,
		BaseLeverage:  cfg.BaseLeverage,
		MaxLeverage:   cfg.MaxLeverage,
		UseValidator:  cfg.Validator != nil,
		ExportedAt:    time.Now().UTC(),
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(p, "", "  ")
	case FormatYAML, "":
		return yaml.Marshal(p)
	default:
		return nil, fmt.Errorf("unsupported profile format %q", format)
	}
}

// ImportProfile parses, migrates and validates a profile. Unknown strategy
// names are refused; profile contents never become executable code.
func ImportProfile(data []byte) (*Profile, error) {
	p := &Profile{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, p); err != nil {
			return nil, fmt.Errorf("parse profile: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse profile: %w", err)
		}
	}

	if err := migrateProfile(p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Build constructs the strategy the profile describes. The base config
// supplies live dependencies (logger, validator agent); the profile's
// overrides win for everything it carries.
func (p *Profile) Build(base Config) (Strategy, error) {
	cfg := base
	if p.Symbol != "" {
		cfg.Symbol = p.Symbol
	}
	if p.BaseLeverage > 0 {
		cfg.BaseLeverage = p.BaseLeverage
	}
	if p.MaxLeverage > 0 {
		cfg.MaxLeverage = p.MaxLeverage
	}
	if !p.UseValidator {
		cfg.Validator = nil
	}
	return New(p.Strategy, cfg)
}

func (p *Profile) validate() error {
	if _, ok := registry[p.Strategy]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, p.Strategy)
	}
	if p.Version != "" {
		if _, err := semver.NewVersion(p.Version); err != nil {
			return fmt.Errorf("invalid strategy version %q: %w", p.Version, err)
		}
	}
	if p.BaseLeverage < 0 || p.MaxLeverage < 0 {
		return fmt.Errorf("leverage overrides must be non-negative")
	}
	if p.MaxLeverage > 0 && p.BaseLeverage > p.MaxLeverage {
		return fmt.Errorf("base leverage %d exceeds max leverage %d", p.BaseLeverage, p.MaxLeverage)
	}
	return nil
}

// migrateProfile upgrades older schema versions in place
func migrateProfile(p *Profile) error {
	if p.SchemaVersion == "" {
		return fmt.Errorf("profile missing schema_version")
	}
	if p.SchemaVersion == ProfileSchemaVersion {
		return nil
	}

	have, err := parseSchemaVersion(p.SchemaVersion)
	if err != nil {
		return err
	}
	want, _ := parseSchemaVersion(ProfileSchemaVersion)
	if have.GreaterThan(want) {
		return fmt.Errorf("profile schema %s is newer than supported %s", p.SchemaVersion, ProfileSchemaVersion)
	}

	// 1.0 predates the validator flag; older bots always validated
	if have.LessThan(semver.MustParse("1.1.0")) {
		p.UseValidator = true
	}
	p.SchemaVersion = ProfileSchemaVersion
	return nil
}

// parseSchemaVersion accepts the short major.minor form used in profiles
func parseSchemaVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		parsed, err = semver.NewVersion(v + ".0")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid schema version %q", v)
	}
	return parsed, nil
}
