package approval

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the ordered list of level descriptors.
type Config struct {
	Levels []Level
}

// DefaultConfig builds the site / diocesan / director chain. The director level
// only activates above directorThreshold.
func DefaultConfig(directorThreshold decimal.Decimal) Config {
	return Config{Levels: []Level{
		{Number: 1, Code: "site", Name: "Site review", RequiredRoles: []string{"site_reviewer"}},
		{Number: 2, Code: "diocesan", Name: "Diocesan review", RequiredRoles: []string{"diocesan_reviewer"}},
		{
			Number:        3,
			Code:          "director",
			Name:          "Director review",
			RequiredRoles: []string{"director"},
			Activation:    Activation{Kind: ActivateTotalAbove, Limit: directorThreshold},
		},
	}}
}

// Validate checks numbering and role mapping.
func (c Config) Validate() error {
	seen := make(map[int]struct{}, len(c.Levels))
	for _, lvl := range c.Levels {
		if lvl.Number <= 0 {
			return fmt.Errorf("%w: level number must be positive", ErrInvalidConfig)
		}
		if _, dup := seen[lvl.Number]; dup {
			return fmt.Errorf("%w: duplicate level %d", ErrInvalidConfig, lvl.Number)
		}
		seen[lvl.Number] = struct{}{}
		if len(lvl.RequiredRoles) == 0 {
			return fmt.Errorf("%w: level %d has no required roles", ErrInvalidConfig, lvl.Number)
		}
		switch lvl.Activation.Kind {
		case "", ActivateAlways, ActivateTotalAbove:
		default:
			return fmt.Errorf("%w: level %d activation %q", ErrInvalidConfig, lvl.Number, lvl.Activation.Kind)
		}
	}
	return nil
}

type fileConfig struct {
	Levels []fileLevel `yaml:"levels"`
}

type fileLevel struct {
	Number     int      `yaml:"number"`
	Code       string   `yaml:"code"`
	Name       string   `yaml:"name"`
	Roles      []string `yaml:"roles"`
	Activation struct {
		Kind  string `yaml:"kind"`
		Limit string `yaml:"limit"`
	} `yaml:"activation"`
}

// ParseConfig decodes a YAML chain definition.
func ParseConfig(data []byte) (Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("approval: decode chain: %w", err)
	}
	cfg := Config{Levels: make([]Level, 0, len(raw.Levels))}
	for _, fl := range raw.Levels {
		lvl := Level{
			Number:        fl.Number,
			Code:          strings.TrimSpace(fl.Code),
			Name:          strings.TrimSpace(fl.Name),
			RequiredRoles: fl.Roles,
			Activation:    Activation{Kind: ActivationKind(strings.ToLower(strings.TrimSpace(fl.Activation.Kind)))},
		}
		if fl.Activation.Limit != "" {
			limit, err := decimal.NewFromString(fl.Activation.Limit)
			if err != nil {
				return Config{}, fmt.Errorf("%w: level %d limit: %v", ErrInvalidConfig, fl.Number, err)
			}
			lvl.Activation.Limit = limit
		}
		cfg.Levels = append(cfg.Levels, lvl)
	}
	sort.SliceStable(cfg.Levels, func(i, j int) bool { return cfg.Levels[i].Number < cfg.Levels[j].Number })
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML chain definition from disk.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("approval: read chain file: %w", err)
	}
	return ParseConfig(data)
}
