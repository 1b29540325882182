package readiness

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every readiness configuration failure.
var ErrInvalidConfig = errors.New("invalid readiness config")

// WindowMode selects how the evaluation window is bounded.
type WindowMode string

const (
	WindowCount    WindowMode = "count"
	WindowDuration WindowMode = "duration"
)

// DecayMode selects how a signal's weight fades with age.
type DecayMode string

const (
	DecayNone        DecayMode = "none"
	DecayLinear      DecayMode = "linear"
	DecayExponential DecayMode = "exponential"
)

// WindowConfig bounds the signals considered.
type WindowConfig struct {
	Mode     WindowMode    `yaml:"mode" json:"mode"`
	Size     int           `yaml:"size,omitempty" json:"size,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// DecayConfig describes recency weighting.
type DecayConfig struct {
	Mode DecayMode `yaml:"mode" json:"mode"`
	// HalfLife applies to exponential decay.
	HalfLife time.Duration `yaml:"half_life,omitempty" json:"half_life,omitempty"`
	// Horizon is the age at which linear decay reaches zero.
	Horizon time.Duration `yaml:"horizon,omitempty" json:"horizon,omitempty"`
}

// Thresholds map an aggregate score onto a classification.
type Thresholds struct {
	Emerging float64 `yaml:"emerging" json:"emerging"`
	Ready    float64 `yaml:"ready" json:"ready"`
}

// Config is the readiness business configuration.
type Config struct {
	Window  WindowConfig       `yaml:"window" json:"window"`
	Decay   DecayConfig        `yaml:"decay" json:"decay"`
	Weights map[string]float64 `yaml:"weights" json:"weights"`
	// DefaultWeight applies to signal names absent from Weights.
	DefaultWeight float64 `yaml:"default_weight" json:"default_weight"`
	// SelfReportWeight is the most all self-declared readiness in the window
	// can contribute, combined.
	SelfReportWeight float64 `yaml:"self_report_weight" json:"self_report_weight"`
	// MinSupportingSignals is the number of contributing non-self-report
	// signals required before "ready".
	MinSupportingSignals int        `yaml:"min_supporting_signals" json:"min_supporting_signals"`
	Thresholds           Thresholds `yaml:"thresholds" json:"thresholds"`
}

// ParseConfig decodes and validates a YAML readiness document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks internal consistency and the self-report rule.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Window.Mode {
	case WindowCount:
		if c.Window.Size <= 0 {
			return invalid("window size must be positive")
		}
	case WindowDuration:
		if c.Window.Duration <= 0 {
			return invalid("window duration must be positive")
		}
	default:
		return invalid("window mode %q must be count or duration", c.Window.Mode)
	}

	switch c.Decay.Mode {
	case DecayNone, "":
	case DecayLinear:
		if c.Decay.Horizon <= 0 {
			return invalid("linear decay horizon must be positive")
		}
	case DecayExponential:
		if c.Decay.HalfLife <= 0 {
			return invalid("exponential decay half_life must be positive")
		}
	default:
		return invalid("decay mode %q must be none, linear or exponential", c.Decay.Mode)
	}

	for name, weight := range c.Weights {
		if strings.TrimSpace(name) == "" {
			return invalid("weight name is required")
		}
		if !finite(weight) || weight < 0 {
			return invalid("weight %q must be a finite, non-negative number", name)
		}
	}
	if !finite(c.DefaultWeight) || c.DefaultWeight < 0 {
		return invalid("default_weight must be a finite, non-negative number")
	}
	if !finite(c.Thresholds.Emerging) || !finite(c.Thresholds.Ready) ||
		c.Thresholds.Emerging <= 0 || c.Thresholds.Ready <= c.Thresholds.Emerging {
		return invalid("thresholds must satisfy 0 < emerging < ready")
	}
	if !finite(c.SelfReportWeight) || c.SelfReportWeight < 0 {
		return invalid("self_report_weight must be a finite, non-negative number")
	}
	if c.SelfReportWeight >= c.Thresholds.Ready {
		return invalid("self_report_weight %.3f could reach the ready threshold %.3f on its own", c.SelfReportWeight, c.Thresholds.Ready)
	}
	if c.MinSupportingSignals < 1 {
		return invalid("min_supporting_signals must be at least 1")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Weight returns the configured weight for a signal name.
func (c Config) Weight(name string) float64 {
	if w, ok := c.Weights[name]; ok {
		return w
	}
	return c.DefaultWeight
}

// Clone returns a copy that shares no maps with c.
func (c Config) Clone() Config {
	c.Weights = maps.Clone(c.Weights)
	return c
}
