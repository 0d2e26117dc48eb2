package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "500ms" or "2m".
// Bare numbers are read as seconds.
type Duration struct {
	time.Duration
}

// DurationFrom wraps a standard time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	switch value.Tag {
	case "!!int":
		secs, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(secs) * time.Second
	case "!!float":
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(secs * float64(time.Second))
	default:
		if value.Value == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
	}
	return nil
}

// IsZero reports whether the duration is unset.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}
