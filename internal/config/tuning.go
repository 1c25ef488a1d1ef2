package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// StreamTuning holds the optional YAML-file overrides for streaming behavior.
// Every field is optional; zero values leave the env-derived defaults in place.
//
// Example:
//
//	heartbeat_interval_ms: 7000
//	heartbeat_jitter_ms: 1000
//	stale_session_max_age_ms: 600000
//	stale_sweep_schedule: "@every 1m"
//	max_iterations_cap: 10
type StreamTuning struct {
	HeartbeatIntervalMS  int    `yaml:"heartbeat_interval_ms"`
	HeartbeatJitterMS    int    `yaml:"heartbeat_jitter_ms"`
	StaleSessionMaxAgeMS int    `yaml:"stale_session_max_age_ms"`
	StaleSweepSchedule   string `yaml:"stale_sweep_schedule"`
	MaxIterationsCap     int    `yaml:"max_iterations_cap"`
}

// LoadStreamTuning reads and parses a stream tuning YAML file.
func LoadStreamTuning(path string) (*StreamTuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stream tuning config: %w", err)
	}

	var tuning StreamTuning
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return nil, fmt.Errorf("parse stream tuning config: %w", err)
	}

	if err := tuning.Validate(); err != nil {
		return nil, err
	}

	return &tuning, nil
}

// Validate rejects obviously broken tuning values.
func (t *StreamTuning) Validate() error {
	if t.HeartbeatIntervalMS < 0 || t.HeartbeatJitterMS < 0 || t.StaleSessionMaxAgeMS < 0 {
		return fmt.Errorf("stream tuning durations must be non-negative")
	}
	if t.HeartbeatIntervalMS > 0 && t.HeartbeatIntervalMS < 1000 {
		return fmt.Errorf("heartbeat_interval_ms must be at least 1000, got %d", t.HeartbeatIntervalMS)
	}
	if t.MaxIterationsCap < 0 {
		return fmt.Errorf("max_iterations_cap must be non-negative")
	}
	return nil
}
