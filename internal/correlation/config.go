package correlation

import (
	"errors"
	"time"
)

// Config holds detector thresholds. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// Timeout bounds one Analyze call across all detectors.
	Timeout time.Duration `yaml:"timeout"`

	// Coordinated attack: more than CoordinatedMinEvents events of one type
	// with risk >= CoordinatedMinRisk from more than CoordinatedMinSources
	// distinct addresses within CoordinatedWindow.
	CoordinatedWindow     time.Duration `yaml:"coordinated_window"`
	CoordinatedMinRisk    int           `yaml:"coordinated_min_risk"`
	CoordinatedMinEvents  int           `yaml:"coordinated_min_events"`
	CoordinatedMinSources int           `yaml:"coordinated_min_sources"`

	// User anomaly: risk above AnomalyMultiplier x baseline and above
	// AnomalyMinRisk, with the baseline drawn from up to AnomalyMaxHistory
	// events over AnomalyLookback.
	AnomalyLookback   time.Duration `yaml:"anomaly_lookback"`
	AnomalyMaxHistory int           `yaml:"anomaly_max_history"`
	AnomalyMinHistory int           `yaml:"anomaly_min_history"`
	AnomalyMultiplier float64       `yaml:"anomaly_multiplier"`
	AnomalyMinRisk    int           `yaml:"anomaly_min_risk"`

	// System pattern: more than PatternMinEvents events with risk >=
	// PatternMinRisk in PatternWindow, one type holding more than
	// PatternDominance of them.
	PatternWindow     time.Duration `yaml:"pattern_window"`
	PatternMinRisk    int           `yaml:"pattern_min_risk"`
	PatternMinEvents  int           `yaml:"pattern_min_events"`
	PatternDominance  float64       `yaml:"pattern_dominance"`
	PatternHighVolume int           `yaml:"pattern_high_volume"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,

		CoordinatedWindow:     10 * time.Minute,
		CoordinatedMinRisk:    40,
		CoordinatedMinEvents:  3,
		CoordinatedMinSources: 2,

		AnomalyLookback:   7 * 24 * time.Hour,
		AnomalyMaxHistory: 50,
		AnomalyMinHistory: 6,
		AnomalyMultiplier: 2,
		AnomalyMinRisk:    60,

		PatternWindow:     30 * time.Minute,
		PatternMinRisk:    30,
		PatternMinEvents:  10,
		PatternDominance:  0.7,
		PatternHighVolume: 20,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("correlation: timeout must be positive")
	}
	if c.CoordinatedWindow <= 0 || c.AnomalyLookback <= 0 || c.PatternWindow <= 0 {
		return errors.New("correlation: detector windows must be positive")
	}
	if c.AnomalyMaxHistory < c.AnomalyMinHistory {
		return errors.New("correlation: anomaly_max_history below anomaly_min_history")
	}
	if c.PatternDominance <= 0 || c.PatternDominance > 1 {
		return errors.New("correlation: pattern_dominance must be in (0,1]")
	}
	return nil
}
