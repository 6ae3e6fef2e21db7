package reporting

import (
	"errors"
	"fmt"
	"time"
)

// Config holds report thresholds.
type Config struct {
	// Timeout bounds one Generate call.
	Timeout time.Duration `yaml:"timeout"`
	TopN    int           `yaml:"top_n"`

	// Business hours are [BusinessHourStart, BusinessHourEnd) on weekdays
	// in Timezone.
	Timezone          string `yaml:"timezone"`
	BusinessHourStart int    `yaml:"business_hour_start"`
	BusinessHourEnd   int    `yaml:"business_hour_end"`

	// Recommendation thresholds.
	RecurringThreatMin int     `yaml:"recurring_threat_min"`
	BlockCandidateMin  int     `yaml:"block_candidate_min"`
	OffHoursRatio      float64 `yaml:"off_hours_ratio"`
}

// DefaultConfig returns the standard report settings.
func DefaultConfig() Config {
	return Config{
		Timeout:            30 * time.Second,
		TopN:               10,
		Timezone:           "UTC",
		BusinessHourStart:  9,
		BusinessHourEnd:    18,
		RecurringThreatMin: 5,
		BlockCandidateMin:  10,
		OffHoursRatio:      0.3,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("reporting: timeout must be positive")
	}
	if c.TopN < 1 {
		return errors.New("reporting: top_n must be at least 1")
	}
	if c.BusinessHourStart < 0 || c.BusinessHourEnd > 24 || c.BusinessHourStart >= c.BusinessHourEnd {
		return fmt.Errorf("reporting: invalid business hours %d-%d", c.BusinessHourStart, c.BusinessHourEnd)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("reporting: %w", err)
	}
	return nil
}
