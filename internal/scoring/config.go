package scoring

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config holds the tunable inputs of the scorer.
type Config struct {
	// HighRiskEndpoints are path prefixes that add the high_risk_endpoint
	// indicator. Matching is case-insensitive.
	HighRiskEndpoints []string `yaml:"high_risk_endpoints"`

	// AnonymizationRanges are CIDR prefixes of known anonymization
	// services (Tor exits, commercial VPN egress).
	AnonymizationRanges []string `yaml:"anonymization_ranges"`

	// Timezone used for the time-of-day rules. Empty means UTC.
	Timezone string `yaml:"timezone"`

	// OffHoursStart and OffHoursEnd bound the admin off-hours window:
	// hour < OffHoursEnd or hour >= OffHoursStart.
	OffHoursStart int `yaml:"off_hours_start"`
	OffHoursEnd   int `yaml:"off_hours_end"`

	// FailureWindow and FailureThreshold drive the repeated_failures rule.
	FailureWindow    time.Duration `yaml:"failure_window"`
	FailureThreshold int           `yaml:"failure_threshold"`

	// HistoryWindow is how far back address history is considered.
	HistoryWindow time.Duration `yaml:"history_window"`
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		HighRiskEndpoints: []string{
			"/api/secrets",
			"/api/system",
			"/api/admin/users",
			"/api/audit",
		},
		AnonymizationRanges: []string{
			"185.220.100.0/22",
			"171.25.193.0/24",
			"199.249.230.0/24",
			"204.85.191.0/24",
			"109.70.100.0/24",
		},
		Timezone:         "UTC",
		OffHoursStart:    22,
		OffHoursEnd:      6,
		FailureWindow:    time.Hour,
		FailureThreshold: 5,
		HistoryWindow:    24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.OffHoursStart < 0 || c.OffHoursStart > 24 || c.OffHoursEnd < 0 || c.OffHoursEnd > 24 {
		return fmt.Errorf("off-hours bounds must be within 0-24")
	}
	if c.FailureWindow <= 0 || c.HistoryWindow <= 0 {
		return fmt.Errorf("scoring windows must be positive")
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must not be negative")
	}
	_, err := compile(c)
	return err
}

// policy is the parsed form of Config used on the hot path.
type policy struct {
	cfg       Config
	location  *time.Location
	endpoints []string
	networks  []netip.Prefix
}

func compile(cfg Config) (*policy, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid scoring timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	p := &policy{cfg: cfg, location: loc}

	for _, e := range cfg.HighRiskEndpoints {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			p.endpoints = append(p.endpoints, e)
		}
	}

	for _, r := range cfg.AnonymizationRanges {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("invalid anonymization range %q: %w", r, err)
		}
		p.networks = append(p.networks, prefix.Masked())
	}

	return p, nil
}

func (p *policy) isAnonymized(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, n := range p.networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

func (p *policy) isHighRiskEndpoint(endpoint string) bool {
	endpoint = strings.ToLower(endpoint)
	for _, prefix := range p.endpoints {
		if strings.HasPrefix(endpoint, prefix) {
			return true
		}
	}
	return false
}

func (p *policy) isOffHours(hour int) bool {
	return hour < p.cfg.OffHoursEnd || hour >= p.cfg.OffHoursStart
}
