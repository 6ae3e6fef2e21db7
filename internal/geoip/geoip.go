// Package geoip resolves coarse geolocation for source addresses.
package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"security-risk-engine/internal/schema"
)

var (
	// ErrInvalidAddress is returned for input that does not parse as an IP.
	ErrInvalidAddress = errors.New("invalid ip address")

	// ErrNonPublicAddress is returned for loopback, private and link-local
	// addresses, which have no meaningful location.
	ErrNonPublicAddress = errors.New("address is not publicly routable")

	// ErrLookupFailed is returned when the upstream lookup fails.
	ErrLookupFailed = errors.New("geolocation lookup failed")
)

// Resolver maps an address to a location.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*schema.GeoLocation, error)
}

// HTTPConfig configures an HTTPResolver.
type HTTPConfig struct {
	// BaseURL of an ip-api compatible service.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultHTTPConfig returns the default lookup configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL: "http://ip-api.com",
		Timeout: 2 * time.Second,
	}
}

// HTTPResolver queries an ip-api compatible JSON endpoint.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPResolver creates a resolver.
func NewHTTPResolver(cfg HTTPConfig, logger *slog.Logger) *HTTPResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "geoip"),
	}
}

type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Timezone   string  `json:"timezone"`
	ISP        string  `json:"isp"`
}

const lookupFields = "status,message,country,regionName,city,lat,lon,timezone,isp"

// Lookup resolves ip.
func (r *HTTPResolver) Lookup(ctx context.Context, ip string) (*schema.GeoLocation, error) {
	if err := checkPublic(ip); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/json/%s?fields=%s", r.baseURL, url.PathEscape(ip), lookupFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream returned %d", ErrLookupFailed, resp.StatusCode)
	}

	var result ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrLookupFailed, result.Message)
	}

	return &schema.GeoLocation{
		Country:   orUnknown(result.Country),
		City:      orUnknown(result.City),
		Region:    orUnknown(result.RegionName),
		Latitude:  result.Lat,
		Longitude: result.Lon,
		Timezone:  orUnknown(result.Timezone),
		ISP:       orUnknown(result.ISP),
	}, nil
}

func checkPublic(ip string) error {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || addr.IsMulticast() {
		return ErrNonPublicAddress
	}
	return nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return schema.UnknownLocation
	}
	return s
}

// StaticResolver returns fixed locations from a map. Unknown addresses fail
// with ErrLookupFailed.
type StaticResolver map[string]schema.GeoLocation

// Lookup implements Resolver.
func (s StaticResolver) Lookup(ctx context.Context, ip string) (*schema.GeoLocation, error) {
	geo, ok := s[ip]
	if !ok {
		return nil, ErrLookupFailed
	}
	return &geo, nil
}
