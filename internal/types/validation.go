package types

import (
	"fmt"
	"net/url"
	"time"
)

// Monitoring bounds. Interval is in minutes, windows in hours.
const (
	MaxNameLength          = 200
	MaxDescriptionLength   = 2000
	DefaultIntervalMinutes = 20
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 1440
	DefaultWindowHours     = 24
	MaxWindowHours         = 168
)

// ValidateTargetURL checks that raw is an absolute http(s) URL with a host.
func ValidateTargetURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid URL: %v", ErrCodeValidationInvalidConfig, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%s: URL scheme must be http or https", ErrCodeValidationInvalidConfig)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%s: URL must be absolute", ErrCodeValidationInvalidConfig)
	}
	return parsed, nil
}

// ValidateWindow ensures stop is after start and the window does not exceed max.
func ValidateWindow(start, stop time.Time, max time.Duration) error {
	if !stop.After(start) {
		return fmt.Errorf("%s: stop time must be after start time", ErrCodeValidationTimeWindow)
	}
	if max > 0 && stop.Sub(start) > max {
		return fmt.Errorf("%s: monitoring window cannot exceed %s", ErrCodeValidationTimeWindow, max)
	}
	return nil
}

// SSRFBlockedCIDRs are the destination ranges refused for outbound calls
// unless private targets are explicitly allowed.
var SSRFBlockedCIDRs = []string{
	"127.0.0.0/8",    // Localhost
	"10.0.0.0/8",     // Private Class A
	"172.16.0.0/12",  // Private Class B
	"192.168.0.0/16", // Private Class C
	"169.254.0.0/16", // Link-local, cloud metadata
	"0.0.0.0/8",      // Current network
	"224.0.0.0/4",    // Multicast
	"240.0.0.0/4",    // Reserved
	"100.64.0.0/10",  // Shared Address Space (CGN)
	"198.18.0.0/15",  // Benchmark testing
	"fc00::/7",       // IPv6 private
	"fe80::/10",      // IPv6 link-local
	"::1/128",        // IPv6 localhost
}
