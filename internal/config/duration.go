package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DurationOrDefault parses a config duration such as "500ms" or "2m", using
// fallback when value is blank. A bare integer is read as seconds, which is
// how timeouts usually arrive through CONVSTREAM_* environment variables.
func DurationOrDefault(value, fallback string) (time.Duration, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		raw = strings.TrimSpace(fallback)
	}
	if raw == "" {
		return 0, fmt.Errorf("duration is not set and has no default")
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("duration %q is negative", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (want e.g. 500ms, 20s, 5m): %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", raw)
	}
	return d, nil
}
