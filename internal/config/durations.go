package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses a config duration. Empty means zero. Besides Go syntax ("90s", "1h30m")
// it takes whole days ("2d") and bare integers as seconds.
func Duration(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %q", key, raw)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// DurationOr is Duration with def substituted for empty or zero values.
func DurationOr(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
