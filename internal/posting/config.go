// Package posting owns the process-wide posting cadence: validation, persistence and the
// computation of the next eligible dispatch time.
package posting

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Cadence string

const (
	CadenceHourly Cadence = "hourly"
	CadenceDaily  Cadence = "daily"
	CadenceCustom Cadence = "custom"
)

const (
	MinCustomInterval = 1
	MaxCustomInterval = 168
	MaxRandomWindow   = 120
)

// Config is the persisted posting configuration.
//
// The JSON shape is a public contract shared with UI/CLI collaborators:
//
//	{"enabled":true,"cadence":"custom","interval":6,"randomWindow":30,"nextPostTime":"2026-01-02T15:04:05Z"}
type Config struct {
	Enabled      bool       `json:"enabled"`
	Cadence      Cadence    `json:"cadence"`
	Interval     int        `json:"interval"`     // hours
	RandomWindow int        `json:"randomWindow"` // minutes
	NextPostTime *time.Time `json:"nextPostTime"`
}

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("invalid posting config")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("posting config: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Normalize validates c and returns it with the cadence preset applied.
// Preset cadences ignore the supplied interval; custom must be in [1,168].
func Normalize(c Config) (Config, error) {
	switch c.Cadence {
	case CadenceHourly:
		c.Interval = 1
	case CadenceDaily:
		c.Interval = 24
	case CadenceCustom:
		if c.Interval < MinCustomInterval || c.Interval > MaxCustomInterval {
			return Config{}, &ValidationError{Field: "interval", Reason: fmt.Sprintf("must be in [%d,%d] hours for custom cadence, got %d", MinCustomInterval, MaxCustomInterval, c.Interval)}
		}
	case "":
		return Config{}, &ValidationError{Field: "cadence", Reason: "required"}
	default:
		return Config{}, &ValidationError{Field: "cadence", Reason: fmt.Sprintf("unknown cadence %q", c.Cadence)}
	}
	if c.RandomWindow < 0 || c.RandomWindow > MaxRandomWindow {
		return Config{}, &ValidationError{Field: "randomWindow", Reason: fmt.Sprintf("must be in [0,%d] minutes, got %d", MaxRandomWindow, c.RandomWindow)}
	}
	return c, nil
}

// ComputeNextPostTime returns now + interval hours + uniform(0, randomWindow minutes),
// truncated to the millisecond. rng must return values in [0,1); out-of-range values are clamped.
func ComputeNextPostTime(c Config, now time.Time, rng func() float64) time.Time {
	base := now.Add(time.Duration(c.Interval) * time.Hour)
	if c.RandomWindow <= 0 || rng == nil {
		return base
	}
	r := rng()
	if r < 0 || math.IsNaN(r) {
		r = 0
	}
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	windowMS := float64(c.RandomWindow) * float64(time.Minute/time.Millisecond)
	jitter := time.Duration(math.Floor(r*windowMS)) * time.Millisecond
	return base.Add(jitter)
}

func (c Config) clone() Config {
	if c.NextPostTime != nil {
		t := *c.NextPostTime
		c.NextPostTime = &t
	}
	return c
}
