package posting

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		in       Config
		interval int
		field    string
	}{
		{name: "hourly ignores interval", in: Config{Cadence: CadenceHourly, Interval: 99}, interval: 1},
		{name: "daily ignores interval", in: Config{Cadence: CadenceDaily, Interval: 0}, interval: 24},
		{name: "custom lower bound", in: Config{Cadence: CadenceCustom, Interval: 1}, interval: 1},
		{name: "custom upper bound", in: Config{Cadence: CadenceCustom, Interval: 168}, interval: 168},
		{name: "custom zero", in: Config{Cadence: CadenceCustom, Interval: 0}, field: "interval"},
		{name: "custom too large", in: Config{Cadence: CadenceCustom, Interval: 169}, field: "interval"},
		{name: "window negative", in: Config{Cadence: CadenceHourly, RandomWindow: -1}, field: "randomWindow"},
		{name: "window too large", in: Config{Cadence: CadenceHourly, RandomWindow: 121}, field: "randomWindow"},
		{name: "window max", in: Config{Cadence: CadenceHourly, RandomWindow: 120}, interval: 1},
		{name: "missing cadence", in: Config{}, field: "cadence"},
		{name: "unknown cadence", in: Config{Cadence: "weekly"}, field: "cadence"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Normalize(tc.in)
			if tc.field != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tc.field, ve.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.interval, out.Interval)
		})
	}
}

func TestComputeNextPostTimeBounds(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Config{Cadence: CadenceCustom, Interval: 6, RandomWindow: 30}

	lo := ComputeNextPostTime(c, now, func() float64 { return 0 })
	assert.Equal(t, now.Add(6*time.Hour), lo)

	hi := ComputeNextPostTime(c, now, func() float64 { return 1 })
	assert.True(t, hi.Before(now.Add(6*time.Hour+30*time.Minute)))
	assert.True(t, hi.After(now.Add(6*time.Hour+29*time.Minute)))

	mid := ComputeNextPostTime(c, now, func() float64 { return 0.5 })
	assert.Equal(t, now.Add(6*time.Hour+15*time.Minute), mid)
}

func TestComputeNextPostTimeWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Config{Cadence: CadenceHourly, Interval: 1, RandomWindow: 120}
	rng := lockedRand(42)
	for i := 0; i < 500; i++ {
		got := ComputeNextPostTime(c, now, rng)
		assert.False(t, got.Before(now.Add(time.Hour)))
		assert.True(t, got.Before(now.Add(3*time.Hour)))
		assert.Zero(t, got.Nanosecond()%int(time.Millisecond))
	}
}

func TestComputeNextPostTimeNoWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Config{Cadence: CadenceDaily, Interval: 24}
	called := false
	got := ComputeNextPostTime(c, now, func() float64 { called = true; return 0.9 })
	assert.Equal(t, now.Add(24*time.Hour), got)
	assert.False(t, called)
}
