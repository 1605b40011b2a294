package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTick(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		next time.Time
	}{
		{"", base.Add(30 * time.Second)},
		{"@every 45s", base.Add(45 * time.Second)},
		{"30s", base.Add(30 * time.Second)},
		{"every:2m", base.Add(2 * time.Minute)},
		{"00:05", base.Add(5 * time.Minute)},
		{"*/10 * * * *", base.Add(10 * time.Minute)},
		{"cron:0 */15 * * * *", base.Add(15 * time.Minute)},
		{"@hourly", base.Add(time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			s, err := ParseTick(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.next, s.Next(base))
		})
	}
}

func TestParseTickErrors(t *testing.T) {
	for _, in := range []string{"soon", "cron:", "every:", "00:75", "every:500ms", "61 * * * *"} {
		_, err := ParseTick(in)
		assert.Error(t, err, in)
	}
}
