package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInvalidateAndRestore(t *testing.T) {
	s := NewSession("tok")
	require.True(t, s.IsValid())
	assert.Equal(t, "tok", s.Token())

	var expired, restored int
	s.OnExpired(func() { expired++ })
	s.OnRestored(func() { restored++ })

	s.Invalidate("401 from platform")
	s.Invalidate("again")
	assert.False(t, s.IsValid())
	assert.Equal(t, "", s.Token())
	assert.Equal(t, 1, expired)

	assert.ErrorIs(t, s.Restore("", time.Time{}), ErrEmptyToken)
	require.NoError(t, s.Restore("tok2", time.Time{}))
	require.NoError(t, s.Restore("tok3", time.Time{}))
	assert.True(t, s.IsValid())
	assert.Equal(t, "tok3", s.Token())
	assert.Equal(t, 1, restored)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("tok", WithClock(func() time.Time { return now }), WithExpiry(now.Add(time.Minute)))
	fired := false
	s.OnExpired(func() { fired = true })

	assert.True(t, s.IsValid())
	now = now.Add(time.Minute)
	assert.False(t, s.IsValid())
	assert.True(t, fired)
}

func TestEmptySessionIsInvalid(t *testing.T) {
	assert.False(t, NewSession("").IsValid())
	var p Provider = Static{}
	assert.True(t, p.IsValid())
}
