package logx

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, v.String()) }
}

// Time logs t in UTC; the zero time is omitted.
func Time(k string, t time.Time) Field {
	return func(e *zerolog.Event) {
		if !t.IsZero() {
			e.Time(k, t.UTC())
		}
	}
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// TextLimit is the preview length used by Text.
const TextLimit = 48

// Text logs a single-line preview of user content, cut at TextLimit runes.
func Text(k, s string) Field {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > TextLimit {
		r := []rune(s)
		s = string(r[:TextLimit-1]) + "…"
	}
	return String(k, s)
}

// URL logs a connection string with any password replaced.
func URL(k, raw string) Field            { return String(k, redactURL(raw)) }

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		if strings.Contains(raw, "password=") {
			return "(redacted)"
		}
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	q := u.Query()
	for _, key := range []string{"password", "token", "secret"} {
		if q.Has(key) {
			q.Set(key, "xxxxx")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
