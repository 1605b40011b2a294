package config

import (
	"reflect"
	"strings"

	logx "tweetq/pkg/logx"
)

// Changes returns the sections that differ between two configs and safe structured
// fields for logging (never tokens, DSNs or URLs).
func Changes(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.String("dispatch.tick", newCfg.Dispatch.TickSpec()))
	}
	if !reflect.DeepEqual(oldCfg.Publish, newCfg.Publish) {
		changed = append(changed, "publish")
		attrs = append(attrs,
			logx.String("publish.driver", newCfg.Publish.Driver),
			logx.Bool("publish.token_changed", oldCfg.Publish.Token != newCfg.Publish.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.webhook", n.Webhook != nil),
				logx.Bool("notifier.telegram", n.Telegram != nil),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.ListenAddr()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Posting, newCfg.Posting) {
		changed = append(changed, "posting")
	}
	return changed, attrs
}

// Live reports whether a changed section takes effect without a restart. Within publish
// only the token is applied live. The posting section only seeds an empty store.
func Live(section string) bool {
	switch strings.ToLower(section) {
	case "logging", "notifier":
		return true
	default:
		return false
	}
}
