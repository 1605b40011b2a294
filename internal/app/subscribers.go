package app

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tweetq/internal/config"
	"tweetq/internal/notifier"
)

// buildSubscribers creates the optional lifecycle sinks. Closers are returned even on
// error so partially built clients can be released.
func buildSubscribers(n *config.NotifierConfig) ([]notifier.Subscriber, []io.Closer, error) {
	if n == nil {
		return nil, nil, nil
	}
	var (
		subs    []notifier.Subscriber
		closers []io.Closer
	)
	if w := n.Webhook; w != nil {
		timeout, err := config.DurationOr("notifier.webhook.timeout", w.Timeout, 10*time.Second)
		if err != nil {
			return nil, closers, err
		}
		wh, err := notifier.NewWebhook(w.URL, w.Secret, timeout)
		if err != nil {
			return nil, closers, err
		}
		subs = append(subs, wh)
	}
	if t := n.Telegram; t != nil {
		tc, err := config.TelegramSettings(t)
		if err != nil {
			return nil, closers, err
		}
		tg, err := notifier.NewTelegram(tc)
		if err != nil {
			return nil, closers, err
		}
		subs = append(subs, tg)
	}
	if r := n.Redis; r != nil {
		if strings.TrimSpace(r.URL) == "" {
			return nil, closers, errors.New("notifier.redis.url: required (or set TWEETQ_REDIS_URL)")
		}
		opts, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, closers, err
		}
		client := redis.NewClient(opts)
		closers = append(closers, client)
		subs = append(subs, notifier.NewRedis(client, r.Channel))
	}
	if q := n.AMQP; q != nil {
		if strings.TrimSpace(q.URL) == "" {
			return nil, closers, errors.New("notifier.amqp.url: required (or set TWEETQ_AMQP_URL)")
		}
		am, err := notifier.DialAMQP(q.URL, q.Exchange)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, am)
		subs = append(subs, am)
	}
	return subs, closers, nil
}
