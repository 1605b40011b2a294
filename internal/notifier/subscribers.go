package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "tweetq/pkg/logx"
)

// Log writes every event to log. Failures log at warn, everything else at info.
func Log(log logx.Logger) Subscriber {
	return Func("log", func(_ context.Context, e Event) error {
		fields := []logx.Field{
			logx.String("kind", string(e.Kind)),
			logx.String("tweet", e.TweetID),
		}
		if e.Attempts > 0 {
			fields = append(fields, logx.Int("attempts", e.Attempts))
		}
		if e.Error != "" {
			fields = append(fields, logx.String("error_kind", e.ErrorKind), logx.String("error", e.Error))
		}
		switch e.Kind {
		case KindFailed, KindPaused:
			log.Warn(e.Summary(), fields...)
		default:
			log.Info(e.Summary(), fields...)
		}
		return nil
	})
}

// Webhook POSTs each event as JSON. When secret is set the body is signed with
// HMAC-SHA256 in the X-Tweetq-Signature header.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhook(url, secret string, timeout time.Duration) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, secret: secret, client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tweetq-Event", string(e.Kind))
	if w.secret != "" {
		req.Header.Set("X-Tweetq-Signature", Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body, prefixed with "sha256=".
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write(body)
	return "sha256=" + hex.EncodeToString(m.Sum(nil))
}
