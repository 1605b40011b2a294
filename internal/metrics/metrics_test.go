package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetq/internal/notifier"
)

func TestSubscriberCountsEvents(t *testing.T) {
	m := New()
	sub := m.Subscriber()
	require.NoError(t, sub.Deliver(context.Background(), notifier.Event{Kind: notifier.KindPosted}))
	require.NoError(t, sub.Deliver(context.Background(), notifier.Event{Kind: notifier.KindPosted}))
	require.NoError(t, sub.Deliver(context.Background(), notifier.Event{Kind: notifier.KindFailed}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LifecycleEvents.WithLabelValues("posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleEvents.WithLabelValues("failed")))
}

func TestObservePublishAndTicks(t *testing.T) {
	m := New()
	m.ObservePublish("ok", 120*time.Millisecond)
	m.ObservePublish("rate_limit", 10*time.Millisecond)
	m.ObserveTick("posted")
	m.ObserveRestart("dispatch.run", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishRequests.WithLabelValues("rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues("posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRestarts.WithLabelValues("dispatch.run")))
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New()
	m.WatchQueue(func() map[string]int { return map[string]int{"queued": 3, "failed": 1} })
	next := time.Unix(1800000000, 0)
	m.WatchNextPost(func() (time.Time, bool) { return next, true })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	assert.Contains(t, out, `tweetq_queue_tweets{status="queued"} 3`)
	assert.Contains(t, out, `tweetq_queue_tweets{status="failed"} 1`)
	assert.Contains(t, out, "tweetq_next_post_timestamp_seconds 1.8e+09")
}
