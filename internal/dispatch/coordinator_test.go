package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetq/internal/auth"
	"tweetq/internal/notifier"
	"tweetq/internal/posting"
	"tweetq/internal/publish"
	"tweetq/internal/queue"
	"tweetq/internal/storage"
	"tweetq/internal/thread"
	logx "tweetq/pkg/logx"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type scriptPub struct {
	mu    sync.Mutex
	calls []publish.Post
	errs  []error
}

func (p *scriptPub) Publish(_ context.Context, post publish.Post) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, post)
	idx := len(p.calls) - 1
	if idx < len(p.errs) && p.errs[idx] != nil {
		return "", p.errs[idx]
	}
	return fmt.Sprintf("p%d", idx), nil
}

func (p *scriptPub) Calls() []publish.Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.Post(nil), p.calls...)
}

type noteRec struct {
	mu  sync.Mutex
	evs []notifier.Event
}

func (n *noteRec) Notify(e notifier.Event) error {
	n.mu.Lock()
	n.evs = append(n.evs, e)
	n.mu.Unlock()
	return nil
}

func (n *noteRec) Kinds() []notifier.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifier.Kind, 0, len(n.evs))
	for _, e := range n.evs {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	clk   *clock
	store storage.Store
	pm    *posting.Manager
	q     *queue.Queue
	notes *noteRec
	co    *Coordinator
}

var hourly = posting.Config{Enabled: true, Cadence: posting.CadenceHourly, Interval: 1, RandomWindow: 0}

func newHarness(t *testing.T, cfg posting.Config, pub publish.Publisher, opts ...Option) *harness {
	t.Helper()
	h := &harness{clk: &clock{t: t0}, store: storage.NewMemory(), notes: &noteRec{}}
	h.pm = posting.NewManager(h.store, posting.WithClock(h.clk.Now), posting.WithRand(func() float64 { return 0 }))
	require.NoError(t, h.pm.Load(context.Background(), cfg))
	var n atomic.Int64
	h.q = queue.New(h.store, queue.WithClock(h.clk.Now), queue.WithIDs(func() string { return fmt.Sprintf("t%02d", n.Add(1)) }))
	base := []Option{WithClock(h.clk.Now), WithNotifier(h.notes)}
	h.co = New(h.q, h.pm, pub, append(base, opts...)...)
	return h
}

func (h *harness) enqueue(t *testing.T, text string) queue.Tweet {
	t.Helper()
	tw, err := h.q.Enqueue(context.Background(), queue.Draft{Text: text})
	require.NoError(t, err)
	return tw
}

func (h *harness) tick(t *testing.T) Outcome {
	t.Helper()
	out, err := h.co.Tick(context.Background())
	require.NoError(t, err)
	return out
}

func text400() string {
	s := strings.Repeat("abcdefghi ", 40)
	return s[:len(s)-1] + "!"
}

func TestEndToEndThreadDispatch(t *testing.T) {
	pub := &scriptPub{}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, text400())

	assert.Equal(t, OutcomeNotDue, h.tick(t))
	head, _ := h.q.Get(tw.ID)
	require.NotNil(t, head.ScheduledFor)
	assert.True(t, head.ScheduledFor.Equal(t0.Add(time.Hour)))
	assert.Empty(t, pub.Calls())

	h.clk.Set(t0.Add(time.Hour))
	assert.Equal(t, OutcomePosted, h.tick(t))

	calls := pub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "", calls[0].InReplyTo)
	assert.Equal(t, "p0", calls[1].InReplyTo)
	for _, c := range calls {
		assert.LessOrEqual(t, len([]rune(c.Text)), 280)
	}

	done, _ := h.q.Get(tw.ID)
	assert.Equal(t, queue.StatusPosted, done.Status)
	assert.Equal(t, 0, done.Attempts)
	require.Len(t, done.Segments, 2)
	assert.Equal(t, text400(), thread.Join(done.Segments))
	require.NotNil(t, done.PostedAt)

	next, ok := h.pm.NextPostTime()
	require.True(t, ok)
	assert.True(t, next.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, []notifier.Kind{notifier.KindPosted, notifier.KindRescheduled}, h.notes.Kinds())
}

func TestDispatchFollowsFIFO(t *testing.T) {
	pub := &scriptPub{}
	h := newHarness(t, hourly, pub)
	var want []string
	for i := 0; i < 4; i++ {
		h.enqueue(t, fmt.Sprintf("post number %d", i))
		want = append(want, fmt.Sprintf("post number %d", i))
	}

	for i := 0; i < 4; i++ {
		next, ok := h.pm.NextPostTime()
		require.True(t, ok)
		h.clk.Set(next)
		assert.Equal(t, OutcomePosted, h.tick(t))
		if i < 3 {
			assert.Equal(t, OutcomeNotDue, h.tick(t), "cadence gates the next head")
		}
	}

	var got []string
	for _, c := range pub.Calls() {
		got = append(got, c.Text)
	}
	assert.Equal(t, want, got)
	h.clk.Advance(2 * time.Hour)
	assert.Equal(t, OutcomeEmpty, h.tick(t))
}

func TestNoTickWhenDisabled(t *testing.T) {
	pub := &scriptPub{}
	h := newHarness(t, posting.Config{Enabled: false, Cadence: posting.CadenceHourly}, pub)
	h.enqueue(t, "hello")
	h.clk.Advance(48 * time.Hour)
	assert.Equal(t, OutcomeDisabled, h.tick(t))
	assert.Empty(t, pub.Calls())
}

func TestRateLimitedThreeTimesThenPosted(t *testing.T) {
	rl := &publish.RateLimitError{}
	pub := &scriptPub{errs: []error{rl, rl, rl}}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, "retry me")
	h.clk.Set(t0.Add(time.Hour))

	for i, wait := range []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second} {
		require.Equal(t, OutcomeRetrying, h.tick(t), "attempt %d", i+1)
		cur, _ := h.q.Get(tw.ID)
		assert.Equal(t, queue.StatusDispatching, cur.Status)
		assert.Equal(t, i+1, cur.Attempts)
		require.NotNil(t, cur.RetryAt)
		assert.True(t, cur.RetryAt.Equal(h.clk.Now().Add(wait)), "backoff %s", wait)

		h.clk.Advance(wait - time.Second)
		assert.Equal(t, OutcomeWaiting, h.tick(t))
		h.clk.Advance(time.Second)
	}
	require.Equal(t, OutcomePosted, h.tick(t))

	done, _ := h.q.Get(tw.ID)
	assert.Equal(t, queue.StatusPosted, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Nil(t, done.LastError)
	assert.Len(t, h.q.List(queue.StatusPosted), 1)
	assert.Len(t, pub.Calls(), 4)
	assert.Equal(t, []notifier.Kind{
		notifier.KindRetrying, notifier.KindRetrying, notifier.KindRetrying,
		notifier.KindPosted, notifier.KindRescheduled,
	}, h.notes.Kinds())
}

func TestFourthFailureIsTerminal(t *testing.T) {
	ne := &publish.NetworkError{Err: errors.New("connection reset")}
	pub := &scriptPub{errs: []error{ne, ne, ne, ne}}
	h := newHarness(t, hourly, pub)
	first := h.enqueue(t, "doomed")
	second := h.enqueue(t, "next in line")
	h.clk.Set(t0.Add(time.Hour))

	for i := 0; i < 3; i++ {
		require.Equal(t, OutcomeRetrying, h.tick(t))
		h.clk.Advance(10 * time.Minute)
	}
	require.Equal(t, OutcomeFailed, h.tick(t))

	failed, _ := h.q.Get(first.ID)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, 4, failed.Attempts)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "network", failed.LastError.Kind)
	assert.Len(t, pub.Calls(), 4)

	// The failure did not consume the cadence: the next head is already due.
	next, _ := h.pm.NextPostTime()
	assert.True(t, next.Equal(t0.Add(time.Hour)))
	require.Equal(t, OutcomePosted, h.tick(t))
	assert.Len(t, pub.Calls(), 5)
	assert.Equal(t, "next in line", pub.Calls()[4].Text)

	posted, _ := h.q.Get(second.ID)
	assert.Equal(t, queue.StatusPosted, posted.Status)
	stillFailed, _ := h.q.Get(first.ID)
	assert.Equal(t, queue.StatusFailed, stillFailed.Status, "failed tweets stay queryable")
}

func TestRetryAfterHintRaisesBackoff(t *testing.T) {
	pub := &scriptPub{errs: []error{&publish.RateLimitError{RetryAfter: 5 * time.Minute}}}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, "slow down")
	h.clk.Set(t0.Add(time.Hour))

	require.Equal(t, OutcomeRetrying, h.tick(t))
	cur, _ := h.q.Get(tw.ID)
	assert.True(t, cur.RetryAt.Equal(h.clk.Now().Add(5*time.Minute)))
}

func TestRejectedFailsImmediately(t *testing.T) {
	pub := &scriptPub{errs: []error{&publish.RejectedError{Reason: "duplicate"}}}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, "dup")
	h.clk.Set(t0.Add(time.Hour))

	require.Equal(t, OutcomeFailed, h.tick(t))
	cur, _ := h.q.Get(tw.ID)
	assert.Equal(t, queue.StatusFailed, cur.Status)
	assert.Equal(t, 1, cur.Attempts)
	assert.Equal(t, "rejected", cur.LastError.Kind)
	assert.Equal(t, []notifier.Kind{notifier.KindFailed}, h.notes.Kinds())
}

func TestAuthExpiredPausesUntilRestored(t *testing.T) {
	pub := &scriptPub{errs: []error{&publish.AuthExpiredError{Reason: "401"}}}
	session := auth.NewSession("tok")
	h := newHarness(t, hourly, pub, WithAuth(session))
	tw := h.enqueue(t, "needs auth")
	h.clk.Set(t0.Add(time.Hour))

	require.Equal(t, OutcomePaused, h.tick(t))
	assert.False(t, session.IsValid())
	cur, _ := h.q.Get(tw.ID)
	assert.Equal(t, queue.StatusDispatching, cur.Status)
	assert.True(t, cur.Paused)
	assert.Equal(t, 0, cur.Attempts)
	require.NotNil(t, cur.LastError)
	assert.Equal(t, "auth_expired", cur.LastError.Kind)

	h.clk.Advance(time.Hour)
	assert.Equal(t, OutcomePaused, h.tick(t))
	assert.Len(t, pub.Calls(), 1)

	require.NoError(t, session.Restore("tok2", time.Time{}))
	require.Equal(t, OutcomePosted, h.tick(t))
	done, _ := h.q.Get(tw.ID)
	assert.Equal(t, queue.StatusPosted, done.Status)
	assert.False(t, done.Paused)
	assert.Equal(t, []notifier.Kind{notifier.KindPaused, notifier.KindPosted, notifier.KindRescheduled}, h.notes.Kinds())
}

func TestUnauthenticatedHeadIsNotStarted(t *testing.T) {
	pub := &scriptPub{}
	h := newHarness(t, hourly, pub, WithAuth(auth.NewSession("")))
	tw := h.enqueue(t, "hello")
	h.clk.Set(t0.Add(time.Hour))

	assert.Equal(t, OutcomeUnauthenticated, h.tick(t))
	cur, _ := h.q.Get(tw.ID)
	assert.Equal(t, queue.StatusQueued, cur.Status)
	assert.Empty(t, pub.Calls())
}

func TestRetryResumesAtFailedSegment(t *testing.T) {
	pub := &scriptPub{errs: []error{nil, &publish.NetworkError{}}}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, text400())
	h.clk.Set(t0.Add(time.Hour))

	require.Equal(t, OutcomeRetrying, h.tick(t))
	cur, _ := h.q.Get(tw.ID)
	require.Len(t, cur.Segments, 2)
	assert.Equal(t, "p0", cur.Segments[0].PlatformPostID)
	assert.False(t, cur.Segments[1].Posted())

	h.clk.Advance(30 * time.Second)
	require.Equal(t, OutcomePosted, h.tick(t))
	calls := pub.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[1].Text, calls[2].Text, "the failed segment is retried, not re-split")
	assert.Equal(t, "p0", calls[2].InReplyTo)
}

func TestConcurrentTicksDegradeToNoOps(t *testing.T) {
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	var calls atomic.Int32
	pub := publish.PublisherFunc(func(ctx context.Context, p publish.Post) (string, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-gate
		return "p", nil
	})
	h := newHarness(t, hourly, pub)
	h.enqueue(t, "one")
	h.enqueue(t, "two")
	h.clk.Set(t0.Add(time.Hour))

	res := make(chan Outcome, 1)
	go func() {
		out, _ := h.co.Tick(context.Background())
		res <- out
	}()
	<-entered

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.co.Tick(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, OutcomeBusy, out)
		}()
	}
	wg.Wait()
	assert.Len(t, h.q.List(queue.StatusDispatching), 1)

	close(gate)
	assert.Equal(t, OutcomePosted, <-res)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, h.q.List(queue.StatusQueued), 1)
}

type countingDry struct {
	*publish.DryRun
	n atomic.Int32
}

func (c *countingDry) Publish(ctx context.Context, p publish.Post) (string, error) {
	c.n.Add(1)
	return c.DryRun.Publish(ctx, p)
}

func TestRecoverConfirmsSegmentWithVerifier(t *testing.T) {
	ctx := context.Background()
	pub := &countingDry{DryRun: publish.NewDryRun(logx.Nop())}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, text400())

	// Simulate a process that published segment 1 and died before recording it.
	_, err := h.q.MarkDispatching(ctx, tw.ID)
	require.NoError(t, err)
	cur, err := h.q.SetSegments(ctx, tw.ID, thread.Split(tw.Text, nil, 280))
	require.NoError(t, err)
	id0, _ := pub.Publish(ctx, segmentPost(cur, 0))
	cur, err = h.q.MarkSegmentPosted(ctx, tw.ID, 0, id0)
	require.NoError(t, err)
	id1, _ := pub.Publish(ctx, segmentPost(cur, 1))

	q2 := queue.New(h.store, queue.WithClock(h.clk.Now))
	require.NoError(t, q2.Load(ctx))
	co2 := New(q2, h.pm, pub, WithClock(h.clk.Now), WithNotifier(h.notes))

	require.NoError(t, co2.Recover(ctx))
	rec, _ := q2.Get(tw.ID)
	assert.Equal(t, id1, rec.Segments[1].PlatformPostID)

	h.clk.Set(t0.Add(time.Hour))
	out, err := co2.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePosted, out)
	assert.Equal(t, int32(2), pub.n.Load(), "nothing is published twice")
}

func TestRecoverWithoutVerifierRetriesSegment(t *testing.T) {
	ctx := context.Background()
	pub := &scriptPub{}
	h := newHarness(t, hourly, pub)
	tw := h.enqueue(t, "interrupted")
	_, err := h.q.MarkDispatching(ctx, tw.ID)
	require.NoError(t, err)
	_, err = h.q.SetSegments(ctx, tw.ID, thread.Split(tw.Text, nil, 280))
	require.NoError(t, err)

	q2 := queue.New(h.store, queue.WithClock(h.clk.Now))
	require.NoError(t, q2.Load(ctx))
	co2 := New(q2, h.pm, pub, WithClock(h.clk.Now))
	require.NoError(t, co2.Recover(ctx))

	out, err := co2.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePosted, out, "an interrupted dispatch resumes without waiting for the cadence")
	assert.Len(t, pub.Calls(), 1)
}

func TestRunTicksOnStartAndWake(t *testing.T) {
	pub := &scriptPub{}
	h := newHarness(t, hourly, pub, WithTick("@every 1h"))
	h.enqueue(t, "first")
	h.clk.Set(t0.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.co.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(h.q.List(queue.StatusPosted)) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.enqueue(t, "second")
	h.clk.Advance(time.Hour)
	h.co.Wake()
	assert.Eventually(t, func() bool { return len(h.q.List(queue.StatusPosted)) == 2 }, 2*time.Second, 10*time.Millisecond)

	_, last := h.co.Last()
	assert.NotEmpty(t, last)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30*time.Second, Backoff(p, 1, 0))
	assert.Equal(t, 60*time.Second, Backoff(p, 2, 0))
	assert.Equal(t, 120*time.Second, Backoff(p, 3, 0))
	assert.Equal(t, 10*time.Minute, Backoff(p, 10, 0))
	assert.Equal(t, 90*time.Second, Backoff(p, 1, 90*time.Second))
	assert.Equal(t, 10*time.Minute, Backoff(p, 1, time.Hour))
}
