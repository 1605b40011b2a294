// Package dispatch is the scheduler loop: it decides when the head of the queue is eligible,
// splits it into a thread once, publishes segments in order, and applies the retry, pause
// and failure policy.
//
// The only concurrency guard is the queue's dispatch slot: MarkDispatching for a new head,
// Claim for a tweet that already holds the slot. A tick that loses either race is a no-op.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tweetq/internal/auth"
	"tweetq/internal/notifier"
	"tweetq/internal/posting"
	"tweetq/internal/publish"
	"tweetq/internal/queue"
	"tweetq/internal/thread"
	logx "tweetq/pkg/logx"
)

type Outcome string

const (
	OutcomeDisabled        Outcome = "disabled"
	OutcomeEmpty           Outcome = "empty"
	OutcomeNotDue          Outcome = "not_due"
	OutcomeBusy            Outcome = "busy"
	OutcomeWaiting         Outcome = "waiting" // retry not due yet
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomePosted          Outcome = "posted"
	OutcomeRetrying        Outcome = "retrying"
	OutcomePaused          Outcome = "paused"
	OutcomeFailed          Outcome = "failed"
	OutcomeCanceled        Outcome = "canceled"
	OutcomeError           Outcome = "error"
)

// Notifier receives lifecycle events. Notify must not block.
type Notifier interface {
	Notify(e notifier.Event) error
}

// Observer is fed publish latencies and tick outcomes (metrics).
type Observer interface {
	ObservePublish(outcome string, took time.Duration)
	ObserveTick(outcome string)
}

type invalidator interface {
	Invalidate(reason string)
}

type Coordinator struct {
	queue   *queue.Queue
	posting *posting.Manager
	pub     publish.Publisher
	auth    auth.Provider

	notify   Notifier
	observer Observer
	log      logx.Logger
	now      func() time.Time
	policy   Policy
	tick     string

	wake chan struct{}

	mu      sync.Mutex
	lastRun time.Time
	lastOut Outcome
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }
func WithLogger(log logx.Logger) Option     { return func(c *Coordinator) { c.log = log } }
func WithPolicy(p Policy) Option            { return func(c *Coordinator) { c.policy = p } }
func WithNotifier(n Notifier) Option        { return func(c *Coordinator) { c.notify = n } }
func WithObserver(o Observer) Option        { return func(c *Coordinator) { c.observer = o } }

// WithAuth sets the session provider; without one the session is always valid.
func WithAuth(p auth.Provider) Option { return func(c *Coordinator) { c.auth = p } }

// WithTick sets the periodic trigger used by Run (see ParseTick).
func WithTick(spec string) Option { return func(c *Coordinator) { c.tick = spec } }

func New(q *queue.Queue, pm *posting.Manager, pub publish.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:   q,
		posting: pm,
		pub:     pub,
		now:     time.Now,
		policy:  DefaultPolicy(),
		tick:    DefaultTick,
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.policy = c.policy.withDefaults()
	if c.auth != nil {
		c.auth.OnExpired(c.Wake)
	}
	return c
}

// Wake requests a tick from Run. Calls coalesce; it never blocks.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Last reports when Run last ticked and with what outcome.
func (c *Coordinator) Last() (time.Time, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun, c.lastOut
}

// Tick performs at most one dispatch step. It is safe to call concurrently; a tick that
// finds the dispatch slot taken returns OutcomeBusy without side effects.
func (c *Coordinator) Tick(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeCanceled, err
	}
	cfg := c.posting.Current()
	if !cfg.Enabled {
		return OutcomeDisabled, nil
	}
	now := c.now()

	// A tweet holding the slot (retrying, paused, or interrupted) goes first.
	if t, ok := c.queue.Dispatching(); ok {
		return c.resume(ctx, t, now)
	}

	head, ok := c.queue.PeekHead()
	if !ok {
		return OutcomeEmpty, nil
	}
	next, ok := c.posting.NextPostTime()
	if !ok {
		return OutcomeDisabled, nil
	}
	if head.ScheduledFor == nil || !head.ScheduledFor.Equal(next) {
		if _, err := c.queue.SetScheduledFor(ctx, head.ID, next); err != nil && !errors.Is(err, queue.ErrConflict) {
			return OutcomeError, err
		}
	}
	if now.Before(next) {
		return OutcomeNotDue, nil
	}
	if !c.authValid() {
		return OutcomeUnauthenticated, nil
	}

	t, err := c.queue.MarkDispatching(ctx, head.ID)
	if err != nil {
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			return OutcomeBusy, nil
		}
		return OutcomeError, err
	}
	defer c.queue.Release(t.ID)

	c.log.Info("dispatch started", logx.String("tweet", t.ID), logx.Time("scheduled_for", next))
	return c.dispatch(ctx, t)
}

func (c *Coordinator) resume(ctx context.Context, t queue.Tweet, now time.Time) (Outcome, error) {
	if t.Paused {
		if !c.authValid() {
			return OutcomePaused, nil
		}
	} else if t.RetryAt != nil && now.Before(*t.RetryAt) {
		return OutcomeWaiting, nil
	}
	if !c.queue.Claim(t.ID) {
		return OutcomeBusy, nil
	}
	defer c.queue.Release(t.ID)

	if t.Paused {
		var err error
		if t, err = c.queue.Resume(ctx, t.ID); err != nil {
			return OutcomeError, err
		}
		c.log.Info("dispatch resumed after re-authentication", logx.String("tweet", t.ID))
	}
	if !c.authValid() {
		return c.pause(ctx, t, &publish.AuthExpiredError{Reason: "session invalid"})
	}
	c.log.Info("dispatch resumed", logx.String("tweet", t.ID), logx.Int("attempts", t.Attempts))
	return c.dispatch(ctx, t)
}

// dispatch runs the split/publish loop for a claimed tweet.
func (c *Coordinator) dispatch(ctx context.Context, t queue.Tweet) (Outcome, error) {
	id := t.ID
	var err error
	if !t.Split() {
		segs := thread.Split(t.Text, t.Media, c.policy.SegmentLimit)
		// Persist the split before any network call so retries and restarts reuse it.
		if t, err = c.queue.SetSegments(ctx, id, segs); err != nil {
			return c.internalError(id, err)
		}
		c.log.Debug("tweet split", logx.String("tweet", id), logx.Int("segments", len(segs)))
	}

	for i := t.NextSegment(); i >= 0; i = t.NextSegment() {
		// Shutdown is observed between segments, never during a publish call.
		if err := ctx.Err(); err != nil {
			return OutcomeCanceled, err
		}
		post := segmentPost(t, i)

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.PublishTimeout)
		start := c.now()
		platformID, perr := c.pub.Publish(pctx, post)
		cancel()
		took := c.now().Sub(start)

		if perr != nil {
			c.observePublish(string(publish.Classify(perr)), took)
			return c.handleFailure(ctx, t, i, perr)
		}
		c.observePublish("ok", took)
		if t, err = c.queue.MarkSegmentPosted(ctx, id, i, platformID); err != nil {
			return c.internalError(id, err)
		}
		c.log.Debug("segment published", logx.String("tweet", id), logx.Int("index", i), logx.String("platform_id", platformID))
	}
	return c.complete(ctx, t)
}

// complete advances the cadence while the tweet still holds the slot, then marks it posted.
// No other tick can start the next head against the old next post time.
func (c *Coordinator) complete(ctx context.Context, t queue.Tweet) (Outcome, error) {
	next, scheduled, err := c.posting.Reschedule(ctx)
	if err != nil {
		return OutcomeError, err
	}
	done, err := c.queue.MarkPosted(ctx, t.ID)
	if err != nil {
		return c.internalError(t.ID, err)
	}
	if scheduled {
		c.scheduleHead(ctx, next)
	}

	ids := make([]string, len(done.Segments))
	for i, s := range done.Segments {
		ids[i] = s.PlatformPostID
	}
	at := c.now()
	c.emit(notifier.Event{Kind: notifier.KindPosted, TweetID: done.ID, At: at, Attempts: done.Attempts, PlatformIDs: ids})
	ev := notifier.Event{Kind: notifier.KindRescheduled, At: at}
	if scheduled {
		ev.NextPostTime = &next
	}
	c.emit(ev)
	c.log.Info("tweet posted", logx.String("tweet", done.ID), logx.Int("segments", len(ids)), logx.Int("attempts", done.Attempts))
	return OutcomePosted, nil
}

func (c *Coordinator) handleFailure(ctx context.Context, t queue.Tweet, index int, perr error) (Outcome, error) {
	kind := publish.Classify(perr)
	now := c.now()
	f := queue.Failure{Kind: string(kind), Message: perr.Error(), At: now}

	switch {
	case kind == publish.KindAuthExpired:
		return c.pause(ctx, t, perr)

	case kind.Transient() && t.Attempts+1 <= c.policy.RetryMax:
		delay := Backoff(c.policy, t.Attempts+1, publish.RetryAfter(perr))
		retryAt := now.Add(delay)
		rt, err := c.queue.RecordFailure(ctx, t.ID, f, retryAt)
		if err != nil {
			return OutcomeError, err
		}
		c.log.Warn("publish failed; will retry",
			logx.String("tweet", t.ID),
			logx.Int("segment", index),
			logx.String("kind", string(kind)),
			logx.Int("attempts", rt.Attempts),
			logx.Duration("backoff", delay),
			logx.Err(perr),
		)
		c.emit(notifier.Event{Kind: notifier.KindRetrying, TweetID: t.ID, At: now, Attempts: rt.Attempts, ErrorKind: f.Kind, Error: f.Message, RetryAt: &retryAt})
		return OutcomeRetrying, nil

	default:
		ft, err := c.queue.MarkFailed(ctx, t.ID, f)
		if err != nil {
			return OutcomeError, err
		}
		// A failure does not consume the cadence: the next head keeps the current slot.
		if next, ok := c.posting.NextPostTime(); ok {
			c.scheduleHead(ctx, next)
		}
		c.log.Error("tweet failed",
			logx.String("tweet", t.ID),
			logx.Int("segment", index),
			logx.String("kind", string(kind)),
			logx.Int("attempts", ft.Attempts),
			logx.Err(perr),
		)
		c.emit(notifier.Event{Kind: notifier.KindFailed, TweetID: t.ID, At: now, Attempts: ft.Attempts, ErrorKind: f.Kind, Error: f.Message})
		return OutcomeFailed, nil
	}
}

func (c *Coordinator) pause(ctx context.Context, t queue.Tweet, cause error) (Outcome, error) {
	now := c.now()
	f := queue.Failure{Kind: string(publish.KindAuthExpired), Message: cause.Error(), At: now}
	if _, err := c.queue.Pause(ctx, t.ID, f); err != nil {
		return OutcomeError, err
	}
	if inv, ok := c.auth.(invalidator); ok {
		inv.Invalidate(cause.Error())
	}
	c.log.Warn("dispatch paused until re-authentication", logx.String("tweet", t.ID), logx.Err(cause))
	c.emit(notifier.Event{Kind: notifier.KindPaused, TweetID: t.ID, At: now, Attempts: t.Attempts, ErrorKind: f.Kind, Error: f.Message})
	return OutcomePaused, nil
}

// Recover reconciles a tweet left dispatching by a previous process. If the publisher can
// verify posts, the first unconfirmed segment is looked up and recorded when it exists;
// otherwise the segment is simply retried by the next tick.
func (c *Coordinator) Recover(ctx context.Context) error {
	t, ok := c.queue.Dispatching()
	if !ok {
		return nil
	}
	if !c.queue.Claim(t.ID) {
		return nil
	}
	defer c.queue.Release(t.ID)

	log := c.log.With(logx.String("tweet", t.ID))
	if !t.Split() {
		log.Info("recovered dispatch before split; will dispatch from scratch")
		return nil
	}
	i := t.NextSegment()
	if i < 0 {
		log.Info("recovered dispatch with every segment posted; completing")
		_, err := c.complete(ctx, t)
		return err
	}

	v, ok := c.pub.(publish.Verifier)
	if !ok {
		log.Info("recovered dispatch; segment will be retried", logx.Int("segment", i))
		return nil
	}
	id, found, err := v.Lookup(ctx, segmentPost(t, i))
	if err != nil {
		log.Warn("recovery lookup failed; segment will be retried", logx.Int("segment", i), logx.Err(err))
		return nil
	}
	if !found {
		log.Info("recovered segment not found on platform; will retry", logx.Int("segment", i))
		return nil
	}
	if _, err := c.queue.MarkSegmentPosted(ctx, t.ID, i, id); err != nil {
		return err
	}
	log.Info("recovered segment confirmed on platform", logx.Int("segment", i), logx.String("platform_id", id))
	return nil
}

// Run drives Tick from the periodic trigger, Wake calls, and a timer armed for the next
// due time. It returns when ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	sched, err := ParseTick(c.tick)
	if err != nil {
		return err
	}
	cr := cron.New()
	cr.Schedule(sched, cron.FuncJob(c.Wake))
	cr.Start()
	defer func() { <-cr.Stop().Done() }()

	c.log.Info("dispatch loop started", logx.String("tick", c.tick))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("dispatch loop stopped")
			return nil
		case <-c.wake:
		case <-timer.C:
		}

		out, err := c.Tick(ctx)
		c.mu.Lock()
		c.lastRun, c.lastOut = c.now(), out
		c.mu.Unlock()
		if c.observer != nil {
			c.observer.ObserveTick(string(out))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("dispatch tick failed", logx.String("outcome", string(out)), logx.Err(err))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if due, ok := c.nextDue(); ok {
			if d := due.Sub(c.now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// nextDue is the earliest time a tick could make progress.
func (c *Coordinator) nextDue() (time.Time, bool) {
	if t, ok := c.queue.Dispatching(); ok {
		if t.RetryAt != nil {
			return *t.RetryAt, true
		}
		return time.Time{}, false
	}
	if _, ok := c.queue.PeekHead(); !ok {
		return time.Time{}, false
	}
	return c.posting.NextPostTime()
}

func (c *Coordinator) scheduleHead(ctx context.Context, next time.Time) {
	head, ok := c.queue.PeekHead()
	if !ok {
		return
	}
	if _, err := c.queue.SetScheduledFor(ctx, head.ID, next); err != nil {
		c.log.Warn("could not schedule head", logx.String("tweet", head.ID), logx.Err(err))
	}
}

func (c *Coordinator) internalError(id string, err error) (Outcome, error) {
	if errors.Is(err, queue.ErrOrder) {
		c.log.Error("segment bookkeeping violated; dispatch aborted", logx.String("tweet", id), logx.Err(err))
	}
	return OutcomeError, err
}

func (c *Coordinator) authValid() bool {
	return c.auth == nil || c.auth.IsValid()
}

func (c *Coordinator) emit(e notifier.Event) {
	if c.notify == nil {
		return
	}
	_ = c.notify.Notify(e)
}

func (c *Coordinator) observePublish(outcome string, took time.Duration) {
	if c.observer != nil {
		c.observer.ObservePublish(outcome, took)
	}
}

func segmentPost(t queue.Tweet, i int) publish.Post {
	seg := t.Segments[i]
	p := publish.Post{Text: thread.Render(seg), Media: append([]string(nil), seg.Media...)}
	if i > 0 {
		p.InReplyTo = t.Segments[i-1].PlatformPostID
	}
	return p
}
