// Package queue is the ordered, persisted store of tweets and their status transitions.
//
// FIFO order is (CreatedAt, Seq). At most one tweet is dispatching at any time; the
// check-and-set in MarkDispatching is the only gate. Every state change is written to
// storage before it becomes visible in memory.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tweetq/internal/eventbus"
	"tweetq/internal/storage"
	"tweetq/internal/thread"
	logx "tweetq/pkg/logx"
)

const keyPrefix = "tweet/"

func storeKey(id string) string { return keyPrefix + id }

type Queue struct {
	mu      sync.Mutex
	tweets  map[string]*Tweet
	order   []*Tweet
	seq     uint64
	active  string // dispatching tweet id
	claimed string // in-process owner of the active tweet

	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }
func WithLogger(log logx.Logger) Option     { return func(q *Queue) { q.log = log } }
func WithBus(bus eventbus.Bus) Option       { return func(q *Queue) { q.bus = bus } }

// WithIDs overrides the id generator (UUIDv7 by default).
func WithIDs(gen func() string) Option { return func(q *Queue) { q.newID = gen } }

func New(store storage.Store, opts ...Option) *Queue {
	q := &Queue{
		tweets: map[string]*Tweet{},
		store:  store,
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	if q.newID == nil {
		q.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return q
}

// Load rebuilds the in-memory index from storage.
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.store.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tweets = map[string]*Tweet{}
	q.order = q.order[:0]
	q.seq, q.active, q.claimed = 0, "", ""
	for _, e := range entries {
		var t Tweet
		if err := json.Unmarshal(e.Value, &t); err != nil {
			q.log.Warn("skipping undecodable tweet", logx.String("key", e.Key), logx.Err(err))
			continue
		}
		if t.ID == "" {
			t.ID = strings.TrimPrefix(e.Key, keyPrefix)
		}
		tp := &t
		q.tweets[t.ID] = tp
		q.order = append(q.order, tp)
		if t.Seq > q.seq {
			q.seq = t.Seq
		}
	}
	sort.SliceStable(q.order, func(i, j int) bool { return less(q.order[i], q.order[j]) })

	for _, t := range q.order {
		if t.Status != StatusDispatching {
			continue
		}
		if q.active == "" {
			q.active = t.ID
			continue
		}
		// Only one dispatching tweet may survive a restart; later ones go back in line.
		cp := t.clone()
		cp.Status = StatusQueued
		cp.RetryAt = nil
		cp.Paused = false
		if err := q.commitLocked(ctx, &cp); err != nil {
			return err
		}
		q.log.Warn("demoted extra dispatching tweet", logx.String("id", cp.ID), logx.String("active", q.active))
	}

	q.log.Info("queue loaded", logx.Int("tweets", len(q.order)), logx.String("dispatching", q.active))
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, d Draft) (Tweet, error) {
	if err := d.validate(); err != nil {
		return Tweet{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	t := &Tweet{
		ID:        q.newID(),
		Text:      d.Text,
		Media:     append([]string(nil), d.Media...),
		Status:    StatusQueued,
		CreatedAt: now,
		Seq:       q.seq + 1,
		UpdatedAt: now,
	}
	if err := q.persistLocked(ctx, t); err != nil {
		return Tweet{}, err
	}
	q.seq++
	q.tweets[t.ID] = t
	q.order = append(q.order, t)
	if n := len(q.order); n > 1 && less(t, q.order[n-2]) {
		sort.SliceStable(q.order, func(i, j int) bool { return less(q.order[i], q.order[j]) })
	}

	q.log.Debug("tweet enqueued", logx.String("id", t.ID), logx.Text("text", t.Text), logx.Int("media", len(t.Media)))
	q.publish("queue.enqueued", t)
	return t.clone(), nil
}

func (q *Queue) Edit(ctx context.Context, id string, d Draft) (Tweet, error) {
	if err := d.validate(); err != nil {
		return Tweet{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tweets[id]
	if !ok {
		return Tweet{}, notFound(id)
	}
	if t.Status != StatusQueued {
		return Tweet{}, &ConflictError{ID: id, Op: "edit", Status: t.Status, Reason: "only queued tweets can be edited"}
	}
	cp := t.clone()
	cp.Text = d.Text
	cp.Media = append([]string(nil), d.Media...)
	cp.UpdatedAt = q.now()
	if err := q.commitLocked(ctx, &cp); err != nil {
		return Tweet{}, err
	}
	q.publish("queue.edited", &cp)
	return cp.clone(), nil
}

// Remove deletes a queued, posted or failed tweet.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tweets[id]
	if !ok {
		return notFound(id)
	}
	if t.Status == StatusDispatching {
		return &ConflictError{ID: id, Op: "remove", Status: t.Status, Reason: "tweet is being dispatched"}
	}
	if err := q.store.Delete(ctx, storeKey(id)); err != nil {
		return fmt.Errorf("delete tweet %s: %w", id, err)
	}
	delete(q.tweets, id)
	for i, o := range q.order {
		if o.ID == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.publish("queue.removed", t)
	return nil
}

// PeekHead returns the earliest queued tweet.
func (q *Queue) PeekHead() (Tweet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h := q.headLocked(); h != nil {
		return h.clone(), true
	}
	return Tweet{}, false
}

func (q *Queue) headLocked() *Tweet {
	for _, t := range q.order {
		if t.Status == StatusQueued {
			return t
		}
	}
	return nil
}

// SetScheduledFor records when the head becomes eligible.
func (q *Queue) SetScheduledFor(ctx context.Context, id string, at time.Time) (Tweet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.headLocked()
	if h == nil || h.ID != id {
		return Tweet{}, q.conflictLocked(id, "schedule", "only the head of the queue is scheduled")
	}
	if h.ScheduledFor != nil && h.ScheduledFor.Equal(at) {
		return h.clone(), nil
	}
	cp := h.clone()
	cp.ScheduledFor = &at
	cp.UpdatedAt = q.now()
	if err := q.commitLocked(ctx, &cp); err != nil {
		return Tweet{}, err
	}
	return cp.clone(), nil
}

// MarkDispatching moves the head from queued to dispatching and claims it for the caller.
func (q *Queue) MarkDispatching(ctx context.Context, id string) (Tweet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != "" {
		return Tweet{}, &ConflictError{ID: id, Op: "dispatch", Reason: "tweet " + q.active + " is already dispatching"}
	}
	t, ok := q.tweets[id]
	if !ok {
		return Tweet{}, notFound(id)
	}
	if t.Status != StatusQueued {
		return Tweet{}, &ConflictError{ID: id, Op: "dispatch", Status: t.Status, Reason: "tweet is not queued"}
	}
	if h := q.headLocked(); h == nil || h.ID != id {
		return Tweet{}, &ConflictError{ID: id, Op: "dispatch", Status: t.Status, Reason: "tweet is not at the head of the queue"}
	}
	cp := t.clone()
	cp.Status = StatusDispatching
	cp.UpdatedAt = q.now()
	if err := q.commitLocked(ctx, &cp); err != nil {
		return Tweet{}, err
	}
	q.active, q.claimed = id, id
	return cp.clone(), nil
}

// Claim takes in-process ownership of the dispatching tweet. It fails when id is not the
// dispatching tweet or another caller already owns it.
func (q *Queue) Claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == "" || q.active != id || q.claimed != "" {
		return false
	}
	q.claimed = id
	return true
}

func (q *Queue) Release(id string) {
	q.mu.Lock()
	if q.claimed == id {
		q.claimed = ""
	}
	q.mu.Unlock()
}

// SetSegments stores the split of a dispatching tweet. Segments are written once.
func (q *Queue) SetSegments(ctx context.Context, id string, segs []thread.Segment) (Tweet, error) {
	return q.mutateDispatching(ctx, id, "split", func(t *Tweet) error {
		if t.Split() {
			return &ConflictError{ID: id, Op: "split", Status: t.Status, Reason: "segments already stored"}
		}
		if len(segs) == 0 {
			return &OrderError{ID: id, Index: 0, Reason: "empty split"}
		}
		t.Segments = make([]thread.Segment, len(segs))
		for i, s := range segs {
			if s.Index != i {
				return &OrderError{ID: id, Index: i, Reason: fmt.Sprintf("segment carries index %d", s.Index)}
			}
			s.Media = append([]string(nil), s.Media...)
			t.Segments[i] = s
		}
		return nil
	})
}

// MarkSegmentPosted fills in the platform id of one segment, strictly left to right.
func (q *Queue) MarkSegmentPosted(ctx context.Context, id string, index int, platformID string) (Tweet, error) {
	return q.mutateDispatching(ctx, id, "segment", func(t *Tweet) error {
		if index < 0 || index >= len(t.Segments) {
			return &OrderError{ID: id, Index: index, Reason: fmt.Sprintf("out of range (%d segments)", len(t.Segments))}
		}
		for i := 0; i < index; i++ {
			if !t.Segments[i].Posted() {
				return &OrderError{ID: id, Index: index, Reason: fmt.Sprintf("segment %d is not posted yet", i)}
			}
		}
		if t.Segments[index].Posted() {
			return &OrderError{ID: id, Index: index, Reason: "already posted"}
		}
		if platformID == "" {
			return &OrderError{ID: id, Index: index, Reason: "empty platform post id"}
		}
		t.Segments[index].PlatformPostID = platformID
		return nil
	})
}

// RecordFailure counts a transient failure and sets the earliest retry time.
func (q *Queue) RecordFailure(ctx context.Context, id string, f Failure, retryAt time.Time) (Tweet, error) {
	return q.mutateDispatching(ctx, id, "retry", func(t *Tweet) error {
		t.Attempts++
		t.LastError = &f
		t.RetryAt = &retryAt
		return nil
	})
}

// Pause parks the dispatching tweet until the session is restored.
func (q *Queue) Pause(ctx context.Context, id string, f Failure) (Tweet, error) {
	return q.mutateDispatching(ctx, id, "pause", func(t *Tweet) error {
		t.Paused = true
		t.LastError = &f
		t.RetryAt = nil
		return nil
	})
}

func (q *Queue) Resume(ctx context.Context, id string) (Tweet, error) {
	return q.mutateDispatching(ctx, id, "resume", func(t *Tweet) error {
		t.Paused = false
		t.RetryAt = nil
		return nil
	})
}

// MarkPosted completes a dispatch. Every segment must carry a platform id.
func (q *Queue) MarkPosted(ctx context.Context, id string) (Tweet, error) {
	t, err := q.mutateDispatching(ctx, id, "post", func(t *Tweet) error {
		if !t.Split() {
			return &OrderError{ID: id, Index: 0, Reason: "tweet has no segments"}
		}
		if i := t.NextSegment(); i >= 0 {
			return &OrderError{ID: id, Index: i, Reason: "segment is not posted"}
		}
		now := q.now()
		t.Status = StatusPosted
		t.PostedAt = &now
		t.LastError = nil
		t.RetryAt = nil
		t.Paused = false
		return nil
	})
	if err == nil {
		q.mu.Lock()
		q.active, q.claimed = "", ""
		q.mu.Unlock()
	}
	return t, err
}

// MarkFailed makes the dispatching tweet terminal and frees the dispatch slot. The failed
// attempt is counted.
func (q *Queue) MarkFailed(ctx context.Context, id string, f Failure) (Tweet, error) {
	t, err := q.mutateDispatching(ctx, id, "fail", func(t *Tweet) error {
		t.Status = StatusFailed
		t.Attempts++
		t.LastError = &f
		t.RetryAt = nil
		t.Paused = false
		return nil
	})
	if err == nil {
		q.mu.Lock()
		q.active, q.claimed = "", ""
		q.mu.Unlock()
	}
	return t, err
}

func (q *Queue) Get(id string) (Tweet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tweets[id]
	if !ok {
		return Tweet{}, false
	}
	return t.clone(), true
}

// Dispatching returns the tweet holding the dispatch slot.
func (q *Queue) Dispatching() (Tweet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == "" {
		return Tweet{}, false
	}
	return q.tweets[q.active].clone(), true
}

// List returns tweets in FIFO order, filtered by status when any are given.
func (q *Queue) List(status ...Status) []Tweet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Tweet, 0, len(q.order))
	for _, t := range q.order {
		if len(status) > 0 && !hasStatus(status, t.Status) {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// Counts returns the number of tweets per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[Status]int{StatusQueued: 0, StatusDispatching: 0, StatusPosted: 0, StatusFailed: 0}
	for _, t := range q.order {
		out[t.Status]++
	}
	return out
}

func hasStatus(set []Status, s Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (q *Queue) mutateDispatching(ctx context.Context, id, op string, fn func(*Tweet) error) (Tweet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tweets[id]
	if !ok {
		return Tweet{}, notFound(id)
	}
	if t.Status != StatusDispatching {
		return Tweet{}, &ConflictError{ID: id, Op: op, Status: t.Status, Reason: "tweet is not dispatching"}
	}
	cp := t.clone()
	if err := fn(&cp); err != nil {
		return Tweet{}, err
	}
	cp.UpdatedAt = q.now()
	if err := q.commitLocked(ctx, &cp); err != nil {
		return Tweet{}, err
	}
	return cp.clone(), nil
}

func (q *Queue) conflictLocked(id, op, reason string) error {
	t, ok := q.tweets[id]
	if !ok {
		return notFound(id)
	}
	return &ConflictError{ID: id, Op: op, Status: t.Status, Reason: reason}
}

// commitLocked persists cp and then replaces the in-memory tweet with it.
func (q *Queue) commitLocked(ctx context.Context, cp *Tweet) error {
	if err := q.persistLocked(ctx, cp); err != nil {
		return err
	}
	cur := q.tweets[cp.ID]
	*cur = *cp
	return nil
}

func (q *Queue) persistLocked(ctx context.Context, t *Tweet) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := q.store.Put(ctx, storeKey(t.ID), b); err != nil {
		return fmt.Errorf("persist tweet %s: %w", t.ID, err)
	}
	return nil
}

func (q *Queue) publish(typ string, t *Tweet) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: t.clone()})
}
