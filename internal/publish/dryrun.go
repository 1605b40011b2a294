package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	logx "tweetq/pkg/logx"
)

// DryRun logs posts instead of publishing them. It remembers what it "published" so it can
// also act as a Verifier.
type DryRun struct {
	log  logx.Logger
	seq  atomic.Uint64
	mu   sync.Mutex
	seen map[string]string
}

func NewDryRun(log logx.Logger) *DryRun {
	return &DryRun{log: log, seen: map[string]string{}}
}

func (d *DryRun) Publish(ctx context.Context, p Post) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &NetworkError{Err: err}
	}
	id := fmt.Sprintf("dry-%d", d.seq.Add(1))
	d.mu.Lock()
	d.seen[dryKey(p)] = id
	d.mu.Unlock()
	d.log.Info("dry-run publish",
		logx.String("id", id),
		logx.String("in_reply_to", p.InReplyTo),
		logx.Int("chars", len([]rune(p.Text))),
		logx.Int("media", len(p.Media)),
	)
	return id, nil
}

func (d *DryRun) Lookup(_ context.Context, p Post) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.seen[dryKey(p)]
	return id, ok, nil
}

func dryKey(p Post) string { return p.InReplyTo + "\x00" + p.Text }
