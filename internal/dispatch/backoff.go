package dispatch

import "time"

// Policy is the retry policy for transient publish failures.
type Policy struct {
	// RetryMax is how many failed attempts are retried; the next failure is terminal.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SegmentLimit is the per-segment length passed to the thread splitter.
	SegmentLimit int
	// PublishTimeout bounds one publish call.
	PublishTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RetryMax:       3,
		RetryBase:      30 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
		SegmentLimit:   280,
		PublishTimeout: time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RetryMax < 0 {
		p.RetryMax = 0
	}
	if p.RetryBase <= 0 {
		p.RetryBase = d.RetryBase
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = d.RetryMaxDelay
	}
	if p.RetryMaxDelay < p.RetryBase {
		p.RetryMaxDelay = p.RetryBase
	}
	if p.SegmentLimit <= 0 {
		p.SegmentLimit = d.SegmentLimit
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = d.PublishTimeout
	}
	return p
}

// Backoff returns the delay before retry number n (1-based): base doubled per retry,
// capped at RetryMaxDelay. A platform hint longer than that raises the delay, still capped.
func Backoff(p Policy, n int, hint time.Duration) time.Duration {
	d := p.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.RetryMaxDelay {
			d = p.RetryMaxDelay
			break
		}
	}
	if hint > d {
		d = hint
	}
	if d > p.RetryMaxDelay {
		d = p.RetryMaxDelay
	}
	return d
}
