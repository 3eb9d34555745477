package chatsync

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is the fixed delay between refresh cycles.
const DefaultPollInterval = 5 * time.Second

// Poller drives a session's fetch-and-merge cycle at a fixed interval for
// as long as the chat surface is visible. Start when the view appears,
// Stop when it goes away; both are idempotent, and the pair may be cycled
// any number of times over one session.
type Poller struct {
	sess     *Session
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for the session. A non-positive interval
// falls back to DefaultPollInterval.
func NewPoller(sess *Session, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{sess: sess, interval: interval}
}

// Start begins polling: one refresh immediately, then one per interval.
// Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	done := make(chan struct{})
	p.done = done
	go p.loop(ctx, done)
}

// Stop halts polling and waits for the loop to exit. A fetch that is in
// flight at the moment of Stop is allowed to complete, but its result is
// discarded unmerged (the session checks cancellation after the fetch
// returns). Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poller is currently active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Immediate first cycle so a reopened view catches up without
	// waiting out a full interval.
	_ = p.sess.Refresh(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Refresh itself skips when a send is pending and drops
			// batches that land after cancellation.
			_ = p.sess.Refresh(ctx)
		}
	}
}
