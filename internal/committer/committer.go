// Package committer schedules the delayed durability commit of
// optimistically relayed messages. Each enqueued message is committed
// exactly once, no earlier than its delay, by a CommitFunc supplied by the
// caller. The pending set is bounded: enqueueing past capacity fails with
// domain.ErrBackpressure instead of growing without limit.
package committer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatify/internal/domain"
)

// CommitFunc performs the durability commit for one pending message.
// Failures are the func's own responsibility to surface (the committer only
// logs them); the message is not re-enqueued.
type CommitFunc func(ctx context.Context, msg *domain.Message) error

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("committer: stopped")

type Committer struct {
	capacity int
	commit   CommitFunc
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // keyed by transient id
	stopped bool
	wg      sync.WaitGroup
}

func New(capacity int, timeout time.Duration, commit CommitFunc, logger zerolog.Logger) *Committer {
	return &Committer{
		capacity: capacity,
		commit:   commit,
		timeout:  timeout,
		logger:   logger.With().Str("component", "committer").Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Enqueue schedules msg for commit after delay. The message must carry a
// transient id; that id keys the pending set and guards exactly-once
// execution.
func (c *Committer) Enqueue(msg *domain.Message, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if len(c.pending) >= c.capacity {
		return domain.ErrBackpressure
	}

	c.wg.Add(1)
	c.pending[msg.TransientID] = time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.run(msg)
	})
	return nil
}

// Pending reports the number of not-yet-committed messages.
func (c *Committer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels all pending timers and waits for in-flight commits to
// finish. Messages whose delay had not elapsed are dropped; the process is
// going down and they were provisional by definition.
func (c *Committer) Stop() {
	c.mu.Lock()
	c.stopped = true
	for id, t := range c.pending {
		if t.Stop() {
			// Timer never fired; release its wg slot here.
			c.wg.Done()
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Committer) run(msg *domain.Message) {
	c.mu.Lock()
	if _, ok := c.pending[msg.TransientID]; !ok {
		// Already stopped and reaped.
		c.mu.Unlock()
		return
	}
	delete(c.pending, msg.TransientID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.commit(ctx, msg); err != nil {
		c.logger.Error().
			Str("transient_id", msg.TransientID).
			Int64("sender_id", msg.SenderID).
			Int64("receiver_id", msg.ReceiverID).
			Err(err).
			Msg("deferred commit failed")
	}
}
