package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes a single log entry. Returning a non-nil error pauses the
// entry's partition for the configured cool-down; the same entry is
// redelivered after resume, so handlers must be idempotent on
// Record.MessageID.
type Handler func(ctx context.Context, e Entry) error

const readBatch = 64

// Consumer drives one named group over every partition of a Log. Cursor
// advancement is manual and tied to successful processing of each record; a
// handler failure trips a per-partition circuit breaker instead of hot
// looping on the poison record. Consumer failures never propagate to
// publishers.
type Consumer struct {
	log      *Log
	group    string
	handler  Handler
	cooldown time.Duration
	poll     time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(l *Log, group string, handler Handler, cooldown, poll time.Duration, logger zerolog.Logger) *Consumer {
	return &Consumer{
		log:      l,
		group:    group,
		handler:  handler,
		cooldown: cooldown,
		poll:     poll,
		logger:   logger.With().Str("component", "consumer").Str("group", group).Logger(),
	}
}

// Start launches one processing loop per partition.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for p := uint32(0); p < c.log.Partitions(); p++ {
		c.wg.Add(1)
		go func(part uint32) {
			defer c.wg.Done()
			c.runPartition(ctx, part)
		}(p)
	}
}

// Stop halts all partition loops and waits for them to exit.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) runPartition(ctx context.Context, part uint32) {
	for ctx.Err() == nil {
		cursor, _ := c.log.Cursor(c.group, part)
		entries, err := c.log.Read(part, cursor, readBatch)
		if err != nil {
			c.logger.Error().Uint32("partition", part).Err(err).Msg("read failed")
			if !c.sleep(ctx, c.poll) {
				return
			}
			continue
		}
		if len(entries) == 0 {
			c.log.WaitForAppend(part, c.poll)
			continue
		}

		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			if err := c.handler(ctx, e); err != nil {
				c.logger.Error().
					Uint32("partition", part).
					Uint64("seq", e.Seq).
					Int64("message_id", e.Record.MessageID).
					Err(err).
					Dur("cooldown", c.cooldown).
					Msg("processing failed, pausing partition")
				// Do not commit: the record is redelivered after the
				// cool-down.
				if !c.sleep(ctx, c.cooldown) {
					return
				}
				break
			}
			if err := c.log.CommitCursor(c.group, part, e.Seq); err != nil {
				c.logger.Error().Uint32("partition", part).Uint64("seq", e.Seq).Err(err).Msg("cursor commit failed")
				break
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
