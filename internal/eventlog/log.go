// Package eventlog implements the append-only message event log.
//
// The log is partitioned; records are totally ordered within a partition
// and a message's partition is derived from its conversation id, so one
// conversation's events always share one partition. Entries and durable
// consumer-group cursors are persisted in Pebble under big-endian sequence
// keys, which makes forward range scans return commit order.
package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Entry is one stored record plus its partition-local sequence number.
type Entry struct {
	Seq    uint64
	Record EventRecord
}

// Log provides partition-ordered append and read operations.
type Log struct {
	db    *pebble.DB
	parts uint32

	mu      sync.Mutex
	lastSeq []uint64
	notify  []chan struct{}
}

// Open opens (or creates) the log at dir with the given partition count.
// The partition count must stay stable across restarts; changing it remaps
// conversations onto different partitions.
func Open(dir string, partitions int) (*Log, error) {
	if partitions <= 0 {
		return nil, errors.New("eventlog: partition count must be positive")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	l := &Log{
		db:      db,
		parts:   uint32(partitions),
		lastSeq: make([]uint64, partitions),
		notify:  make([]chan struct{}, partitions),
	}
	for p := 0; p < partitions; p++ {
		l.notify[p] = make(chan struct{})
		meta, closer, err := db.Get(keyMeta(uint32(p)))
		if err == nil {
			if len(meta) >= 8 {
				l.lastSeq[p] = binary.BigEndian.Uint64(meta[:8])
			}
			_ = closer.Close()
		} else if !errors.Is(err, pebble.ErrNotFound) {
			_ = db.Close()
			return nil, fmt.Errorf("load partition meta: %w", err)
		}
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Partitions returns the partition count.
func (l *Log) Partitions() uint32 { return l.parts }

// PartitionFor maps a conversation id onto its partition.
func (l *Log) PartitionFor(conversationID int64) uint32 {
	if conversationID < 0 {
		conversationID = -conversationID
	}
	return uint32(uint64(conversationID) % uint64(l.parts))
}

// Publish appends one record to the partition of its conversation and
// returns the partition and assigned sequence. The write is synced before
// returning.
func (l *Log) Publish(ctx context.Context, rec EventRecord) (uint32, uint64, error) {
	payload, err := encodeRecord(rec)
	if err != nil {
		return 0, 0, err
	}
	part := l.PartitionFor(rec.ConversationID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	seq := l.lastSeq[part] + 1
	b := l.db.NewBatch()
	defer b.Close()

	if err := b.Set(keyEntry(part, seq), payload, nil); err != nil {
		return 0, 0, fmt.Errorf("stage entry: %w", err)
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(keyMeta(part), meta[:], nil); err != nil {
		return 0, 0, fmt.Errorf("stage meta: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, 0, fmt.Errorf("commit batch: %w", err)
	}

	l.lastSeq[part] = seq
	close(l.notify[part])
	l.notify[part] = make(chan struct{})
	return part, seq, nil
}

// Read returns up to limit entries of the partition with sequence greater
// than after, in ascending order.
func (l *Log) Read(part uint32, after uint64, limit int) ([]Entry, error) {
	lo := keyEntry(part, after+1)
	_, hi := entryBounds(part)

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Seq: seqFromEntryKey(iter.Key()), Record: rec})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, iter.Error()
}

// LastSeq returns the highest assigned sequence of the partition.
func (l *Log) LastSeq(part uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq[part]
}

// WaitForAppend blocks until a record is appended to the partition or the
// timeout elapses. Returns true if woken by an append.
func (l *Log) WaitForAppend(part uint32, timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.notify[part]
	l.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CommitCursor durably stores the last processed sequence for the group on
// the partition. Commits never regress: a sequence at or below the stored
// one is ignored, so redeliveries cannot move a group backwards.
func (l *Log) CommitCursor(group string, part uint32, seq uint64) error {
	key := keyCursor(group, part)
	cur, closer, err := l.db.Get(key)
	if err == nil {
		prev := uint64(0)
		if len(cur) >= 8 {
			prev = binary.BigEndian.Uint64(cur[:8])
		}
		_ = closer.Close()
		if seq <= prev {
			return nil
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("read cursor: %w", err)
	}

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	if err := l.db.Set(key, b[:], pebble.Sync); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Cursor loads the stored sequence for the group on the partition.
func (l *Log) Cursor(group string, part uint32) (uint64, bool) {
	cur, closer, err := l.db.Get(keyCursor(group, part))
	if err != nil || len(cur) < 8 {
		if err == nil {
			_ = closer.Close()
		}
		return 0, false
	}
	seq := binary.BigEndian.Uint64(cur[:8])
	_ = closer.Close()
	return seq, true
}
