package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleLedger is the durable ledger. Commits are pebble batches written with
// pebble.Sync, so a commit either survives a crash in full or not at all.
type PebbleLedger struct {
	db *pebble.DB

	mu  sync.Mutex // serializes commits so the sequence number is gap-free
	seq uint64
}

// OpenPebble opens (or creates) a ledger at path
func OpenPebble(path string) (*PebbleLedger, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}

	l := &PebbleLedger{db: db}
	seq, err := l.loadSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	l.seq = seq
	return l, nil
}

func (l *PebbleLedger) Close() error { return l.db.Close() }

func (l *PebbleLedger) loadSeq() (uint64, error) {
	val, closer, err := l.db.Get([]byte(keyCommitSeq))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read commit sequence: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: commit sequence is %d bytes", ErrSchemaMismatch, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (l *PebbleLedger) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	// val is only valid until closer.Close
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (l *PebbleLedger) Scan(ctx context.Context, prefix []byte, opts ScanOptions, fn func(key, value []byte) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	first, next := iter.First, iter.Next
	if opts.Reverse {
		first, next = iter.Last, iter.Prev
	}

	n := 0
	for valid := first(); valid; valid = next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Limit > 0 && n >= opts.Limit {
			break
		}
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
		n++
	}
	return iter.Error()
}

func (l *PebbleLedger) Commit(ctx context.Context, ops []Op) (TxID, error) {
	if len(ops) == 0 {
		return TxID{}, ErrEmptyCommit
	}
	if err := ctx.Err(); err != nil {
		return TxID{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	batch := l.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		if err := batch.Set(op.Key, op.Value, nil); err != nil {
			return TxID{}, fmt.Errorf("failed to stage %s: %w", op.Key, err)
		}
	}
	if err := batch.Set([]byte(keyCommitSeq), SeedUint64(seq), nil); err != nil {
		return TxID{}, fmt.Errorf("failed to stage commit sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return TxID{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	l.seq = seq
	return ComputeTxID(seq, ops), nil
}

var _ Ledger = (*PebbleLedger)(nil)
