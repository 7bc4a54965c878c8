package ledger

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemLedger is an in-process ledger for tests and local runs. Commits apply
// under one lock, which gives the same all-or-nothing visibility as a pebble
// batch.
type MemLedger struct {
	mu      sync.RWMutex
	data    map[string][]byte
	seq     uint64
	failErr error // returned by the next Commit, then cleared
	commits int
}

func NewMemLedger() *MemLedger {
	return &MemLedger{data: make(map[string][]byte)}
}

func (l *MemLedger) Close() error { return nil }

// FailNextCommit makes the next Commit return err without applying anything.
func (l *MemLedger) FailNextCommit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

// Commits returns the number of successful commits.
func (l *MemLedger) Commits() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commits
}

func (l *MemLedger) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (l *MemLedger) Scan(ctx context.Context, prefix []byte, opts ScanOptions, fn func(key, value []byte) error) error {
	l.mu.RLock()
	p := string(prefix)
	keys := make([]string, 0)
	for k := range l.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if opts.Reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = bytes.Clone(l.data[k])
	}
	l.mu.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemLedger) Commit(ctx context.Context, ops []Op) (TxID, error) {
	if len(ops) == 0 {
		return TxID{}, ErrEmptyCommit
	}
	if err := ctx.Err(); err != nil {
		return TxID{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failErr != nil {
		err := l.failErr
		l.failErr = nil
		return TxID{}, err
	}

	l.seq++
	for _, op := range ops {
		l.data[string(op.Key)] = bytes.Clone(op.Value)
	}
	l.commits++
	return ComputeTxID(l.seq, ops), nil
}

var _ Ledger = (*MemLedger)(nil)
