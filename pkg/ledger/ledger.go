// Package ledger is the storage contract the market engine runs against.
//
// The engine treats the ledger as an external, durable substrate with three
// primitives: deterministic address derivation, point reads (plus ordered
// prefix scans for listing), and an all-or-nothing multi-write Commit. Every
// state change of a request is staged into one Batch and committed once, so a
// failed commit never leaves partial state.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound       = errors.New("ledger: not found")
	ErrSchemaMismatch = errors.New("ledger: record schema mismatch")
	ErrEmptyCommit    = errors.New("ledger: empty commit")
)

// TxID identifies a committed batch.
type TxID = common.Hash

// Op is a single write inside a commit.
type Op struct {
	Key   []byte
	Value []byte
}

// ScanOptions controls prefix iteration. Limit <= 0 means unlimited.
type ScanOptions struct {
	Reverse bool
	Limit   int
}

type Ledger interface {
	// Get returns ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Scan visits keys with the given prefix in key order (or reverse order).
	// Returning an error from fn stops the scan and is passed through.
	Scan(ctx context.Context, prefix []byte, opts ScanOptions, fn func(key, value []byte) error) error
	// Commit applies every op or none of them.
	Commit(ctx context.Context, ops []Op) (TxID, error)
	Close() error
}

// DeriveAddress hashes length-prefixed seeds with keccak256 and keeps the last
// 20 bytes. Equal seeds always give the same address, and seed boundaries are
// part of the hash ("ab","c" != "a","bc").
func DeriveAddress(seeds ...[]byte) common.Address {
	var buf []byte
	var n [4]byte
	for _, s := range seeds {
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		buf = append(buf, n[:]...)
		buf = append(buf, s...)
	}
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}

func SeedString(s string) []byte { return []byte(s) }

func SeedAddress(a common.Address) []byte { return a.Bytes() }

func SeedUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// ComputeTxID hashes the commit sequence number and the ops in order.
func ComputeTxID(seq uint64, ops []Op) TxID {
	h := sha3.NewLegacyKeccak256()
	h.Write(SeedUint64(seq))
	for _, op := range ops {
		h.Write(SeedUint64(uint64(len(op.Key))))
		h.Write(op.Key)
		h.Write(SeedUint64(uint64(len(op.Value))))
		h.Write(op.Value)
	}
	var id TxID
	copy(id[:], h.Sum(nil))
	return id
}

// Batch collects the writes of one request. A later Put on the same key
// replaces the earlier value, keeping the original position.
type Batch struct {
	ops   []Op
	index map[string]int
}

func NewBatch() *Batch {
	return &Batch{index: make(map[string]int)}
}

func (b *Batch) Put(key, value []byte) {
	k := string(key)
	if i, ok := b.index[k]; ok {
		b.ops[i].Value = value
		return
	}
	b.index[k] = len(b.ops)
	b.ops = append(b.ops, Op{Key: key, Value: value})
}

func (b *Batch) Len() int { return len(b.ops) }

// Ops returns the staged writes in insertion order.
func (b *Batch) Ops() []Op {
	out := make([]Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// Commit sends the batch to l.
func (b *Batch) Commit(ctx context.Context, l Ledger) (TxID, error) {
	return l.Commit(ctx, b.Ops())
}
