package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice  = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	market = common.HexToAddress("0x1100000000000000000000000000000000000000")
)

// newTestLedgers returns one of each implementation so every contract test
// runs against both.
func newTestLedgers(t *testing.T) map[string]Ledger {
	t.Helper()

	pl, err := OpenPebble(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("failed to open pebble ledger: %v", err)
	}
	t.Cleanup(func() { pl.Close() })

	return map[string]Ledger{
		"pebble": pl,
		"memory": NewMemLedger(),
	}
}

func TestDeriveAddress(t *testing.T) {
	a := DeriveAddress(SeedString("market"), SeedAddress(alice), SeedString("BTC>100k"), SeedUint64(0))
	b := DeriveAddress(SeedString("market"), SeedAddress(alice), SeedString("BTC>100k"), SeedUint64(0))
	if a != b {
		t.Fatalf("derivation is not deterministic: %s != %s", a.Hex(), b.Hex())
	}

	c := DeriveAddress(SeedString("market"), SeedAddress(alice), SeedString("BTC>100k"), SeedUint64(1))
	if a == c {
		t.Error("different nonce produced the same address")
	}

	// Seed boundaries are hashed too
	if DeriveAddress(SeedString("ab"), SeedString("c")) == DeriveAddress(SeedString("a"), SeedString("bc")) {
		t.Error("seed boundaries are ambiguous")
	}
}

func TestLedgerGetCommit(t *testing.T) {
	ctx := context.Background()
	for name, l := range newTestLedgers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := l.Get(ctx, MarketKey(market)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: err = %v, want ErrNotFound", err)
			}

			b := NewBatch()
			b.Put(MarketKey(market), []byte("m1"))
			b.Put(PositionKey(market, alice), []byte("p1"))
			b.Put(MarketKey(market), []byte("m2")) // replaces m1
			if b.Len() != 2 {
				t.Fatalf("batch len = %d, want 2", b.Len())
			}

			tx1, err := b.Commit(ctx, l)
			if err != nil {
				t.Fatalf("commit: %v", err)
			}

			got, err := l.Get(ctx, MarketKey(market))
			if err != nil || string(got) != "m2" {
				t.Fatalf("get market = %q, %v; want m2", got, err)
			}

			tx2, err := l.Commit(ctx, []Op{{Key: MarketKey(market), Value: []byte("m2")}})
			if err != nil {
				t.Fatalf("second commit: %v", err)
			}
			if tx1 == tx2 {
				t.Error("tx ids must differ between commits")
			}

			if _, err := l.Commit(ctx, nil); !errors.Is(err, ErrEmptyCommit) {
				t.Errorf("empty commit: err = %v, want ErrEmptyCommit", err)
			}
		})
	}
}

func TestLedgerScan(t *testing.T) {
	ctx := context.Background()
	for name, l := range newTestLedgers(t) {
		t.Run(name, func(t *testing.T) {
			var ops []Op
			for seq := uint64(1); seq <= 5; seq++ {
				ops = append(ops, Op{Key: TradeKey(market, seq), Value: []byte(fmt.Sprint(seq))})
			}
			// A different market must not leak into the prefix scan
			other := common.HexToAddress("0x2200000000000000000000000000000000000000")
			ops = append(ops, Op{Key: TradeKey(other, 1), Value: []byte("x")})
			if _, err := l.Commit(ctx, ops); err != nil {
				t.Fatalf("commit: %v", err)
			}

			var forward []string
			err := l.Scan(ctx, TradePrefix(market), ScanOptions{}, func(_, v []byte) error {
				forward = append(forward, string(v))
				return nil
			})
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if fmt.Sprint(forward) != "[1 2 3 4 5]" {
				t.Errorf("forward = %v", forward)
			}

			var newest []string
			err = l.Scan(ctx, TradePrefix(market), ScanOptions{Reverse: true, Limit: 2}, func(_, v []byte) error {
				newest = append(newest, string(v))
				return nil
			})
			if err != nil {
				t.Fatalf("reverse scan: %v", err)
			}
			if fmt.Sprint(newest) != "[5 4]" {
				t.Errorf("reverse = %v, want [5 4]", newest)
			}

			stop := errors.New("stop")
			if err := l.Scan(ctx, TradePrefix(market), ScanOptions{}, func(_, _ []byte) error { return stop }); !errors.Is(err, stop) {
				t.Errorf("scan error passthrough: got %v", err)
			}
		})
	}
}

func TestMemLedgerFailNextCommit(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	boom := errors.New("consensus timeout")
	l.FailNextCommit(boom)

	_, err := l.Commit(ctx, []Op{{Key: MarketKey(market), Value: []byte("m")}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if _, err := l.Get(ctx, MarketKey(market)); !errors.Is(err, ErrNotFound) {
		t.Error("failed commit must not write anything")
	}

	if _, err := l.Commit(ctx, []Op{{Key: MarketKey(market), Value: []byte("m")}}); err != nil {
		t.Fatalf("failure should be one-shot: %v", err)
	}
	if l.Commits() != 1 {
		t.Errorf("commits = %d, want 1", l.Commits())
	}
}

func TestPebbleLedgerReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger")

	l, err := OpenPebble(path)
	if err != nil {
		t.Fatal(err)
	}
	tx1, err := l.Commit(ctx, []Op{{Key: NonceKey(alice), Value: []byte("1")}})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = OpenPebble(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	got, err := l.Get(ctx, NonceKey(alice))
	if err != nil || string(got) != "1" {
		t.Fatalf("after reopen got %q, %v", got, err)
	}

	// Sequence survives the restart, so identical ops still get a fresh id
	tx2, err := l.Commit(ctx, []Op{{Key: NonceKey(alice), Value: []byte("1")}})
	if err != nil {
		t.Fatal(err)
	}
	if tx1 == tx2 {
		t.Error("tx id repeated after reopen")
	}
}

type sample struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func TestCodecFailsClosed(t *testing.T) {
	raw, err := Encode("sample", 1, sample{Name: "a", Count: 2})
	if err != nil {
		t.Fatal(err)
	}

	var ok sample
	if err := Decode(raw, "sample", 1, &ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok.Name != "a" || ok.Count != 2 {
		t.Errorf("decoded %+v", ok)
	}

	tests := []struct {
		name    string
		raw     []byte
		kind    string
		version uint16
	}{
		{name: "wrong kind", raw: raw, kind: "market", version: 1},
		{name: "newer version", raw: raw, kind: "sample", version: 2},
		{name: "unknown field", raw: []byte(`{"kind":"sample","v":1,"data":{"name":"a","extra":1}}`), kind: "sample", version: 1},
		{name: "type coercion", raw: []byte(`{"kind":"sample","v":1,"data":{"name":"a","count":"2"}}`), kind: "sample", version: 1},
		{name: "trailing data", raw: append(append([]byte(nil), raw...), []byte(`{}`)...), kind: "sample", version: 1},
		{name: "not json", raw: []byte("acc:0x1"), kind: "sample", version: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out sample
			if err := Decode(tt.raw, tt.kind, tt.version, &out); !errors.Is(err, ErrSchemaMismatch) {
				t.Errorf("err = %v, want ErrSchemaMismatch", err)
			}
		})
	}
}
