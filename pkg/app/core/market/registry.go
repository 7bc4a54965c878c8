package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperpredict/pkg/ledger"
	"github.com/uhyunpark/hyperpredict/pkg/util"
)

// Record kinds and schema versions on the ledger
const (
	recordKind    = "market"
	recordVersion = 1
	nonceKind     = "nonce"
	nonceVersion  = 1
)

// Params describes a market to create.
type Params struct {
	Question  string
	Liquidity int64 // initial liquidity parameter, minor units
	EndTime   int64 // unix seconds
	Nonce     uint64
}

// Registry creates and indexes markets. It keeps no market state in memory:
// every read goes to the ledger, so several registries (or processes) can
// share one ledger.
type Registry struct {
	ledger ledger.Ledger
	clock  util.Clock
}

func NewRegistry(l ledger.Ledger, clock util.Clock) *Registry {
	return &Registry{ledger: l, clock: clock}
}

// DeriveID returns the market id for (creator, question, nonce).
func DeriveID(creator common.Address, question string, nonce uint64) common.Address {
	return ledger.DeriveAddress(
		ledger.SeedString("market"),
		ledger.SeedAddress(creator),
		ledger.SeedString(question),
		ledger.SeedUint64(nonce),
	)
}

// Create validates p, writes the market and advances the creator's nonce in a
// single commit. Callers must serialize Create per creator.
func (r *Registry) Create(ctx context.Context, creator common.Address, p Params) (*Market, ledger.TxID, error) {
	m, err := r.Prepare(ctx, creator, p)
	if err != nil {
		return nil, ledger.TxID{}, err
	}

	next, err := r.NextNonce(ctx, creator)
	if err != nil {
		return nil, ledger.TxID{}, err
	}
	if p.Nonce >= next {
		next = p.Nonce + 1
	}

	b := ledger.NewBatch()
	if err := r.Stage(b, m); err != nil {
		return nil, ledger.TxID{}, err
	}
	if err := stageNonce(b, creator, next); err != nil {
		return nil, ledger.TxID{}, err
	}

	txID, err := b.Commit(ctx, r.ledger)
	if err != nil {
		return nil, ledger.TxID{}, CommitFailed(err)
	}
	return m, txID, nil
}

// Prepare validates p and builds the initial market without writing it.
func (r *Registry) Prepare(ctx context.Context, creator common.Address, p Params) (*Market, error) {
	question := strings.TrimSpace(p.Question)
	if question == "" || len(question) > MaxQuestionLength {
		return nil, fmt.Errorf("%w: length must be 1..%d bytes", ErrInvalidQuestion, MaxQuestionLength)
	}
	// The creator's stored nonce is always p.Nonce+1, which must not wrap.
	if p.Nonce == math.MaxUint64 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNonce, p.Nonce)
	}
	if p.Liquidity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLiquidity, p.Liquidity)
	}
	now := r.clock.Now().Unix()
	if p.EndTime <= now {
		return nil, fmt.Errorf("%w: end time %d is not after %d", ErrInvalidExpiry, p.EndTime, now)
	}

	id := DeriveID(creator, question, p.Nonce)
	if _, err := r.ledger.Get(ctx, ledger.MarketKey(id)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, id.Hex())
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("failed to check market %s: %w", id.Hex(), err)
	}

	return &Market{
		ID:             id,
		Creator:        creator,
		Question:       question,
		Nonce:          p.Nonce,
		YesProbability: InitialYes,
		LiquidityParam: p.Liquidity,
		EndTime:        p.EndTime,
		CreatedAt:      now,
	}, nil
}

// Get loads a market by id
func (r *Registry) Get(ctx context.Context, id common.Address) (*Market, error) {
	raw, err := r.ledger.Get(ctx, ledger.MarketKey(id))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market %s: %w", id.Hex(), err)
	}
	return Decode(raw)
}

// List returns every market ordered by creation time, then id.
// Each call rescans the ledger, so it can be restarted at any point.
func (r *Registry) List(ctx context.Context) ([]*Market, error) {
	var markets []*Market
	err := r.ledger.Scan(ctx, ledger.MarketPrefix(), ledger.ScanOptions{}, func(key, value []byte) error {
		m, err := Decode(value)
		if err != nil {
			return fmt.Errorf("market record %s: %w", key, err)
		}
		markets = append(markets, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt != markets[j].CreatedAt {
			return markets[i].CreatedAt < markets[j].CreatedAt
		}
		return markets[i].ID.Cmp(markets[j].ID) < 0
	})
	return markets, nil
}

// NextNonce returns the nonce the creator's next market gets by default.
func (r *Registry) NextNonce(ctx context.Context, creator common.Address) (uint64, error) {
	raw, err := r.ledger.Get(ctx, ledger.NonceKey(creator))
	if errors.Is(err, ledger.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce of %s: %w", creator.Hex(), err)
	}
	var next uint64
	if err := ledger.Decode(raw, nonceKind, nonceVersion, &next); err != nil {
		return 0, err
	}
	return next, nil
}

// Stage adds a write of m to b after checking its invariants.
func (r *Registry) Stage(b *ledger.Batch, m *Market) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to stage market %s: %w", m.ID.Hex(), err)
	}
	raw, err := Encode(m)
	if err != nil {
		return err
	}
	b.Put(ledger.MarketKey(m.ID), raw)
	return nil
}

func stageNonce(b *ledger.Batch, creator common.Address, next uint64) error {
	raw, err := ledger.Encode(nonceKind, nonceVersion, next)
	if err != nil {
		return err
	}
	b.Put(ledger.NonceKey(creator), raw)
	return nil
}

func Encode(m *Market) ([]byte, error) {
	return ledger.Encode(recordKind, recordVersion, m)
}

// Decode parses a market record and re-checks its invariants.
func Decode(raw []byte) (*Market, error) {
	var m Market
	if err := ledger.Decode(raw, recordKind, recordVersion, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrSchemaMismatch, err)
	}
	return &m, nil
}
