package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/ledger"
)

const (
	positionKind    = "position"
	positionVersion = 1
	tradeKind       = "trade"
	tradeVersion    = 1
)

// Action is the direction of a trade against the pool.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Position is one owner's share balance in one market.
type Position struct {
	Market      common.Address `json:"market"`
	Owner       common.Address `json:"owner"`
	Address     common.Address `json:"address"` // DeriveAddress("position", market, owner)
	YesShares   int64          `json:"yesShares"`
	NoShares    int64          `json:"noShares"`
	Redeemed    bool           `json:"redeemed"`
	LastUpdated int64          `json:"lastUpdated"` // unix seconds, 0 if never traded
}

// NewPosition returns the empty position of owner in marketID.
func NewPosition(marketID, owner common.Address) *Position {
	return &Position{
		Market:  marketID,
		Owner:   owner,
		Address: DeriveAddress(marketID, owner),
	}
}

func DeriveAddress(marketID, owner common.Address) common.Address {
	return ledger.DeriveAddress(
		ledger.SeedString("position"),
		ledger.SeedAddress(marketID),
		ledger.SeedAddress(owner),
	)
}

func (p *Position) Shares(side market.Side) int64 {
	if side == market.SideNo {
		return p.NoShares
	}
	return p.YesShares
}

func (p *Position) add(side market.Side, n int64) {
	if side == market.SideNo {
		p.NoShares += n
		return
	}
	p.YesShares += n
}

// IsEmpty reports whether the position has never been written.
func (p *Position) IsEmpty() bool {
	return p.YesShares == 0 && p.NoShares == 0 && !p.Redeemed && p.LastUpdated == 0
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// Trade is an append-only record of one buy or sell.
type Trade struct {
	ID             string         `json:"id"`
	Market         common.Address `json:"market"`
	Owner          common.Address `json:"owner"`
	Seq            uint64         `json:"seq"`
	Side           market.Side    `json:"side"`
	Action         Action         `json:"action"`
	Amount         int64          `json:"amount"` // collateral in (buy) or out (sell)
	Shares         int64          `json:"shares"`
	YesProbability int64          `json:"yesProbability"` // after the trade
	Timestamp      int64          `json:"timestamp"`
}

// Ledger tracks per-owner share balances. Record and Release only change the
// values they are given; the caller stages them into the request's batch so
// the price move and the balance change commit together.
type Ledger struct {
	ledger ledger.Ledger
}

func NewLedger(l ledger.Ledger) *Ledger {
	return &Ledger{ledger: l}
}

// Record credits shares of side to pos for amount paid. It updates m's
// totals and trade counter and returns the trade record to stage.
func (l *Ledger) Record(m *market.Market, pos *Position, side market.Side, shares, amount int64, now time.Time) (*Trade, error) {
	if err := checkPair(m, pos, side); err != nil {
		return nil, err
	}
	if shares < 0 || amount <= 0 {
		return nil, fmt.Errorf("%w: shares=%d amount=%d", market.ErrInvalidAmount, shares, amount)
	}
	if overflows(pos.Shares(side), shares) || overflows(m.Shares(side), shares) || overflows(m.TotalVolume, amount) {
		return nil, fmt.Errorf("%w: shares=%d amount=%d overflow market totals", market.ErrInvalidAmount, shares, amount)
	}

	pos.add(side, shares)
	pos.LastUpdated = now.Unix()
	if side == market.SideNo {
		m.TotalNoShares += shares
	} else {
		m.TotalYesShares += shares
	}
	m.TotalVolume += amount
	return newTrade(m, pos, side, ActionBuy, shares, amount, now), nil
}

// Release debits shares of side from pos for proceeds paid out. Volume
// counts both directions.
func (l *Ledger) Release(m *market.Market, pos *Position, side market.Side, shares, proceeds int64, now time.Time) (*Trade, error) {
	if err := checkPair(m, pos, side); err != nil {
		return nil, err
	}
	if shares <= 0 || proceeds < 0 {
		return nil, fmt.Errorf("%w: shares=%d proceeds=%d", market.ErrInvalidAmount, shares, proceeds)
	}
	if held := pos.Shares(side); held < shares {
		return nil, fmt.Errorf("%w: holds %d %s shares, selling %d", market.ErrInsufficientShares, held, side, shares)
	}
	if overflows(m.TotalVolume, proceeds) {
		return nil, fmt.Errorf("%w: proceeds=%d overflow market volume", market.ErrInvalidAmount, proceeds)
	}

	pos.add(side, -shares)
	pos.LastUpdated = now.Unix()
	if side == market.SideNo {
		m.TotalNoShares -= shares
	} else {
		m.TotalYesShares -= shares
	}
	m.TotalVolume += proceeds
	return newTrade(m, pos, side, ActionSell, shares, proceeds, now), nil
}

// overflows reports whether total+n exceeds int64 for non-negative n.
func overflows(total, n int64) bool {
	return n > math.MaxInt64-total
}

func checkPair(m *market.Market, pos *Position, side market.Side) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %d", market.ErrInvalidSide, side)
	}
	if pos.Market != m.ID {
		return fmt.Errorf("position %s belongs to market %s, not %s", pos.Address.Hex(), pos.Market.Hex(), m.ID.Hex())
	}
	return nil
}

func newTrade(m *market.Market, pos *Position, side market.Side, action Action, shares, amount int64, now time.Time) *Trade {
	m.TradeCount++
	return &Trade{
		ID:             uuid.NewString(),
		Market:         m.ID,
		Owner:          pos.Owner,
		Seq:            m.TradeCount,
		Side:           side,
		Action:         action,
		Amount:         amount,
		Shares:         shares,
		YesProbability: m.YesProbability,
		Timestamp:      now.Unix(),
	}
}

// Get returns owner's position in marketID, or an empty one if none is stored.
func (l *Ledger) Get(ctx context.Context, owner, marketID common.Address) (*Position, error) {
	raw, err := l.ledger.Get(ctx, ledger.PositionKey(marketID, owner))
	if errors.Is(err, ledger.ErrNotFound) {
		return NewPosition(marketID, owner), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s/%s: %w", marketID.Hex(), owner.Hex(), err)
	}
	return decodePosition(raw)
}

// ListByMarket returns every stored position of marketID ordered by owner.
func (l *Ledger) ListByMarket(ctx context.Context, marketID common.Address) ([]*Position, error) {
	var out []*Position
	err := l.ledger.Scan(ctx, ledger.PositionPrefix(marketID), ledger.ScanOptions{}, func(key, value []byte) error {
		p, err := decodePosition(value)
		if err != nil {
			return fmt.Errorf("position record %s: %w", key, err)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecentTrades returns up to limit trades of marketID, newest first.
// limit <= 0 returns the full history.
func (l *Ledger) RecentTrades(ctx context.Context, marketID common.Address, limit int) ([]*Trade, error) {
	var out []*Trade
	opts := ledger.ScanOptions{Reverse: true, Limit: limit}
	err := l.ledger.Scan(ctx, ledger.TradePrefix(marketID), opts, func(key, value []byte) error {
		var t Trade
		if err := ledger.Decode(value, tradeKind, tradeVersion, &t); err != nil {
			return fmt.Errorf("trade record %s: %w", key, err)
		}
		out = append(out, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stage adds a write of pos to b.
func (l *Ledger) Stage(b *ledger.Batch, pos *Position) error {
	if pos.YesShares < 0 || pos.NoShares < 0 {
		return fmt.Errorf("refusing to stage negative position %s: yes=%d no=%d", pos.Address.Hex(), pos.YesShares, pos.NoShares)
	}
	raw, err := ledger.Encode(positionKind, positionVersion, pos)
	if err != nil {
		return err
	}
	b.Put(ledger.PositionKey(pos.Market, pos.Owner), raw)
	return nil
}

// StageTrade adds t to b under its market sequence number.
func (l *Ledger) StageTrade(b *ledger.Batch, t *Trade) error {
	raw, err := ledger.Encode(tradeKind, tradeVersion, t)
	if err != nil {
		return err
	}
	b.Put(ledger.TradeKey(t.Market, t.Seq), raw)
	return nil
}

func decodePosition(raw []byte) (*Position, error) {
	var p Position
	if err := ledger.Decode(raw, positionKind, positionVersion, &p); err != nil {
		return nil, err
	}
	if p.YesShares < 0 || p.NoShares < 0 {
		return nil, fmt.Errorf("%w: negative balance in position %s", ledger.ErrSchemaMismatch, p.Address.Hex())
	}
	return &p, nil
}
