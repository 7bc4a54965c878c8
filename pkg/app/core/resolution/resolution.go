package resolution

import (
	"fmt"
	"time"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
)

// Result describes a settled market.
type Result struct {
	Market        *market.Market `json:"market"`
	Outcome       market.Outcome `json:"outcome"`
	ResolvedAt    int64          `json:"resolvedAt"`
	WinningShares int64          `json:"winningShares"` // total redeemable payout
	LosingShares  int64          `json:"losingShares"`
}

// Engine settles markets and pays out winning positions. Like the pricing
// engine it only mutates the values it is handed.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Resolve moves m from open to resolved. Resolved is terminal.
func (e *Engine) Resolve(m *market.Market, outcome market.Outcome, now time.Time) (Result, error) {
	winner, ok := outcome.WinningSide()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", market.ErrInvalidOutcome, outcome)
	}
	if m.Resolved {
		return Result{}, fmt.Errorf("%w: %s resolved %s at %d", market.ErrAlreadyResolved, m.ID.Hex(), m.Outcome, m.ResolvedAt)
	}
	if !m.Expired(now) {
		return Result{}, fmt.Errorf("%w: %s ends at %d, now %d", market.ErrResolutionTooEarly, m.ID.Hex(), m.EndTime, now.Unix())
	}

	m.Resolved = true
	m.Outcome = outcome
	m.ResolvedAt = now.Unix()

	loser := market.SideNo
	if winner == market.SideNo {
		loser = market.SideYes
	}
	return Result{
		Market:        m,
		Outcome:       outcome,
		ResolvedAt:    m.ResolvedAt,
		WinningShares: m.Shares(winner),
		LosingShares:  m.Shares(loser),
	}, nil
}

// Redeem pays pos its winning shares, one minor unit each, and zeroes both
// sides. A position can be redeemed once; a position holding no winning
// shares has nothing to redeem.
func (e *Engine) Redeem(m *market.Market, pos *position.Position, now time.Time) (int64, error) {
	if !m.Resolved {
		return 0, fmt.Errorf("%w: %s", market.ErrMarketNotResolved, m.ID.Hex())
	}
	if pos.Market != m.ID {
		return 0, fmt.Errorf("position %s belongs to market %s, not %s", pos.Address.Hex(), pos.Market.Hex(), m.ID.Hex())
	}
	winner, _ := m.Outcome.WinningSide()
	payout := pos.Shares(winner)
	if pos.Redeemed || payout == 0 {
		return 0, fmt.Errorf("%w: %s in %s", market.ErrAlreadyRedeemed, pos.Owner.Hex(), m.ID.Hex())
	}

	m.TotalYesShares -= pos.YesShares
	m.TotalNoShares -= pos.NoShares
	pos.YesShares = 0
	pos.NoShares = 0
	pos.Redeemed = true
	pos.LastUpdated = now.Unix()
	return payout, nil
}
