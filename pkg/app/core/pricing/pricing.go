// Package pricing moves market probabilities in response to trades.
//
// A Model works on the price of the traded side only (millionths) and never
// sees the Market; the Engine validates the request, translates between the
// YES/NO representation and writes the result back. Nothing here touches
// storage, so a failed commit is undone by dropping the market copy.
package pricing

import (
	"fmt"
	"time"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
)

// Model is a price-impact rule. Prices are the traded side's probability in
// millionths, amounts and shares are minor units.
type Model interface {
	Name() string
	// Buy spends amount on the side priced at price and returns the new side
	// price and the shares received.
	Buy(price, liquidity, amount int64) (newPrice, shares int64, err error)
	// Sell returns shares of the side priced at price and returns the new side
	// price and the proceeds paid out.
	Sell(price, liquidity, shares int64) (newPrice, proceeds int64, err error)
}

// NewModel returns the model registered under name.
func NewModel(name string) (Model, error) {
	switch name {
	case "", ModelLMSR:
		return LMSR{}, nil
	case ModelLinear:
		return Linear{}, nil
	default:
		return nil, fmt.Errorf("unknown pricing model %q", name)
	}
}

// Quote is the outcome of one priced trade.
type Quote struct {
	Side           market.Side `json:"side"`
	Amount         int64       `json:"amount"` // collateral paid in (buy) or out (sell)
	Shares         int64       `json:"shares"`
	YesProbability int64       `json:"yesProbability"`
	NoProbability  int64       `json:"noProbability"`
}

// Engine applies a Model to markets.
type Engine struct {
	model Model
}

func NewEngine(model Model) *Engine {
	return &Engine{model: model}
}

func (e *Engine) Model() Model { return e.model }

// ApplyTrade buys side for amount and moves m's price. All checks run before
// m is touched; on error m is unchanged.
func (e *Engine) ApplyTrade(m *market.Market, side market.Side, amount int64, now time.Time) (Quote, error) {
	if amount <= 0 {
		return Quote{}, fmt.Errorf("%w: %d", market.ErrInvalidAmount, amount)
	}
	if err := checkTradable(m, side, now); err != nil {
		return Quote{}, err
	}

	price, shares, err := e.model.Buy(m.Price(side), m.LiquidityParam, amount)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to price buy on %s: %w", m.ID.Hex(), err)
	}
	if err := checkPrice(price); err != nil {
		return Quote{}, err
	}

	m.SetPrice(side, price)
	return Quote{
		Side:           side,
		Amount:         amount,
		Shares:         shares,
		YesProbability: m.YesProbability,
		NoProbability:  m.NoProbability(),
	}, nil
}

// ApplySell sells shares of side back to the pool and moves m's price.
// Balance checks belong to the position ledger.
func (e *Engine) ApplySell(m *market.Market, side market.Side, shares int64, now time.Time) (Quote, error) {
	if shares <= 0 {
		return Quote{}, fmt.Errorf("%w: %d shares", market.ErrInvalidAmount, shares)
	}
	if err := checkTradable(m, side, now); err != nil {
		return Quote{}, err
	}

	price, proceeds, err := e.model.Sell(m.Price(side), m.LiquidityParam, shares)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to price sell on %s: %w", m.ID.Hex(), err)
	}
	if err := checkPrice(price); err != nil {
		return Quote{}, err
	}

	m.SetPrice(side, price)
	return Quote{
		Side:           side,
		Amount:         proceeds,
		Shares:         shares,
		YesProbability: m.YesProbability,
		NoProbability:  m.NoProbability(),
	}, nil
}

// PreviewTrade quotes a buy without changing m.
func (e *Engine) PreviewTrade(m *market.Market, side market.Side, amount int64, now time.Time) (Quote, error) {
	return e.ApplyTrade(m.Clone(), side, amount, now)
}

// PreviewSell quotes a sell without changing m.
func (e *Engine) PreviewSell(m *market.Market, side market.Side, shares int64, now time.Time) (Quote, error) {
	return e.ApplySell(m.Clone(), side, shares, now)
}

func checkTradable(m *market.Market, side market.Side, now time.Time) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %d", market.ErrInvalidSide, side)
	}
	if m.Resolved {
		return fmt.Errorf("%w: %s", market.ErrMarketResolved, m.ID.Hex())
	}
	if m.Expired(now) {
		return fmt.Errorf("%w: %s ended at %d", market.ErrMarketExpired, m.ID.Hex(), m.EndTime)
	}
	return nil
}

// checkPrice guards against a model returning a price outside the band.
func checkPrice(p int64) error {
	if p < market.MinProbability || p > market.MaxProbability {
		return fmt.Errorf("model returned price %d outside [%d, %d]", p, market.MinProbability, market.MaxProbability)
	}
	return nil
}

func clamp(p int64) int64 {
	if p < market.MinProbability {
		return market.MinProbability
	}
	if p > market.MaxProbability {
		return market.MaxProbability
	}
	return p
}
