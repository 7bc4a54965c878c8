package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
)

const (
	ModelLinear = "linear"

	// LinearImpactScale is the price move, in millionths, of a trade as large
	// as the market's liquidity parameter divided by 1000: 1_000 traded
	// against liquidity 10_000 moves the price by 100.
	LinearImpactScale = 1_000

	priceSpan = market.MaxProbability - market.MinProbability
)

// Linear moves the price by amount*LinearImpactScale/liquidity and pays out
// one share per unit spent. It is kept for comparison and replay of early
// markets; it is not arbitrage-free near the clamps.
type Linear struct{}

func (Linear) Name() string { return ModelLinear }

func (Linear) Buy(price, liquidity, amount int64) (int64, int64, error) {
	return clamp(price + linearDelta(amount, liquidity)), amount, nil
}

// Sell moves the price down by the same rule and pays the post-trade price
// per share, rounded down.
func (Linear) Sell(price, liquidity, shares int64) (int64, int64, error) {
	newPrice := clamp(price - linearDelta(shares, liquidity))
	proceeds := decimal.NewFromInt(shares).
		Mul(decimal.NewFromInt(newPrice)).
		Div(decimal.NewFromInt(market.ProbabilityScale)).
		Floor().
		IntPart()
	return newPrice, proceeds, nil
}

// linearDelta is capped at the full price range, which also keeps the
// multiplication from overflowing.
func linearDelta(amount, liquidity int64) int64 {
	if amount > math.MaxInt64/LinearImpactScale {
		return priceSpan
	}
	delta := amount * LinearImpactScale / liquidity
	if delta > priceSpan {
		return priceSpan
	}
	return delta
}
