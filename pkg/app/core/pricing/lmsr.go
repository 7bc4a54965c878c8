package pricing

import (
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
)

const (
	ModelLMSR = "lmsr"

	// Decimal places carried through exp/ln.
	mathPrecision = 18
)

var (
	one = decimal.NewFromInt(1)

	// e^-40 is below 1e-17, past the point where the price can move further.
	maxExponent = decimal.NewFromInt(40)

	floorPrice = probability(market.MinProbability)
	capPrice   = probability(market.MaxProbability)

	maxUnits = decimal.NewFromInt(math.MaxInt64)

	// decimal's ExpTaylor grows a package-level factorial cache without
	// locking, and Ln calls ExpTaylor.
	mathMu sync.Mutex
)

// LMSR is the logarithmic market scoring rule with b = liquidity.
//
// With p the price of the traded side:
//
//	buy a:  p' = 1 - (1-p)e^(-a/b),       shares   = a + b ln(p'/p)
//	sell s: odds(p') = odds(p)e^(-s/b),   proceeds = b ln((1-p')/(1-p))
//
// Prices are rounded toward the pre-trade price, shares and proceeds are
// rounded down. Volume that would push the price past the [1%, 99%] band
// fills at the band edge price.
type LMSR struct{}

func (LMSR) Name() string { return ModelLMSR }

func (LMSR) Buy(price, liquidity, amount int64) (int64, int64, error) {
	b := decimal.NewFromInt(liquidity)
	a := decimal.NewFromInt(amount)
	p := probability(price)

	growth, err := exp(a.DivRound(b, mathPrecision))
	if err != nil {
		return 0, 0, err
	}
	raw := one.Sub(one.Sub(p).DivRound(growth, mathPrecision))

	if raw.LessThanOrEqual(capPrice) {
		newPrice := max(toMillionths(raw, false), price)
		logRatio, err := ln(raw.DivRound(p, mathPrecision))
		if err != nil {
			return 0, 0, err
		}
		shares, err := toUnits(a.Add(b.Mul(logRatio)))
		if err != nil {
			return 0, 0, err
		}
		return newPrice, shares, nil
	}

	// Spend what it takes to reach the cap, then buy the rest flat.
	spendLog, err := ln(one.Sub(p).DivRound(one.Sub(capPrice), mathPrecision))
	if err != nil {
		return 0, 0, err
	}
	spent := b.Mul(spendLog)
	shareLog, err := ln(capPrice.DivRound(p, mathPrecision))
	if err != nil {
		return 0, 0, err
	}
	shares := spent.Add(b.Mul(shareLog))
	if rest := a.Sub(spent); rest.IsPositive() {
		shares = shares.Add(rest.DivRound(capPrice, mathPrecision))
	}
	units, err := toUnits(shares)
	if err != nil {
		return 0, 0, err
	}
	return market.MaxProbability, units, nil
}

func (LMSR) Sell(price, liquidity, shares int64) (int64, int64, error) {
	b := decimal.NewFromInt(liquidity)
	s := decimal.NewFromInt(shares)
	p := probability(price)

	growth, err := exp(s.DivRound(b, mathPrecision))
	if err != nil {
		return 0, 0, err
	}
	nextOdds := odds(p).DivRound(growth, mathPrecision)
	raw := nextOdds.DivRound(one.Add(nextOdds), mathPrecision)

	newPrice := min(toMillionths(raw, true), price)
	if newPrice >= market.MinProbability {
		// Shares left over by rounding the price up are not paid for.
		proceedsLog, err := ln(one.Sub(probability(newPrice)).DivRound(one.Sub(p), mathPrecision))
		if err != nil {
			return 0, 0, err
		}
		proceeds, err := toUnits(b.Mul(proceedsLog))
		if err != nil {
			return 0, 0, err
		}
		return newPrice, proceeds, nil
	}

	// Sell down to the floor, then the rest flat at the floor price.
	usedLog, err := ln(odds(p).DivRound(odds(floorPrice), mathPrecision))
	if err != nil {
		return 0, 0, err
	}
	used := b.Mul(usedLog)
	proceedsLog, err := ln(one.Sub(floorPrice).DivRound(one.Sub(p), mathPrecision))
	if err != nil {
		return 0, 0, err
	}
	proceeds := b.Mul(proceedsLog)
	if rest := s.Sub(used); rest.IsPositive() {
		proceeds = proceeds.Add(rest.Mul(floorPrice))
	}
	units, err := toUnits(proceeds)
	if err != nil {
		return 0, 0, err
	}
	return market.MinProbability, units, nil
}

// toUnits floors d to whole minor units. Results past int64 are refused
// rather than wrapped.
func toUnits(d decimal.Decimal) (int64, error) {
	d = d.Floor()
	if d.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s units overflow int64", market.ErrInvalidAmount, d)
	}
	if d.IsNegative() {
		return 0, nil
	}
	return d.IntPart(), nil
}

func probability(millionths int64) decimal.Decimal {
	return decimal.New(millionths, -6)
}

func toMillionths(p decimal.Decimal, up bool) int64 {
	shifted := p.Shift(6)
	if up {
		return shifted.Ceil().IntPart()
	}
	return shifted.Floor().IntPart()
}

func odds(p decimal.Decimal) decimal.Decimal {
	return p.DivRound(one.Sub(p), mathPrecision)
}

func exp(x decimal.Decimal) (decimal.Decimal, error) {
	if x.GreaterThan(maxExponent) {
		x = maxExponent
	}
	mathMu.Lock()
	defer mathMu.Unlock()
	v, err := x.ExpTaylor(mathPrecision)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("exp(%s): %w", x, err)
	}
	return v, nil
}

func ln(x decimal.Decimal) (decimal.Decimal, error) {
	mathMu.Lock()
	defer mathMu.Unlock()
	v, err := x.Ln(mathPrecision)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("ln(%s): %w", x, err)
	}
	return v, nil
}
