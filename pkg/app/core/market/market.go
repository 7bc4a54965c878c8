package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Probabilities are fixed-point integers in millionths.
const (
	ProbabilityScale = 1_000_000
	MinProbability   = 10_000  // 1%
	MaxProbability   = 990_000 // 99%
	InitialYes       = 500_000

	MaxQuestionLength = 280 // bytes
)

// Side is the outcome a trade takes exposure to.
type Side uint8

const (
	SideYes Side = iota + 1
	SideNo
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "yes"
	case SideNo:
		return "no"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == SideYes || s == SideNo }

func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Outcome is the resolved result of a market. OutcomeNone until resolved.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeYes
	OutcomeNo
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return "unknown"
	}
}

// WinningSide maps a final outcome to the side that pays out.
func (o Outcome) WinningSide() (Side, bool) {
	switch o {
	case OutcomeYes:
		return SideYes, true
	case OutcomeNo:
		return SideNo, true
	default:
		return 0, false
	}
}

func ParseOutcome(v string) (Outcome, error) {
	switch strings.ToLower(v) {
	case "none":
		return OutcomeNone, nil
	case "yes":
		return OutcomeYes, nil
	case "no":
		return OutcomeNo, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, v)
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	if o > OutcomeNo {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOutcome, o)
	}
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Market is one binary question with its pricing state.
// Only YesProbability is stored; the NO price is always its complement, so
// yes + no == ProbabilityScale by construction.
type Market struct {
	// Identity
	ID       common.Address `json:"id"` // DeriveAddress("market", creator, question, nonce)
	Creator  common.Address `json:"creator"`
	Question string         `json:"question"`
	Nonce    uint64         `json:"nonce"`

	// Pricing
	YesProbability int64 `json:"yesProbability"` // millionths, [MinProbability, MaxProbability]
	LiquidityParam int64 `json:"liquidityParam"` // minor units, > 0

	// Accounting
	TotalVolume    int64  `json:"totalVolume"` // never decreases
	TotalYesShares int64  `json:"totalYesShares"`
	TotalNoShares  int64  `json:"totalNoShares"`
	TradeCount     uint64 `json:"tradeCount"` // sequence of the last trade record

	// Lifecycle (unix seconds)
	EndTime    int64   `json:"endTime"`
	CreatedAt  int64   `json:"createdAt"`
	Resolved   bool    `json:"resolved"`
	Outcome    Outcome `json:"outcome"`
	ResolvedAt int64   `json:"resolvedAt,omitempty"`
}

func (m *Market) NoProbability() int64 {
	return ProbabilityScale - m.YesProbability
}

// Price returns the probability of side in millionths.
func (m *Market) Price(side Side) int64 {
	if side == SideNo {
		return m.NoProbability()
	}
	return m.YesProbability
}

// SetPrice stores the probability of side, converting NO to its complement.
func (m *Market) SetPrice(side Side, p int64) {
	if side == SideNo {
		m.YesProbability = ProbabilityScale - p
		return
	}
	m.YesProbability = p
}

// Shares returns the outstanding share total of side.
func (m *Market) Shares(side Side) int64 {
	if side == SideNo {
		return m.TotalNoShares
	}
	return m.TotalYesShares
}

// Expired reports whether trading has closed at now.
func (m *Market) Expired(now time.Time) bool {
	return now.Unix() >= m.EndTime
}

// Clone returns a copy that can be mutated inside a transaction and thrown
// away if the commit fails.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// Validate checks market invariants
func (m *Market) Validate() error {
	if m.YesProbability < MinProbability || m.YesProbability > MaxProbability {
		return fmt.Errorf("yes probability %d out of [%d, %d]", m.YesProbability, MinProbability, MaxProbability)
	}
	if m.LiquidityParam <= 0 {
		return fmt.Errorf("liquidity param must be positive: %d", m.LiquidityParam)
	}
	if m.TotalVolume < 0 || m.TotalYesShares < 0 || m.TotalNoShares < 0 {
		return fmt.Errorf("negative totals: volume=%d yes=%d no=%d", m.TotalVolume, m.TotalYesShares, m.TotalNoShares)
	}
	if m.Resolved != (m.Outcome != OutcomeNone) {
		return fmt.Errorf("resolved=%v inconsistent with outcome=%s", m.Resolved, m.Outcome)
	}
	return nil
}
