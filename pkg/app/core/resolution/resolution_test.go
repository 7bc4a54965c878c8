package resolution

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
)

var (
	alice    = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	marketID = common.HexToAddress("0x1100000000000000000000000000000000000000")
	endTime  = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
)

func newTestMarket() *market.Market {
	return &market.Market{
		ID:             marketID,
		YesProbability: 600_000,
		LiquidityParam: 10_000,
		TotalYesShares: 800,
		TotalNoShares:  300,
		EndTime:        endTime.Unix(),
	}
}

// TestResolveAndRedeem walks a market from open to fully redeemed
func TestResolveAndRedeem(t *testing.T) {
	e := NewEngine()
	m := newTestMarket()

	if _, err := e.Resolve(m, market.OutcomeYes, endTime.Add(-time.Second)); !errors.Is(err, market.ErrResolutionTooEarly) {
		t.Fatalf("early resolve: err = %v, want ErrResolutionTooEarly", err)
	}
	if m.Resolved {
		t.Fatal("early resolve mutated the market")
	}

	res, err := e.Resolve(m, market.OutcomeYes, endTime)
	if err != nil {
		t.Fatalf("resolve at end time: %v", err)
	}
	if !m.Resolved || m.Outcome != market.OutcomeYes || m.ResolvedAt != endTime.Unix() {
		t.Errorf("market not settled: %+v", m)
	}
	if res.WinningShares != 800 || res.LosingShares != 300 {
		t.Errorf("result = %+v", res)
	}

	if _, err := e.Resolve(m, market.OutcomeNo, endTime.Add(time.Hour)); !errors.Is(err, market.ErrAlreadyResolved) {
		t.Fatalf("second resolve: err = %v, want ErrAlreadyResolved", err)
	}
	if m.Outcome != market.OutcomeYes {
		t.Fatal("outcome changed after resolution")
	}

	pos := position.NewPosition(marketID, alice)
	pos.YesShares = 500
	payout, err := e.Redeem(m, pos, endTime.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if payout != 500 {
		t.Errorf("payout = %d, want 500", payout)
	}
	if pos.YesShares != 0 || pos.NoShares != 0 || !pos.Redeemed {
		t.Errorf("position not settled: %+v", pos)
	}
	if m.TotalYesShares != 300 {
		t.Errorf("outstanding yes = %d, want 300", m.TotalYesShares)
	}

	if _, err := e.Redeem(m, pos, endTime.Add(2*time.Hour)); !errors.Is(err, market.ErrAlreadyRedeemed) {
		t.Fatalf("second redeem: err = %v, want ErrAlreadyRedeemed", err)
	}
}

func TestRedeemErrors(t *testing.T) {
	e := NewEngine()

	open := newTestMarket()
	resolvedNo := newTestMarket()
	resolvedNo.Resolved = true
	resolvedNo.Outcome = market.OutcomeNo

	loser := position.NewPosition(marketID, bob)
	loser.YesShares = 100

	tests := []struct {
		name    string
		m       *market.Market
		pos     *position.Position
		wantErr error
	}{
		{name: "not resolved", m: open, pos: loser, wantErr: market.ErrMarketNotResolved},
		{name: "only losing shares", m: resolvedNo, pos: loser, wantErr: market.ErrAlreadyRedeemed},
		{name: "empty position", m: resolvedNo, pos: position.NewPosition(marketID, alice), wantErr: market.ErrAlreadyRedeemed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := *tt.pos
			if _, err := e.Redeem(tt.m, tt.pos, endTime); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if *tt.pos != before {
				t.Error("position mutated on error")
			}
		})
	}
}

func TestResolveRejectsNoneOutcome(t *testing.T) {
	m := newTestMarket()
	if _, err := NewEngine().Resolve(m, market.OutcomeNone, endTime); !errors.Is(err, market.ErrInvalidOutcome) {
		t.Errorf("err = %v, want ErrInvalidOutcome", err)
	}
}
