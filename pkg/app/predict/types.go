package predict

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/resolution"
	"github.com/uhyunpark/hyperpredict/pkg/ledger"
)

// ErrRequestConflict is returned when a request id is reused for a different
// trade.
var ErrRequestConflict = errors.New("request id already used for a different trade")

type CreateRequest struct {
	Question  string
	Liquidity int64
	EndTime   int64   // unix seconds
	Nonce     *uint64 // nil: next nonce of the creator
}

type BetRequest struct {
	Market    common.Address
	Side      market.Side
	Amount    int64
	RequestID string // optional idempotency key, scoped to the caller
}

type SellRequest struct {
	Market    common.Address
	Side      market.Side
	Shares    int64
	RequestID string
}

// MarketReceipt is returned by CreateMarket.
type MarketReceipt struct {
	TxID   ledger.TxID    `json:"txId"`
	Market *market.Market `json:"market"`
}

// Receipt is the result of a committed buy or sell. Replayed is set when it
// was served from the idempotency record instead of a new commit; TxID is
// zero in that case.
type Receipt struct {
	TxID     ledger.TxID        `json:"txId"`
	Trade    *position.Trade    `json:"trade"`
	Market   *market.Market     `json:"market"`
	Position *position.Position `json:"position"`
	Replayed bool               `json:"replayed"`
}

type ResolutionReceipt struct {
	TxID   ledger.TxID       `json:"txId"`
	Result resolution.Result `json:"result"`
}

type RedeemReceipt struct {
	TxID   ledger.TxID    `json:"txId"`
	Market common.Address `json:"market"`
	Owner  common.Address `json:"owner"`
	Payout int64          `json:"payout"`
}

// storedReceipt is what goes under req:{market}:{caller}:{requestID}.
type storedReceipt struct {
	Trade    *position.Trade    `json:"trade"`
	Market   *market.Market     `json:"market"`
	Position *position.Position `json:"position"`
}

const (
	receiptKind    = "receipt"
	receiptVersion = 1
)
