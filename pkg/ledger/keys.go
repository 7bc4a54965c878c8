package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema
// Design principles:
// 1. Prefix-based for range scans (all markets, all positions of a market)
// 2. Zero-padded sequence numbers for ordered trade history
//
//   mkt:<market>                  → Market
//   pos:<market>:<owner>          → Position
//   trade:<market>:<seq>          → Trade
//   nonce:<creator>               → next market nonce of creator
//   req:<market>:<caller>:<id>    → Receipt (idempotent retries)
//   meta:seq                      → commit sequence (pebble only)
const (
	prefixMarket   = "mkt:"
	prefixPosition = "pos:"
	prefixTrade    = "trade:"
	prefixNonce    = "nonce:"
	prefixRequest  = "req:"
	keyCommitSeq   = "meta:seq"
)

// MarketKey format: "mkt:{address}"
func MarketKey(id common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixMarket, id.Hex()))
}

// MarketPrefix covers every market.
func MarketPrefix() []byte {
	return []byte(prefixMarket)
}

// PositionKey format: "pos:{market}:{owner}"
func PositionKey(market, owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, market.Hex(), owner.Hex()))
}

// PositionPrefix covers all positions in one market: "pos:{market}:"
func PositionPrefix(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, market.Hex()))
}

// TradeKey format: "trade:{market}:{seq}"
// Seq is zero-padded (20 digits) for lexicographic sorting
func TradeKey(market common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, market.Hex(), seq))
}

// TradePrefix covers the trade history of one market: "trade:{market}:"
func TradePrefix(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, market.Hex()))
}

// NonceKey format: "nonce:{creator}"
func NonceKey(creator common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, creator.Hex()))
}

// RequestKey format: "req:{market}:{caller}:{requestID}"
// Scoped to the market so the record is only touched under that market's lock.
func RequestKey(market, caller common.Address, requestID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixRequest, market.Hex(), caller.Hex(), requestID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "pos:0x123:" -> upper bound "pos:0x123;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
