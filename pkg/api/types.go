package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
	"github.com/uhyunpark/hyperpredict/pkg/app/predict"
)

// API response types for REST endpoints and WebSocket messages.
// Integers are carried as stored (minor units, millionths); the *Price
// strings are the only decimal values and exist for display.

// ==============================
// REST Response Types
// ==============================

// MarketView is a market as shown to clients
type MarketView struct {
	ID             string `json:"id"`
	Creator        string `json:"creator"`
	Question       string `json:"question"`
	Nonce          uint64 `json:"nonce"`
	Status         string `json:"status"` // "open", "expired", "resolved"
	YesProbability int64  `json:"yesProbability"` // millionths
	NoProbability  int64  `json:"noProbability"`
	YesPrice       string `json:"yesPrice"` // e.g. "0.500100"
	NoPrice        string `json:"noPrice"`
	LiquidityParam int64  `json:"liquidityParam"`
	TotalVolume    int64  `json:"totalVolume"`
	TotalYesShares int64  `json:"totalYesShares"`
	TotalNoShares  int64  `json:"totalNoShares"`
	TradeCount     uint64 `json:"tradeCount"`
	EndTime        int64  `json:"endTime"`   // unix seconds
	CreatedAt      int64  `json:"createdAt"` // unix seconds
	Outcome        string `json:"outcome,omitempty"`
	ResolvedAt     int64  `json:"resolvedAt,omitempty"`
}

// PositionView is one owner's balance in a market
type PositionView struct {
	Market      string `json:"market"`
	Owner       string `json:"owner"`
	Address     string `json:"address"`
	YesShares   int64  `json:"yesShares"`
	NoShares    int64  `json:"noShares"`
	Redeemed    bool   `json:"redeemed"`
	LastUpdated int64  `json:"lastUpdated"`
}

// TradeView is one buy or sell
type TradeView struct {
	ID             string `json:"id"`
	Market         string `json:"market"`
	Owner          string `json:"owner"`
	Seq            uint64 `json:"seq"`
	Side           string `json:"side"`   // "yes" or "no"
	Action         string `json:"action"` // "buy" or "sell"
	Amount         int64  `json:"amount"`
	Shares         int64  `json:"shares"`
	YesProbability int64  `json:"yesProbability"`
	YesPrice       string `json:"yesPrice"`
	Timestamp      int64  `json:"timestamp"` // unix seconds
}

// TradeReceiptView is returned by the bet and sell endpoints
type TradeReceiptView struct {
	TxID     string       `json:"txId,omitempty"`
	Replayed bool         `json:"replayed"`
	Trade    TradeView    `json:"trade"`
	Market   MarketView   `json:"market"`
	Position PositionView `json:"position"`
}

type CreateMarketResponse struct {
	TxID   string     `json:"txId"`
	Market MarketView `json:"market"`
}

type ResolveResponse struct {
	TxID          string     `json:"txId"`
	Outcome       string     `json:"outcome"`
	WinningShares int64      `json:"winningShares"`
	LosingShares  int64      `json:"losingShares"`
	Market        MarketView `json:"market"`
}

type RedeemResponse struct {
	TxID   string `json:"txId"`
	Market string `json:"market"`
	Owner  string `json:"owner"`
	Payout int64  `json:"payout"`
}

type QuoteResponse struct {
	Side           string `json:"side"`
	Amount         int64  `json:"amount"`
	Shares         int64  `json:"shares"`
	YesProbability int64  `json:"yesProbability"`
	NoProbability  int64  `json:"noProbability"`
	YesPrice       string `json:"yesPrice"`
	NoPrice        string `json:"noPrice"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// CreateMarketRequest is the payload for POST /api/v1/markets
type CreateMarketRequest struct {
	Question  string  `json:"question"`
	Liquidity int64   `json:"liquidity"`
	EndTime   int64   `json:"endTime"`         // unix seconds
	Nonce     *uint64 `json:"nonce,omitempty"` // default: next nonce of the caller
}

// BetRequest is the payload for POST /api/v1/markets/{id}/bets
type BetRequest struct {
	Side      string `json:"side"`
	Amount    int64  `json:"amount"`
	RequestID string `json:"requestId,omitempty"`
}

// SellRequest is the payload for POST /api/v1/markets/{id}/sells
type SellRequest struct {
	Side      string `json:"side"`
	Shares    int64  `json:"shares"`
	RequestID string `json:"requestId,omitempty"`
}

// ResolveRequest is the payload for POST /api/v1/markets/{id}/resolve
type ResolveRequest struct {
	Outcome string `json:"outcome"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every pushed message
type WSMessage struct {
	Type    string      `json:"type"` // "market", "trade", "resolution"
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["markets", "market:0x..."]
}

// ==============================
// Conversions
// ==============================

// priceString renders millionths as a fixed 6-place decimal.
func priceString(millionths int64) string {
	return decimal.New(millionths, -6).StringFixed(6)
}

func toMarketView(m *market.Market, status string) MarketView {
	v := MarketView{
		ID:             m.ID.Hex(),
		Creator:        m.Creator.Hex(),
		Question:       m.Question,
		Nonce:          m.Nonce,
		Status:         status,
		YesProbability: m.YesProbability,
		NoProbability:  m.NoProbability(),
		YesPrice:       priceString(m.YesProbability),
		NoPrice:        priceString(m.NoProbability()),
		LiquidityParam: m.LiquidityParam,
		TotalVolume:    m.TotalVolume,
		TotalYesShares: m.TotalYesShares,
		TotalNoShares:  m.TotalNoShares,
		TradeCount:     m.TradeCount,
		EndTime:        m.EndTime,
		CreatedAt:      m.CreatedAt,
	}
	if m.Resolved {
		v.Outcome = m.Outcome.String()
		v.ResolvedAt = m.ResolvedAt
	}
	return v
}

func toPositionView(p *position.Position) PositionView {
	return PositionView{
		Market:      p.Market.Hex(),
		Owner:       p.Owner.Hex(),
		Address:     p.Address.Hex(),
		YesShares:   p.YesShares,
		NoShares:    p.NoShares,
		Redeemed:    p.Redeemed,
		LastUpdated: p.LastUpdated,
	}
}

func toTradeView(t *position.Trade) TradeView {
	return TradeView{
		ID:             t.ID,
		Market:         t.Market.Hex(),
		Owner:          t.Owner.Hex(),
		Seq:            t.Seq,
		Side:           t.Side.String(),
		Action:         string(t.Action),
		Amount:         t.Amount,
		Shares:         t.Shares,
		YesProbability: t.YesProbability,
		YesPrice:       priceString(t.YesProbability),
		Timestamp:      t.Timestamp,
	}
}

func toTradeReceiptView(r *predict.Receipt, status string) TradeReceiptView {
	v := TradeReceiptView{
		Replayed: r.Replayed,
		Trade:    toTradeView(r.Trade),
		Market:   toMarketView(r.Market, status),
		Position: toPositionView(r.Position),
	}
	if !r.Replayed {
		v.TxID = r.TxID.Hex()
	}
	return v
}
