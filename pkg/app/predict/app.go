// Package predict exposes the market operations to callers. Every mutating
// request runs under the lock of the market it touches, works on freshly
// loaded copies and ends in exactly one ledger commit.
package predict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/pricing"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/resolution"
	"github.com/uhyunpark/hyperpredict/pkg/ledger"
	"github.com/uhyunpark/hyperpredict/pkg/lock"
	"github.com/uhyunpark/hyperpredict/pkg/util"
)

type Config struct {
	Ledger    ledger.Ledger
	Locker    lock.Locker   // default: lock.NewLocal()
	Model     pricing.Model // default: pricing.LMSR
	Clock     util.Clock    // default: util.RealClock
	Resolvers []common.Address
	Logger    *zap.SugaredLogger
}

type App struct {
	ledger     ledger.Ledger
	locker     lock.Locker
	clock      util.Clock
	registry   *market.Registry
	pricing    *pricing.Engine
	positions  *position.Ledger
	resolution *resolution.Engine
	resolvers  map[common.Address]struct{}
	logger     *zap.SugaredLogger

	hooksMu   sync.RWMutex
	onTrade   []func(*Receipt)
	onResolve []func(*ResolutionReceipt)
}

func New(cfg Config) *App {
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocal()
	}
	if cfg.Model == nil {
		cfg.Model = pricing.LMSR{}
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	resolvers := make(map[common.Address]struct{}, len(cfg.Resolvers))
	for _, r := range cfg.Resolvers {
		resolvers[r] = struct{}{}
	}

	return &App{
		ledger:     cfg.Ledger,
		locker:     cfg.Locker,
		clock:      cfg.Clock,
		registry:   market.NewRegistry(cfg.Ledger, cfg.Clock),
		pricing:    pricing.NewEngine(cfg.Model),
		positions:  position.NewLedger(cfg.Ledger),
		resolution: resolution.NewEngine(),
		resolvers:  resolvers,
		logger:     cfg.Logger,
	}
}

// OnTrade registers fn to run after every committed buy or sell. Hooks run
// on the request goroutine and must not block.
func (a *App) OnTrade(fn func(*Receipt)) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.onTrade = append(a.onTrade, fn)
}

// OnResolve registers fn to run after every committed resolution.
func (a *App) OnResolve(fn func(*ResolutionReceipt)) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.onResolve = append(a.onResolve, fn)
}

func marketLockKey(id common.Address) string { return "market:" + id.Hex() }

func creatorLockKey(c common.Address) string { return "creator:" + c.Hex() }

// CreateMarket opens a new market owned by caller.
func (a *App) CreateMarket(ctx context.Context, caller common.Address, req CreateRequest) (*MarketReceipt, error) {
	unlock, err := a.locker.Lock(ctx, creatorLockKey(caller))
	if err != nil {
		return nil, fmt.Errorf("failed to lock creator %s: %w", caller.Hex(), err)
	}
	defer unlock()

	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else if nonce, err = a.registry.NextNonce(ctx, caller); err != nil {
		return nil, err
	}

	m, txID, err := a.registry.Create(ctx, caller, market.Params{
		Question:  req.Question,
		Liquidity: req.Liquidity,
		EndTime:   req.EndTime,
		Nonce:     nonce,
	})
	if err != nil {
		a.logFailure("create_market_failed", err, "creator", caller.Hex())
		return nil, err
	}

	a.logger.Infow("market_created",
		"market", m.ID.Hex(),
		"creator", caller.Hex(),
		"nonce", nonce,
		"liquidity", m.LiquidityParam,
		"end_time", m.EndTime,
		"tx", txID.Hex(),
	)
	return &MarketReceipt{TxID: txID, Market: m}, nil
}

// PlaceBet buys req.Amount worth of req.Side shares for caller.
func (a *App) PlaceBet(ctx context.Context, caller common.Address, req BetRequest) (*Receipt, error) {
	unlock, err := a.locker.Lock(ctx, marketLockKey(req.Market))
	if err != nil {
		return nil, fmt.Errorf("failed to lock market %s: %w", req.Market.Hex(), err)
	}
	defer unlock()

	if r, err := a.replay(ctx, req.Market, caller, req.RequestID, func(t *position.Trade) bool {
		return t.Market == req.Market && t.Side == req.Side && t.Action == position.ActionBuy && t.Amount == req.Amount
	}); r != nil || err != nil {
		return r, err
	}

	m, pos, err := a.load(ctx, caller, req.Market)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	q, err := a.pricing.ApplyTrade(m, req.Side, req.Amount, now)
	if err != nil {
		a.logFailure("bet_rejected", err, "market", req.Market.Hex(), "owner", caller.Hex())
		return nil, err
	}
	trade, err := a.positions.Record(m, pos, req.Side, q.Shares, req.Amount, now)
	if err != nil {
		return nil, err
	}

	return a.commitTrade(ctx, caller, req.RequestID, m, pos, trade)
}

// Sell returns req.Shares of req.Side to the pool.
func (a *App) Sell(ctx context.Context, caller common.Address, req SellRequest) (*Receipt, error) {
	unlock, err := a.locker.Lock(ctx, marketLockKey(req.Market))
	if err != nil {
		return nil, fmt.Errorf("failed to lock market %s: %w", req.Market.Hex(), err)
	}
	defer unlock()

	if r, err := a.replay(ctx, req.Market, caller, req.RequestID, func(t *position.Trade) bool {
		return t.Market == req.Market && t.Side == req.Side && t.Action == position.ActionSell && t.Shares == req.Shares
	}); r != nil || err != nil {
		return r, err
	}

	m, pos, err := a.load(ctx, caller, req.Market)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	q, err := a.pricing.ApplySell(m, req.Side, req.Shares, now)
	if err != nil {
		a.logFailure("sell_rejected", err, "market", req.Market.Hex(), "owner", caller.Hex())
		return nil, err
	}
	trade, err := a.positions.Release(m, pos, req.Side, req.Shares, q.Amount, now)
	if err != nil {
		a.logFailure("sell_rejected", err, "market", req.Market.Hex(), "owner", caller.Hex())
		return nil, err
	}

	return a.commitTrade(ctx, caller, req.RequestID, m, pos, trade)
}

// Quote prices a buy without committing anything.
func (a *App) Quote(ctx context.Context, id common.Address, side market.Side, amount int64) (pricing.Quote, error) {
	m, err := a.registry.Get(ctx, id)
	if err != nil {
		return pricing.Quote{}, err
	}
	return a.pricing.PreviewTrade(m, side, amount, a.clock.Now())
}

// ResolveMarket settles id with outcome. Only the creator or a configured
// resolver may do this.
func (a *App) ResolveMarket(ctx context.Context, caller, id common.Address, outcome market.Outcome) (*ResolutionReceipt, error) {
	unlock, err := a.locker.Lock(ctx, marketLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock market %s: %w", id.Hex(), err)
	}
	defer unlock()

	m, err := a.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.CanResolve(caller, m) {
		return nil, fmt.Errorf("%w: %s may not resolve %s", market.ErrUnauthorized, caller.Hex(), id.Hex())
	}

	res, err := a.resolution.Resolve(m, outcome, a.clock.Now())
	if err != nil {
		a.logFailure("resolve_rejected", err, "market", id.Hex(), "caller", caller.Hex())
		return nil, err
	}

	b := ledger.NewBatch()
	if err := a.registry.Stage(b, m); err != nil {
		return nil, err
	}
	txID, err := a.commit(ctx, b, "market", id.Hex())
	if err != nil {
		return nil, err
	}

	receipt := &ResolutionReceipt{TxID: txID, Result: res}
	a.logger.Infow("market_resolved",
		"market", id.Hex(),
		"outcome", outcome.String(),
		"resolver", caller.Hex(),
		"winning_shares", res.WinningShares,
		"tx", txID.Hex(),
	)

	a.hooksMu.RLock()
	hooks := a.onResolve
	a.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(receipt)
	}
	return receipt, nil
}

// CanResolve reports whether caller may resolve m.
func (a *App) CanResolve(caller common.Address, m *market.Market) bool {
	if caller == m.Creator {
		return true
	}
	_, ok := a.resolvers[caller]
	return ok
}

// Redeem pays out caller's winning shares in a resolved market.
func (a *App) Redeem(ctx context.Context, caller, id common.Address) (*RedeemReceipt, error) {
	unlock, err := a.locker.Lock(ctx, marketLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock market %s: %w", id.Hex(), err)
	}
	defer unlock()

	m, pos, err := a.load(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	payout, err := a.resolution.Redeem(m, pos, a.clock.Now())
	if err != nil {
		return nil, err
	}

	b := ledger.NewBatch()
	if err := a.registry.Stage(b, m); err != nil {
		return nil, err
	}
	if err := a.positions.Stage(b, pos); err != nil {
		return nil, err
	}
	txID, err := a.commit(ctx, b, "market", id.Hex(), "owner", caller.Hex())
	if err != nil {
		return nil, err
	}

	a.logger.Infow("position_redeemed",
		"market", id.Hex(),
		"owner", caller.Hex(),
		"payout", payout,
		"tx", txID.Hex(),
	)
	return &RedeemReceipt{TxID: txID, Market: id, Owner: caller, Payout: payout}, nil
}

func (a *App) GetMarket(ctx context.Context, id common.Address) (*market.Market, error) {
	return a.registry.Get(ctx, id)
}

func (a *App) ListMarkets(ctx context.Context) ([]*market.Market, error) {
	return a.registry.List(ctx)
}

// GetPosition returns owner's position, zero-valued if owner never traded.
func (a *App) GetPosition(ctx context.Context, owner, id common.Address) (*position.Position, error) {
	if _, err := a.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	return a.positions.Get(ctx, owner, id)
}

func (a *App) ListPositions(ctx context.Context, id common.Address) ([]*position.Position, error) {
	if _, err := a.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	return a.positions.ListByMarket(ctx, id)
}

func (a *App) RecentTrades(ctx context.Context, id common.Address, limit int) ([]*position.Trade, error) {
	if _, err := a.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	return a.positions.RecentTrades(ctx, id, limit)
}

func (a *App) load(ctx context.Context, owner, id common.Address) (*market.Market, *position.Position, error) {
	m, err := a.registry.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	pos, err := a.positions.Get(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	return m, pos, nil
}

// replay returns the stored receipt of a previous request with the same id.
// It returns (nil, nil) when requestID is empty or unused.
func (a *App) replay(ctx context.Context, marketID, caller common.Address, requestID string, same func(*position.Trade) bool) (*Receipt, error) {
	if requestID == "" {
		return nil, nil
	}
	raw, err := a.ledger.Get(ctx, ledger.RequestKey(marketID, caller, requestID))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request %s: %w", requestID, err)
	}

	var stored storedReceipt
	if err := ledger.Decode(raw, receiptKind, receiptVersion, &stored); err != nil {
		return nil, err
	}
	if stored.Trade == nil || !same(stored.Trade) {
		return nil, fmt.Errorf("%w: %s", ErrRequestConflict, requestID)
	}

	a.logger.Infow("request_replayed", "request_id", requestID, "caller", caller.Hex(), "trade", stored.Trade.ID)
	return &Receipt{Trade: stored.Trade, Market: stored.Market, Position: stored.Position, Replayed: true}, nil
}

func (a *App) commitTrade(ctx context.Context, caller common.Address, requestID string, m *market.Market, pos *position.Position, trade *position.Trade) (*Receipt, error) {
	b := ledger.NewBatch()
	if err := a.registry.Stage(b, m); err != nil {
		return nil, err
	}
	if err := a.positions.Stage(b, pos); err != nil {
		return nil, err
	}
	if err := a.positions.StageTrade(b, trade); err != nil {
		return nil, err
	}
	if requestID != "" {
		raw, err := ledger.Encode(receiptKind, receiptVersion, storedReceipt{Trade: trade, Market: m, Position: pos})
		if err != nil {
			return nil, err
		}
		b.Put(ledger.RequestKey(m.ID, caller, requestID), raw)
	}

	txID, err := a.commit(ctx, b, "market", m.ID.Hex(), "owner", caller.Hex(), "request_id", requestID)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{TxID: txID, Trade: trade, Market: m.Clone(), Position: pos.Clone()}
	a.logger.Infow("trade_committed",
		"market", m.ID.Hex(),
		"owner", caller.Hex(),
		"action", string(trade.Action),
		"side", trade.Side.String(),
		"amount", trade.Amount,
		"shares", trade.Shares,
		"yes_probability", m.YesProbability,
		"seq", trade.Seq,
		"tx", txID.Hex(),
	)

	a.hooksMu.RLock()
	hooks := a.onTrade
	a.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(receipt)
	}
	return receipt, nil
}

// commit sends b to the ledger. The caller's copies are dropped on failure,
// so nothing needs undoing.
func (a *App) commit(ctx context.Context, b *ledger.Batch, kv ...interface{}) (ledger.TxID, error) {
	txID, err := b.Commit(ctx, a.ledger)
	if err != nil {
		a.logger.Warnw("commit_failed", append(kv, "ops", b.Len(), "error", err)...)
		return ledger.TxID{}, market.CommitFailed(err)
	}
	return txID, nil
}

func (a *App) logFailure(event string, err error, kv ...interface{}) {
	a.logger.Infow(event, append(kv, "error", err.Error())...)
}
