// Package sweeper reports markets whose trading window has closed but that
// are still waiting for a resolution.
package sweeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/util"
)

// MarketLister is the read side the sweeper needs.
type MarketLister interface {
	ListMarkets(ctx context.Context) ([]*market.Market, error)
}

type Config struct {
	Clock     util.Clock
	Logger    *zap.SugaredLogger
	OnExpired func(*market.Market) // called once per market
}

type Sweeper struct {
	markets   MarketLister
	clock     util.Clock
	logger    *zap.SugaredLogger
	onExpired func(*market.Market)

	mu       sync.Mutex
	reported map[common.Address]struct{}
}

func New(markets MarketLister, cfg Config) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Sweeper{
		markets:   markets,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		onExpired: cfg.OnExpired,
		reported:  make(map[common.Address]struct{}),
	}
}

// Sweep returns the markets that expired unresolved since the previous sweep.
func (s *Sweeper) Sweep(ctx context.Context) ([]*market.Market, error) {
	all, err := s.markets.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[common.Address]struct{})
	var fresh []*market.Market
	for _, m := range all {
		if m.Resolved || !m.Expired(now) {
			continue
		}
		pending[m.ID] = struct{}{}
		if _, ok := s.reported[m.ID]; ok {
			continue
		}
		fresh = append(fresh, m)
		s.logger.Infow("market_awaiting_resolution",
			"market", m.ID.Hex(),
			"creator", m.Creator.Hex(),
			"end_time", m.EndTime,
		)
		if s.onExpired != nil {
			s.onExpired(m)
		}
	}
	// Resolved markets drop out so the set stays bounded
	s.reported = pending
	return fresh, nil
}

// Run sweeps on schedule (a robfig/cron spec such as "@every 30s") until ctx
// is done.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("sweep_failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.logger.Infow("sweeper_started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Infow("sweeper_stopped")
	return nil
}
