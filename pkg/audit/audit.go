// Package audit copies committed trades to an external archive. The ledger
// stays the source of truth; the archive is best effort and never blocks a
// trade.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
)

// Writer stores a batch of trades and returns how many were new.
type Writer interface {
	WriteTrades(ctx context.Context, trades []*position.Trade) (int, error)
}

type Config struct {
	QueueSize     int           // default 1024
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 1s
	Logger        *zap.SugaredLogger
}

// Stats counts recorder activity since start.
type Stats struct {
	Enqueued  int64
	Dropped   int64
	Written   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// Recorder buffers trades from the request path and writes them in batches.
type Recorder struct {
	writer Writer
	cfg    Config
	queue  chan *position.Trade
	logger *zap.SugaredLogger

	mu    sync.Mutex
	stats Stats
}

func NewRecorder(w Writer, cfg Config) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Recorder{
		writer: w,
		cfg:    cfg,
		queue:  make(chan *position.Trade, cfg.QueueSize),
		logger: cfg.Logger,
	}
}

// Enqueue adds t to the queue. It never blocks; when the queue is full the
// trade is dropped from the archive and counted.
func (r *Recorder) Enqueue(t *position.Trade) {
	select {
	case r.queue <- t:
		r.mu.Lock()
		r.stats.Enqueued++
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		r.logger.Warnw("audit_trade_dropped", "trade", t.ID, "market", t.Market.Hex())
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*position.Trade, 0, r.cfg.BatchSize)
	for {
		select {
		case t := <-r.queue:
			batch = append(batch, t)
			if len(batch) >= r.cfg.BatchSize {
				batch = r.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = r.flush(ctx, batch)
		case <-ctx.Done():
		drain:
			for {
				select {
				case t := <-r.queue:
					batch = append(batch, t)
				default:
					break drain
				}
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.flush(stopCtx, batch)
			cancel()
			return nil
		}
	}
}

// Stats returns a snapshot of the counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Recorder) flush(ctx context.Context, batch []*position.Trade) []*position.Trade {
	if len(batch) == 0 {
		return batch
	}
	start := time.Now()
	written, err := r.writer.WriteTrades(ctx, batch)

	r.mu.Lock()
	if err != nil {
		r.stats.Errors++
	} else {
		r.stats.Flushes++
		r.stats.Written += int64(written)
		r.stats.Conflicts += int64(len(batch) - written)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warnw("audit_flush_failed", "count", len(batch), "error", err)
	} else {
		r.logger.Debugw("audit_flushed", "count", len(batch), "written", written, "duration", time.Since(start))
	}
	return batch[:0]
}
