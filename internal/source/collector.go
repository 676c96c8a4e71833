package source

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/resilience"
)

// CollectorConfig tunes parallel collection.
type CollectorConfig struct {
	// Concurrency caps simultaneous fetches. Default: 4.
	Concurrency int
	// Timeout bounds one source's fetch including retries. Default: 60s.
	Timeout time.Duration
	// Timeouts overrides Timeout per source ID.
	Timeouts map[string]time.Duration
	// RatePerSec limits fetch attempts across all sources. Zero disables it.
	RatePerSec float64
	Retry      resilience.RetryConfig
}

// FetchObserver is notified after each source finishes.
type FetchObserver func(sourceID string, elapsed time.Duration, records int, err error)

// Collector fetches every adapter in parallel. A source that fails or stalls
// past its timeout does not fail the run; its output carries a
// *model.SourceUnavailableError instead.
type Collector struct {
	adapters []Adapter
	cfg      CollectorConfig
	limiter  *rate.Limiter
	observe  FetchObserver
}

// NewCollector returns a collector over adapters.
func NewCollector(adapters []Adapter, cfg CollectorConfig) *Collector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Collector{adapters: adapters, cfg: cfg, limiter: limiter}
}

// WithObserver sets a callback invoked once per source.
func (c *Collector) WithObserver(fn FetchObserver) *Collector {
	c.observe = fn
	return c
}

// Collect fetches all sources and returns one output per adapter, sorted by
// source ID. It only returns an error when ctx itself is cancelled.
func (c *Collector) Collect(ctx context.Context, window model.DateRange) ([]model.SourceOutput, error) {
	outputs := make([]model.SourceOutput, len(c.adapters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for i, a := range c.adapters {
		g.Go(func() error {
			outputs[i] = c.fetchOne(gctx, a, window)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(outputs, func(i, j int) bool { return outputs[i].SourceID < outputs[j].SourceID })
	return outputs, nil
}

func (c *Collector) fetchOne(ctx context.Context, a Adapter, window model.DateRange) model.SourceOutput {
	id := a.ID()
	log := zap.L().With(zap.String("source", id))
	start := time.Now()

	timeout := c.cfg.Timeout
	if t, ok := c.cfg.Timeouts[id]; ok && t > 0 {
		timeout = t
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retry := c.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(id)

	recs, err := resilience.DoVal(fetchCtx, retry, func(ctx context.Context) ([]model.SourceRecord, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return fetchBounded(ctx, a, window)
	})

	elapsed := time.Since(start)
	if c.observe != nil {
		c.observe(id, elapsed, len(recs), err)
	}

	if err != nil {
		log.Warn("source unavailable, continuing with gap",
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return model.SourceOutput{SourceID: id, Err: &model.SourceUnavailableError{SourceID: id, Err: err}}
	}

	log.Debug("source fetched",
		zap.Int("records", len(recs)),
		zap.Duration("elapsed", elapsed),
	)
	return model.SourceOutput{SourceID: id, Records: recs}
}

type fetchResult struct {
	recs []model.SourceRecord
	err  error
}

// fetchBounded returns when ctx ends even if the adapter ignores it.
func fetchBounded(ctx context.Context, a Adapter, window model.DateRange) ([]model.SourceRecord, error) {
	done := make(chan fetchResult, 1)
	go func() {
		recs, err := a.Fetch(ctx, window)
		done <- fetchResult{recs: recs, err: err}
	}()
	select {
	case res := <-done:
		return res.recs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
