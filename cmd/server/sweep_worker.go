package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vidrelay/internal/observability/metrics"
)

type retentionSweeper interface {
	Sweep(ttl time.Duration) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startSweepWorker(ctx context.Context, logger *slog.Logger, store retentionSweeper, ttl, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, store, ttl, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store retentionSweeper,
	ttl time.Duration,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || ttl <= 0 || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := store.Sweep(ttl)
				if err != nil {
					if logger != nil {
						logger.Error("retention sweep failed", "error", err)
					}
					continue
				}
				metrics.Default().ObserveSweep(removed)
				if removed > 0 && logger != nil {
					logger.Info("retention sweep removed expired videos", "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
