package syncer

import (
	"context"
	"fmt"

	"asv8/internal/features"
	"asv8/pkg/types"
)

// processTasks drains one batch of pending precompute tasks.
func (s *Syncer) processTasks(ctx context.Context, traceID string) {
	tasks, err := s.store.PendingPrecomputeTasks(ctx, taskBatchSize)
	if err != nil {
		s.logger.Error("pending tasks read failed", "error", err, "trace_id", traceID)
		return
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		task := &tasks[i]
		if err := s.computeTask(ctx, task); err != nil {
			s.met.PrecomputeErrorsTotal.WithLabelValues(task.Symbol).Inc()
			final := task.TryCount+1 >= maxTaskTries
			s.logger.Warn("precompute task failed",
				"symbol", task.Symbol, "open_time_ms", task.OpenTimeMs,
				"try", task.TryCount+1, "final", final, "error", err)
			if ferr := s.store.FailPrecomputeTask(ctx, task, err, final); ferr != nil {
				s.logger.Error("task fail write failed", "symbol", task.Symbol, "error", ferr)
			}
			continue
		}
		s.met.PrecomputeProcessed.WithLabelValues(task.Symbol).Inc()
		if cerr := s.store.CompletePrecomputeTask(ctx, task); cerr != nil {
			s.logger.Error("task complete write failed", "symbol", task.Symbol, "error", cerr)
		}
	}
}

// computeTask recomputes indicators over the trailing window ending at the
// task's bar and writes the cache row at the task's feature version. Bars
// younger than the indicator warmup get a zeroed row so the cache stays gap
// free; readers reject those through the entry gates.
func (s *Syncer) computeTask(ctx context.Context, task *types.PrecomputeTask) error {
	window, err := s.store.CandlesEndingAt(ctx, task.Symbol, task.Interval, task.OpenTimeMs, lookbackBars)
	if err != nil {
		return fmt.Errorf("task window: %w", err)
	}
	if len(window) == 0 || window[len(window)-1].OpenTimeMs != task.OpenTimeMs {
		return fmt.Errorf("bar %d not in market_data yet", task.OpenTimeMs)
	}

	var f types.Features
	if len(window) < features.MinBars {
		last := window[len(window)-1]
		f = types.Features{
			Close:  last.Close.InexactFloat64(),
			Volume: last.Volume.InexactFloat64(),
		}
	} else {
		fs, err := features.Compute(window, s.btcCloses(ctx, task, len(window)))
		if err != nil {
			return fmt.Errorf("compute: %w", err)
		}
		f = fs[len(fs)-1]
	}

	encoded, err := features.Encode(&f)
	if err != nil {
		return err
	}
	if err := s.store.UpsertFeatureRow(ctx, &types.FeatureRow{
		Symbol:         task.Symbol,
		Interval:       task.Interval,
		OpenTimeMs:     task.OpenTimeMs,
		FeatureVersion: task.FeatureVersion,
		FeaturesJSON:   encoded,
	}); err != nil {
		return err
	}
	return nil
}

// btcCloses fetches the reference series aligned with the task window, nil
// when it cannot be aligned. The correlation is best effort.
func (s *Syncer) btcCloses(ctx context.Context, task *types.PrecomputeTask, n int) []float64 {
	btc, err := s.store.CandlesEndingAt(ctx, btcSymbol, task.Interval, task.OpenTimeMs, n)
	if err != nil || len(btc) != n {
		return nil
	}
	if btc[len(btc)-1].OpenTimeMs != task.OpenTimeMs {
		return nil
	}
	closes := make([]float64, n)
	for i, c := range btc {
		closes[i] = c.Close.InexactFloat64()
	}
	return closes
}
