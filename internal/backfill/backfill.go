// Package backfill brings a (symbol, timeframe) candle store up to date from
// the exchange and emits the cleaned six-column variant.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/exchange"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
)

const (
	// monthMillis approximates one month as 30.5 days.
	monthMillis = int64(30.5 * 24 * 3600 * 1000)

	// batchBars is the maximum bars requested per kline call.
	batchBars = 1000

	// maxConsecutiveFailures bounds retries for a single cursor before the
	// whole run is declared failed.
	maxConsecutiveFailures = 5

	minMonths = 1
	maxMonths = 36
)

// Executor fetches missing candles and merges them into the store.
type Executor struct {
	store  *candle.Store
	source exchange.KlineSource
	log    *slog.Logger

	// pause separates consecutive batches; retryDelay separates retries of
	// a failed batch. Tests zero both.
	pause      time.Duration
	retryDelay time.Duration

	// now is swappable for deterministic window tests.
	now func() time.Time
}

// New creates an Executor with production pacing.
func New(store *candle.Store, source exchange.KlineSource, log *slog.Logger) *Executor {
	return &Executor{
		store:      store,
		source:     source,
		log:        log,
		pause:      60 * time.Millisecond,
		retryDelay: 200 * time.Millisecond,
		now:        time.Now,
	}
}

// SetPacing overrides the inter-batch pause and retry delay. Used by tests.
func (e *Executor) SetPacing(pause, retry time.Duration) {
	e.pause = pause
	e.retryDelay = retry
}

// SetClock overrides the wall clock. Used by tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// ClampMonths bounds a requested month count into the supported window.
func ClampMonths(months int) int {
	if months < minMonths {
		return minMonths
	}
	if months > maxMonths {
		return maxMonths
	}
	return months
}

// Run backfills (symbol, tf minutes) covering the last `months` months and
// rewrites both the raw store and the clean variant. The store is only
// written after the fetch loop completes, so a failed run never leaves a
// partial file behind.
func (e *Executor) Run(ctx context.Context, symbol string, tf, months int) model.BackfillStats {
	months = ClampMonths(months)
	frame := model.IntervalMillis(tf)
	nowMS := e.now().UnixMilli()
	sinceMS := nowMS - int64(months)*monthMillis

	merged, _, err := e.store.Read(symbol, tf)
	if err != nil {
		return model.BackfillStats{Error: err.Error()}
	}

	stats := model.BackfillStats{}
	cursor := sinceMS
	failures := 0

	for cursor < nowMS {
		if err := ctx.Err(); err != nil {
			stats.Error = err.Error()
			return stats
		}

		endMS := cursor + frame*batchBars
		if endMS > nowMS {
			endMS = nowMS
		}

		rows, err := e.source.Klines(ctx, symbol, tf, cursor, endMS, batchBars)
		if err != nil {
			failures++
			if failures >= maxConsecutiveFailures {
				stats.Error = fmt.Sprintf("kline fetch at cursor %d: %v", cursor, err)
				e.log.Warn("backfill aborted",
					slog.String("symbol", symbol), slog.Int("tf", tf), slog.String("error", stats.Error))
				return stats
			}
			time.Sleep(e.retryDelay)
			continue
		}
		failures = 0

		// The venue may return either order; collect valid bars and sort.
		batch := make([]int64, 0, len(rows))
		for _, row := range rows {
			if len(row) < 7 {
				stats.SkippedRows++
				continue
			}
			ts, ok := candle.ParseTimestamp(row[0])
			if !ok {
				stats.SkippedRows++
				continue
			}
			merged[ts] = strings.Join(row, ",")
			batch = append(batch, ts)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i] < batch[j] })
		stats.FetchedRows += len(batch)

		if len(batch) > 0 && batch[len(batch)-1]+frame > cursor {
			cursor = batch[len(batch)-1] + frame
		} else {
			// No progress this window: step one frame to avoid livelock.
			cursor += frame
		}

		if e.pause > 0 {
			time.Sleep(e.pause)
		}
	}

	// Trim everything older than the requested window.
	for ts := range merged {
		if ts < sinceMS {
			delete(merged, ts)
		}
	}

	if err := e.store.Write(symbol, tf, merged); err != nil {
		stats.Error = err.Error()
		return stats
	}
	if err := e.store.WriteClean(symbol, tf, merged); err != nil {
		stats.Error = err.Error()
		return stats
	}

	stats.OK = true
	stats.Rows = len(merged)
	e.log.Info("backfill complete",
		slog.String("symbol", symbol), slog.Int("tf", tf),
		slog.Int("rows", stats.Rows), slog.Int("fetched", stats.FetchedRows),
		slog.Int("skipped", stats.SkippedRows))
	return stats
}
