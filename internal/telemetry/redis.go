// Package telemetry publishes inference signals and training results to
// Redis streams for external dashboards. The publisher is optional: every
// method is a no-op on a nil receiver, so callers wire it only when a Redis
// address is configured.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"

	goredis "github.com/go-redis/redis/v8"
)

const (
	signalStream = "edged:signal"
	trainStream  = "edged:train"

	// streamMaxLen bounds each stream; trimming is approximate.
	streamMaxLen = 2000

	latestTTL    = 30 * time.Minute
	writeTimeout = 3 * time.Second
)

// Publisher writes signal and train telemetry to Redis.
type Publisher struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client {
	if p == nil {
		return nil
	}
	return p.client
}

// New connects and pings the Redis server.
func New(addr, password string, db int) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[telemetry] connected to %s", addr)
	return &Publisher{client: client}, nil
}

// PublishSignal streams one inference outcome: XADD to the signal stream,
// SET the per-symbol latest key, PUBLISH for live subscribers.
func (p *Publisher) PublishSignal(ctx context.Context, symbol, interval string, res *model.InferResult) {
	if p == nil {
		return
	}
	payload := map[string]interface{}{
		"ts":       time.Now().UnixMilli(),
		"symbol":   symbol,
		"interval": interval,
		"signal":   string(res.Signal),
		"score_15": res.Score15,
		"weighted": res.Weighted,
		"wctx_htf": res.WctxHTF,
		"thr":      res.Thr,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: signalStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, "edged:signal:latest:"+symbol, jsonData, latestTTL)
	pipe.Publish(ctx, "pub:edged:signal:"+symbol, jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[telemetry] signal pipeline error for %s: %v", symbol, err)
	}
}

// RecordTrain streams one completed training run. Satisfies
// train.TelemetrySink; failures are logged and dropped, never surfaced to
// the trainer.
func (p *Publisher) RecordTrain(symbol, interval string, res *train.Result) {
	if p == nil {
		return
	}
	payload := map[string]interface{}{
		"ts":       time.Now().UnixMilli(),
		"symbol":   symbol,
		"interval": interval,
		"result":   res,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	jsonData := string(data)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: trainStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, "edged:train:latest:"+symbol, jsonData, latestTTL)
	pipe.Publish(ctx, "pub:edged:train:"+symbol, jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[telemetry] train pipeline error for %s: %v", symbol, err)
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

// FanOut forwards train telemetry to every attached sink.
type FanOut []train.TelemetrySink

// RecordTrain implements train.TelemetrySink.
func (f FanOut) RecordTrain(symbol, interval string, res *train.Result) {
	for _, s := range f {
		if s != nil {
			s.RecordTrain(symbol, interval, res)
		}
	}
}
