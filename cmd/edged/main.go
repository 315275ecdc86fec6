// edged is the trading-signal service: a local candle cache, a linear policy
// trainer, multi-timeframe inference and the HTTP control plane that drives
// them, all in one process.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/config"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/api"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/backfill"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/exchange"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/hydrate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/infer"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/journal"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/logger"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/metrics"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/modelstate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/pipeline"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/telemetry"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[edged] config: %v", err)
	}
	logg := logger.Init("edged", logger.ParseLevel(cfg.LogLevel))
	logg.Info("starting", slog.String("listen", cfg.ListenAddr), slog.String("cache", cfg.CacheDir))

	store, err := candle.New(cfg.CacheDir)
	if err != nil {
		log.Fatalf("[edged] cache dir: %v", err)
	}

	prom := metrics.New()
	state := modelstate.New()
	state.InitFromDisk(store.ModelPath(cfg.DefaultSymbol, 15), logg)

	source := exchange.New(exchange.Config{
		BaseURL:  cfg.ExchangeBaseURL,
		Category: cfg.Category,
	})
	executor := backfill.New(store, source, logg)

	queue := hydrate.New(executor.Run, logg, prom)
	trainer := train.New(store, state, prom, logg)
	trainer.SetActGate(cfg.ActGate)
	trainer.SetDumpXY(cfg.DumpXY)
	engine := infer.NewEngine()
	orch := pipeline.New(store, executor, trainer, engine, state, logg)

	// Durable journal for task/train history. Optional but on by default.
	var jrnl *journal.Journal
	if cfg.SQLitePath != "" {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		jrnl, err = journal.New(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[edged] journal init failed: %v", err)
		}
		defer jrnl.Close()
		queue.SetJournal(jrnl)
	}

	// Redis telemetry streams. Absent address means the feature is off.
	var telem *telemetry.Publisher
	if cfg.RedisAddr != "" {
		telem, err = telemetry.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logg.Warn("redis unavailable, telemetry disabled", slog.String("error", err.Error()))
			telem = nil
		} else {
			defer telem.Close()
		}
	}

	var sinks telemetry.FanOut
	if jrnl != nil {
		sinks = append(sinks, jrnl)
	}
	if telem != nil {
		sinks = append(sinks, telem)
	}
	if len(sinks) > 0 {
		trainer.SetTelemetrySink(sinks)
	}

	hub := api.NewHub(logg)
	queue.SetEventHook(func(t hydrate.Task) {
		hub.Broadcast("task:"+t.Symbol, t)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)

	server := api.New(api.Deps{
		Store:     store,
		State:     state,
		Queue:     queue,
		Trainer:   trainer,
		Pipeline:  orch,
		Engine:    engine,
		Journal:   jrnl,
		Telemetry: telem,
		Prom:      prom,
		Hub:       hub,
		Log:       logg,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logg.Info("control plane listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[edged] http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logg.Info("shutdown signal received")

	// Stop accepting work, let the in-flight task finish or abort on its
	// next I/O; queued tasks are discarded with the process.
	cancel()
	queue.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logg.Warn("http shutdown", slog.String("error", err.Error()))
	}
	logg.Info("shutdown complete")
}
