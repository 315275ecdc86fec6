// Package pipeline sequences backfill, cleaning, gap repair, verification,
// training and an inference snapshot into one orchestrated flow behind
// POST /api/pipeline/prepare_train. Steps are typed in-process calls; every
// step is recorded in order and the first non-final failure short-circuits.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/backfill"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/infer"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/modelstate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/policy"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"
)

const (
	// MinRows15 is the smallest 15m history accepted before training.
	MinRows15 = 300

	// DefaultMonths covers roughly half a year of history when the caller
	// does not specify a window.
	DefaultMonths = 6

	DefaultEpisodes = 40
	DefaultTP       = 0.008
	DefaultSL       = 0.0032
	DefaultMALen    = 12
)

// Step is one recorded pipeline stage.
type Step struct {
	Step  string         `json:"step"`
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Request carries one prepare_train call. Zero-valued optional fields take
// the package defaults.
type Request struct {
	Symbol   string  `json:"symbol"`
	Months   int     `json:"months,omitempty"`
	Interval int     `json:"interval,omitempty"`
	Episodes int     `json:"episodes,omitempty"`
	TP       float64 `json:"tp,omitempty"`
	SL       float64 `json:"sl,omitempty"`
	MALen    int     `json:"ma,omitempty"`
}

func (r *Request) applyDefaults() {
	if r.Months == 0 {
		r.Months = DefaultMonths
	}
	if r.Interval == 0 {
		r.Interval = 15
	}
	if r.Episodes == 0 {
		r.Episodes = DefaultEpisodes
	}
	if r.TP == 0 {
		r.TP = DefaultTP
	}
	if r.SL == 0 {
		r.SL = DefaultSL
	}
	if r.MALen == 0 {
		r.MALen = DefaultMALen
	}
}

// Result is the orchestrator's typed outcome. Status is the HTTP status the
// control plane should respond with; it is not serialized.
type Result struct {
	OK         bool               `json:"ok"`
	Requested  string             `json:"requested"`
	Normalized string             `json:"normalized"`
	Steps      []Step             `json:"steps"`
	Train      *train.Result      `json:"train,omitempty"`
	Infer      *model.InferResult `json:"infer,omitempty"`

	Status int `json:"-"`
}

// BackfillFunc ingests one (symbol, tf) window. The production value is
// backfill.Executor.Run.
type BackfillFunc func(ctx context.Context, symbol string, tf, months int) model.BackfillStats

// TrainFunc runs one training pass. The production value is Trainer.Train.
type TrainFunc func(req train.Request) (*train.Result, error)

// Orchestrator composes the prepare_train flow out of the store, the
// backfill executor, the trainer and the inference engine.
type Orchestrator struct {
	store  *candle.Store
	state  *modelstate.State
	engine *infer.Engine
	log    *slog.Logger

	backfill BackfillFunc
	train    TrainFunc
}

// New wires the production components. Tests substitute stages through the
// setters below.
func New(store *candle.Store, exec *backfill.Executor, trainer *train.Trainer, engine *infer.Engine, state *modelstate.State, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		state:    state,
		engine:   engine,
		log:      log,
		backfill: exec.Run,
		train:    trainer.Train,
	}
}

// SetBackfill substitutes the backfill stage. Test helper.
func (o *Orchestrator) SetBackfill(f BackfillFunc) { o.backfill = f }

// SetTrain substitutes the training stage. Test helper.
func (o *Orchestrator) SetTrain(f TrainFunc) { o.train = f }

// PrepareTrain runs the full flow for one symbol. The returned Result always
// carries the steps accumulated so far; a failed step is the last entry.
func (o *Orchestrator) PrepareTrain(ctx context.Context, req Request) *Result {
	req.applyDefaults()
	symbol := model.NormalizeSymbol(req.Symbol)
	res := &Result{
		Requested:  req.Symbol,
		Normalized: symbol,
		Status:     http.StatusOK,
	}
	if symbol == "" {
		return res.fail("backfill", "symbol_required", http.StatusBadRequest, nil)
	}

	// 1. backfill: every canonical timeframe, oldest context first.
	rows := map[string]int{}
	for _, tf := range model.CanonicalIntervals {
		stats := o.backfill(ctx, symbol, tf, req.Months)
		if !stats.OK {
			return res.fail("backfill", stats.Error, http.StatusInternalServerError,
				map[string]any{"interval": model.IntervalKey(tf)})
		}
		rows[model.IntervalKey(tf)] = stats.Rows
	}
	res.ok("backfill", map[string]any{"rows": rows})

	// 2. clean: the 15m clean variant is mandatory; backfill writes it, so a
	// missing file here means the store is broken.
	if _, err := os.Stat(o.store.CleanPath(symbol, 15)); err != nil {
		return res.fail("clean", "clean_15m_missing", http.StatusInternalServerError, nil)
	}
	res.ok("clean", nil)

	// 3. fill_gaps_15m: one repair attempt, then re-verify.
	if err := o.fillGaps15(ctx, symbol, req.Months); err != nil {
		return res.fail("fill_gaps_15m", err.Error(), http.StatusInternalServerError, nil)
	}
	res.ok("fill_gaps_15m", nil)

	// 4. verify_rows_15m.
	ohlcv, err := o.store.LoadOHLCV(symbol, 15)
	if err != nil {
		return res.fail("verify_rows_15m", err.Error(), http.StatusInternalServerError, nil)
	}
	if len(ohlcv) < MinRows15 {
		return res.fail("verify_rows_15m", "not_enough_rows_15m", http.StatusBadRequest,
			map[string]any{"rows": len(ohlcv), "need": MinRows15})
	}
	res.ok("verify_rows_15m", map[string]any{"rows": len(ohlcv)})

	// 5. train (anti-manipulation filter always on in the pipeline).
	trainRes, err := o.train(train.Request{
		Symbol:       symbol,
		Interval:     req.Interval,
		Episodes:     req.Episodes,
		TP:           req.TP,
		SL:           req.SL,
		MALen:        req.MALen,
		UseAntimanip: true,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, policy.ErrNotEnoughData) {
			status = http.StatusBadRequest
		}
		return res.fail("train", err.Error(), status, nil)
	}
	res.Train = trainRes
	res.ok("train", map[string]any{"best_thr": trainRes.BestThr})

	// 6. infer_snapshot: telemetry only, never blocks the response.
	if snap, err := o.inferSnapshot(symbol, ohlcv); err != nil {
		res.Steps = append(res.Steps, Step{Step: "infer_snapshot", OK: false, Error: err.Error()})
		o.log.Warn("pipeline inference snapshot failed",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
	} else {
		res.Infer = snap
		res.ok("infer_snapshot", map[string]any{"signal": string(snap.Signal)})
	}

	res.OK = true
	return res
}

// fillGaps15 re-fetches the 15m window once when the clean variant has
// non-contiguous adjacencies. Gaps remaining after the refill fail the step.
func (o *Orchestrator) fillGaps15(ctx context.Context, symbol string, months int) error {
	path := o.store.CleanPath(symbol, 15)
	gaps, err := candle.HasGaps(path, 15)
	if err != nil {
		return err
	}
	if !gaps {
		return nil
	}
	o.log.Info("15m gaps detected, refetching", slog.String("symbol", symbol))
	if stats := o.backfill(ctx, symbol, 15, months); !stats.OK {
		return errors.New("gaps_remain")
	}
	gaps, err = candle.HasGaps(path, 15)
	if err != nil {
		return err
	}
	if gaps {
		return errors.New("gaps_remain")
	}
	return nil
}

func (o *Orchestrator) inferSnapshot(symbol string, raw15 [][]float64) (*model.InferResult, error) {
	snap := o.state.Snapshot()
	htf := make(map[string][][]float64, 3)
	for _, tf := range model.HigherIntervals() {
		if m, err := o.store.LoadOHLCV(symbol, tf); err == nil && len(m) > 0 {
			htf[model.IntervalKey(tf)] = m
		}
	}
	return o.engine.MTF(raw15, snap.Artifact, htf)
}

func (r *Result) ok(step string, extra map[string]any) {
	r.Steps = append(r.Steps, Step{Step: step, OK: true, Extra: extra})
}

func (r *Result) fail(step, msg string, status int, extra map[string]any) *Result {
	r.Steps = append(r.Steps, Step{Step: step, OK: false, Error: msg, Extra: extra})
	r.Status = status
	return r
}
