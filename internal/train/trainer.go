// Package train fits the affine-plus-tanh policy on a (symbol, timeframe)
// candle store, persists the model artifact atomically and installs it as
// the process-wide current model.
package train

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/features"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/metrics"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/modelstate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/policy"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
)

const (
	// MinRows is the smallest candle history the trainer accepts.
	MinRows = 200

	// DefaultActGate skips training steps whose action magnitude is noise.
	DefaultActGate = 0.10

	// DefaultThr is reported when the threshold sweep finds no trades.
	DefaultThr = 0.0006

	learningRate = 1e-3

	// oosFraction of the history is held out for the out-of-sample summary.
	oosFraction = 0.2

	// antimanipRangeFactor rejects bars whose range exceeds this multiple of
	// the current ATR when anti-manipulation filtering is on.
	antimanipRangeFactor = 4.0
)

// Request carries one training call.
type Request struct {
	Symbol       string
	Interval     int // minutes
	Episodes     int
	TP           float64
	SL           float64
	MALen        int
	UseAntimanip bool
}

// Result is the trainer's typed outcome.
type Result struct {
	OK        bool             `json:"ok"`
	BestThr   float64          `json:"best_thr"`
	ModelPath string           `json:"model_path"`
	Metrics   model.OOSSummary `json:"metrics"`
	OOS       model.OOSSummary `json:"oos"`
	RowsUsed  int              `json:"rows_used"`
	HTFRows   map[string]int   `json:"htf_rows,omitempty"`
}

// TelemetrySink receives the rolling train telemetry. Optional.
type TelemetrySink interface {
	RecordTrain(symbol, interval string, res *Result)
}

// Trainer serializes training runs behind a process-wide mutex.
type Trainer struct {
	mu sync.Mutex

	store *candle.Store
	state *modelstate.State
	prom  *metrics.Metrics
	log   *slog.Logger
	sink  TelemetrySink

	actGate float64
	dumpXY  bool
	seed    int64
	now     func() time.Time
}

// New creates a Trainer. prom and sink may be nil.
func New(store *candle.Store, state *modelstate.State, prom *metrics.Metrics, log *slog.Logger) *Trainer {
	return &Trainer{
		store:   store,
		state:   state,
		prom:    prom,
		log:     log,
		actGate: DefaultActGate,
		seed:    1,
		now:     time.Now,
	}
}

// SetActGate overrides the action gate.
func (t *Trainer) SetActGate(g float64) { t.actGate = g }

// SetDumpXY enables the optional feature cache under cache/xy/.
func (t *Trainer) SetDumpXY(v bool) { t.dumpXY = v }

// SetTelemetrySink attaches an optional telemetry receiver.
func (t *Trainer) SetTelemetrySink(s TelemetrySink) { t.sink = s }

// Train runs one full training pass. At most one training is active per
// process; concurrent callers block on the mutex.
func (t *Trainer) Train(req Request) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	begin := time.Now()
	symbol := model.NormalizeSymbol(req.Symbol)
	if req.Episodes < 1 {
		req.Episodes = 1
	}

	ohlcv, err := t.store.LoadOHLCV(symbol, req.Interval)
	if err != nil {
		return nil, err
	}
	if len(ohlcv) < MinRows {
		return nil, fmt.Errorf("%w: %d rows, need %d", policy.ErrNotEnoughData, len(ohlcv), MinRows)
	}

	// Higher timeframes are best-effort context; absence is tolerated.
	htfRows := make(map[string]int, 3)
	for _, tf := range model.HigherIntervals() {
		if m, err := t.store.LoadOHLCV(symbol, tf); err == nil && len(m) > 0 {
			htfRows[model.IntervalKey(tf)] = len(m)
		}
	}

	feats, err := features.Build(ohlcv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", policy.ErrFeaturesEmpty, err)
	}
	if len(feats) == 0 {
		return nil, policy.ErrFeaturesEmpty
	}
	dim := len(feats[0])
	mu, sd := features.Standardize(feats)

	if t.dumpXY {
		t.writeXY(symbol, req.Interval, feats, ohlcv)
	}

	// Small random init, deterministic per trainer seed.
	rng := rand.New(rand.NewSource(t.seed))
	w := make([]float64, dim)
	vw := make([]float64, dim)
	for j := 0; j < dim; j++ {
		w[j] = (rng.Float64() - 0.5) * 0.02
		vw[j] = (rng.Float64() - 0.5) * 0.02
	}
	var b, vb float64

	warmup := features.Warmup
	if warmup < 32 {
		warmup = 32
	}
	n := len(ohlcv)
	trainEnd := n - int(float64(n)*oosFraction)
	if trainEnd <= warmup+2 {
		trainEnd = n
	}

	optPolicy := newAdam(dim, learningRate)
	optValue := newAdam(dim, learningRate)

	for ep := 0; ep < req.Episodes; ep++ {
		for i := warmup; i < trainEnd-1; i++ {
			if req.UseAntimanip && isManipulated(ohlcv[i], feats, i, sd, mu) {
				continue
			}
			x := feats[i]
			a := math.Tanh(dot(w, x) + b)
			if math.Abs(a) < t.actGate {
				continue
			}
			r := realizePnL(ohlcv, i, a, req.TP, req.SL)
			v := dot(vw, x) + vb
			adv := r - v

			// Ascend advantage on the policy, descend MSE on the value head.
			gradW := make([]float64, dim)
			for j := range gradW {
				gradW[j] = -adv * x[j]
			}
			optPolicy.step(w, &b, gradW, -adv)

			verr := v - r
			gradV := make([]float64, dim)
			for j := range gradV {
				gradV[j] = verr * x[j]
			}
			optValue.step(vw, &vb, gradV, verr)
		}
	}

	trainMetrics, _ := evaluate(ohlcv, feats, w, b, t.actGate, req.TP, req.SL, warmup, trainEnd-1)
	oosMetrics, _ := evaluate(ohlcv, feats, w, b, t.actGate, req.TP, req.SL, trainEnd, n-1)

	bestThr := sweepThreshold(ohlcv, feats, w, b, req.TP, req.SL, warmup, trainEnd-1)

	art := &model.Artifact{
		OK:       true,
		Version:  1,
		Schema:   model.SchemaPPOProV1,
		Symbol:   symbol,
		Interval: model.IntervalKey(req.Interval),
		Mode:     "ppo",
		BuildTS:  t.now().UnixMilli(),
		MALen:    req.MALen,
		BestThr:  bestThr,
		TP:       req.TP,
		SL:       req.SL,
		Policy: &model.Policy{
			FeatDim: dim,
			W:       w,
			B:       []float64{b},
			Norm:    &model.Norm{Mu: mu, Sd: sd},
		},
		OOS:           &oosMetrics,
		TrainRowsUsed: trainEnd,
	}

	path := t.store.ModelPath(symbol, req.Interval)
	if err := modelstate.WriteArtifact(path, art); err != nil {
		// The previous on-disk artifact is untouched: WriteArtifact only
		// renames after a complete temp write.
		return nil, err
	}
	if err := t.state.Install(art); err != nil {
		return nil, err
	}
	if t.prom != nil {
		t.prom.ModelSwaps.Inc()
		t.prom.TrainDur.Observe(time.Since(begin).Seconds())
	}

	res := &Result{
		OK:        true,
		BestThr:   bestThr,
		ModelPath: path,
		Metrics:   trainMetrics,
		OOS:       oosMetrics,
		RowsUsed:  trainEnd,
		HTFRows:   htfRows,
	}
	t.writeTelemetry(symbol, req.Interval, res)
	if t.sink != nil {
		t.sink.RecordTrain(symbol, model.IntervalKey(req.Interval), res)
	}

	t.log.Info("training complete",
		slog.String("symbol", symbol),
		slog.Int("interval", req.Interval),
		slog.Int("episodes", req.Episodes),
		slog.Float64("best_thr", bestThr),
		slog.Float64("oos_sharpe", oosMetrics.Sharpe),
		slog.Duration("took", time.Since(begin)))
	return res, nil
}

func dot(w, x []float64) float64 {
	var s float64
	for j := range w {
		s += w[j] * x[j]
	}
	return s
}

// realizePnL settles the next-bar outcome of acting with sign(a) at bar i.
// The stop is checked before the target (worst case first); the fallback is
// the signed close-to-close return. Everything is clamped to [-sl, tp].
func realizePnL(ohlcv [][]float64, i int, a, tp, sl float64) float64 {
	entry := ohlcv[i][4]
	next := ohlcv[i+1]
	high, low, last := next[2], next[3], next[4]
	if entry == 0 {
		return 0
	}

	var r float64
	if a > 0 {
		switch {
		case low/entry-1 <= -sl:
			r = -sl
		case high/entry-1 >= tp:
			r = tp
		default:
			r = last/entry - 1
		}
	} else {
		switch {
		case high/entry-1 >= sl:
			r = -sl
		case low/entry-1 <= -tp:
			r = tp
		default:
			r = -(last/entry - 1)
		}
	}
	return math.Max(-sl, math.Min(tp, r))
}

// isManipulated flags bars whose range blows past the smoothed true range.
// feats column 3 is ATR(14) standardized; undo the transform to compare in
// price units.
func isManipulated(bar []float64, feats [][]float64, i int, sd, mu []float64) bool {
	atr := feats[i][3]*sd[3] + mu[3]
	if atr <= 0 {
		return false
	}
	return bar[2]-bar[3] > antimanipRangeFactor*atr
}

// evaluate walks [from, to) greedily and aggregates trade statistics.
func evaluate(ohlcv, feats [][]float64, w []float64, b, gate, tp, sl float64, from, to int) (model.OOSSummary, []float64) {
	var out model.OOSSummary
	if from >= to {
		return out, nil
	}
	var equity []float64
	eq := 0.0
	for i := from; i < to; i++ {
		x := feats[i]
		a := math.Tanh(dot(w, x) + b)
		if math.Abs(a) < gate {
			continue
		}
		r := realizePnL(ohlcv, i, a, tp, sl)
		out.Trades++
		if r > 0 {
			out.Wins++
		}
		eq += r
		equity = append(equity, eq)
	}
	out.Equity = eq
	if out.Trades > 0 {
		out.Accuracy = float64(out.Wins) / float64(out.Trades)
	}
	out.MaxDD = maxDrawdown(equity)
	out.Sharpe = sharpe(equity)
	return out, equity
}

func maxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	dd := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if d := peak - e; d > dd {
			dd = d
		}
	}
	return dd
}

func sharpe(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}
	deltas := make([]float64, 0, len(equity)-1)
	prev := 0.0
	for _, e := range equity {
		deltas = append(deltas, e-prev)
		prev = e
	}
	var mean float64
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))
	var varSum float64
	for _, d := range deltas {
		varSum += (d - mean) * (d - mean)
	}
	sd := math.Sqrt(varSum / float64(len(deltas)))
	if sd == 0 {
		return 0
	}
	return mean / sd
}

// sweepThreshold evaluates a grid of gate thresholds over the trained policy
// and returns the one with the best equity. Falls back to DefaultThr when no
// threshold produces a trade.
func sweepThreshold(ohlcv, feats [][]float64, w []float64, b, tp, sl float64, from, to int) float64 {
	candidates := []float64{0.0002, 0.0004, 0.0006, 0.001, 0.002, 0.004, 0.008}
	best := 0.0
	bestEq := math.Inf(-1)
	traded := false
	for _, thr := range candidates {
		m, _ := evaluate(ohlcv, feats, w, b, thr, tp, sl, from, to)
		if m.Trades == 0 {
			continue
		}
		traded = true
		if m.Equity > bestEq {
			bestEq = m.Equity
			best = thr
		}
	}
	if !traded {
		return DefaultThr
	}
	return best
}

func (t *Trainer) writeTelemetry(symbol string, interval int, res *Result) {
	payload := map[string]interface{}{
		"ts":       t.now().UnixMilli(),
		"symbol":   symbol,
		"interval": model.IntervalKey(interval),
		"result":   res,
	}
	data, err := json.MarshalIndent(payload, "", " ")
	if err != nil {
		return
	}
	if err := os.WriteFile(t.store.TelemetryPath(), data, 0o644); err != nil {
		t.log.Warn("telemetry write failed", slog.String("error", err.Error()))
	}
}

// writeXY dumps the standardized feature matrix and next-bar returns for
// offline analysis.
func (t *Trainer) writeXY(symbol string, interval int, feats, ohlcv [][]float64) {
	var xb, yb strings.Builder
	for i := 0; i < len(feats)-1; i++ {
		for j, v := range feats[i] {
			if j > 0 {
				xb.WriteByte(',')
			}
			xb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		xb.WriteByte('\n')
		ret := 0.0
		if ohlcv[i][4] != 0 {
			ret = ohlcv[i+1][4]/ohlcv[i][4] - 1
		}
		yb.WriteString(strconv.FormatFloat(ret, 'g', -1, 64))
		yb.WriteByte('\n')
	}
	os.WriteFile(t.store.XYPath(symbol, interval, "X"), []byte(xb.String()), 0o644)
	os.WriteFile(t.store.XYPath(symbol, interval, "y"), []byte(yb.String()), 0o644)
}
