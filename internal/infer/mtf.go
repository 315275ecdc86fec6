// Package infer combines the base 15m policy score with higher-timeframe
// context into a gated trading signal.
package infer

import (
	"errors"
	"fmt"
	"math"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/policy"
)

const (
	// StrongEps marks an HTF score as a strong vote.
	StrongEps = 0.3

	// Gate threshold clamp bounds applied to the model's best_thr.
	MinThr = 1e-4
	MaxThr = 1e-2

	// SingleTFGate is the fixed gate of the single-timeframe variant.
	SingleTFGate = 0.10

	// VolWindow is the return window for the side-measurement sigma.
	VolWindow = 64

	// VolThreshold is reported for downstream UI gating.
	VolThreshold = 0.001
)

var (
	// ErrNoPolicy means no valid current model is installed.
	ErrNoPolicy = errors.New("model_not_found")

	// ErrScoring15 means the base-timeframe score failed; inference cannot
	// proceed without it.
	ErrScoring15 = errors.New("policy_scoring_failed")
)

// Scorer evaluates a policy over an OHLCV window. The production scorer is
// policy.Score; tests substitute a stub through SetScorer.
type Scorer func(ohlcv [][]float64, p *model.Policy) (float64, bool, error)

// Engine performs multi-timeframe inference with a pluggable scorer.
type Engine struct {
	score Scorer
}

// NewEngine returns an Engine backed by the production policy scorer.
func NewEngine() *Engine {
	return &Engine{score: policy.Score}
}

// SetScorer substitutes the scoring function. Test helper.
func (e *Engine) SetScorer(s Scorer) { e.score = s }

// ClampThr bounds a model threshold into the inference gate range.
func ClampThr(thr float64) float64 {
	if thr < MinThr {
		return MinThr
	}
	if thr > MaxThr {
		return MaxThr
	}
	return thr
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// MTF scores the base window and every provided higher-timeframe window with
// the same policy, weights the base score by HTF agreement and gates it at
// the model's clamped best_thr. HTF keys are canonical interval strings;
// a nil/absent entry yields present=false. HTF scoring failures degrade to
// present=false rather than failing the call — only a base failure is fatal.
func (e *Engine) MTF(raw15 [][]float64, art *model.Artifact, htf map[string][][]float64) (*model.InferResult, error) {
	if !art.Valid() {
		return nil, ErrNoPolicy
	}

	score15, usedNorm, err := e.score(raw15, art.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: base 15m: %v", ErrScoring15, err)
	}

	records := make(map[string]model.HTFRecord, 3)
	available, agree := 0, 0
	for _, tf := range model.HigherIntervals() {
		key := model.IntervalKey(tf)
		rec := model.HTFRecord{}
		if window, ok := htf[key]; ok && len(window) > 0 {
			if s, _, err := e.score(window, art.Policy); err == nil {
				rec.Present = true
				rec.Score = s
				rec.Agree = sign(s) == sign(score15)
				rec.Eps = math.Abs(s)
				rec.Strong = rec.Eps >= StrongEps
				available++
				if rec.Agree {
					agree++
				}
			}
		}
		records[key] = rec
	}

	wctx := 1.0
	if available > 0 {
		wctx = 0.75 + 0.25*float64(agree)/float64(available)
	}
	weighted := score15 * wctx
	thr := ClampThr(art.BestThr)

	signal := model.SignalNeutral
	switch {
	case weighted >= thr:
		signal = model.SignalLong
	case weighted <= -thr:
		signal = model.SignalShort
	}

	return &model.InferResult{
		Score15:      score15,
		UsedNorm:     usedNorm,
		HTF:          records,
		WctxHTF:      wctx,
		Weighted:     weighted,
		Thr:          thr,
		Signal:       signal,
		Sigma:        policy.Sigma(raw15, VolWindow),
		VolThreshold: VolThreshold,
	}, nil
}

// Single is the single-timeframe variant: no HTF context, fixed 0.10 gate.
func (e *Engine) Single(raw15 [][]float64, art *model.Artifact) (*model.InferResult, error) {
	if !art.Valid() {
		return nil, ErrNoPolicy
	}
	score15, usedNorm, err := e.score(raw15, art.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: base 15m: %v", ErrScoring15, err)
	}
	signal := model.SignalNeutral
	switch {
	case score15 >= SingleTFGate:
		signal = model.SignalLong
	case score15 <= -SingleTFGate:
		signal = model.SignalShort
	}
	return &model.InferResult{
		Score15:      score15,
		UsedNorm:     usedNorm,
		HTF:          map[string]model.HTFRecord{},
		WctxHTF:      1.0,
		Weighted:     score15,
		Thr:          SingleTFGate,
		Signal:       signal,
		Sigma:        policy.Sigma(raw15, VolWindow),
		VolThreshold: VolThreshold,
	}, nil
}
