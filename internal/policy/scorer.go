// Package policy evaluates the affine-plus-tanh scorer carried by a trained
// model artifact over an OHLCV window.
package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/features"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
)

// MinRows is the smallest OHLCV window the scorer accepts.
const MinRows = 60

// Error kinds surfaced by scoring and training. The HTTP layer maps these to
// status codes with errors.Is.
var (
	ErrNotEnoughData     = errors.New("not_enough_data")
	ErrFeaturesEmpty     = errors.New("features_empty")
	ErrDimensionMismatch = errors.New("feat_dim_mismatch")
	ErrScoringFailed     = errors.New("policy_scoring_failed")
)

// Score evaluates the policy on the last feature row of the window.
// Returns the tanh score in [-1, 1] and whether the artifact's embedded norm
// block was applied (false means the per-window z-score fallback was used).
// No error from the feature builder escapes unwrapped: everything except the
// input-shape checks surfaces as ErrScoringFailed.
func Score(ohlcv [][]float64, p *model.Policy) (float64, bool, error) {
	if len(ohlcv) < MinRows || len(ohlcv[0]) < 6 {
		return 0, false, fmt.Errorf("%w: rows=%d", ErrNotEnoughData, len(ohlcv))
	}
	if !p.WellFormed() {
		return 0, false, fmt.Errorf("%w: malformed policy", ErrScoringFailed)
	}

	f, err := features.Build(ohlcv)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrScoringFailed, err)
	}
	if len(f) == 0 {
		return 0, false, ErrFeaturesEmpty
	}
	if len(f[0]) != p.FeatDim {
		return 0, false, fmt.Errorf("%w: built %d, policy wants %d", ErrDimensionMismatch, len(f[0]), p.FeatDim)
	}

	usedNorm := false
	if p.Norm.WellFormed(p.FeatDim) {
		features.Apply(f, p.Norm.Mu, p.Norm.Sd)
		usedNorm = true
	} else {
		// Lower-quality fallback: standardize against the request window only.
		features.Standardize(f)
	}

	x := f[len(f)-1]
	z := p.B[0]
	for j, w := range p.W {
		z += w * x[j]
	}
	return math.Tanh(z), usedNorm, nil
}

// Sigma returns the standard deviation of the last `window` close-to-close
// returns of the OHLCV matrix, or 0 when fewer than two rows are available.
func Sigma(ohlcv [][]float64, window int) float64 {
	n := len(ohlcv)
	if n < 2 {
		return 0
	}
	start := n - window - 1
	if start < 0 {
		start = 0
	}
	rets := make([]float64, 0, window)
	for i := start + 1; i < n; i++ {
		prev := ohlcv[i-1][4]
		if prev == 0 {
			continue
		}
		rets = append(rets, ohlcv[i][4]/prev-1)
	}
	if len(rets) == 0 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var varSum float64
	for _, r := range rets {
		d := r - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(rets)))
}
