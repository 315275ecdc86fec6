// Package features builds the fixed-width feature matrix consumed by the
// policy scorer and the trainer.
//
// The indicator set is fixed: RSI(14), EMA(8)-EMA(21), momentum(10),
// ATR(14), MACD(12,26,9) line and histogram, and Bollinger(20) mean and
// width%. The output width D is therefore 8 and is embedded in every trained
// artifact; inference rejects a mismatch before scoring.
package features

import (
	"errors"
	"math"
)

// Dim is the feature matrix width produced by Build.
const Dim = 8

// Warmup is the number of leading rows where at least one indicator is still
// undefined (the slowest is the MACD signal line). Trainer and scorer must
// only act on rows at or past this index.
const Warmup = 36

// eps clamps denominators so ratio features never divide by zero.
const eps = 1e-12

// ErrEmpty is returned when the input has no rows or lacks the six OHLCV
// columns.
var ErrEmpty = errors.New("features: empty or malformed input")

// Build maps an [N x 6] OHLCV matrix (ts, open, high, low, close, volume)
// to an [N x Dim] feature matrix. Rows inside an indicator's warmup window
// carry 0 in that column.
func Build(ohlcv [][]float64) ([][]float64, error) {
	n := len(ohlcv)
	if n == 0 || len(ohlcv[0]) < 6 {
		return nil, ErrEmpty
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, row := range ohlcv {
		if len(row) < 6 {
			return nil, ErrEmpty
		}
		high[i] = row[2]
		low[i] = row[3]
		closes[i] = row[4]
	}

	rsi := rsiSeries(closes, 14)
	emaFast := emaSeries(closes, 8)
	emaSlow := emaSeries(closes, 21)
	atr := atrSeries(high, low, closes, 14)
	macdLine, macdHist := macdSeries(closes, 12, 26, 9)
	bbMean, bbWidth := bollingerSeries(closes, 20)

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, Dim)
		row[0] = rsi[i]
		row[1] = emaFast[i] - emaSlow[i]
		if i >= 10 {
			row[2] = closes[i] - closes[i-10]
		}
		row[3] = atr[i]
		row[4] = macdLine[i]
		row[5] = macdHist[i]
		row[6] = bbMean[i]
		row[7] = bbWidth[i]
		out[i] = row
	}
	return out, nil
}

// emaSeries computes an EMA seeded with the first sample, multiplier
// 2/(period+1).
func emaSeries(xs []float64, period int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	cur := xs[0]
	out[0] = cur
	for i := 1; i < len(xs); i++ {
		cur = xs[i]*k + cur*(1-k)
		out[i] = cur
	}
	return out
}

// rsiSeries computes Wilder-smoothed RSI. Values before period+1 samples are 0.
func rsiSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) < period+1 {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	p := float64(period)
	avgGain /= p
	avgLoss /= p
	out[period] = 100.0 - 100.0/(1.0+avgGain/math.Max(avgLoss, eps))
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = 100.0 - 100.0/(1.0+avgGain/math.Max(avgLoss, eps))
	}
	return out
}

// atrSeries computes Wilder-smoothed Average True Range.
func atrSeries(high, low, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n < period+1 {
		return out
	}
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - closes[i-1])
		lc := math.Abs(low[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	p := float64(period)
	cur := sum / p
	out[period] = cur
	for i := period + 1; i < n; i++ {
		cur = (cur*(p-1) + tr[i]) / p
		out[i] = cur
	}
	return out
}

// macdSeries computes the MACD line (fast EMA - slow EMA) and its histogram
// (line - signal EMA). Rows before the slow period, respectively slow+signal,
// are zeroed.
func macdSeries(closes []float64, fast, slow, signal int) (line, hist []float64) {
	n := len(closes)
	line = make([]float64, n)
	hist = make([]float64, n)
	if n == 0 {
		return line, hist
	}
	ef := emaSeries(closes, fast)
	es := emaSeries(closes, slow)
	raw := make([]float64, n)
	for i := 0; i < n; i++ {
		raw[i] = ef[i] - es[i]
	}
	sig := emaSeries(raw, signal)
	for i := 0; i < n; i++ {
		if i >= slow {
			line[i] = raw[i]
		}
		if i >= slow+signal {
			hist[i] = raw[i] - sig[i]
		}
	}
	return line, hist
}

// bollingerSeries computes the rolling mean and the width as (sigma/|mu|)*100
// over the given period, with |mu| clamped by eps.
func bollingerSeries(closes []float64, period int) (mean, width []float64) {
	n := len(closes)
	mean = make([]float64, n)
	width = make([]float64, n)
	for i := period - 1; i < n; i++ {
		var sum float64
		for j := i - period + 1; j <= i; j++ {
			sum += closes[j]
		}
		mu := sum / float64(period)
		var varSum float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - mu
			varSum += d * d
		}
		sigma := math.Sqrt(varSum / float64(period))
		mean[i] = mu
		width[i] = sigma / math.Max(math.Abs(mu), eps) * 100.0
	}
	return mean, width
}

// Standardize z-scores every column of m in place and returns the per-column
// mean and deviation vectors. Deviations under eps are replaced by 1 so the
// transform never divides by zero.
func Standardize(m [][]float64) (mu, sd []float64) {
	if len(m) == 0 {
		return nil, nil
	}
	cols := len(m[0])
	mu = make([]float64, cols)
	sd = make([]float64, cols)
	n := float64(len(m))
	for j := 0; j < cols; j++ {
		var sum float64
		for i := range m {
			sum += m[i][j]
		}
		mu[j] = sum / n
		var varSum float64
		for i := range m {
			d := m[i][j] - mu[j]
			varSum += d * d
		}
		sd[j] = math.Sqrt(varSum / n)
		if sd[j] < eps {
			sd[j] = 1
		}
	}
	for i := range m {
		for j := 0; j < cols; j++ {
			m[i][j] = (m[i][j] - mu[j]) / sd[j]
		}
	}
	return mu, sd
}

// Apply transforms m in place with an existing (mu, sd) pair.
func Apply(m [][]float64, mu, sd []float64) {
	for i := range m {
		for j := range m[i] {
			m[i][j] = (m[i][j] - mu[j]) / sd[j]
		}
	}
}
