package infer

import (
	"math"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
)

// Derived fields computed at the HTTP edge. They are deterministic functions
// of the InferResult and the request window, kept here so handlers stay thin.

// Derived carries the edge-computed decorations of an inference response.
type Derived struct {
	LastClose    float64 `json:"last_close"`
	TPPriceLong  float64 `json:"tp_price_long"`
	SLPriceLong  float64 `json:"sl_price_long"`
	TPPriceShort float64 `json:"tp_price_short"`
	SLPriceShort float64 `json:"sl_price_short"`
	Confidence   float64 `json:"confidence"`
	MarketMode   string  `json:"market_mode"`
}

// Options are the per-request knobs of the derivation. KATR > 0 replaces the
// model's percent TP/SL distances with KATR × ATR(14) of the request window;
// Eps > 0 overrides the confidence saturation threshold.
type Options struct {
	KATR float64
	Eps  float64
}

// Derive computes last close, per-direction TP/SL prices, the confidence
// mapping and the coarse market-mode classifier.
func Derive(res *model.InferResult, raw15 [][]float64, tp, sl float64) Derived {
	return DeriveWith(res, raw15, tp, sl, Options{})
}

// DeriveWith is Derive with per-request options applied.
func DeriveWith(res *model.InferResult, raw15 [][]float64, tp, sl float64, opt Options) Derived {
	var lastClose float64
	if n := len(raw15); n > 0 && len(raw15[n-1]) >= 5 {
		lastClose = raw15[n-1][4]
	}
	if opt.KATR > 0 {
		if dist := opt.KATR * atrPct(raw15, 14, lastClose); dist > 0 {
			tp, sl = dist, dist
		}
	}
	eps := StrongEps
	if opt.Eps > 0 {
		eps = opt.Eps
	}
	conf := math.Abs(res.Weighted) / eps
	if conf > 1 {
		conf = 1
	}
	return Derived{
		LastClose:    lastClose,
		TPPriceLong:  lastClose * (1 + tp),
		SLPriceLong:  lastClose * (1 - sl),
		TPPriceShort: lastClose * (1 - tp),
		SLPriceShort: lastClose * (1 + sl),
		Confidence:   conf,
		MarketMode:   MarketMode(res.HTF),
	}
}

// atrPct is the mean true range over the trailing period, as a fraction of
// the last close. Zero when the window is too short.
func atrPct(raw [][]float64, period int, lastClose float64) float64 {
	n := len(raw)
	if n < period+1 || lastClose <= 0 {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		if len(raw[i]) < 5 || len(raw[i-1]) < 5 {
			return 0
		}
		high, low, prev := raw[i][2], raw[i][3], raw[i-1][4]
		tr := math.Max(high-low, math.Max(math.Abs(high-prev), math.Abs(low-prev)))
		sum += tr
	}
	return sum / float64(period) / lastClose
}

// Confidence maps the weighted score onto [0, 1], saturating at the strong
// vote threshold.
func Confidence(weighted float64) float64 {
	c := math.Abs(weighted) / StrongEps
	if c > 1 {
		return 1
	}
	return c
}

// MarketMode classifies the HTF vote tally: "solo" with no context,
// "aligned" when every present HTF agrees with the base score, "mixed" when
// at least half agree, "contra" otherwise.
func MarketMode(htf map[string]model.HTFRecord) string {
	available, agree := 0, 0
	for _, rec := range htf {
		if !rec.Present {
			continue
		}
		available++
		if rec.Agree {
			agree++
		}
	}
	switch {
	case available == 0:
		return "solo"
	case agree == available:
		return "aligned"
	case agree*2 >= available:
		return "mixed"
	}
	return "contra"
}
