package infer

import (
	"errors"
	"math"
	"testing"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/features"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
)

func validArtifact(thr float64) *model.Artifact {
	w := make([]float64, features.Dim)
	for j := range w {
		w[j] = 0.05
	}
	return &model.Artifact{
		OK:       true,
		Version:  1,
		Schema:   model.SchemaPPOProV1,
		Symbol:   "BTCUSDT",
		Interval: "15",
		MALen:    12,
		BestThr:  thr,
		TP:       0.008,
		SL:       0.0032,
		Policy:   &model.Policy{FeatDim: features.Dim, W: w, B: []float64{0}},
	}
}

// scriptedEngine returns scores keyed by the window's first timestamp.
func scriptedEngine(scores map[int64]float64) *Engine {
	e := NewEngine()
	e.SetScorer(func(ohlcv [][]float64, _ *model.Policy) (float64, bool, error) {
		s, ok := scores[int64(ohlcv[0][0])]
		if !ok {
			return 0, false, errors.New("no script for window")
		}
		return s, true, nil
	})
	return e
}

// window builds a trivial OHLCV matrix tagged by its first timestamp.
func window(tag int64) [][]float64 {
	out := make([][]float64, 70)
	for i := range out {
		out[i] = []float64{float64(tag) + float64(i)*900000, 100, 101, 99, 100, 1}
	}
	out[0][0] = float64(tag)
	return out
}

func TestClampThr(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0.00001, MinThr}, {0.0006, 0.0006}, {0.1, MaxThr}, {0.38, MaxThr},
	}
	for _, c := range cases {
		if got := ClampThr(c.in); got != c.want {
			t.Errorf("ClampThr(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMTF_RejectsInvalidModel(t *testing.T) {
	e := NewEngine()
	bad := validArtifact(0.001)
	bad.OK = false
	if _, err := e.MTF(window(1), bad, nil); !errors.Is(err, ErrNoPolicy) {
		t.Fatalf("err = %v, want ErrNoPolicy", err)
	}
}

func TestMTF_AllHTFAbsent(t *testing.T) {
	// No HTF context at all: wctx = 1.0, gate by sign of score15.
	e := scriptedEngine(map[int64]float64{1: 0.2})
	res, err := e.MTF(window(1), validArtifact(0.001), nil)
	if err != nil {
		t.Fatalf("MTF: %v", err)
	}
	if res.WctxHTF != 1.0 {
		t.Errorf("wctx = %v, want 1.0", res.WctxHTF)
	}
	if res.Signal != model.SignalLong {
		t.Errorf("signal = %s, want LONG", res.Signal)
	}
	for key, rec := range res.HTF {
		if rec.Present {
			t.Errorf("HTF %s present without input", key)
		}
	}
}

func TestMTF_AllAgreeingHTFs(t *testing.T) {
	// score15 = +0.2 with three agreeing HTFs at +0.05 each.
	scores := map[int64]float64{1: 0.2, 60: 0.05, 240: 0.05, 1440: 0.05}
	e := scriptedEngine(scores)
	htf := map[string][][]float64{
		"60": window(60), "240": window(240), "1440": window(1440),
	}
	res, err := e.MTF(window(1), validArtifact(0.001), htf)
	if err != nil {
		t.Fatalf("MTF: %v", err)
	}
	if res.WctxHTF != 1.0 {
		t.Errorf("wctx = %v, want 1.0", res.WctxHTF)
	}
	if math.Abs(res.Weighted-0.2) > 1e-12 {
		t.Errorf("a_w = %v, want 0.2", res.Weighted)
	}
	if res.Signal != model.SignalLong {
		t.Errorf("signal = %s, want LONG", res.Signal)
	}
	for key, rec := range res.HTF {
		if !rec.Present || !rec.Agree {
			t.Errorf("HTF %s: present=%v agree=%v, want true/true", key, rec.Present, rec.Agree)
		}
		if rec.Strong {
			t.Errorf("HTF %s: |0.05| marked strong", key)
		}
	}
}

func TestMTF_PartialDisagreement(t *testing.T) {
	// Two of three HTFs strongly opposed at -0.5.
	scores := map[int64]float64{1: 0.2, 60: -0.5, 240: -0.5, 1440: 0.05}
	e := scriptedEngine(scores)
	htf := map[string][][]float64{
		"60": window(60), "240": window(240), "1440": window(1440),
	}
	res, err := e.MTF(window(1), validArtifact(0.001), htf)
	if err != nil {
		t.Fatalf("MTF: %v", err)
	}
	wantWctx := 0.75 + 0.25*(1.0/3.0)
	if math.Abs(res.WctxHTF-wantWctx) > 1e-12 {
		t.Errorf("wctx = %v, want %v", res.WctxHTF, wantWctx)
	}
	if math.Abs(res.Weighted-0.2*wantWctx) > 1e-12 {
		t.Errorf("a_w = %v, want %v", res.Weighted, 0.2*wantWctx)
	}
	if res.Signal != model.SignalLong {
		t.Errorf("signal = %s, want LONG (a_w still above thr)", res.Signal)
	}
	if rec := res.HTF["60"]; !rec.Strong || rec.Agree {
		t.Errorf("HTF 60 = %+v, want strong disagreement", rec)
	}
}

func TestMTF_WctxTable(t *testing.T) {
	// Invariant: wctx = 1.0 for k=0, else within [0.75, 1.0].
	for k := 0; k <= 3; k++ {
		for a := 0; a <= k; a++ {
			scores := map[int64]float64{1: 0.5}
			htf := map[string][][]float64{}
			keys := []int64{60, 240, 1440}
			for i := 0; i < k; i++ {
				s := 0.4 // agree
				if i >= a {
					s = -0.4
				}
				scores[keys[i]] = s
				htf[model.IntervalKey(int(keys[i]))] = window(keys[i])
			}
			e := scriptedEngine(scores)
			res, err := e.MTF(window(1), validArtifact(0.001), htf)
			if err != nil {
				t.Fatalf("k=%d a=%d: %v", k, a, err)
			}
			want := 1.0
			if k > 0 {
				want = 0.75 + 0.25*float64(a)/float64(k)
			}
			if math.Abs(res.WctxHTF-want) > 1e-12 {
				t.Errorf("k=%d a=%d: wctx = %v, want %v", k, a, res.WctxHTF, want)
			}
			// Sign consistency: positive base with full agreement stays positive.
			if a == k && res.Weighted <= 0 {
				t.Errorf("k=%d full agreement flipped sign: %v", k, res.Weighted)
			}
		}
	}
}

func TestMTF_ShortSignal(t *testing.T) {
	e := scriptedEngine(map[int64]float64{1: -0.3})
	res, err := e.MTF(window(1), validArtifact(0.001), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Signal != model.SignalShort {
		t.Errorf("signal = %s, want SHORT", res.Signal)
	}
}

func TestMTF_NeutralInsideGate(t *testing.T) {
	e := scriptedEngine(map[int64]float64{1: 0.0004})
	res, err := e.MTF(window(1), validArtifact(0.001), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Signal != model.SignalNeutral {
		t.Errorf("signal = %s, want NEUTRAL (|a_w| < thr)", res.Signal)
	}
}

func TestMTF_HTFScoringFailureDegrades(t *testing.T) {
	// Window 60 has no script: the stub errors, the record degrades to absent.
	e := scriptedEngine(map[int64]float64{1: 0.2, 240: 0.1})
	htf := map[string][][]float64{"60": window(60), "240": window(240)}
	res, err := e.MTF(window(1), validArtifact(0.001), htf)
	if err != nil {
		t.Fatalf("MTF: %v", err)
	}
	if res.HTF["60"].Present {
		t.Error("failed HTF marked present")
	}
	if !res.HTF["240"].Present {
		t.Error("healthy HTF marked absent")
	}
	if res.WctxHTF != 1.0 { // available=1, agree=1
		t.Errorf("wctx = %v, want 1.0", res.WctxHTF)
	}
}

func TestMTF_BaseScoringFailureIsFatal(t *testing.T) {
	e := scriptedEngine(map[int64]float64{}) // every window errors
	if _, err := e.MTF(window(1), validArtifact(0.001), nil); !errors.Is(err, ErrScoring15) {
		t.Fatalf("err = %v, want ErrScoring15", err)
	}
}

func TestSingle_FixedGate(t *testing.T) {
	e := scriptedEngine(map[int64]float64{1: 0.09})
	res, err := e.Single(window(1), validArtifact(0.001))
	if err != nil {
		t.Fatal(err)
	}
	if res.Signal != model.SignalNeutral {
		t.Errorf("signal = %s, want NEUTRAL (0.09 < 0.10 gate)", res.Signal)
	}
	e = scriptedEngine(map[int64]float64{1: 0.11})
	res, _ = e.Single(window(1), validArtifact(0.001))
	if res.Signal != model.SignalLong {
		t.Errorf("signal = %s, want LONG", res.Signal)
	}
}

func TestDerive(t *testing.T) {
	res := &model.InferResult{Weighted: 0.15, HTF: map[string]model.HTFRecord{
		"60":   {Present: true, Agree: true},
		"240":  {Present: true, Agree: true},
		"1440": {},
	}}
	raw := window(1)
	d := Derive(res, raw, 0.008, 0.0032)
	if d.LastClose != 100 {
		t.Errorf("last_close = %v, want 100", d.LastClose)
	}
	if math.Abs(d.TPPriceLong-100*1.008) > 1e-9 || math.Abs(d.SLPriceLong-100*0.9968) > 1e-9 {
		t.Errorf("long prices = %v / %v", d.TPPriceLong, d.SLPriceLong)
	}
	if math.Abs(d.TPPriceShort-100*0.992) > 1e-9 || math.Abs(d.SLPriceShort-100*1.0032) > 1e-9 {
		t.Errorf("short prices = %v / %v", d.TPPriceShort, d.SLPriceShort)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		t.Errorf("confidence = %v", d.Confidence)
	}
	if d.MarketMode != "aligned" {
		t.Errorf("market_mode = %s, want aligned", d.MarketMode)
	}
}

func TestDeriveWith(t *testing.T) {
	res := &model.InferResult{Weighted: 0.15, HTF: map[string]model.HTFRecord{}}
	raw := window(1) // constant bars: high 101, low 99, close 100 -> ATR 2

	d := DeriveWith(res, raw, 0.008, 0.0032, Options{KATR: 1.5})
	if math.Abs(d.TPPriceLong-103) > 1e-9 || math.Abs(d.SLPriceLong-97) > 1e-9 {
		t.Errorf("long prices = %v / %v, want 103 / 97", d.TPPriceLong, d.SLPriceLong)
	}
	if math.Abs(d.TPPriceShort-97) > 1e-9 || math.Abs(d.SLPriceShort-103) > 1e-9 {
		t.Errorf("short prices = %v / %v, want 97 / 103", d.TPPriceShort, d.SLPriceShort)
	}

	d = DeriveWith(res, raw, 0.008, 0.0032, Options{Eps: 0.25})
	if math.Abs(d.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6", d.Confidence)
	}
	// Saturates at 1 like the default mapping.
	d = DeriveWith(res, raw, 0.008, 0.0032, Options{Eps: 0.1})
	if d.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", d.Confidence)
	}

	// Short windows cannot support an ATR distance: percent TP/SL stand.
	d = DeriveWith(res, raw[:5], 0.008, 0.0032, Options{KATR: 1.5})
	if math.Abs(d.TPPriceLong-100*1.008) > 1e-9 {
		t.Errorf("tp_price_long = %v, want percent fallback", d.TPPriceLong)
	}
}

func TestMarketMode(t *testing.T) {
	mk := func(states ...[2]bool) map[string]model.HTFRecord {
		out := map[string]model.HTFRecord{}
		keys := []string{"60", "240", "1440"}
		for i, st := range states {
			out[keys[i]] = model.HTFRecord{Present: st[0], Agree: st[1]}
		}
		return out
	}
	cases := []struct {
		htf  map[string]model.HTFRecord
		want string
	}{
		{mk(), "solo"},
		{mk([2]bool{true, true}, [2]bool{true, true}), "aligned"},
		{mk([2]bool{true, true}, [2]bool{true, false}), "mixed"},
		{mk([2]bool{true, false}, [2]bool{true, false}, [2]bool{true, true}), "contra"},
	}
	for i, c := range cases {
		if got := MarketMode(c.htf); got != c.want {
			t.Errorf("case %d: mode = %s, want %s", i, got, c.want)
		}
	}
}
