package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/backfill"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/features"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/hydrate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/infer"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/journal"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/modelstate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/pipeline"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource serves synthetic bars on every frame boundary inside the
// requested window, capped at last.
type fakeSource struct {
	frame int64
	last  int64
}

func (f *fakeSource) Klines(_ context.Context, _ string, _ int, start, end int64, limit int) ([][]string, error) {
	var out [][]string
	count := 0
	for ts := start - start%f.frame; ts <= end && ts < f.last && count < limit; ts += f.frame {
		if ts < start {
			continue
		}
		out = append(out, []string{fmt.Sprintf("%d", ts), "100", "101", "99", "100.5", "10", "1000"})
		count++
	}
	return out, nil
}

type env struct {
	srv    *httptest.Server
	store  *candle.Store
	state  *modelstate.State
	queue  *hydrate.Queue
	engine *infer.Engine
	src    *fakeSource
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := candle.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	state := modelstate.New()
	log := testLogger()

	src := &fakeSource{frame: model.IntervalMillis(15), last: time.Now().UnixMilli()}
	exec := backfill.New(store, src, log)
	exec.SetPacing(0, 0)

	queue := hydrate.New(exec.Run, log, nil)
	trainer := train.New(store, state, nil, log)

	engine := infer.NewEngine()
	engine.SetScorer(func(_ [][]float64, _ *model.Policy) (float64, bool, error) {
		return 0.2, true, nil
	})

	orch := pipeline.New(store, exec, trainer, engine, state, log)

	jrnl, err := journal.New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jrnl.Close() })
	queue.SetJournal(jrnl)
	trainer.SetTelemetrySink(jrnl)

	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		queue.Stop()
		cancel()
	})

	s := New(Deps{
		Store:    store,
		State:    state,
		Queue:    queue,
		Trainer:  trainer,
		Pipeline: orch,
		Engine:   engine,
		Journal:  jrnl,
		Hub:      NewHub(log),
		Log:      log,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, state: state, queue: queue, engine: engine, src: src}
}

func seedBars(t *testing.T, store *candle.Store, symbol string, tf, n int) {
	t.Helper()
	frame := model.IntervalMillis(tf)
	rows := make(map[int64]string, n)
	for i := 0; i < n; i++ {
		ts := int64(i) * frame
		c := 100.0 + float64(i)*0.3
		rows[ts] = fmt.Sprintf("%d,%g,%g,%g,%g,%g", ts, c-0.1, c+0.3, c-0.3, c, 25.0)
	}
	if err := store.Write(symbol, tf, rows); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteClean(symbol, tf, rows); err != nil {
		t.Fatal(err)
	}
}

func validArtifact() *model.Artifact {
	w := make([]float64, features.Dim)
	for j := range w {
		w[j] = 0.05
	}
	return &model.Artifact{
		OK: true, Version: 1, Schema: model.SchemaPPOProV1,
		Symbol: "BTCUSDT", Interval: "15", MALen: 12,
		BestThr: 0.001, TP: 0.008, SL: 0.0032,
		Policy: &model.Policy{FeatDim: features.Dim, W: w, B: []float64{0}},
	}
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func postJSON(t *testing.T, url string, body any, wantStatus int) map[string]any {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 10)
	out := getJSON(t, e.srv.URL+"/health?symbol=BTCUSDT", http.StatusOK)
	if out["ok"] != true {
		t.Errorf("ok = %v", out["ok"])
	}
	if out["ts"] == nil || out["uptime_s"] == nil {
		t.Errorf("out = %v", out)
	}
	rows := out["data_rows"].(map[string]any)
	if rows["15"].(float64) != 10 {
		t.Errorf("data_rows[15] = %v", rows["15"])
	}
	for _, key := range []string{"60", "240", "1440"} {
		if rows[key].(float64) != 0 {
			t.Errorf("data_rows[%s] = %v", key, rows[key])
		}
	}
}

func TestBackfillEnqueuesTasks(t *testing.T) {
	e := newEnv(t)
	out := getJSON(t, e.srv.URL+"/api/backfill?symbol=btcusdt&months=1&which=15,60", http.StatusOK)
	if out["ok"] != true || out["symbol"] != "BTCUSDT" {
		t.Fatalf("out = %v", out)
	}
	intervals := out["intervals"].([]any)
	if len(intervals) != 2 || intervals[0] != "15" || intervals[1] != "60" {
		t.Fatalf("intervals = %v", intervals)
	}
	// The handler only enqueues: every returned task starts in queued state
	// and the fetch happens on the worker afterwards.
	health := out["health"].([]any)
	if len(health) != 2 {
		t.Fatalf("health = %v", health)
	}
	for _, raw := range health {
		task := raw.(map[string]any)
		if task["state"] == "done" || task["state"] == "failed" {
			t.Errorf("task terminal in the enqueue response: %v", task)
		}
		if task["id"].(float64) <= 0 {
			t.Errorf("task without id: %v", task)
		}
	}

	e.queue.WaitForIdle()
	if c := e.queue.Counters(); c.EnqueuedTotal != 2 || c.SucceededTotal != 2 {
		t.Errorf("counters = %+v", c)
	}
	if rows, err := e.store.LoadOHLCV("BTCUSDT", 15); err != nil || len(rows) == 0 {
		t.Errorf("store rows = %d, err = %v", len(rows), err)
	}
	if _, err := os.Stat(e.store.CleanPath("BTCUSDT", 15)); err != nil {
		t.Errorf("clean variant missing: %v", err)
	}
}

func TestBackfillDefaultsToAllTimeframes(t *testing.T) {
	e := newEnv(t)
	out := getJSON(t, e.srv.URL+"/api/backfill?symbol=BTCUSDT", http.StatusOK)
	if got := len(out["intervals"].([]any)); got != 4 {
		t.Errorf("intervals = %d, want 4", got)
	}
	e.queue.WaitForIdle()
}

func TestBackfillValidation(t *testing.T) {
	e := newEnv(t)
	out := getJSON(t, e.srv.URL+"/api/backfill?symbol=BTCUSDT&which=7", http.StatusBadRequest)
	if out["error"] != "invalid_interval" {
		t.Errorf("error = %v", out["error"])
	}
	out = getJSON(t, e.srv.URL+"/api/backfill", http.StatusBadRequest)
	if out["error"] != "symbol_required" {
		t.Errorf("error = %v", out["error"])
	}
	if c := e.queue.Counters(); c.EnqueuedTotal != 0 {
		t.Errorf("rejected requests enqueued tasks: %+v", c)
	}
}

func TestTrainEndpoint(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 400)

	out := postJSON(t, e.srv.URL+"/api/train",
		map[string]any{"symbol": "BTCUSDT", "episodes": 5}, http.StatusOK)
	if out["ok"] != true || out["best_thr"].(float64) <= 0 {
		t.Fatalf("out = %v", out)
	}

	m := getJSON(t, e.srv.URL+"/api/model", http.StatusOK)
	if m["ok"] != true {
		t.Errorf("model not installed: %v", m)
	}
	if m["best_thr"].(float64) <= 0 || m["schema"] != model.SchemaPPOProV1 {
		t.Errorf("model = %v", m)
	}
	if m["symbol"] != "BTCUSDT" || m["interval"] != "15" {
		t.Errorf("model = %v", m)
	}
	if m["ma_len"].(float64) <= 0 || m["feat_dim"].(float64) != float64(features.Dim) {
		t.Errorf("model = %v", m)
	}
}

func TestTrainEndpointGET(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 400)
	out := getJSON(t, e.srv.URL+"/api/train?symbol=BTCUSDT&episodes=5", http.StatusOK)
	if out["ok"] != true || out["best_thr"].(float64) <= 0 {
		t.Fatalf("out = %v", out)
	}
}

func TestTrainNotEnoughData(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 100)
	out := postJSON(t, e.srv.URL+"/api/train",
		map[string]any{"symbol": "BTCUSDT"}, http.StatusBadRequest)
	if out["error"] != "not_enough_data" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestInferEndpoint(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 120)
	seedBars(t, e.store, "BTCUSDT", 60, 120)
	if err := e.state.Install(validArtifact()); err != nil {
		t.Fatal(err)
	}

	out := getJSON(t, e.srv.URL+"/api/infer?symbol=btcusdt", http.StatusOK)
	if out["ok"] != true {
		t.Fatalf("out = %v", out)
	}
	if out["signal"] != "LONG" {
		t.Errorf("signal = %v", out["signal"])
	}
	htf := out["htf"].(map[string]any)
	if rec := htf["60"].(map[string]any); rec["present"] != true {
		t.Errorf("htf 60 = %v", rec)
	}
	if rec := htf["240"].(map[string]any); rec["present"] != false {
		t.Errorf("htf 240 = %v", rec)
	}
	if out["wctx_htf"].(float64) != 1.0 {
		t.Errorf("wctx_htf = %v", out["wctx_htf"])
	}
	if out["score15"].(float64) != 0.2 {
		t.Errorf("score15 = %v", out["score15"])
	}
	if out["last_close"].(float64) <= 0 {
		t.Errorf("last_close = %v", out["last_close"])
	}
	last := out["last_close"].(float64)
	if got := out["tp_price_long"].(float64); math.Abs(got-last*1.008) > 1e-9 {
		t.Errorf("tp_price_long = %v", got)
	}
	if got := out["sl_price_short"].(float64); math.Abs(got-last*1.0032) > 1e-9 {
		t.Errorf("sl_price_short = %v", got)
	}
	if out["thr"].(float64) != 0.001 || out["tp"].(float64) != 0.008 {
		t.Errorf("thr/tp = %v / %v", out["thr"], out["tp"])
	}
	if out["confidence"].(float64) <= 0 {
		t.Errorf("confidence = %v", out["confidence"])
	}
}

func TestInferRequestOptions(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 120)
	seedBars(t, e.store, "BTCUSDT", 60, 120)
	seedBars(t, e.store, "BTCUSDT", 240, 120)
	if err := e.state.Install(validArtifact()); err != nil {
		t.Fatal(err)
	}

	// htf narrows the context to the listed timeframes.
	out := getJSON(t, e.srv.URL+"/api/infer?symbol=BTCUSDT&htf=60", http.StatusOK)
	htf := out["htf"].(map[string]any)
	if rec := htf["60"].(map[string]any); rec["present"] != true {
		t.Errorf("htf 60 = %v", rec)
	}
	if rec := htf["240"].(map[string]any); rec["present"] != false {
		t.Errorf("htf 240 loaded despite htf=60: %v", rec)
	}

	// eps rescales the confidence saturation: solo weighted 0.2 at eps 0.4.
	out = getJSON(t, e.srv.URL+"/api/infer?symbol=BTCUSDT&htf=60&eps=0.4", http.StatusOK)
	if got := out["confidence"].(float64); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("confidence = %v, want 0.5", got)
	}

	// k_atr replaces the percent TP/SL distances with an ATR multiple.
	base := getJSON(t, e.srv.URL+"/api/infer?symbol=BTCUSDT", http.StatusOK)
	atr := getJSON(t, e.srv.URL+"/api/infer?symbol=BTCUSDT&k_atr=3", http.StatusOK)
	if base["tp_price_long"].(float64) == atr["tp_price_long"].(float64) {
		t.Errorf("k_atr had no effect: %v", atr["tp_price_long"])
	}
	if atr["tp_price_long"].(float64) <= atr["last_close"].(float64) {
		t.Errorf("tp_price_long = %v", atr["tp_price_long"])
	}

	out = getJSON(t, e.srv.URL+"/api/infer?symbol=BTCUSDT&htf=13", http.StatusBadRequest)
	if out["error"] != "invalid_interval" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestInferWithoutModel(t *testing.T) {
	e := newEnv(t)
	seedBars(t, e.store, "BTCUSDT", 15, 120)
	out := getJSON(t, e.srv.URL+"/api/infer?symbol=BTCUSDT", http.StatusInternalServerError)
	if out["error"] != "model_not_found" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestModelSetOverride(t *testing.T) {
	e := newEnv(t)
	out := postJSON(t, e.srv.URL+"/api/model/set",
		map[string]any{"thr": 0.005, "ma_len": 20}, http.StatusOK)
	if out["ok"] != true {
		t.Fatalf("out = %v", out)
	}
	applied := out["applied"].([]any)
	if len(applied) != 2 {
		t.Errorf("applied = %v", applied)
	}
	state := out["state"].(map[string]any)
	if state["thr"].(float64) != 0.005 || state["ma_len"].(float64) != 20 {
		t.Errorf("state = %v", state)
	}
}

func TestModelSetMissingArtifact(t *testing.T) {
	e := newEnv(t)
	out := postJSON(t, e.srv.URL+"/api/model/set",
		map[string]any{"path": filepath.Join(t.TempDir(), "nope.json")}, http.StatusInternalServerError)
	if out["error"] != "model_not_found" {
		t.Errorf("error = %v", out["error"])
	}
	// A failed install leaves the current state untouched.
	if m := getJSON(t, e.srv.URL+"/api/model", http.StatusOK); m["ok"] != false {
		t.Errorf("model = %v", m)
	}
}

func TestHydrateFlow(t *testing.T) {
	e := newEnv(t)
	out := postJSON(t, e.srv.URL+"/api/symbol/hydrate",
		map[string]any{"symbol": "maticusdt", "intervals": []string{"15", "60"}, "months": 1}, http.StatusOK)
	if out["ok"] != true || out["symbol"] != "POLUSDT" {
		t.Fatalf("out = %v", out)
	}
	tasks := out["tasks"].([]any)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %v", tasks)
	}

	e.queue.WaitForIdle()

	status := getJSON(t, e.srv.URL+"/api/symbol/status?symbol=POLUSDT", http.StatusOK)
	for _, raw := range status["tasks"].([]any) {
		task := raw.(map[string]any)
		if task["state"] != "done" {
			t.Errorf("task = %v", task)
		}
	}

	id := int(tasks[0].(map[string]any)["id"].(float64))
	one := getJSON(t, fmt.Sprintf("%s/api/symbol/task?id=%d", e.srv.URL, id), http.StatusOK)
	if one["ok"] != true {
		t.Errorf("task by id = %v", one)
	}

	counters := getJSON(t, e.srv.URL+"/api/symbol/metrics", http.StatusOK)
	if counters["succeeded_total"].(float64) != 2 || counters["queue_length"].(float64) != 0 {
		t.Errorf("counters = %v", counters)
	}

	hist := getJSON(t, e.srv.URL+"/api/symbol/history?symbol=POLUSDT", http.StatusOK)
	if len(hist["tasks"].([]any)) != 2 {
		t.Errorf("history = %v", hist["tasks"])
	}
}

func TestHydrateInvalidInterval(t *testing.T) {
	e := newEnv(t)
	out := postJSON(t, e.srv.URL+"/api/symbol/hydrate",
		map[string]any{"symbol": "BTCUSDT", "intervals": []string{"7"}}, http.StatusOK)
	task := out["tasks"].([]any)[0].(map[string]any)
	if task["state"] != "failed" || task["error"] != "invalid_interval" {
		t.Errorf("task = %v", task)
	}
}

func TestTaskNotFound(t *testing.T) {
	e := newEnv(t)
	out := getJSON(t, e.srv.URL+"/api/symbol/task?id=999", http.StatusNotFound)
	if out["error"] != "task_not_found" {
		t.Errorf("out = %v", out)
	}
}

func TestPipelineEndpointGapsRemain(t *testing.T) {
	e := newEnv(t)
	// The venue serves nothing, so the refetch cannot close the hole.
	e.src.last = 0

	// Recent 15m history inside the backfill window with one missing bar.
	frame := model.IntervalMillis(15)
	end := time.Now().UnixMilli()
	end -= end % frame
	rows := make(map[int64]string, 399)
	for i := 0; i < 400; i++ {
		if i == 200 {
			continue
		}
		ts := end - int64(400-i)*frame
		rows[ts] = fmt.Sprintf("%d,100,101,99,100.5,10", ts)
	}
	if err := e.store.Write("BTCUSDT", 15, rows); err != nil {
		t.Fatal(err)
	}
	if err := e.store.WriteClean("BTCUSDT", 15, rows); err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(map[string]any{"symbol": "BTCUSDT", "months": 1})
	resp, err := http.Post(e.srv.URL+"/api/pipeline/prepare_train", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		OK    bool `json:"ok"`
		Steps []struct {
			Step  string `json:"step"`
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"steps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.OK {
		t.Fatal("pipeline succeeded despite unfillable gap")
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
	last := out.Steps[len(out.Steps)-1]
	if last.Step != "fill_gaps_15m" || last.Error != "gaps_remain" {
		t.Errorf("last step = %+v", last)
	}
}
