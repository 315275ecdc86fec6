package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/hydrate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/infer"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/modelstate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/pipeline"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"
)

const defaultHydrateMonths = 3

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	symbol := model.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		symbol = s.d.State.Snapshot().Artifact.Symbol
	}
	if symbol == "" {
		symbol = "BTCUSDT"
	}
	rows := make(map[string]int, len(model.CanonicalIntervals))
	for _, tf := range model.CanonicalIntervals {
		n := 0
		if m, err := s.d.Store.LoadOHLCV(symbol, tf); err == nil {
			n = len(m)
		}
		rows[model.IntervalKey(tf)] = n
	}
	resp := map[string]any{
		"ok":        true,
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"uptime_s":  int64(time.Since(s.start).Seconds()),
		"symbol":    symbol,
		"data_rows": rows,
	}
	if s.d.Hub != nil {
		resp["ws_clients"] = s.d.Hub.ClientCount()
	}
	if s.d.Journal != nil {
		resp["journal"] = s.d.Journal.DB().Ping() == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBackfill enqueues hydration tasks for the requested timeframes; the
// fetch itself runs on the queue worker, never on this request goroutine.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Months int    `json:"months"`
		Which  string `json:"which"`
	}
	q := r.URL.Query()
	req.Symbol = q.Get("symbol")
	req.Months, _ = strconv.Atoi(q.Get("months"))
	req.Which = q.Get("which")
	if r.Method == http.MethodPost {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol_required")
		return
	}
	if req.Months <= 0 {
		req.Months = defaultHydrateMonths
	}

	var intervals []string
	if req.Which == "" {
		for _, tf := range model.CanonicalIntervals {
			intervals = append(intervals, model.IntervalKey(tf))
		}
	} else {
		for _, part := range strings.Split(req.Which, ",") {
			tf, ok := model.ParseInterval(part)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid_interval")
				return
			}
			intervals = append(intervals, model.IntervalKey(tf))
		}
	}

	health := make([]hydrate.Task, 0, len(intervals))
	for _, iv := range intervals {
		health = append(health, s.d.Queue.Enqueue(req.Symbol, iv, req.Months))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"symbol":    model.NormalizeSymbol(req.Symbol),
		"intervals": intervals,
		"health":    health,
	})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol    string  `json:"symbol"`
		Interval  string  `json:"interval"`
		Episodes  int     `json:"episodes"`
		TP        float64 `json:"tp"`
		SL        float64 `json:"sl"`
		MALen     int     `json:"ma"`
		Antimanip *bool   `json:"antimanip"`
	}
	if r.Method == http.MethodPost {
		if !decodeBody(w, r, &req) {
			return
		}
	} else {
		q := r.URL.Query()
		req.Symbol = q.Get("symbol")
		req.Interval = q.Get("interval")
		req.Episodes, _ = strconv.Atoi(q.Get("episodes"))
		req.TP, _ = strconv.ParseFloat(q.Get("tp"), 64)
		req.SL, _ = strconv.ParseFloat(q.Get("sl"), 64)
		req.MALen, _ = strconv.Atoi(q.Get("ma"))
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol_required")
		return
	}
	if req.Interval == "" {
		req.Interval = "15"
	}
	tf, ok := model.ParseInterval(req.Interval)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_interval")
		return
	}
	if req.Episodes <= 0 {
		req.Episodes = pipeline.DefaultEpisodes
	}
	if req.TP <= 0 {
		req.TP = pipeline.DefaultTP
	}
	if req.SL <= 0 {
		req.SL = pipeline.DefaultSL
	}
	if req.MALen <= 0 {
		req.MALen = pipeline.DefaultMALen
	}
	antimanip := true
	if req.Antimanip != nil {
		antimanip = *req.Antimanip
	}

	res, err := s.d.Trainer.Train(train.Request{
		Symbol:       req.Symbol,
		Interval:     tf,
		Episodes:     req.Episodes,
		TP:           req.TP,
		SL:           req.SL,
		MALen:        req.MALen,
		UseAntimanip: antimanip,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	if s.d.Hub != nil {
		s.d.Hub.Broadcast("train", map[string]any{
			"symbol":   model.NormalizeSymbol(req.Symbol),
			"interval": model.IntervalKey(tf),
			"best_thr": res.BestThr,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol   string  `json:"symbol"`
		Interval string  `json:"interval"`
		HTF      string  `json:"htf"`
		KATR     float64 `json:"k_atr"`
		Eps      float64 `json:"eps"`
	}
	q := r.URL.Query()
	req.Symbol = q.Get("symbol")
	req.Interval = q.Get("interval")
	req.HTF = q.Get("htf")
	req.KATR, _ = strconv.ParseFloat(q.Get("k_atr"), 64)
	req.Eps, _ = strconv.ParseFloat(q.Get("eps"), 64)
	if r.Method == http.MethodPost {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol_required")
		return
	}
	if req.Interval == "" {
		req.Interval = "15"
	}
	tf, ok := model.ParseInterval(req.Interval)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_interval")
		return
	}
	symbol := model.NormalizeSymbol(req.Symbol)

	wanted := model.HigherIntervals()
	if req.HTF != "" {
		wanted = wanted[:0]
		for _, part := range strings.Split(req.HTF, ",") {
			h, ok := model.ParseInterval(part)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid_interval")
				return
			}
			if h != tf {
				wanted = append(wanted, h)
			}
		}
	}

	raw15, err := s.d.Store.LoadOHLCV(symbol, tf)
	if err != nil {
		writeOpError(w, err)
		return
	}
	htf := make(map[string][][]float64, len(wanted))
	for _, h := range wanted {
		if m, err := s.d.Store.LoadOHLCV(symbol, h); err == nil && len(m) > 0 {
			htf[model.IntervalKey(h)] = m
		}
	}

	snap := s.d.State.Snapshot()
	begin := time.Now()
	res, err := s.d.Engine.MTF(raw15, snap.Artifact, htf)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if s.d.Prom != nil {
		s.d.Prom.InferDur.Observe(time.Since(begin).Seconds())
	}

	derived := infer.DeriveWith(res, raw15, snap.Artifact.TP, snap.Artifact.SL,
		infer.Options{KATR: req.KATR, Eps: req.Eps})
	s.d.Telemetry.PublishSignal(r.Context(), symbol, model.IntervalKey(tf), res)
	if s.d.Hub != nil {
		s.d.Hub.Broadcast("signal:"+symbol, map[string]any{
			"symbol":  symbol,
			"signal":  string(res.Signal),
			"a_w":     res.Weighted,
			"thr":     res.Thr,
			"mode":    derived.MarketMode,
			"conf":    derived.Confidence,
			"score15": res.Score15,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"symbol":         symbol,
		"interval":       model.IntervalKey(tf),
		"signal":         res.Signal,
		"score15":        res.Score15,
		"used_norm":      res.UsedNorm,
		"htf":            res.HTF,
		"wctx_htf":       res.WctxHTF,
		"a_w":            res.Weighted,
		"thr":            res.Thr,
		"tp":             snap.Artifact.TP,
		"sl":             snap.Artifact.SL,
		"sigma":          res.Sigma,
		"vol_threshold":  res.VolThreshold,
		"last_close":     derived.LastClose,
		"tp_price_long":  derived.TPPriceLong,
		"sl_price_long":  derived.SLPriceLong,
		"tp_price_short": derived.TPPriceShort,
		"sl_price_short": derived.SLPriceShort,
		"confidence":     derived.Confidence,
		"market_mode":    derived.MarketMode,
	})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	snap := s.d.State.Snapshot()
	art := snap.Artifact
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       art.Valid(),
		"best_thr": snap.Thr,
		"ma_len":   snap.MALen,
		"feat_dim": snap.FeatDim,
		"symbol":   art.Symbol,
		"interval": art.Interval,
		"schema":   art.Schema,
		"mode":     art.Mode,
	})
}

func (s *Server) handleModelSet(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	var req struct {
		Thr     *float64 `json:"thr"`
		MALen   *int     `json:"ma_len"`
		FeatDim *int     `json:"feat_dim"`
		TP      *float64 `json:"tp"`
		SL      *float64 `json:"sl"`
		Path    string   `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Path != "" {
		art, err := modelstate.ReadArtifact(req.Path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "model_not_found")
			return
		}
		if err := s.d.State.Install(art); err != nil {
			writeError(w, http.StatusInternalServerError, "model_not_found")
			return
		}
	}

	applied := s.d.State.Override(req.Thr, req.MALen, req.FeatDim, req.TP, req.SL)
	if req.Path != "" {
		applied = append(applied, "path")
	}
	snap := s.d.State.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"applied": applied,
		"state": map[string]any{
			"thr":      snap.Thr,
			"ma_len":   snap.MALen,
			"feat_dim": snap.FeatDim,
		},
		"path": req.Path,
	})
}

func (s *Server) handleHealthAI(w http.ResponseWriter, r *http.Request) {
	snap := s.d.State.Snapshot()
	art := snap.Artifact
	symbol := model.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		symbol = art.Symbol
	}
	if symbol == "" {
		symbol = "BTCUSDT"
	}

	rows15 := 0
	if m, err := s.d.Store.LoadOHLCV(symbol, 15); err == nil {
		rows15 = len(m)
	}
	gaps := false
	if g, err := candle.HasGaps(s.d.Store.CleanPath(symbol, 15), 15); err == nil {
		gaps = g
	}
	context := map[string]int{}
	for _, h := range model.HigherIntervals() {
		n := 0
		if m, err := s.d.Store.LoadOHLCV(symbol, h); err == nil {
			n = len(m)
		}
		context[model.IntervalKey(h)] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": art.Valid() && rows15 >= pipeline.MinRows15 && !gaps,
		"model": map[string]any{
			"loaded":   art.Valid(),
			"symbol":   art.Symbol,
			"interval": art.Interval,
			"thr":      snap.Thr,
			"ma_len":   snap.MALen,
			"feat_dim": snap.FeatDim,
			"build_ts": art.BuildTS,
		},
		"data": map[string]any{
			"symbol":   symbol,
			"rows_15m": rows15,
			"gaps_15m": gaps,
		},
		"context": context,
	})
}

func (s *Server) handleHydrate(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	var req struct {
		Symbol    string   `json:"symbol"`
		Months    int      `json:"months"`
		Intervals []string `json:"intervals"`
		Tasks     []struct {
			Interval string `json:"interval"`
			Months   int    `json:"months"`
		} `json:"tasks"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol_required")
		return
	}
	if req.Months <= 0 {
		req.Months = defaultHydrateMonths
	}

	type spec struct {
		interval string
		months   int
	}
	var specs []spec
	for _, t := range req.Tasks {
		months := t.Months
		if months <= 0 {
			months = req.Months
		}
		specs = append(specs, spec{t.Interval, months})
	}
	for _, iv := range req.Intervals {
		specs = append(specs, spec{iv, req.Months})
	}
	if len(specs) == 0 {
		// Default: hydrate every canonical timeframe.
		for _, tf := range model.CanonicalIntervals {
			specs = append(specs, spec{model.IntervalKey(tf), req.Months})
		}
	}

	tasks := make([]hydrate.Task, 0, len(specs))
	for _, sp := range specs {
		tasks = append(tasks, s.d.Queue.Enqueue(req.Symbol, sp.interval, sp.months))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"symbol": model.NormalizeSymbol(req.Symbol),
		"tasks":  tasks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks := s.d.Queue.Tasks(r.URL.Query().Get("symbol"), r.URL.Query().Get("interval"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	task, ok := s.d.Queue.TaskByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Queue.Counters())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.d.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_disabled")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := s.d.Journal.TaskHistory(symbol, limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	runs, err := s.d.Journal.TrainHistory(symbol, limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"tasks":      tasks,
		"train_runs": runs,
	})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	var req pipeline.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol_required")
		return
	}
	res := s.d.Pipeline.PrepareTrain(r.Context(), req)
	writeJSON(w, res.Status, res)
}
