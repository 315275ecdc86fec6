// Package api is the HTTP control plane: backfill, training, inference,
// model state, hydration queue and the orchestrated prepare_train pipeline,
// plus a WebSocket event stream and Prometheus exposition.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/hydrate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/infer"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/journal"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/metrics"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/modelstate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/pipeline"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/policy"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/store/candle"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/telemetry"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"
)

// Deps carries everything the control plane serves. Journal and Telemetry
// are optional; Prom and Hub may be nil in tests.
type Deps struct {
	Store     *candle.Store
	State     *modelstate.State
	Queue     *hydrate.Queue
	Trainer   *train.Trainer
	Pipeline  *pipeline.Orchestrator
	Engine    *infer.Engine
	Journal   *journal.Journal
	Telemetry *telemetry.Publisher
	Prom      *metrics.Metrics
	Hub       *Hub
	Log       *slog.Logger
}

// Server holds the handler dependencies.
type Server struct {
	d     Deps
	start time.Time
}

// New creates a Server.
func New(d Deps) *Server {
	return &Server{d: d, start: time.Now()}
}

// SetCORS sets the permissive CORS headers used by every REST endpoint.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Routes builds the ServeMux with every endpoint registered.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	s.handle(mux, "/health", s.handleHealth)
	s.handle(mux, "/api/backfill", s.handleBackfill)
	s.handle(mux, "/api/train", s.handleTrain)
	s.handle(mux, "/api/infer", s.handleInfer)
	s.handle(mux, "/api/model", s.handleModel)
	s.handle(mux, "/api/model/set", s.handleModelSet)
	s.handle(mux, "/api/health/ai", s.handleHealthAI)
	s.handle(mux, "/api/symbol/hydrate", s.handleHydrate)
	s.handle(mux, "/api/symbol/status", s.handleStatus)
	s.handle(mux, "/api/symbol/task", s.handleTask)
	s.handle(mux, "/api/symbol/metrics", s.handleQueueMetrics)
	s.handle(mux, "/api/symbol/history", s.handleHistory)
	s.handle(mux, "/api/pipeline/prepare_train", s.handlePipeline)

	if s.d.Prom != nil {
		mux.Handle("/metrics", s.d.Prom.Handler())
	}
	if s.d.Hub != nil {
		mux.HandleFunc("/ws", s.d.Hub.HandleWS)
	}
	return mux
}

// statusRecorder captures the status code for request accounting.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		if s.d.Prom != nil {
			s.d.Prom.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}

// writeOpError maps error kinds onto HTTP statuses: missing data is a caller
// error, a missing or invalid model and scoring failures are server errors.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotEnoughData):
		writeError(w, http.StatusBadRequest, "not_enough_data")
	case errors.Is(err, infer.ErrNoPolicy):
		writeError(w, http.StatusInternalServerError, "model_not_found")
	case errors.Is(err, infer.ErrScoring15), errors.Is(err, policy.ErrScoringFailed),
		errors.Is(err, policy.ErrDimensionMismatch), errors.Is(err, policy.ErrFeaturesEmpty):
		writeError(w, http.StatusInternalServerError, "policy_scoring_failed")
	default:
		writeJSON(w, http.StatusInternalServerError,
			map[string]any{"ok": false, "error": "internal_exception", "what": err.Error()})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return false
	}
	return true
}
