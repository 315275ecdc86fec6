// Package modelstate holds the process-wide current model: an immutable
// artifact snapshot behind an atomic value plus three derived atomics for
// cheap scalar reads.
//
// Readers take a consistent snapshot with a single atomic load; writers
// serialize on a mutex, swap the record, and only then publish the derived
// atomics. The atomics may transiently lead or trail the record, which is why
// anything needing cross-field consistency must go through Snapshot.
package modelstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
)

// Safe defaults installed when no valid artifact exists on disk.
const (
	DefaultThr     = 0.38
	DefaultMALen   = 12
	DefaultFeatDim = 28
)

// Snapshot is the immutable record swapped wholesale on every model change.
type Snapshot struct {
	Artifact *model.Artifact
	Thr      float64
	MALen    int
	FeatDim  int
}

// State is the process-wide model holder.
type State struct {
	mu  sync.Mutex // serializes writers
	cur atomic.Value

	thrBits atomic.Uint64
	maLen   atomic.Int64
	featDim atomic.Int64
}

// New returns a State carrying the safe defaults and an empty artifact.
func New() *State {
	s := &State{}
	s.install(&Snapshot{
		Artifact: &model.Artifact{},
		Thr:      DefaultThr,
		MALen:    DefaultMALen,
		FeatDim:  DefaultFeatDim,
	})
	return s
}

func (s *State) install(snap *Snapshot) {
	s.cur.Store(snap)
	s.thrBits.Store(math.Float64bits(snap.Thr))
	s.maLen.Store(int64(snap.MALen))
	s.featDim.Store(int64(snap.FeatDim))
}

// Snapshot returns the current immutable record. Callers must not mutate the
// artifact it carries.
func (s *State) Snapshot() *Snapshot {
	return s.cur.Load().(*Snapshot)
}

// Thr returns the derived threshold atomic.
func (s *State) Thr() float64 { return math.Float64frombits(s.thrBits.Load()) }

// MALen returns the derived ma_len atomic.
func (s *State) MALen() int { return int(s.maLen.Load()) }

// FeatDim returns the derived feat_dim atomic.
func (s *State) FeatDim() int { return int(s.featDim.Load()) }

// Install replaces the current model with a freshly trained artifact.
// Invalid artifacts are rejected.
func (s *State) Install(a *model.Artifact) error {
	if !a.Valid() {
		return fmt.Errorf("modelstate: refusing invalid artifact")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(&Snapshot{
		Artifact: a,
		Thr:      a.BestThr,
		MALen:    a.MALen,
		FeatDim:  a.Policy.FeatDim,
	})
	return nil
}

// Override applies a partial update (nil fields untouched) by rebuilding the
// record around a copied artifact. Returns the field names that changed.
func (s *State) Override(thr *float64, maLen, featDim *int, tp, sl *float64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Snapshot()
	artCopy := *prev.Artifact
	next := &Snapshot{
		Artifact: &artCopy,
		Thr:      prev.Thr,
		MALen:    prev.MALen,
		FeatDim:  prev.FeatDim,
	}

	var applied []string
	if thr != nil && *thr > 0 && *thr < 1 {
		next.Thr = *thr
		artCopy.BestThr = *thr
		applied = append(applied, "thr")
	}
	if maLen != nil && *maLen >= 1 {
		next.MALen = *maLen
		artCopy.MALen = *maLen
		applied = append(applied, "ma_len")
	}
	if featDim != nil && *featDim > 0 {
		next.FeatDim = *featDim
		applied = append(applied, "feat_dim")
	}
	if tp != nil && *tp >= 0 && *tp <= 1 {
		artCopy.TP = *tp
		applied = append(applied, "tp")
	}
	if sl != nil && *sl >= 0 && *sl <= 1 {
		artCopy.SL = *sl
		applied = append(applied, "sl")
	}
	s.install(next)
	return applied
}

// ReadArtifact loads and validates a model artifact from disk.
func ReadArtifact(path string) (*model.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelstate: read %s: %w", path, err)
	}
	var a model.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("modelstate: decode %s: %w", path, err)
	}
	if !a.Valid() {
		return nil, fmt.Errorf("modelstate: artifact %s failed validation", path)
	}
	return &a, nil
}

// WriteArtifact persists an artifact atomically (temp file plus rename) so a
// crash mid-write never leaves a truncated model on disk.
func WriteArtifact(path string, a *model.Artifact) error {
	data, err := json.MarshalIndent(a, "", " ")
	if err != nil {
		return fmt.Errorf("modelstate: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("modelstate: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("modelstate: rename %s: %w", path, err)
	}
	return nil
}

// InitFromDisk loads the artifact at path into the state. Missing or
// malformed files keep the safe defaults; that is a startup condition, not an
// error.
func (s *State) InitFromDisk(path string, log *slog.Logger) {
	a, err := ReadArtifact(path)
	if err != nil {
		log.Info("no usable model on disk, keeping defaults",
			slog.String("path", path), slog.String("reason", err.Error()))
		return
	}
	if err := s.Install(a); err != nil {
		log.Warn("model on disk rejected", slog.String("path", path))
		return
	}
	log.Info("model loaded",
		slog.String("symbol", a.Symbol),
		slog.String("interval", a.Interval),
		slog.Float64("best_thr", a.BestThr),
		slog.Int("feat_dim", a.Policy.FeatDim))
}
