package model

// SchemaPPOProV1 tags every artifact written by the trainer. Loaders reject
// any other schema.
const SchemaPPOProV1 = "ppo_pro_v1"

// MinArtifactVersion is the lowest artifact version accepted at load time.
// Version 0 artifacts predate the norm block and are rejected.
const MinArtifactVersion = 1

// Norm carries per-feature standardization parameters embedded in a trained
// policy. Sd entries are guaranteed > 0 by the trainer (values under epsilon
// are replaced by 1).
type Norm struct {
	Mu []float64 `json:"mu"`
	Sd []float64 `json:"sd"`
}

// WellFormed reports whether the norm block matches the given feature
// dimension and has strictly positive deviations.
func (n *Norm) WellFormed(featDim int) bool {
	if n == nil || len(n.Mu) != featDim || len(n.Sd) != featDim {
		return false
	}
	for _, sd := range n.Sd {
		if !(sd > 0) {
			return false
		}
	}
	return true
}

// Policy is the affine-plus-tanh scorer: score = tanh(W·x + b).
type Policy struct {
	FeatDim int       `json:"feat_dim"`
	W       []float64 `json:"W"`
	B       []float64 `json:"b"`
	Norm    *Norm     `json:"norm,omitempty"`
}

// WellFormed reports whether W matches FeatDim and b is a single scalar.
func (p *Policy) WellFormed() bool {
	return p != nil && p.FeatDim > 0 && len(p.W) == p.FeatDim && len(p.B) == 1
}

// OOSSummary is the out-of-sample metric block written by the trainer.
type OOSSummary struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Accuracy float64 `json:"accuracy"`
	Equity   float64 `json:"equity"`
	MaxDD    float64 `json:"max_dd"`
	Sharpe   float64 `json:"sharpe"`
}

// Artifact is the persisted model record. It is written atomically by the
// trainer and replaced wholesale on retrain — never mutated in place.
type Artifact struct {
	OK            bool        `json:"ok"`
	Version       int         `json:"version"`
	Schema        string      `json:"schema"`
	Symbol        string      `json:"symbol"`
	Interval      string      `json:"interval"`
	Mode          string      `json:"mode,omitempty"`
	BuildTS       int64       `json:"build_ts"`
	MALen         int         `json:"ma_len"`
	BestThr       float64     `json:"best_thr"`
	TP            float64     `json:"tp"`
	SL            float64     `json:"sl"`
	Policy        *Policy     `json:"policy"`
	OOS           *OOSSummary `json:"oos_summary,omitempty"`
	TrainRowsUsed int         `json:"train_rows_used,omitempty"`
}

// Valid reports whether the artifact is acceptable as the current model:
// ok flag set, schema and version recognized, policy well-formed and the
// decision threshold inside (0, 1).
func (a *Artifact) Valid() bool {
	if a == nil || !a.OK {
		return false
	}
	if a.Schema != SchemaPPOProV1 || a.Version < MinArtifactVersion {
		return false
	}
	if !a.Policy.WellFormed() {
		return false
	}
	return a.BestThr > 0 && a.BestThr < 1 && a.MALen >= 1
}
