package model

// Signal is the gated trading direction produced by inference.
type Signal string

const (
	SignalLong    Signal = "LONG"
	SignalShort   Signal = "SHORT"
	SignalNeutral Signal = "NEUTRAL"
)

// HTFRecord describes how one higher timeframe contributed to an inference.
type HTFRecord struct {
	Present bool    `json:"present"`
	Score   float64 `json:"score"`
	Agree   bool    `json:"agree"`
	Eps     float64 `json:"eps"`
	Strong  bool    `json:"strong"`
}

// InferResult is the typed outcome of a multi-timeframe inference. HTF keys
// are canonical interval strings ("60", "240", "1440").
type InferResult struct {
	Score15      float64              `json:"score15"`
	UsedNorm     bool                 `json:"used_norm"`
	HTF          map[string]HTFRecord `json:"htf"`
	WctxHTF      float64              `json:"wctx_htf"`
	Weighted     float64              `json:"a_w"`
	Thr          float64              `json:"thr"`
	Signal       Signal               `json:"signal"`
	Sigma        float64              `json:"sigma"`
	VolThreshold float64              `json:"vol_threshold"`
}

// BackfillStats summarizes one backfill run for a (symbol, interval) pair.
type BackfillStats struct {
	OK          bool   `json:"ok"`
	Rows        int    `json:"rows"`
	FetchedRows int    `json:"fetched_rows"`
	SkippedRows int    `json:"skipped_rows"`
	Error       string `json:"error,omitempty"`
}
