// Package candle implements the on-disk candle store: one canonical CSV per
// (symbol, timeframe) pair plus a "clean" variant guaranteed contiguous by
// the timeframe's bar width.
//
// Raw files are merged in place by the backfill executor; readers tolerate
// concurrent rewrites because every durable update goes through a temp file
// and an atomic rename.
package candle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
)

// ErrBadShape is returned when a candle file does not yield exactly six
// columns per row.
var ErrBadShape = errors.New("candle store: bad shape")

// Store resolves and manipulates candle CSV files under a root cache dir.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the layout
// (dir, dir/clean, dir/models, dir/logs, dir/xy) if missing.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"", "clean", "models", "logs", "xy"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("candle store: mkdir %s: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Path returns the raw CSV path for (symbol, tf minutes).
func (s *Store) Path(symbol string, tf int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.csv", symbol, tf))
}

// CleanPath returns the cleaned-variant CSV path for (symbol, tf minutes).
func (s *Store) CleanPath(symbol string, tf int) string {
	return filepath.Join(s.dir, "clean", fmt.Sprintf("%s_%d.csv", symbol, tf))
}

// ModelPath returns the model artifact path for (symbol, tf minutes).
func (s *Store) ModelPath(symbol string, tf int) string {
	return filepath.Join(s.dir, "models", fmt.Sprintf("%s_%d_ppo_pro.json", symbol, tf))
}

// TelemetryPath returns the rolling train-telemetry path.
func (s *Store) TelemetryPath() string {
	return filepath.Join(s.dir, "logs", "last_train_telemetry.json")
}

// XYPath returns the optional feature-cache path for component "X" or "y".
func (s *Store) XYPath(symbol string, tf int, component string) string {
	return filepath.Join(s.dir, "xy", fmt.Sprintf("%s_%d_%s.csv", symbol, tf, component))
}

// ParseTimestamp is the tolerant timestamp parser for the first CSV column.
// It accepts an optional UTF-8 BOM and surrounding whitespace. Returns false
// for anything that is not a plain decimal integer after trimming.
func ParseTimestamp(field string) (int64, bool) {
	field = strings.TrimPrefix(field, "\ufeff")
	field = strings.TrimSpace(field)
	if field == "" {
		return 0, false
	}
	ts, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Read parses the raw CSV for (symbol, tf) into a mapping from timestamp to
// the full original line. Lines whose first field is not a parseable integer
// are skipped and counted. Duplicate timestamps overwrite earlier lines.
// A missing or empty file yields an empty mapping and no error.
func (s *Store) Read(symbol string, tf int) (map[int64]string, int, error) {
	return ReadFile(s.Path(symbol, tf))
}

// ReadFile is Read for an explicit path.
func ReadFile(path string) (map[int64]string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]string{}, 0, nil
		}
		return nil, 0, fmt.Errorf("candle store: read %s: %w", path, err)
	}
	out := make(map[int64]string)
	skipped := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		first := line
		if i := strings.IndexByte(line, ','); i >= 0 {
			first = line[:i]
		}
		ts, ok := ParseTimestamp(first)
		if !ok {
			skipped++
			continue
		}
		out[ts] = line
	}
	return out, skipped, nil
}

// Write rewrites the raw CSV for (symbol, tf) with the given lines in
// ascending timestamp order. The write goes through a temp file and rename
// so readers never observe a partial file.
func (s *Store) Write(symbol string, tf int, rows map[int64]string) error {
	return writeLines(s.Path(symbol, tf), rows, false)
}

// WriteClean rewrites the clean variant, trimming every line to its first
// six columns.
func (s *Store) WriteClean(symbol string, tf int, rows map[int64]string) error {
	return writeLines(s.CleanPath(symbol, tf), rows, true)
}

func writeLines(path string, rows map[int64]string, trimSix bool) error {
	keys := make([]int64, 0, len(rows))
	for ts := range rows {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var b strings.Builder
	for _, ts := range keys {
		line := rows[ts]
		if trimSix {
			fields := strings.Split(line, ",")
			if len(fields) > 6 {
				line = strings.Join(fields[:6], ",")
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("candle store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("candle store: rename %s: %w", path, err)
	}
	return nil
}

// LoadOHLCV loads the numeric [N x 6] candle matrix for (symbol, tf).
// The clean variant is preferred; the raw file is the fallback. Raw lines
// carrying a seventh column are trimmed to six. Lines with fewer than six
// columns fail with ErrBadShape.
func (s *Store) LoadOHLCV(symbol string, tf int) ([][]float64, error) {
	path := s.CleanPath(symbol, tf)
	if _, err := os.Stat(path); err != nil {
		path = s.Path(symbol, tf)
	}
	rows, _, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	keys := make([]int64, 0, len(rows))
	for ts := range rows {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([][]float64, 0, len(keys))
	for _, ts := range keys {
		fields := strings.Split(rows[ts], ",")
		if len(fields) > 6 {
			fields = fields[:6]
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("%w: %d columns in %s", ErrBadShape, len(fields), filepath.Base(path))
		}
		row := make([]float64, 6)
		row[0] = float64(ts)
		ok := true
		for j := 1; j < 6; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[j]), 64)
			if err != nil {
				ok = false
				break
			}
			row[j] = v
		}
		if !ok {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// HasGaps reports whether any adjacent pair of timestamps in the file at
// path differs from the bar width of tf minutes. Files with fewer than two
// rows have no gaps.
func HasGaps(path string, tf int) (bool, error) {
	rows, _, err := ReadFile(path)
	if err != nil {
		return false, err
	}
	if len(rows) < 2 {
		return false, nil
	}
	keys := make([]int64, 0, len(rows))
	for ts := range rows {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	frame := model.IntervalMillis(tf)
	for i := 1; i < len(keys); i++ {
		if keys[i]-keys[i-1] != frame {
			return true, nil
		}
	}
	return false, nil
}
