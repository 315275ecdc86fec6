// Package journal keeps a durable SQLite record of terminal hydration tasks
// and completed training runs. It backs GET /api/symbol/history and survives
// process restarts, unlike the in-memory queue state.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/hydrate"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/train"

	_ "github.com/mattn/go-sqlite3"
)

// Journal is a single-writer SQLite journal. It satisfies hydrate.Journal
// and train.TelemetrySink; both record methods are fire-and-forget (errors
// are logged, never propagated into the hot path).
type Journal struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// New opens (or creates) the journal database in WAL mode.
func New(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}

	// Single-writer connection pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	log.Printf("[journal] opened database at %s", dbPath)
	return &Journal{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hydration_tasks (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id      INTEGER NOT NULL,
			symbol       TEXT    NOT NULL,
			interval     TEXT    NOT NULL,
			months       INTEGER NOT NULL,
			state        TEXT    NOT NULL,
			error        TEXT,
			rows         INTEGER NOT NULL DEFAULT 0,
			fetched_rows INTEGER NOT NULL DEFAULT 0,
			skipped_rows INTEGER NOT NULL DEFAULT 0,
			enqueued_at  INTEGER NOT NULL,
			finished_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_hydration_symbol ON hydration_tasks (symbol, finished_at);

		CREATE TABLE IF NOT EXISTS train_runs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			best_thr   REAL    NOT NULL,
			rows_used  INTEGER NOT NULL,
			result     TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_train_symbol ON train_runs (symbol, created_at);
	`)
	return err
}

// RecordTask persists a terminal hydration task.
func (j *Journal) RecordTask(t hydrate.Task) {
	var finished int64
	if t.FinishedAt != nil {
		finished = t.FinishedAt.UnixMilli()
	}
	_, err := j.db.Exec(`
		INSERT INTO hydration_tasks
			(task_id, symbol, interval, months, state, error, rows, fetched_rows, skipped_rows, enqueued_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.Interval, t.Months, string(t.State), t.Error,
		t.Backfill.Rows, t.Backfill.FetchedRows, t.Backfill.SkippedRows,
		t.EnqueuedAt.UnixMilli(), finished)
	if err != nil {
		log.Printf("[journal] task insert error: %v", err)
	}
}

// RecordTrain persists a completed training run. The full typed result is
// kept as JSON alongside the queryable columns.
func (j *Journal) RecordTrain(symbol, interval string, res *train.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("[journal] train marshal error: %v", err)
		return
	}
	_, err = j.db.Exec(`
		INSERT INTO train_runs (symbol, interval, best_thr, rows_used, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, symbol, interval, res.BestThr, res.RowsUsed, string(data), time.Now().UnixMilli())
	if err != nil {
		log.Printf("[journal] train insert error: %v", err)
	}
}

// TaskRecord is one journaled hydration task as served by the history API.
type TaskRecord struct {
	TaskID      uint64 `json:"task_id"`
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	Months      int    `json:"months"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
	Rows        int    `json:"rows"`
	FetchedRows int    `json:"fetched_rows"`
	SkippedRows int    `json:"skipped_rows"`
	EnqueuedAt  int64  `json:"enqueued_at"`
	FinishedAt  int64  `json:"finished_at"`
}

// TrainRecord is one journaled training run.
type TrainRecord struct {
	Symbol    string        `json:"symbol"`
	Interval  string        `json:"interval"`
	BestThr   float64       `json:"best_thr"`
	RowsUsed  int           `json:"rows_used"`
	Result    *train.Result `json:"result,omitempty"`
	CreatedAt int64         `json:"created_at"`
}

// TaskHistory returns the most recent journaled tasks, newest first,
// optionally filtered by symbol. limit <= 0 defaults to 50.
func (j *Journal) TaskHistory(symbol string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if symbol != "" {
		symbol = model.NormalizeSymbol(symbol)
	}
	rows, err := j.db.Query(`
		SELECT task_id, symbol, interval, months, state, error, rows, fetched_rows, skipped_rows, enqueued_at, finished_at
		FROM hydration_tasks
		WHERE (? = '' OR symbol = ?)
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var errStr sql.NullString
		if err := rows.Scan(&r.TaskID, &r.Symbol, &r.Interval, &r.Months, &r.State, &errStr,
			&r.Rows, &r.FetchedRows, &r.SkippedRows, &r.EnqueuedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("journal scan task: %w", err)
		}
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrainHistory returns the most recent training runs, newest first,
// optionally filtered by symbol. limit <= 0 defaults to 20.
func (j *Journal) TrainHistory(symbol string, limit int) ([]TrainRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if symbol != "" {
		symbol = model.NormalizeSymbol(symbol)
	}
	rows, err := j.db.Query(`
		SELECT symbol, interval, best_thr, rows_used, result, created_at
		FROM train_runs
		WHERE (? = '' OR symbol = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query train runs: %w", err)
	}
	defer rows.Close()

	var out []TrainRecord
	for rows.Next() {
		var r TrainRecord
		var data string
		if err := rows.Scan(&r.Symbol, &r.Interval, &r.BestThr, &r.RowsUsed, &data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal scan train run: %w", err)
		}
		var res train.Result
		if err := json.Unmarshal([]byte(data), &res); err == nil {
			r.Result = &res
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
