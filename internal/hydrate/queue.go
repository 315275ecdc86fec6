// Package hydrate runs candle backfills through a single-worker FIFO queue.
//
// HTTP handlers enqueue and poll; all exchange I/O happens on the worker
// goroutine, never on a request thread. Tasks move queued → running →
// (done | failed) and are immutable once terminal. Enqueue order is start
// order: with one worker that is the service's ordering guarantee.
package hydrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/metrics"
	"github.com/Erlaiden/edge-trader-server-pro-sub000/internal/model"
)

// State is a hydration task's lifecycle state.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// ErrInvalidInterval is recorded on tasks whose interval cannot be resolved.
const ErrInvalidInterval = "invalid_interval"

// Task is one unit of hydration work. All fields are frozen once the task
// reaches a terminal state; accessors return copies.
type Task struct {
	ID         uint64              `json:"id"`
	Symbol     string              `json:"symbol"`
	Interval   string              `json:"interval"`
	Months     int                 `json:"months"`
	State      State               `json:"state"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Error      string              `json:"error,omitempty"`
	Backfill   model.BackfillStats `json:"backfill"`
}

// ExecutorFunc performs the actual backfill. Tests swap it for a stub.
type ExecutorFunc func(ctx context.Context, symbol string, tf, months int) model.BackfillStats

// Journal receives terminal tasks for durable record keeping. Optional.
type Journal interface {
	RecordTask(Task)
}

// Counters is the JSON shape served by /api/symbol/metrics.
type Counters struct {
	EnqueuedTotal  uint64 `json:"enqueued_total"`
	Running        int    `json:"running"`
	SucceededTotal uint64 `json:"succeeded_total"`
	FailedTotal    uint64 `json:"failed_total"`
	QueueLength    int    `json:"queue_length"`
}

// Queue is the single-worker hydration queue.
type Queue struct {
	exec    ExecutorFunc
	prom    *metrics.Metrics
	log     *slog.Logger
	journal Journal
	onEvent func(Task)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []uint64
	tasks   map[uint64]*Task
	nextID  uint64
	running bool
	stopped bool

	enqTotal  uint64
	okTotal   uint64
	failTotal uint64

	done chan struct{}
}

// New creates a Queue. prom may be nil (tests).
func New(exec ExecutorFunc, log *slog.Logger, prom *metrics.Metrics) *Queue {
	q := &Queue{
		exec:  exec,
		prom:  prom,
		log:   log,
		tasks: make(map[uint64]*Task),
		done:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetExecutor swaps the backfill function. Call before Start.
func (q *Queue) SetExecutor(exec ExecutorFunc) { q.exec = exec }

// SetJournal attaches an optional terminal-task journal. Call before Start.
func (q *Queue) SetJournal(j Journal) { q.journal = j }

// SetEventHook attaches an optional state-transition listener (WS fan-out).
// Call before Start.
func (q *Queue) SetEventHook(fn func(Task)) { q.onEvent = fn }

// Start launches the worker goroutine. ctx is handed to every executor call;
// cancelling it aborts the in-flight backfill at its next I/O.
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)
}

// Stop sets the stop flag and waits for the worker to exit. The running task
// finishes (or aborts via ctx); queued tasks stay queued and are discarded
// with the process.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

// Enqueue accepts a hydration request. Unresolvable intervals fail fast: the
// returned task is already terminal with error "invalid_interval".
func (q *Queue) Enqueue(symbol, interval string, months int) Task {
	symbol = model.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	q.mu.Lock()
	q.nextID++
	t := &Task{
		ID:         q.nextID,
		Symbol:     symbol,
		Interval:   interval,
		Months:     months,
		State:      StateQueued,
		EnqueuedAt: now,
	}

	if canonical, ok := model.ParseInterval(interval); ok {
		t.Interval = model.IntervalKey(canonical)
		q.tasks[t.ID] = t
		q.pending = append(q.pending, t.ID)
		q.enqTotal++
		if q.prom != nil {
			q.prom.TasksEnqueued.Inc()
			q.prom.QueueLength.Set(float64(len(q.pending)))
		}
		snap := *t
		q.mu.Unlock()
		q.cond.Broadcast()
		q.emit(snap)
		return snap
	}

	t.State = StateFailed
	t.Error = ErrInvalidInterval
	t.FinishedAt = &now
	q.tasks[t.ID] = t
	q.failTotal++
	if q.prom != nil {
		q.prom.TasksFailed.Inc()
	}
	snap := *t
	q.mu.Unlock()
	q.emit(snap)
	return snap
}

// WaitForIdle blocks until the queue is empty and no task is running.
// Test helper only.
func (q *Queue) WaitForIdle() {
	q.mu.Lock()
	for len(q.pending) > 0 || q.running {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// TaskByID returns a copy of the task with the given id.
func (q *Queue) TaskByID(id uint64) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks, optionally filtered by symbol and
// interval, oldest first.
func (q *Queue) Tasks(symbol, interval string) []Task {
	if symbol != "" {
		symbol = model.NormalizeSymbol(symbol)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for id := uint64(1); id <= q.nextID; id++ {
		t, ok := q.tasks[id]
		if !ok {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		if interval != "" && t.Interval != interval {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// Counters returns the queue metric snapshot.
func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	running := 0
	if q.running {
		running = 1
	}
	return Counters{
		EnqueuedTotal:  q.enqTotal,
		Running:        running,
		SucceededTotal: q.okTotal,
		FailedTotal:    q.failTotal,
		QueueLength:    len(q.pending),
	}
}

func (q *Queue) emit(t Task) {
	if q.onEvent != nil {
		q.onEvent(t)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}

		id := q.pending[0]
		q.pending = q.pending[1:]
		t := q.tasks[id]
		started := time.Now().UTC()
		t.State = StateRunning
		t.StartedAt = &started
		q.running = true
		if q.prom != nil {
			q.prom.QueueLength.Set(float64(len(q.pending)))
			q.prom.TasksRunning.Inc()
		}
		snap := *t
		q.mu.Unlock()
		q.emit(snap)

		tf, _ := model.ParseInterval(snap.Interval)
		begin := time.Now()
		stats := q.exec(ctx, snap.Symbol, tf, snap.Months)

		q.mu.Lock()
		finished := time.Now().UTC()
		t.FinishedAt = &finished
		t.Backfill = stats
		if stats.OK {
			t.State = StateDone
			q.okTotal++
		} else {
			t.State = StateFailed
			t.Error = stats.Error
			q.failTotal++
		}
		q.running = false
		if q.prom != nil {
			q.prom.TasksRunning.Dec()
			q.prom.BackfillDur.Observe(time.Since(begin).Seconds())
			if stats.OK {
				q.prom.TasksSucceeded.Inc()
			} else {
				q.prom.TasksFailed.Inc()
			}
		}
		term := *t
		q.mu.Unlock()

		q.emit(term)
		if q.journal != nil {
			q.journal.RecordTask(term)
		}
		q.log.Info("hydration task finished",
			slog.Uint64("id", term.ID),
			slog.String("symbol", term.Symbol),
			slog.String("interval", term.Interval),
			slog.String("state", string(term.State)),
			slog.Int("rows", term.Backfill.Rows))
		q.cond.Broadcast()
	}
}
