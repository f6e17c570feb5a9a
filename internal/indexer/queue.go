package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrQueueStopped is returned when enqueueing onto a stopped Queue
var ErrQueueStopped = errors.New("indexing queue stopped")

// Task is one unit of background indexing work
type Task func(ctx context.Context) error

type queuedTask struct {
	name string
	fn   Task
	done chan error
}

type lane struct {
	pending []queuedTask
	running bool
}

// Queue runs background tasks per workspace. Tasks of one workspace run one
// at a time in submission order; different workspaces run concurrently.
// Each workspace holds a goroutine only while it has work.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool
}

// NewQueue creates a running queue
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		lanes:  make(map[string]*lane),
	}
}

// Enqueue schedules fn for workspace id. The returned channel receives the
// task's result once it has run, or ErrQueueStopped if it never will.
func (q *Queue) Enqueue(id, name string, fn Task) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}

	l, ok := q.lanes[id]
	if !ok {
		l = &lane{}
		q.lanes[id] = l
	}
	t := queuedTask{name: name, fn: fn, done: make(chan error, 1)}
	l.pending = append(l.pending, t)

	if !l.running {
		l.running = true
		q.wg.Add(1)
		go q.drain(id, l)
	}
	return t.done, nil
}

// Pending returns the number of tasks of id not yet started
func (q *Queue) Pending(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[id]; ok {
		return len(l.pending)
	}
	return 0
}

func (q *Queue) drain(id string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.pending) == 0 || q.ctx.Err() != nil {
			for _, t := range l.pending {
				t.done <- ErrQueueStopped
			}
			l.pending = nil
			l.running = false
			delete(q.lanes, id)
			q.mu.Unlock()
			return
		}
		t := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		err := t.fn(q.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("index.task_failed", "workspace", id, "task", t.name, "error", err)
		}
		t.done <- err
	}
}

// Stop cancels the in-flight tasks, drops the pending ones and waits for
// every workspace goroutine to exit
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
