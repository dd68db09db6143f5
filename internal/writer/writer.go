// Package writer serializes every mutating operation of one open store onto
// a single worker goroutine bound to a single connection.
//
// Any number of goroutines may Submit, Run, or Barrier concurrently; tasks
// execute in strict FIFO submission order and none of the callers ever touch
// the connection directly. Task failures, including panics, are delivered to
// the submitter and never take down the worker.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrClosed matches submissions after Close.
var ErrClosed = errors.New("writer closed")

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vasodb_writer_queue_depth",
		Help: "Tasks waiting on the write serializer.",
	})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vasodb_writer_tasks_total",
		Help: "Write tasks executed, by outcome.",
	}, []string{"outcome"})
)

// Task runs on the worker goroutine with exclusive use of the connection.
type Task func(ctx context.Context, db *sql.DB) (any, error)

// Handle resolves asynchronously to a submitted task's result or error.
type Handle struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the task resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	ctx    context.Context
	task   Task
	handle *Handle
}

// Serializer owns the store's live connection and the worker that executes
// all mutations against it.
type Serializer struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	queue  []*job
	closed bool
	signal chan struct{} // buffered size 1; coalesces wakeups

	drained chan struct{} // closed when the worker exits
}

// New starts the worker for the given connection. The serializer owns db
// from this point; Close releases it.
func New(db *sql.DB) *Serializer {
	s := &Serializer{
		db:      db,
		logger:  slog.Default().With("component", "writer"),
		queue:   make([]*job, 0, 16),
		signal:  make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Submit enqueues a task and returns a handle resolving to its result.
// Fails immediately with ErrClosed after Close.
func (s *Serializer) Submit(ctx context.Context, task Task) (*Handle, error) {
	j := &job{ctx: ctx, task: task, handle: &Handle{done: make(chan struct{})}}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.queue = append(s.queue, j)
	queueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return j.handle, nil
}

// Run submits a task and blocks until it resolves, propagating its error.
func (s *Serializer) Run(ctx context.Context, task Task) (any, error) {
	h, err := s.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Barrier blocks until every previously submitted task has completed. The
// required synchronization point before taking a consistent snapshot.
func (s *Serializer) Barrier(ctx context.Context) error {
	_, err := s.Run(ctx, func(context.Context, *sql.DB) (any, error) {
		return nil, nil
	})
	return err
}

// Close stops accepting work, waits up to drainTimeout for queued tasks to
// finish (an in-flight task is never cancelled), then closes the owned
// connection. Safe to call more than once.
func (s *Serializer) Close(drainTimeout time.Duration) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}

	if alreadyClosed {
		return nil
	}

	var drainErr error
	select {
	case <-s.drained:
	case <-time.After(drainTimeout):
		drainErr = fmt.Errorf("writer close: drain timed out after %s", drainTimeout)
		s.logger.Warn("drain timeout; closing connection with tasks pending")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			if drainErr != nil {
				return errors.Join(drainErr, err)
			}
			return fmt.Errorf("writer close: %w", err)
		}
	}
	return drainErr
}

func (s *Serializer) loop() {
	defer close(s.drained)
	for {
		j, ok := s.next()
		if !ok {
			return
		}
		s.execute(j)
	}
}

// next dequeues the front job, blocking until one is available. Returns
// ok=false once the serializer is closed and the queue is empty.
func (s *Serializer) next() (*job, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil // release the job for GC
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
			}
			queueDepth.Set(float64(len(s.queue)))
			s.mu.Unlock()
			return j, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.signal
	}
}

// execute runs one task, converting a panic into an error delivered to the
// submitter. The worker itself never dies.
func (s *Serializer) execute(j *job) {
	defer close(j.handle.done)

	// A submitter that gave up (cancelled context) still gets a resolution,
	// but the task is skipped so a dead caller cannot mutate the store.
	if err := j.ctx.Err(); err != nil {
		j.handle.err = err
		tasksTotal.WithLabelValues("cancelled").Inc()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			j.handle.err = fmt.Errorf("write task panicked: %v", r)
			tasksTotal.WithLabelValues("panic").Inc()
			s.logger.Error("write task panic recovered", "panic", r)
		}
	}()

	j.handle.result, j.handle.err = j.task(j.ctx, s.db)
	if j.handle.err != nil {
		tasksTotal.WithLabelValues("error").Inc()
	} else {
		tasksTotal.WithLabelValues("ok").Inc()
	}
}
