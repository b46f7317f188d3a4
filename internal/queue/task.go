package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Task is a one-off unit of work run on the scheduler's worker pool, for
// triggers that used to be detached background processes. It can be
// awaited and cancelled.
type Task struct {
	ID   string
	Name string

	fn     func(ctx context.Context) error
	done   chan struct{}
	once   sync.Once
	err    error
	mu     sync.Mutex
	cancel context.CancelFunc
	halted bool
}

// Submit queues fn on the worker pool and returns a handle to it.
func (s *Scheduler) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) (*Task, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	t := &Task{ID: uuid.New().String(), Name: name, fn: fn, done: make(chan struct{})}
	select {
	case s.tasks <- t:
		s.notify()
		return t, nil
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "queue: submit %s", name)
	}
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the task. A task that has not started yet never runs.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.halted = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Task) run(ctx context.Context) {
	t.mu.Lock()
	if t.halted {
		t.mu.Unlock()
		t.finish(context.Canceled)
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	defer t.cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = eris.Errorf("queue: task %s panic: %v", t.Name, r)
			}
		}()
		err = t.fn(ctx)
	}()
	t.finish(err)
}

func (t *Task) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}
