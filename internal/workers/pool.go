package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Pool runs blocking storage work off the request path. At most Size tasks run at once;
// submission never blocks the caller.
type Pool struct {
	Size        int
	TaskTimeout time.Duration
	Logger      *logrus.Logger

	once    sync.Once
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	base    context.Context
	cancel  context.CancelFunc
	pending atomic.Int64
	failed  atomic.Int64
}

func NewPool(size int, taskTimeout time.Duration, log *logrus.Logger) *Pool {
	p := &Pool{Size: size, TaskTimeout: taskTimeout, Logger: log}
	p.init()
	return p
}

func (p *Pool) init() {
	p.once.Do(func() {
		if p.Size <= 0 {
			p.Size = 5
		}
		if p.Logger == nil {
			p.Logger = logrus.New()
		}
		p.sem = semaphore.NewWeighted(int64(p.Size))
		p.base, p.cancel = context.WithCancel(context.Background())
	})
}

// Task is the handle for one submitted job.
type Task struct {
	Name string
	done chan struct{}
	err  error
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Err is only meaningful after Done is closed.
func (t *Task) Err() error { return t.err }

// Wait blocks until the task finishes or ctx ends. A ctx timeout does not stop the task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go schedules fn. The ctx passed to fn is detached from any request and bounded by
// TaskTimeout.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) *Task {
	p.init()
	t := &Task{Name: name, done: make(chan struct{})}
	p.wg.Add(1)
	p.pending.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)
		defer close(t.done)

		if err := p.sem.Acquire(p.base, 1); err != nil {
			t.err = err
			return
		}
		defer p.sem.Release(1)

		t.err = p.run(name, fn)
		if t.err != nil {
			p.failed.Add(1)
			p.Logger.WithError(t.err).WithField("task", name).Error("worker task failed")
		}
	}()
	return t
}

func (p *Pool) run(name string, fn func(ctx context.Context) error) (err error) {
	ctx := p.base
	if p.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// Pending counts tasks submitted but not yet finished.
func (p *Pool) Pending() int64 { return p.pending.Load() }

func (p *Pool) Failed() int64 { return p.failed.Load() }

// Drain waits for every submitted task, including ones submitted while draining.
func (p *Pool) Drain(ctx context.Context) error {
	p.init()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the context handed to running and queued tasks. Call it after Drain.
func (p *Pool) Stop() {
	p.init()
	p.cancel()
}
