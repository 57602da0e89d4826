package workitem

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type poolTask struct {
	name string
	fn   func(ctx context.Context)
}

// Pool runs fire-and-forget tasks on a fixed number of workers with a
// bounded buffer. Tasks never block the submitter: when the buffer is full
// the task is dropped and counted.
type Pool struct {
	Logger         *slog.Logger
	TaskTimeout    time.Duration
	ObserveDropped func(name string)

	mu      sync.RWMutex
	closed  bool
	tasks   chan poolTask
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewPool(workers, buffer int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	p := &Pool{
		Logger:      logger,
		TaskTimeout: 30 * time.Second,
		tasks:       make(chan poolTask, buffer),
	}
	for range workers {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Go submits fn. It reports false when the task was dropped.
func (p *Pool) Go(name string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(name)
		return false
	}
	select {
	case p.tasks <- poolTask{name: name, fn: fn}:
		return true
	default:
		p.drop(name)
		return false
	}
}

func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to
// expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

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

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t poolTask) {
	ctx := context.Background()
	if p.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger().Error("background_task_panic",
				slog.String("task", t.name),
				slog.Any("panic", r),
			)
		}
	}()
	t.fn(ctx)
}

func (p *Pool) drop(name string) {
	p.dropped.Add(1)
	p.logger().Warn("background_task_dropped", slog.String("task", name))
	if p.ObserveDropped != nil {
		p.ObserveDropped(name)
	}
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
