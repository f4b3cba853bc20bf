package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs callbacks on the engine's single loop goroutine and
// dispatches blocking work to a bounded worker pool.
type Scheduler interface {
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())

	// AfterFunc runs fn on the loop after d unless the returned timer is
	// stopped first. Must be called on the loop.
	AfterFunc(d time.Duration, fn func()) Timer

	// Go runs task on a worker. A non-nil continuation returned by task is
	// posted back to the loop.
	Go(task func(ctx context.Context) func())
}

// Timer is a cancellable loop timer. Stop must be called on the loop and
// guarantees the callback will not run.
type Timer interface {
	Stop()
}

// async runs work on a worker and delivers its result to done on the loop.
func async[T any](s Scheduler, work func(ctx context.Context) (T, error), done func(T, error)) {
	s.Go(func(ctx context.Context) func() {
		v, err := work(ctx)
		return func() { done(v, err) }
	})
}

// Loop is the production Scheduler.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	sem     *semaphore.Weighted
	workers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoop creates a loop whose worker pool runs at most workers tasks at once.
func NewLoop(workers int) *Loop {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		wake:   make(chan struct{}, 1),
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run executes posted callbacks in order until ctx is done, then cancels
// outstanding worker tasks and waits for them.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.cancel()
		l.workers.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() {
	t.stopped = true
	t.t.Stop()
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !lt.stopped {
				fn()
			}
		})
	})
	return lt
}

func (l *Loop) Go(task func(ctx context.Context) func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		if err := l.sem.Acquire(l.ctx, 1); err != nil {
			return
		}
		cont := task(l.ctx)
		l.sem.Release(1)
		if cont != nil {
			l.Post(cont)
		}
	}()
}
