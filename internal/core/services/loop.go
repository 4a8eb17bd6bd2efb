package services

import (
	"context"
	"sync"

	"callmesh/internal/core/domain"
)

// eventLoop serializes all work on a call session onto one goroutine. The
// queue is unbounded so platform callbacks never block.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if l.stopped {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// post enqueues fn and reports whether the loop accepted it.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for its result. It must not be used
// from the loop goroutine. If ctx ends before fn starts, fn is skipped;
// once fn has started, call waits for it to finish.
func (l *eventLoop) call(ctx context.Context, fn func() error) error {
	var (
		mu        sync.Mutex
		started   bool
		abandoned bool
	)
	result := make(chan error, 1)
	if !l.post(func() {
		mu.Lock()
		if abandoned || ctx.Err() != nil {
			abandoned = true
			mu.Unlock()
			return
		}
		started = true
		mu.Unlock()
		result <- fn()
	}) {
		return domain.ErrSessionEnded
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
	case <-ctx.Done():
		mu.Lock()
		if !started {
			abandoned = true
			mu.Unlock()
			return ctx.Err()
		}
		mu.Unlock()
	}

	// fn started, or the loop stopped: the loop only exits between tasks
	select {
	case err := <-result:
		return err
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			return ctx.Err()
		}
		return domain.ErrSessionEnded
	}
}

// stop discards pending work once the running task returns.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *eventLoop) stoppedCh() <-chan struct{} {
	return l.done
}
