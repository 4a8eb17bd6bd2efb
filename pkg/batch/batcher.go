package batch

import (
	"context"
	"sync"
	"time"
)

// Batcher collects items and hands them to process in batches, either
// when batchSize items are pending or every batchInterval.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	process       func(ctx context.Context, items []T) error
	onError       func(err error, items []T)

	mu      sync.Mutex
	pending []T

	flushChan chan struct{}
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// New starts a batcher. onError may be nil.
func New[T any](batchSize int, batchInterval time.Duration, process func(context.Context, []T) error, onError func(error, []T)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		process:       process,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item. It never blocks on processing.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	err := b.process(ctx, items)
	if err != nil && b.onError != nil {
		b.onError(err, items)
	}
	return err
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop flushes what is pending and waits for it to be processed.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.done
}

// Pending returns the number of queued items
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
