package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *recorder) process(_ context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	return nil
}

func (r *recorder) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	rec := &recorder{}
	b := New(3, time.Hour, rec.process, nil)
	defer b.Stop()

	for i := 1; i <= 3; i++ {
		b.Add(i)
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.snapshot()[0])
	assert.Zero(t, b.Pending())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	b := New(100, 20*time.Millisecond, rec.process, nil)
	defer b.Stop()

	b.Add(7)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{7}, rec.snapshot()[0])
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	rec := &recorder{}
	b := New(100, time.Hour, rec.process, nil)

	b.Add(1)
	b.Add(2)
	b.Stop()
	assert.Equal(t, [][]int{{1, 2}}, rec.snapshot())
	assert.NotPanics(t, b.Stop)
}

func TestBatcher_ReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	var failed []int
	b := New(100, time.Hour, func(context.Context, []int) error { return boom }, func(err error, items []int) {
		assert.ErrorIs(t, err, boom)
		failed = items
	})
	defer b.Stop()

	b.Add(5)
	assert.ErrorIs(t, b.Flush(context.Background()), boom)
	assert.Equal(t, []int{5}, failed)
	assert.NoError(t, b.Flush(context.Background()), "nothing pending")
}
