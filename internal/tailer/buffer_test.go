package tailer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu     sync.Mutex
	lines  []int64
	errors []error
}

func (r *lineRecorder) record(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, n)
}

func (r *lineRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *lineRecorder) snapshot() ([]int64, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.lines...), append([]error(nil), r.errors...)
}

func pushLines(t *testing.T, b *LineBuffer, from, to int64) {
	t.Helper()
	for n := from; n <= to; n++ {
		require.NoError(t, b.Push(context.Background(), BufferedLine{LineNumber: n, ByteLength: 1}))
	}
}

func TestLineBufferKeepsOrder(t *testing.T) {
	rec := &lineRecorder{}
	b := NewLineBuffer(4, func(_ context.Context, line BufferedLine) error {
		time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
		rec.record(line.LineNumber)
		return nil
	}, rec.onError)

	pushLines(t, b, 1, 50)
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))

	lines, errs := rec.snapshot()
	require.Len(t, lines, 50)
	for i, n := range lines {
		assert.Equal(t, int64(i+1), n)
	}
	assert.Empty(t, errs)
	assert.Equal(t, 0, b.Len())
}

func TestLineBufferErrorsDoNotStopDrain(t *testing.T) {
	rec := &lineRecorder{}
	b := NewLineBuffer(10, func(_ context.Context, line BufferedLine) error {
		rec.record(line.LineNumber)
		switch line.LineNumber {
		case 2:
			return errors.New("bad line")
		case 3:
			panic("processor bug")
		}
		return nil
	}, rec.onError)

	pushLines(t, b, 1, 4)
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))

	lines, errs := rec.snapshot()
	assert.Equal(t, []int64{1, 2, 3, 4}, lines)
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "bad line")
	assert.Contains(t, errs[1].Error(), "panic while processing line 3")
}

func TestLineBufferSingleDrainGoroutine(t *testing.T) {
	var active, maxActive atomic.Int32
	b := NewLineBuffer(8, func(context.Context, BufferedLine) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		active.Add(-1)
		return nil
	}, func(error) {})

	for round := int64(0); round < 5; round++ {
		pushLines(t, b, round*20+1, round*20+20)
		if round%2 == 0 {
			require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
		}
	}
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestLineBufferDrainTimeout(t *testing.T) {
	rec := &lineRecorder{}
	b := NewLineBuffer(10, func(ctx context.Context, line BufferedLine) error {
		if line.LineNumber == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		rec.record(line.LineNumber)
		return nil
	}, rec.onError)

	pushLines(t, b, 1, 3)

	start := time.Now()
	err := b.DrainAll(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Contains(t, err.Error(), "discarded 3 lines")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, b.Len())

	// the stuck line gets its context cancelled
	require.Eventually(t, func() bool {
		_, errs := rec.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// a new generation works, discarded lines never show up
	pushLines(t, b, 10, 11)
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
	lines, errs := rec.snapshot()
	assert.Equal(t, []int64{10, 11}, lines)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestLineBufferNextGenerationWaitsForStuckLine(t *testing.T) {
	rec := &lineRecorder{}
	release := make(chan struct{})
	b := NewLineBuffer(10, func(_ context.Context, line BufferedLine) error {
		if line.LineNumber == 1 {
			<-release
		}
		rec.record(line.LineNumber)
		return nil
	}, rec.onError)

	pushLines(t, b, 1, 1)
	assert.ErrorIs(t, b.DrainAll(context.Background(), 100*time.Millisecond), ErrDrainTimeout)

	pushLines(t, b, 10, 11)
	time.Sleep(20 * time.Millisecond)
	lines, _ := rec.snapshot()
	assert.Empty(t, lines)

	close(release)
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
	lines, _ = rec.snapshot()
	assert.Equal(t, []int64{1, 10, 11}, lines)
}

func TestLineBufferStuckLineDoesNotBlockForever(t *testing.T) {
	rec := &lineRecorder{}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b := NewLineBuffer(10, func(_ context.Context, line BufferedLine) error {
		if line.LineNumber == 1 {
			<-release
		}
		rec.record(line.LineNumber)
		return nil
	}, rec.onError)

	pushLines(t, b, 1, 1)
	assert.ErrorIs(t, b.DrainAll(context.Background(), 30*time.Millisecond), ErrDrainTimeout)

	pushLines(t, b, 10, 11)
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
	lines, _ := rec.snapshot()
	assert.Equal(t, []int64{10, 11}, lines)
}

func TestLineBufferPushBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	rec := &lineRecorder{}
	b := NewLineBuffer(1, func(_ context.Context, line BufferedLine) error {
		if line.LineNumber == 1 {
			<-release
		}
		rec.record(line.LineNumber)
		return nil
	}, rec.onError)

	pushLines(t, b, 1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Push(ctx, BufferedLine{LineNumber: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, b.Len())

	close(release)
	require.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
	lines, _ := rec.snapshot()
	assert.Equal(t, []int64{1, 2}, lines)
}

func TestLineBufferDrainAllWhenIdle(t *testing.T) {
	b := NewLineBuffer(1, func(context.Context, BufferedLine) error { return nil }, func(error) {})
	assert.NoError(t, b.DrainAll(context.Background(), time.Millisecond))
}

func TestLineBufferDrainAllContext(t *testing.T) {
	release := make(chan struct{})
	b := NewLineBuffer(2, func(context.Context, BufferedLine) error {
		<-release
		return nil
	}, func(error) {})
	pushLines(t, b, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.DrainAll(ctx, time.Minute), context.Canceled)
	assert.Equal(t, 1, b.Len())

	close(release)
	assert.NoError(t, b.DrainAll(context.Background(), 5*time.Second))
}
