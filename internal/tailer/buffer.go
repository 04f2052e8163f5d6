package tailer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LineBuffer is a bounded FIFO between the synchronous reader and the
// processor. At most one drain goroutine runs at a time; it is started by the
// first Push and exits once the queue is empty.
//
// After a drain timeout the next drain goroutine waits for the timed out one
// to return before it delivers anything, for at most the same timeout. Only a
// processor that ignores its context past that wait can see lines out of
// order.
//
// Push and DrainAll must be called from the same goroutine.
type LineBuffer struct {
	lines   chan BufferedLine
	kick    chan struct{}
	process func(ctx context.Context, line BufferedLine) error
	onError func(error)

	mu       sync.Mutex
	pending  int // queued plus in flight
	draining bool
	idle     chan struct{}
	done     chan struct{} // closed when the current drain goroutine returns
	gen      uint64

	// set after a drain timeout
	stale     chan struct{}
	staleWait time.Duration

	procCtx  context.Context
	cancel   context.CancelFunc
}

func NewLineBuffer(size int, process func(ctx context.Context, line BufferedLine) error, onError func(error)) *LineBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	idle := make(chan struct{})
	close(idle)

	ctx, cancel := context.WithCancel(context.Background())
	return &LineBuffer{
		lines:   make(chan BufferedLine, size),
		kick:    make(chan struct{}, 1),
		process: process,
		onError: onError,
		idle:    idle,
		procCtx: ctx,
		cancel:  cancel,
	}
}

// Push enqueues a line, blocking while the buffer is full. It returns the
// context error if ctx ends first, in which case the line was not queued.
func (b *LineBuffer) Push(ctx context.Context, line BufferedLine) error {
	b.mu.Lock()
	b.pending++
	if !b.draining {
		b.draining = true
		b.idle = make(chan struct{})
		b.done = make(chan struct{})
		go b.drain(b.gen, b.lines, b.kick, b.done, b.stale, b.staleWait)
		b.stale = nil
	}
	lines, kick, gen := b.lines, b.kick, b.gen
	b.mu.Unlock()

	select {
	case lines <- line:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.gen == gen && b.pending > 0 {
			b.pending--
		}
		b.mu.Unlock()
		select {
		case kick <- struct{}{}:
		default:
		}
		return ctx.Err()
	}
}

// Len returns the number of lines queued or being processed.
func (b *LineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// DrainAll waits until every queued line has been processed. After timeout
// the remaining lines are discarded, the in-flight processing context is
// cancelled and ErrDrainTimeout is returned. If ctx ends first DrainAll
// returns its error and leaves the queue untouched.
func (b *LineBuffer) DrainAll(ctx context.Context, timeout time.Duration) error {
	b.mu.Lock()
	if !b.draining {
		b.mu.Unlock()
		return nil
	}
	idle := b.idle
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.draining {
		return nil
	}

	// A timed out drain goroutine may still be stuck in the processor. It
	// keeps the old channels, so it can never take lines of the next
	// generation.
	discarded := b.pending
	b.stale = b.done
	b.staleWait = timeout
	b.lines = make(chan BufferedLine, cap(b.lines))
	b.kick = make(chan struct{}, 1)
	b.pending = 0
	b.gen++
	b.draining = false
	close(b.idle)

	b.cancel()
	b.procCtx, b.cancel = context.WithCancel(context.Background())

	return fmt.Errorf("%w after %s: discarded %d lines", ErrDrainTimeout, timeout, discarded)
}

func (b *LineBuffer) drain(gen uint64, lines <-chan BufferedLine, kick <-chan struct{}, done chan<- struct{}, stale <-chan struct{}, staleWait time.Duration) {
	defer close(done)

	if stale != nil {
		timer := time.NewTimer(staleWait)
		select {
		case <-stale:
		case <-timer.C:
		}
		timer.Stop()
	}

	for {
		b.mu.Lock()
		if b.gen != gen {
			b.mu.Unlock()
			return
		}
		if b.pending == 0 {
			b.draining = false
			close(b.idle)
			b.mu.Unlock()
			return
		}
		ctx := b.procCtx
		b.mu.Unlock()

		select {
		case line := <-lines:
			b.deliver(ctx, line)
			b.mu.Lock()
			if b.gen == gen {
				b.pending--
			}
			b.mu.Unlock()
		case <-kick:
		}
	}
}

func (b *LineBuffer) deliver(ctx context.Context, line BufferedLine) {
	defer func() {
		if r := recover(); r != nil {
			b.onError(fmt.Errorf("panic while processing line %d: %v", line.LineNumber, r))
		}
	}()

	if err := b.process(ctx, line); err != nil {
		b.onError(err)
	}
}
