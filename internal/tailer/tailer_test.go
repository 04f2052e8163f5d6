package tailer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPoll    = 10 * time.Millisecond
	waitFor     = 3 * time.Second
	checkPeriod = 5 * time.Millisecond
)

// passthrough turns every line into an entry.
type passthrough struct{}

func (passthrough) ProcessLine(_ context.Context, line string, lineNumber int64) (*internal.Entry, error) {
	return &internal.Entry{Message: line, Metadata: internal.Metadata{LineNum: lineNumber, LineCount: 1}}, nil
}

func (passthrough) Flush(context.Context) (*internal.Entry, error) {
	return nil, nil
}

// holdLast emits the previous line whenever a new one arrives.
type holdLast struct {
	mu      sync.Mutex
	pending *internal.Entry
}

func (h *holdLast) ProcessLine(_ context.Context, line string, lineNumber int64) (*internal.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.pending
	h.pending = &internal.Entry{Message: line, Metadata: internal.Metadata{LineNum: lineNumber}}
	return prev, nil
}

func (h *holdLast) Flush(context.Context) (*internal.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.pending
	h.pending = nil
	return prev, nil
}

// stuck never finishes a line or a flush before its context ends.
type stuck struct{}

func (stuck) ProcessLine(ctx context.Context, _ string, _ int64) (*internal.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stuck) Flush(ctx context.Context) (*internal.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recorder struct {
	mu        sync.Mutex
	entries   []internal.Entry
	errors    []error
	states    []FileReadState
	rotations int
	initial   int
	stateErr  error
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func (r *recorder) errorOps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []string
	for _, err := range r.errors {
		var tailErr *TailError
		if errors.As(err, &tailErr) {
			ops = append(ops, tailErr.Op)
		}
	}
	return ops
}

func (r *recorder) rotationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}

func (r *recorder) initialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initial
}

func (r *recorder) persisted() []FileReadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FileReadState(nil), r.states...)
}

func (r *recorder) config(path string, proc Processor) Config {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return Config{
		ServerID:  "srv-1",
		FilePath:  path,
		Processor: proc,
		OnEntry: func(_ context.Context, entry internal.Entry) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.entries = append(r.entries, entry)
			return nil
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, err)
		},
		OnRotation: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rotations++
		},
		OnStateChange: func(_ context.Context, s FileReadState) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
			return r.stateErr
		},
		OnInitialReadComplete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.initial++
		},
		PollInterval: testPoll,
		DrainTimeout: time.Second,
		Logger:       logrus.NewEntry(logger),
	}
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func startTailer(t *testing.T, cfg Config) *FileTailer {
	t.Helper()
	tl, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, tl.Start(context.Background()))
	t.Cleanup(func() { _ = tl.Stop() })
	return tl
}

func TestNewValidation(t *testing.T) {
	rec := &recorder{}
	valid := rec.config("/tmp/app.log", passthrough{})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no path", func(c *Config) { c.FilePath = "" }},
		{"no processor", func(c *Config) { c.Processor = nil }},
		{"no entry callback", func(c *Config) { c.OnEntry = nil }},
		{"no error callback", func(c *Config) { c.OnError = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestTailerInitialRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\nC\n")
	rec := &recorder{}

	tl := startTailer(t, rec.config(path, passthrough{}))

	assert.Equal(t, StatusRunning, tl.Status())
	assert.Equal(t, []string{"A", "B", "C"}, rec.messages())
	assert.Equal(t, 1, rec.initialCount())

	state := tl.GetState()
	assert.Equal(t, uint64(6), state.ByteOffset)
	assert.Equal(t, int64(3), state.LineNumber)
	assert.Equal(t, uint64(6), state.FileSize)
	assert.True(t, state.IsActive)
	assert.Equal(t, path, state.FilePath)
	assert.False(t, state.LastReadAt.IsZero())

	persisted := rec.persisted()
	require.NotEmpty(t, persisted)
	assert.Equal(t, uint64(6), persisted[len(persisted)-1].ByteOffset)
}

func TestTailerResumesFromOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\nC\n")
	info, err := os.Stat(path)
	require.NoError(t, err)

	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.ResumeFrom = &FileReadState{
		ServerID:     "srv-1",
		FilePath:     path,
		ByteOffset:   2,
		LineNumber:   1,
		FileIdentity: identityOf(info),
		FileSize:     6,
	}

	tl := startTailer(t, cfg)

	assert.Equal(t, []string{"B", "C"}, rec.messages())
	rec.mu.Lock()
	assert.Equal(t, int64(2), rec.entries[0].Metadata.LineNum)
	assert.Equal(t, int64(3), rec.entries[1].Metadata.LineNum)
	rec.mu.Unlock()
	assert.Equal(t, uint64(6), tl.GetState().ByteOffset)
	assert.Zero(t, rec.rotationCount())
}

func TestTailerResumeOfOtherSourceStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\n")

	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.ResumeFrom = &FileReadState{ServerID: "srv-2", FilePath: path, ByteOffset: 2, LineNumber: 1}

	startTailer(t, cfg)

	assert.Equal(t, []string{"A", "B"}, rec.messages())
	assert.Contains(t, rec.errorOps(), "state")
}

func TestTailerResumeBeyondSizeIsRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "fresh\n")

	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.ResumeFrom = &FileReadState{ServerID: "srv-1", FilePath: path, ByteOffset: 100, LineNumber: 40, FileSize: 100}

	tl := startTailer(t, cfg)

	assert.Equal(t, 1, rec.rotationCount())
	assert.Equal(t, []string{"fresh"}, rec.messages())
	assert.Equal(t, int64(1), tl.GetState().LineNumber)
}

func TestTailerFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{}

	tl := startTailer(t, rec.config(path, passthrough{}))

	appendLog(t, path, "B\nC")
	require.Eventually(t, func() bool {
		return len(rec.messages()) == 2
	}, waitFor, checkPeriod)
	assert.Equal(t, uint64(4), tl.GetState().ByteOffset)

	// the unterminated "C" is only read once its newline arrives
	appendLog(t, path, "D\n")
	require.Eventually(t, func() bool {
		return len(rec.messages()) == 3
	}, waitFor, checkPeriod)
	assert.Equal(t, []string{"A", "B", "CD"}, rec.messages())
	assert.Equal(t, uint64(7), tl.GetState().ByteOffset)
	assert.Equal(t, int64(3), tl.GetState().LineNumber)
}

func TestTailerTruncationIsRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\nC\n")
	rec := &recorder{}

	tl := startTailer(t, rec.config(path, passthrough{}))
	require.Equal(t, uint64(6), tl.GetState().ByteOffset)

	writeLog(t, path, "X\n")
	require.Eventually(t, func() bool {
		msgs := rec.messages()
		return len(msgs) == 4 && msgs[3] == "X"
	}, waitFor, checkPeriod)

	// a few more ticks must not signal the same rotation again
	time.Sleep(10 * testPoll)
	assert.Equal(t, 1, rec.rotationCount())

	state := tl.GetState()
	assert.Equal(t, uint64(2), state.ByteOffset)
	assert.Equal(t, int64(1), state.LineNumber)
}

func TestTailerOffsetsOnlyGrowWithinAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "")
	rec := &recorder{}

	tl := startTailer(t, rec.config(path, passthrough{}))

	for i := 0; i < 20; i++ {
		appendLog(t, path, "line\n")
		time.Sleep(testPoll / 3)
	}
	require.Eventually(t, func() bool {
		return tl.GetState().ByteOffset == 100
	}, waitFor, checkPeriod)

	var last uint64
	for _, s := range rec.persisted() {
		assert.GreaterOrEqual(t, s.ByteOffset, last)
		assert.LessOrEqual(t, s.ByteOffset, s.FileSize)
		last = s.ByteOffset
	}
	assert.Len(t, rec.messages(), 20)
}

func TestTailerStartOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")
	rec := &recorder{}

	tl, err := New(rec.config(path, passthrough{}))
	require.NoError(t, err)
	defer tl.Stop()

	err = tl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, StatusCreated, tl.Status())
	assert.Equal(t, 1, rec.initialCount())
	assert.Equal(t, []string{"stat"}, rec.errorOps())

	writeLog(t, path, "hello\n")
	require.NoError(t, tl.Start(context.Background()))
	assert.Equal(t, StatusRunning, tl.Status())
	assert.Equal(t, []string{"hello"}, rec.messages())
	assert.Equal(t, 1, rec.initialCount())
}

func TestTailerRepeatedStartFailuresWarnOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")
	rec := &recorder{}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := rec.config(path, passthrough{})
	cfg.Logger = logrus.NewEntry(logger)

	tl, err := New(cfg)
	require.NoError(t, err)
	defer tl.Stop()

	for i := 0; i < 3; i++ {
		require.Error(t, tl.Start(context.Background()))
	}
	assert.Equal(t, []string{"stat", "stat", "stat"}, rec.errorOps())

	levels := map[logrus.Level]int{}
	for _, entry := range hook.AllEntries() {
		if entry.Message == "tailer error" {
			levels[entry.Level]++
		}
	}
	assert.Equal(t, map[logrus.Level]int{logrus.WarnLevel: 1, logrus.DebugLevel: 2}, levels)

	writeLog(t, path, "hello\n")
	require.NoError(t, tl.Start(context.Background()))
	var available bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "file is available now" {
			available = true
			assert.Equal(t, 4, entry.Data["attempts"])
		}
	}
	assert.True(t, available)
}

func TestTailerFileVanishesWhileRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A-long-line\n")
	rec := &recorder{}

	tl := startTailer(t, rec.config(path, passthrough{}))

	require.NoError(t, os.Remove(path))
	time.Sleep(5 * testPoll)
	assert.Equal(t, StatusRunning, tl.Status())
	assert.Empty(t, rec.errorOps())

	// shorter than the old offset, so it is seen as new even if the inode
	// number gets reused
	writeLog(t, path, "B\n")
	require.Eventually(t, func() bool {
		msgs := rec.messages()
		return len(msgs) == 2 && msgs[1] == "B"
	}, waitFor, checkPeriod)
}

func TestTailerStartStopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{}

	tl, err := New(rec.config(path, passthrough{}))
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, tl.Status())

	require.NoError(t, tl.Start(context.Background()))
	require.NoError(t, tl.Start(context.Background()))
	assert.Equal(t, []string{"A"}, rec.messages())

	require.NoError(t, tl.Stop())
	require.NoError(t, tl.Stop())
	assert.Equal(t, StatusStopped, tl.Status())
	assert.ErrorIs(t, tl.Start(context.Background()), ErrStopped)

	state := tl.GetState()
	assert.False(t, state.IsActive)
	persisted := rec.persisted()
	assert.False(t, persisted[len(persisted)-1].IsActive)
	assert.Equal(t, uint64(2), persisted[len(persisted)-1].ByteOffset)
}

func TestTailerStopBeforeStart(t *testing.T) {
	rec := &recorder{}
	tl, err := New(rec.config(filepath.Join(t.TempDir(), "app.log"), passthrough{}))
	require.NoError(t, err)

	require.NoError(t, tl.Stop())
	assert.Equal(t, StatusStopped, tl.Status())
	assert.ErrorIs(t, tl.Start(context.Background()), ErrStopped)
}

func TestTailerStopFlushesProcessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\n")
	rec := &recorder{}

	tl := startTailer(t, rec.config(path, &holdLast{}))
	assert.Equal(t, []string{"A"}, rec.messages())

	require.NoError(t, tl.Stop())
	assert.Equal(t, []string{"A", "B"}, rec.messages())
}

func TestTailerStopWithStuckProcessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\nC\n")
	rec := &recorder{}
	cfg := rec.config(path, stuck{})
	cfg.DrainTimeout = 50 * time.Millisecond

	tl := startTailer(t, cfg)
	appendLog(t, path, "D\n")
	time.Sleep(5 * testPoll)

	start := time.Now()
	require.NoError(t, tl.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusStopped, tl.Status())

	ops := rec.errorOps()
	assert.Contains(t, ops, "drain")
	assert.Contains(t, ops, "flush")
	assert.Empty(t, rec.messages())
}

func TestTailerStopWithinDrainTimeoutWhenEntriesBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{}
	cfg := rec.config(path, &holdLast{})
	cfg.DrainTimeout = 200 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var blocked sync.Once
	entered := make(chan struct{})
	cfg.OnEntry = func(context.Context, internal.Entry) error {
		blocked.Do(func() { close(entered) })
		<-release
		return nil
	}

	tl := startTailer(t, cfg)
	appendLog(t, path, "B\nC\n")
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("entry callback never called")
	}

	start := time.Now()
	require.NoError(t, tl.Stop())
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, StatusStopped, tl.Status())

	ops := rec.errorOps()
	assert.Contains(t, ops, "drain")
	assert.Contains(t, ops, "flush")
}

func TestTailerStopWithinDrainTimeoutWhenPersistBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.DrainTimeout = 100 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var block atomic.Bool
	cfg.OnStateChange = func(context.Context, FileReadState) error {
		if block.Load() {
			<-release
		}
		return nil
	}

	tl := startTailer(t, cfg)
	block.Store(true)

	start := time.Now()
	require.NoError(t, tl.Stop())
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Contains(t, rec.errorOps(), "persist")
}

func TestTailerContinuesWhenPersistFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{stateErr: errors.New("database is locked")}

	startTailer(t, rec.config(path, passthrough{}))
	assert.Contains(t, rec.errorOps(), "persist")

	appendLog(t, path, "B\n")
	require.Eventually(t, func() bool {
		return len(rec.messages()) == 2
	}, waitFor, checkPeriod)
}

func TestTailerReportsEntryErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\nB\n")
	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.OnEntry = func(_ context.Context, entry internal.Entry) error {
		if entry.Message == "A" {
			return errors.New("pipeline full")
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.entries = append(rec.entries, entry)
		return nil
	}

	tl := startTailer(t, cfg)

	assert.Equal(t, []string{"B"}, rec.messages())
	assert.Equal(t, []string{"entry"}, rec.errorOps())
	assert.Equal(t, uint64(4), tl.GetState().ByteOffset)
}

func TestTailerCallbackPanicsAreContained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.OnStateChange = func(context.Context, FileReadState) error {
		panic("store exploded")
	}

	tl := startTailer(t, cfg)

	assert.Equal(t, StatusRunning, tl.Status())
	assert.Contains(t, rec.errorOps(), "persist")
	appendLog(t, path, "B\n")
	require.Eventually(t, func() bool {
		return len(rec.messages()) == 2
	}, waitFor, checkPeriod)
}

func TestTailerNotifyWakeups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLog(t, path, "A\n")
	rec := &recorder{}
	cfg := rec.config(path, passthrough{})
	cfg.PollInterval = time.Hour
	cfg.Notify = true

	startTailer(t, cfg)

	appendLog(t, path, "B\n")
	require.Eventually(t, func() bool {
		return len(rec.messages()) == 2
	}, waitFor, checkPeriod)
	assert.Empty(t, rec.errorOps())
}
