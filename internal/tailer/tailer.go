package tailer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/tomb.v2"
)

const (
	DefaultPollInterval = time.Second
	DefaultDrainTimeout = 60 * time.Second
	DefaultBufferSize   = 1000
)

// Processor assembles raw lines into entries. ProcessLine returns nil while
// an entry is still accumulating; Flush forces out whatever is pending.
//
// A ProcessLine that outlives the drain timeout gets its context cancelled
// and keeps the next lines waiting for up to one more drain timeout. If it
// ignores the cancellation beyond that, later lines and Flush may run
// concurrently with it.
type Processor interface {
	ProcessLine(ctx context.Context, line string, lineNumber int64) (*internal.Entry, error)
	Flush(ctx context.Context) (*internal.Entry, error)
}

// Config wires a FileTailer to its collaborators. Callbacks run on tailer
// goroutines and must not call Stop synchronously.
type Config struct {
	ServerID string
	FilePath string
	// ResumeFrom is the last persisted state; nil starts at offset 0.
	ResumeFrom *FileReadState
	Processor  Processor

	OnEntry               func(ctx context.Context, entry internal.Entry) error
	OnError               func(err error)
	OnRotation            func()
	OnStateChange         func(ctx context.Context, state FileReadState) error
	OnInitialReadComplete func()

	PollInterval time.Duration
	DrainTimeout time.Duration
	BufferSize   int
	Notify       bool
	Fs           afero.Fs
	Logger       *logrus.Entry
}

// FileTailer follows one file: an initial catch-up read from the resume
// offset, then bounded reads whenever the watcher sees growth or rotation.
type FileTailer struct {
	cfg     Config
	absPath string
	logger  *logrus.Entry
	reader  *Reader
	watcher *Watcher
	buffer  *LineBuffer

	mu            sync.Mutex
	status        Status
	tomb          *tomb.Tomb
	startFailures int

	stateMu sync.RWMutex
	state   FileReadState

	// Owned by the session goroutine while it runs.
	sess     FileReadState
	lastSize uint64

	initialOnce sync.Once
}

func New(cfg Config) (*FileTailer, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("no file path provided for tailer")
	}
	if cfg.Processor == nil {
		return nil, errors.New("no processor provided for tailer")
	}
	if cfg.OnEntry == nil || cfg.OnError == nil {
		return nil, errors.New("tailer needs both OnEntry and OnError callbacks")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	absPath, err := filepath.Abs(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", cfg.FilePath, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{
		"server": cfg.ServerID,
		"path":   absPath,
	})

	t := &FileTailer{
		cfg:     cfg,
		absPath: absPath,
		logger:  logger,
		reader:  &Reader{Fs: cfg.Fs},
	}
	t.watcher = &Watcher{
		Fs:       cfg.Fs,
		Path:     absPath,
		Interval: cfg.PollInterval,
		Notify:   cfg.Notify,
		Logger:   logger,
		OnError:  t.reportError,
	}
	t.buffer = NewLineBuffer(cfg.BufferSize, t.processLine, t.reportError)

	t.sess = FileReadState{
		ServerID:     cfg.ServerID,
		FilePath:     cfg.FilePath,
		AbsolutePath: absPath,
	}
	if resume := cfg.ResumeFrom; resume != nil {
		if resume.ServerID != cfg.ServerID || resume.FilePath != cfg.FilePath {
			t.reportError(&TailError{
				Op:   "state",
				Path: absPath,
				Err:  fmt.Errorf("resume state belongs to %s:%s, starting fresh", resume.ServerID, resume.FilePath),
			})
		} else {
			t.sess.ByteOffset = resume.ByteOffset
			t.sess.LineNumber = resume.LineNumber
			t.sess.FileIdentity = resume.FileIdentity
			t.sess.FileSize = resume.FileSize
			t.sess.LastReadAt = resume.LastReadAt
		}
	}
	t.publish()

	return t, nil
}

// Start performs the catch-up read and hands over to the watcher. It is a
// no-op while starting or running. If the file cannot be stat'ed the tailer
// stays in StatusCreated and the error is returned. ctx bounds the session;
// Stop still has to be called to drain and release it.
func (t *FileTailer) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case StatusStarting, StatusRunning:
		t.mu.Unlock()
		return nil
	case StatusStopping, StatusStopped:
		t.mu.Unlock()
		return ErrStopped
	}
	t.status = StatusStarting

	info, err := t.cfg.Fs.Stat(t.absPath)
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", t.absPath)
	}
	if err != nil {
		t.status = StatusCreated
		t.startFailures++
		repeated := t.startFailures > 1
		t.mu.Unlock()

		err = &TailError{Op: "stat", Path: t.absPath, Err: err}
		if repeated {
			// already logged at warn by the first attempt
			t.report(err, logrus.DebugLevel)
		} else {
			t.reportError(err)
		}
		t.signalInitialRead()
		return err
	}
	if t.startFailures > 0 {
		t.logger.WithField("attempts", t.startFailures+1).Info("file is available now")
		t.startFailures = 0
	}

	identity := identityOf(info)
	rotated := DetectRotation(t.sess.FileIdentity, t.sess.ByteOffset, identity, uint64(info.Size()))
	if rotated {
		t.logger.WithFields(logrus.Fields{
			"offset": t.sess.ByteOffset,
			"size":   info.Size(),
		}).Info("file changed since last run, reading from the beginning")
		t.resetSession(identity, uint64(info.Size()))
	} else if identity.Known() {
		t.sess.FileIdentity = identity
	}
	t.sess.IsActive = true
	t.publish()

	tb, tctx := tomb.WithContext(ctx)
	t.tomb = tb
	ready := make(chan struct{})
	tb.Go(func() error {
		t.run(tctx, ready, rotated)
		return nil
	})
	t.mu.Unlock()

	t.logger.WithField("offset", t.GetState().ByteOffset).Info("Starting tailer")

	select {
	case <-ready:
	case <-tb.Dead():
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusStarting {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		tb.Kill(nil)
		t.status = StatusCreated
		return fmt.Errorf("tailer start interrupted: %w", err)
	}
	t.status = StatusRunning
	metrics.ActiveTailers.Inc()
	return nil
}

// Stop halts the watcher, interrupts any read in flight, drains buffered
// lines and flushes the processor. Draining, flushing and the final persist
// share one drain timeout, so Stop returns within it. It is safe to call
// more than once.
func (t *FileTailer) Stop() error {
	t.mu.Lock()
	switch t.status {
	case StatusCreated:
		t.status = StatusStopped
		t.mu.Unlock()
		return nil
	case StatusStopping, StatusStopped:
		t.mu.Unlock()
		return nil
	}
	wasRunning := t.status == StatusRunning
	t.status = StatusStopping
	tb := t.tomb
	t.mu.Unlock()

	t.logger.Info("Stopping tailer")
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DrainTimeout)
	defer cancel()

	tb.Kill(nil)
	select {
	case <-tb.Dead():
	case <-ctx.Done():
		// The session goroutine still owns the buffer and the session state.
		t.reportError(&TailError{Op: "stop", Path: t.absPath, Err: fmt.Errorf("read loop did not exit: %w", ctx.Err())})
		t.finishStop(wasRunning)
		return nil
	}

	remaining := time.Until(deadlineOf(ctx))
	if err := t.buffer.DrainAll(context.Background(), remaining); err != nil {
		metrics.TailerDrainTimeouts.WithLabelValues(t.cfg.ServerID, t.absPath).Inc()
		t.reportError(&TailError{Op: "drain", Path: t.absPath, Err: err})
	}
	t.flushProcessor(ctx)

	t.sess.IsActive = false
	snapshot := t.publish()
	t.bounded(ctx, "persist", func() { t.persist(ctx, snapshot) })

	t.finishStop(wasRunning)
	t.logger.WithField("offset", snapshot.ByteOffset).Debug("tailer stopped")
	return nil
}

func (t *FileTailer) finishStop(wasRunning bool) {
	t.mu.Lock()
	t.status = StatusStopped
	t.mu.Unlock()

	if wasRunning {
		metrics.ActiveTailers.Dec()
	}
}

func deadlineOf(ctx context.Context) time.Time {
	deadline, _ := ctx.Deadline()
	return deadline
}

// bounded runs fn on its own goroutine and stops waiting for it once ctx
// ends. fn keeps running in the background in that case.
func (t *FileTailer) bounded(ctx context.Context, op string, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				t.reportError(&TailError{Op: op, Path: t.absPath, Err: fmt.Errorf("panic: %v", r)})
			}
		}()
		fn()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.reportError(&TailError{Op: op, Path: t.absPath, Err: ctx.Err()})
	}
}

// GetState returns the state as of the last completed read.
func (t *FileTailer) GetState() FileReadState {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *FileTailer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *FileTailer) run(ctx context.Context, ready chan<- struct{}, rotated bool) {
	if rotated {
		t.notifyRotation()
	}

	t.read(ctx)
	if err := t.buffer.DrainAll(ctx, t.cfg.DrainTimeout); err != nil && ctx.Err() == nil {
		metrics.TailerDrainTimeouts.WithLabelValues(t.cfg.ServerID, t.absPath).Inc()
		t.reportError(&TailError{Op: "drain", Path: t.absPath, Err: err})
	}
	t.signalInitialRead()
	close(ready)

	t.watcher.Run(ctx, t.poll)
}

func (t *FileTailer) poll(ctx context.Context) {
	obs, err := t.watcher.Observe(t.sess.FileIdentity, t.sess.ByteOffset, t.lastSize)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.logger.Trace("file missing, skipping tick")
			return
		}
		t.reportError(&TailError{Op: "stat", Path: t.absPath, Err: err})
		return
	}

	switch {
	case obs.Rotated:
		t.logger.WithFields(logrus.Fields{
			"offset": t.sess.ByteOffset,
			"size":   obs.Size,
		}).Info("file rotated, reading from the beginning")
		t.resetSession(obs.Identity, obs.Size)
		t.publish()
		t.notifyRotation()
		t.read(ctx)
	case obs.Grown:
		t.read(ctx)
	}
}

// read consumes complete lines from the current offset to the size the file
// has when opened. The offset only advances past lines that made it into
// the buffer.
func (t *FileTailer) read(ctx context.Context) {
	res, err := t.reader.ReadFrom(ctx, t.absPath, t.sess.ByteOffset, t.sess.FileIdentity, func(line string, n int) error {
		next := t.sess.LineNumber + 1
		if err := t.buffer.Push(ctx, BufferedLine{Text: line, LineNumber: next, ByteLength: n}); err != nil {
			return err
		}
		t.sess.LineNumber = next
		t.sess.ByteOffset += uint64(n)
		return nil
	})

	if err == nil {
		t.sess.FileSize = res.Size
		t.lastSize = res.Size
	} else if t.sess.ByteOffset > t.sess.FileSize {
		t.sess.FileSize = res.Size
	}
	if res.Consumed > 0 {
		t.sess.LastReadAt = time.Now()
		metrics.TailerLinesRead.WithLabelValues(t.cfg.ServerID, t.absPath).Add(float64(res.Lines))
		metrics.TailerBytesRead.WithLabelValues(t.cfg.ServerID, t.absPath).Add(float64(res.Consumed))
	}

	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, fs.ErrNotExist):
		t.logger.Debug("file disappeared before it could be read")
	case errors.Is(err, errOffsetBeyondSize), errors.Is(err, errIdentityChanged):
		t.logger.WithError(err).Debug("file replaced during read, waiting for next tick")
	default:
		t.reportError(&TailError{Op: "read", Path: t.absPath, Err: err})
	}

	snapshot := t.publish()
	if res.Consumed > 0 {
		t.logger.WithFields(logrus.Fields{
			"lines":  res.Lines,
			"offset": snapshot.ByteOffset,
		}).Trace("read complete")
		t.persist(ctx, snapshot)
	}
}

func (t *FileTailer) resetSession(identity FileIdentity, size uint64) {
	t.sess.ByteOffset = 0
	t.sess.LineNumber = 0
	t.sess.FileIdentity = identity
	t.sess.FileSize = size
	t.lastSize = 0
}

func (t *FileTailer) publish() FileReadState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.state = t.sess
	return t.state
}

func (t *FileTailer) processLine(ctx context.Context, line BufferedLine) error {
	entry, err := t.cfg.Processor.ProcessLine(ctx, line.Text, line.LineNumber)
	if err != nil {
		return &TailError{Op: "process", Path: t.absPath, Err: fmt.Errorf("line %d: %w", line.LineNumber, err)}
	}
	if entry == nil {
		return nil
	}
	return t.emit(ctx, *entry)
}

func (t *FileTailer) emit(ctx context.Context, entry internal.Entry) error {
	if err := t.cfg.OnEntry(ctx, entry); err != nil {
		return &TailError{Op: "entry", Path: t.absPath, Err: err}
	}
	return nil
}

// flushProcessor delivers the entry the processor was still assembling,
// giving up when ctx ends so a stuck processor cannot block Stop.
func (t *FileTailer) flushProcessor(ctx context.Context) {
	t.bounded(ctx, "flush", func() {
		entry, err := t.cfg.Processor.Flush(ctx)
		if err != nil {
			t.reportError(&TailError{Op: "flush", Path: t.absPath, Err: err})
			return
		}
		if entry == nil {
			return
		}
		if err := t.emit(ctx, *entry); err != nil {
			t.reportError(err)
		}
	})
}

func (t *FileTailer) persist(ctx context.Context, state FileReadState) {
	if t.cfg.OnStateChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.reportError(&TailError{Op: "persist", Path: t.absPath, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := t.cfg.OnStateChange(ctx, state); err != nil {
		t.reportError(&TailError{Op: "persist", Path: t.absPath, Err: err})
	}
}

func (t *FileTailer) notifyRotation() {
	metrics.TailerRotations.WithLabelValues(t.cfg.ServerID, t.absPath).Inc()
	if t.cfg.OnRotation == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.reportError(&TailError{Op: "rotation", Path: t.absPath, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	t.cfg.OnRotation()
}

func (t *FileTailer) signalInitialRead() {
	t.initialOnce.Do(func() {
		t.logger.Debug("initial read complete")
		if t.cfg.OnInitialReadComplete != nil {
			t.cfg.OnInitialReadComplete()
		}
	})
}

func (t *FileTailer) reportError(err error) {
	t.report(err, logrus.WarnLevel)
}

func (t *FileTailer) report(err error, level logrus.Level) {
	var tailErr *TailError
	if !errors.As(err, &tailErr) {
		tailErr = &TailError{Op: "process", Path: t.absPath, Err: err}
		err = tailErr
	}
	metrics.TailerErrors.WithLabelValues(t.cfg.ServerID, tailErr.Op).Inc()
	t.logger.WithError(err).Log(level, "tailer error")

	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).Error("OnError callback panicked")
		}
	}()
	t.cfg.OnError(err)
}
