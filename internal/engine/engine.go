package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/filter"
	"github.com/MuchTitan/go-log-tailer/internal/metrics"
	"github.com/MuchTitan/go-log-tailer/internal/output"
	"github.com/MuchTitan/go-log-tailer/internal/processor"
	"github.com/MuchTitan/go-log-tailer/internal/state"
	"github.com/MuchTitan/go-log-tailer/internal/tailer"
	"github.com/MuchTitan/go-log-tailer/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	flushSize        = 100
	flushInterval    = time.Second
	persistInterval  = 100 * time.Millisecond
	dbTimeout        = 5 * time.Second
	pipelineCapacity = 1000
)

// Source is one file to follow.
type Source struct {
	ServerID string
	Path     string
	Tag      string
	// Fields are merged into the fields of every entry of this source.
	Fields map[string]any

	PollInterval time.Duration
	DrainTimeout time.Duration
	BufferSize   int
	Notify       bool
	Processor    processor.Plugin
}

// SourceStatus is a point in time view of one source.
type SourceStatus struct {
	ServerID  string
	Path      string
	Status    tailer.Status
	State     tailer.FileReadState
	Errors    uint64
	Rotations uint64
}

type source struct {
	Source
	tailer    atomic.Pointer[tailer.FileTailer]
	errors    atomic.Uint64
	rotations atomic.Uint64
}

type stateKey struct {
	serverID string
	path     string
}

// Engine runs one tailer per source and moves their entries through the
// filters into the outputs. Read positions are persisted in batches.
type Engine struct {
	// Fs is handed to every tailer; nil means the OS filesystem.
	Fs afero.Fs
	// PruneRemovedSources deletes stored states of sources that are no
	// longer registered when the engine starts.
	PruneRemovedSources bool

	repository       state.Repository
	cleanUpThreshold int
	hostname         string

	sources []*source
	filters []filter.Plugin
	outputs []output.Plugin

	pipeline chan internal.Entry
	stateCh  chan tailer.FileReadState

	tailCtx    context.Context
	tailCancel context.CancelFunc
	pipeCtx    context.Context
	pipeCancel context.CancelFunc
	retryWg    sync.WaitGroup
	wg         sync.WaitGroup
	initialWg  sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewEngine creates an engine persisting read positions in repository. A nil
// repository disables persistence and every source starts at offset 0.
// Inactive states older than cleanUpThreshold days are removed on Stop; 0
// keeps them forever.
func NewEngine(repository state.Repository, cleanUpThreshold int) *Engine {
	hostname, err := os.Hostname()
	if err != nil {
		logrus.WithError(err).Warn("could not determine hostname")
	}

	e := &Engine{
		repository:       repository,
		cleanUpThreshold: cleanUpThreshold,
		hostname:         hostname,
		pipeline:         make(chan internal.Entry, pipelineCapacity),
		stateCh:          make(chan tailer.FileReadState, pipelineCapacity),
	}
	e.tailCtx, e.tailCancel = context.WithCancel(context.Background())
	e.pipeCtx, e.pipeCancel = context.WithCancel(context.Background())
	return e
}

// RegisterSource adds a file to follow. Two sources of the same server may
// not point at the same file. Sources are registered before Start.
func (e *Engine) RegisterSource(src Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("sources cannot be added to a started engine")
	}
	if src.Path == "" {
		return errors.New("source needs a path")
	}
	if src.Processor == nil {
		return fmt.Errorf("source %s has no processor", src.Path)
	}

	abs, err := filepath.Abs(src.Path)
	if err != nil {
		return fmt.Errorf("could not resolve %s: %w", src.Path, err)
	}
	for _, existing := range e.sources {
		existingAbs, _ := filepath.Abs(existing.Path)
		if existing.ServerID == src.ServerID && existingAbs == abs {
			return fmt.Errorf("source %s is already registered for server %q", src.Path, src.ServerID)
		}
	}

	e.sources = append(e.sources, &source{Source: src})
	return nil
}

// RegisterFilter adds a filter plugin to the engine
func (e *Engine) RegisterFilter(filter filter.Plugin) {
	e.filters = append(e.filters, filter)
}

// RegisterOutput adds an output plugin to the engine
func (e *Engine) RegisterOutput(output output.Plugin) {
	e.outputs = append(e.outputs, output)
}

// Start prepares the state table and starts the pipeline and every tailer.
// A source whose file is not there yet is retried at its poll interval.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	if e.repository != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		err := e.repository.CreateTables(ctx)
		cancel()
		if err != nil {
			return err
		}
		if e.PruneRemovedSources {
			e.pruneRemovedSources()
		}
	}

	e.wg.Add(2)
	go e.processEntries()
	go e.persistStates()

	for _, src := range e.sources {
		t, err := tailer.New(e.tailerConfig(src))
		if err != nil {
			return fmt.Errorf("could not create tailer for %s: %w", src.Path, err)
		}
		src.tailer.Store(t)
		e.initialWg.Add(1)

		if err := t.Start(e.tailCtx); err != nil {
			e.retryWg.Add(1)
			go e.retryStart(src)
		}
	}

	logrus.WithField("sources", len(e.sources)).Info("Engine started")
	return nil
}

// pruneRemovedSources is best effort; a failure only leaves rows behind for
// CleanupOldEntries.
func (e *Engine) pruneRemovedSources() {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	stored, err := e.repository.ListFileStates(ctx)
	if err != nil {
		logrus.WithError(err).Warn("could not list stored file states")
		return
	}

	registered := make(map[stateKey]bool, len(e.sources))
	for _, src := range e.sources {
		registered[stateKey{serverID: src.ServerID, path: src.Path}] = true
	}

	for _, s := range stored {
		if registered[stateKey{serverID: s.ServerID, path: s.FilePath}] {
			continue
		}
		entry := logrus.WithFields(logrus.Fields{"server": s.ServerID, "path": s.FilePath})
		if err := e.repository.DeleteFileState(ctx, s.ServerID, s.FilePath); err != nil {
			entry.WithError(err).Warn("could not delete state of removed source")
			continue
		}
		entry.Info("deleted state of removed source")
	}
}

func (e *Engine) tailerConfig(src *source) tailer.Config {
	logger := logrus.WithField("tag", src.Tag)
	return tailer.Config{
		ServerID:     src.ServerID,
		FilePath:     src.Path,
		ResumeFrom:   e.loadState(src),
		Processor:    src.Processor,
		PollInterval: src.PollInterval,
		DrainTimeout: src.DrainTimeout,
		BufferSize:   src.BufferSize,
		Notify:       src.Notify,
		Fs:           e.Fs,
		Logger:       logger,
		OnEntry: func(ctx context.Context, entry internal.Entry) error {
			return e.enqueue(ctx, src, entry)
		},
		OnError: func(error) {
			src.errors.Add(1)
		},
		OnRotation: func() {
			src.rotations.Add(1)
		},
		OnStateChange: e.queueState,
		OnInitialReadComplete: func() {
			logger.WithField("path", src.Path).Info("initial read complete")
			e.initialWg.Done()
		},
	}
}

// loadState returns the stored position of src. A partly decoded row is
// still used: the tailer falls back to size based rotation detection.
func (e *Engine) loadState(src *source) *tailer.FileReadState {
	if e.repository == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	stored, err := e.repository.GetFileState(ctx, src.ServerID, src.Path)
	if err != nil {
		entry := logrus.WithError(err).WithFields(logrus.Fields{
			"server": src.ServerID,
			"path":   src.Path,
		})
		if errors.Is(err, state.ErrMalformedState) {
			entry.Warn("stored file state is malformed")
			return stored
		}
		entry.Error("could not load stored file state, starting from the beginning")
		return nil
	}
	return stored
}

func (e *Engine) retryStart(src *source) {
	defer e.retryWg.Done()

	interval := src.PollInterval
	if interval <= 0 {
		interval = tailer.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.tailCtx.Done():
			return
		case <-ticker.C:
			err := src.tailer.Load().Start(e.tailCtx)
			if err == nil || errors.Is(err, tailer.ErrStopped) {
				return
			}
		}
	}
}

// enqueue stamps the source metadata on entry and hands it to the pipeline.
func (e *Engine) enqueue(ctx context.Context, src *source, entry internal.Entry) error {
	entry.Metadata.ServerID = src.ServerID
	entry.Metadata.Source = src.Path
	entry.Metadata.Tag = src.Tag
	entry.Metadata.Host = e.hostname
	if len(src.Fields) > 0 {
		entry.Fields = util.MergeMaps(entry.Fields, src.Fields)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	select {
	case e.pipeline <- entry:
		metrics.EntriesEmitted.WithLabelValues(src.ServerID, src.Tag).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.pipeCtx.Done():
		return errors.New("pipeline closed")
	}
}

func (e *Engine) queueState(ctx context.Context, s tailer.FileReadState) error {
	select {
	case e.stateCh <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.pipeCtx.Done():
		return errors.New("state persister closed")
	}
}

// processEntries runs filters over every entry and writes batches to the
// outputs, by size or by time. Entries still queued at shutdown are flushed.
func (e *Engine) processEntries() {
	defer e.wg.Done()

	buffer := make([]internal.Entry, 0, flushSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	handle := func(entry internal.Entry) {
		if processed := e.applyFilters(&entry); processed != nil {
			buffer = append(buffer, *processed)
		}
		if len(buffer) >= flushSize {
			e.flush(buffer)
			buffer = buffer[:0]
		}
	}

	for {
		select {
		case <-e.pipeCtx.Done():
			for {
				select {
				case entry := <-e.pipeline:
					handle(entry)
				default:
					if len(buffer) > 0 {
						e.flush(buffer)
					}
					return
				}
			}

		case entry := <-e.pipeline:
			handle(entry)

		case <-ticker.C:
			if len(buffer) > 0 {
				e.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

func (e *Engine) applyFilters(entry *internal.Entry) *internal.Entry {
	for _, f := range e.filters {
		if !f.MatchTag(entry.Metadata.Tag) {
			continue
		}
		processed, err := f.Process(entry)
		if err != nil {
			logrus.WithError(err).WithField("filter", f.Name()).Error("could not filter entry")
			continue
		}
		if processed == nil {
			return nil
		}
		entry = processed
	}
	return entry
}

// flush writes entries to all output plugins
func (e *Engine) flush(entries []internal.Entry) {
	for _, out := range e.outputs {
		if err := out.Write(entries); err != nil {
			logrus.WithError(err).WithField("output", out.Name()).Error("could not write to output")
		}
	}
}

// persistStates collects state updates and writes the latest one per file
// every persistInterval.
func (e *Engine) persistStates() {
	defer e.wg.Done()

	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	updates := make(map[stateKey]tailer.FileReadState)

	write := func() {
		if len(updates) == 0 {
			return
		}
		batch := make([]tailer.FileReadState, 0, len(updates))
		for _, s := range updates {
			batch = append(batch, s)
		}
		clear(updates)

		if e.repository == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		if err := e.repository.BatchUpsertFileStates(ctx, batch); err != nil {
			for _, s := range batch {
				metrics.TailerErrors.WithLabelValues(s.ServerID, "persist").Inc()
			}
			logrus.WithError(err).WithField("states", len(batch)).Error("could not persist file states")
		}
	}

	for {
		select {
		case <-e.pipeCtx.Done():
			for {
				select {
				case s := <-e.stateCh:
					updates[stateKey{s.ServerID, s.FilePath}] = s
				default:
					write()
					return
				}
			}
		case s := <-e.stateCh:
			updates[stateKey{s.ServerID, s.FilePath}] = s
		case <-ticker.C:
			write()
		}
	}
}

// WaitInitialRead blocks until every started source finished its first read
// or ctx is done.
func (e *Engine) WaitInitialRead(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.initialWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sources reports the status of every registered source. It is safe to call
// while the engine starts or stops.
func (e *Engine) Sources() []SourceStatus {
	statuses := make([]SourceStatus, 0, len(e.sources))
	for _, src := range e.sources {
		status := SourceStatus{
			ServerID:  src.ServerID,
			Path:      src.Path,
			Errors:    src.errors.Load(),
			Rotations: src.rotations.Load(),
		}
		if t := src.tailer.Load(); t != nil {
			status.Status = t.Status()
			status.State = t.GetState()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Stop shuts the engine down in dependency order: tailers deliver their last
// entries and final state first, then the pipeline and the persister drain,
// and finally the plugins are flushed and closed.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.tailCancel()
	e.retryWg.Wait()

	var tailers sync.WaitGroup
	for _, src := range e.sources {
		t := src.tailer.Load()
		if t == nil {
			continue
		}
		tailers.Add(1)
		go func() {
			defer tailers.Done()
			_ = t.Stop()
		}()
	}
	tailers.Wait()

	e.pipeCancel()
	e.wg.Wait()

	var errs []error
	if e.repository != nil {
		if e.cleanUpThreshold > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			deleted, err := e.repository.CleanupOldEntries(ctx, e.cleanUpThreshold)
			cancel()
			if err != nil {
				logrus.WithError(err).Warn("could not clean up old file states")
			} else {
				logrus.Debugf("cleaned %d old entries in file_read_states", deleted)
			}
		}
		if err := e.repository.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close state repository: %w", err))
		}
	}

	for _, src := range e.sources {
		if err := src.Processor.Exit(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range e.filters {
		if err := f.Exit(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, out := range e.outputs {
		if err := out.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("could not flush output %s: %w", out.Name(), err))
		}
		if err := out.Exit(); err != nil {
			errs = append(errs, err)
		}
	}

	logrus.Info("Engine stopped")
	return errors.Join(errs...)
}
