package tailer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Observation is what one watcher tick saw on disk.
type Observation struct {
	Identity FileIdentity
	Size     uint64
	Rotated  bool
	Grown    bool
}

// Watcher polls one path at a fixed interval. With Notify set it also
// wakes up early on fsnotify events for that path; polling stays the source
// of truth because notifications are lost on network filesystems and
// across some rename schemes.
type Watcher struct {
	Fs       afero.Fs
	Path     string
	Interval time.Duration
	Notify   bool
	Logger   *logrus.Entry
	OnError  func(error)
}

// Observe stats the file and compares it to the last read position.
// Rotation wins over growth.
func (w *Watcher) Observe(prevID FileIdentity, prevOffset, lastSize uint64) (Observation, error) {
	info, err := w.Fs.Stat(w.Path)
	if err != nil {
		return Observation{}, err
	}
	if info.IsDir() {
		return Observation{}, fmt.Errorf("%s is a directory", w.Path)
	}

	obs := Observation{
		Identity: identityOf(info),
		Size:     uint64(info.Size()),
	}
	obs.Rotated = DetectRotation(prevID, prevOffset, obs.Identity, obs.Size)
	obs.Grown = !obs.Rotated && obs.Size > lastSize
	return obs, nil
}

// Run calls poll on every tick until ctx is done. poll runs inline, so a
// slow read delays the next tick instead of overlapping with it.
func (w *Watcher) Run(ctx context.Context, poll func(context.Context)) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.Notify {
		notifier, err := w.newNotifier()
		if err != nil {
			w.OnError(&TailError{Op: "watch", Path: w.Path, Err: err})
		} else {
			defer notifier.Close()
			events, errs = notifier.Events, notifier.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(ctx)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != w.Path {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) ||
				event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
				w.Logger.WithField("op", event.Op.String()).Trace("fsnotify wakeup")
				poll(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.OnError(&TailError{Op: "watch", Path: w.Path, Err: err})
		}
	}
}

// newNotifier watches the parent directory, so a rotated file that is
// recreated under the same name is still seen.
func (w *Watcher) newNotifier() (*fsnotify.Watcher, error) {
	if _, ok := w.Fs.(*afero.OsFs); !ok {
		return nil, fmt.Errorf("fsnotify needs the os filesystem")
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create fsnotify watcher: %w", err)
	}
	if err := notifier.Add(filepath.Dir(w.Path)); err != nil {
		notifier.Close()
		return nil, fmt.Errorf("could not watch %s: %w", filepath.Dir(w.Path), err)
	}
	return notifier, nil
}
