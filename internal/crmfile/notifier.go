package crmfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher error backoff.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// errWatcherClosed is returned when the watcher's channels close before
// ctx is done.
var errWatcherClosed = errors.New("crmfile: watcher closed")

// FsWatcher abstracts fsnotify.Watcher so tests can inject events.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

// Notifier reports changes to a file store's document. It implements
// sync.ChangeNotifier. The directory is watched rather than the file
// because atomic saves replace the file.
type Notifier struct {
	dir    string
	logger *slog.Logger

	newWatcher func() (FsWatcher, error)
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// NewNotifier creates a Notifier for the store in dir.
func NewNotifier(dir string, logger *slog.Logger) *Notifier {
	return &Notifier{
		dir:        dir,
		logger:     logger,
		newWatcher: newFsnotifyWatcher,
		sleepFunc:  timeSleep,
	}
}

// Watch calls notify each time the document is created, written, or
// replaced, until ctx is done. Returns ctx.Err() on cancellation.
func (n *Notifier) Watch(ctx context.Context, notify func()) error {
	watcher, err := n.newWatcher()
	if err != nil {
		return fmt.Errorf("crmfile: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(n.dir); err != nil {
		return fmt.Errorf("crmfile: watching %s: %w", n.dir, err)
	}

	n.logger.Info("watching file CRM", slog.String("dir", n.dir))

	return n.watchLoop(ctx, watcher, notify)
}

// watchLoop processes fsnotify events and watcher errors until ctx is done.
func (n *Notifier) watchLoop(ctx context.Context, watcher FsWatcher, notify func()) error {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events():
			if !ok {
				return errWatcherClosed
			}

			if isDocumentChange(ev) {
				n.logger.Debug("file CRM changed", slog.String("op", ev.Op.String()))
				notify()
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return errWatcherClosed
			}

			n.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Backoff prevents a tight loop under sustained errors
			// (e.g., kernel buffer overflow).
			if sleepErr := n.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return sleepErr
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

// isDocumentChange reports whether ev changed the document itself. Temp
// files written by saves and chmod-only events are ignored.
func isDocumentChange(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != FileName {
		return false
	}

	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
