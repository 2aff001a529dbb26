package editsync

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// watch starts the change detector: fsnotify on the parent directory when
// the copy lives on the OS file system, polling otherwise.
func (f *WatchedFile) watch() {
	if _, native := f.m.opts.FS.(*afero.OsFs); native {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			// Editors often replace the file instead of writing it, which
			// only the directory watch sees.
			if err = w.Add(filepath.Dir(f.LocalPath)); err == nil {
				go f.notifyLoop(w)
				return
			}
			w.Close()
		}
		f.log.WithError(err).Warn("file watch unavailable, polling for changes")
	}
	go f.pollLoop()
}

func (f *WatchedFile) notifyLoop(w *fsnotify.Watcher) {
	defer close(f.done)
	defer w.Close()

	target := filepath.Clean(f.LocalPath)
	for {
		select {
		case <-f.stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Chmod is kept: a copy made unreadable must be orphaned.
			if filepath.Clean(ev.Name) != target {
				continue
			}
			f.changed()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.WithError(err).Warn("file watch error")
		}
	}
}

func (f *WatchedFile) pollLoop() {
	defer close(f.done)

	ticker := f.m.opts.Clock.NewTicker(f.m.opts.PollInterval)
	defer ticker.Stop()

	var (
		size int64
		mod  time.Time
	)
	if info, err := f.m.opts.FS.Stat(f.LocalPath); err == nil {
		size, mod = info.Size(), info.ModTime()
	}

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.Chan():
			info, err := f.m.opts.FS.Stat(f.LocalPath)
			if err != nil {
				if inaccessible(err) {
					f.changed()
				}
				continue
			}
			if info.Size() != size || !info.ModTime().Equal(mod) {
				size, mod = info.Size(), info.ModTime()
				f.changed()
			}
		}
	}
}

// inaccessible reports whether err means the local copy is gone for good:
// deleted or no longer readable.
func inaccessible(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}
