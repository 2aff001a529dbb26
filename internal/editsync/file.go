package editsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/metrics"
	"github.com/yzhelezko/thermic-core/internal/transfer"
)

// State is the sync state of a WatchedFile.
type State string

const (
	StateInSync     State = "in_sync"
	StateDirty      State = "dirty"
	StateSyncing    State = "syncing"
	StateSyncFailed State = "sync_failed"
	StateOrphaned   State = "orphaned"

	// StateDetached is reported once when a file is closed.
	StateDetached State = "detached"
)

// FileInfo is a snapshot of a WatchedFile.
type FileInfo struct {
	SessionID  string    `json:"sessionId"`
	RemotePath string    `json:"remotePath"`
	LocalPath  string    `json:"localPath"`
	Hash       string    `json:"hash"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	LastSync   time.Time `json:"lastSync,omitempty"`
}

// WatchedFile is a local copy of a remote file kept in sync while open.
type WatchedFile struct {
	SessionID  string
	RemotePath string
	LocalPath  string

	m         *Manager
	sess      transfer.Session
	key       fileKey
	log       *log.Entry
	debounced func(func())

	mu       sync.Mutex
	state    State
	hash     string
	size     int64
	err      error
	lastSync time.Time
	syncing  bool
	pending  bool
	task     *transfer.Task
	closed   bool
	started  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// State returns the current sync state.
func (f *WatchedFile) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Hash returns the SHA-256 of the content last known to match the remote
// file.
func (f *WatchedFile) Hash() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash
}

// Err returns the error of the last failed sync.
func (f *WatchedFile) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Info returns a snapshot.
func (f *WatchedFile) Info() FileInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := FileInfo{
		SessionID:  f.SessionID,
		RemotePath: f.RemotePath,
		LocalPath:  f.LocalPath,
		Hash:       f.hash,
		State:      f.state,
		LastSync:   f.lastSync,
	}
	if f.err != nil {
		info.Error = f.err.Error()
	}
	return info
}

func (f *WatchedFile) start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.watch()
}

// changed is called for every observed local change.
func (f *WatchedFile) changed() {
	f.debounced(f.check)
}

func (f *WatchedFile) check() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.syncing {
		f.pending = true
		return
	}
	f.syncing = true
	go f.syncLoop(false)
}

func (f *WatchedFile) retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotWatched
	}
	if f.state != StateSyncFailed {
		return fmt.Errorf("%s is %s, nothing to retry", f.RemotePath, f.state)
	}
	if f.syncing {
		f.pending = true
		return nil
	}
	f.syncing = true
	go f.syncLoop(true)
	return nil
}

// syncLoop uploads the local copy until no change is pending. Only one
// runs per file; changes seen meanwhile set pending.
func (f *WatchedFile) syncLoop(force bool) {
	for {
		f.mu.Lock()
		f.pending = false
		f.mu.Unlock()

		hash, size, err := f.m.hashFile(f.LocalPath)
		if inaccessible(err) {
			f.orphan(err)
			return
		}

		f.mu.Lock()
		if f.closed {
			f.syncing = false
			f.mu.Unlock()
			return
		}
		if err == nil && !force && hash == f.hash && f.state != StateSyncFailed {
			again := f.pending
			if !again {
				f.syncing = false
			}
			f.mu.Unlock()
			if !again {
				return
			}
			continue
		}

		if err == nil {
			f.setStateLocked(StateDirty, nil)
			f.setStateLocked(StateSyncing, nil)
			f.mu.Unlock()
			err = f.upload()
			f.mu.Lock()
		} else {
			err = fmt.Errorf("read local copy: %w", err)
		}

		if f.closed {
			f.syncing = false
			f.mu.Unlock()
			return
		}

		result := "ok"
		if err != nil {
			result = "failed"
			f.setStateLocked(StateSyncFailed, &coreerr.SyncError{Kind: coreerr.SyncFailed, Path: f.RemotePath, Err: err})
			f.log.WithError(err).Warn("sync failed")
		} else {
			f.hash, f.size = hash, size
			f.lastSync = time.Now()
			f.setStateLocked(StateInSync, nil)
			f.log.WithField("bytes", size).Debug("synced")
		}
		rec := f.recordLocked()
		again := f.pending
		if !again {
			f.syncing = false
		}
		f.mu.Unlock()

		metrics.RecordSyncUpload(result)
		f.archive(rec)

		if !again {
			return
		}
		force = false
	}
}

func (f *WatchedFile) upload() error {
	task, err := f.m.uploader.EnqueueUpload(f.sess, f.LocalPath, f.RemotePath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.task = task
	f.mu.Unlock()

	err = task.Wait(f.ctx)

	f.mu.Lock()
	f.task = nil
	f.mu.Unlock()
	return err
}

func (f *WatchedFile) orphan(cause error) {
	if !f.m.remove(f) {
		f.mu.Lock()
		f.syncing = false
		f.mu.Unlock()
		return
	}
	f.log.Warn("local copy is gone, no longer watching")
	f.detach(StateOrphaned, &coreerr.SyncError{Kind: coreerr.Orphaned, Path: f.RemotePath, Err: cause})
}

// detach releases the watch and the temp copy and reports final. The file
// must already be out of the manager's registry.
func (f *WatchedFile) detach(final State, reason error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	task := f.task
	f.setStateLocked(final, reason)
	f.mu.Unlock()

	if task != nil {
		if err := f.m.uploader.Cancel(task.ID); err != nil {
			f.log.WithError(err).Debug("cancel sync upload")
		}
	}
	f.shutdown()
	metrics.AddWatchedFiles(-1)
	f.log.WithField("state", final).Info("stopped editing remote file")
}

func (f *WatchedFile) shutdown() {
	f.cancel()
	f.stopOnce.Do(func() { close(f.stop) })

	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if started {
		<-f.done
	}

	if err := f.m.opts.FS.Remove(f.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.log.WithError(err).Warn("failed to remove local copy")
	}
}

func (f *WatchedFile) setStateLocked(state State, err error) {
	f.state = state
	f.err = err
	f.publishLocked()
}

func (f *WatchedFile) publish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishLocked()
}

func (f *WatchedFile) publishLocked() {
	ev := events.Event{
		Type:      events.SyncState,
		SessionID: f.SessionID,
		Path:      f.RemotePath,
		FileName:  path.Base(f.RemotePath),
		State:     string(f.state),
		Total:     f.size,
	}
	if f.err != nil {
		ev.Error = f.err.Error()
		var se *coreerr.SyncError
		var ce *coreerr.ChannelError
		switch {
		case errors.As(f.err, &se):
			ev.ErrorKind = se.Kind.String()
		case errors.As(f.err, &ce):
			ev.ErrorKind = ce.Kind.String()
		}
	}
	f.m.opts.Events.Publish(ev)
}

func (f *WatchedFile) recordLocked() Record {
	rec := Record{
		SessionID:  f.SessionID,
		RemotePath: f.RemotePath,
		LocalPath:  f.LocalPath,
		Hash:       f.hash,
		Size:       f.size,
		State:      f.state,
		Time:       time.Now(),
	}
	if f.err != nil {
		rec.Error = f.err.Error()
	}
	return rec
}

func (f *WatchedFile) archive(rec Record) {
	if f.m.opts.Archiver == nil {
		return
	}
	if err := f.m.opts.Archiver.ArchiveSync(rec); err != nil {
		f.log.WithError(err).Warn("failed to archive sync")
	}
}
