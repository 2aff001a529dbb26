package transfer

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/metrics"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/retry"
)

// execute runs a task to completion, retrying transient failures.
func (e *Engine) execute(sess Session, t *Task) error {
	cfg := retry.Config{
		MaxAttempts: e.opts.MaxRetries + 1,
		InitialWait: e.opts.RetryBackoff,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Clock:       e.opts.Clock,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			t.mu.Lock()
			t.retries++
			t.mu.Unlock()
			metrics.RecordTransferRetry()
			e.log.WithFields(log.Fields{
				"task":        t.ID,
				"attempt":     attempt,
				"wait":        wait,
				"transferred": t.transferred.Load(),
			}).WithError(err).Warn("transfer interrupted, retrying")
		},
	}

	err := retry.Do(t.ctx, cfg, func(attempt int) error {
		if err := t.checkpoint(); err != nil {
			return err
		}
		if attempt > 1 {
			if err := sess.WaitReady(t.ctx); err != nil {
				if reason := t.stopErr(); reason != nil {
					return reason
				}
				return &coreerr.TransferError{Kind: coreerr.ConnectionReset, TaskID: t.ID, Path: t.RemotePath, Err: err}
			}
		}

		err := e.attempt(sess, t)
		if err == nil {
			return nil
		}
		if reason := t.stopErr(); reason != nil {
			return reason
		}
		terr := classifyTask(t, err)
		if terr.Transient() {
			return retry.Retryable(terr)
		}
		return terr
	})

	if err != nil {
		if reason := t.stopErr(); reason != nil {
			err = reason
		}
		if t.Direction == Download && t.touchedLocal() {
			if rerr := e.opts.LocalFS.Remove(t.LocalPath); rerr != nil && !os.IsNotExist(rerr) {
				e.log.WithError(rerr).WithField("path", t.LocalPath).Warn("failed to remove partial download")
			}
		}
	}
	return err
}

func (t *Task) touchedLocal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched
}

func (e *Engine) attempt(sess Session, t *Task) error {
	fs, err := sess.SFTP(t.ctx)
	if err != nil {
		return err
	}
	if t.Direction == Upload {
		return e.upload(fs, t)
	}
	return e.download(fs, t)
}

// resumeOffset returns where to continue writing a destination of the given
// size. Destinations larger than what this task confirmed start over.
func resumeOffset(t *Task, dstSize int64) int64 {
	confirmed := t.transferred.Load()
	if dstSize > 0 && dstSize <= confirmed {
		return dstSize
	}
	return 0
}

func (e *Engine) upload(fs remotefs.FS, t *Task) error {
	src, err := e.opts.LocalFS.Open(t.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", t.LocalPath, err)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file %s: %w", t.LocalPath, err)
	}
	t.total.Store(st.Size())

	var offset int64
	if t.transferred.Load() > 0 {
		if rst, err := fs.Stat(t.RemotePath); err == nil {
			offset = resumeOffset(t, rst.Size())
		}
	}

	var dst remotefs.File
	if offset > 0 {
		dst, err = fs.OpenFile(t.RemotePath, os.O_WRONLY)
		if err == nil {
			_, err = dst.Seek(offset, io.SeekStart)
		}
	} else {
		dst, err = fs.Create(t.RemotePath)
	}
	if err != nil {
		if dst != nil {
			dst.Close()
		}
		return fmt.Errorf("failed to create remote file %s: %w", t.RemotePath, err)
	}

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		dst.Close()
		return fmt.Errorf("failed to seek local file %s: %w", t.LocalPath, err)
	}
	t.transferred.Store(offset)

	if err := e.copy(t, dst, src, offset); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", t.RemotePath, err)
	}
	return nil
}

func (e *Engine) download(fs remotefs.FS, t *Task) error {
	src, err := fs.Open(t.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", t.RemotePath, err)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat remote file %s: %w", t.RemotePath, err)
	}
	if st.IsDir() {
		return &coreerr.TransferError{Kind: coreerr.InvalidPath, Path: t.RemotePath, Err: fmt.Errorf("source is a directory")}
	}
	t.total.Store(st.Size())

	var offset int64
	if t.transferred.Load() > 0 {
		if lst, err := e.opts.LocalFS.Stat(t.LocalPath); err == nil {
			offset = resumeOffset(t, lst.Size())
		}
	}

	if err := e.preflight(t.LocalPath, st.Size()-offset); err != nil {
		return err
	}

	var dst afero.File
	if offset > 0 {
		dst, err = e.opts.LocalFS.OpenFile(t.LocalPath, os.O_WRONLY, 0)
		if err == nil {
			_, err = dst.Seek(offset, io.SeekStart)
		}
	} else {
		dst, err = e.opts.LocalFS.OpenFile(t.LocalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	}
	if err != nil {
		if dst != nil {
			dst.Close()
		}
		return fmt.Errorf("failed to create local file %s: %w", t.LocalPath, err)
	}
	t.mu.Lock()
	t.touched = true
	t.mu.Unlock()

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		dst.Close()
		return fmt.Errorf("failed to seek remote file %s: %w", t.RemotePath, err)
	}
	t.transferred.Store(offset)

	if err := e.copy(t, dst, src, offset); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close local file %s: %w", t.LocalPath, err)
	}
	return nil
}

// copy moves data one chunk at a time, stopping at chunk boundaries for
// pause and cancel.
func (e *Engine) copy(t *Task, dst io.Writer, src io.Reader, offset int64) error {
	buf := make([]byte, e.opts.BufferSize)
	p := newProgress(e, t, offset)

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			p.add(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// progress publishes rate-limited progress events for a task.
type progress struct {
	e           *Engine
	t           *Task
	base        int64
	startTime   time.Time
	lastEmitted time.Time
}

func newProgress(e *Engine, t *Task, base int64) *progress {
	return &progress{e: e, t: t, base: base, startTime: e.opts.Clock.Now()}
}

func (p *progress) add(n int64) {
	transferred := p.t.transferred.Add(n)
	now := p.e.opts.Clock.Now()
	if !p.lastEmitted.IsZero() && now.Sub(p.lastEmitted) < p.e.opts.ProgressInterval {
		return
	}

	var bytesPerSec int64
	if elapsed := now.Sub(p.startTime).Seconds(); elapsed > 0 {
		bytesPerSec = int64(float64(transferred-p.base) / elapsed)
	}

	p.e.opts.Events.Publish(events.Event{
		Type:        events.TransferProgress,
		SessionID:   p.t.SessionID,
		TaskID:      p.t.ID,
		Path:        p.t.RemotePath,
		FileName:    path.Base(p.t.RemotePath),
		Direction:   string(p.t.Direction),
		State:       string(StateRunning),
		Transferred: transferred,
		Total:       p.t.total.Load(),
		Percent:     p.t.percent(),
		BytesPerSec: bytesPerSec,
	})
	p.lastEmitted = now
}

func (e *Engine) preflight(localPath string, need int64) error {
	if need <= 0 {
		return nil
	}
	free, err := e.opts.FreeSpace(localPath)
	if err != nil {
		e.log.WithError(err).WithField("path", localPath).Debug("free space check skipped")
		return nil
	}
	if uint64(need) > free {
		return &coreerr.TransferError{
			Kind: coreerr.DiskFull,
			Path: localPath,
			Err:  fmt.Errorf("need %d bytes, %d available", need, free),
		}
	}
	return nil
}

func diskFree(localPath string) (uint64, error) {
	usage, err := disk.Usage(filepath.Dir(localPath))
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
