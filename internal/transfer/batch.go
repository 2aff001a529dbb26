package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

// BatchResult summarises a directory transfer.
type BatchResult struct {
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Cancelled int      `json:"cancelled"`
	TaskIDs   []string `json:"taskIds"`
	Errors    []string `json:"errors,omitempty"`
}

type job struct {
	local  string
	remote string
}

// UploadDir uploads a local directory tree into remoteDir, one task per
// file. Failed files do not stop the rest of the batch.
func (e *Engine) UploadDir(ctx context.Context, sess Session, localDir, remoteDir string) (*BatchResult, error) {
	st, err := e.opts.LocalFS.Stat(localDir)
	if err != nil {
		return nil, &coreerr.TransferError{Kind: Classify(err), Path: localDir, Err: err}
	}
	if !st.IsDir() {
		return nil, &coreerr.TransferError{Kind: coreerr.InvalidPath, Path: localDir, Err: errors.New("not a directory")}
	}

	fs, err := sess.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(remoteDir); err != nil {
		return nil, fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
	}

	var jobs []job
	err = afero.Walk(e.opts.LocalFS, localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil || rel == "." {
			return err
		}
		remote := remotefs.Join(remoteDir, filepath.ToSlash(rel))
		if info.IsDir() {
			if err := fs.MkdirAll(remote); err != nil {
				return fmt.Errorf("failed to create remote directory %s: %w", remote, err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		jobs = append(jobs, job{local: p, remote: remote})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.WithField("files", len(jobs)).WithField("remote", remoteDir).Info("uploading directory")
	return e.runBatch(ctx, jobs, func(j job) (*Task, error) {
		return e.EnqueueUpload(sess, j.local, j.remote)
	}), nil
}

// DownloadDir downloads a remote directory tree into localDir.
func (e *Engine) DownloadDir(ctx context.Context, sess Session, remoteDir, localDir string) (*BatchResult, error) {
	fs, err := sess.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	st, err := fs.Stat(remoteDir)
	if err != nil {
		return nil, &coreerr.TransferError{Kind: Classify(err), Path: remoteDir, Err: err}
	}
	if !st.IsDir() {
		return nil, &coreerr.TransferError{Kind: coreerr.InvalidPath, Path: remoteDir, Err: errors.New("not a directory")}
	}

	var jobs []job
	if err := e.collectDownloads(fs, remoteDir, localDir, &jobs); err != nil {
		return nil, err
	}

	e.log.WithField("files", len(jobs)).WithField("remote", remoteDir).Info("downloading directory")
	return e.runBatch(ctx, jobs, func(j job) (*Task, error) {
		return e.EnqueueDownload(sess, j.remote, j.local)
	}), nil
}

// collectDownloads creates the local directories and lists every file below
// remoteDir.
func (e *Engine) collectDownloads(fs remotefs.FS, remoteDir, localDir string, jobs *[]job) error {
	if err := e.opts.LocalFS.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("failed to create local directory %s: %w", localDir, err)
	}

	entries, err := fs.ReadDir(remoteDir)
	if err != nil {
		return fmt.Errorf("failed to read remote directory %s: %w", remoteDir, err)
	}

	for _, entry := range entries {
		remote := remotefs.Join(remoteDir, entry.Name())
		local := filepath.Join(localDir, entry.Name())

		if entry.IsDir() {
			if err := e.collectDownloads(fs, remote, local, jobs); err != nil {
				return err
			}
			continue
		}
		if entry.Mode()&os.ModeSymlink != 0 {
			continue
		}
		*jobs = append(*jobs, job{local: local, remote: remote})
	}
	return nil
}

func (e *Engine) runBatch(ctx context.Context, jobs []job, enqueue func(job) (*Task, error)) *BatchResult {
	res := &BatchResult{Total: len(jobs)}
	tasks := make([]*Task, 0, len(jobs))

	for _, j := range jobs {
		t, err := enqueue(j)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		tasks = append(tasks, t)
		res.TaskIDs = append(res.TaskIDs, t.ID)
	}

	for i, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			for _, rest := range tasks[i:] {
				e.Cancel(rest.ID)
			}
			<-t.Done()
		}

		switch t.State() {
		case StateCompleted:
			res.Completed++
		case StateCancelled:
			res.Cancelled++
		default:
			res.Failed++
			if err := t.Err(); err != nil {
				res.Errors = append(res.Errors, err.Error())
			}
		}
	}
	return res
}
