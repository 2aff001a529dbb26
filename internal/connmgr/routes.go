package connmgr

import (
	"context"
	"fmt"

	"github.com/yzhelezko/thermic-core/internal/editsync"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/terminal"
	"github.com/yzhelezko/thermic-core/internal/transfer"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

// Upload queues an upload on the session.
func (m *Manager) Upload(sessionID, localPath, remotePath string) (*transfer.Task, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.transfers.EnqueueUpload(s, localPath, remotePath)
}

// Download queues a download on the session.
func (m *Manager) Download(sessionID, remotePath, localPath string) (*transfer.Task, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.transfers.EnqueueDownload(s, remotePath, localPath)
}

// UploadDir uploads a local directory tree and waits for every file.
func (m *Manager) UploadDir(ctx context.Context, sessionID, localDir, remoteDir string) (*transfer.BatchResult, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.transfers.UploadDir(ctx, s, localDir, remoteDir)
}

// DownloadDir downloads a remote directory tree and waits for every file.
func (m *Manager) DownloadDir(ctx context.Context, sessionID, remoteDir, localDir string) (*transfer.BatchResult, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.transfers.DownloadDir(ctx, s, remoteDir, localDir)
}

func (m *Manager) CancelTransfer(id string) error { return m.transfers.Cancel(id) }
func (m *Manager) PauseTransfer(id string) error  { return m.transfers.Pause(id) }
func (m *Manager) ResumeTransfer(id string) error { return m.transfers.Resume(id) }

// OpenTerminal starts an interactive shell on the session.
func (m *Manager) OpenTerminal(ctx context.Context, sessionID string, cols, rows int) (*terminal.Terminal, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	t, err := terminal.Open(ctx, s, m.terminalOptions(cols, rows))
	if err != nil {
		return nil, err
	}
	return m.trackTerminal(t)
}

// OpenLocalTerminal starts a shell on a local PTY. An empty shell uses the
// platform default.
func (m *Manager) OpenLocalTerminal(shell string, cols, rows int) (*terminal.Terminal, error) {
	if shell == "" {
		shell = terminal.DefaultShell()
	}
	t, err := terminal.OpenLocal(shell, m.terminalOptions(cols, rows))
	if err != nil {
		return nil, err
	}
	return m.trackTerminal(t)
}

func (m *Manager) terminalOptions(cols, rows int) terminal.Options {
	return terminal.Options{
		Cols:   cols,
		Rows:   rows,
		Events: m.events,
		Logger: m.opts.Logger,
	}
}

func (m *Manager) trackTerminal(t *terminal.Terminal) (*terminal.Terminal, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.Close()
		return nil, ErrShutdown
	}
	m.terminals[t.ID()] = t
	m.mu.Unlock()

	go func() {
		<-t.Closed()
		m.mu.Lock()
		delete(m.terminals, t.ID())
		m.mu.Unlock()
	}()
	return t, nil
}

// Terminal returns an open terminal.
func (m *Manager) Terminal(id string) (*terminal.Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	return t, nil
}

// TerminalWrite queues input for a terminal.
func (m *Manager) TerminalWrite(id string, data []byte) error {
	t, err := m.Terminal(id)
	if err != nil {
		return err
	}
	_, err = t.Write(data)
	return err
}

// TerminalResize changes a terminal's viewport.
func (m *Manager) TerminalResize(id string, cols, rows int) error {
	t, err := m.Terminal(id)
	if err != nil {
		return err
	}
	return t.Resize(cols, rows)
}

// CloseTerminal closes a terminal.
func (m *Manager) CloseTerminal(id string) error {
	t, err := m.Terminal(id)
	if err != nil {
		return err
	}
	return t.Close()
}

// OpenForEdit downloads a remote file to a watched local copy.
func (m *Manager) OpenForEdit(ctx context.Context, sessionID, remotePath string, force bool) (*editsync.WatchedFile, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.edits.Open(ctx, s, remotePath, editsync.OpenOptions{Force: force})
}

// CloseEdit stops syncing a remote file and removes its local copy.
func (m *Manager) CloseEdit(sessionID, remotePath string) error {
	return m.edits.Close(sessionID, remotePath)
}

// RetryEdit re-uploads a file whose last sync failed.
func (m *Manager) RetryEdit(sessionID, remotePath string) error {
	return m.edits.Retry(sessionID, remotePath)
}

// Exec runs a command on the session.
func (m *Manager) Exec(ctx context.Context, sessionID, command string) (transport.ExecResult, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return transport.ExecResult{}, err
	}
	return s.Exec(ctx, command)
}

func (m *Manager) remoteFS(ctx context.Context, sessionID string) (remotefs.FS, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.SFTP(ctx)
}

// ListDir lists a remote directory, directories first.
func (m *Manager) ListDir(ctx context.Context, sessionID, dir string) ([]remotefs.Entry, error) {
	fs, err := m.remoteFS(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return remotefs.List(fs, dir)
}

// MakeDir creates a remote directory.
func (m *Manager) MakeDir(ctx context.Context, sessionID, dir string, parents bool) error {
	fs, err := m.remoteFS(ctx, sessionID)
	if err != nil {
		return err
	}
	return remotefs.MakeDir(fs, dir, parents)
}

// Remove deletes a remote file or directory.
func (m *Manager) Remove(ctx context.Context, sessionID, p string, recursive bool) error {
	fs, err := m.remoteFS(ctx, sessionID)
	if err != nil {
		return err
	}
	return remotefs.Remove(fs, p, recursive)
}

// Rename moves a remote file.
func (m *Manager) Rename(ctx context.Context, sessionID, oldPath, newPath string) error {
	fs, err := m.remoteFS(ctx, sessionID)
	if err != nil {
		return err
	}
	return remotefs.Rename(fs, oldPath, newPath)
}

// CreateFile creates an empty remote file.
func (m *Manager) CreateFile(ctx context.Context, sessionID, p string) error {
	fs, err := m.remoteFS(ctx, sessionID)
	if err != nil {
		return err
	}
	return remotefs.CreateEmpty(fs, p)
}
