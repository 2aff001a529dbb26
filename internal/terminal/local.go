package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/aymanbagabas/go-pty"
)

// DefaultShell returns the preferred local shell for this platform.
func DefaultShell() string {
	switch runtime.GOOS {
	case "windows":
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe"
		}
		return "cmd.exe"
	case "darwin":
		if _, err := exec.LookPath("zsh"); err == nil {
			return "zsh"
		}
		return "bash"
	default:
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh
		}
		for _, shell := range []string{"bash", "zsh", "sh"} {
			if _, err := exec.LookPath(shell); err == nil {
				return shell
			}
		}
		return "sh"
	}
}

// OpenLocal starts shell in a local PTY. An empty shell uses DefaultShell.
func OpenLocal(shell string, opts Options) (*Terminal, error) {
	opts.applyDefaults()
	if shell == "" {
		shell = DefaultShell()
	}

	shellPath, err := exec.LookPath(shell)
	if err != nil {
		return nil, fmt.Errorf("shell not found: %w", err)
	}

	p, err := pty.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create pty: %w", err)
	}
	if err := p.Resize(opts.Cols, opts.Rows); err != nil {
		opts.Logger.WithError(err).Debug("initial pty resize failed")
	}

	var cmd *pty.Cmd
	switch runtime.GOOS {
	case "windows", "darwin":
		cmd = p.Command(shellPath)
	default:
		cmd = p.Command(shellPath, "-i")
	}
	if wd, err := os.Getwd(); err == nil {
		cmd.Dir = wd
	}
	cmd.Env = append(os.Environ(), "TERM="+TermType)

	if err := cmd.Start(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	return start("", "local", &localBackend{pty: p, cmd: cmd}, opts), nil
}

type localBackend struct {
	pty pty.Pty
	cmd *pty.Cmd
}

func (b *localBackend) stdin() io.Writer            { return b.pty }
func (b *localBackend) streams() []stream           { return []stream{{r: b.pty}} }
func (b *localBackend) close() error                { return b.pty.Close() }
func (b *localBackend) resize(cols, rows int) error { return b.pty.Resize(cols, rows) }

func (b *localBackend) wait() (CloseReason, int, error) {
	err := b.cmd.Wait()

	var exitErr interface{ ExitCode() int }
	switch {
	case err == nil:
		return ReasonExited, 0, nil
	case errors.As(err, &exitErr):
		return ReasonExited, exitErr.ExitCode(), nil
	default:
		return ReasonExited, -1, err
	}
}
