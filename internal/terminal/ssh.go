package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

// TermType is requested for every remote PTY.
const TermType = "xterm-256color"

// How long to wait for the session to report a torn-down channel after the
// shell stream ended without an exit status.
const lostGrace = 2 * time.Second

// ShellOpener opens shell channels. *transport.Session implements it.
type ShellOpener interface {
	ID() string
	OpenChannel(ctx context.Context, kind transport.ChannelKind) (*transport.Channel, error)
}

// Open starts an interactive shell on a new shell channel of sess.
func Open(ctx context.Context, sess ShellOpener, opts Options) (*Terminal, error) {
	opts.applyDefaults()

	ch, err := sess.OpenChannel(ctx, transport.ChannelShell)
	if err != nil {
		return nil, err
	}

	be, err := newSSHBackend(ch, opts.Cols, opts.Rows)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return start(sess.ID(), "ssh", be, opts), nil
}

type sshBackend struct {
	ch     *transport.Channel
	rs     transport.RemoteSession
	in     io.WriteCloser
	out    io.Reader
	errOut io.Reader
}

func newSSHBackend(ch *transport.Channel, cols, rows int) (*sshBackend, error) {
	rs := ch.Remote()

	if err := rs.RequestPty(TermType, rows, cols, ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}); err != nil {
		return nil, fmt.Errorf("failed to request PTY: %w", err)
	}

	in, err := rs.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	out, err := rs.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errOut, err := rs.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := rs.Shell(); err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	return &sshBackend{ch: ch, rs: rs, in: in, out: out, errOut: errOut}, nil
}

func (b *sshBackend) stdin() io.Writer { return b.in }

func (b *sshBackend) streams() []stream {
	return []stream{{r: b.out}, {r: b.errOut, stderr: true}}
}

func (b *sshBackend) resize(cols, rows int) error {
	return b.rs.WindowChange(rows, cols)
}

func (b *sshBackend) wait() (CloseReason, int, error) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- b.rs.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-b.ch.Done():
		return channelReason(b.ch.Err())
	}

	var exitErr interface{ ExitStatus() int }
	switch {
	case err == nil:
		return ReasonExited, 0, nil
	case errors.As(err, &exitErr):
		return ReasonExited, exitErr.ExitStatus(), nil
	}

	// No exit status: either the channel was torn down or the shell died
	// without reporting one.
	select {
	case <-b.ch.Done():
		return channelReason(b.ch.Err())
	case <-time.After(lostGrace):
		return ReasonExited, -1, err
	}
}

func channelReason(err error) (CloseReason, int, error) {
	switch {
	case err == nil:
		return ReasonLocalClose, 0, nil
	case errors.Is(err, coreerr.ErrSessionClosed):
		return ReasonSessionClosed, 0, err
	default:
		return ReasonSessionLost, 0, err
	}
}

func (b *sshBackend) close() error {
	return b.ch.Close()
}
