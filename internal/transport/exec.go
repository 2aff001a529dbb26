package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// exitStatuser is implemented by *ssh.ExitError.
type exitStatuser interface {
	error
	ExitStatus() int
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Exec runs command on an exec channel and collects its output. A non-zero
// exit status is reported in ExitCode, not as an error.
func (s *Session) Exec(ctx context.Context, command string) (ExecResult, error) {
	ch, err := s.OpenChannel(ctx, ChannelExec)
	if err != nil {
		return ExecResult{}, err
	}
	defer ch.Close()

	rs := ch.Remote()
	stdout, err := rs.StdoutPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := rs.StderrPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := rs.Start(command); err != nil {
		return ExecResult{}, fmt.Errorf("start %q: %w", command, err)
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, stderr)
		return err
	})

	waited := make(chan error, 1)
	go func() {
		copyErr := g.Wait()
		err := rs.Wait()
		if err == nil {
			err = copyErr
		}
		waited <- err
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		ch.Close()
		return ExecResult{}, ctx.Err()
	case <-ch.Done():
		if err := ch.Err(); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{}, fmt.Errorf("exec channel closed")
	case waitErr = <-waited:
	}

	res := ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}

	var exitErr exitStatuser
	var missing *ssh.ExitMissingError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(waitErr, &missing):
		res.ExitCode = -1
	default:
		return res, fmt.Errorf("exec %q: %w", command, waitErr)
	}
	return res, nil
}
