package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yzhelezko/thermic-core/internal/terminal"
)

func newShellCmd(a *app) *cobra.Command {
	var local string
	cmd := &cobra.Command{
		Use:   "shell [TARGET]",
		Short: "Open an interactive shell on the remote host, or locally with --local",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("local") {
				return fmt.Errorf("missing target")
			}
			return a.run(func(ctx context.Context) error {
				fd := int(os.Stdin.Fd())
				cols, rows := 80, 24
				if w, h, err := term.GetSize(fd); err == nil {
					cols, rows = w, h
				}

				var (
					t   *terminal.Terminal
					err error
				)
				if len(args) == 0 {
					t, err = a.mgr.OpenLocalTerminal(strings.TrimSpace(local), cols, rows)
				} else {
					s, serr := a.session(ctx, args[0])
					if serr != nil {
						return serr
					}
					t, err = a.mgr.OpenTerminal(ctx, s.ID(), cols, rows)
				}
				if err != nil {
					return err
				}
				return attach(ctx, a, t, fd)
			})
		},
	}
	cmd.Flags().StringVar(&local, "local", "", "run a local shell (empty uses the default shell)")
	cmd.Flags().Lookup("local").NoOptDefVal = " "
	addTargetFlags(cmd, &a.target)
	return cmd
}

// attach wires the controlling terminal to t until t closes.
func attach(ctx context.Context, a *app, t *terminal.Terminal, fd int) error {
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set terminal mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	resized, stopResize := notifyResize()
	defer stopResize()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := t.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					a.log.WithError(err).Debug("stdin closed")
				}
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-t.Output():
			if !ok {
				return exitError(t)
			}
			os.Stdout.Write(data)
		case <-resized:
			if w, h, err := term.GetSize(fd); err == nil {
				if err := t.Resize(w, h); err != nil {
					a.log.WithError(err).Debug("resize failed")
				}
			}
		case <-ctx.Done():
			t.Close()
			return ctx.Err()
		}
	}
}

func exitError(t *terminal.Terminal) error {
	reason, status, err := t.CloseReason()
	switch reason {
	case terminal.ReasonExited:
		if status != 0 {
			return fmt.Errorf("shell exited with status %d", status)
		}
		return nil
	case terminal.ReasonLocalClose:
		return nil
	default:
		if err != nil {
			return fmt.Errorf("terminal closed (%s): %w", reason, err)
		}
		return fmt.Errorf("terminal closed (%s)", reason)
	}
}
