package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yzhelezko/thermic-core/internal/editsync"
)

const settlePoll = 100 * time.Millisecond

func newEditCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "edit TARGET REMOTE",
		Short: "Edit a remote file locally; saves are uploaded as you go",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				s, err := a.session(ctx, args[0])
				if err != nil {
					return err
				}
				f, err := a.mgr.OpenForEdit(ctx, s.ID(), args[1], force)
				if errors.Is(err, editsync.ErrFileTooLarge) {
					return fmt.Errorf("%w (use --force to open anyway)", err)
				}
				if err != nil {
					return err
				}

				if err := runEditor(ctx, editorCommand(a.cfg.Editor), f.LocalPath); err != nil {
					a.log.WithError(err).Warn("Editor exited with an error")
				}

				state := settle(ctx, f, a.cfg.Sync.Debounce)
				closeErr := a.mgr.CloseEdit(s.ID(), args[1])
				switch state {
				case editsync.StateInSync:
					fmt.Fprintf(os.Stderr, "%s is in sync\n", args[1])
				case editsync.StateSyncFailed:
					return fmt.Errorf("last save of %s was not uploaded: %w", args[1], f.Err())
				case editsync.StateOrphaned:
					return fmt.Errorf("local copy of %s was removed", args[1])
				}
				return closeErr
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "open files above the large file warning size")
	addTargetFlags(cmd, &a.target)
	return cmd
}

func editorCommand(configured string) string {
	for _, e := range []string{configured, os.Getenv("VISUAL"), os.Getenv("EDITOR")} {
		if e != "" {
			return e
		}
	}
	if runtime.GOOS == "windows" {
		return "notepad"
	}
	return "vi"
}

func runEditor(ctx context.Context, editor, file string) error {
	fields := strings.Fields(editor)
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], file)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// settle waits out the debounce window, then until no upload is pending.
func settle(ctx context.Context, f *editsync.WatchedFile, debounce time.Duration) editsync.State {
	timer := time.NewTimer(2 * debounce)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return f.State()
	}

	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		state := f.State()
		if state != editsync.StateDirty && state != editsync.StateSyncing {
			return state
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return f.State()
		}
	}
}
