package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/transfer"
)

func newGetCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "get TARGET REMOTE [LOCAL]",
		Short: "Download a file or, with -r, a directory",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				remote := args[1]
				local := path.Base(remote)
				if len(args) > 2 {
					local = args[2]
				}
				s, err := a.session(ctx, args[0])
				if err != nil {
					return err
				}

				stop := a.followProgress()
				defer stop()
				if recursive {
					res, err := a.mgr.DownloadDir(ctx, s.ID(), remote, local)
					return batchOutcome(res, err)
				}
				task, err := a.mgr.Download(s.ID(), remote, local)
				if err != nil {
					return err
				}
				return a.waitTask(ctx, task)
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "download a directory tree")
	addTargetFlags(cmd, &a.target)
	return cmd
}

func newPutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put TARGET LOCAL [REMOTE]",
		Short: "Upload a file or directory",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				local := args[1]
				remote := filepath.Base(local)
				if len(args) > 2 {
					remote = args[2]
				}
				info, err := os.Stat(local)
				if err != nil {
					return err
				}
				s, err := a.session(ctx, args[0])
				if err != nil {
					return err
				}

				stop := a.followProgress()
				defer stop()
				if info.IsDir() {
					res, err := a.mgr.UploadDir(ctx, s.ID(), local, remote)
					return batchOutcome(res, err)
				}
				task, err := a.mgr.Upload(s.ID(), local, remote)
				if err != nil {
					return err
				}
				return a.waitTask(ctx, task)
			})
		},
	}
	addTargetFlags(cmd, &a.target)
	return cmd
}

// waitTask waits for task and cancels it if ctx ends first.
func (a *app) waitTask(ctx context.Context, task *transfer.Task) error {
	if err := task.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			a.mgr.CancelTransfer(task.ID)
			<-task.Done()
		}
		return err
	}
	return nil
}

// followProgress prints transfer progress to stderr until stop is called.
func (a *app) followProgress() (stop func()) {
	sub := a.mgr.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			switch ev.Type {
			case events.TransferProgress:
				fmt.Fprintf(os.Stderr, "\r%-40s %6.1f%% %10s/s", ev.FileName, ev.Percent, humanBytes(ev.BytesPerSec))
			case events.TransferState:
				switch transfer.State(ev.State) {
				case transfer.StateCompleted:
					fmt.Fprintf(os.Stderr, "\r%-40s done%22s\n", ev.FileName, "")
				case transfer.StateFailed, transfer.StateCancelled:
					fmt.Fprintf(os.Stderr, "\r%-40s %s: %s\n", ev.FileName, ev.State, ev.Error)
				}
			}
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

func batchOutcome(res *transfer.BatchResult, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d files: %d completed, %d failed, %d cancelled\n",
		res.Total, res.Completed, res.Failed, res.Cancelled)
	for _, e := range res.Errors {
		fmt.Fprintln(os.Stderr, "  "+e)
	}
	if res.Failed > 0 || res.Cancelled > 0 {
		return fmt.Errorf("%d of %d files did not transfer", res.Failed+res.Cancelled, res.Total)
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
