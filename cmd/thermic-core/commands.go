package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

func newConnectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect TARGET",
		Short: "Open a session and report its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				s, err := a.session(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s (session %s)\n", s.Profile().Key(), s.Status(), s.ID())
				return nil
			})
		},
	}
	addTargetFlags(cmd, &a.target)
	return cmd
}

func newExecCmd(a *app) *cobra.Command {
	var shortcut string
	cmd := &cobra.Command{
		Use:   "exec TARGET [COMMAND...]",
		Short: "Run a command on the remote host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				command := strings.Join(args[1:], " ")
				if shortcut != "" {
					s, ok := findShortcut(a.cfg, shortcut)
					if !ok {
						return fmt.Errorf("unknown shortcut %q", shortcut)
					}
					command = s.Command
				}
				if command == "" {
					return errors.New("missing command")
				}

				s, err := a.session(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.mgr.Exec(ctx, s.ID(), command)
				if err != nil {
					return err
				}
				fmt.Fprint(os.Stdout, res.Stdout)
				fmt.Fprint(os.Stderr, res.Stderr)
				if res.ExitCode != 0 {
					return fmt.Errorf("command exited with status %d", res.ExitCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&shortcut, "shortcut", "s", "", "run a saved command shortcut")
	addTargetFlags(cmd, &a.target)
	return cmd
}

func findShortcut(cfg *config.AppConfig, name string) (config.CommandShortcut, bool) {
	for _, s := range cfg.Shortcuts {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return config.CommandShortcut{}, false
}

func newLsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls TARGET [PATH]",
		Short: "List a remote directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				dir := ""
				if len(args) > 1 {
					dir = args[1]
				}
				s, err := a.session(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := a.mgr.ListDir(ctx, s.ID(), dir)
				if err != nil {
					return err
				}
				printEntries(entries)
				return nil
			})
		},
	}
	addTargetFlags(cmd, &a.target)
	return cmd
}

func printEntries(entries []remotefs.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		switch {
		case e.IsSymlink:
			name += " -> " + e.SymlinkTarget
		case e.IsDir:
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Mode, e.Size, e.ModifiedTime.Format("2006-01-02 15:04"), name)
	}
	w.Flush()
}

func newShortcutsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shortcuts",
		Short: "List saved command shortcuts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.run(func(context.Context) error {
				byCategory := a.cfgMgr.ShortcutsByCategory()
				categories := make([]string, 0, len(byCategory))
				for c := range byCategory {
					categories = append(categories, c)
				}
				sort.Strings(categories)

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, c := range categories {
					fmt.Fprintf(w, "[%s]\n", c)
					for _, s := range byCategory[c] {
						fmt.Fprintf(w, "  %s\t%s\t%s\n", s.Name, s.Command, s.Description)
					}
				}
				return w.Flush()
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			channel := "development build"
			if v, err := semver.NewVersion(strings.TrimPrefix(Version, "v")); err == nil {
				channel = "release"
				if v.Prerelease() != "" {
					channel = "pre-release"
				}
			}
			fmt.Printf("thermic-core %s (%s)\n", Version, channel)
			fmt.Printf("  commit:   %s\n", GitCommit)
			fmt.Printf("  built:    %s\n", BuildDate)
			fmt.Printf("  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Printf("  config:   schema %s\n", config.SchemaVersion)
		},
	}
}
