package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/connmgr"
	"github.com/yzhelezko/thermic-core/internal/history"
	"github.com/yzhelezko/thermic-core/internal/logging"
)

// app holds what every command shares once the config is loaded.
type app struct {
	configPath string
	verbose    bool
	target     targetFlags

	cfgMgr  *config.Manager
	cfg     *config.AppConfig
	log     *log.Entry
	history *history.Store
	mgr     *connmgr.Manager
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "thermic-core",
		Short: "SSH sessions, SFTP transfers and edit-sync from the terminal",

		// main prints the error, so cobra stays quiet.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default is the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output")

	rootCmd.AddCommand(
		newConnectCmd(a),
		newExecCmd(a),
		newLsCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newShellCmd(a),
		newEditCmd(a),
		newServeCmd(a),
		newHistoryCmd(a),
		newShortcutsCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the config and builds the connection manager.
func (a *app) load() error {
	path := a.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}

	a.cfgMgr = config.NewManager(path, logging.Discard())
	if err := a.cfgMgr.Load(); err != nil {
		return err
	}
	cfg := a.cfgMgr.Config()
	a.cfg = &cfg

	logCfg := cfg.Log
	if a.verbose {
		logCfg.Level = "debug"
	}
	logCfg.Component = "cli"
	a.log = logging.New(logCfg)

	opts := connmgr.OptionsFromConfig(a.cfg)
	opts.Logger = a.log
	if cfg.History.Enabled {
		store, err := history.Open(a.cfgMgr.HistoryPath())
		if err != nil {
			a.log.WithError(err).Warn("History disabled")
		} else {
			a.history = store
			opts.Transfer.Archiver = store
			opts.Sync.Archiver = store
		}
	}
	a.mgr = connmgr.New(opts)
	return nil
}

// close shuts every session down and flushes config and history.
func (a *app) close() {
	if a.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		if err := a.mgr.ShutdownAll(ctx); err != nil {
			a.log.WithError(err).Warn("Shutdown did not finish cleanly")
		}
		cancel()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close history")
		}
	}
	if a.cfgMgr != nil {
		if err := a.cfgMgr.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to save config")
		}
	}
}

// run loads the app, runs fn under a context cancelled by SIGINT or
// SIGTERM, and tears everything down afterwards.
func (a *app) run(fn func(ctx context.Context) error) error {
	if err := a.load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}
