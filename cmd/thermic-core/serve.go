package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yzhelezko/thermic-core/internal/api"
	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/logging"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket bridge for a UI",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.run(func(ctx context.Context) error {
				if listen == "" {
					listen = a.cfg.API.Listen
				}
				token := os.Getenv(config.APITokenEnvVar)
				if token == "" {
					token = a.cfg.API.Token
				}
				srv := api.NewServer(a.mgr, api.Options{
					Listen: listen,
					Token:  token,
					Config: a.cfg,
					Logger: logging.Component(a.log, "api"),
				})
				addr, err := srv.Start()
				if err != nil {
					return err
				}
				// The UI reads these lines to find the bridge.
				fmt.Printf("API_ADDR=%s\n", addr)
				if token == "" {
					fmt.Printf("%s=%s\n", config.APITokenEnvVar, srv.Token())
				}

				<-ctx.Done()
				a.log.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit     int
		file      string
		pruneDays int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished transfers and edit-sync uploads",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.run(func(context.Context) error {
				if a.history == nil {
					return fmt.Errorf("history is disabled")
				}
				if pruneDays > 0 {
					n, err := a.history.Prune(time.Now().AddDate(0, 0, -pruneDays))
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "pruned %d records\n", n)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				defer w.Flush()

				if file != "" {
					records, err := a.history.SyncHistory(file, limit)
					if err != nil {
						return err
					}
					for _, r := range records {
						fmt.Fprintf(w, "%s\t%s\t%d\t%.12s\t%s\n",
							r.Time.Format(time.DateTime), r.State, r.Size, r.Hash, r.Error)
					}
					return nil
				}

				tasks, err := a.history.RecentTransfers(limit)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						t.Finished.Format(time.DateTime), t.Direction, t.State, t.Transferred, t.RemotePath, t.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	cmd.Flags().StringVar(&file, "file", "", "show edit-sync uploads of this remote path")
	cmd.Flags().IntVar(&pruneDays, "prune", 0, "first drop records older than this many days")
	return cmd
}
