package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func InitRootCmd(rootCmd *cobra.Command, configPath *string) {
	rootCmd.AddCommand(startCmd(configPath))
	rootCmd.AddCommand(demoCmd(configPath))
	rootCmd.AddCommand(sessionCmd(configPath))
	rootCmd.AddCommand(sweepCmd(configPath))
	rootCmd.AddCommand(versionCmd())
}

func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the coordinator's sweeper and metrics endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var srv *http.Server
			if a.cfg.Metrics.Listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error().Err(err).Msg("metrics server failed")
					}
				}()
				a.log.Info().Str("listen", a.cfg.Metrics.Listen).Msg("serving metrics")
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go a.sweeper.Start(ctx, &wg)

			a.log.Info().
				Strs("keys", a.keys.Keys()).
				Str("quorum_policy", a.cfg.Coordinator.QuorumPolicy).
				Msg("coordinator started")

			<-ctx.Done()
			a.log.Info().Msg("shutting down")

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.log.Warn().Err(err).Msg("metrics server shutdown")
				}
			}
			wg.Wait()
			return nil
		},
	}
}

func sessionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage signing sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Print a session snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.coord.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	})

	var initiator, reason string
	abort := &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Fail a non-terminal session on behalf of its initiator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.Abort(cmd.Context(), args[0], initiator, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s aborted\n", args[0])
			return nil
		},
	}
	abort.Flags().StringVar(&initiator, "initiator", "", "initiator that created the session")
	abort.Flags().StringVar(&reason, "reason", "", "reason recorded on the session")
	_ = abort.MarkFlagRequired("initiator")
	cmd.AddCommand(abort)

	return cmd
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and retention pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print frostd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
