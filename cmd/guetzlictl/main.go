// Package main is the guetzli operator CLI: run the server, force a janitor
// sweep, or inspect one entry's metadata, all against the same packages the
// daemon uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/speexx/guetzli-service/internal/api"
	"github.com/speexx/guetzli-service/internal/config"
	"github.com/speexx/guetzli-service/internal/coordinator"
	"github.com/speexx/guetzli-service/internal/janitor"
	"github.com/speexx/guetzli-service/internal/probe"
	"github.com/speexx/guetzli-service/internal/store"
	"github.com/speexx/guetzli-service/internal/transformer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "guetzlictl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "guetzlictl",
		Short:        "guetzli service operator CLI",
		Long:         "guetzlictl runs the daemon in-process, or drives one-off operations (sweep, inspect) against the same on-disk store the daemon uses.",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd(), newSweepCmd(), newInspectCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and janitor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, st, coord, err := wire(log)
			if err != nil {
				return err
			}
			jan := janitor.New(st, cfg.JanitorMaxAge, log)
			if err := jan.StartWithSchedule(cfg.JanitorSchedule); err != nil {
				return err
			}
			defer jan.Stop()

			srv := api.New(coord, st, log)
			return srv.Run(cmd.Context(), cfg.Address)
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single janitor sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, st, _, err := wire(log)
			if err != nil {
				return err
			}
			jan := janitor.New(st, cfg.JanitorMaxAge, log)
			deleted, err := jan.Sweep()
			if err != nil {
				return err
			}
			fmt.Printf("swept %d expired entries\n", deleted)
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <content-id>",
		Short: "Print the metadata record for one entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			_, st, _, err := wire(log)
			if err != nil {
				return err
			}
			rec, err := st.ReadMeta(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

// wire builds the shared dependency graph once, so serve/sweep/inspect stay
// in sync with the daemon's wiring.
func wire(log zerolog.Logger) (*config.Config, *store.Store, *coordinator.Coordinator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.New(cfg.StorageBase, log)
	if err != nil {
		return nil, nil, nil, err
	}
	pr := probe.New(cfg.ProbeTimeout)
	tr := transformer.New(cfg.TransformPollInterval, cfg.TransformMaxAttempts, log)
	coord := coordinator.New(st, st, pr, tr, cfg.TransformSlots, cfg.MaxSourceSize, log)
	return cfg, st, coord, nil
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
}
