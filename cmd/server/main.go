package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/EpicMandM/vmsnap/internal/app"
	"github.com/EpicMandM/vmsnap/internal/config"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/scavenger"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type globalFlags struct {
	envFile    string
	configPath string
}

// NewRootCmd returns the vmsnap command tree.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "vmsnap",
		Short:         "VM snapshot controller for vCenter managed hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Path to the infrastructure .env file")
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", getEnvOrDefault("CONFIG_PATH", "./data/vmsnap.toml"), "Path to the feature config")

	cmd.AddCommand(newServeCmd(flags, stderr))
	cmd.AddCommand(newRecoverCmd(flags, stdout, stderr))
	cmd.AddCommand(newSnapshotsCmd(flags, stdout, stderr))
	return cmd
}

// loadApp builds an initialized App. Offline apps never contact vCenter.
func loadApp(ctx context.Context, flags *globalFlags, stderr io.Writer, offline bool) (*app.App, *logger.Logger, error) {
	log := logger.NewWithWriter(stderr)

	features, err := config.LoadFeatureConfig(flags.configPath)
	if err != nil {
		log.Error("Failed to load feature config", logger.Error(err), logger.F("PATH", flags.configPath))
		return nil, nil, err
	}

	load := config.LoadWithFile
	if offline {
		load = config.LoadOffline
	}
	cfg, err := load(flags.envFile)
	if err != nil {
		log.Error("Failed to load infrastructure config", logger.Error(err), logger.F("PATH", flags.envFile))
		return nil, nil, err
	}

	a := app.New(cfg, features, log)
	if offline {
		err = a.InitializeOffline(ctx)
	} else {
		err = a.Initialize(ctx)
	}
	if err != nil {
		if cerr := a.Close(ctx); cerr != nil {
			log.Error("Failed to close app", logger.Error(cerr))
		}
		return nil, nil, err
	}
	return a, log, nil
}

func closeApp(ctx context.Context, a *app.App, log *logger.Logger) {
	if err := a.Close(ctx); err != nil {
		log.Error("Failed to close app", logger.Error(err))
	}
}

func newServeCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover interrupted workflows and serve the snapshot API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, log, err := loadApp(ctx, flags, stderr, false)
			if err != nil {
				return err
			}
			defer closeApp(context.WithoutCancel(ctx), a, log)
			return a.Serve(ctx)
		},
	}
}

func newRecoverCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume every interrupted snapshot workflow once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			a, log, err := loadApp(ctx, flags, stderr, false)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a, log)

			report, err := a.Scavenger().RecoverAll(ctx)
			if err != nil {
				return err
			}
			return renderReport(stdout, report)
		},
	}
}

func renderReport(w io.Writer, report *scavenger.Report) error {
	failed := report.Failed
	if _, err := fmt.Fprintf(w, "candidates=%d resumed=%d skipped=%d failed=%d\n",
		report.Candidates, report.Resumed, report.Skipped, len(failed)); err != nil {
		return err
	}
	for _, vmID := range failed {
		if _, err := fmt.Fprintf(w, "failed: %s\n", vmID); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d VM(s) failed to recover", len(failed))
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
