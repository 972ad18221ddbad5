// Package cmd defines and implements the CLI commands for the ingestwatch
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-progress/internal/app"
	"github.com/JakeFAU/ingest-progress/internal/config"
	"github.com/JakeFAU/ingest-progress/internal/session"
)

// closeTimeout bounds how long a command waits for the session and the
// progress hub to drain.
const closeTimeout = 5 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface commands use. Tests inject their own.
type App interface {
	Close(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	Session() *session.Session
}

// newApp is the application factory. It's a variable so tests can swap in a
// factory that registers metrics on a private registry.
var newApp = func(cfg config.Config) (App, error) {
	return app.New(cfg, app.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "ingestwatch",
		Short: "Upload CSV files to an ingestion backend and follow the job.",
		Long: `ingestwatch uploads a CSV file to an ingestion service, polls the job the
service creates and reports transfer, intake and insertion progress derived
from whatever status payload the service returns.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (INGEST_* env vars override it)")
	cmd.AddCommand(newUploadCmd(), newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp resolves the App built by PersistentPreRunE and closes it once run
// returns, including on error where cobra skips the post-run hooks.
func withApp(run func(cmd *cobra.Command, args []string, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if cerr := appInstance.Close(ctx); cerr != nil {
				appInstance.Logger().Warn("close application", zap.Error(cerr))
			}
		}()
		return run(cmd, args, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
