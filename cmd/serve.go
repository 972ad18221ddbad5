package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-progress/internal/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session, ledger and upload API",
		Long: `serve exposes the upload session over HTTP: POST /v1/uploads starts an
upload, GET /v1/session and GET /v1/jobs report progress, and /metrics exports
Prometheus metrics. The server drains on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: withApp(runServeCommand),
	}
}

func runServeCommand(cmd *cobra.Command, _ []string, appInstance App) error {
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	apiServer := api.NewServer(appInstance.Session(), api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes(),
	}, logger)

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(cmd.Context(), ln, apiServer.Handler(), logger)
}

// serve runs handler on ln until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
