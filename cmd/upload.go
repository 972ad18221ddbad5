package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-progress/internal/ingest"
	"github.com/JakeFAU/ingest-progress/internal/poller"
	"github.com/JakeFAU/ingest-progress/internal/session"
)

// progressInterval is how often the upload command prints a status line.
var progressInterval = time.Second

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Upload a file and follow the ingestion job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runUploadCommand),
	}
}

func runUploadCommand(cmd *cobra.Command, args []string, appInstance App) error {
	logger := appInstance.Logger().Named("cli")

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Warn("close upload file", zap.Error(cerr))
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat upload: %w", err)
	}

	sess := appInstance.Session()
	out := cmd.OutOrStdout()
	stopProgress := startProgress(cmd.Context(), out, sess)

	upload := ingest.Upload{Name: filepath.Base(args[0]), Size: info.Size(), Body: f}
	jobID, err := sess.StartUpload(cmd.Context(), upload)
	var jobErr *ingest.JobError
	if err != nil && !errors.As(err, &jobErr) {
		stopProgress()
		return fmt.Errorf("start upload: %w", err)
	}
	logger.Debug("upload started", zap.String("job_id", jobID))

	outcome, err := sess.Wait(cmd.Context())
	stopProgress()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatSnapshot(sess.Snapshot()))
	fmt.Fprintln(out)
	renderLedger(out, sess.Jobs())

	switch outcome.Result {
	case poller.ResultComplete:
		return nil
	case poller.ResultFailed:
		if outcome.Err != nil {
			return fmt.Errorf("job %s failed: %s", outcome.JobID, outcome.Err.Message)
		}
		return fmt.Errorf("job %s failed", outcome.JobID)
	default:
		return fmt.Errorf("job %s did not finish", outcome.JobID)
	}
}

// startProgress prints a status line every progressInterval until the
// returned func is called.
func startProgress(ctx context.Context, w io.Writer, sess *session.Session) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprintln(w, formatSnapshot(sess.Snapshot()))
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// formatSnapshot renders one progress line for the active attempt.
func formatSnapshot(s ingest.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.Status)
	if s.FileName != "" {
		fmt.Fprintf(&b, " %s", s.FileName)
	}
	if s.JobID != "" {
		fmt.Fprintf(&b, " job=%s", s.JobID)
	}
	switch s.Status {
	case ingest.JobStatusIdle:
		return b.String()
	case ingest.JobStatusUploading:
		fmt.Fprintf(&b, " transfer %d%%", s.TransferPercent)
		if s.TransferBytesTotal > 0 {
			fmt.Fprintf(&b, " (%s/%s)", formatBytes(s.TransferBytesSent), formatBytes(s.TransferBytesTotal))
		} else {
			fmt.Fprintf(&b, " (%s)", formatBytes(s.TransferBytesSent))
		}
		if s.SpeedBytesPerSec > 0 {
			fmt.Fprintf(&b, " %s/s", formatBytes(int64(s.SpeedBytesPerSec)))
		}
		if s.ETASeconds != nil {
			fmt.Fprintf(&b, " eta %s", time.Duration(*s.ETASeconds)*time.Second)
		}
		return b.String()
	}
	fmt.Fprintf(&b, " intake %d%% insert %d%%", s.IntakePercent, s.InsertPercent)
	if s.InsertedCount != nil && s.InsertTotal != nil {
		fmt.Fprintf(&b, " (%d/%d rows)", *s.InsertedCount, *s.InsertTotal)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, " error=%q", s.Error)
	}
	return b.String()
}

// formatBytes renders n with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
