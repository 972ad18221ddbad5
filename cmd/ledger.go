package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/JakeFAU/ingest-progress/internal/ingest"
)

// theme holds the ledger colours.
type theme struct {
	Failed   lipgloss.Color
	Complete lipgloss.Color
	Pending  lipgloss.Color
	Hint     lipgloss.Color
}

var defaultTheme = theme{
	Failed:   lipgloss.Color("#b91c1c"),
	Complete: lipgloss.Color("#10b981"),
	Pending:  lipgloss.Color("#5FAFD7"),
	Hint:     lipgloss.Color("#6C6C6C"),
}

// renderLedger writes one line per job, most recent first. Colours are only
// emitted when w is a terminal.
func renderLedger(w io.Writer, jobs []ingest.JobRecord) {
	r := lipgloss.NewRenderer(w)
	hint := r.NewStyle().Foreground(defaultTheme.Hint).Italic(true)
	if len(jobs) == 0 {
		fmt.Fprintln(w, hint.Render("no jobs"))
		return
	}
	header := r.NewStyle().Bold(true)
	fmt.Fprintln(w, header.Render(fmt.Sprintf("%-10s %-38s %-7s %-7s %s", "STATUS", "JOB", "INTAKE", "INSERT", "FILE")))
	for _, job := range jobs {
		status := statusStyle(r, job.Status).Width(10).Render(string(job.Status))
		line := fmt.Sprintf("%s %-38s %-7s %-7s %s",
			status, job.ID,
			fmt.Sprintf("%d%%", job.Percent),
			fmt.Sprintf("%d%%", job.InsertPercent),
			job.FileName,
		)
		fmt.Fprintln(w, line)
		if job.Error != "" {
			fmt.Fprintln(w, "  "+statusStyle(r, ingest.JobStatusFailed).Render(job.Error))
		}
	}
}

func statusStyle(r *lipgloss.Renderer, status ingest.JobStatus) lipgloss.Style {
	style := r.NewStyle()
	switch status {
	case ingest.JobStatusFailed:
		return style.Foreground(defaultTheme.Failed).Bold(true)
	case ingest.JobStatusComplete:
		return style.Foreground(defaultTheme.Complete).Bold(true)
	default:
		return style.Foreground(defaultTheme.Pending)
	}
}
