package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/ledger"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

// runReport is what run and retry print when they finish.
type runReport struct {
	Summary    jobs.Summary        `json:"summary" yaml:"summary"`
	Failed     []ledger.FailedItem `json:"failed,omitempty" yaml:"failed,omitempty"`
	MoreFailed int                 `json:"more_failed,omitempty" yaml:"more_failed,omitempty"`
}

// newRunReport lists at most limit failed items of the run, with their
// latest recorded failure.
func newRunReport(s jobs.Summary, store *ledger.Store, limit int) runReport {
	r := runReport{Summary: s}
	for i, id := range s.FailedItems {
		if limit >= 0 && i >= limit {
			r.MoreFailed = len(s.FailedItems) - i
			break
		}
		item := ledger.FailedItem{ID: id, Attempts: store.RetryCount(id)}
		if f, ok := store.LatestFailure(id); ok {
			item.Kind = f.ErrorKind
			item.Message = f.ErrorMessage
			item.At = f.Timestamp
		}
		r.Failed = append(r.Failed, item)
	}
	return r
}

func (r runReport) RenderText(w io.Writer) error {
	s := r.Summary
	fmt.Fprintln(w, titleStyle.Render("Run "+s.RunID))
	fmt.Fprintf(w, "  attempted  %d\n", s.TotalAttempted)
	fmt.Fprintf(w, "  succeeded  %s\n", okStyle.Render(fmt.Sprint(s.Succeeded)))
	failed := fmt.Sprint(s.Failed)
	if s.Failed > 0 {
		failed = errorStyle.Render(failed)
	}
	fmt.Fprintf(w, "  failed     %s\n", failed)
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  elapsed    %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}

	if len(s.Batches) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "BATCH\tJOB\tSTATE\tITEMS\tOK\tFAILED\tERROR")
		for _, b := range s.Batches {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				b.Index, orDash(b.JobID), orDash(string(b.State)), b.Items, b.Succeeded, b.Failed, truncate(b.Error, 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return renderFailed(w, r.Failed, r.MoreFailed)
}

func renderFailed(w io.Writer, failed []ledger.FailedItem, more int) error {
	if len(failed) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, errorStyle.Render("Failed items"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range failed {
		fmt.Fprintf(tw, "  %s\t%s\tattempt %d\t%s\n", f.ID, f.Kind, f.Attempts, truncate(f.Message, 80))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if more > 0 {
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("  ... and %d more (narrate status --failed)", more)))
	}
	return nil
}

func (p plan) RenderText(w io.Writer) error {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Dry run: %d items in %d batches", p.Items, len(p.Batches))))
	for _, b := range p.Batches {
		first, last := b.IDs[0], b.IDs[len(b.IDs)-1]
		fmt.Fprintf(w, "  batch %d  %3d items  %s .. %s\n", b.Index, len(b.IDs), first, last)
	}
	return nil
}

// statusView is the output of the status command.
type statusView struct {
	Source  string              `json:"source" yaml:"source"`
	Summary ledger.Summary      `json:"summary" yaml:"summary"`
	Failed  []ledger.FailedItem `json:"failed,omitempty" yaml:"failed,omitempty"`
	More    int                 `json:"more_failed,omitempty" yaml:"more_failed,omitempty"`
}

func (v statusView) RenderText(w io.Writer) error {
	s := v.Summary
	fmt.Fprintln(w, titleStyle.Render("Progress for "+v.Source))
	fmt.Fprintf(w, "  %s %d/%d chapters (%.1f%%)\n", progressBar(s.Percentage, 30), s.Completed, s.TotalItems, s.Percentage)
	fmt.Fprintf(w, "  pending %d, failed %d, audio %.1f MB\n", s.Pending, s.Failed, s.TotalAudioMB)
	if s.NextPending != "" {
		fmt.Fprintf(w, "  next    %s\n", s.NextPending)
	}
	if s.LastCompleted != "" {
		fmt.Fprintf(w, "  last    %s\n", mutedStyle.Render(s.LastCompleted))
	}
	if s.LastRunID != "" {
		fmt.Fprintf(w, "  run     %s\n", mutedStyle.Render(s.LastRunID))
	}

	if len(s.Volumes) > 1 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VOLUME\tDONE\tTOTAL\tFAILED\t%")
		for _, vp := range s.Volumes {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\n", vp.Volume, vp.Completed, vp.Total, vp.Failed, vp.Percentage)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return renderFailed(w, v.Failed, v.More)
}

// catalogRow is one item of the catalog command.
type catalogRow struct {
	ID     string `json:"id" yaml:"id"`
	Volume string `json:"volume" yaml:"volume"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	Chars  int64  `json:"chars" yaml:"chars"`
	Status string `json:"status" yaml:"status"`
}

type catalogView struct {
	Items []catalogRow `json:"items" yaml:"items"`
}

func newCatalogView(cat *catalog.Catalog, store *ledger.Store) catalogView {
	v := catalogView{Items: make([]catalogRow, 0, cat.Len())}
	for _, item := range cat.Items() {
		id := item.ID()
		status := "pending"
		switch {
		case store.IsCompleted(id):
			status = "done"
		case store.IsFailed(id):
			status = fmt.Sprintf("failed x%d", store.RetryCount(id))
		}
		v.Items = append(v.Items, catalogRow{
			ID:     id,
			Volume: item.VolumeName,
			Title:  item.ChapterTitle,
			Chars:  item.TextLength,
			Status: status,
		})
	}
	return v
}

func (v catalogView) RenderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCHARS\tSTATUS")
	for _, r := range v.Items {
		status := r.Status
		switch {
		case status == "done":
			status = okStyle.Render(status)
		case strings.HasPrefix(status, "failed"):
			status = errorStyle.Render(status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ID, truncate(r.Title, 40), r.Chars, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d items", len(v.Items))))
	return nil
}

func progressBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + okStyle.Render(strings.Repeat("#", filled)) + strings.Repeat(".", width-filled) + "]"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
