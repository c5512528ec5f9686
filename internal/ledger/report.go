package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jackzampolin/narrate/internal/catalog"
)

// Report is an exported view of the ledger for operators.
type Report struct {
	ID          string             `json:"id" yaml:"id"`
	GeneratedAt time.Time          `json:"generated_at" yaml:"generated_at"`
	Summary     Summary            `json:"summary" yaml:"summary"`
	Failed      []FailedItem       `json:"failed" yaml:"failed"`
	Completed   []CompletionRecord `json:"completed" yaml:"completed"`
}

// BuildReport assembles a report. Completions are listed in catalog order.
func (s *Store) BuildReport(cat *catalog.Catalog) Report {
	r := Report{
		ID:          ulid.Make().String(),
		GeneratedAt: time.Now().UTC(),
		Summary:     s.Summarize(cat),
		Failed:      s.FailedItems(0),
	}
	for _, item := range cat.Items() {
		if rec, ok := s.Completion(item.ID()); ok {
			r.Completed = append(r.Completed, rec)
		}
	}
	return r
}

// ExportReport writes a report as JSON into dir and returns the file path.
func (s *Store) ExportReport(_ context.Context, cat *catalog.Catalog, dir string) (string, error) {
	r := s.BuildReport(cat)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("progress_report_%s.json", r.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}
