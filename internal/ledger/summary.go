package ledger

import (
	"sort"
	"time"

	"github.com/jackzampolin/narrate/internal/catalog"
)

// VolumeProgress is the per-volume slice of a Summary.
type VolumeProgress struct {
	Volume     string  `json:"volume" yaml:"volume"`
	Total      int     `json:"total" yaml:"total"`
	Completed  int     `json:"completed" yaml:"completed"`
	Failed     int     `json:"failed" yaml:"failed"`
	Percentage float64 `json:"percentage" yaml:"percentage"`
}

// Summary describes ledger progress against a catalog.
type Summary struct {
	TotalItems      int              `json:"total_items" yaml:"total_items"`
	Completed       int              `json:"completed" yaml:"completed"`
	Failed          int              `json:"failed" yaml:"failed"`
	Pending         int              `json:"pending" yaml:"pending"`
	Percentage      float64          `json:"percentage" yaml:"percentage"`
	TotalAudioBytes int64            `json:"total_audio_bytes" yaml:"total_audio_bytes"`
	TotalAudioMB    float64          `json:"total_audio_mb" yaml:"total_audio_mb"`
	LastCompleted   string           `json:"last_completed,omitempty" yaml:"last_completed,omitempty"`
	LastRunID       string           `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastUpdated     time.Time        `json:"last_updated" yaml:"last_updated"`
	NextPending     string           `json:"next_pending,omitempty" yaml:"next_pending,omitempty"`
	Volumes         []VolumeProgress `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// FailedItem is the latest failure for one item.
type FailedItem struct {
	ID       string    `json:"id" yaml:"id"`
	Attempts int       `json:"attempts" yaml:"attempts"`
	Kind     ErrorKind `json:"error_kind" yaml:"error_kind"`
	Message  string    `json:"error_message" yaml:"error_message"`
	At       time.Time `json:"at" yaml:"at"`
}

// Summarize computes progress for the items in cat. Records for ids outside
// the catalog are counted in the audio totals but not in the per-item counts.
func (s *Store) Summarize(cat *catalog.Catalog) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		TotalItems:    cat.Len(),
		LastCompleted: s.snap.LastCompleted,
		LastRunID:     s.snap.LastRunID,
		LastUpdated:   s.snap.UpdatedAt,
	}
	for _, rec := range s.snap.Completed {
		sum.TotalAudioBytes += rec.OutputArtifactSize
	}
	sum.TotalAudioMB = float64(sum.TotalAudioBytes) / (1024 * 1024)

	byVolume := make(map[string]*VolumeProgress)
	var order []string
	for _, item := range cat.Items() {
		vp, ok := byVolume[item.VolumeName]
		if !ok {
			vp = &VolumeProgress{Volume: item.VolumeName}
			byVolume[item.VolumeName] = vp
			order = append(order, item.VolumeName)
		}
		vp.Total++

		id := item.ID()
		switch {
		case s.isCompletedLocked(id):
			sum.Completed++
			vp.Completed++
		case s.isFailedLocked(id):
			sum.Failed++
			vp.Failed++
			sum.Pending++
		default:
			sum.Pending++
			if sum.NextPending == "" {
				sum.NextPending = id
			}
		}
	}
	if sum.NextPending == "" {
		// Only failed items remain.
		for _, item := range cat.Items() {
			if !s.isCompletedLocked(item.ID()) {
				sum.NextPending = item.ID()
				break
			}
		}
	}

	sum.Percentage = percent(sum.Completed, sum.TotalItems)
	for _, name := range order {
		vp := byVolume[name]
		vp.Percentage = percent(vp.Completed, vp.Total)
		sum.Volumes = append(sum.Volumes, *vp)
	}
	return sum
}

func (s *Store) isCompletedLocked(id string) bool {
	_, ok := s.snap.Completed[id]
	return ok
}

// FailedItems returns the latest failure of each failed item, most recent first.
// A limit of zero or less returns all of them.
func (s *Store) FailedItems(limit int) []FailedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FailedItem, 0, len(s.retries))
	for id, n := range s.retries {
		recs := s.snap.Failures[id]
		if n == 0 || len(recs) == 0 {
			continue
		}
		last := recs[len(recs)-1]
		out = append(out, FailedItem{
			ID:       id,
			Attempts: n,
			Kind:     last.ErrorKind,
			Message:  last.ErrorMessage,
			At:       last.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
