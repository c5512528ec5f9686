// Package catalog enumerates the chapters of a serialized novel as work items.
// The catalog is read once per run and never mutated afterwards.
package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
)

// WorkItem is one chapter to synthesize.
type WorkItem struct {
	Filename       string `json:"filename" yaml:"filename"`
	VolumeName     string `json:"volume_name" yaml:"volume_name"`
	VolumeNumber   int    `json:"volume_number" yaml:"volume_number"`
	ChapterNumber  int    `json:"chapter_number" yaml:"chapter_number"`
	ChapterTitle   string `json:"chapter_title,omitempty" yaml:"chapter_title,omitempty"`
	SourceTextPath string `json:"source_text_path" yaml:"source_text_path"`
	TextLength     int64  `json:"text_length" yaml:"text_length"`
}

// ID returns the canonical identifier derived from (volume, chapter, filename).
func (w WorkItem) ID() string {
	return fmt.Sprintf("%02d_%03d_%s", w.VolumeNumber, w.ChapterNumber, w.Filename)
}

// AudioFilename returns the artifact name for this item with the given extension.
func (w WorkItem) AudioFilename(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp3"
	}
	base := strings.TrimSuffix(w.Filename, filepath.Ext(w.Filename))
	return base + "." + ext
}

// OutputPath returns where the artifact for item lives under root:
// {root}/{volume_name}/{filename with audio extension}.
func OutputPath(root string, item WorkItem, ext string) string {
	return filepath.Join(root, item.VolumeName, item.AudioFilename(ext))
}
