package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultVolumePattern matches volume directories such as "01___VOLUME_1___Title".
	DefaultVolumePattern = `(\d+)___VOLUME_\d+___`

	// DefaultChapterPattern matches chapter files such as "Chapter_12_The_Gate.txt".
	DefaultChapterPattern = `Chapter_(\d+)_`

	// SideStoriesDir is treated as a volume of its own.
	SideStoriesDir = "side_stories"

	// SideStoriesVolume is the volume number assigned to SideStoriesDir.
	SideStoriesVolume = 9
)

// DirSource discovers chapters laid out as {root}/{volume dir}/{chapter file}.txt.
type DirSource struct {
	Root           string
	VolumePattern  string
	ChapterPattern string
	Logger         *slog.Logger
}

// Discover walks Root and returns chapters sorted by volume, chapter, then filename.
func (s *DirSource) Discover(ctx context.Context) ([]WorkItem, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	volPattern := s.VolumePattern
	if volPattern == "" {
		volPattern = DefaultVolumePattern
	}
	chPattern := s.ChapterPattern
	if chPattern == "" {
		chPattern = DefaultChapterPattern
	}
	// Volume names must match from the start of the directory name.
	volRe, err := regexp.Compile("^(?:" + volPattern + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid volume pattern %q: %w", volPattern, err)
	}
	chRe, err := regexp.Compile(chPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid chapter pattern %q: %w", chPattern, err)
	}

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("read source directory %s: %w", s.Root, err)
	}

	var items []WorkItem
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		volNum, ok := volumeNumber(volRe, entry.Name())
		if !ok {
			continue
		}
		found, err := s.discoverVolume(chRe, entry.Name(), volNum, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("discovered volume", "volume", entry.Name(), "number", volNum, "chapters", len(found))
		items = append(items, found...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.VolumeNumber != b.VolumeNumber {
			return a.VolumeNumber < b.VolumeNumber
		}
		if a.ChapterNumber != b.ChapterNumber {
			return a.ChapterNumber < b.ChapterNumber
		}
		return a.Filename < b.Filename
	})

	logger.Info("discovered chapters", "root", s.Root, "chapters", len(items))
	return items, nil
}

func (s *DirSource) discoverVolume(chRe *regexp.Regexp, volName string, volNum int, logger *slog.Logger) ([]WorkItem, error) {
	dir := filepath.Join(s.Root, volName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read volume directory %s: %w", dir, err)
	}

	var items []WorkItem
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".txt") {
			continue
		}
		name := entry.Name()
		match := chRe.FindStringSubmatchIndex(name)
		if match == nil || len(match) < 4 {
			logger.Warn("skipping file, does not match chapter pattern", "file", name)
			continue
		}
		chapter, err := strconv.Atoi(name[match[2]:match[3]])
		if err != nil {
			logger.Warn("skipping file, bad chapter number", "file", name, "error", err)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		if info.Size() == 0 {
			logger.Warn("skipping empty chapter file", "file", name)
			continue
		}

		items = append(items, WorkItem{
			Filename:       name,
			VolumeName:     volName,
			VolumeNumber:   volNum,
			ChapterNumber:  chapter,
			ChapterTitle:   chapterTitle(chRe, name),
			SourceTextPath: filepath.Join(dir, name),
			TextLength:     info.Size(),
		})
	}
	return items, nil
}

func volumeNumber(re *regexp.Regexp, name string) (int, bool) {
	if strings.EqualFold(name, SideStoriesDir) {
		return SideStoriesVolume, true
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	if len(m) < 2 {
		return 0, true
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, true
	}
	return n, true
}

func chapterTitle(re *regexp.Regexp, filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	loc := re.FindStringIndex(stem)
	if loc == nil {
		return stem
	}
	return strings.TrimSpace(strings.ReplaceAll(stem[loc[1]:], "_", " "))
}

var _ Source = (*DirSource)(nil)
