package catalog

// Filter narrows a list of work items. Zero values disable each bound.
type Filter struct {
	// StartChapter and EndChapter bound the chapter number, inclusive.
	StartChapter int
	EndChapter   int

	// Volumes restricts to the given volume numbers.
	Volumes []int

	// MaxChapters caps the result after the other bounds apply.
	MaxChapters int
}

// IsZero reports whether the filter keeps everything.
func (f Filter) IsZero() bool {
	return f.StartChapter == 0 && f.EndChapter == 0 && len(f.Volumes) == 0 && f.MaxChapters == 0
}

// Apply returns the matching items in their original order.
func (f Filter) Apply(items []WorkItem) []WorkItem {
	var volumes map[int]bool
	if len(f.Volumes) > 0 {
		volumes = make(map[int]bool, len(f.Volumes))
		for _, v := range f.Volumes {
			volumes[v] = true
		}
	}

	out := make([]WorkItem, 0, len(items))
	for _, item := range items {
		if f.StartChapter > 0 && item.ChapterNumber < f.StartChapter {
			continue
		}
		if f.EndChapter > 0 && item.ChapterNumber > f.EndChapter {
			continue
		}
		if volumes != nil && !volumes[item.VolumeNumber] {
			continue
		}
		out = append(out, item)
		if f.MaxChapters > 0 && len(out) >= f.MaxChapters {
			break
		}
	}
	return out
}
