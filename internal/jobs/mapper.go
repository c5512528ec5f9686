package jobs

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/providers"
)

// DefaultAudioExt is the artifact extension written to the output tree.
const DefaultAudioExt = "mp3"

// Artifact is an item's audio file written to the output tree.
type Artifact struct {
	Item catalog.WorkItem
	Path string
	Size int64
}

// MapResult splits a batch into items with artifacts and items without.
type MapResult struct {
	Succeeded []Artifact
	Failed    []ItemError
}

// ResultMapper attributes a succeeded job's artifacts to the batch's items.
//
// Artifact N belongs to item N. Items past the end of the artifact list fail
// individually. An I/O error while fetching or unpacking fails the whole
// batch and is returned as *ResultMappingError.
type ResultMapper interface {
	Map(ctx context.Context, job *Job, b batch.Batch) (MapResult, error)
}

// MapperConfig is shared by the mapper adapters.
type MapperConfig struct {
	Provider  providers.Provider
	OutputDir string
	// TempDir holds downloaded archives while they are unpacked.
	TempDir string
	Ext     string
	// RetryDelay is the initial backoff between download attempts.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (c MapperConfig) withDefaults() MapperConfig {
	if c.Ext == "" {
		c.Ext = DefaultAudioExt
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewResultMapper returns a mapper that picks the adapter from the job's result kind.
func NewResultMapper(cfg MapperConfig) *KindMapper {
	cfg = cfg.withDefaults()
	return &KindMapper{
		mappers: map[providers.ResultKind]ResultMapper{
			providers.ResultArchive: &ArchiveMapper{cfg: cfg},
			providers.ResultURLList: &URLListMapper{cfg: cfg},
		},
	}
}

// KindMapper dispatches on ResultLocation.Kind.
type KindMapper struct {
	mappers map[providers.ResultKind]ResultMapper
}

func (m *KindMapper) Map(ctx context.Context, job *Job, b batch.Batch) (MapResult, error) {
	loc := job.Result()
	if loc == nil || len(loc.URLs) == 0 {
		return positional(b, 0, func(int, catalog.WorkItem) (Artifact, error) {
			return Artifact{}, nil
		})
	}
	mapper, ok := m.mappers[loc.Kind]
	if !ok {
		return MapResult{}, &ResultMappingError{JobID: job.ID, Err: fmt.Errorf("unknown result kind %q", loc.Kind)}
	}
	return mapper.Map(ctx, job, b)
}

// URLListMapper downloads one location per item. An empty location means the
// provider produced nothing for that item.
type URLListMapper struct {
	cfg MapperConfig
}

// NewURLListMapper creates a mapper for per-item result locations.
func NewURLListMapper(cfg MapperConfig) *URLListMapper {
	return &URLListMapper{cfg: cfg.withDefaults()}
}

func (m *URLListMapper) Map(ctx context.Context, job *Job, b batch.Batch) (MapResult, error) {
	urls := job.Result().URLs
	if len(urls) > len(b.Items) {
		m.cfg.Logger.Warn("provider returned extra artifacts", "job_id", job.ID, "artifacts", len(urls), "items", len(b.Items))
	}
	res, err := positional(b, len(urls), func(i int, item catalog.WorkItem) (Artifact, error) {
		if urls[i] == "" {
			return Artifact{}, errNoArtifact
		}
		rc, err := m.open(ctx, urls[i])
		if err != nil {
			return Artifact{}, err
		}
		defer rc.Close()
		return writeArtifact(m.cfg.OutputDir, item, m.cfg.Ext, rc)
	})
	if err != nil {
		return MapResult{}, &ResultMappingError{JobID: job.ID, Err: err}
	}
	return res, nil
}

func (m *URLListMapper) open(ctx context.Context, url string) (io.ReadCloser, error) {
	return openWithRetry(ctx, m.cfg.Provider, url, m.cfg.RetryDelay)
}

// ArchiveMapper downloads a single zip holding every item's audio.
//
// When any entry carries an item's artifact filename, entries are matched by
// name and that takes precedence over position: an item without its named
// entry fails even if later items succeed. Otherwise entries are matched by
// sorted order and trailing items without an entry fail.
type ArchiveMapper struct {
	cfg MapperConfig
}

// NewArchiveMapper creates a mapper for single-archive results.
func NewArchiveMapper(cfg MapperConfig) *ArchiveMapper {
	return &ArchiveMapper{cfg: cfg.withDefaults()}
}

func (m *ArchiveMapper) Map(ctx context.Context, job *Job, b batch.Batch) (MapResult, error) {
	loc := job.Result()
	path, err := m.download(ctx, loc.URLs[0])
	if err != nil {
		return MapResult{}, &ResultMappingError{JobID: job.ID, Err: err}
	}
	defer os.Remove(path)

	zr, err := zip.OpenReader(path)
	if err != nil {
		return MapResult{}, &ResultMappingError{JobID: job.ID, Err: fmt.Errorf("open archive: %w", err)}
	}
	defer zr.Close()

	entries := audioEntries(zr.File)
	byName := make(map[string]*zip.File, len(entries))
	for _, f := range entries {
		byName[filepath.Base(f.Name)] = f
	}
	named := false
	for _, item := range b.Items {
		if _, ok := byName[item.AudioFilename(m.cfg.Ext)]; ok {
			named = true
			break
		}
	}

	extract := func(f *zip.File, item catalog.WorkItem) (Artifact, error) {
		rc, err := f.Open()
		if err != nil {
			return Artifact{}, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		defer rc.Close()
		return writeArtifact(m.cfg.OutputDir, item, m.cfg.Ext, rc)
	}

	var res MapResult
	if named {
		for _, item := range b.Items {
			f, ok := byName[item.AudioFilename(m.cfg.Ext)]
			if !ok {
				res.Failed = append(res.Failed, ItemError{Item: item, Kind: ledger.KindBatch, Err: errNoArtifact})
				continue
			}
			art, err := extract(f, item)
			if err != nil {
				return MapResult{}, &ResultMappingError{JobID: job.ID, Err: err}
			}
			res.Succeeded = append(res.Succeeded, art)
		}
		return res, nil
	}

	res, err = positional(b, len(entries), func(i int, item catalog.WorkItem) (Artifact, error) {
		return extract(entries[i], item)
	})
	if err != nil {
		return MapResult{}, &ResultMappingError{JobID: job.ID, Err: err}
	}
	return res, nil
}

func (m *ArchiveMapper) download(ctx context.Context, url string) (string, error) {
	rc, err := openWithRetry(ctx, m.cfg.Provider, url, m.cfg.RetryDelay)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if m.cfg.TempDir != "" {
		if err := os.MkdirAll(m.cfg.TempDir, 0o755); err != nil {
			return "", err
		}
	}
	f, err := os.CreateTemp(m.cfg.TempDir, "results-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

var errNoArtifact = errors.New("provider returned no artifact for this item")

// positional applies fn to the first n items; the rest fail as missing.
// fn returning errNoArtifact fails only that item; any other error aborts.
func positional(b batch.Batch, n int, fn func(int, catalog.WorkItem) (Artifact, error)) (MapResult, error) {
	var res MapResult
	for i, item := range b.Items {
		if i >= n {
			res.Failed = append(res.Failed, ItemError{
				Item: item,
				Kind: ledger.KindBatch,
				Err:  fmt.Errorf("no artifact at position %d (job returned %d)", i+1, n),
			})
			continue
		}
		art, err := fn(i, item)
		if errors.Is(err, errNoArtifact) {
			res.Failed = append(res.Failed, ItemError{Item: item, Kind: ledger.KindBatch, Err: err})
			continue
		}
		if err != nil {
			return MapResult{}, fmt.Errorf("item %s: %w", item.ID(), err)
		}
		res.Succeeded = append(res.Succeeded, art)
	}
	return res, nil
}

// audioEntries returns the archive's non-directory, non-JSON entries sorted by name.
func audioEntries(files []*zip.File) []*zip.File {
	var out []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || strings.EqualFold(filepath.Ext(f.Name), ".json") {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func openWithRetry(ctx context.Context, p providers.Provider, url string, delay time.Duration) (io.ReadCloser, error) {
	return retry.DoWithData(
		func() (io.ReadCloser, error) {
			return p.DownloadResult(ctx, url)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(delay),
		retry.RetryIf(providers.IsRetryable),
		retry.LastErrorOnly(true),
	)
}

// writeArtifact copies r to the item's output path through a temp file and rename.
func writeArtifact(outputDir string, item catalog.WorkItem, ext string, r io.Reader) (Artifact, error) {
	path := catalog.OutputPath(outputDir, item, ext)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return Artifact{}, err
	}
	tmpName := tmp.Name()
	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Artifact{}, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Artifact{}, err
	}
	return Artifact{Item: item, Path: path, Size: size}, nil
}
