// Package download turns remote archive URLs into extracted local artifacts,
// skipping work for artifacts that are already present.
package download

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/archive"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/util"
)

// Mode controls what happens when the extracted artifact already exists.
type Mode int

const (
	// ModeWrite reuses an existing artifact.
	ModeWrite Mode = iota
	// ModeOverwrite fetches and extracts again, replacing the artifact.
	ModeOverwrite
)

// ParseMode maps "w" / "write" and "w+" / "overwrite" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "w", "write":
		return ModeWrite, nil
	case "w+", "overwrite", "force":
		return ModeOverwrite, nil
	default:
		return ModeWrite, fmt.Errorf("unknown download mode %q", s)
	}
}

// Artifact is the local result of one download.
type Artifact struct {
	SourceURL string
	Path      string
	Fresh     bool // false when an existing artifact was reused
}

// Fetcher retrieves a URL into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (string, error)
}

// Options tune a Downloader.
type Options struct {
	KeepRaw bool // keep the compressed file after extraction
}

// Downloader composes a Fetcher with archive extraction.
type Downloader struct {
	dir     string
	fetcher Fetcher
	keepRaw bool
}

// New creates a Downloader writing beneath dir.
func New(dir string, fetcher Fetcher, opts Options) (*Downloader, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create download directory %s: %w", dir, err)
	}
	return &Downloader{dir: dir, fetcher: fetcher, keepRaw: opts.KeepRaw}, nil
}

// Dir returns the directory artifacts are written to.
func (d *Downloader) Dir() string {
	return d.dir
}

// WithDir returns a Downloader sharing d's fetcher and options but writing
// beneath dir.
func (d *Downloader) WithDir(dir string) (*Downloader, error) {
	return New(dir, d.fetcher, Options{KeepRaw: d.keepRaw})
}

// Paths returns the raw and extracted destinations derived from sourceURL.
func (d *Downloader) Paths(sourceURL string) (raw, extracted string, err error) {
	name, err := fileName(sourceURL)
	if err != nil {
		return "", "", err
	}

	base, ok := archive.TrimSuffix(name)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", archive.ErrUnsupportedFormat, name)
	}

	return filepath.Join(d.dir, name), filepath.Join(d.dir, base), nil
}

// Download materializes sourceURL. An existing extracted artifact is returned
// untouched with Fresh unset unless mode is ModeOverwrite.
func (d *Downloader) Download(ctx context.Context, sourceURL string, mode Mode) (Artifact, error) {
	log := logging.FromContext(ctx, "download")

	raw, extracted, err := d.Paths(sourceURL)
	if err != nil {
		return Artifact{}, err
	}

	exists, err := util.Exists(extracted)
	if err != nil {
		return Artifact{}, fmt.Errorf("check %s: %w", extracted, err)
	}
	if exists && mode != ModeOverwrite {
		log.Info("found existing artifact", "path", extracted)
		return Artifact{SourceURL: sourceURL, Path: extracted, Fresh: false}, nil
	}

	if _, err := d.fetcher.Fetch(ctx, sourceURL, raw); err != nil {
		return Artifact{}, err
	}

	partial := extracted + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return Artifact{}, fmt.Errorf("clear %s: %w", partial, err)
	}

	if _, err := archive.Extract(raw, partial, false); err != nil {
		os.RemoveAll(partial)
		return Artifact{}, err
	}

	if exists {
		if err := os.RemoveAll(extracted); err != nil {
			os.RemoveAll(partial)
			return Artifact{}, fmt.Errorf("replace %s: %w", extracted, err)
		}
	}

	if err := os.Rename(partial, extracted); err != nil {
		os.RemoveAll(partial)
		return Artifact{}, fmt.Errorf("rename %s to %s: %w", partial, extracted, err)
	}

	if !d.keepRaw {
		if err := os.Remove(raw); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove raw archive", "path", raw, "error", err)
		}
	}

	log.Info("downloaded artifact", "url", sourceURL, "path", extracted)
	return Artifact{SourceURL: sourceURL, Path: extracted, Fresh: true}, nil
}

func fileName(sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", sourceURL, err)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("url %q has no file name", sourceURL)
	}
	return name, nil
}
