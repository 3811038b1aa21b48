// Package archive decompresses downloaded product bundles into local
// directories.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/util"
)

// ErrUnsupportedFormat is returned for files whose suffix is not a known
// container. It is fatal for that artifact.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Format identifies a container type by its file suffix.
type Format int

const (
	FormatUnknown Format = iota
	FormatTarGz
	FormatTarZst
	FormatTar
	FormatGzip
	FormatZstd
	FormatZip
)

// Order matters: compound suffixes must be tested before their tails.
var suffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tar.zst", FormatTarZst},
	{".tar", FormatTar},
	{".gz", FormatGzip},
	{".zst", FormatZstd},
	{".zip", FormatZip},
}

func (f Format) String() string {
	switch f {
	case FormatTarGz:
		return "tar.gz"
	case FormatTarZst:
		return "tar.zst"
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gz"
	case FormatZstd:
		return "zst"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// Detect returns the container format of path and the suffix that
// identified it.
func Detect(path string) (Format, string) {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s.suffix) {
			return s.format, s.suffix
		}
	}
	return FormatUnknown, ""
}

// TrimSuffix strips a recognized archive suffix from name. The boolean is
// false when name carries no known suffix.
func TrimSuffix(name string) (string, bool) {
	format, suffix := Detect(name)
	if format == FormatUnknown {
		return name, false
	}
	return strings.TrimSuffix(name, suffix), true
}

// Extract decompresses src into dest and returns dest. When dest is empty it
// is derived by stripping the archive suffix from src, in src's directory.
// Multi-file containers produce a directory; .gz and .zst produce a single
// file. The source is removed only after a successful extraction and only
// when deleteSource is set.
func Extract(src, dest string, deleteSource bool) (string, error) {
	format, suffix := Detect(src)
	if format == FormatUnknown {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, src)
	}

	if dest == "" {
		dest = filepath.Join(filepath.Dir(src), strings.TrimSuffix(filepath.Base(src), suffix))
	}

	start := time.Now()

	var err error
	switch format {
	case FormatTarGz, FormatTarZst, FormatTar:
		err = extractTarFile(src, dest, format)
	case FormatGzip, FormatZstd:
		err = extractSingle(src, dest, format)
	case FormatZip:
		err = extractZip(src, dest)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", src, err)
	}

	elapsed := time.Since(start)
	if m := metrics.Get(); m != nil {
		m.ObserveExtractDuration(format.String(), elapsed.Seconds())
	}

	logging.Component("archive").Info("extracted",
		"source", src,
		"destination", dest,
		"format", format.String(),
		"duration_ms", elapsed.Milliseconds(),
	)

	if deleteSource {
		if err := os.Remove(src); err != nil {
			return dest, fmt.Errorf("remove source %s: %w", src, err)
		}
	}

	return dest, nil
}

func extractTarFile(src, dest string, format Format) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	return extractTar(r, dest)
}

func extractTar(r io.Reader, dest string) error {
	if err := util.EnsureDir(dest); err != nil {
		return fmt.Errorf("create directory %s: %w", dest, err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := memberPath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := util.EnsureDir(target); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// links and devices never appear in product bundles
		}
	}
}

func extractZip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	if err := util.EnsureDir(dest); err != nil {
		return fmt.Errorf("create directory %s: %w", dest, err)
	}

	for _, f := range zr.File {
		target, err := memberPath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := util.EnsureDir(target); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open member %s: %w", f.Name, err)
		}
		err = writeFile(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func extractSingle(src, dest string, format Format) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	return writeFile(dest, r, 0644)
}

// memberPath joins an archive member name onto dest, refusing names that
// would land outside of it.
func memberPath(dest, name string) (string, error) {
	root := filepath.Clean(dest)
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes %s", name, dest)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}

	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	return out.Close()
}
