// Package feed downloads provider artifacts to local disk and opens them as
// row streams for the import engine.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Artifact is a downloaded file waiting to be parsed.
type Artifact struct {
	Path   string
	Source string
	Ticker string
}

// Downloader fetches the raw data of a feed.
type Downloader interface {
	Download(ctx context.Context, feed timeseries.Feed) (Artifact, error)
}

// Parser opens an artifact as a lazy row stream.
type Parser interface {
	Open(ctx context.Context, artifact Artifact) (importer.RowIterator, error)
}

// artifactPath returns <root>/<source>/<ticker>/<timestamp>.<ext>.
func artifactPath(root, source, ticker, ext string, now time.Time) string {
	name := now.UTC().Format("20060102T150405.000000000") + "." + strings.TrimPrefix(ext, ".")
	return filepath.Join(root, sanitize(source), sanitize(ticker), name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}

// writeFile streams r into path through a temporary sibling so that a
// partial download never looks like a complete artifact.
func writeFile(path string, r io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// Prune deletes the artifact at path and then every parent directory that is
// left empty, stopping below root. Root itself is never removed.
func Prune(path, root string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.WrapError(err, apperrors.ErrCodeCleanup, "failed to delete artifact")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeCleanup, "failed to resolve download root")
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeCleanup, "failed to resolve artifact directory")
	}

	for dir != absRoot && strings.HasPrefix(dir, absRoot+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeCleanup, "failed to delete empty directory")
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
