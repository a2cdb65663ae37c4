package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

const localSource = "local"

// LocalDownloader copies <dir>/<ticker>.csv (or .csv.gz) into the download
// root so that imports from disk follow the same cleanup path as remote ones.
type LocalDownloader struct {
	dir    string
	root   string
	logger *zap.Logger
	now    func() time.Time
}

func NewLocalDownloader(dir, root string, logger *zap.Logger) *LocalDownloader {
	return &LocalDownloader{dir: dir, root: root, logger: logger, now: time.Now}
}

func (d *LocalDownloader) Download(ctx context.Context, feed timeseries.Feed) (Artifact, error) {
	if d.dir == "" {
		return Artifact{}, apperrors.Configuration("local data directory is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	for _, ext := range []string{"csv", "csv.gz"} {
		src := filepath.Join(d.dir, feed.Ticker+"."+ext)
		f, err := os.Open(src)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Artifact{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to open local data file")
		}

		artifact := Artifact{
			Path:   artifactPath(d.root, localSource, feed.Ticker, ext, d.now()),
			Source: localSource,
			Ticker: feed.Ticker,
		}
		err = writeFile(artifact.Path, f)
		f.Close()
		if err != nil {
			return Artifact{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to copy local data file")
		}
		d.logger.Debug("Local data file staged", zap.String("src", src), zap.String("path", artifact.Path))
		return artifact, nil
	}

	return Artifact{}, apperrors.Configuration(fmt.Sprintf("no local data file for %s in %s", feed.Ticker, d.dir))
}
