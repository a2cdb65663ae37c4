package feed

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

const (
	flatFileSource   = "polygon_flatfiles"
	flatFileLookback = 5
)

// ObjectGetter is the part of the S3 client used to fetch flat files.
type ObjectGetter interface {
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

type FlatFileConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is the dataset directory, e.g. us_stocks_sip.
	Prefix string
}

// FlatFileDownloader fetches the most recent daily flat file from an
// S3-compatible bucket. Files are published per trading day, so a missing key
// walks back one day at a time.
type FlatFileDownloader struct {
	cfg     FlatFileConfig
	root    string
	client  ObjectGetter
	loc     *time.Location
	logger  *zap.Logger
	metrics *metrics.ApplicationMetrics
	now     func() time.Time
}

// NewFlatFileClient builds the S3 client for the flat file endpoint.
func NewFlatFileClient(cfg FlatFileConfig) (*minio.Client, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, apperrors.Configuration("flat file credentials are not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeConfiguration, "failed to create flat file client")
	}
	return client, nil
}

// NewFlatFileDownloader accepts a nil client; downloads then fail with a
// configuration error.
func NewFlatFileDownloader(cfg FlatFileConfig, root string, client ObjectGetter, logger *zap.Logger, m *metrics.ApplicationMetrics) *FlatFileDownloader {
	if cfg.Prefix == "" {
		cfg.Prefix = "us_stocks_sip"
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &FlatFileDownloader{
		cfg:     cfg,
		root:    root,
		client:  client,
		loc:     loc,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// objectKey returns <prefix>/<dataset>/YYYY/MM/YYYY-MM-DD.csv.gz.
func (d *FlatFileDownloader) objectKey(tf timeseries.Timeframe, day time.Time) string {
	dataset := "day_aggs_v1"
	if tf == timeseries.M1 {
		dataset = "minute_aggs_v1"
	}
	day = day.In(d.loc)
	return path.Join(d.cfg.Prefix, dataset, day.Format("2006"), day.Format("01"), day.Format("2006-01-02")+".csv.gz")
}

func (d *FlatFileDownloader) Download(ctx context.Context, feed timeseries.Feed) (Artifact, error) {
	if d.client == nil {
		return Artifact{}, apperrors.Configuration("flat file client is not configured")
	}
	if feed.Timeframe != timeseries.M1 && feed.Timeframe != timeseries.D1 {
		return Artifact{}, apperrors.Configuration(fmt.Sprintf("flat files do not serve timeframe %q", feed.Timeframe))
	}

	artifact := Artifact{
		Path:   artifactPath(d.root, flatFileSource, feed.Ticker, "csv.gz", d.now()),
		Source: flatFileSource,
		Ticker: feed.Ticker,
	}
	if err := os.MkdirAll(filepath.Dir(artifact.Path), 0o755); err != nil {
		return Artifact{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create download directory")
	}

	day := d.now().In(d.loc)
	for i := 0; i <= flatFileLookback; i++ {
		key := d.objectKey(feed.Timeframe, day.AddDate(0, 0, -i))
		err := d.client.FGetObject(ctx, d.cfg.Bucket, key, artifact.Path, minio.GetObjectOptions{})
		if err == nil {
			d.metrics.RecordDownload(flatFileSource, true)
			d.logger.Info("Flat file downloaded",
				zap.String("ticker", feed.Ticker),
				zap.String("key", key),
				zap.String("path", artifact.Path))
			return artifact, nil
		}

		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			d.logger.Debug("Flat file not published, trying previous day", zap.String("key", key))
			continue
		}
		d.metrics.RecordDownload(flatFileSource, false)
		return Artifact{}, apperrors.Transport(err, fmt.Sprintf("failed to fetch flat file %s", key))
	}

	d.metrics.RecordDownload(flatFileSource, false)
	return Artifact{}, apperrors.Newf(apperrors.ErrCodeTransport,
		"no flat file published in the last %d days", flatFileLookback+1)
}
