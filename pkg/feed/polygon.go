package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/retry"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

const polygonSource = "polygon"

// polygonLookback bounds how far back a single aggregates download reaches.
var polygonLookback = map[timeseries.Timeframe]time.Duration{
	timeseries.M1:  7 * 24 * time.Hour,
	timeseries.H1:  90 * 24 * time.Hour,
	timeseries.D1:  5 * 365 * 24 * time.Hour,
	timeseries.W1:  10 * 365 * 24 * time.Hour,
	timeseries.MN1: 20 * 365 * 24 * time.Hour,
	timeseries.Q:   20 * 365 * 24 * time.Hour,
	timeseries.Y:   30 * 365 * 24 * time.Hour,
}

var polygonTimespans = map[timeseries.Timeframe]models.Timespan{
	timeseries.M1:  models.Minute,
	timeseries.H1:  models.Hour,
	timeseries.D1:  models.Day,
	timeseries.W1:  models.Week,
	timeseries.MN1: models.Month,
	timeseries.Q:   models.Quarter,
	timeseries.Y:   models.Year,
}

// Bar is one aggregate returned by the Polygon REST API.
type Bar struct {
	Ts                             time.Time
	Open, High, Low, Close, Volume float64
}

// AggsFetcher lists bars for a ticker between from and to.
type AggsFetcher func(ctx context.Context, ticker string, span models.Timespan, from, to time.Time) ([]Bar, error)

// PolygonDownloader pulls aggregates through the Polygon REST client and
// stores them as a CSV artifact with the columns the CSV parser expects.
type PolygonDownloader struct {
	apiKey  string
	root    string
	fetch   AggsFetcher
	limiter *rate.Limiter
	retry   retry.Config
	logger  *zap.Logger
	metrics *metrics.ApplicationMetrics
	now     func() time.Time
}

func NewPolygonDownloader(apiKey, root string, limiter *rate.Limiter, logger *zap.Logger, m *metrics.ApplicationMetrics) *PolygonDownloader {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	d := &PolygonDownloader{
		apiKey:  apiKey,
		root:    root,
		limiter: limiter,
		retry:   retry.HTTPConfig(logger),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	if apiKey != "" {
		d.fetch = clientFetcher(polygon.New(apiKey))
	}
	return d
}

// WithFetcher replaces the REST client, mostly for tests.
func (d *PolygonDownloader) WithFetcher(fetch AggsFetcher) *PolygonDownloader {
	d.fetch = fetch
	return d
}

func clientFetcher(client *polygon.Client) AggsFetcher {
	return func(ctx context.Context, ticker string, span models.Timespan, from, to time.Time) ([]Bar, error) {
		params := models.ListAggsParams{
			Ticker:     ticker,
			Multiplier: 1,
			Timespan:   span,
			From:       models.Millis(from),
			To:         models.Millis(to),
		}.WithAdjusted(true).WithOrder(models.Asc).WithLimit(50000)

		var bars []Bar
		iter := client.ListAggs(ctx, params)
		for iter.Next() {
			agg := iter.Item()
			bars = append(bars, Bar{
				Ts:     time.Time(agg.Timestamp),
				Open:   agg.Open,
				High:   agg.High,
				Low:    agg.Low,
				Close:  agg.Close,
				Volume: agg.Volume,
			})
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return bars, nil
	}
}

func (d *PolygonDownloader) Download(ctx context.Context, feed timeseries.Feed) (Artifact, error) {
	if d.fetch == nil {
		return Artifact{}, apperrors.Configuration("polygon API key is not configured")
	}
	span, ok := polygonTimespans[feed.Timeframe]
	if !ok {
		return Artifact{}, apperrors.Configuration(fmt.Sprintf("polygon does not serve timeframe %q", feed.Timeframe))
	}

	to := d.now().UTC()
	from := to.Add(-polygonLookback[feed.Timeframe])

	bars, err := retry.DoWithResult(ctx, d.retry, func(ctx context.Context) ([]Bar, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return d.fetch(ctx, feed.Ticker, span, from, to)
	})
	d.metrics.RecordDownload(polygonSource, err == nil)
	if err != nil {
		return Artifact{}, apperrors.Transport(err, fmt.Sprintf("failed to list polygon aggregates for %s", feed.Ticker))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"})
	for _, b := range bars {
		_ = w.Write([]string{
			strconv.FormatInt(b.Ts.UnixMilli(), 10),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Artifact{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode polygon aggregates")
	}

	artifact := Artifact{
		Path:   artifactPath(d.root, polygonSource, feed.Ticker, "csv", d.now()),
		Source: polygonSource,
		Ticker: feed.Ticker,
	}
	if err := writeFile(artifact.Path, &buf); err != nil {
		return Artifact{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store polygon artifact")
	}

	d.logger.Info("Polygon aggregates downloaded",
		zap.String("ticker", feed.Ticker),
		zap.Int("bars", len(bars)),
		zap.String("path", artifact.Path))
	return artifact, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
