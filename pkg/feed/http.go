package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/retry"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

const userAgent = "feedpulse/1.0 (+https://github.com/Ruscigno/feedpulse)"

// HTTPConfig describes a provider reachable with a single GET.
type HTTPConfig struct {
	Source string
	// URLTemplate may reference {ticker}, {ticker_lower}, {apikey} and
	// {interval}.
	URLTemplate   string
	APIKey        string
	RequireAPIKey bool
	// Intervals maps a timeframe to the provider's interval name.
	Intervals map[timeseries.Timeframe]string
	Extension string
	Headers   map[string]string
}

// HTTPDownloader downloads one URL per feed, rate limited per provider and
// retried on transient failures.
type HTTPDownloader struct {
	cfg     HTTPConfig
	root    string
	client  *http.Client
	limiter *rate.Limiter
	breaker *retry.CircuitBreaker
	retry   retry.Config
	logger  *zap.Logger
	metrics *metrics.ApplicationMetrics
	now     func() time.Time
}

func NewHTTPDownloader(cfg HTTPConfig, root string, limiter *rate.Limiter, logger *zap.Logger, m *metrics.ApplicationMetrics) *HTTPDownloader {
	if cfg.Extension == "" {
		cfg.Extension = "csv"
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &HTTPDownloader{
		cfg:     cfg,
		root:    root,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: limiter,
		breaker: retry.NewCircuitBreaker(retry.DefaultCircuitBreakerConfig(cfg.Source, logger)),
		retry:   retry.HTTPConfig(logger),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, feed timeseries.Feed) (Artifact, error) {
	if d.cfg.RequireAPIKey && d.cfg.APIKey == "" {
		return Artifact{}, apperrors.Configuration(fmt.Sprintf("%s API key is not configured", d.cfg.Source))
	}
	url, err := d.buildURL(feed)
	if err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		Path:   artifactPath(d.root, d.cfg.Source, feed.Ticker, d.cfg.Extension, d.now()),
		Source: d.cfg.Source,
		Ticker: feed.Ticker,
	}

	err = retry.Do(ctx, d.retry, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
			return d.fetch(ctx, url, artifact.Path)
		})
	})
	d.metrics.RecordDownload(d.cfg.Source, err == nil)
	if err != nil {
		if apperrors.IsAppError(err) {
			return Artifact{}, err
		}
		return Artifact{}, apperrors.Transport(err, fmt.Sprintf("failed to download %s from %s", feed.Ticker, d.cfg.Source))
	}

	d.logger.Info("Artifact downloaded",
		zap.String("source", d.cfg.Source),
		zap.String("ticker", feed.Ticker),
		zap.String("path", artifact.Path))
	return artifact, nil
}

func (d *HTTPDownloader) buildURL(feed timeseries.Feed) (string, error) {
	interval := ""
	if strings.Contains(d.cfg.URLTemplate, "{interval}") {
		var ok bool
		interval, ok = d.cfg.Intervals[feed.Timeframe]
		if !ok {
			return "", apperrors.Configuration(fmt.Sprintf("%s does not serve timeframe %s", d.cfg.Source, feed.Timeframe))
		}
	}
	r := strings.NewReplacer(
		"{ticker}", feed.Ticker,
		"{ticker_lower}", strings.ToLower(feed.Ticker),
		"{apikey}", d.cfg.APIKey,
		"{interval}", interval,
	)
	return r.Replace(d.cfg.URLTemplate), nil
}

func (d *HTTPDownloader) fetch(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Configuration(fmt.Sprintf("invalid provider URL: %v", err))
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		appErr := apperrors.Newf(apperrors.ErrCodeTransport, "%s returned %s", d.cfg.Source, resp.Status).
			WithDetails(strings.TrimSpace(string(snippet)))
		// Client errors other than throttling will not heal on retry.
		appErr.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return appErr
	}

	return writeFile(path, resp.Body)
}
