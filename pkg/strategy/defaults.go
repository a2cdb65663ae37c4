package strategy

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Ruscigno/feedpulse/pkg/config"
	"github.com/Ruscigno/feedpulse/pkg/feed"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Built-in chain names.
const (
	ChainFRED         = "fred_csv"
	ChainAlphaVantage = "alphavantage_daily"
	ChainBinance      = "binance_klines"
	ChainPolygonAggs  = "polygon_aggs"
	ChainFlatFiles    = "polygon_flatfiles"
	ChainLocalCSV     = "local_csv"
)

const (
	fredURL         = "https://fred.stlouisfed.org/graph/fredgraph.csv?id={ticker}"
	alphaVantageURL = "https://www.alphavantage.co/query?function=TIME_SERIES_DAILY_ADJUSTED&symbol={ticker}&apikey={apikey}&datatype=csv&outputsize=full"
	binancePath     = "/api/v3/klines?symbol={ticker}&interval={interval}&limit=1000"
)

var binanceIntervals = map[timeseries.Timeframe]string{
	timeseries.M1:  "1m",
	timeseries.H1:  "1h",
	timeseries.D1:  "1d",
	timeseries.W1:  "1w",
	timeseries.MN1: "1M",
}

// Deps are the shared collaborators of the built-in chains.
type Deps struct {
	Importer Importer
	// FlatFiles may be nil when no flat file credentials are configured.
	FlatFiles feed.ObjectGetter
	Logger    *zap.Logger
	Metrics   *metrics.ApplicationMetrics
}

func limiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Defaults builds the registry of built-in chains. Each provider gets its own
// rate limiter.
func Defaults(cfg config.Config, deps Deps) (*Registry, error) {
	p := cfg.Provider
	root := cfg.Worker.DownloadRoot
	log := deps.Logger
	m := deps.Metrics

	fred := NewChain(ChainFRED,
		feed.NewHTTPDownloader(feed.HTTPConfig{
			Source:      "fred",
			URLTemplate: fredURL,
			APIKey:      p.FREDAPIKey,
		}, root, limiter(p.RequestsPerMinute), log, m),
		feed.CSVParser{},
		deps.Importer,
		importer.Format{DateLayout: "2006-01-02", Missing: "."},
	)

	alphaVantage := NewChain(ChainAlphaVantage,
		feed.NewHTTPDownloader(feed.HTTPConfig{
			Source:        "alphavantage",
			URLTemplate:   alphaVantageURL,
			APIKey:        p.AlphaVantageAPIKey,
			RequireAPIKey: true,
		}, root, limiter(p.RequestsPerMinute), log, m),
		feed.CSVParser{},
		deps.Importer,
		importer.Format{DateLayout: "2006-01-02", DateFields: []string{"timestamp"}},
	)

	binance := NewChain(ChainBinance,
		feed.NewHTTPDownloader(feed.HTTPConfig{
			Source:      "binance",
			URLTemplate: strings.TrimRight(p.BinanceBaseURL, "/") + binancePath,
			Intervals:   binanceIntervals,
			Extension:   "json",
		}, root, limiter(p.RequestsPerMinute*10), log, m),
		feed.JSONParser{
			ErrorPath: "msg",
			Fields: map[string]string{
				"timestamp": "0",
				"open":      "1",
				"high":      "2",
				"low":       "3",
				"close":     "4",
				"volume":    "5",
			},
		},
		deps.Importer,
		importer.Format{DateLayout: importer.LayoutUnixMs, DateFields: []string{"timestamp"}},
	)

	polygonAggs := NewChain(ChainPolygonAggs,
		feed.NewPolygonDownloader(p.PolygonAPIKey, root, limiter(p.RequestsPerMinute), log, m),
		feed.CSVParser{},
		deps.Importer,
		importer.Format{DateLayout: importer.LayoutUnixMs, DateFields: []string{"timestamp"}},
	)

	flatFiles := NewChain(ChainFlatFiles,
		feed.NewFlatFileDownloader(feed.FlatFileConfig{
			Endpoint:  p.FlatFilesEndpoint,
			AccessKey: p.FlatFilesAccessKey,
			SecretKey: p.FlatFilesSecretKey,
			Bucket:    p.FlatFilesBucket,
		}, root, deps.FlatFiles, log, m),
		feed.CSVParser{TickerField: "ticker"},
		deps.Importer,
		importer.Format{DateLayout: importer.LayoutUnixNs, DateFields: []string{"window_start"}},
	)

	local := NewChain(ChainLocalCSV,
		feed.NewLocalDownloader(p.LocalDataDir, root, log),
		feed.CSVParser{},
		deps.Importer,
		importer.Format{},
	)

	return NewRegistry(fred, alphaVantage, binance, polygonAggs, flatFiles, local)
}
