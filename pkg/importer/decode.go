package importer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Date layouts understood besides Go reference layouts.
const (
	LayoutUnix   = "unix"
	LayoutUnixMs = "unixms"
	LayoutUnixNs = "unixns"
)

var (
	defaultDateFields = []string{"date", "timestamp", "time", "datetime", "observation_date"}
	defaultLayouts    = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05", "2006-01-02T15:04:05"}
)

// RawRow is one record as produced by a row parser. Field names are
// lower-case. Err is set when the parser could not split the record; the
// stream itself is still readable.
type RawRow struct {
	Fields map[string]string
	Err    error
}

func (r RawRow) get(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := r.Fields[n]; ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Format describes how a source writes dates and missing values.
type Format struct {
	// DateLayout is a Go time layout or one of LayoutUnix, LayoutUnixMs,
	// LayoutUnixNs. Empty tries RFC3339 and plain dates.
	DateLayout string
	DateFields []string
	// ValueFields name the value column of single-value feeds. The
	// lower-cased ticker is always tried last.
	ValueFields []string
	// Missing is the provider's missing-value sentinel, e.g. ".".
	Missing  string
	Location *time.Location
}

// Decode turns a raw row into a validated data point for feed.
func (f Format) Decode(feed timeseries.Feed, row RawRow) (timeseries.Point, error) {
	p := timeseries.Point{Kind: feed.Kind, Ticker: feed.Ticker}
	if row.Err != nil {
		return p, apperrors.WrapError(row.Err, apperrors.ErrCodeParse, "malformed record")
	}
	if feed.Kind == timeseries.KindAggregate {
		p.Timeframe = feed.Timeframe
	}

	dateFields := f.DateFields
	if len(dateFields) == 0 {
		dateFields = defaultDateFields
	}
	raw, ok := row.get(dateFields...)
	if !ok || raw == "" {
		return p, apperrors.Parse("date column is missing")
	}
	ts, err := f.parseTime(raw)
	if err != nil {
		return p, err
	}
	p.Ts = ts.UTC()

	if feed.Kind == timeseries.KindSingle {
		names := append(append([]string{}, f.ValueFields...), "value", "main", strings.ToLower(feed.Ticker))
		raw, ok := row.get(names...)
		if !ok {
			return p, apperrors.Parse("value column is missing")
		}
		if p.Main, err = f.parseFloat("value", raw); err != nil {
			return p, err
		}
	} else {
		cols := []struct {
			dst   **float64
			names []string
		}{
			{&p.Open, []string{"open", "o"}},
			{&p.High, []string{"high", "h"}},
			{&p.Low, []string{"low", "l"}},
			{&p.Close, []string{"close", "c"}},
			{&p.AdjClose, []string{"adjusted_close", "adj_close", "adjclose", "adj close"}},
			{&p.Volume, []string{"volume", "v"}},
		}
		for _, c := range cols {
			raw, ok := row.get(c.names...)
			if !ok {
				continue
			}
			if *c.dst, err = f.parseFloat(c.names[0], raw); err != nil {
				return p, err
			}
		}
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (f Format) parseFloat(name, raw string) (*float64, error) {
	if raw == "" || (f.Missing != "" && raw == f.Missing) {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, apperrors.Parse(fmt.Sprintf("%s %q is not a number", name, raw))
	}
	return &v, nil
}

func (f Format) parseTime(raw string) (time.Time, error) {
	switch f.DateLayout {
	case LayoutUnix, LayoutUnixMs, LayoutUnixNs:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fl, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil {
				return time.Time{}, apperrors.Parse(fmt.Sprintf("timestamp %q is not an integer", raw))
			}
			n = int64(fl)
		}
		switch f.DateLayout {
		case LayoutUnix:
			return time.Unix(n, 0), nil
		case LayoutUnixMs:
			return time.UnixMilli(n), nil
		default:
			return time.Unix(0, n), nil
		}
	}

	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	layouts := defaultLayouts
	if f.DateLayout != "" {
		layouts = []string{f.DateLayout}
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, apperrors.Parse(fmt.Sprintf("date %q does not match the source format", raw))
}
