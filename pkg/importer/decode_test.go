package importer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

var aggFeed = timeseries.Feed{Ticker: "BTCUSDT", Timeframe: timeseries.H1, Kind: timeseries.KindAggregate, Source: "binance"}

func TestDecodeUnixMillis(t *testing.T) {
	f := Format{DateLayout: LayoutUnixMs}
	p, err := f.Decode(aggFeed, RawRow{Fields: map[string]string{
		"date": "1735689600000", "open": "1", "high": "2", "low": "0.5", "close": "1.5", "volume": "3",
	}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.Ts)
	assert.Equal(t, timeseries.H1, p.Timeframe)
	assert.Equal(t, 3.0, *p.Volume)
}

func TestDecodeUnixNanos(t *testing.T) {
	f := Format{DateLayout: LayoutUnixNs, DateFields: []string{"window_start"}}
	p, err := f.Decode(aggFeed, RawRow{Fields: map[string]string{"window_start": "1735689600000000000", "close": "1"}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.Ts)
}

func TestDecodeLayoutInLocation(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	f := Format{DateLayout: "2006-01-02 15:04", Location: loc}
	p, err := f.Decode(aggFeed, RawRow{Fields: map[string]string{"timestamp": "2025-01-01 10:00", "close": "1"}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 15, 0, 0, 0, time.UTC), p.Ts)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		code   apperrors.ErrorCode
	}{
		{"missing date", map[string]string{"close": "1"}, apperrors.ErrCodeParse},
		{"bad date", map[string]string{"date": "01/02/2025", "close": "1"}, apperrors.ErrCodeParse},
		{"bad number", map[string]string{"date": "2025-01-02", "close": "abc"}, apperrors.ErrCodeParse},
		{"NaN", map[string]string{"date": "2025-01-02", "close": "NaN"}, apperrors.ErrCodeParse},
		{"infinity", map[string]string{"date": "2025-01-02", "high": "-Inf"}, apperrors.ErrCodeParse},
		{"negative volume", map[string]string{"date": "2025-01-02", "volume": "-1"}, apperrors.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Format{}.Decode(aggFeed, RawRow{Fields: tt.fields})
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestDecodeMalformedRecord(t *testing.T) {
	_, err := Format{}.Decode(aggFeed, RawRow{Err: errors.New("bare \" in non-quoted-field")})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeParse))
}

func TestDecodeSingleValueFallsBackToTickerColumn(t *testing.T) {
	feed := timeseries.Feed{Ticker: "DGS10", Timeframe: timeseries.D1, Kind: timeseries.KindSingle}
	p, err := Format{}.Decode(feed, RawRow{Fields: map[string]string{"date": "2025-01-02", "dgs10": "4.5"}})
	require.NoError(t, err)
	assert.Equal(t, 4.5, *p.Main)
	assert.Empty(t, p.Timeframe)

	_, err = Format{}.Decode(feed, RawRow{Fields: map[string]string{"date": "2025-01-02"}})
	assert.Error(t, err)
}
