package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" mn1 ")
	require.NoError(t, err)
	assert.Equal(t, MN1, tf)

	_, err = ParseTimeframe("M5")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestPointValidate(t *testing.T) {
	ts := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		point   Point
		wantErr bool
	}{
		{"single ok", Point{Kind: KindSingle, Ticker: "DGS10", Ts: ts, Main: Float(4.2)}, false},
		{"single missing value ok", Point{Kind: KindSingle, Ticker: "DGS10", Ts: ts}, false},
		{"no timestamp", Point{Kind: KindSingle, Ticker: "DGS10"}, true},
		{"high below low", Point{Kind: KindAggregate, Ticker: "SPX", Ts: ts, High: Float(1), Low: Float(2)}, true},
		{"negative volume", Point{Kind: KindAggregate, Ticker: "SPX", Ts: ts, Volume: Float(-1)}, true},
		{"aggregate ok", Point{Kind: KindAggregate, Ticker: "SPX", Ts: ts, High: Float(2), Low: Float(1), Volume: Float(0)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPointKey(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 0, 0, 0, time.FixedZone("X", 3600))
	single := Point{Kind: KindSingle, Timeframe: D1, Ticker: "DGS10", Ts: ts}
	assert.Equal(t, Key{Kind: KindSingle, Ticker: "DGS10", Ts: ts.UTC()}, single.Key())

	agg := Point{Kind: KindAggregate, Timeframe: D1, Ticker: "SPX", Ts: ts}
	assert.Equal(t, D1, agg.Key().Timeframe)
}

func TestSameValues(t *testing.T) {
	a := Point{Kind: KindAggregate, Close: Float(10), Volume: Float(5)}
	b := Point{Kind: KindAggregate, Close: Float(10), Volume: Float(5)}
	assert.True(t, a.SameValues(b))

	b.Close = Float(10.5)
	assert.False(t, a.SameValues(b))

	b.Close = nil
	assert.False(t, a.SameValues(b))

	assert.True(t, Point{Kind: KindSingle}.SameValues(Point{Kind: KindSingle}))
}
