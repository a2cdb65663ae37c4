package staleness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func TestIsUpToDate(t *testing.T) {
	// Friday 2025-08-15 12:00:30 UTC
	now := at("2025-08-15T12:00:30Z")

	tests := []struct {
		name   string
		tf     timeseries.Timeframe
		latest *time.Time
		want   bool
	}{
		{"no observations", timeseries.D1, nil, false},
		{"unknown timeframe", timeseries.Timeframe("M5"), ptr(now), false},

		{"M1 current minute start", timeseries.M1, ptr(at("2025-08-15T12:00:00Z")), true},
		{"M1 previous minute", timeseries.M1, ptr(at("2025-08-15T11:59:45Z")), false},

		{"H1 current hour start", timeseries.H1, ptr(at("2025-08-15T12:00:00Z")), true},
		{"H1 previous hour", timeseries.H1, ptr(at("2025-08-15T11:30:00Z")), false},

		{"D1 yesterday late", timeseries.D1, ptr(at("2025-08-14T23:00:00Z")), true},
		{"D1 yesterday midnight", timeseries.D1, ptr(at("2025-08-14T00:00:00Z")), true},
		{"D1 two days ago", timeseries.D1, ptr(at("2025-08-13T23:59:59Z")), false},

		// week of 2025-08-11 (Mon)
		{"W1 current week start", timeseries.W1, ptr(at("2025-08-11T00:00:00Z")), true},
		{"W1 previous week", timeseries.W1, ptr(at("2025-08-05T00:00:00Z")), false},

		{"MN1 previous month", timeseries.MN1, ptr(at("2025-07-15T00:00:00Z")), true},
		{"MN1 two months ago", timeseries.MN1, ptr(at("2025-06-15T00:00:00Z")), false},

		// Q3 starts 2025-07-01; previous quarter starts 2025-04-01
		{"Q previous quarter", timeseries.Q, ptr(at("2025-04-01T00:00:00Z")), true},
		{"Q older", timeseries.Q, ptr(at("2025-03-31T00:00:00Z")), false},

		{"Y previous year", timeseries.Y, ptr(at("2024-01-01T00:00:00Z")), true},
		{"Y older", timeseries.Y, ptr(at("2023-12-31T00:00:00Z")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUpToDate(tt.latest, tt.tf, now))
		})
	}
}

func TestThresholdWeekStartsMonday(t *testing.T) {
	// Sunday belongs to the week that started the previous Monday.
	sunday := at("2025-08-17T10:00:00Z")
	th, ok := Threshold(timeseries.W1, sunday)
	assert.True(t, ok)
	assert.Equal(t, at("2025-08-11T00:00:00Z"), th)
}

func TestThresholdIntraday(t *testing.T) {
	now := at("2025-08-15T12:34:56Z")

	th, ok := Threshold(timeseries.M1, now)
	assert.True(t, ok)
	assert.Equal(t, at("2025-08-15T12:34:00Z"), th)

	th, ok = Threshold(timeseries.H1, now)
	assert.True(t, ok)
	assert.Equal(t, at("2025-08-15T12:00:00Z"), th)
}

func TestThresholdUsesNowLocation(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	// 2025-08-15 01:00 UTC is still 2025-08-14 in EST.
	now := at("2025-08-15T01:00:00Z").In(loc)
	th, ok := Threshold(timeseries.D1, now)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 8, 13, 0, 0, 0, 0, loc), th)
}
