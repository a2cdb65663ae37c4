// Package timeseries holds the feed and data point model shared by the
// import engine, the staleness oracle and the storage layer.
package timeseries

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

// Timeframe is the sampling period of a feed.
type Timeframe string

const (
	M1  Timeframe = "M1"
	H1  Timeframe = "H1"
	D1  Timeframe = "D1"
	W1  Timeframe = "W1"
	MN1 Timeframe = "MN1"
	Q   Timeframe = "Q"
	Y   Timeframe = "Y"
)

// Timeframes lists every supported timeframe from finest to coarsest.
var Timeframes = []Timeframe{M1, H1, D1, W1, MN1, Q, Y}

func (tf Timeframe) Valid() bool {
	for _, t := range Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

func (tf Timeframe) String() string { return string(tf) }

// ParseTimeframe accepts the canonical names case-insensitively.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if !tf.Valid() {
		return "", apperrors.Validation(fmt.Sprintf("unknown timeframe %q", s))
	}
	return tf, nil
}

// Kind selects the storage shape of a feed.
type Kind string

const (
	KindSingle    Kind = "single"
	KindAggregate Kind = "aggregate"
)

func (k Kind) Valid() bool {
	return k == KindSingle || k == KindAggregate
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", apperrors.Validation(fmt.Sprintf("unknown feed kind %q", s))
	}
	return k, nil
}

// Feed is a named external time series.
type Feed struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Ticker      string    `json:"ticker" db:"ticker"`
	Timeframe   Timeframe `json:"timeframe" db:"timeframe"`
	Source      string    `json:"source" db:"source"`
	Kind        Kind      `json:"kind" db:"kind"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (f Feed) Validate() error {
	if strings.TrimSpace(f.Ticker) == "" {
		return apperrors.Validation("feed ticker is required")
	}
	if !f.Timeframe.Valid() {
		return apperrors.Validation(fmt.Sprintf("feed %s: unknown timeframe %q", f.Ticker, f.Timeframe))
	}
	if !f.Kind.Valid() {
		return apperrors.Validation(fmt.Sprintf("feed %s: unknown kind %q", f.Ticker, f.Kind))
	}
	if f.Source == "" {
		return apperrors.Validation(fmt.Sprintf("feed %s: source is required", f.Ticker))
	}
	return nil
}

// Key is the natural key of a data point. Timeframe is empty for single-value
// points, whose identity is (ticker, ts).
type Key struct {
	Kind      Kind
	Timeframe Timeframe
	Ticker    string
	Ts        time.Time
}

func (k Key) String() string {
	if k.Kind == KindSingle {
		return fmt.Sprintf("%s@%s", k.Ticker, k.Ts.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%s/%s@%s", k.Ticker, k.Timeframe, k.Ts.UTC().Format(time.RFC3339))
}

// Point is one observation. Single-value points only carry Main; aggregate
// points carry the OHLCV columns.
type Point struct {
	Kind      Kind      `json:"kind"`
	Timeframe Timeframe `json:"timeframe,omitempty"`
	Ticker    string    `json:"ticker"`
	Ts        time.Time `json:"ts"`

	Main *float64 `json:"main,omitempty"`

	Open     *float64 `json:"open,omitempty"`
	High     *float64 `json:"high,omitempty"`
	Low      *float64 `json:"low,omitempty"`
	Close    *float64 `json:"close,omitempty"`
	AdjClose *float64 `json:"adjusted_close,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

func (p Point) Key() Key {
	k := Key{Kind: p.Kind, Ticker: p.Ticker, Ts: p.Ts.UTC()}
	if p.Kind == KindAggregate {
		k.Timeframe = p.Timeframe
	}
	return k
}

// Validate checks the domain rules a point must satisfy before it is stored.
func (p Point) Validate() error {
	if p.Ticker == "" {
		return apperrors.Validation("ticker is missing")
	}
	if p.Ts.IsZero() {
		return apperrors.Validation("timestamp is missing")
	}
	if p.Kind != KindAggregate {
		return nil
	}
	if p.High != nil && p.Low != nil && *p.High < *p.Low {
		return apperrors.Validation(fmt.Sprintf("high %v is below low %v", *p.High, *p.Low))
	}
	if p.Volume != nil && *p.Volume < 0 {
		return apperrors.Validation(fmt.Sprintf("volume %v is negative", *p.Volume))
	}
	return nil
}

// SameValues reports whether the value columns of p and o are equal.
func (p Point) SameValues(o Point) bool {
	if p.Kind == KindSingle {
		return sameFloat(p.Main, o.Main)
	}
	return sameFloat(p.Open, o.Open) &&
		sameFloat(p.High, o.High) &&
		sameFloat(p.Low, o.Low) &&
		sameFloat(p.Close, o.Close) &&
		sameFloat(p.AdjClose, o.AdjClose) &&
		sameFloat(p.Volume, o.Volume)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
