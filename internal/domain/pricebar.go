package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical rendering of a trading date.
const DateLayout = "2006-01-02"

// Record-level validation failures. The extractor counts rejected rows by
// these reasons; none of them abort a batch.
var (
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrNegativeVolume   = errors.New("volume must be non-negative")
	ErrPriceBounds      = errors.New("ohlc bounds violated")
	ErrFutureDate       = errors.New("trading date in the future")
)

// PriceBar is one validated daily OHLCV observation for a single symbol.
// Bars are constructed through NewPriceBar only, so a PriceBar in flight
// always satisfies the OHLC invariants and carries its content hash.
type PriceBar struct {
	Symbol  string    `json:"symbol"`
	Date    time.Time `json:"date"`
	Open    float64   `json:"open"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	Volume  int64     `json:"volume"`
	RawHash string    `json:"raw_hash"`
}

// NewPriceBar validates one observation and computes its content hash.
// The clock parameter is the reference "now" for future-date rejection;
// callers pass time.Now() outside tests.
func NewPriceBar(symbol string, date time.Time, open, high, low, close float64, volume int64, clock time.Time) (PriceBar, error) {
	if open <= 0 || high <= 0 || low <= 0 || close <= 0 {
		return PriceBar{}, fmt.Errorf("bar %s %s: %w", symbol, date.Format(DateLayout), ErrNonPositivePrice)
	}
	if volume < 0 {
		return PriceBar{}, fmt.Errorf("bar %s %s: %w", symbol, date.Format(DateLayout), ErrNegativeVolume)
	}
	if low > min(open, close) || max(open, close) > high {
		return PriceBar{}, fmt.Errorf("bar %s %s: %w", symbol, date.Format(DateLayout), ErrPriceBounds)
	}
	if dateOnly(date).After(dateOnly(clock)) {
		return PriceBar{}, fmt.Errorf("bar %s %s: %w", symbol, date.Format(DateLayout), ErrFutureDate)
	}

	return PriceBar{
		Symbol:  strings.ToUpper(symbol),
		Date:    dateOnly(date),
		Open:    open,
		High:    high,
		Low:     low,
		Close:   close,
		Volume:  volume,
		RawHash: ContentHash(symbol, date, open, high, low, close, volume),
	}, nil
}

// ContentHash renders the bar as a canonical fixed-precision tuple and
// digests it with SHA-256. Prices are rendered at 4 decimal places so the
// hash is stable across platforms and float formatting quirks; a provider
// correction in any rendered field changes the hash.
func ContentHash(symbol string, date time.Time, open, high, low, close float64, volume int64) string {
	payload := fmt.Sprintf("%s|%s|%.4f|%.4f|%.4f|%.4f|%d",
		strings.ToUpper(symbol), date.Format(DateLayout), open, high, low, close, volume)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
