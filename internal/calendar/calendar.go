// Package calendar classifies trading days and answers schedule questions
// for a single exchange. It is deliberately dumb: a weekend rule plus a
// static holiday set injected from configuration. No external calendar
// source is consulted.
package calendar

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxPreviousWalk bounds the backward scan for the previous trading day.
// Ten calendar days cover any realistic weekend plus holiday cluster.
const maxPreviousWalk = 10

// clockLayout parses exchange session times like "09:00".
const clockLayout = "15:04"

// Config carries the static calendar knowledge for one exchange.
type Config struct {
	// Holidays are non-trading weekdays, rendered as YYYY-MM-DD.
	Holidays []string `yaml:"holidays"`
	// OpensAt and ClosesAt are exchange-local session bounds (HH:MM).
	OpensAt  string `yaml:"opens_at"`
	ClosesAt string `yaml:"closes_at"`
}

// Calendar answers trading-day questions. Safe for concurrent use.
type Calendar struct {
	holidays map[string]struct{}
	opensAt  time.Duration
	closesAt time.Duration

	emptyWarn sync.Once
}

// New builds a Calendar from config. Unparseable holiday entries are
// dropped with a warning; unparseable session times fall back to a
// 09:00-17:00 session.
func New(cfg Config) *Calendar {
	c := &Calendar{
		holidays: make(map[string]struct{}, len(cfg.Holidays)),
		opensAt:  9 * time.Hour,
		closesAt: 17 * time.Hour,
	}

	for _, h := range cfg.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			log.Warn().Str("holiday", h).Msg("calendar: dropping unparseable holiday entry")
			continue
		}
		c.holidays[h] = struct{}{}
	}

	if d, ok := parseClock(cfg.OpensAt); ok {
		c.opensAt = d
	}
	if d, ok := parseClock(cfg.ClosesAt); ok {
		c.closesAt = d
	}

	return c
}

// IsTradingDay reports whether d is a trading day: a weekday that is not
// in the holiday set. With an empty holiday set every weekday counts as
// trading, and one warning is logged for the lifetime of the Calendar.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if len(c.holidays) == 0 {
		c.emptyWarn.Do(func() {
			log.Warn().Msg("calendar: holiday set is empty, treating all weekdays as trading days")
		})
		return true
	}
	_, holiday := c.holidays[d.Format("2006-01-02")]
	return !holiday
}

// PreviousTradingDay returns the last trading day strictly before d.
// The walk is bounded; if nothing inside the bound qualifies, the oldest
// candidate is returned and a warning logged.
func (c *Calendar) PreviousTradingDay(d time.Time) time.Time {
	cursor := d.AddDate(0, 0, -1)
	for i := 0; i < maxPreviousWalk; i++ {
		if c.IsTradingDay(cursor) {
			return cursor
		}
		cursor = cursor.AddDate(0, 0, -1)
	}
	log.Warn().
		Str("from", d.Format("2006-01-02")).
		Msg("calendar: no trading day found within walk bound")
	return cursor
}

// TradingDaysBetween returns the trading days in [start, end], ascending.
// A start after end yields an empty slice.
func (c *Calendar) TradingDaysBetween(start, end time.Time) []time.Time {
	var days []time.Time
	for cursor := dateOnly(start); !cursor.After(dateOnly(end)); cursor = cursor.AddDate(0, 0, 1) {
		if c.IsTradingDay(cursor) {
			days = append(days, cursor)
		}
	}
	return days
}

// IsMarketOpen reports whether the exchange session is in progress at the
// given exchange-local instant.
func (c *Calendar) IsMarketOpen(nowLocal time.Time) bool {
	if !c.IsTradingDay(nowLocal) {
		return false
	}
	sinceMidnight := time.Duration(nowLocal.Hour())*time.Hour +
		time.Duration(nowLocal.Minute())*time.Minute +
		time.Duration(nowLocal.Second())*time.Second
	return sinceMidnight >= c.opensAt && sinceMidnight < c.closesAt
}

func parseClock(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		log.Warn().Str("clock", s).Msg("calendar: dropping unparseable session time")
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
