package extract

import (
	"fmt"
	"time"
)

// BoundKind selects how much history a fetch covers.
type BoundKind int

const (
	// LatestOnly fetches the bar for the reference date alone.
	LatestOnly BoundKind = iota
	// LastN fetches a trailing window of N trading days.
	LastN
	// All fetches the complete history up to the reference date.
	All
)

// Bound is the history window of one fetch. Ref is the inclusive upper
// date; keeping it explicit makes re-runs of past dates replay-stable.
type Bound struct {
	Kind BoundKind
	N    int
	Ref  time.Time
}

// Latest bounds a fetch to the reference date's bar.
func Latest(ref time.Time) Bound {
	return Bound{Kind: LatestOnly, Ref: ref}
}

// Last bounds a fetch to the trailing n trading days ending at ref.
func Last(n int, ref time.Time) Bound {
	return Bound{Kind: LastN, N: n, Ref: ref}
}

// Everything bounds a fetch to the full history ending at ref.
func Everything(ref time.Time) Bound {
	return Bound{Kind: All, Ref: ref}
}

func (b Bound) String() string {
	switch b.Kind {
	case LatestOnly:
		return fmt.Sprintf("latest@%s", b.Ref.Format("2006-01-02"))
	case LastN:
		return fmt.Sprintf("last%d@%s", b.N, b.Ref.Format("2006-01-02"))
	default:
		return fmt.Sprintf("all@%s", b.Ref.Format("2006-01-02"))
	}
}

// window returns the provider-side date range for the bound. LastN
// overshoots in calendar days (weekends and holidays thin the rows out)
// and the parser trims to the exact N afterwards.
func (b Bound) window() (from, to time.Time, bounded bool) {
	switch b.Kind {
	case LatestOnly:
		return b.Ref, b.Ref, true
	case LastN:
		calendarDays := b.N*7/5 + 14
		return b.Ref.AddDate(0, 0, -calendarDays), b.Ref, true
	default:
		return time.Time{}, b.Ref, false
	}
}
