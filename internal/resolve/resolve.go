// Package resolve computes the extraction mode for one instrument in one
// run. The whole decision procedure lives in a single pure function so the
// layer ordering can be tested in isolation.
package resolve

import "time"

// ModeKind names the extraction strategies a run can request.
type ModeKind string

const (
	// Incremental fetches only the most recent bar.
	Incremental ModeKind = "incremental"
	// Historical fetches a bounded trailing window.
	Historical ModeKind = "historical"
	// FullBackfill fetches the complete available history.
	FullBackfill ModeKind = "full_backfill"
	// Smart defers to repository state. Valid as a request, never as a
	// resolved decision.
	Smart ModeKind = "smart"
)

// KnownKind reports whether s names a requestable mode.
func KnownKind(s string) bool {
	switch ModeKind(s) {
	case Incremental, Historical, FullBackfill, Smart:
		return true
	}
	return false
}

// ConcreteKind reports whether s names a mode usable as a per-symbol
// override. Smart is requestable run-wide only.
func ConcreteKind(s string) bool {
	switch ModeKind(s) {
	case Incremental, Historical, FullBackfill:
		return true
	}
	return false
}

// Mode is a resolved extraction decision.
type Mode struct {
	Kind ModeKind
	// Depth is the number of trailing trading days to fetch. Zero means
	// unbounded and only occurs with FullBackfill.
	Depth int
	// Reason names the deciding layer, for logs and job metadata.
	Reason string
}

// State is the repository's knowledge about an instrument at decision
// time. A negative RowCount means the state query failed and state-based
// resolution must be skipped.
type State struct {
	RowCount int64
	MaxDate  *time.Time
}

// Request carries the per-run inputs shared by every instrument decision.
type Request struct {
	// GlobalMode is the run-wide requested mode, empty when absent.
	GlobalMode ModeKind
	// Overrides pins individual symbols to a concrete mode.
	Overrides map[string]ModeKind
	// CatchUp marks scheduler catch-up or backfill context.
	CatchUp bool
	// ReferenceDate is the logical run date staleness is measured against.
	ReferenceDate time.Time
}

// Config holds the tunable sentinels of the decision procedure.
type Config struct {
	// HistoricalDeepDays is the window for empty or sparse instruments.
	HistoricalDeepDays int `yaml:"historical_deep_days"`
	// HistoricalDays is the window for stale instruments and explicit
	// historical requests.
	HistoricalDays int `yaml:"historical_days"`
	// StalenessDays is the max-date age beyond which an instrument is
	// considered stale.
	StalenessDays int `yaml:"staleness_days"`
	// MinRowThreshold is the row count below which an instrument is
	// considered sparse.
	MinRowThreshold int64 `yaml:"min_row_threshold"`
}

// DefaultConfig returns the decision sentinels used in production.
func DefaultConfig() Config {
	return Config{
		HistoricalDeepDays: 1000,
		HistoricalDays:     500,
		StalenessDays:      7,
		MinRowThreshold:    30,
	}
}

// Decide resolves the extraction mode for one instrument. Layers, first
// match wins:
//
//  1. per-symbol override with a concrete mode
//  2. global historical or full_backfill request
//  3. repository state (empty, stale, sparse, fresh)
//  4. catch-up context escalating a state-chosen incremental
//  5. safety default incremental(1)
//
// A global incremental or smart request falls through to the state layer:
// incremental against an empty or stale instrument would silently lose
// history, so state gets the final word unless the operator pinned the
// symbol explicitly.
func Decide(cfg Config, req Request, symbol string, st State) Mode {
	if kind, ok := req.Overrides[symbol]; ok {
		if m, ok := concrete(cfg, kind, "override"); ok {
			return m
		}
	}

	switch req.GlobalMode {
	case Historical:
		return Mode{Kind: Historical, Depth: cfg.HistoricalDays, Reason: "global"}
	case FullBackfill:
		return Mode{Kind: FullBackfill, Reason: "global"}
	}

	if st.RowCount >= 0 {
		m := fromState(cfg, req.ReferenceDate, st)
		if req.CatchUp && m.Kind == Incremental {
			return Mode{Kind: Historical, Depth: cfg.HistoricalDays, Reason: "catchup"}
		}
		return m
	}

	return Mode{Kind: Incremental, Depth: 1, Reason: "default"}
}

// concrete maps a requested kind to a resolved mode. Smart is not
// concrete; it falls through to the state layer.
func concrete(cfg Config, kind ModeKind, reason string) (Mode, bool) {
	switch kind {
	case Incremental:
		return Mode{Kind: Incremental, Depth: 1, Reason: reason}, true
	case Historical:
		return Mode{Kind: Historical, Depth: cfg.HistoricalDays, Reason: reason}, true
	case FullBackfill:
		return Mode{Kind: FullBackfill, Reason: reason}, true
	}
	return Mode{}, false
}

func fromState(cfg Config, ref time.Time, st State) Mode {
	switch {
	case st.RowCount == 0 || st.MaxDate == nil:
		return Mode{Kind: Historical, Depth: cfg.HistoricalDeepDays, Reason: "state_empty"}
	case st.MaxDate.Before(ref.AddDate(0, 0, -cfg.StalenessDays)):
		return Mode{Kind: Historical, Depth: cfg.HistoricalDays, Reason: "state_stale"}
	case st.RowCount < cfg.MinRowThreshold:
		return Mode{Kind: Historical, Depth: cfg.HistoricalDeepDays, Reason: "state_sparse"}
	default:
		return Mode{Kind: Incremental, Depth: 1, Reason: "state_fresh"}
	}
}
