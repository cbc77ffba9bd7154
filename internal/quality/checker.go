package quality

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/mkowalik/stockflow/internal/calendar"
	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/persistence"
)

// Rule names as stored in data_quality_metrics.
const (
	RuleOHLCConsistency = "ohlc_consistency"
	RuleCalendarGap     = "calendar_gap"
	RuleVolumeSpike     = "volume_spike"
	RulePriceJump       = "price_jump"
)

// Verdict severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Config holds rule thresholds.
type Config struct {
	VolumeWindow       int     `yaml:"volume_window"`
	VolumeSpikeFactor  float64 `yaml:"volume_spike_factor"`
	PriceJumpThreshold float64 `yaml:"price_jump_threshold"`
	ErrorThreshold     int     `yaml:"error_threshold"`
}

// DefaultConfig returns the default rule thresholds.
func DefaultConfig() Config {
	return Config{
		VolumeWindow:       20,
		VolumeSpikeFactor:  10,
		PriceJumpThreshold: 0.25,
		ErrorThreshold:     0,
	}
}

// Checker evaluates freshly committed bars against the rule set. Verdicts are
// advisory: they never gate or roll back price data.
type Checker struct {
	cfg Config
	cal *calendar.Calendar
}

// NewChecker creates a checker with the given thresholds and trading calendar.
// Zero or negative thresholds fall back to defaults.
func NewChecker(cfg Config, cal *calendar.Calendar) *Checker {
	def := DefaultConfig()
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = def.VolumeWindow
	}
	if cfg.VolumeSpikeFactor <= 0 {
		cfg.VolumeSpikeFactor = def.VolumeSpikeFactor
	}
	if cfg.PriceJumpThreshold <= 0 {
		cfg.PriceJumpThreshold = def.PriceJumpThreshold
	}
	if cfg.ErrorThreshold < 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	return &Checker{cfg: cfg, cal: cal}
}

// Report aggregates one instrument's verdicts for one run.
type Report struct {
	Verdicts []persistence.QualityVerdict
	Failed   int // verdicts with is_valid=false
	Errors   int // failed verdicts with severity=error
}

// Demotes reports whether this instrument's error-severity failures exceed
// the configured threshold, demoting an otherwise completed job to partial.
func (c *Checker) Demotes(r Report) bool {
	return r.Errors > c.cfg.ErrorThreshold
}

// Lookback is how many stored bars before the fresh window the rules need
// for full context.
func (c *Checker) Lookback() int {
	return c.cfg.VolumeWindow + 1
}

// Evaluate runs every rule over the fresh bars, using history (stored bars
// preceding the fresh window, ascending) as lookback context. Each rule emits
// one failing verdict per violating observation, or a single passing verdict
// carrying the worst observed value when nothing violated.
func (c *Checker) Evaluate(jobID, instrumentID int64, history, fresh []domain.PriceBar) Report {
	if len(fresh) == 0 {
		return Report{}
	}

	// History overlapping the fresh window would double-count observations.
	cut := sort.Search(len(history), func(i int) bool {
		return !history[i].Date.Before(fresh[0].Date)
	})
	series := make([]domain.PriceBar, 0, cut+len(fresh))
	series = append(series, history[:cut]...)
	series = append(series, fresh...)
	freshStart := cut

	var report Report
	report.add(c.checkOHLC(jobID, instrumentID, fresh))
	report.add(c.checkCalendarGaps(jobID, instrumentID, series, freshStart))
	report.add(c.checkVolumeSpikes(jobID, instrumentID, series, freshStart))
	report.add(c.checkPriceJumps(jobID, instrumentID, series, freshStart))
	return report
}

func (r *Report) add(verdicts []persistence.QualityVerdict) {
	for _, v := range verdicts {
		if !v.IsValid {
			r.Failed++
			if v.Severity == SeverityError {
				r.Errors++
			}
		}
	}
	r.Verdicts = append(r.Verdicts, verdicts...)
}

// checkOHLC re-checks the stored-row invariant low <= min(open, close) and
// max(open, close) <= high. Loader validation already enforces it, so a
// failure here means corruption between parse and commit.
func (c *Checker) checkOHLC(jobID, instrumentID int64, fresh []domain.PriceBar) []persistence.QualityVerdict {
	var verdicts []persistence.QualityVerdict
	worst := 0.0

	for _, bar := range fresh {
		violation := math.Max(0, bar.Low-math.Min(bar.Open, bar.Close)) +
			math.Max(0, math.Max(bar.Open, bar.Close)-bar.High)
		if violation > worst {
			worst = violation
		}
		if violation > 0 {
			verdicts = append(verdicts, persistence.QualityVerdict{
				JobID:        jobID,
				InstrumentID: instrumentID,
				Rule:         RuleOHLCConsistency,
				Value:        violation,
				IsValid:      false,
				Severity:     SeverityError,
			})
		}
	}
	if len(verdicts) == 0 {
		verdicts = append(verdicts, persistence.QualityVerdict{
			JobID:        jobID,
			InstrumentID: instrumentID,
			Rule:         RuleOHLCConsistency,
			Value:        worst,
			IsValid:      true,
			Severity:     SeverityError,
		})
	}
	return verdicts
}

// checkCalendarGaps scans consecutive pairs ending in the fresh window and
// counts trading days the calendar expected between them. Gaps wholly inside
// history were reported by the run that loaded them.
func (c *Checker) checkCalendarGaps(jobID, instrumentID int64, series []domain.PriceBar, freshStart int) []persistence.QualityVerdict {
	zero := 0.0
	var verdicts []persistence.QualityVerdict
	worst := 0.0

	start := freshStart
	if start == 0 {
		start = 1
	}
	for i := start; i < len(series); i++ {
		prev, cur := series[i-1].Date, series[i].Date
		missing := len(c.cal.TradingDaysBetween(prev.AddDate(0, 0, 1), cur.AddDate(0, 0, -1)))
		if float64(missing) > worst {
			worst = float64(missing)
		}
		if missing > 0 {
			verdicts = append(verdicts, persistence.QualityVerdict{
				JobID:        jobID,
				InstrumentID: instrumentID,
				Rule:         RuleCalendarGap,
				Value:        float64(missing),
				MaxThreshold: &zero,
				IsValid:      false,
				Severity:     SeverityWarn,
			})
		}
	}
	if len(verdicts) == 0 {
		verdicts = append(verdicts, persistence.QualityVerdict{
			JobID:        jobID,
			InstrumentID: instrumentID,
			Rule:         RuleCalendarGap,
			Value:        worst,
			MaxThreshold: &zero,
			IsValid:      true,
			Severity:     SeverityWarn,
		})
	}
	return verdicts
}

// checkVolumeSpikes flags fresh bars whose volume exceeds the configured
// multiple of the trailing-window median. Bars without a full window, and
// windows whose median is zero (indexes report no volume), are skipped.
func (c *Checker) checkVolumeSpikes(jobID, instrumentID int64, series []domain.PriceBar, freshStart int) []persistence.QualityVerdict {
	factor := c.cfg.VolumeSpikeFactor
	var verdicts []persistence.QualityVerdict
	worst := 0.0

	for i := freshStart; i < len(series); i++ {
		if i < c.cfg.VolumeWindow {
			continue
		}
		window := make([]float64, 0, c.cfg.VolumeWindow)
		for _, bar := range series[i-c.cfg.VolumeWindow : i] {
			window = append(window, float64(bar.Volume))
		}
		sort.Float64s(window)
		median := stat.Quantile(0.5, stat.Empirical, window, nil)
		if median <= 0 {
			continue
		}
		ratio := float64(series[i].Volume) / median
		if ratio > worst {
			worst = ratio
		}
		if ratio > factor {
			verdicts = append(verdicts, persistence.QualityVerdict{
				JobID:        jobID,
				InstrumentID: instrumentID,
				Rule:         RuleVolumeSpike,
				Value:        ratio,
				MaxThreshold: &factor,
				IsValid:      false,
				Severity:     SeverityWarn,
			})
		}
	}
	if len(verdicts) == 0 {
		verdicts = append(verdicts, persistence.QualityVerdict{
			JobID:        jobID,
			InstrumentID: instrumentID,
			Rule:         RuleVolumeSpike,
			Value:        worst,
			MaxThreshold: &factor,
			IsValid:      true,
			Severity:     SeverityWarn,
		})
	}
	return verdicts
}

// checkPriceJumps flags consecutive closes whose absolute log return exceeds
// the configured threshold.
func (c *Checker) checkPriceJumps(jobID, instrumentID int64, series []domain.PriceBar, freshStart int) []persistence.QualityVerdict {
	threshold := c.cfg.PriceJumpThreshold
	var verdicts []persistence.QualityVerdict
	worst := 0.0

	start := freshStart
	if start == 0 {
		start = 1
	}
	for i := start; i < len(series); i++ {
		prev, cur := series[i-1].Close, series[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Abs(math.Log(cur / prev))
		if r > worst {
			worst = r
		}
		if r > threshold {
			verdicts = append(verdicts, persistence.QualityVerdict{
				JobID:        jobID,
				InstrumentID: instrumentID,
				Rule:         RulePriceJump,
				Value:        r,
				MaxThreshold: &threshold,
				IsValid:      false,
				Severity:     SeverityWarn,
			})
		}
	}
	if len(verdicts) == 0 {
		verdicts = append(verdicts, persistence.QualityVerdict{
			JobID:        jobID,
			InstrumentID: instrumentID,
			Rule:         RulePriceJump,
			Value:        worst,
			MaxThreshold: &threshold,
			IsValid:      true,
			Severity:     SeverityWarn,
		})
	}
	return verdicts
}

// BarsFromRows converts stored rows into bars for lookback evaluation. Rows
// already satisfied write-time validation, so conversion is mechanical.
func BarsFromRows(rows []persistence.PriceRow, symbol string) []domain.PriceBar {
	bars := make([]domain.PriceBar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, domain.PriceBar{
			Symbol:  symbol,
			Date:    row.TradingDate,
			Open:    row.Open,
			High:    row.High,
			Low:     row.Low,
			Close:   row.Close,
			Volume:  row.Volume,
			RawHash: row.ContentHash,
		})
	}
	return bars
}
