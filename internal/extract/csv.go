package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkowalik/stockflow/internal/domain"
)

// requiredColumns is the provider's daily CSV contract. Order does not
// matter, casing does not matter, extra columns are ignored.
var requiredColumns = []string{"date", "open", "high", "low", "close", "volume"}

// Batch is the result of one fetch: validated bars in ascending date
// order plus the raw payload for archival.
type Batch struct {
	Symbol   string
	Bars     []domain.PriceBar
	Rejected int
	Raw      []byte
}

// parseCSV validates a provider payload into a Batch. Row-level
// violations are rejected and counted; a broken header fails the whole
// batch with ErrParse; a payload with no content at all yields ErrEmpty.
func parseCSV(symbol string, bound Bound, payload []byte, now time.Time, log zerolog.Logger) (Batch, error) {
	batch := Batch{Symbol: strings.ToUpper(symbol), Raw: payload}

	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || strings.EqualFold(trimmed, "no data") {
		return batch, fmt.Errorf("%s: %w", symbol, ErrEmpty)
	}

	reader := csv.NewReader(bytes.NewReader(payload))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return batch, fmt.Errorf("%s: reading header: %w", symbol, ErrParse)
	}

	idx, err := columnIndex(header)
	if err != nil {
		return batch, fmt.Errorf("%s: %w", symbol, err)
	}

	byDate := make(map[time.Time]domain.PriceBar)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			batch.Rejected++
			log.Warn().Str("symbol", symbol).Err(err).Msg("rejecting unreadable csv row")
			continue
		}

		bar, err := parseRow(symbol, record, idx, now)
		if err != nil {
			batch.Rejected++
			log.Warn().Str("symbol", symbol).Err(err).Msg("rejecting invalid row")
			continue
		}

		// Rows beyond the requested window are out of scope, not invalid.
		if bar.Date.After(bound.Ref) {
			continue
		}

		// A payload restating the same date twice keeps the last version.
		byDate[bar.Date] = bar
	}

	for _, bar := range byDate {
		batch.Bars = append(batch.Bars, bar)
	}
	sort.Slice(batch.Bars, func(i, j int) bool { return batch.Bars[i].Date.Before(batch.Bars[j].Date) })

	if bound.Kind == LastN && len(batch.Bars) > bound.N {
		batch.Bars = batch.Bars[len(batch.Bars)-bound.N:]
	}

	return batch, nil
}

// columnIndex maps required column names to their positions, failing with
// ErrParse when any is missing.
func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("header missing column %q: %w", col, ErrParse)
		}
	}
	return idx, nil
}

func parseRow(symbol string, record []string, idx map[string]int, now time.Time) (domain.PriceBar, error) {
	field := func(col string) (string, error) {
		i := idx[col]
		if i >= len(record) {
			return "", fmt.Errorf("row too short for column %q", col)
		}
		return strings.TrimSpace(record[i]), nil
	}

	rawDate, err := field("date")
	if err != nil {
		return domain.PriceBar{}, err
	}
	date, err := time.Parse(domain.DateLayout, rawDate)
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("bad date %q: %w", rawDate, err)
	}

	prices := make(map[string]float64, 4)
	for _, col := range []string{"open", "high", "low", "close"} {
		raw, err := field(col)
		if err != nil {
			return domain.PriceBar{}, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.PriceBar{}, fmt.Errorf("bad %s %q: %w", col, raw, err)
		}
		prices[col] = v
	}

	rawVolume, err := field("volume")
	if err != nil {
		return domain.PriceBar{}, err
	}
	volume, err := parseVolume(rawVolume)
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("bad volume %q: %w", rawVolume, err)
	}

	return domain.NewPriceBar(symbol, date, prices["open"], prices["high"], prices["low"], prices["close"], volume, now)
}

// parseVolume accepts plain integers and, as some feeds do for large
// counts, scientific notation.
func parseVolume(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// IsEmpty reports whether err is the no-data outcome rather than a failure.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmpty)
}
