// Package trigger translates external scheduler events into pipeline
// invocations. It also hosts the embedded cron daemon for deployments
// without an external scheduler.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/pipeline"
	"github.com/mkowalik/stockflow/internal/resolve"
)

// Event is the envelope an external scheduler delivers: which environment
// to run in, the logical date of the run, the scheduler's own run id, and
// an opaque parameter blob.
type Event struct {
	Environment    string          `json:"environment"`
	LogicalDate    string          `json:"logical_date"`
	SchedulerRunID string          `json:"scheduler_run_id,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// BuildRequest validates an event against the configured universe and
// produces the pipeline invocation. Every validation failure here happens
// before any database write; unknown parameter keys are logged and ignored,
// known keys with invalid values are errors.
func BuildRequest(evt Event, universe []domain.Instrument) (pipeline.Request, error) {
	env := domain.Environment(evt.Environment)
	if !env.Valid() {
		return pipeline.Request{}, fmt.Errorf("unknown environment %q", evt.Environment)
	}

	if evt.LogicalDate == "" {
		return pipeline.Request{}, fmt.Errorf("logical date is required")
	}
	logical, err := time.Parse(domain.DateLayout, evt.LogicalDate)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("logical date %q: %w", evt.LogicalDate, err)
	}

	if len(universe) == 0 {
		return pipeline.Request{}, fmt.Errorf("instrument universe is empty")
	}

	req := pipeline.Request{
		Environment: env,
		LogicalDate: logical,
		Instruments: universe,
		Metadata: map[string]interface{}{
			"logical_date": evt.LogicalDate,
		},
	}
	if evt.SchedulerRunID != "" {
		id := evt.SchedulerRunID
		req.SchedulerRunID = &id
	}

	if err := applyParams(&req, evt.Params); err != nil {
		return pipeline.Request{}, err
	}
	return req, nil
}

// applyParams folds the opaque parameter blob into the request.
// Recognized keys: extraction_mode, instruments, target_date, catch_up.
func applyParams(req *pipeline.Request, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("params blob: %w", err)
	}

	known := make(map[string]struct{}, len(universeSymbols(req.Instruments)))
	for _, s := range universeSymbols(req.Instruments) {
		known[s] = struct{}{}
	}

	for key, value := range params {
		switch key {
		case "extraction_mode":
			var mode string
			if err := json.Unmarshal(value, &mode); err != nil {
				return fmt.Errorf("params.extraction_mode: %w", err)
			}
			if !resolve.KnownKind(mode) {
				return fmt.Errorf("params.extraction_mode: unknown mode %q", mode)
			}
			req.GlobalMode = resolve.ModeKind(mode)
			req.Metadata["extraction_mode"] = mode

		case "instruments":
			var overrides map[string]string
			if err := json.Unmarshal(value, &overrides); err != nil {
				return fmt.Errorf("params.instruments: %w", err)
			}
			req.Overrides = make(map[string]resolve.ModeKind, len(overrides))
			for symbol, mode := range overrides {
				// Overrides must be concrete; smart is only meaningful
				// run-wide.
				if !resolve.ConcreteKind(mode) {
					return fmt.Errorf("params.instruments[%s]: mode %q is not a concrete mode", symbol, mode)
				}
				if _, ok := known[symbol]; !ok {
					log.Warn().Str("symbol", symbol).Msg("mode override for symbol outside the universe")
				}
				req.Overrides[symbol] = resolve.ModeKind(mode)
			}
			req.Metadata["overrides"] = len(overrides)

		case "target_date":
			var date string
			if err := json.Unmarshal(value, &date); err != nil {
				return fmt.Errorf("params.target_date: %w", err)
			}
			target, err := time.Parse(domain.DateLayout, date)
			if err != nil {
				return fmt.Errorf("params.target_date %q: %w", date, err)
			}
			req.LogicalDate = target
			req.Metadata["target_date"] = date

		case "catch_up":
			var catchUp bool
			if err := json.Unmarshal(value, &catchUp); err != nil {
				return fmt.Errorf("params.catch_up: %w", err)
			}
			req.CatchUp = catchUp
			if catchUp {
				req.Metadata["catch_up"] = true
			}

		default:
			log.Warn().Str("key", key).Msg("ignoring unknown trigger parameter")
		}
	}
	return nil
}

func universeSymbols(insts []domain.Instrument) []string {
	symbols := make([]string, 0, len(insts))
	for _, inst := range insts {
		symbols = append(symbols, inst.Symbol)
	}
	return symbols
}
