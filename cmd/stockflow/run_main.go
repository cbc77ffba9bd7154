package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/metrics"
	"github.com/mkowalik/stockflow/internal/trigger"
)

// runIngest executes one pipeline run. The flags are folded into the same
// trigger event a scheduler would deliver, so manual and scheduled runs go
// through identical validation.
func runIngest(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	evt, err := eventFromFlags(cmd, app.env)
	if err != nil {
		return err
	}

	req, err := trigger.BuildRequest(evt, app.cfg.Instruments)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, err := app.buildPipeline(ctx, metrics.New())
	if err != nil {
		return err
	}

	res, err := pipe.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("ingestion run: %w", err)
	}

	fmt.Printf("job %d finished %s: processed=%d inserted=%d updated=%d skipped=%d failed=%d quality_failed=%d\n",
		res.JobID, res.Status,
		res.Counters.Processed, res.Counters.Inserted, res.Counters.Updated,
		res.Counters.Skipped, res.Counters.Failed, res.Counters.QualityFailed)

	exitCode = res.ExitCode()
	return nil
}

// eventFromFlags translates the run command's flags into a trigger event.
func eventFromFlags(cmd *cobra.Command, env domain.Environment) (trigger.Event, error) {
	date, _ := cmd.Flags().GetString("date")
	if date == "" {
		date = time.Now().Format(domain.DateLayout)
	}

	evt := trigger.Event{
		Environment: string(env),
		LogicalDate: date,
	}
	if runID, _ := cmd.Flags().GetString("run-id"); runID != "" {
		evt.SchedulerRunID = runID
	}

	params := map[string]interface{}{}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		params["extraction_mode"] = mode
	}
	if catchUp, _ := cmd.Flags().GetBool("catch-up"); catchUp {
		params["catch_up"] = true
	}
	if pairs, _ := cmd.Flags().GetStringSlice("instrument"); len(pairs) > 0 {
		overrides := make(map[string]string, len(pairs))
		for _, pair := range pairs {
			symbol, mode, ok := strings.Cut(pair, "=")
			if !ok {
				return trigger.Event{}, fmt.Errorf("instrument override %q: want SYMBOL=mode", pair)
			}
			overrides[strings.TrimSpace(symbol)] = strings.TrimSpace(mode)
		}
		params["instruments"] = overrides
	}

	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return trigger.Event{}, fmt.Errorf("encode run parameters: %w", err)
		}
		evt.Params = raw
	}
	return evt, nil
}
