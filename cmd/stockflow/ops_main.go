package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkowalik/stockflow/internal/jobs"
)

// runJanitor performs one stale-job sweep and exits.
func runJanitor(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	staleAfter, _ := cmd.Flags().GetDuration("stale-after")

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	swept, err := jobs.NewJanitor(app.manager.Repository().Jobs, staleAfter).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("janitor sweep: %w", err)
	}

	fmt.Printf("closed %d abandoned job(s)\n", swept)
	return nil
}

// runStatus prints pool health and the most recent job rows for the
// selected environment.
func runStatus(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	health := app.manager.Health().Health(ctx)
	state := "healthy"
	if !health.Healthy {
		state = "unhealthy: " + strings.Join(health.Errors, "; ")
	}

	fmt.Printf("Environment: %s (schema %s)\n", app.env, app.env.Schema())
	fmt.Printf("Database:    %s (%dms)\n", state, health.ResponseTimeMS)
	fmt.Printf("Pool:        %d open, %d in use, %d idle\n",
		health.ConnectionPool["open"], health.ConnectionPool["in_use"], health.ConnectionPool["idle"])

	recent, err := app.manager.Repository().Jobs.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("list recent jobs: %w", err)
	}

	fmt.Printf("\nRecent runs (%d)\n", len(recent))
	fmt.Printf("%-8s %-14s %-5s %-10s %-19s %9s %8s %8s\n",
		"ID", "JOB", "ENV", "STATUS", "STARTED", "PROCESSED", "FAILED", "QUALITY")
	for _, job := range recent {
		fmt.Printf("%-8d %-14s %-5s %-10s %-19s %9d %8d %8d\n",
			job.ID, job.JobName, job.Environment, job.Status,
			job.StartedAt.Format("2006-01-02 15:04:05"),
			job.RecordsProcessed, job.RecordsFailed, job.QualityFailed)
	}

	return nil
}
