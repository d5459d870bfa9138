package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/trainer/internal/model"
)

// Starter is the part of Supervisor a scheduler needs.
type Starter interface {
	Start(ctx context.Context, req model.TrainRequest) (model.Job, error)
}

// NewScheduler returns a not yet started scheduler, which starts a
// training of cfg.Dataset with default parameters on every trigger.
// Triggers hitting a running job are skipped.
func NewScheduler(ctx context.Context, cfg model.Schedule, starter Starter) (gocron.Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
	} else {
		d, err := model.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing train.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
	}
	slog.DebugContext(ctx, "training schedule", "cron", cfg.Cron, "duration", cfg.Duration, "dataset", cfg.Dataset)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			scheduledStart(ctx, starter, cfg.Dataset)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("initializing gocron job: %w", err),
			s.Shutdown(),
		)
	}
	return s, nil
}

func scheduledStart(ctx context.Context, starter Starter, dataset string) {
	job, err := starter.Start(ctx, model.TrainRequest{Dataset: dataset})
	switch {
	case errors.Is(err, model.ErrJobRunning):
		slog.InfoContext(ctx, "scheduled training skipped", "reason", err)
	case err != nil:
		slog.ErrorContext(ctx, "scheduled training failed", "error", err)
	default:
		slog.InfoContext(ctx, "scheduled training started", "job_id", job.ID, "pid", job.PID)
	}
}
