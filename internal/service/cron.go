package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/gapd-project/gapd/internal/model"
)

// jobDefinition turns the health schedule into a gocron job. Cron wins over
// duration; without either the check runs every model.DefaultHealthEvery.
func jobDefinition(ctx context.Context, cfg *model.Health) (gocron.JobDefinition, error) {
	var cron, duration string
	if cfg != nil {
		cron, duration = model.Get(cfg.Cron), model.Get(cfg.Duration)
	}
	switch {
	case cron != "":
		every, err := model.ParseCron(cron)
		if err != nil {
			return nil, fmt.Errorf("parsing health.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cron, "every", every.String())
		return gocron.CronJob(cron, false), nil
	case duration != "":
		d, err := model.ParseCueDuration(duration)
		if err != nil {
			return nil, fmt.Errorf("parsing health.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		return gocron.DurationJob(d), nil
	default:
		return gocron.DurationJob(model.DefaultHealthEvery), nil
	}
}

func newScheduler(ctx context.Context, cfg *model.Health, task func()) (gocron.Scheduler, error) {
	job, err := jobDefinition(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
