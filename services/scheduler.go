// services/scheduler.go
package services

import (
	"context"
	"fmt"
	"time"

	"gem-duel-system/logger"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// BackgroundJob is one periodic pass.
type BackgroundJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// StartScheduler registers every job in singleton mode, so a pass that is
// still running when its next tick fires is skipped, not stacked.
func StartScheduler(ctx context.Context, jobs []BackgroundJob) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	for _, job := range jobs {
		if job.Interval <= 0 {
			logger.Warn("[SCHEDULER] job disabled", zap.String("job", job.Name))
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(job.Interval),
			gocron.NewTask(func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("[SCHEDULER] job panicked", zap.String("job", job.Name), zap.Any("panic", r))
					}
				}()
				job.Run(ctx)
			}),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("register job %s: %w", job.Name, err)
		}
		logger.Info("[SCHEDULER] job registered", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	}

	sched.Start()
	return sched, nil
}

// DuelJobs wires the core passes to their intervals.
func DuelJobs(mm *MatchmakingService, sweeper *Sweeper, deposits *DepositReconciler, matchEvery, sweepEvery, depositEvery time.Duration) []BackgroundJob {
	return []BackgroundJob{
		{
			Name:     "matchmaking",
			Interval: matchEvery,
			Run: func(ctx context.Context) {
				if _, err := mm.RunPass(ctx); err != nil {
					logger.Error("[MATCHMAKING] pass failed", zap.Error(err))
				}
			},
		},
		{
			Name:     "lifecycle_sweeper",
			Interval: sweepEvery,
			Run: func(ctx context.Context) {
				sweeper.RunOnce(ctx)
			},
		},
		{
			Name:     "deposit_confirmations",
			Interval: depositEvery,
			Run: func(ctx context.Context) {
				res, err := deposits.ConfirmPending(ctx)
				if err != nil {
					logger.Error("[DEPOSITS] pass failed", zap.Error(err))
					return
				}
				if res.Credited > 0 || res.Failed > 0 {
					logger.Info("[DEPOSITS] pass complete",
						zap.Int("checked", res.Checked),
						zap.Int("credited", res.Credited),
						zap.Int("failed", res.Failed),
						zap.Int("deferred", res.Deferred))
				}
			},
		},
	}
}
